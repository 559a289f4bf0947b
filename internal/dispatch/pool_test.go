package dispatch

import (
	"strings"
	"testing"
	"time"
)

func TestPoolOrderAndCaps(t *testing.T) {
	t.Parallel()
	p := NewPool([]Account{
		{ID: "zed", LowProfile: true},
		{ID: "bob", CapPerRun: 2},
		{ID: "amy"},
		{ID: "amy", CapPerRun: 99},
		{ID: " "},
	}, PoolConfig{PerAccountCap: 20, LowProfileCap: 5, DelayMin: 10 * time.Second, DelayMax: 30 * time.Second, LowProfileDelayFactor: 150})

	order := p.Order()
	want := []string{"amy", "bob", "zed"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	for id, wantCap := range map[string]int{"amy": 20, "bob": 2, "zed": 5} {
		if got := p.Remaining(id); got != wantCap {
			t.Fatalf("Remaining(%s) = %d, want %d", id, got, wantCap)
		}
	}

	zed, _ := p.Account("zed")
	if zed.DelayMin != 15*time.Second || zed.DelayMax != 45*time.Second {
		t.Fatalf("low-profile delays = %v-%v, want 15s-45s", zed.DelayMin, zed.DelayMax)
	}
	amy, _ := p.Account("amy")
	if amy.DelayMin != 10*time.Second || amy.DelayMax != 30*time.Second {
		t.Fatalf("delays = %v-%v", amy.DelayMin, amy.DelayMax)
	}
}

func TestPoolCapFloor(t *testing.T) {
	t.Parallel()
	p := NewPool([]Account{{ID: "a", LowProfile: true}}, PoolConfig{PerAccountCap: 0, LowProfileCap: 0})
	if got := p.Remaining("a"); got != 1 {
		t.Fatalf("Remaining = %d, want 1", got)
	}
}

func TestScaleDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		lo, hi         time.Duration
		factor         int
		wantLo, wantHi time.Duration
	}{
		{10 * time.Second, 30 * time.Second, 150, 15 * time.Second, 45 * time.Second},
		{10 * time.Second, 30 * time.Second, 50, 10 * time.Second, 30 * time.Second},
		{7 * time.Second, 7 * time.Second, 125, 9 * time.Second, 9 * time.Second},
		{0, 0, 200, 0, 0},
	}
	for _, tt := range tests {
		lo, hi := ScaleDelay(tt.lo, tt.hi, tt.factor)
		if lo != tt.wantLo || hi != tt.wantHi {
			t.Fatalf("ScaleDelay(%v,%v,%d) = %v,%v want %v,%v", tt.lo, tt.hi, tt.factor, lo, hi, tt.wantLo, tt.wantHi)
		}
	}
}

func TestPoolLockTakeRestoreExclude(t *testing.T) {
	t.Parallel()
	p := NewPool([]Account{{ID: "a", CapPerRun: 2}}, PoolConfig{})

	if !p.TryLock("a") {
		t.Fatal("TryLock failed on idle account")
	}
	if p.TryLock("a") {
		t.Fatal("TryLock succeeded twice")
	}
	if got := p.Available(); len(got) != 0 {
		t.Fatalf("Available = %v while busy", got)
	}
	p.Unlock("a")

	if !p.Take("a") || !p.Take("a") {
		t.Fatal("Take failed with capacity left")
	}
	if p.Take("a") {
		t.Fatal("Take succeeded with zero capacity")
	}
	if p.HasCapacity() {
		t.Fatal("HasCapacity true at zero")
	}
	p.Restore("a")
	if got := p.Remaining("a"); got != 1 {
		t.Fatalf("Remaining after Restore = %d", got)
	}

	p.Exclude("a")
	p.Restore("a")
	if got := p.Remaining("a"); got != 0 {
		t.Fatalf("Remaining after Exclude+Restore = %d, want 0", got)
	}
	if ids := p.ExcludedIDs(); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("ExcludedIDs = %v", ids)
	}
}

func TestPoolAvailableFollowsRotation(t *testing.T) {
	t.Parallel()
	p := NewPool([]Account{{ID: "lp", LowProfile: true}, {ID: "c"}, {ID: "b"}}, PoolConfig{PerAccountCap: 1})

	if got := strings.Join(p.Available(), ","); got != "b,c,lp" {
		t.Fatalf("Available = %s", got)
	}
	p.TryLock("b")
	p.Exclude("c")
	if got := strings.Join(p.Available(), ","); got != "lp" {
		t.Fatalf("Available = %s, want lp", got)
	}
	p.Unlock("b")
	p.Take("b")
	if got := strings.Join(p.Available(), ","); got != "lp" {
		t.Fatalf("Available after Take = %s, want lp", got)
	}
}
