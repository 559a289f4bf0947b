package leads

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadDedupAndFilter(t *testing.T) {
	t.Parallel()
	in := "\ufeff# exported 2026-10-01\n@alice\n\nbob, Bob Smith\n@Alice\n\"carol\"\n  dave  \n"
	contacted := map[string]bool{"bob": true}
	got, st, err := Read(context.Background(), strings.NewReader(in), func(_ context.Context, lead string) (bool, error) {
		return contacted[lead], nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"@alice", "carol", "dave"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("leads = %v, want %v", got, want)
	}
	if st.Read != 5 || st.Duplicates != 1 || st.Contacted != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReadPropagatesLookupError(t *testing.T) {
	t.Parallel()
	boom := errors.New("db down")
	_, _, err := Read(context.Background(), strings.NewReader("a\n"), func(context.Context, string) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestTemplates(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "templates.txt")
	body := "Hi there!\nQuick question.\n---\n\n---\r\nHello again\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := Templates([]string{" inline ", ""}, path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "inline" || got[1] != "Hi there!\nQuick question." || got[2] != "Hello again" {
		t.Fatalf("templates = %q", got)
	}
	if _, err := Templates([]string{" "}, ""); !errors.Is(err, ErrNoTemplates) {
		t.Fatalf("empty: %v", err)
	}
}
