package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"rotasend/internal/dispatch"
	"rotasend/internal/faults"
	"rotasend/internal/nethealth"
	kit "rotasend/internal/transport"
	logx "rotasend/pkg/logx"
)

func TestMapError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{name: "blocked", err: tele.ErrBlockedByUser, want: faults.KindRecipientRestricted},
		{name: "chat not found", err: fmt.Errorf("send: %w", tele.ErrChatNotFound), want: faults.KindUserNotFound},
		{name: "unauthorized", err: tele.ErrUnauthorized, want: faults.KindLoginRequired},
		{name: "flood", err: &tele.Error{Code: 429, Description: "Too Many Requests: retry after 5"}, want: faults.KindRateLimit},
		{name: "bad gateway", err: &tele.Error{Code: 502, Description: "Bad Gateway"}, want: faults.KindNetwork},
		{name: "plain", err: errors.New("dial tcp: i/o timeout"), want: faults.KindUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := faults.KindOf(mapError(tt.err)); got != tt.want {
				t.Fatalf("kind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectUnknownAccount(t *testing.T) {
	t.Parallel()
	c := New(Config{Offline: true}, logx.Nop())
	_, err := c.Connect(context.Background(), "nobody")
	if !errors.Is(err, kit.ErrUnknownAccount) {
		t.Fatalf("err = %v, want ErrUnknownAccount", err)
	}
	if faults.KindOf(err) != faults.KindLoginRequired {
		t.Fatalf("kind = %q", faults.KindOf(err))
	}
}

func TestConnectCachesBot(t *testing.T) {
	t.Parallel()
	c := New(Config{Offline: true, Tokens: map[string]string{"a": "123:abc"}}, logx.Nop())
	if _, err := c.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("Connect again: %v", err)
	}
	if n := len(c.bots); n != 1 {
		t.Fatalf("cached bots = %d, want 1", n)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(long, 8, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("splitText(newline) = %q", got)
	}

	html := "hello <b>world</b>"
	got = splitText(html, 8, "HTML")
	if strings.Contains(got[0], "<") {
		t.Fatalf("first chunk cut inside tag: %q", got)
	}
}

// botAPI is a minimal Bot API server. failAt lists the 1-based sendMessage
// calls that answer with 502 Bad Gateway.
type botAPI struct {
	failAt map[int64]bool
	sends  atomic.Int64
}

func (a *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"bot","username":"rota_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		n := a.sends.Add(1)
		if a.failAt[n] {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
			return
		}
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":1,"type":"private"}}}`, n)
	default:
		http.NotFound(w, r)
	}
}

func longText() string {
	return strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)
}

func TestSendLaterChunkFailureIsUnconfirmed(t *testing.T) {
	t.Parallel()
	api := &botAPI{failAt: map[int64]bool{2: true}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(Config{Offline: true, URL: srv.URL, Tokens: map[string]string{"a": "1:x"}}, logx.Nop())
	sess, err := c.Connect(context.Background(), "a")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ok, err := sess.Send(context.Background(), "@lead", longText(), nil)
	if ok || err != nil {
		t.Fatalf("Send = %v, %v; want false, nil", ok, err)
	}
	if n := api.sends.Load(); n != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", n)
	}
}

func TestSendFirstChunkFailureIsRetryable(t *testing.T) {
	t.Parallel()
	api := &botAPI{failAt: map[int64]bool{1: true}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(Config{Offline: true, URL: srv.URL, Tokens: map[string]string{"a": "1:x"}}, logx.Nop())
	sess, err := c.Connect(context.Background(), "a")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ok, err := sess.Send(context.Background(), "@lead", longText(), nil)
	if ok || faults.KindOf(err) != faults.KindNetwork {
		t.Fatalf("Send = %v, %v; want network fault", ok, err)
	}
	if n := api.sends.Load(); n != 1 {
		t.Fatalf("sendMessage calls = %d, want 1", n)
	}
}

func TestWorkerDoesNotResendPartialMessage(t *testing.T) {
	t.Parallel()
	api := &botAPI{failAt: map[int64]bool{2: true}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(Config{Offline: true, URL: srv.URL, Tokens: map[string]string{"a": "1:x"}}, logx.Nop())
	w := dispatch.NewWorker(dispatch.WorkerConfig{Retries: 3}, c, nethealth.New(nethealth.Config{}, logx.Nop()), logx.Nop(),
		dispatch.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	ev, _ := w.Attempt(context.Background(), dispatch.Account{ID: "a"}, "@lead", longText())
	if ev.Success || ev.Attempts != 1 || ev.ReasonCode != dispatch.ReasonSendFailed {
		t.Fatalf("event = %+v", ev)
	}
	if n := api.sends.Load(); n != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", n)
	}
}

// slowGetMe holds getMe for one token until release is closed.
type slowGetMe struct {
	slowToken string
	release   chan struct{}
}

func (s *slowGetMe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "/bot"+s.slowToken+"/") {
		<-s.release
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"bot","username":"rota_bot"}}`)
}

func TestConnectSlowHandshakeDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	api := &slowGetMe{slowToken: "1:slow", release: make(chan struct{})}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := New(Config{URL: srv.URL, Tokens: map[string]string{"slow": "1:slow", "fast": "2:fast"}}, logx.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Connect(context.Background(), "slow")
	}()
	defer func() {
		close(api.release)
		wg.Wait()
	}()
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), "fast")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect(fast): %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect(fast) blocked behind a slow handshake")
	}
}

func TestConnectConcurrentSharesBot(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&botAPI{})
	defer srv.Close()

	c := New(Config{URL: srv.URL, Tokens: map[string]string{"a": "1:x"}}, logx.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Connect(context.Background(), "a"); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := len(c.bots); n != 1 {
		t.Fatalf("cached bots = %d, want 1", n)
	}
}
