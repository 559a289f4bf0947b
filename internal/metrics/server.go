package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "rotasend/pkg/logx"
)

// HealthFunc returns a JSON-serializable health report and whether the
// process is degraded.
type HealthFunc func() (report any, degraded bool)

// Server serves /metrics and /health.
type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(addr string, m *Metrics, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		var (
			report   any = map[string]string{"status": "ok"}
			degraded bool
		)
		if health != nil {
			report, degraded = health()
		}
		w.Header().Set("Content-Type", "application/json")
		if degraded {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the mux (tests).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("metrics listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(sctx)
	}
}
