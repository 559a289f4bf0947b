package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rotasend/internal/config"
	"rotasend/internal/dispatch"
	"rotasend/internal/eventbus"
	"rotasend/internal/metrics"
	"rotasend/internal/nethealth"
	"rotasend/internal/operator"
	"rotasend/internal/quota"
	"rotasend/internal/runtime/supervisor"
	"rotasend/internal/storage"
	kit "rotasend/internal/transport"
	logx "rotasend/pkg/logx"
)

// ErrRunning is returned by RunOnce while another campaign is in progress.
var ErrRunning = errors.New("app: a campaign is already running")

// Options override process-level collaborators.
type Options struct {
	// Once ignores schedule.cron and runs a single campaign.
	Once bool
	// DryRun forces the dryrun transport.
	DryRun bool

	// In and Out carry the operator console. nil means stdin / stdout.
	In  io.Reader
	Out io.Writer

	Getenv func(string) string

	// Client replaces the configured transport.
	Client kit.Client
	// Sleep replaces the worker's interruptible sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

type App struct {
	cfgPath string
	baseDir string
	opts    Options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	health  *nethealth.Monitor
	quota   *quota.Clock
	metrics *metrics.Metrics
	console *operator.Console

	running atomic.Bool

	mu   sync.Mutex
	last *dispatch.Summary
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = logx.Stdout()
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateRuntime)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	baseDir := filepath.Dir(cfgPath)

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg, baseDir); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	camp, _ := cfg.ResolveCampaign()
	tr, _ := cfg.ResolveTransport()
	op, _ := cfg.ResolveOperator()

	loc, err := quota.LoadLocation(camp.Timezone)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	bus := eventbus.New()
	console := operator.NewConsole(opts.In, opts.Out, op.PromptTimeout, log.With(logx.String("comp", "operator")))
	logSvc.SetAlertHandler(console.Alert)

	return &App{
		cfgPath: cfgPath,
		baseDir: baseDir,
		opts:    opts,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		health: nethealth.New(nethealth.Config{
			Trip:       tr.HealthTrip,
			ResetAfter: tr.HealthReset,
		}, log.With(logx.String("comp", "nethealth"))),
		quota:   quota.New(loc),
		metrics: metrics.New(bus),
		console: console,
	}, nil
}

// validateRuntime rejects configs whose timezones do not load. It runs on
// the initial load and on every hot reload.
func validateRuntime(_ context.Context, cfg *config.Config) error {
	camp, err := cfg.ResolveCampaign()
	if err != nil {
		return err
	}
	if _, err := quota.LoadLocation(camp.Timezone); err != nil {
		return fmt.Errorf("campaign.timezone: %w", err)
	}
	if _, tz, err := cfg.ResolveSchedule(); err != nil {
		return err
	} else if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// LastSummary returns the summary of the most recent finished campaign.
func (a *App) LastSummary() (dispatch.Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return dispatch.Summary{}, false
	}
	return *a.last, true
}

// Start launches the background services: config watch and reload, the
// event log, metrics and the optional HTTP listener.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
		a.sup.Go0("metrics.consume", func(c context.Context) {
			a.metrics.Consume(c, a.bus)
		})
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.MetricsAddr(), a.metrics, a.healthReport, a.log.With(logx.String("comp", "metrics")))
		a.sup.Go("metrics.http", srv.Run)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// reloadLoop applies logging changes live. Campaign sections are re-read by
// every run, so they only need a log line.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(newCfg.LogConfig())
				case "storage", "metrics", "schedule":
					a.log.Warn("config section changed; restart required", logx.String("section", s))
				case "operator":
					a.log.Info("operator policy takes effect on the next run; prompt_timeout needs a restart")
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// healthReport backs the /health endpoint.
func (a *App) healthReport() (any, bool) {
	accounts := a.health.Snapshot()
	degraded := false
	for _, s := range accounts {
		if s.Degraded {
			degraded = true
			break
		}
	}
	report := map[string]any{
		"running":  a.running.Load(),
		"accounts": accounts,
		"quota":    a.quota.Snapshot(),
	}
	if last, ok := a.LastSummary(); ok {
		report["last_run"] = last
	}
	return report, degraded
}

// Run executes the configured mode: one campaign, or cron-triggered
// campaigns until ctx (or the app supervisor) is done.
func (a *App) Run(ctx context.Context) error {
	if a.sup != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(a.sup.Context(), cancel)
		defer stop()
	}
	spec, tz, err := a.cfgm.Get().ResolveSchedule()
	if err != nil {
		return err
	}
	if spec == "" || a.opts.Once {
		_, err := a.RunOnce(ctx)
		return err
	}
	return a.runScheduled(ctx, spec, tz)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		closeStore(a.store)
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("alerts_dropped", a.logs.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so a stuck component cannot
// stall the whole stop. A step that overruns is left running and logged
// when it eventually returns.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

func (a *App) path(p string) string { return resolvePath(a.baseDir, p) }

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func closeStore(s storage.Store) {
	if s != nil {
		_ = s.Close()
	}
}
