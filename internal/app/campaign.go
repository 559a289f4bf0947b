package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"rotasend/internal/accounts"
	"rotasend/internal/config"
	"rotasend/internal/dispatch"
	"rotasend/internal/leads"
	"rotasend/internal/operator"
	"rotasend/internal/storage"
	kit "rotasend/internal/transport"
	"rotasend/internal/transport/dryrun"
	"rotasend/internal/transport/telegram"
	logx "rotasend/pkg/logx"
)

// RunOnce loads the current accounts, leads and templates and runs one
// campaign. Only one campaign runs at a time; a concurrent call returns
// ErrRunning.
func (a *App) RunOnce(ctx context.Context) (dispatch.Summary, error) {
	if !a.running.CompareAndSwap(false, true) {
		return dispatch.Summary{}, ErrRunning
	}
	defer a.running.Store(false)

	cfg := a.cfgm.Get()
	camp, err := cfg.ResolveCampaign()
	if err != nil {
		return dispatch.Summary{}, err
	}
	tr, err := cfg.ResolveTransport()
	if err != nil {
		return dispatch.Summary{}, err
	}
	op, err := cfg.ResolveOperator()
	if err != nil {
		return dispatch.Summary{}, err
	}

	dir, err := accounts.Load(a.path(cfg.Accounts.File))
	if err != nil {
		return dispatch.Summary{}, err
	}
	leadIDs, stats, err := leads.Load(ctx, a.path(cfg.Leads.File), a.contactedFilter(cfg))
	if err != nil {
		return dispatch.Summary{}, err
	}
	templates, err := leads.Templates(cfg.Templates.Items, a.path(cfg.Templates.File))
	if err != nil {
		return dispatch.Summary{}, err
	}

	runID := uuid.NewString()
	log := a.log.With(logx.String("run", runID))
	log.Info("campaign loaded",
		logx.Int("accounts", len(dir.Enabled())),
		logx.Int("leads", len(leadIDs)),
		logx.Int("leads_read", stats.Read),
		logx.Int("duplicates", stats.Duplicates),
		logx.Int("already_contacted", stats.Contacted),
		logx.Int("templates", len(templates)),
	)
	if len(leadIDs) == 0 {
		return dispatch.Summary{RunID: runID}, dispatch.ErrNoLeads
	}

	var lifetime storage.Totals
	if a.store != nil {
		if lifetime, err = a.store.Totals(ctx); err != nil {
			log.Warn("reading lifetime totals failed", logx.Err(err))
		}
	}

	client := a.transport(tr, dir, log)
	wopts := []dispatch.WorkerOption{dispatch.WithBus(a.bus)}
	if a.opts.Sleep != nil {
		wopts = append(wopts, dispatch.WithSleep(a.opts.Sleep))
	}
	worker := dispatch.NewWorker(dispatch.WorkerConfig{
		Retries:     tr.Retries,
		BackoffStep: tr.BackoffStep,
		BackoffCap:  tr.BackoffCap,
		RatePerSec:  camp.RatePerSec,
		SendOptions: &kit.SendOptions{
			ParseMode:      tr.ParseMode,
			DisablePreview: tr.DisablePreview,
			Silent:         tr.Silent,
		},
	}, client, a.health, log.With(logx.String("comp", "worker")), wopts...)

	sopts := []dispatch.Option{
		dispatch.WithQuota(a.quota),
		dispatch.WithProgress(a.console),
		dispatch.WithAttention(operator.Policy(op.Policy, a.console)),
		dispatch.WithEventBus(a.bus),
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
	}
	var rec *storage.Recorder
	if a.store != nil {
		rec = storage.NewRecorder(a.store, runID, 256, log.With(logx.String("comp", "recorder")))
		sopts = append(sopts, dispatch.WithResults(rec))
	}

	sched := dispatch.New(dispatch.Config{
		LowProfileCap:         camp.LowProfileCap,
		LowProfileDelayFactor: camp.LowProfileDelayFactor,
		EscalationThreshold:   camp.EscalationThreshold,
		Preflight:             camp.Preflight,
	}, worker, sopts...)

	sum, runErr := sched.Run(ctx, dispatch.Campaign{
		RunID:          runID,
		Accounts:       dir.Accounts(),
		Leads:          leadIDs,
		Templates:      templates,
		Concurrency:    camp.Concurrency,
		DelayMin:       camp.DelayMin,
		DelayMax:       camp.DelayMax,
		PerAccountCap:  camp.PerAccountCap,
		LifetimeOK:     lifetime.OK,
		LifetimeFailed: lifetime.Failed,
	})

	if rec != nil {
		// The run context may already be canceled; the flush gets its own budget.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := rec.Close(fctx); err != nil {
			log.Warn("flushing results failed", logx.Err(err))
		}
		cancel()
		if d, f := rec.Dropped(), rec.Failed(); d > 0 || f > 0 {
			log.Warn("some results were not stored", logx.Uint64("dropped", d), logx.Uint64("failed", f))
		}
	}
	if runErr != nil {
		return sum, runErr
	}

	a.mu.Lock()
	a.last = &sum
	a.mu.Unlock()
	logSummary(log, sum)
	return sum, nil
}

// contactedFilter skips leads with a stored successful send unless
// leads.skip_contacted is false.
func (a *App) contactedFilter(cfg *config.Config) leads.Contacted {
	if a.store == nil {
		return nil
	}
	if p := cfg.Leads.SkipContacted; p != nil && !*p {
		return nil
	}
	return a.store.Contacted
}

func (a *App) transport(tr config.Transport, dir *accounts.Directory, log logx.Logger) kit.Client {
	if a.opts.Client != nil {
		return a.opts.Client
	}
	log = log.With(logx.String("comp", "transport"))
	if a.opts.DryRun || tr.Driver == "dryrun" {
		return &dryrun.Client{Accounts: dir.IDs(), Log: log}
	}
	return telegram.New(telegram.Config{
		Tokens:  dir.Tokens(a.opts.Getenv),
		Timeout: tr.Timeout,
		URL:     tr.APIURL,
	}, log)
}

func logSummary(log logx.Logger, sum dispatch.Summary) {
	sent, failed := 0, 0
	for _, n := range sum.Sent {
		sent += n
	}
	for _, n := range sum.Errors {
		failed += n
	}
	fields := []logx.Field{
		logx.String("stop_reason", string(sum.StopReason)),
		logx.Int("sent", sent),
		logx.Int("errors", failed),
		logx.Int("dequeued", sum.Dequeued),
		logx.Duration("took", sum.Finished.Sub(sum.Started)),
	}
	if len(sum.Excluded) > 0 {
		fields = append(fields, logx.String("excluded", strings.Join(sum.Excluded, ",")))
	}
	log.Info("campaign summary", fields...)
	for _, e := range sum.Escalations {
		log.Warn("escalated fault", logx.String("reason", e.Label), logx.Int("count", e.Count), logx.String("suggestion", e.Suggestion))
	}
}

// isBenign reports run errors that mean "nothing to do" rather than failure.
func isBenign(err error) bool {
	return errors.Is(err, dispatch.ErrNoLeads)
}
