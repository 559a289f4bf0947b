package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"rotasend/internal/quota"
	logx "rotasend/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// runScheduled triggers a campaign on every cron tick until ctx is done.
// Ticks that fire while a campaign is still running are skipped.
func (a *App) runScheduled(ctx context.Context, spec, tz string) error {
	loc, err := quota.LoadLocation(tz)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	id, err := c.AddJob(spec, cron.FuncJob(func() { a.trigger(ctx) }))
	if err != nil {
		return fmt.Errorf("schedule.cron: %w", err)
	}
	c.Start()

	next := c.Entry(id).Next
	a.log.Info("schedule started", logx.String("cron", spec), logx.String("tz", loc.String()), logx.Time("next", next))
	a.notifyReady(ctx, fmt.Sprintf("waiting; next run %s", next.Format(time.RFC3339)))

	<-ctx.Done()
	a.notifyStopping()

	// Stop returns a context that is done once a running campaign returns;
	// the campaign sees ctx canceled and winds down on its own.
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		a.log.Warn("campaign still running after schedule stop")
	}
	a.log.Info("schedule stopped")
	return nil
}

func (a *App) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	a.notifyStatus("campaign running")
	sum, err := a.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunning):
		a.log.Warn("previous campaign still running; trigger skipped")
		return
	case isBenign(err):
		a.log.Info("no leads to contact; run skipped")
		a.notifyStatus("idle; no leads left")
		return
	case err != nil:
		a.log.Error("campaign failed", logx.Err(err))
		a.notifyStatus("last run failed: " + err.Error())
		return
	}
	a.notifyStatus(fmt.Sprintf("idle; last run stopped: %s", sum.StopReason))
}
