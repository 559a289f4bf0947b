package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "rotasend/pkg/logx"
)

// notifyReady reports readiness to systemd and starts watchdog pings when
// the unit sets WatchdogSec. Outside systemd every call is a no-op.
func (a *App) notifyReady(ctx context.Context, status string) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady+"\nSTATUS="+status); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if !ok {
		return
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ping := func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
	if a.sup != nil {
		a.sup.Go0("systemd.watchdog", ping)
	} else {
		go ping(ctx)
	}
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
}

func (a *App) notifyStatus(status string) {
	_, _ = daemon.SdNotify(false, "STATUS="+status)
}

func (a *App) notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
