package app

import (
	"context"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"

	"groupfeed/internal/config"
	logx "groupfeed/pkg/logx"
)

// watchConfig runs the file watcher and applies every published config.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
}

// applyConfig pushes the hot-reloadable parts of next into the running
// components. Settings that only apply at startup are reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	sdNotify(a.log, daemon.SdNotifyReloading)
	defer sdNotify(a.log, daemon.SdNotifyReady)

	changed := logx.String("changed", strings.Join(ch.Sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, ch.Fields...)...)

	// Target first so Apply doesn't warn about a missing chat.
	if next.Logging.Telegram.Enabled {
		a.logs.SetTelegramTarget(next.Logging.Telegram.ChatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(next.LogOptions())

	if tm, err := next.Timings(); err != nil {
		a.log.Warn("invalid timings; keeping previous", logx.Err(err))
	} else if tm.Interval != a.orch.Interval() {
		if err := a.orch.SetInterval(tm.Interval); err != nil {
			a.log.Warn("reconcile interval not applied", logx.Err(err))
		}
	}

	s := settingsFrom(next)
	a.settings.Store(&s)

	if err := a.admin.Apply(ctx, next.Admin.Enabled, adminConfig(next)); err != nil {
		a.log.Error("admin api reconfigure failed", logx.String("addr", next.Admin.Addr), logx.Err(err))
	}

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("settings", strings.Join(ch.RestartRequired, ",")))
	}
	a.log.Info("config reloaded", changed)
}
