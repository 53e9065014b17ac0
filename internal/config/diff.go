package config

import (
	"sort"
	"strings"

	logx "groupfeed/pkg/logx"
)

// Change summarizes a config reload.
type Change struct {
	// Sections lists the changed top-level sections.
	Sections []string
	// Fields are safe to log: secrets are reported as set/unset only.
	Fields []logx.Field
	// RestartRequired lists changed settings that only apply at startup.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange compares two configs.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}
	restart := func(name string) { ch.RestartRequired = append(ch.RestartRequired, name) }

	op, np := oldCfg.Platform, newCfg.Platform
	if op != np {
		mark("platform",
			logx.Bool("platform.token_changed", op.Token != np.Token),
			logx.String("platform.poll_timeout", np.PollTimeout),
			logx.String("platform.pending_ttl", np.PendingTTL),
		)
		if op.Token != np.Token {
			restart("platform.token")
		}
		if op.PollTimeout != np.PollTimeout {
			restart("platform.poll_timeout")
		}
		if op.PendingTTL != np.PendingTTL {
			restart("platform.pending_ttl")
		}
	}

	if oldCfg.Vault != newCfg.Vault {
		mark("vault", logx.Bool("vault.secret_key_set", newCfg.Vault.SecretKey != ""))
		restart("vault.secret_key")
	}

	oo, no := oldCfg.Orchestrator, newCfg.Orchestrator
	if oo != no {
		mark("orchestrator",
			logx.String("orchestrator.interval", no.Interval),
			logx.String("orchestrator.stop_grace", no.StopGrace),
			logx.String("orchestrator.start_timeout", no.StartTimeout),
			logx.Int("orchestrator.max_parallel", no.MaxParallel),
		)
		if oo.StopGrace != no.StopGrace || oo.StartTimeout != no.StartTimeout || oo.MaxParallel != no.MaxParallel {
			restart("orchestrator.stop_grace/start_timeout/max_parallel")
		}
	}

	ow, nw := oldCfg.Worker, newCfg.Worker
	if ow != nw {
		mark("worker",
			logx.Bool("worker.intro_text_set", strings.TrimSpace(nw.IntroText) != ""),
			logx.Int("worker.caption_limit", nw.CaptionLimit),
			logx.Float64("worker.send_rate_per_sec", nw.SendRatePerSec),
			logx.Int("worker.send_burst", nw.SendBurst),
			logx.String("worker.send_timeout", nw.SendTimeout),
		)
		if ow.HandlerTimeout != nw.HandlerTimeout || ow.MinBackoff != nw.MinBackoff || ow.MaxBackoff != nw.MaxBackoff {
			restart("worker.handler_timeout/min_backoff/max_backoff")
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", newCfg.Storage.Path != ""),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
		restart("storage")
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	if oa != na {
		mark("admin",
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", na.Addr),
			logx.Bool("admin.token_set", na.Token != ""),
			logx.Bool("admin.pprof", na.Pprof),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}
