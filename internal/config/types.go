package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"groupfeed/internal/storage"
	logx "groupfeed/pkg/logx"
)

// Config is the process configuration. It is read from JSON or YAML; unknown
// keys are rejected.
type Config struct {
	Platform     PlatformConfig     `json:"platform"`
	Vault        VaultConfig        `json:"vault"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Worker       WorkerConfig       `json:"worker"`
	Storage      StorageConfig      `json:"storage"`
	Logging      LoggingConfig      `json:"logging"`
	Admin        AdminConfig        `json:"admin"`
}

// PlatformConfig configures the platform bot owners talk to.
type PlatformConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll wait (Go duration string). Default "30s".
	PollTimeout string `json:"poll_timeout,omitempty"`
	// PendingTTL bounds how long "Add Bot" waits for a pasted token. Default "10m".
	PendingTTL string `json:"pending_ttl,omitempty"`
}

type VaultConfig struct {
	// SecretKey keys credential obfuscation at rest. Changing it makes
	// stored credentials unreadable.
	SecretKey string `json:"secret_key"`
}

// OrchestratorConfig tunes reconciliation.
//
// Defaults:
//   - interval: "5s" (minimum "1s")
//   - stop_grace: "10s"
//   - start_timeout: "20s"
//   - max_parallel: 8
type OrchestratorConfig struct {
	Interval     string `json:"interval,omitempty"`
	StopGrace    string `json:"stop_grace,omitempty"`
	StartTimeout string `json:"start_timeout,omitempty"`
	MaxParallel  int    `json:"max_parallel,omitempty"`
}

// WorkerConfig tunes every hosted worker session and its pipeline.
type WorkerConfig struct {
	IntroText    string `json:"intro_text,omitempty"`
	CaptionLimit int    `json:"caption_limit,omitempty"`
	// SendRatePerSec paces fan-out sends per worker; 0 disables pacing.
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
	SendBurst      int     `json:"send_burst,omitempty"`
	// SendTimeout bounds each fan-out delivery. Default "15s".
	SendTimeout string `json:"send_timeout,omitempty"`

	HandlerTimeout string `json:"handler_timeout,omitempty"`
	MinBackoff     string `json:"min_backoff,omitempty"`
	MaxBackoff     string `json:"max_backoff,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./groupfeed.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log records into an operator chat through the
// platform bot.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// AdminConfig controls the operator HTTP API.
//
// Security note: bind to localhost or set a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8085"
	Token   string `json:"token,omitempty"` // bearer token (never logged)
	Pprof   bool   `json:"pprof,omitempty"`
}

// Timings holds every duration of the config, parsed and defaulted.
type Timings struct {
	PollTimeout    time.Duration
	PendingTTL     time.Duration
	Interval       time.Duration
	StopGrace      time.Duration
	StartTimeout   time.Duration
	HandlerTimeout time.Duration
	SendTimeout    time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	BusyTimeout    time.Duration
}

// Timings parses the duration fields.
func (c *Config) Timings() (Timings, error) {
	var (
		t    Timings
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string, def time.Duration) {
		d, err := duration(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}
	parse(&t.PollTimeout, "platform.poll_timeout", c.Platform.PollTimeout, 30*time.Second)
	parse(&t.PendingTTL, "platform.pending_ttl", c.Platform.PendingTTL, 10*time.Minute)
	parse(&t.Interval, "orchestrator.interval", c.Orchestrator.Interval, 5*time.Second)
	parse(&t.StopGrace, "orchestrator.stop_grace", c.Orchestrator.StopGrace, 10*time.Second)
	parse(&t.StartTimeout, "orchestrator.start_timeout", c.Orchestrator.StartTimeout, 20*time.Second)
	parse(&t.HandlerTimeout, "worker.handler_timeout", c.Worker.HandlerTimeout, 30*time.Second)
	parse(&t.SendTimeout, "worker.send_timeout", c.Worker.SendTimeout, 15*time.Second)
	parse(&t.MinBackoff, "worker.min_backoff", c.Worker.MinBackoff, 500*time.Millisecond)
	parse(&t.MaxBackoff, "worker.max_backoff", c.Worker.MaxBackoff, 30*time.Second)
	parse(&t.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout, 0)
	return t, errors.Join(errs...)
}

// Validate checks everything a running process depends on.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Platform.Token) == "" {
		errs = append(errs, errors.New("platform.token is required (or set "+EnvPlatformToken+")"))
	}
	t, err := c.Timings()
	if err != nil {
		errs = append(errs, err)
	} else {
		if t.Interval < time.Second {
			errs = append(errs, fmt.Errorf("orchestrator.interval: must be >= 1s, got %s", t.Interval))
		}
		if t.MaxBackoff < t.MinBackoff {
			errs = append(errs, errors.New("worker.max_backoff: must be >= worker.min_backoff"))
		}
	}
	if c.Orchestrator.MaxParallel < 0 {
		errs = append(errs, errors.New("orchestrator.max_parallel: must be >= 0"))
	}
	if c.Worker.CaptionLimit < 0 || c.Worker.CaptionLimit > 1024 {
		errs = append(errs, fmt.Errorf("worker.caption_limit: must be within 0..1024, got %d", c.Worker.CaptionLimit))
	}
	if c.Worker.SendRatePerSec < 0 || c.Worker.SendBurst < 0 {
		errs = append(errs, errors.New("worker.send_rate_per_sec/send_burst: must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for mysql (or set "+EnvStorageDSN+")"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Logging.Telegram.Enabled && c.Logging.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("logging.telegram.chat_id is required when enabled"))
	}
	return errors.Join(errs...)
}

// duration parses one config duration. Empty or zero selects def.
func duration(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}

// StorageOptions converts the storage section.
func (c *Config) StorageOptions() storage.Config {
	busy, _ := duration("storage.busy_timeout", c.Storage.BusyTimeout, 0)
	return storage.Config{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		DSN:         strings.TrimSpace(c.Storage.DSN),
		BusyTimeout: busy,
	}
}

// LogOptions converts the logging section.
func (c *Config) LogOptions() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}
