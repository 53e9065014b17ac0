// Package app wires the process together: config, logging, storage, the
// platform bot, the orchestrator and the operator API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"groupfeed/internal/adminhttp"
	"groupfeed/internal/config"
	"groupfeed/internal/eventbus"
	"groupfeed/internal/moderation"
	"groupfeed/internal/orchestrator"
	"groupfeed/internal/platform"
	"groupfeed/internal/runtime/supervisor"
	"groupfeed/internal/session"
	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	"groupfeed/internal/transport/telegram"
	"groupfeed/internal/vault"
	logx "groupfeed/pkg/logx"
)

var errPlatformDown = errors.New("app: platform bot is not connected")

type App struct {
	cfgm    *config.Manager
	timings config.Timings
	logs    *logx.Service
	log     logx.Logger

	store *storage.Store
	gw    transport.Gateway
	bus   eventbus.Bus
	orch  *orchestrator.Orchestrator
	bot   *platform.Bot
	admin *adminhttp.Server

	settings atomic.Pointer[moderation.Settings]

	sup *supervisor.Supervisor

	platMu sync.Mutex
	plat   *session.Session

	stopOnce sync.Once
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	m := config.NewManager(cfgPath)
	cfg, err := m.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	tm, err := cfg.Timings()
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(cfg.LogOptions())
	gw := telegram.New(telegram.Config{PollTimeout: tm.PollTimeout}, log.With(logx.Component("telegram")))
	return build(m, cfg, logs, gw)
}

func build(m *config.Manager, cfg *config.Config, logs *logx.Service, gw transport.Gateway) (*App, error) {
	log := logs.Logger()
	fail := func(err error) (*App, error) {
		_ = logs.Close()
		return nil, err
	}
	if err := checkAdmin(cfg); err != nil {
		return fail(err)
	}
	tm, err := cfg.Timings()
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := storage.Open(ctx, cfg.StorageOptions(), log)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}

	a := &App{
		cfgm:    m,
		timings: tm,
		logs:    logs,
		log:     log.With(logx.Component("app")),
		store:   store,
		gw:      gw,
		bus:     eventbus.New(),
	}
	s := settingsFrom(cfg)
	a.settings.Store(&s)

	a.orch = orchestrator.New(orchestrator.Params{
		Store:        store,
		Gateway:      gw,
		Vault:        vault.New(cfg.Vault.SecretKey),
		Interval:     tm.Interval,
		StopGrace:    tm.StopGrace,
		StartTimeout: tm.StartTimeout,
		MaxParallel:  cfg.Orchestrator.MaxParallel,
		Session: orchestrator.SessionConfig{
			HandlerTimeout: tm.HandlerTimeout,
			MinBackoff:     tm.MinBackoff,
			MaxBackoff:     tm.MaxBackoff,
		},
		Settings: a.currentSettings,
		Bus:      a.bus,
		Log:      log,
	})
	a.bot = platform.New(platform.Params{Workers: a.orch, PendingTTL: tm.PendingTTL, Log: log})
	a.admin = adminhttp.New(adminhttp.Params{
		Orchestrator: a.orch,
		Store:        store,
		Supervisors:  a.supervisors,
		Log:          log,
	})

	m.SetLogger(log.With(logx.Component("config")))
	m.SetValidator(func(_ context.Context, cfg *config.Config) error { return checkAdmin(cfg) })
	logs.SetSender(platformSender{a: a})
	return a, nil
}

// settingsFrom expects a validated config; an unparsable send_timeout falls
// back to the pipeline default.
func settingsFrom(cfg *config.Config) moderation.Settings {
	tm, _ := cfg.Timings()
	return moderation.Settings{
		IntroText:    cfg.Worker.IntroText,
		CaptionLimit: cfg.Worker.CaptionLimit,
		SendRate:     cfg.Worker.SendRatePerSec,
		SendBurst:    cfg.Worker.SendBurst,
		SendTimeout:  tm.SendTimeout,
	}
}

func (a *App) currentSettings() moderation.Settings { return *a.settings.Load() }

func adminConfig(cfg *config.Config) adminhttp.Config {
	return adminhttp.Config{Addr: cfg.Admin.Addr, Token: cfg.Admin.Token, Pprof: cfg.Admin.Pprof}
}

// checkAdmin refuses an operator API reachable from other hosts without a
// token.
func checkAdmin(cfg *config.Config) error {
	if !cfg.Admin.Enabled || strings.TrimSpace(cfg.Admin.Token) != "" {
		return nil
	}
	addr := cfg.Admin.Addr
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("admin.addr: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("admin.addr: %q is not loopback; set admin.token", addr)
}

// Start connects the platform bot and launches the background loops. It
// fails when the platform credential cannot be opened.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	s, err := a.startPlatform(ctx)
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.setPlatform(s)
	cfg := a.cfgm.Get()
	if cfg.Logging.Telegram.Enabled {
		a.logs.SetTelegramTarget(cfg.Logging.Telegram.ChatID, cfg.Logging.Telegram.ThreadID)
	}

	a.sup.GoRestart("platform", a.runPlatform,
		supervisor.WithRestartBackoff(a.timings.MinBackoff, a.timings.MaxBackoff),
		supervisor.WithPublishFirstError(true),
	)
	a.sup.Go("orchestrator", a.orch.Run)

	if cfg.Admin.Enabled {
		if err := a.admin.Apply(a.sup.Context(), true, adminConfig(cfg)); err != nil {
			a.log.Error("admin api failed to start", logx.String("addr", cfg.Admin.Addr), logx.Err(err))
		}
	}

	a.logEvents()
	a.watchConfig()
	a.startWatchdog()

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("platform", s.Identity().Handle),
		logx.Duration("interval", a.timings.Interval),
	)
	return nil
}

// Done is closed when the app context ends, either through Stop or because a
// supervised loop failed for good.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error of a supervised loop.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) startPlatform(ctx context.Context) (*session.Session, error) {
	cfg := a.cfgm.Get()
	octx, cancel := context.WithTimeout(ctx, a.timings.StartTimeout)
	defer cancel()
	s, err := session.Start(octx, session.Params{
		Name:           "platform",
		Credential:     cfg.Platform.Token,
		Gateway:        a.gw,
		Handler:        a.bot,
		HandlerTimeout: a.timings.HandlerTimeout,
		MinBackoff:     a.timings.MinBackoff,
		MaxBackoff:     a.timings.MaxBackoff,
		Log:            a.logs.Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("platform bot: %w", err)
	}
	return s, nil
}

// runPlatform keeps one platform session alive until ctx ends. A session
// that dies is replaced after the supervisor's backoff.
func (a *App) runPlatform(ctx context.Context) error {
	s := a.platform()
	if s == nil {
		var err error
		if s, err = a.startPlatform(ctx); err != nil {
			return err
		}
		a.setPlatform(s)
	}
	select {
	case <-s.Done():
		a.clearPlatform(s)
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("platform session stopped")
	case <-ctx.Done():
		a.stopPlatform(context.WithoutCancel(ctx))
		return nil
	}
}

func (a *App) platform() *session.Session {
	a.platMu.Lock()
	defer a.platMu.Unlock()
	return a.plat
}

func (a *App) setPlatform(s *session.Session) {
	a.platMu.Lock()
	a.plat = s
	a.platMu.Unlock()
}

func (a *App) clearPlatform(s *session.Session) {
	a.platMu.Lock()
	if a.plat == s {
		a.plat = nil
	}
	a.platMu.Unlock()
}

func (a *App) stopPlatform(ctx context.Context) {
	s := a.platform()
	if s == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, a.timings.StopGrace)
	defer cancel()
	if err := s.Stop(sctx); err != nil {
		a.log.Warn("platform session stop", logx.Err(err))
	}
	a.clearPlatform(s)
}

func (a *App) supervisors() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{
		"orchestrator": a.orch.Supervisor().Snapshot(),
	}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	return out
}

// logEvents mirrors bus events into debug logs.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				if n := a.bus.Dropped(); n > 0 {
					a.log.Debug("events dropped by slow subscribers", logx.Uint64("dropped", n))
				}
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// Stop shuts everything down in order. Every step has its own deadline and
// the caller's deadline is never extended. Only the first call does work.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	if a.sup == nil {
		a.closeStorage()
		_ = a.logs.Close()
		return
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	grace := a.timings.StopGrace
	a.step(ctx, "admin", 3*time.Second, func(c context.Context) error {
		a.admin.Stop(c)
		return nil
	})
	a.step(ctx, "orchestrator", grace+2*time.Second, a.orch.StopAll)
	a.step(ctx, "platform", grace, func(c context.Context) error {
		a.stopPlatform(c)
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
}

func (a *App) closeStorage() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
}

// step runs fn with an upper bound so one component can't stall the whole
// stop. fn must honor its context; a step that overruns is logged when it
// eventually finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Bool("failed", err != nil),
			)
		}()
	}
}

// platformSender delivers operator log records through the platform bot.
type platformSender struct{ a *App }

func (p platformSender) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	s := p.a.platform()
	if s == nil {
		return errPlatformDown
	}
	to := transport.Target{ChatID: chatID, ThreadID: int64(threadID)}
	_, err := s.Conn().Send(ctx, to, transport.Text(text), &transport.SendOptions{DisablePreview: true})
	return err
}
