// Package session runs one long-poll connection and dispatches its events.
//
// A Session moves through starting -> running -> stopping -> stopped. Events
// are handled one at a time in the order the gateway returned them. A panic
// or error inside one handler is logged and the loop continues; only Stop or
// a fatal gateway error ends the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"groupfeed/internal/runtime/supervisor"
	"groupfeed/internal/transport"
	logx "groupfeed/pkg/logx"
)

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes one inbound event.
type Handler interface {
	Handle(ctx context.Context, conn transport.Conn, ev transport.Event) error
}

type HandlerFunc func(ctx context.Context, conn transport.Conn, ev transport.Event) error

func (f HandlerFunc) Handle(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	return f(ctx, conn, ev)
}

type Params struct {
	// Name labels logs and goroutines ("worker", "platform").
	Name       string
	Credential string
	Gateway    transport.Gateway
	Handler    Handler

	// HandlerTimeout bounds a single event. 0 means 30s.
	HandlerTimeout time.Duration
	// Poll error backoff window. Zero values mean 500ms..30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// CloseTimeout bounds closing the gateway connection. 0 means 5s.
	CloseTimeout time.Duration

	// OnExit, if set, runs once after the session reached stopped.
	// err is the fatal gateway error, or nil after Stop.
	OnExit func(s *Session, err error)

	Log logx.Logger
}

type Session struct {
	p     Params
	runID string
	id    transport.Identity
	conn  transport.Conn
	log   logx.Logger
	sup   *supervisor.Supervisor

	state    atomic.Int32
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error

	handled atomic.Uint64
	panics  atomic.Uint64
}

// Start opens the gateway connection and launches the poll loop.
// If opening fails the session never exists and the error is returned.
//
// The loop is not bound to ctx; ctx only bounds the open call. Use Stop.
func Start(ctx context.Context, p Params) (*Session, error) {
	if p.Gateway == nil || p.Handler == nil {
		return nil, errors.New("session: gateway and handler are required")
	}
	if p.Name == "" {
		p.Name = "session"
	}
	if p.HandlerTimeout <= 0 {
		p.HandlerTimeout = 30 * time.Second
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = 30 * time.Second
		if p.MaxBackoff < p.MinBackoff {
			p.MaxBackoff = p.MinBackoff
		}
	}
	if p.CloseTimeout <= 0 {
		p.CloseTimeout = 5 * time.Second
	}
	if p.Log.IsZero() {
		p.Log = logx.Nop()
	}

	s := &Session{
		p:     p,
		runID: uuid.NewString(),
		done:  make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))

	conn, err := p.Gateway.Open(ctx, p.Credential)
	if err != nil {
		s.state.Store(int32(StateStopped))
		close(s.done)
		return nil, fmt.Errorf("session: open: %w", err)
	}
	s.conn = conn
	s.id = conn.Identity()
	s.log = p.Log.With(
		logx.Component(p.Name),
		logx.Int64("bot_id", s.id.ID),
		logx.String("run_id", s.runID),
	)

	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	s.state.Store(int32(StateRunning))
	s.sup.Go(p.Name+".poll", s.run)
	s.log.Info("session running", logx.String("handle", s.id.Handle))
	return s, nil
}

func (s *Session) RunID() string                { return s.runID }
func (s *Session) Identity() transport.Identity { return s.id }
func (s *Session) State() State                 { return State(s.state.Load()) }
func (s *Session) Done() <-chan struct{}        { return s.done }

// Conn exposes the live connection, e.g. for operator-triggered sends.
func (s *Session) Conn() transport.Conn { return s.conn }

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns handled event and recovered panic counts.
func (s *Session) Stats() (handled, panics uint64) {
	return s.handled.Load(), s.panics.Load()
}

// Stop cancels the poll loop, closes the connection and waits for the loop
// to unwind. If ctx expires first, Stop returns ctx.Err() and the session
// finishes stopping in the background; Done reports completion.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.State() == StateRunning {
			s.state.Store(int32(StateStopping))
		}
		s.log.Debug("session stop requested")
		s.sup.Cancel()
		// Closing here interrupts a blocked poll and releases the
		// connection even if a handler ignores cancellation.
		s.closeConn()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) closeConn() {
	cctx, cancel := context.WithTimeout(context.Background(), s.p.CloseTimeout)
	defer cancel()
	if err := s.conn.Close(cctx); err != nil {
		s.log.Warn("connection close failed", logx.Err(err))
	}
}

func (s *Session) run(ctx context.Context) error {
	err := s.loop(ctx)

	s.state.Store(int32(StateStopping))
	s.closeConn()
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(StateStopped))

	if err != nil {
		s.log.Error("session terminated", logx.Err(err))
	} else {
		s.log.Info("session stopped", logx.Uint64("handled", s.handled.Load()))
	}
	close(s.done)
	if s.p.OnExit != nil {
		s.p.OnExit(s, err)
	}
	return err
}

func (s *Session) loop(ctx context.Context) error {
	b := supervisor.Backoff{Min: s.p.MinBackoff, Max: s.p.MaxBackoff}
	for {
		if ctx.Err() != nil {
			return nil
		}
		events, err := s.conn.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if transport.IsFatal(err) {
				return err
			}
			wait := b.Next()
			if ra, ok := transport.RetryAfter(err); ok && ra > wait {
				wait = ra
			}
			s.log.Warn("poll failed; retrying", logx.Err(err), logx.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		for i, ev := range events {
			if ctx.Err() != nil {
				s.log.Debug("stop requested; dropping fetched events", logx.Int("dropped", len(events)-i))
				return nil
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ev transport.Event) {
	hctx, cancel := context.WithTimeout(ctx, s.p.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("event handler panicked",
				logx.Int64("update_id", ev.UpdateID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	start := time.Now()
	err := s.p.Handler.Handle(hctx, s.conn, ev)
	s.handled.Add(1)
	if err != nil {
		s.log.Warn("event handler failed",
			logx.Int64("update_id", ev.UpdateID),
			logx.String("kind", string(ev.Kind)),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
	}
}
