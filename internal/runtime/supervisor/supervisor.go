// Package supervisor runs the named background loops of one component (a
// session's poll loop, the orchestrator's stop and reap tasks, the app's
// platform bot and config watcher) under a shared cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "groupfeed/pkg/logx"
)

type Supervisor struct {
	ctx         context.Context
	cancel      context.CancelFunc
	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	firstErr error
	started  uint64
	loops    map[string]*LoopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context when a Go loop fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		loops:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the shared context without waiting for the loops.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure recorded by a loop.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go runs fn once. An error other than cancellation is recorded and, with
// WithCancelOnError, ends the shared context.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.run(name, false, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		s.setErr(fmt.Errorf("%s: %w", name, err))
		if s.cancelOnErr {
			s.cancel()
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// run executes one pass of fn with panic recovery and books it under name.
func (s *Supervisor) run(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	began := s.begin(name, restart)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("loop panicked",
				logx.String("loop", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			s.update(name, func(st *LoopStats) { st.Panics++ })
		}
		s.end(name, began, err)
	}()
	s.log.Debug("loop started", logx.String("loop", name))
	return fn(s.ctx)
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

// LoopStats aggregates every run of one named loop.
type LoopStats struct {
	Name      string        `json:"name"`
	Active    int           `json:"active"`
	Runs      uint64        `json:"runs"`
	Restarts  uint64        `json:"restarts"`
	Panics    uint64        `json:"panics"`
	LastStart time.Time     `json:"last_start"`
	LastStop  time.Time     `json:"last_stop"`
	LastErr   string        `json:"last_error,omitempty"`
	LastErrAt time.Time     `json:"last_error_at"`
	Uptime    time.Duration `json:"uptime"`
}

// Snapshot is a point-in-time view of a supervisor for the operator API.
type Snapshot struct {
	Active     int         `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{Started: s.started, Loops: make([]LoopStats, 0, len(s.loops))}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, st := range s.loops {
		snap.Active += st.Active
		snap.Loops = append(snap.Loops, *st)
	}
	s.mu.Unlock()

	sort.Slice(snap.Loops, func(i, j int) bool {
		a, b := snap.Loops[i], snap.Loops[j]
		if (a.Active > 0) != (b.Active > 0) {
			return a.Active > 0
		}
		return a.Name < b.Name
	})
	return snap
}

func (s *Supervisor) update(name string, fn func(st *LoopStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.loops[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.loops[name] = st
	}
	fn(st)
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.update(name, func(st *LoopStats) {
		s.started++
		st.Active++
		st.Runs++
		if restart {
			st.Restarts++
		}
		st.LastStart = now
	})
	return now
}

func (s *Supervisor) end(name string, began time.Time, err error) {
	now := time.Now()
	s.update(name, func(st *LoopStats) {
		st.Active--
		st.LastStop = now
		st.Uptime += now.Sub(began)
		if err != nil && !errors.Is(err, context.Canceled) {
			st.LastErr = err.Error()
			st.LastErrAt = now
		}
	})
}
