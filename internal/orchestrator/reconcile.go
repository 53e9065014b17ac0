package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"groupfeed/internal/eventbus"
	"groupfeed/internal/moderation"
	"groupfeed/internal/session"
	"groupfeed/internal/storage"
	logx "groupfeed/pkg/logx"
)

type entryState int

const (
	// stateStarting reserves the worker id while its session is opening.
	stateStarting entryState = iota
	stateRunning
	// stateStopping keeps the id reserved until the session has unwound.
	stateStopping
)

func (s entryState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	default:
		return "stopping"
	}
}

// entry is one slot of the running-set registry. At most one entry exists
// per worker id, whatever its state.
type entry struct {
	workerID   int64
	ownerID    int64
	handle     string
	credential string
	state      entryState
	since      time.Time
	sess       *session.Session
	pipe       *moderation.Pipeline
	// stopAsked is set by Stop while the entry is starting; the session is
	// stopped as soon as it is promoted.
	stopAsked bool

	gone     chan struct{}
	goneOnce sync.Once
}

// StartError is the last failure to start (or keep running) a worker.
type StartError struct {
	WorkerID int64     `json:"worker_id"`
	OwnerID  int64     `json:"owner_id"`
	Err      string    `json:"error"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts"`
}

// RunningWorker describes one registry entry.
type RunningWorker struct {
	WorkerID int64     `json:"worker_id"`
	OwnerID  int64     `json:"owner_id"`
	Handle   string    `json:"handle"`
	RunID    string    `json:"run_id,omitempty"`
	State    string    `json:"state"`
	Since    time.Time `json:"since"`
	Handled  uint64    `json:"handled"`
	Panics   uint64    `json:"panics"`
}

// Report summarizes one reconcile pass.
type Report struct {
	Desired int              `json:"desired"`
	Started []int64          `json:"started,omitempty"`
	Stopped []int64          `json:"stopped,omitempty"`
	Failed  map[int64]string `json:"failed,omitempty"`
	Took    time.Duration    `json:"took"`
}

// Reconcile makes the running set equal to the active registrations: it
// stops sessions whose worker is no longer active (or changed owner or
// credential) and starts sessions for active workers without one. Passes are
// serialized; starts and stops within a pass run concurrently. A failure on
// one worker is recorded and never aborts the others.
func (o *Orchestrator) Reconcile(ctx context.Context) (Report, error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	start := time.Now()
	rep := Report{Failed: map[int64]string{}}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return rep, ErrClosed
	}

	records, err := o.store.ListActiveWorkers(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	desired := make(map[int64]storage.Worker, len(records))
	for _, w := range records {
		// Newest registration wins if a worker id shows up twice.
		if _, dup := desired[w.WorkerID]; !dup {
			desired[w.WorkerID] = w
		}
	}
	rep.Desired = len(desired)

	var (
		stops  []*entry
		starts []*entry
	)
	o.mu.Lock()
	for id, e := range o.running {
		if e.state != stateRunning {
			continue
		}
		w, want := desired[id]
		if !want || w.OwnerID != e.ownerID || w.Credential != e.credential {
			e.state = stateStopping
			stops = append(stops, e)
		}
	}
	for id, w := range desired {
		if _, busy := o.running[id]; busy {
			continue
		}
		starts = append(starts, o.reserveLocked(w))
	}
	o.mu.Unlock()

	var repMu sync.Mutex
	note := func(started bool, id int64, err error) {
		repMu.Lock()
		defer repMu.Unlock()
		switch {
		case err != nil:
			rep.Failed[id] = err.Error()
		case started:
			rep.Started = append(rep.Started, id)
		default:
			rep.Stopped = append(rep.Stopped, id)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(o.parallel)
	for _, e := range stops {
		w, restart := desired[e.workerID]
		g.Go(func() error {
			err := o.stopEntry(ctx, e)
			note(false, e.workerID, err)
			if err != nil || !restart {
				return nil
			}
			o.mu.Lock()
			_, busy := o.running[w.WorkerID]
			var ne *entry
			if !busy && !o.closed {
				ne = o.reserveLocked(w)
			}
			o.mu.Unlock()
			if ne != nil {
				note(true, w.WorkerID, o.startEntry(ctx, ne, w))
			}
			return nil
		})
	}
	for _, e := range starts {
		w := desired[e.workerID]
		g.Go(func() error {
			note(true, e.workerID, o.startEntry(ctx, e, w))
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(rep.Started, func(i, j int) bool { return rep.Started[i] < rep.Started[j] })
	sort.Slice(rep.Stopped, func(i, j int) bool { return rep.Stopped[i] < rep.Stopped[j] })
	rep.Took = time.Since(start)

	if len(rep.Started)+len(rep.Stopped)+len(rep.Failed) > 0 {
		o.log.Info("reconcile pass",
			logx.Int("desired", rep.Desired),
			logx.Int("started", len(rep.Started)),
			logx.Int("stopped", len(rep.Stopped)),
			logx.Int("failed", len(rep.Failed)),
			logx.Duration("took", rep.Took),
		)
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.ReconcileDone, Data: rep})
	return rep, nil
}

func (o *Orchestrator) reserveLocked(w storage.Worker) *entry {
	e := &entry{
		workerID:   w.WorkerID,
		ownerID:    w.OwnerID,
		handle:     w.Handle,
		credential: w.Credential,
		state:      stateStarting,
		since:      time.Now(),
		gone:       make(chan struct{}),
	}
	o.running[w.WorkerID] = e
	return e
}

// remove drops e from the registry if it still owns its slot.
func (o *Orchestrator) remove(e *entry) {
	o.mu.Lock()
	if o.running[e.workerID] == e {
		delete(o.running, e.workerID)
	}
	o.mu.Unlock()
	e.goneOnce.Do(func() { close(e.gone) })
}

// startEntry opens a session for a reserved entry.
func (o *Orchestrator) startEntry(ctx context.Context, e *entry, w storage.Worker) error {
	token, err := o.vault.UnprotectString(w.Credential)
	if err != nil {
		return o.startFailed(e, fmt.Errorf("unprotect credential: %w", err))
	}
	pipe := moderation.New(moderation.Params{
		Store:      o.store,
		OwnerID:    w.OwnerID,
		WorkerID:   w.WorkerID,
		Settings:   o.settings,
		Controller: o,
		Bus:        o.bus,
		Log:        o.log,
	})

	sctx, cancel := context.WithTimeout(ctx, o.startTO)
	defer cancel()
	sess, err := session.Start(sctx, session.Params{
		Name:           "worker",
		Credential:     token,
		Gateway:        o.gw,
		Handler:        pipe,
		HandlerTimeout: o.sessCfg.HandlerTimeout,
		MinBackoff:     o.sessCfg.MinBackoff,
		MaxBackoff:     o.sessCfg.MaxBackoff,
		OnExit:         func(_ *session.Session, err error) { o.sessionExited(e, err) },
		Log:            o.log.With(logx.Owner(w.OwnerID)),
	})
	if err != nil {
		return o.startFailed(e, err)
	}
	if got := sess.Identity().ID; got != w.WorkerID {
		gctx, gcancel := context.WithTimeout(context.Background(), o.grace)
		_ = sess.Stop(gctx)
		gcancel()
		return o.startFailed(e, fmt.Errorf("credential now belongs to worker %d", got))
	}

	o.mu.Lock()
	e.sess, e.pipe = sess, pipe
	e.state = stateRunning
	e.since = time.Now()
	dead := sess.State() == session.StateStopped
	if !dead {
		delete(o.startErrs, w.WorkerID)
	}
	stopNow := e.stopAsked && !dead
	if stopNow {
		e.state = stateStopping
	}
	o.mu.Unlock()
	if dead {
		o.remove(e)
		return fmt.Errorf("session ended during start: %v", sess.Err())
	}

	o.bus.Publish(eventbus.Event{Type: eventbus.WorkerStarted, Data: eventbus.WorkerEvent{
		WorkerID: w.WorkerID,
		OwnerID:  w.OwnerID,
		RunID:    sess.RunID(),
	}})
	if stopNow {
		o.log.Info("stopping worker asked to stop while starting", logx.Worker(w.WorkerID))
		return o.stopEntry(context.WithoutCancel(ctx), e)
	}
	return nil
}

func (o *Orchestrator) startFailed(e *entry, err error) error {
	o.remove(e)
	o.mu.Lock()
	prev := o.startErrs[e.workerID]
	o.startErrs[e.workerID] = StartError{
		WorkerID: e.workerID,
		OwnerID:  e.ownerID,
		Err:      err.Error(),
		At:       time.Now(),
		Attempts: prev.Attempts + 1,
	}
	o.mu.Unlock()
	o.log.Warn("worker start failed",
		logx.Worker(e.workerID),
		logx.Owner(e.ownerID),
		logx.Err(err),
	)
	o.bus.Publish(eventbus.Event{Type: eventbus.WorkerStartFailed, Data: eventbus.WorkerEvent{
		WorkerID: e.workerID,
		OwnerID:  e.ownerID,
		Err:      err.Error(),
	}})
	return err
}

// sessionExited runs when a session ends. A session that ends on its own
// (not through stopEntry) leaves the registry so the next pass can retry it.
func (o *Orchestrator) sessionExited(e *entry, err error) {
	o.mu.Lock()
	selfEnded := o.running[e.workerID] == e && e.state == stateRunning
	if selfEnded && err != nil {
		prev := o.startErrs[e.workerID]
		o.startErrs[e.workerID] = StartError{
			WorkerID: e.workerID,
			OwnerID:  e.ownerID,
			Err:      "session ended: " + err.Error(),
			At:       time.Now(),
			Attempts: prev.Attempts + 1,
		}
	}
	o.mu.Unlock()
	if !selfEnded {
		return
	}
	o.remove(e)
	ev := eventbus.WorkerEvent{WorkerID: e.workerID, OwnerID: e.ownerID}
	if err != nil {
		ev.Err = err.Error()
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.WorkerStopped, Data: ev})
}

// stopEntry stops e's session and removes it from the registry once the
// session unwound. If the grace period expires first the entry stays
// reserved as stopping until the session is done, so no second session can
// start for the same worker in the meantime.
func (o *Orchestrator) stopEntry(ctx context.Context, e *entry) error {
	o.mu.Lock()
	sess := e.sess
	o.mu.Unlock()
	if sess == nil {
		o.remove(e)
		return nil
	}

	gctx, cancel := context.WithTimeout(ctx, o.grace)
	defer cancel()
	if err := sess.Stop(gctx); err != nil {
		o.log.Warn("session did not stop within grace",
			logx.Worker(e.workerID),
			logx.Duration("grace", o.grace),
			logx.Err(err),
		)
		o.sup.Go0("orchestrator.reap", func(context.Context) {
			<-sess.Done()
			o.remove(e)
		})
		return fmt.Errorf("stop worker %d: %w", e.workerID, err)
	}
	o.remove(e)
	o.bus.Publish(eventbus.Event{Type: eventbus.WorkerStopped, Data: eventbus.WorkerEvent{
		WorkerID: e.workerID,
		OwnerID:  e.ownerID,
		RunID:    sess.RunID(),
	}})
	return nil
}

// Stop stops one worker's session now, waiting up to the grace period. A
// worker that is still starting is stopped once its session is up.
func (o *Orchestrator) Stop(ctx context.Context, workerID int64) error {
	o.mu.Lock()
	e, ok := o.running[workerID]
	if !ok {
		o.mu.Unlock()
		return ErrNotRunning
	}
	if e.state == stateStarting {
		e.stopAsked = true
	}
	if e.state != stateRunning {
		gone := e.gone
		o.mu.Unlock()
		select {
		case <-gone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.state = stateStopping
	o.mu.Unlock()
	return o.stopEntry(ctx, e)
}

// RequestStop stops workerID in the background. Safe to call from inside
// the worker's own session.
func (o *Orchestrator) RequestStop(workerID int64) {
	o.sup.Go0("orchestrator.stop", func(ctx context.Context) {
		err := o.Stop(context.WithoutCancel(ctx), workerID)
		if err != nil && !errors.Is(err, ErrNotRunning) {
			o.log.Warn("requested stop failed", logx.Worker(workerID), logx.Err(err))
		}
	})
}

// StopAll stops every session and refuses further passes.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	// A scheduled pass may be waiting on passMu; stop the schedule first.
	o.stopSchedule()

	o.passMu.Lock()
	defer o.passMu.Unlock()

	o.mu.Lock()
	o.closed = true
	var (
		stops   []*entry
		pending []chan struct{}
	)
	for _, e := range o.running {
		switch e.state {
		case stateRunning:
			e.state = stateStopping
			stops = append(stops, e)
		default:
			pending = append(pending, e.gone)
		}
	}
	o.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	g := new(errgroup.Group)
	g.SetLimit(o.parallel)
	for _, e := range stops {
		g.Go(func() error {
			if err := o.stopEntry(ctx, e); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, gone := range pending {
		select {
		case <-gone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return errors.Join(errs...)
		}
	}
	o.sup.Cancel()
	if err := o.sup.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	o.log.Info("all workers stopped", logx.Int("count", len(stops)))
	return errors.Join(errs...)
}

// Running lists the registry, ordered by worker id.
func (o *Orchestrator) Running() []RunningWorker {
	o.mu.Lock()
	out := make([]RunningWorker, 0, len(o.running))
	for _, e := range o.running {
		rw := RunningWorker{
			WorkerID: e.workerID,
			OwnerID:  e.ownerID,
			Handle:   e.handle,
			State:    e.state.String(),
			Since:    e.since,
		}
		if e.sess != nil {
			rw.RunID = e.sess.RunID()
			rw.Handled, rw.Panics = e.sess.Stats()
		}
		out = append(out, rw)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// IsRunning reports whether workerID has a running session.
func (o *Orchestrator) IsRunning(workerID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.running[workerID]
	return ok && e.state == stateRunning
}

// StartErrors returns the last start failure per worker, ordered by worker id.
func (o *Orchestrator) StartErrors() []StartError {
	o.mu.Lock()
	out := make([]StartError, 0, len(o.startErrs))
	for _, se := range o.startErrs {
		out = append(out, se)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// LastError returns the recorded start failure of workerID, if any.
func (o *Orchestrator) LastError(workerID int64) (StartError, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	se, ok := o.startErrs[workerID]
	return se, ok
}
