package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "groupfeed/pkg/logx"
)

// MinInterval is the shortest accepted reconcile interval.
const MinInterval = time.Second

// Run performs one pass right away and then one pass per interval until ctx
// is cancelled. A tick that fires while the previous pass is still running is
// skipped.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Reconcile(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		o.log.Warn("initial reconcile failed", logx.Err(err))
	}

	cl := cronLogger{log: o.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	if o.cron != nil {
		o.mu.Unlock()
		return errors.New("orchestrator: already running")
	}
	job := cron.FuncJob(func() { o.tick(ctx) })
	id, err := c.AddJob(every(o.interval), job)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	o.cron, o.cronID, o.cronJob = c, id, job
	interval := o.interval
	o.mu.Unlock()

	c.Start()
	o.log.Info("reconcile loop started", logx.Duration("interval", interval))
	<-ctx.Done()
	o.stopSchedule()
	return nil
}

func (o *Orchestrator) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := o.Reconcile(ctx); err != nil && !errors.Is(err, ErrClosed) {
		o.log.Warn("reconcile failed", logx.Err(err))
	}
}

// SetInterval changes the pass interval. The running schedule, if any, picks
// it up immediately.
func (o *Orchestrator) SetInterval(d time.Duration) error {
	if d < MinInterval {
		return fmt.Errorf("orchestrator: interval %s below %s", d, MinInterval)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if d == o.interval {
		return nil
	}
	o.interval = d
	if o.cron == nil {
		return nil
	}
	id, err := o.cron.AddJob(every(d), o.cronJob)
	if err != nil {
		return fmt.Errorf("reschedule reconcile: %w", err)
	}
	o.cron.Remove(o.cronID)
	o.cronID = id
	o.log.Info("reconcile interval changed", logx.Duration("interval", d))
	return nil
}

// Interval returns the current pass interval.
func (o *Orchestrator) Interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

func (o *Orchestrator) stopSchedule() {
	o.mu.Lock()
	c := o.cron
	o.cron = nil
	o.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func every(d time.Duration) string { return "@every " + d.String() }

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
