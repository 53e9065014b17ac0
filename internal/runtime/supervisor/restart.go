package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "groupfeed/pkg/logx"
)

// A run that lasted this long resets the restart backoff.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	backoff Backoff
	publish bool
}

// WithRestartBackoff sets the window of waits between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.backoff.Min = min
		}
		if max > 0 {
			p.backoff.Max = max
		}
	}
}

// WithPublishFirstError records a failed run as the supervisor error while
// the loop keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// GoRestart keeps fn running until the shared context ends. A run that fails
// or panics is restarted after a jittered backoff; a clean return ends the
// loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{backoff: Backoff{Min: 250 * time.Millisecond, Max: 30 * time.Second, Jitter: true}}
	for _, o := range opts {
		o(&pol)
	}
	b := pol.backoff

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for restart := false; ; restart = true {
			began := time.Now()
			err := s.run(name, restart, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			if pol.publish {
				s.setErr(err)
			}
			if time.Since(began) >= healthyRun {
				b.Reset()
			}
			wait := b.Next()
			s.log.Warn("loop restarting", logx.String("loop", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}
