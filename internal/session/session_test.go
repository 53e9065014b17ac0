package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"groupfeed/internal/transport"
	"groupfeed/internal/transport/transporttest"
)

type recorder struct {
	mu   sync.Mutex
	seen []int64
	fn   func(ev transport.Event)
}

func (r *recorder) Handle(ctx context.Context, conn transport.Conn, ev transport.Event) error {
	if r.fn != nil {
		r.fn(ev)
	}
	r.mu.Lock()
	r.seen = append(r.seen, ev.UpdateID)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startTest(t *testing.T, h Handler) (*Session, *transporttest.Conn, *transporttest.Gateway) {
	t.Helper()
	gw := transporttest.NewGateway()
	gw.AddBot("tok", transport.Identity{ID: 7, Handle: "seven_bot"})
	s, err := Start(context.Background(), Params{
		Name:       "worker",
		Credential: "tok",
		Gateway:    gw,
		Handler:    h,
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, gw.Latest(7), gw
}

func TestStartFailureLeavesNoSession(t *testing.T) {
	gw := transporttest.NewGateway()
	s, err := Start(context.Background(), Params{Credential: "missing", Gateway: gw, Handler: &recorder{}})
	if err == nil || s != nil {
		t.Fatalf("expected open failure, got s=%v err=%v", s, err)
	}
}

func TestEventsProcessedInOrder(t *testing.T) {
	rec := &recorder{}
	s, conn, _ := startTest(t, rec)
	if s.State() != StateRunning {
		t.Fatalf("state = %s", s.State())
	}

	conn.Inject(transport.Event{UpdateID: 1}, transport.Event{UpdateID: 2})
	conn.Inject(transport.Event{UpdateID: 3})
	waitFor(t, func() bool { return len(rec.ids()) == 3 })

	got := rec.ids()
	for i, id := range []int64{1, 2, 3} {
		if got[i] != id {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestHandlerPanicDoesNotKillSession(t *testing.T) {
	rec := &recorder{fn: func(ev transport.Event) {
		if ev.UpdateID == 1 {
			panic("handler bug")
		}
	}}
	s, conn, _ := startTest(t, rec)

	conn.Inject(transport.Event{UpdateID: 1}, transport.Event{UpdateID: 2})
	waitFor(t, func() bool { return len(rec.ids()) == 1 })
	if ids := rec.ids(); ids[0] != 2 {
		t.Fatalf("expected event 2 after panic, got %v", ids)
	}
	if _, panics := s.Stats(); panics != 1 {
		t.Fatalf("expected 1 recovered panic, got %d", panics)
	}
	if s.State() != StateRunning {
		t.Fatalf("session died after panic: %s", s.State())
	}
}

func TestTransientPollErrorIsRetried(t *testing.T) {
	rec := &recorder{}
	s, conn, _ := startTest(t, rec)

	conn.FailPoll(errors.New("network blip"))
	conn.FailPoll(&transport.RetryAfterError{After: time.Millisecond, Err: errors.New("flood")})
	conn.Inject(transport.Event{UpdateID: 9})
	waitFor(t, func() bool { return len(rec.ids()) == 1 })
	if s.State() != StateRunning {
		t.Fatalf("state = %s", s.State())
	}
}

func TestFatalPollErrorEndsSession(t *testing.T) {
	gw := transporttest.NewGateway()
	gw.AddBot("tok", transport.Identity{ID: 7})
	exited := make(chan error, 1)
	s, err := Start(context.Background(), Params{
		Credential: "tok",
		Gateway:    gw,
		Handler:    &recorder{},
		OnExit:     func(_ *Session, err error) { exited <- err },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := gw.Latest(7)
	conn.FailPoll(fmt.Errorf("revoked: %w", transport.ErrUnauthorized))

	select {
	case err := <-exited:
		if !errors.Is(err, transport.ErrUnauthorized) {
			t.Fatalf("OnExit err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate")
	}
	if s.State() != StateStopped || !errors.Is(s.Err(), transport.ErrUnauthorized) {
		t.Fatalf("state=%s err=%v", s.State(), s.Err())
	}
	if !conn.Closed() {
		t.Fatalf("connection left open")
	}
}

func TestStopClosesConnectionAndUnwinds(t *testing.T) {
	s, conn, gw := startTest(t, &recorder{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s", s.State())
	}
	if !conn.Closed() || gw.LiveConns(7) != 0 {
		t.Fatalf("connection not closed")
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done not closed")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopWithStuckHandlerHonoursGrace(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	rec := &recorder{fn: func(ev transport.Event) {
		close(entered)
		<-release
	}}
	s, conn, _ := startTest(t, rec)
	conn.Inject(transport.Event{UpdateID: 1})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected grace expiry, got %v", err)
	}
	if !conn.Closed() {
		t.Fatalf("connection must be released even with a stuck handler")
	}
	if s.State() == StateStopped {
		t.Fatalf("session cannot be stopped while handler is running")
	}

	close(release)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish after handler returned")
	}
}
