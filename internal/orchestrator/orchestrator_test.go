package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	"groupfeed/internal/transport/transporttest"
	logx "groupfeed/pkg/logx"
)

const (
	tokA = "111111:AAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	tokB = "222222:BBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	tokC = "333333:CCCCCCCCCCCCCCCCCCCCCCCCCCCC"

	botA int64 = 111111
	botB int64 = 222222
	botC int64 = 333333
)

type harness struct {
	ctx   context.Context
	store *storage.Store
	gw    *transporttest.Gateway
	o     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "orchestrator.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	gw := transporttest.NewGateway()
	gw.AddBot(tokA, transport.Identity{ID: botA, Handle: "a_bot"})
	gw.AddBot(tokB, transport.Identity{ID: botB, Handle: "b_bot"})
	gw.AddBot(tokC, transport.Identity{ID: botC, Handle: "c_bot"})

	o := New(Params{
		Store:     st,
		Gateway:   gw,
		StopGrace: 2 * time.Second,
		Session: SessionConfig{
			MinBackoff: time.Millisecond,
			MaxBackoff: 5 * time.Millisecond,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.StopAll(ctx)
	})
	return &harness{ctx: context.Background(), store: st, gw: gw, o: o}
}

func (h *harness) register(t *testing.T, owner int64, tok string) {
	t.Helper()
	if _, err := h.o.Register(h.ctx, owner, tok); err != nil {
		t.Fatalf("Register(%d): %v", owner, err)
	}
}

func (h *harness) reconcile(t *testing.T) Report {
	t.Helper()
	rep, err := h.o.Reconcile(h.ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return rep
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconcileConvergesAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	h.register(t, 2, tokB)

	rep := h.reconcile(t)
	if rep.Desired != 2 || len(rep.Started) != 2 || len(rep.Failed) != 0 {
		t.Fatalf("first pass = %+v", rep)
	}
	for _, id := range []int64{botA, botB} {
		if !h.o.IsRunning(id) {
			t.Fatalf("worker %d not running", id)
		}
		if n := h.gw.LiveConns(id); n != 1 {
			t.Fatalf("worker %d live conns = %d", id, n)
		}
	}

	rep = h.reconcile(t)
	if len(rep.Started)+len(rep.Stopped)+len(rep.Failed) != 0 {
		t.Fatalf("second pass should be a no-op: %+v", rep)
	}
	if h.gw.Opens(botA) != 1 || h.gw.Opens(botB) != 1 {
		t.Fatalf("opens = %d/%d, want 1/1", h.gw.Opens(botA), h.gw.Opens(botB))
	}

	rw := h.o.Running()
	if len(rw) != 2 || rw[0].WorkerID != botA || rw[1].WorkerID != botB {
		t.Fatalf("running = %+v", rw)
	}
	if rw[0].State != "running" || rw[0].RunID == "" || rw[0].Handle != "a_bot" {
		t.Fatalf("running entry = %+v", rw[0])
	}
}

func TestStartFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	h.register(t, 2, tokB)
	h.register(t, 3, tokC)
	h.gw.FailOpen(tokB, errors.New("network down"))

	rep := h.reconcile(t)
	if len(rep.Started) != 2 || rep.Failed[botB] == "" {
		t.Fatalf("pass = %+v", rep)
	}
	if !h.o.IsRunning(botA) || !h.o.IsRunning(botC) || h.o.IsRunning(botB) {
		t.Fatalf("unexpected running set %+v", h.o.Running())
	}
	se, ok := h.o.LastError(botB)
	if !ok || se.Attempts != 1 || se.OwnerID != 2 {
		t.Fatalf("start error = %+v ok=%v", se, ok)
	}

	h.reconcile(t)
	if se, _ := h.o.LastError(botB); se.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", se.Attempts)
	}

	h.gw.FailOpen(tokB, nil)
	rep = h.reconcile(t)
	if len(rep.Started) != 1 || rep.Started[0] != botB {
		t.Fatalf("recovery pass = %+v", rep)
	}
	if len(h.o.StartErrors()) != 0 {
		t.Fatalf("start errors not cleared: %+v", h.o.StartErrors())
	}
}

func TestConcurrentPassesStartOnce(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.o.Reconcile(h.ctx)
		}()
	}
	wg.Wait()
	if n := h.gw.Opens(botA); n != 1 {
		t.Fatalf("opens = %d, want 1", n)
	}
}

func TestDeactivatedWorkerIsStopped(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	h.reconcile(t)
	conn := h.gw.Latest(botA)

	if err := h.o.SetActive(h.ctx, 1, botA, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if !h.o.IsRunning(botA) {
		t.Fatalf("deactivation must wait for the next pass")
	}
	rep := h.reconcile(t)
	if len(rep.Stopped) != 1 || rep.Stopped[0] != botA {
		t.Fatalf("pass = %+v", rep)
	}
	if h.o.IsRunning(botA) || !conn.Closed() {
		t.Fatalf("worker still running after stop")
	}

	if err := h.o.SetActive(h.ctx, 1, botA, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	h.reconcile(t)
	if !h.o.IsRunning(botA) || h.gw.Opens(botA) != 2 {
		t.Fatalf("re-enable: running=%v opens=%d", h.o.IsRunning(botA), h.gw.Opens(botA))
	}
}

func TestDisconnectStopsWithoutWaitingForPass(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	h.reconcile(t)
	conn := h.gw.Latest(botA)

	if err := h.o.Disconnect(h.ctx, 1, botA); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !h.o.IsRunning(botA) && conn.Closed() })

	w, err := h.store.GetWorker(h.ctx, 1, botA)
	if err != nil || w.Active {
		t.Fatalf("worker = %+v err=%v", w, err)
	}
	h.reconcile(t)
	if h.gw.Opens(botA) != 1 {
		t.Fatalf("inactive worker restarted")
	}
}

func TestStopWhileStartingStopsOncePromoted(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	entered, release := h.gw.HoldOpen(tokA)
	defer release()

	passDone := make(chan error, 1)
	go func() {
		_, err := h.o.Reconcile(h.ctx)
		passDone <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("session never started opening")
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- h.o.Stop(h.ctx, botA) }()
	waitFor(t, 2*time.Second, func() bool {
		h.o.mu.Lock()
		defer h.o.mu.Unlock()
		e, ok := h.o.running[botA]
		return ok && e.stopAsked
	})
	release()

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return")
	}
	if err := <-passDone; err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if h.o.IsRunning(botA) || h.gw.LiveConns(botA) != 0 {
		t.Fatalf("worker still running after stop during start")
	}
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)

	if _, err := h.o.Register(h.ctx, 1, "not-a-token"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("malformed: err = %v", err)
	}
	if h.gw.IdentifyCalls() != 0 {
		t.Fatalf("malformed credential reached the gateway")
	}

	unknown := "999999:ZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"
	if _, err := h.o.Register(h.ctx, 1, unknown); !errors.Is(err, ErrCredentialRejected) {
		t.Fatalf("unknown: err = %v", err)
	}
	ws, err := h.o.ListOwner(h.ctx, 1)
	if err != nil || len(ws) != 0 {
		t.Fatalf("rejected credentials must not be stored: %+v err=%v", ws, err)
	}

	w, err := h.o.Register(h.ctx, 1, "  "+tokA+"\n")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if w.WorkerID != botA || w.Handle != "a_bot" || !w.Active {
		t.Fatalf("worker = %+v", w)
	}
	if w.Credential == tokA {
		t.Fatalf("credential stored in clear")
	}
}

func TestOwnerChangeRestartsSession(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	h.reconcile(t)
	first := h.gw.Latest(botA)

	h.register(t, 2, tokA)
	rep := h.reconcile(t)
	if len(rep.Stopped) != 1 || len(rep.Started) != 1 {
		t.Fatalf("pass = %+v", rep)
	}
	if !first.Closed() || h.gw.LiveConns(botA) != 1 {
		t.Fatalf("old session not replaced: live=%d", h.gw.LiveConns(botA))
	}
	rw := h.o.Running()
	if len(rw) != 1 || rw[0].OwnerID != 2 {
		t.Fatalf("running = %+v", rw)
	}

	ws, _ := h.o.ListOwner(h.ctx, 1)
	if len(ws) != 1 || ws[0].Active || ws[0].Running {
		t.Fatalf("previous owner view = %+v", ws)
	}
}

func TestFatalSessionExitIsRetriedNextPass(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	h.reconcile(t)

	h.gw.Latest(botA).FailPoll(transport.ErrUnauthorized)
	waitFor(t, 2*time.Second, func() bool { return !h.o.IsRunning(botA) })

	se, ok := h.o.LastError(botA)
	if !ok || se.Err == "" {
		t.Fatalf("session exit not recorded: %+v", se)
	}
	ws, _ := h.o.ListOwner(h.ctx, 1)
	if len(ws) != 1 || ws[0].LastError == "" {
		t.Fatalf("owner view = %+v", ws)
	}

	rep := h.reconcile(t)
	if len(rep.Started) != 1 || h.gw.Opens(botA) != 2 {
		t.Fatalf("pass = %+v opens=%d", rep, h.gw.Opens(botA))
	}
}

func TestDeleteStopsAtNextPass(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	h.reconcile(t)

	if err := h.o.Delete(h.ctx, 1, botA); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := h.o.Delete(h.ctx, 1, botA); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	h.reconcile(t)
	if h.o.IsRunning(botA) {
		t.Fatalf("deleted worker still running")
	}
}

func TestResendUsesLiveSession(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)

	sub := &storage.Submission{WorkerID: botA, OwnerID: 1, UserID: 50, Kind: storage.KindText, Text: "hello"}
	if err := h.store.CreateSubmission(h.ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if _, err := h.store.DecideSubmission(h.ctx, sub.ID, botA, storage.StatusApproved); err != nil {
		t.Fatalf("DecideSubmission: %v", err)
	}
	if err := h.store.UpsertDestination(h.ctx, storage.Destination{WorkerID: botA, ChatID: -100, ThreadID: 3}); err != nil {
		t.Fatalf("UpsertDestination: %v", err)
	}

	if _, err := h.o.Resend(h.ctx, sub.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("resend before start: %v", err)
	}
	h.reconcile(t)
	res, err := h.o.Resend(h.ctx, sub.ID)
	if err != nil || res.Delivered != 1 {
		t.Fatalf("Resend = %+v, %v", res, err)
	}
	sent := h.gw.Latest(botA).SentTo(-100)
	if len(sent) != 1 || sent[0].Content.Text != "hello" || sent[0].Target.ThreadID != 3 {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestStopAllClosesEverything(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)
	h.register(t, 2, tokB)
	h.reconcile(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.o.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if len(h.o.Running()) != 0 || h.gw.LiveConns(botA) != 0 || h.gw.LiveConns(botB) != 0 {
		t.Fatalf("sessions left after StopAll: %+v", h.o.Running())
	}
	if _, err := h.o.Reconcile(h.ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Reconcile after StopAll: %v", err)
	}
}

func TestStopUnknownWorker(t *testing.T) {
	h := newHarness(t)
	if err := h.o.Stop(h.ctx, botA); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop = %v", err)
	}
}

func TestSetIntervalBounds(t *testing.T) {
	h := newHarness(t)
	if err := h.o.SetInterval(10 * time.Millisecond); err == nil {
		t.Fatalf("expected error for sub-second interval")
	}
	if err := h.o.SetInterval(3 * time.Second); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	if h.o.Interval() != 3*time.Second {
		t.Fatalf("interval = %s", h.o.Interval())
	}
}

func TestRunReconcilesOnSchedule(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1, tokA)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return h.o.IsRunning(botA) })
	if err := h.o.SetInterval(time.Second); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	h.register(t, 2, tokB)
	waitFor(t, 4*time.Second, func() bool { return h.o.IsRunning(botB) })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
