package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"groupfeed/internal/moderation"
	"groupfeed/internal/orchestrator"
	"groupfeed/internal/runtime/supervisor"
	"groupfeed/internal/storage"
)

type fakeOrch struct {
	reconciles int
	resendErr  error
	result     moderation.Result
}

func (f *fakeOrch) Running() []orchestrator.RunningWorker {
	return []orchestrator.RunningWorker{{WorkerID: 7, OwnerID: 10, Handle: "seven_bot", State: "running"}}
}

func (f *fakeOrch) StartErrors() []orchestrator.StartError {
	return []orchestrator.StartError{{WorkerID: 8, OwnerID: 10, Err: "unauthorized", Attempts: 3}}
}

func (f *fakeOrch) Reconcile(ctx context.Context) (orchestrator.Report, error) {
	f.reconciles++
	return orchestrator.Report{Desired: 2, Started: []int64{7}}, nil
}

func (f *fakeOrch) Resend(ctx context.Context, id uint) (moderation.Result, error) {
	return f.result, f.resendErr
}

type fakeStore struct{ err error }

func (s fakeStore) Ping(context.Context) error { return s.err }

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := New(Params{Orchestrator: &fakeOrch{}, Store: fakeStore{}})
	if w := do(t, s.Handler(Config{}), http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}

	s = New(Params{Orchestrator: &fakeOrch{}, Store: fakeStore{err: errors.New("db gone")}})
	w := do(t, s.Handler(Config{}), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "db gone") {
		t.Fatalf("degraded healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestBearerToken(t *testing.T) {
	s := New(Params{Orchestrator: &fakeOrch{}})
	h := s.Handler(Config{Token: "secret"})

	if w := do(t, h, http.MethodGet, "/v1/workers", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/v1/workers", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/v1/workers", "secret"); w.Code != http.StatusOK {
		t.Fatalf("good token = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz must stay open: %d", w.Code)
	}
}

func TestWorkers(t *testing.T) {
	s := New(Params{Orchestrator: &fakeOrch{}})
	w := do(t, s.Handler(Config{}), http.MethodGet, "/v1/workers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Running     []orchestrator.RunningWorker `json:"running"`
		StartErrors []orchestrator.StartError    `json:"start_errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Running) != 1 || body.Running[0].Handle != "seven_bot" {
		t.Fatalf("running = %+v", body.Running)
	}
	if len(body.StartErrors) != 1 || body.StartErrors[0].Attempts != 3 {
		t.Fatalf("start errors = %+v", body.StartErrors)
	}
}

func TestReconcileNow(t *testing.T) {
	o := &fakeOrch{}
	s := New(Params{Orchestrator: o})
	h := s.Handler(Config{})

	if w := do(t, h, http.MethodGet, "/v1/reconcile", ""); w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reconcile = %d", w.Code)
	}
	w := do(t, h, http.MethodPost, "/v1/reconcile", "")
	if w.Code != http.StatusOK || o.reconciles != 1 {
		t.Fatalf("POST reconcile = %d (passes %d)", w.Code, o.reconciles)
	}
	var rep orchestrator.Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil || rep.Desired != 2 {
		t.Fatalf("report = %+v err=%v", rep, err)
	}
}

func TestResendStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"bad id", "/v1/submissions/abc/resend", nil, http.StatusBadRequest},
		{"zero id", "/v1/submissions/0/resend", nil, http.StatusBadRequest},
		{"missing", "/v1/submissions/5/resend", storage.ErrNotFound, http.StatusNotFound},
		{"pending", "/v1/submissions/5/resend", moderation.ErrNotApproved, http.StatusConflict},
		{"stopped", "/v1/submissions/5/resend", orchestrator.ErrNotRunning, http.StatusConflict},
		{"no destinations", "/v1/submissions/5/resend", moderation.ErrNoDestinations, http.StatusConflict},
		{"internal", "/v1/submissions/5/resend", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Params{Orchestrator: &fakeOrch{resendErr: tc.err}})
			if w := do(t, s.Handler(Config{}), http.MethodPost, tc.path, ""); w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestResendReportsFailures(t *testing.T) {
	o := &fakeOrch{result: moderation.Result{
		Delivered: 1,
		Failed: []moderation.Failure{{
			Destination: storage.Destination{ChatID: -100, ThreadID: 4},
			Err:         errors.New("forbidden"),
		}},
	}}
	s := New(Params{Orchestrator: o})
	w := do(t, s.Handler(Config{}), http.MethodPost, "/v1/submissions/9/resend", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got resendView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SubmissionID != 9 || got.Delivered != 1 || len(got.Failed) != 1 || got.Failed[0].Error != "forbidden" {
		t.Fatalf("body = %+v", got)
	}
}

func TestSupervisorSnapshots(t *testing.T) {
	sup := supervisor.New(context.Background())
	defer sup.Cancel()
	s := New(Params{
		Orchestrator: &fakeOrch{},
		Supervisors: func() map[string]supervisor.Snapshot {
			return map[string]supervisor.Snapshot{"orchestrator": sup.Snapshot()}
		},
	})
	w := do(t, s.Handler(Config{}), http.MethodGet, "/v1/supervisor", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"orchestrator"`) {
		t.Fatalf("supervisor = %d %s", w.Code, w.Body.String())
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s := New(Params{Orchestrator: &fakeOrch{}})
	if w := do(t, s.Handler(Config{}), http.MethodGet, "/debug/pprof/", ""); w.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", w.Code)
	}
	if w := do(t, s.Handler(Config{Pprof: true}), http.MethodGet, "/debug/pprof/", ""); w.Code != http.StatusOK {
		t.Fatalf("pprof enabled = %d", w.Code)
	}
}

func TestApplyLifecycle(t *testing.T) {
	s := New(Params{Orchestrator: &fakeOrch{}})
	ctx := context.Background()
	if err := s.Apply(ctx, true, Config{Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("no bound address")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := s.Apply(ctx, false, Config{}); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("server still bound")
	}
}
