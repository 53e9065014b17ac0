// Package orchestrator keeps the set of live worker sessions equal to the set
// of active worker registrations in the store.
//
// Convergence is interval based: a registration change becomes effective at
// the next reconcile pass, at most one interval later. The only exception is
// RequestStop, used by a worker that disconnects itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupfeed/internal/eventbus"
	"groupfeed/internal/moderation"
	"groupfeed/internal/runtime/supervisor"
	"groupfeed/internal/session"
	"groupfeed/internal/storage"
	"groupfeed/internal/transport"
	"groupfeed/internal/vault"
	logx "groupfeed/pkg/logx"
)

var (
	// ErrInvalidCredential means the credential is not shaped like a bot token.
	ErrInvalidCredential = errors.New("orchestrator: malformed credential")
	// ErrCredentialRejected means the gateway refused the credential.
	ErrCredentialRejected = errors.New("orchestrator: credential rejected")
	ErrNotRunning         = errors.New("orchestrator: worker is not running")
	ErrClosed             = errors.New("orchestrator: closed")
)

var credentialPattern = regexp.MustCompile(`^\d{5,20}:[A-Za-z0-9_-]{20,}$`)

// ValidCredential reports whether s looks like a bot token.
func ValidCredential(s string) bool { return credentialPattern.MatchString(strings.TrimSpace(s)) }

// Store is the persistence used by the orchestrator and the pipelines it
// starts. *storage.Store implements it.
type Store interface {
	moderation.Store
	RegisterWorker(ctx context.Context, w storage.Worker) (*storage.Worker, error)
	GetWorker(ctx context.Context, ownerID, workerID int64) (*storage.Worker, error)
	SetWorkerActive(ctx context.Context, ownerID, workerID int64, active bool) error
	DeleteWorker(ctx context.Context, ownerID, workerID int64) error
	ListOwnerWorkers(ctx context.Context, ownerID int64) ([]storage.Worker, error)
	ListActiveWorkers(ctx context.Context) ([]storage.Worker, error)
}

// SessionConfig tunes the sessions started for workers.
type SessionConfig struct {
	HandlerTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

type Params struct {
	Store   Store
	Gateway transport.Gateway
	Vault   *vault.Vault

	// Interval between reconcile passes. 0 means 5s.
	Interval time.Duration
	// StopGrace bounds waiting for one session to unwind. 0 means 10s.
	StopGrace time.Duration
	// StartTimeout bounds opening one session. 0 means 20s.
	StartTimeout time.Duration
	// MaxParallel bounds concurrent starts/stops within a pass. 0 means 8.
	MaxParallel int

	Session  SessionConfig
	Settings func() moderation.Settings

	Bus eventbus.Bus
	Log logx.Logger
}

type Orchestrator struct {
	store    Store
	gw       transport.Gateway
	vault    *vault.Vault
	grace    time.Duration
	startTO  time.Duration
	parallel int
	sessCfg  SessionConfig
	settings func() moderation.Settings
	bus      eventbus.Bus
	log      logx.Logger

	// sup owns the schedule loop and asynchronous stop requests.
	sup *supervisor.Supervisor

	// passMu serializes reconcile passes and StopAll.
	passMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	running   map[int64]*entry
	startErrs map[int64]StartError
	interval  time.Duration
	cron      *cron.Cron
	cronID    cron.EntryID
	cronJob   cron.Job
}

func New(p Params) *Orchestrator {
	if p.Vault == nil {
		p.Vault = vault.New("")
	}
	if p.Interval <= 0 {
		p.Interval = 5 * time.Second
	}
	if p.StopGrace <= 0 {
		p.StopGrace = 10 * time.Second
	}
	if p.StartTimeout <= 0 {
		p.StartTimeout = 20 * time.Second
	}
	if p.MaxParallel <= 0 {
		p.MaxParallel = 8
	}
	if p.Settings == nil {
		p.Settings = func() moderation.Settings { return moderation.Settings{} }
	}
	if p.Bus == nil {
		p.Bus = eventbus.Nop()
	}
	if p.Log.IsZero() {
		p.Log = logx.Nop()
	}
	log := p.Log.With(logx.Component("orchestrator"))
	return &Orchestrator{
		store:     p.Store,
		gw:        p.Gateway,
		vault:     p.Vault,
		grace:     p.StopGrace,
		startTO:   p.StartTimeout,
		parallel:  p.MaxParallel,
		sessCfg:   p.Session,
		settings:  p.Settings,
		bus:       p.Bus,
		log:       log,
		sup:       supervisor.New(context.Background(), supervisor.WithLogger(log)),
		running:   map[int64]*entry{},
		startErrs: map[int64]StartError{},
		interval:  p.Interval,
	}
}

// Register validates credential with the gateway and stores an active
// registration for ownerID. Nothing is stored when validation fails. The
// worker starts at the next reconcile pass.
func (o *Orchestrator) Register(ctx context.Context, ownerID int64, credential string) (*storage.Worker, error) {
	credential = strings.TrimSpace(credential)
	if !credentialPattern.MatchString(credential) {
		return nil, ErrInvalidCredential
	}
	id, err := o.gw.Identify(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialRejected, err)
	}
	w, err := o.store.RegisterWorker(ctx, storage.Worker{
		OwnerID:    ownerID,
		WorkerID:   id.ID,
		Handle:     id.Handle,
		Credential: o.vault.ProtectString(credential),
		Active:     true,
	})
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	delete(o.startErrs, id.ID)
	o.mu.Unlock()
	o.log.Info("worker registered",
		logx.Owner(ownerID),
		logx.Worker(id.ID),
		logx.String("handle", id.Handle),
	)
	return w, nil
}

// SetActive flips a registration. It takes effect at the next pass.
func (o *Orchestrator) SetActive(ctx context.Context, ownerID, workerID int64, active bool) error {
	if err := o.store.SetWorkerActive(ctx, ownerID, workerID, active); err != nil {
		return err
	}
	if active {
		o.mu.Lock()
		delete(o.startErrs, workerID)
		o.mu.Unlock()
	}
	o.log.Info("worker active flag changed",
		logx.Owner(ownerID),
		logx.Worker(workerID),
		logx.Bool("active", active),
	)
	return nil
}

// Disconnect deactivates a worker and stops its session right away.
func (o *Orchestrator) Disconnect(ctx context.Context, ownerID, workerID int64) error {
	if err := o.SetActive(ctx, ownerID, workerID, false); err != nil {
		return err
	}
	o.RequestStop(workerID)
	return nil
}

// Delete removes a registration and its data. A running session is stopped
// by the next pass.
func (o *Orchestrator) Delete(ctx context.Context, ownerID, workerID int64) error {
	if err := o.store.DeleteWorker(ctx, ownerID, workerID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.startErrs, workerID)
	o.mu.Unlock()
	o.log.Info("worker deleted", logx.Owner(ownerID), logx.Worker(workerID))
	return nil
}

// WorkerStatus is a registration joined with its runtime state.
type WorkerStatus struct {
	storage.Worker
	Running   bool   `json:"running"`
	LastError string `json:"last_error,omitempty"`
}

// ListOwner returns ownerID's registrations, newest first.
func (o *Orchestrator) ListOwner(ctx context.Context, ownerID int64) ([]WorkerStatus, error) {
	ws, err := o.store.ListOwnerWorkers(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]WorkerStatus, 0, len(ws))
	for _, w := range ws {
		st := WorkerStatus{Worker: w}
		if e, ok := o.running[w.WorkerID]; ok && e.ownerID == w.OwnerID && e.state == stateRunning {
			st.Running = true
		}
		if se, ok := o.startErrs[w.WorkerID]; ok {
			st.LastError = se.Err
		}
		out = append(out, st)
	}
	return out, nil
}

// Resend delivers an approved submission to its worker's destinations
// again, through the worker's live session.
func (o *Orchestrator) Resend(ctx context.Context, submissionID uint) (moderation.Result, error) {
	sub, err := o.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return moderation.Result{}, err
	}
	o.mu.Lock()
	e, ok := o.running[sub.WorkerID]
	live := ok && e.state == stateRunning && e.sess != nil
	var (
		sess *session.Session
		pipe *moderation.Pipeline
	)
	if live {
		sess, pipe = e.sess, e.pipe
	}
	o.mu.Unlock()
	if !live {
		return moderation.Result{}, ErrNotRunning
	}
	return pipe.Resend(ctx, sess.Conn(), submissionID)
}

// Supervisor exposes the orchestrator's goroutine supervisor for diagnostics.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor { return o.sup }
