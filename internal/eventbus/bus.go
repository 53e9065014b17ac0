package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle signal. Data is one of the payload types below.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the orchestrator and worker sessions.
const (
	WorkerStarted     = "worker.started"
	WorkerStopped     = "worker.stopped"
	WorkerStartFailed = "worker.start_failed"
	ReconcileDone     = "reconcile.done"

	SubmissionCreated  = "submission.created"
	SubmissionApproved = "submission.approved"
	SubmissionRejected = "submission.rejected"
	FanoutFailed       = "fanout.failed"
)

// WorkerEvent is the Data of worker.* events.
type WorkerEvent struct {
	WorkerID int64  `json:"worker_id"`
	OwnerID  int64  `json:"owner_id"`
	RunID    string `json:"run_id,omitempty"`
	Err      string `json:"err,omitempty"`
}

// SubmissionEvent is the Data of submission.* and fanout.* events.
type SubmissionEvent struct {
	WorkerID     int64  `json:"worker_id"`
	SubmissionID uint   `json:"submission_id"`
	Delivered    int    `json:"delivered,omitempty"`
	Failed       int    `json:"failed,omitempty"`
	Err          string `json:"err,omitempty"`
}

// Bus fans events out to subscribers without ever blocking the publisher. A
// subscriber whose buffer is full misses the event; the miss is counted.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered channel for the given types, or for
	// every type when none are given. unsubscribe closes the channel.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

const defaultBuffer = 8

func New() Bus { return &memBus{} }

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Dropped() uint64 { return 0 }
func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type subscriber struct {
	ch    chan Event
	types map[string]bool
}

func (s *subscriber) wants(typ string) bool { return len(s.types) == 0 || s.types[typ] }

type memBus struct {
	// mu is held for reading while sending, so a subscriber is never closed
	// under a Publish.
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			for i, x := range b.subs {
				if x == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
