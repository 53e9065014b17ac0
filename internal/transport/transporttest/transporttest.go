// Package transporttest provides an in-memory transport.Gateway for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupfeed/internal/transport"
)

// Sent is one recorded outbound message.
type Sent struct {
	Ref     transport.MessageRef
	Target  transport.Target
	Content transport.Content
	Options transport.SendOptions
}

type Answer struct {
	ID    string
	Text  string
	Alert bool
}

type pollItem struct {
	events []transport.Event
	err    error
}

// Conn implements transport.Conn. Inbound batches are injected with Inject
// and FailPoll; outbound calls are recorded.
type Conn struct {
	id transport.Identity

	items    chan pollItem
	closedCh chan struct{}

	mu        sync.Mutex
	closed    bool
	nextMsg   int64
	sent      []Sent
	cleared   []transport.MessageRef
	answers   []Answer
	deleted   []transport.MessageRef
	failChats map[int64]error
	hangChats map[int64]bool
	answerErr error
	roles     map[[2]int64]transport.Role
}

var _ transport.Conn = (*Conn)(nil)

func NewConn(id transport.Identity) *Conn {
	return &Conn{
		id:        id,
		items:     make(chan pollItem, 100),
		closedCh:  make(chan struct{}),
		nextMsg:   1000,
		failChats: map[int64]error{},
		hangChats: map[int64]bool{},
		roles:     map[[2]int64]transport.Role{},
	}
}

func (c *Conn) Identity() transport.Identity { return c.id }

func (c *Conn) Poll(ctx context.Context) ([]transport.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closedCh:
		return nil, transport.ErrClosed
	case it := <-c.items:
		return it.events, it.err
	}
}

func (c *Conn) Send(ctx context.Context, to transport.Target, content transport.Content, opt *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	if c.hangChats[to.ChatID] {
		c.mu.Unlock()
		<-ctx.Done()
		return transport.MessageRef{}, ctx.Err()
	}
	defer c.mu.Unlock()
	if c.closed {
		return transport.MessageRef{}, transport.ErrClosed
	}
	if err := c.failChats[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	c.nextMsg++
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: c.nextMsg}
	s := Sent{Ref: ref, Target: to, Content: content}
	if opt != nil {
		s.Options = *opt
	}
	c.sent = append(c.sent, s)
	return ref, nil
}

func (c *Conn) ClearButtons(ctx context.Context, ref transport.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.cleared = append(c.cleared, ref)
	return nil
}

func (c *Conn) Answer(ctx context.Context, actionID, text string, alert bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.answerErr != nil {
		return c.answerErr
	}
	c.answers = append(c.answers, Answer{ID: actionID, Text: text, Alert: alert})
	return nil
}

func (c *Conn) Delete(ctx context.Context, ref transport.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.deleted = append(c.deleted, ref)
	return nil
}

func (c *Conn) Membership(ctx context.Context, chatID, userID int64) (transport.Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", transport.ErrClosed
	}
	r, ok := c.roles[[2]int64{chatID, userID}]
	if !ok {
		return transport.RoleLeft, nil
	}
	return r, nil
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// --- Test helpers ---

// Inject queues one batch of inbound events.
func (c *Conn) Inject(events ...transport.Event) {
	c.items <- pollItem{events: events}
}

// FailPoll makes the next Poll return err.
func (c *Conn) FailPoll(err error) {
	c.items <- pollItem{err: err}
}

// FailChat makes every send to chatID fail with err. A nil err clears it.
func (c *Conn) FailChat(chatID int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failChats, chatID)
		return
	}
	c.failChats[chatID] = err
}

// HangChat makes sends to chatID block until their context ends.
func (c *Conn) HangChat(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangChats[chatID] = true
}

// FailAnswers makes every Answer fail with err. A nil err clears it.
func (c *Conn) FailAnswers(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answerErr = err
}

func (c *Conn) SetRole(chatID, userID int64, r transport.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles[[2]int64{chatID, userID}] = r
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) AllSent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// SentTo returns messages sent to chatID.
func (c *Conn) SentTo(chatID int64) []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Sent
	for _, s := range c.sent {
		if s.Target.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (c *Conn) Cleared() []transport.MessageRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.MessageRef(nil), c.cleared...)
}

func (c *Conn) Answers() []Answer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Answer(nil), c.answers...)
}

func (c *Conn) Deleted() []transport.MessageRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.MessageRef(nil), c.deleted...)
}

// Reset drops recorded outbound calls.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
	c.cleared = nil
	c.answers = nil
	c.deleted = nil
}

// WaitSent waits until at least n messages were sent.
func (c *Conn) WaitSent(n int, timeout time.Duration) ([]Sent, bool) {
	deadline := time.Now().Add(timeout)
	for {
		s := c.AllSent()
		if len(s) >= n {
			return s, true
		}
		if time.Now().After(deadline) {
			return s, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Gateway implements transport.Gateway over Conns created on Open.
type Gateway struct {
	mu       sync.Mutex
	bots     map[string]transport.Identity
	openErr  map[string]error
	conns    map[int64][]*Conn
	opens    map[int64]int
	holds    map[string]*openHold
	identify int
}

type openHold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

var _ transport.Gateway = (*Gateway)(nil)

func NewGateway() *Gateway {
	return &Gateway{
		bots:    map[string]transport.Identity{},
		openErr: map[string]error{},
		conns:   map[int64][]*Conn{},
		opens:   map[int64]int{},
		holds:   map[string]*openHold{},
	}
}

// AddBot makes credential valid for id.
func (g *Gateway) AddBot(credential string, id transport.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bots[credential] = id
}

// FailOpen makes Open(credential) fail with err. A nil err clears it.
func (g *Gateway) FailOpen(credential string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.openErr, credential)
		return
	}
	g.openErr[credential] = err
}

func (g *Gateway) Identify(ctx context.Context, credential string) (transport.Identity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.identify++
	id, ok := g.bots[credential]
	if !ok {
		return transport.Identity{}, fmt.Errorf("%w: unknown token", transport.ErrUnauthorized)
	}
	return id, nil
}

// HoldOpen makes the next Open(credential) block until release is called.
// entered is closed once that Open is waiting.
func (g *Gateway) HoldOpen(credential string) (entered <-chan struct{}, release func()) {
	h := &openHold{entered: make(chan struct{}), release: make(chan struct{})}
	g.mu.Lock()
	g.holds[credential] = h
	g.mu.Unlock()
	return h.entered, func() { h.once.Do(func() { close(h.release) }) }
}

func (g *Gateway) Open(ctx context.Context, credential string) (transport.Conn, error) {
	g.mu.Lock()
	h := g.holds[credential]
	delete(g.holds, credential)
	g.mu.Unlock()
	if h != nil {
		close(h.entered)
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.openErr[credential]; err != nil {
		return nil, err
	}
	id, ok := g.bots[credential]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", transport.ErrUnauthorized)
	}
	c := NewConn(id)
	g.conns[id.ID] = append(g.conns[id.ID], c)
	g.opens[id.ID]++
	return c, nil
}

// Opens returns how many connections were opened for bot id.
func (g *Gateway) Opens(id int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opens[id]
}

// Latest returns the most recently opened connection for bot id.
func (g *Gateway) Latest(id int64) *Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs := g.conns[id]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// LiveConns counts open (not closed) connections for bot id.
func (g *Gateway) LiveConns(id int64) int {
	g.mu.Lock()
	cs := append([]*Conn(nil), g.conns[id]...)
	g.mu.Unlock()
	n := 0
	for _, c := range cs {
		if !c.Closed() {
			n++
		}
	}
	return n
}

func (g *Gateway) IdentifyCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identify
}
