// Package busbindtest provides an in-memory message bus for tests.
//
// The bus routes [busbind.Message] values between connections
// without serializing them: calls are delivered to exported
// handlers, replies are correlated back to the caller by serial,
// and signals fan out to every matching subscription. A connection
// implements [busbind.Transport], so proxies, dispatchers, and
// subscriptions can be exercised end to end without a real bus.
package busbindtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/busbind/busbind"
	"github.com/creachadair/mds/mapset"
)

// A Handler consumes method calls delivered to an exported object
// path. [busbind.Dispatcher] implements Handler.
type Handler interface {
	HandleMessage(ctx context.Context, msg *busbind.Message) error
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(ctx context.Context, msg *busbind.Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *busbind.Message) error {
	return f(ctx, msg)
}

// Bus is an in-memory message bus.
type Bus struct {
	mu         sync.Mutex
	lastSerial uint32
	conns      map[string]*Conn
}

// NewBus returns an empty bus with no connections.
func NewBus() *Bus {
	return &Bus{conns: map[string]*Conn{}}
}

// Connect attaches a new connection under the given bus name. The
// name must not already be taken.
func (b *Bus) Connect(name string) (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[name]; ok {
		return nil, fmt.Errorf("bus name %q is already taken", name)
	}
	c := &Conn{
		bus:     b,
		name:    name,
		exports: map[busbind.ObjectPath]Handler{},
		calls:   map[uint32]*pendingCall{},
		subs:    mapset.New[*subscription](),
	}
	b.conns[name] = c
	return c, nil
}

func (b *Bus) nextSerial() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSerial++
	return b.lastSerial
}

func (b *Bus) conn(name string) *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[name]
}

// Conn is one connection to a [Bus]. It implements
// [busbind.Transport].
type Conn struct {
	bus  *Bus
	name string

	mu      sync.Mutex
	closed  bool
	exports map[busbind.ObjectPath]Handler
	calls   map[uint32]*pendingCall
	subs    mapset.Set[*subscription]
}

type pendingCall struct {
	notify chan struct{}
	resp   *busbind.Message
}

type subscription struct {
	rule *busbind.MatchRule

	mu     sync.Mutex
	closed bool
	ch     chan *busbind.Message
}

func (s *subscription) deliver(msg *busbind.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- msg
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Name returns the connection's bus name.
func (c *Conn) Name() string { return c.name }

// Export registers h to receive method calls addressed to path on
// this connection.
func (c *Conn) Export(path busbind.ObjectPath, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exports[path.Clean()] = h
}

// Close detaches the connection from the bus. Subscription channels
// are closed and in-flight calls fail.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	calls := c.calls
	c.calls = map[uint32]*pendingCall{}
	subs := c.subs
	c.subs = mapset.New[*subscription]()
	c.mu.Unlock()

	c.bus.mu.Lock()
	delete(c.bus.conns, c.name)
	c.bus.mu.Unlock()

	for _, p := range calls {
		close(p.notify)
	}
	for sub := range subs {
		sub.close()
	}
	return nil
}

// Send routes one message through the bus. A zero Serial gets one
// assigned, and Sender is stamped with the connection's name.
func (c *Conn) Send(ctx context.Context, msg *busbind.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("connection %q is closed", c.name)
	}

	m := *msg
	if m.Serial == 0 {
		m.Serial = c.bus.nextSerial()
	}
	m.Sender = c.name
	if err := m.Valid(); err != nil {
		return err
	}

	switch m.Kind {
	case busbind.KindCall:
		dest := c.bus.conn(m.Destination)
		if dest == nil {
			return fmt.Errorf("no connection named %q", m.Destination)
		}
		dest.mu.Lock()
		h := dest.exports[m.Path.Clean()]
		dest.mu.Unlock()
		if h == nil {
			return fmt.Errorf("connection %q exports nothing at %s", m.Destination, m.Path)
		}
		// Handlers reply through their own connection; deliver
		// asynchronously so Send never deadlocks on the reply.
		go h.HandleMessage(ctx, &m)
		return nil
	case busbind.KindReturn, busbind.KindError:
		dest := c.bus.conn(m.Destination)
		if dest == nil {
			return fmt.Errorf("no connection named %q", m.Destination)
		}
		dest.completeCall(&m)
		return nil
	case busbind.KindSignal:
		c.bus.mu.Lock()
		conns := make([]*Conn, 0, len(c.bus.conns))
		for _, conn := range c.bus.conns {
			conns = append(conns, conn)
		}
		c.bus.mu.Unlock()
		for _, conn := range conns {
			conn.deliverSignal(&m)
		}
		return nil
	default:
		return fmt.Errorf("cannot send message of kind %v", m.Kind)
	}
}

// Call sends a method call and blocks until its reply arrives or ctx
// ends. Replies may complete in any order relative to other calls in
// flight on the same connection.
func (c *Conn) Call(ctx context.Context, msg *busbind.Message) (*busbind.Message, error) {
	if msg.Kind != busbind.KindCall {
		return nil, fmt.Errorf("cannot Call with message of kind %v", msg.Kind)
	}

	m := *msg
	m.Serial = c.bus.nextSerial()
	pend := &pendingCall{notify: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection %q is closed", c.name)
	}
	c.calls[m.Serial] = pend
	c.mu.Unlock()

	if err := c.Send(ctx, &m); err != nil {
		c.mu.Lock()
		delete(c.calls, m.Serial)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.calls, m.Serial)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-pend.notify:
		if pend.resp == nil {
			return nil, fmt.Errorf("connection %q closed during call", c.name)
		}
		return pend.resp, nil
	}
}

func (c *Conn) completeCall(msg *busbind.Message) {
	c.mu.Lock()
	pend := c.calls[msg.ReplySerial]
	delete(c.calls, msg.ReplySerial)
	c.mu.Unlock()
	if pend == nil {
		return
	}
	pend.resp = msg
	close(pend.notify)
}

// Subscribe registers interest in signals matching rule. The
// returned cancel func removes the subscription and closes the
// channel.
func (c *Conn) Subscribe(ctx context.Context, rule *busbind.MatchRule) (<-chan *busbind.Message, func(), error) {
	sub := &subscription{
		rule: rule,
		ch:   make(chan *busbind.Message, 16),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("connection %q is closed", c.name)
	}
	c.subs.Add(sub)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		c.subs.Remove(sub)
		c.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

func (c *Conn) deliverSignal(msg *busbind.Message) {
	c.mu.Lock()
	var match []*subscription
	for sub := range c.subs {
		if sub.rule.Matches(msg) {
			match = append(match, sub)
		}
	}
	c.mu.Unlock()
	for _, sub := range match {
		sub.deliver(msg)
	}
}
