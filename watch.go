package busbind

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/mds/queue"
)

const maxSubscriptionQueue = 20

// Subscription delivers occurrences of one declared signal. Matching
// against inbound messages is structural (interface, member, bound
// object path) and never touches the message body; decoding the
// arguments is deferred until [SignalEvent.Decode].
type Subscription struct {
	iface string
	spec  *SignalSpec
	rule  *MatchRule

	cancel func()
	events chan *SignalEvent

	wakePump    chan struct{}
	stopPump    chan struct{}
	pumpStopped chan struct{}
	recvDone    chan struct{}

	mu    sync.Mutex
	queue queue.Queue[*SignalEvent]
}

func newSubscription(ctx context.Context, t Transport, rule *MatchRule, iface string, spec *SignalSpec) (*Subscription, error) {
	msgs, cancel, err := t.Subscribe(ctx, rule)
	if err != nil {
		return nil, err
	}
	s := &Subscription{
		iface:       iface,
		spec:        spec,
		rule:        rule,
		cancel:      cancel,
		events:      make(chan *SignalEvent),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		recvDone:    make(chan struct{}),
	}
	go s.pump()
	go s.recv(msgs)
	return s, nil
}

// Chan returns the channel on which matched signals are delivered.
//
// The caller must drain the channel promptly. If it falls behind,
// the subscription discards signals and marks the Overflow field of
// the event that precedes the gap. The channel is closed when the
// subscription is closed or the transport drops it.
func (s *Subscription) Chan() <-chan *SignalEvent {
	return s.events
}

// Signal returns the signal description this subscription matches.
func (s *Subscription) Signal() *SignalSpec { return s.spec }

// Close drops the subscription. Buffered and future messages are
// discarded without side effects. Close is idempotent.
func (s *Subscription) Close() {
	select {
	case <-s.pumpStopped:
		return
	default:
	}

	s.cancel()
	close(s.stopPump)
	<-s.pumpStopped

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Clear()
}

func (s *Subscription) recv(msgs <-chan *Message) {
	defer close(s.recvDone)
	for msg := range msgs {
		s.deliver(msg)
	}
	// Transport closed the stream; wake the pump so it can drain
	// and close the event channel.
	select {
	case s.wakePump <- struct{}{}:
	default:
	}
}

// deliver enqueues msg if it matches the subscription's identity.
// The check is cheap and infallible: a non-matching message yields
// nothing at all, it is not an error.
func (s *Subscription) deliver(msg *Message) {
	if !s.rule.Matches(msg) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.pumpStopped:
		// Raced with a Close, this subscription is done.
		return
	default:
	}

	if s.queue.Len() >= maxSubscriptionQueue {
		last, _ := s.queue.Peek(-1)
		last.Overflow = true
		return
	}
	s.queue.Add(&SignalEvent{
		Path:   msg.Path,
		Sender: msg.Sender,
		iface:  s.iface,
		spec:   s.spec,
		msg:    msg,
	})
	if s.queue.Len() == 1 {
		select {
		case s.wakePump <- struct{}{}:
		default:
		}
	}
}

func (s *Subscription) pump() {
	defer close(s.pumpStopped)
	defer close(s.events)
	for {
		ev := func() *SignalEvent {
			s.mu.Lock()
			defer s.mu.Unlock()
			ret, _ := s.queue.Pop()
			return ret
		}()
		if ev == nil {
			select {
			case <-s.stopPump:
				return
			case <-s.recvDone:
				return
			case <-s.wakePump:
				continue
			}
		}
		select {
		case s.events <- ev:
		case <-s.stopPump:
			return
		}
	}
}

// SignalEvent is one matched occurrence of a subscribed signal. The
// arguments are not decoded until the caller asks for them.
type SignalEvent struct {
	// Path is the object that emitted the signal.
	Path ObjectPath
	// Sender is the emitting peer, if the bus filled it in.
	Sender string
	// Overflow reports that the subscription discarded signals that
	// followed this one because the caller was not draining the
	// event channel.
	Overflow bool

	iface string
	spec  *SignalSpec
	msg   *Message
}

// Decode unmarshals the signal's arguments into the given pointers,
// one per declared argument.
//
// A message can match a signal's identity yet carry a wrong-shaped
// body, because the emitter is outside our control. That case
// returns a [DecodeError], which is distinct from the message never
// having been delivered; the subscription stays alive either way.
func (e *SignalEvent) Decode(dest ...any) error {
	if len(dest) != len(e.spec.Args) {
		return fmt.Errorf("signal %s.%s has %d arguments, got %d destinations",
			e.iface, e.spec.Wire(), len(e.spec.Args), len(dest))
	}

	want := e.spec.ArgsSignature()
	if e.msg.Signature.String() != want.String() || len(e.msg.Body) != len(e.spec.Args) {
		return DecodeError{
			Interface: e.iface,
			Member:    e.spec.Wire(),
			Want:      want,
			Got:       e.msg.Signature,
		}
	}

	for i, arg := range e.spec.Args {
		got, err := SignatureOf(e.msg.Body[i])
		if err != nil {
			return err
		}
		if got.String() != arg.Type.String() {
			return DecodeError{
				Interface: e.iface,
				Member:    e.spec.Wire(),
				Want:      want,
				Got:       e.msg.Signature,
			}
		}
		if err := assignTo(dest[i], e.msg.Body[i]); err != nil {
			return err
		}
	}
	return nil
}
