package busbind

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/creachadair/mds/value"
)

// ObjectPath is the path of an object exposed by a bus peer.
type ObjectPath string

// Clean returns the path with trailing slashes removed. The root
// path "/" is returned unchanged.
func (p ObjectPath) Clean() ObjectPath {
	s := string(p)
	for len(s) > 1 && strings.HasSuffix(s, "/") {
		s = s[:len(s)-1]
	}
	return ObjectPath(s)
}

// IsChildOf reports whether p is located under parent in the object
// tree.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	parent = parent.Clean()
	if parent == "/" {
		return p != "/"
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

func (p ObjectPath) String() string { return string(p) }

// Variant is a value paired with its runtime signature, the wire
// format's escape hatch for dynamically typed values.
type Variant struct {
	Value any
}

// Signature returns the signature of the contained value.
func (v Variant) Signature() (Signature, error) {
	return SignatureOf(v.Value)
}

// MessageKind is the kind of a bus message.
type MessageKind byte

const (
	KindCall MessageKind = iota + 1
	KindReturn
	KindError
	KindSignal
)

func (k MessageKind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one bus message. The body carries decoded values; the
// byte-level encoding is the transport codec's concern, not ours.
type Message struct {
	Kind MessageKind

	// Serial is the sender-assigned id of this message. Replies are
	// correlated to calls by serial, not by arrival order.
	Serial uint32
	// ReplySerial is the serial of the call this message answers.
	// Required for KindReturn and KindError.
	ReplySerial uint32

	// Path is the target object for a call, the source object for a
	// signal.
	Path ObjectPath
	// Interface and Member name the method or signal.
	Interface string
	Member    string

	Destination string
	Sender      string

	// ErrName is the error name, for KindError.
	ErrName string

	// Signature describes Body. It is the sender's claim about the
	// body's shape and may disagree with what a receiver expects.
	Signature Signature
	Body      []any
}

// Valid checks that the message carries the fields its kind
// requires.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return errors.New("message with zero serial")
	}
	switch m.Kind {
	case KindCall, KindSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return fmt.Errorf("%s message missing path, interface or member", m.Kind)
		}
	case KindReturn:
		if m.ReplySerial == 0 {
			return errors.New("return message with zero reply serial")
		}
	case KindError:
		if m.ReplySerial == 0 || m.ErrName == "" {
			return errors.New("error message missing reply serial or error name")
		}
	default:
		return fmt.Errorf("unknown message kind %d", m.Kind)
	}
	return nil
}

// BodySignature computes the signature of the message's body from
// the values it actually carries, which may differ from the declared
// Signature field on a malformed or hostile message.
func (m *Message) BodySignature() (Signature, error) {
	return bodySignature(m.Body)
}

// bodySignature computes the signature of a positional body.
func bodySignature(body []any) (Signature, error) {
	if len(body) == 0 {
		return Signature{}, nil
	}
	if len(body) == 1 {
		return SignatureOf(body[0])
	}
	var b strings.Builder
	for _, v := range body {
		s, err := SignatureOf(v)
		if err != nil {
			return Signature{}, err
		}
		b.WriteString(s.String())
	}
	return ParseSignature(b.String())
}

// MatchRule selects which inbound signal messages a subscriber
// receives: an interface/member identity plus optional sender and
// object path restrictions. Matching is structural and never
// inspects a message body.
type MatchRule struct {
	Interface string
	Member    string
	Path      value.Maybe[ObjectPath]
	Sender    value.Maybe[string]
}

// Matches reports whether the rule selects msg.
func (r *MatchRule) Matches(msg *Message) bool {
	if msg.Kind != KindSignal {
		return false
	}
	if r.Interface != "" && msg.Interface != r.Interface {
		return false
	}
	if r.Member != "" && msg.Member != r.Member {
		return false
	}
	if p, ok := r.Path.GetOK(); ok && msg.Path.Clean() != p.Clean() {
		return false
	}
	if s, ok := r.Sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	return true
}

// FilterString returns the rule in the string form buses expect for
// AddMatch.
func (r *MatchRule) FilterString() string {
	ms := []string{"type='signal'"}
	kv := func(k, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}
	if s, ok := r.Sender.GetOK(); ok {
		kv("sender", s)
	}
	if p, ok := r.Path.GetOK(); ok {
		kv("path", p.String())
	}
	if r.Interface != "" {
		kv("interface", r.Interface)
	}
	if r.Member != "" {
		kv("member", r.Member)
	}
	return strings.Join(ms, ",")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}

// Transport is the connection capability handed to proxies and
// dispatchers. Implementations own authentication, framing and byte
// encoding; this package never creates or closes one.
type Transport interface {
	// Send transmits msg without waiting for an answer.
	Send(ctx context.Context, msg *Message) error
	// Call transmits a call message and blocks for the reply
	// correlated to its serial. Replies may arrive in any order
	// relative to other in-flight calls.
	Call(ctx context.Context, msg *Message) (*Message, error)
	// Subscribe requests delivery of signal messages selected by
	// rule. The cancel function drops the subscription and any
	// buffered messages.
	Subscribe(ctx context.Context, rule *MatchRule) (<-chan *Message, func(), error)
}

// assignTo writes v into the pointer dest, converting structurally
// equivalent shapes (the same wire signature spelled as different
// native types, such as a generated struct type for a wire struct).
func assignTo(dest any, v any) error {
	rv := reflect.ValueOf(dest)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("decode destination must be a non-nil pointer")
	}
	sv := reflect.ValueOf(v)
	if !sv.IsValid() {
		if rv.Elem().Kind() == reflect.Interface {
			rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
			return nil
		}
		return fmt.Errorf("cannot decode nil into %s", rv.Elem().Type())
	}
	got, err := convertValue(sv, rv.Elem().Type())
	if err != nil {
		return err
	}
	rv.Elem().Set(got)
	return nil
}

func convertValue(sv reflect.Value, dt reflect.Type) (reflect.Value, error) {
	st := sv.Type()
	if st.AssignableTo(dt) {
		return sv, nil
	}
	switch {
	case dt.Kind() == reflect.Interface && st.Implements(dt):
		return sv, nil
	case st.Kind() == reflect.Struct && dt.Kind() == reflect.Struct:
		if sv.NumField() != dt.NumField() {
			break
		}
		out := reflect.New(dt).Elem()
		for i := 0; i < sv.NumField(); i++ {
			fv, err := convertValue(sv.Field(i), dt.Field(i).Type)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(fv)
		}
		return out, nil
	case st.Kind() == reflect.Slice && dt.Kind() == reflect.Slice:
		out := reflect.MakeSlice(dt, sv.Len(), sv.Len())
		for i := 0; i < sv.Len(); i++ {
			ev, err := convertValue(sv.Index(i), dt.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	case st.Kind() == reflect.Map && dt.Kind() == reflect.Map:
		out := reflect.MakeMapWithSize(dt, sv.Len())
		iter := sv.MapRange()
		for iter.Next() {
			kv, err := convertValue(iter.Key(), dt.Key())
			if err != nil {
				return reflect.Value{}, err
			}
			vv, err := convertValue(iter.Value(), dt.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(kv, vv)
		}
		return out, nil
	case st.Kind() == dt.Kind() && st.ConvertibleTo(dt):
		// Same kind, different named type (e.g. ObjectPath vs a
		// local string alias).
		return sv.Convert(dt), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot decode %s into %s", st, dt)
}
