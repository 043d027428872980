package busbind

import (
	"fmt"
	"reflect"
)

// TypeError is the error returned when a native type cannot be
// represented in the wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("busbind cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// ValidationError is the error returned when an interface
// description is internally inconsistent. It is fatal to the
// construction of that interface only.
type ValidationError struct {
	// Interface is the dotted name of the interface, if known.
	Interface string
	// Member is the native name of the offending member.
	Member string
	// Reason is an explanation of what is wrong with the member.
	Reason error
}

func (e ValidationError) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("invalid interface %q: %s", e.Interface, e.Reason)
	}
	return fmt.Sprintf("invalid member %q of interface %q: %s", e.Member, e.Interface, e.Reason)
}

func (e ValidationError) Unwrap() error {
	return e.Reason
}

// CallError is the error returned from failed method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// TypeMismatchError is the error returned when a method reply body
// does not have the shape the interface description promised.
type TypeMismatchError struct {
	// Want is the declared reply signature.
	Want Signature
	// Got is the signature the peer actually sent.
	Got Signature
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("reply signature %q does not match declared %q", e.Got, e.Want)
}

// DecodeError is the error returned when a signal message matches a
// subscription's identity but carries a wrong-shaped body. The
// subscription stays alive; a misbehaving emitter is an expected
// condition, not a programming error.
type DecodeError struct {
	// Interface and Member identify the signal.
	Interface string
	Member    string
	// Want is the declared argument signature, Got the one received.
	Want Signature
	Got  Signature
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("signal %s.%s: body signature %q does not match declared %q",
		e.Interface, e.Member, e.Got, e.Want)
}

// Well-known error names used in error replies.
const (
	errNameFailed        = "org.freedesktop.DBus.Error.Failed"
	errNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	errNameUnknownProp   = "org.freedesktop.DBus.Error.UnknownProperty"
	errNameReadOnly      = "org.freedesktop.DBus.Error.PropertyReadOnly"
)
