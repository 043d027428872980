package busbind

import (
	"context"
	"fmt"
	"reflect"

	"github.com/creachadair/mds/value"
)

// Proxy is the client side of one interface on a remote object. It
// marshals calls, checks reply shapes against the interface
// description, and routes property access through the standard
// Properties interface.
//
// A Proxy holds the transport as a capability; it never opens or
// closes connections itself.
type Proxy struct {
	t     Transport
	dest  string
	path  ObjectPath
	iface *InterfaceSpec
}

// NewProxy returns a proxy for iface on the object at path offered
// by the peer dest. The interface description is validated once
// here; generated bindings construct proxies through this.
func NewProxy(t Transport, dest string, path ObjectPath, iface *InterfaceSpec) (*Proxy, error) {
	if err := iface.Validate(); err != nil {
		return nil, err
	}
	return &Proxy{t: t, dest: dest, path: path.Clean(), iface: iface}, nil
}

// Interface returns the interface description the proxy speaks.
func (p *Proxy) Interface() *InterfaceSpec { return p.iface }

// Path returns the object path the proxy is bound to.
func (p *Proxy) Path() ObjectPath { return p.path }

func (p *Proxy) String() string {
	return fmt.Sprintf("%s:%s:%s", p.dest, p.path, p.iface.Name)
}

// Call invokes method (native or wire name) with the given
// positional inputs, and writes the reply values into the out
// pointers, one per declared output.
//
// A reply whose signature disagrees with the declared outputs fails
// with [TypeMismatchError]; a remote failure surfaces as
// [CallError]. Either way the error is returned, never swallowed.
func (p *Proxy) Call(ctx context.Context, method string, in []any, out ...any) error {
	m := p.iface.Method(method)
	if m == nil {
		return fmt.Errorf("interface %s has no method %q", p.iface.Name, method)
	}
	if len(in) != len(m.In) {
		return fmt.Errorf("method %s.%s takes %d arguments, got %d", p.iface.Name, m.Wire(), len(m.In), len(in))
	}
	if len(out) != len(m.Out) {
		return fmt.Errorf("method %s.%s returns %d values, got %d destinations", p.iface.Name, m.Wire(), len(m.Out), len(out))
	}
	inSig, err := bodySignature(in)
	if err != nil {
		return err
	}
	if want := m.InSignature(); inSig.String() != want.String() {
		return fmt.Errorf("method %s.%s wants input signature %q, got %q", p.iface.Name, m.Wire(), want, inSig)
	}

	reply, err := p.call(ctx, p.iface.Name, m.Wire(), inSig, in)
	if err != nil {
		return err
	}
	if want := m.ReplySignature(); reply.Signature.String() != want.String() {
		return TypeMismatchError{Want: want, Got: reply.Signature}
	}

	switch len(m.Out) {
	case 0:
		return nil
	case 1:
		return assignTo(out[0], body0(reply))
	default:
		// The reply body is one struct value; unpack it into the
		// callers' destinations field by field.
		return unpackStruct(body0(reply), out)
	}
}

// Get reads the property with the given native or wire name into
// dest. The read goes through org.freedesktop.DBus.Properties, not
// the interface's own method namespace.
func (p *Proxy) Get(ctx context.Context, property string, dest any) error {
	prop := p.iface.Property(property)
	if prop == nil {
		return fmt.Errorf("interface %s has no property %q", p.iface.Name, property)
	}
	if !prop.Access.Readable() {
		return fmt.Errorf("property %s.%s is not readable", p.iface.Name, prop.Wire())
	}

	in := []any{p.iface.Name, prop.Wire()}
	reply, err := p.call(ctx, propertiesInterface.Name, "Get", MustParseSignature("ss"), in)
	if err != nil {
		return err
	}
	v, ok := body0(reply).(Variant)
	if !ok {
		return TypeMismatchError{Want: MustParseSignature("v"), Got: reply.Signature}
	}
	got, err := SignatureOf(v.Value)
	if err != nil {
		return err
	}
	if got.String() != prop.Type.String() {
		return TypeMismatchError{Want: prop.Type, Got: got}
	}
	return assignTo(dest, v.Value)
}

// Set writes the property with the given native or wire name.
// Read-only and constant properties fail locally, without a bus
// round trip.
func (p *Proxy) Set(ctx context.Context, property string, v any) error {
	prop := p.iface.Property(property)
	if prop == nil {
		return fmt.Errorf("interface %s has no property %q", p.iface.Name, property)
	}
	if prop.Notify == NotifyConst {
		return fmt.Errorf("property %s.%s is constant", p.iface.Name, prop.Wire())
	}
	if !prop.Access.Writable() {
		return fmt.Errorf("property %s.%s is not writable", p.iface.Name, prop.Wire())
	}
	got, err := SignatureOf(v)
	if err != nil {
		return err
	}
	if got.String() != prop.Type.String() {
		return TypeMismatchError{Want: prop.Type, Got: got}
	}

	in := []any{p.iface.Name, prop.Wire(), Variant{v}}
	_, err = p.call(ctx, propertiesInterface.Name, "Set", MustParseSignature("ssv"), in)
	return err
}

// GetAll returns all readable properties of the interface.
func (p *Proxy) GetAll(ctx context.Context) (map[string]any, error) {
	in := []any{p.iface.Name}
	reply, err := p.call(ctx, propertiesInterface.Name, "GetAll", MustParseSignature("s"), in)
	if err != nil {
		return nil, err
	}
	props, ok := body0(reply).(map[string]Variant)
	if !ok {
		return nil, TypeMismatchError{Want: MustParseSignature("a{sv}"), Got: reply.Signature}
	}
	ret := make(map[string]any, len(props))
	for k, v := range props {
		ret[k] = v.Value
	}
	return ret, nil
}

// Subscribe starts delivery of the signal with the given native or
// wire name, filtered to this proxy's interface, member and object
// path. Decoding of each delivery is deferred until the caller asks
// for the arguments.
func (p *Proxy) Subscribe(ctx context.Context, signal string) (*Subscription, error) {
	s := p.iface.Signal(signal)
	if s == nil {
		return nil, fmt.Errorf("interface %s has no signal %q", p.iface.Name, signal)
	}
	rule := &MatchRule{
		Interface: p.iface.Name,
		Member:    s.Wire(),
		Path:      value.Just(p.path),
	}
	return newSubscription(ctx, p.t, rule, p.iface.Name, s)
}

func (p *Proxy) call(ctx context.Context, iface, member string, sig Signature, body []any) (*Message, error) {
	msg := &Message{
		Kind:        KindCall,
		Path:        p.path,
		Interface:   iface,
		Member:      member,
		Destination: p.dest,
		Signature:   sig,
		Body:        body,
	}
	reply, err := p.t.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply.Kind == KindError {
		detail := ""
		if s, ok := body0(reply).(string); ok {
			detail = s
		}
		return nil, CallError{Name: reply.ErrName, Detail: detail}
	}
	return reply, nil
}

func body0(m *Message) any {
	if len(m.Body) == 0 {
		return nil
	}
	return m.Body[0]
}

func unpackStruct(v any, out []any) error {
	sv := reflect.ValueOf(v)
	if sv.Kind() != reflect.Struct || sv.NumField() != len(out) {
		return fmt.Errorf("reply body is %T, want a struct with %d fields", v, len(out))
	}
	for i := range out {
		if err := assignTo(out[i], sv.Field(i).Interface()); err != nil {
			return fmt.Errorf("reply value %d: %w", i, err)
		}
	}
	return nil
}
