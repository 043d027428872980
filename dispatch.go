package busbind

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Dispatcher is the server side of one interface on one object
// path: a routing table from wire method name to handler, a property
// store that honors each property's change-notification contract,
// and signal emission helpers.
type Dispatcher struct {
	t     Transport
	path  ObjectPath
	iface *InterfaceSpec

	mu       sync.Mutex
	handlers map[string]handlerFunc
	props    map[string]any
}

type handlerFunc func(ctx context.Context, in []any) ([]any, error)

// NewDispatcher returns a dispatcher serving iface on the object at
// path. Properties start at the zero value of their type; use
// [Dispatcher.InitProperty] to give them construction-time values.
func NewDispatcher(t Transport, path ObjectPath, iface *InterfaceSpec) (*Dispatcher, error) {
	if err := iface.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		t:        t,
		path:     path.Clean(),
		iface:    iface,
		handlers: make(map[string]handlerFunc, len(iface.Methods)),
		props:    make(map[string]any, len(iface.Properties)),
	}
	for _, p := range iface.Properties {
		d.props[p.Wire()] = reflect.Zero(p.Type.Type()).Interface()
	}
	return d, nil
}

// Interface returns the interface description the dispatcher serves.
func (d *Dispatcher) Interface() *InterfaceSpec { return d.iface }

// Path returns the object path the dispatcher serves.
func (d *Dispatcher) Path() ObjectPath { return d.path }

// Handle registers fn as the handler for the method with the given
// native or wire name. fn must have the shape
//
//	func(ctx context.Context, in...) (out..., error)
//
// with one parameter per declared input and one result per declared
// output, each matching the declared wire signature. Handle panics
// on a mismatched handler, which is a programming error; generated
// bindings always register well-shaped handlers.
func (d *Dispatcher) Handle(method string, fn any) {
	m := d.iface.Method(method)
	if m == nil {
		panic(fmt.Errorf("interface %s has no method %q", d.iface.Name, method))
	}

	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Errorf("handler for %s.%s is %s, not a function", d.iface.Name, m.Wire(), t))
	}
	if t.NumIn() != len(m.In)+1 || t.In(0) != reflect.TypeFor[context.Context]() {
		panic(fmt.Errorf("handler for %s.%s must take (context.Context, %d inputs)", d.iface.Name, m.Wire(), len(m.In)))
	}
	if t.NumOut() != len(m.Out)+1 || !t.Out(t.NumOut()-1).Implements(reflect.TypeFor[error]()) {
		panic(fmt.Errorf("handler for %s.%s must return (%d outputs, error)", d.iface.Name, m.Wire(), len(m.Out)))
	}
	for i, arg := range m.In {
		checkArgType(d.iface.Name, m.Wire(), t.In(i+1), arg)
	}
	for i, arg := range m.Out {
		checkArgType(d.iface.Name, m.Wire(), t.Out(i), arg)
	}

	handler := func(ctx context.Context, in []any) ([]any, error) {
		args := make([]reflect.Value, 0, len(in)+1)
		args = append(args, reflect.ValueOf(ctx))
		for i, bodyVal := range in {
			av, err := convertValue(reflect.ValueOf(bodyVal), t.In(i+1))
			if err != nil {
				return nil, err
			}
			args = append(args, av)
		}
		rets := v.Call(args)
		if err, _ := rets[len(rets)-1].Interface().(error); err != nil {
			return nil, err
		}
		out := make([]any, len(rets)-1)
		for i := range out {
			out[i] = rets[i].Interface()
		}
		return out, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[m.Wire()] = handler
}

func checkArgType(iface, method string, t reflect.Type, arg ArgSpec) {
	sig, err := signatureFor(t, nil)
	if err != nil {
		panic(fmt.Errorf("handler for %s.%s: %w", iface, method, err))
	}
	if sig.String() != arg.Type.String() {
		panic(fmt.Errorf("handler for %s.%s: argument %q has signature %q, want %q",
			iface, method, arg.Name, sig, arg.Type))
	}
}

// HandleMessage dispatches an inbound message and sends the reply,
// if one is due, over the dispatcher's transport.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *Message) error {
	reply := d.Dispatch(ctx, msg)
	if reply == nil {
		return nil
	}
	return d.t.Send(ctx, reply)
}

// Dispatch routes one inbound method call and returns the reply
// message, or nil if the message is not a call for this object.
// Remote mistakes (unknown member, mismatched arguments) produce
// error replies, not local errors.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) *Message {
	if msg.Kind != KindCall || msg.Path.Clean() != d.path {
		return nil
	}

	var (
		out []any
		err error
	)
	switch msg.Interface {
	case d.iface.Name:
		out, err = d.dispatchCall(ctx, msg)
	case introspectableInterface.Name:
		if msg.Member != "Introspect" {
			err = CallError{Name: errNameUnknownMethod, Detail: msg.Member}
			break
		}
		out = []any{d.Introspect()}
	case peerInterface.Name:
		out, err = d.dispatchPeer(msg)
	case propertiesInterface.Name:
		out, err = d.dispatchProperties(ctx, msg)
	default:
		err = CallError{Name: errNameUnknownMethod, Detail: fmt.Sprintf("unknown interface %q", msg.Interface)}
	}

	reply := &Message{
		Kind:        KindReturn,
		ReplySerial: msg.Serial,
		Destination: msg.Sender,
	}
	if err != nil {
		reply.Kind = KindError
		var ce CallError
		if errors.As(err, &ce) {
			reply.ErrName = ce.Name
			err = errors.New(ce.Detail)
		} else {
			reply.ErrName = errNameFailed
		}
		reply.Signature = MustParseSignature("s")
		reply.Body = []any{err.Error()}
		return reply
	}

	reply.Body = out
	if sig, serr := bodySignature(out); serr == nil {
		reply.Signature = sig
	}
	return reply
}

func (d *Dispatcher) dispatchCall(ctx context.Context, msg *Message) ([]any, error) {
	m := d.iface.Method(msg.Member)
	if m == nil || m.Wire() != msg.Member {
		return nil, CallError{Name: errNameUnknownMethod, Detail: fmt.Sprintf("no method %q on %s", msg.Member, d.iface.Name)}
	}
	d.mu.Lock()
	handler := d.handlers[m.Wire()]
	d.mu.Unlock()
	if handler == nil {
		return nil, CallError{Name: errNameUnknownMethod, Detail: fmt.Sprintf("method %q is not implemented", msg.Member)}
	}
	if msg.Signature.String() != m.InSignature().String() {
		return nil, CallError{
			Name:   errNameInvalidArgs,
			Detail: fmt.Sprintf("call signature %q, want %q", msg.Signature, m.InSignature()),
		}
	}

	out, err := handler(ctx, msg.Body)
	if err != nil {
		return nil, err
	}
	if len(out) <= 1 {
		return out, nil
	}
	// One reply body per method: pack several outputs into a single
	// struct value matching the declared reply signature.
	st := reflect.New(m.ReplySignature().Type()).Elem()
	for i, v := range out {
		fv, err := convertValue(reflect.ValueOf(v), st.Field(i).Type())
		if err != nil {
			return nil, err
		}
		st.Field(i).Set(fv)
	}
	return []any{st.Interface()}, nil
}

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

func (d *Dispatcher) dispatchPeer(msg *Message) ([]any, error) {
	switch msg.Member {
	case "Ping":
		return nil, nil
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			return nil, err
		}
		return []any{id}, nil
	default:
		return nil, CallError{Name: errNameUnknownMethod, Detail: msg.Member}
	}
}

func (d *Dispatcher) dispatchProperties(ctx context.Context, msg *Message) ([]any, error) {
	argErr := func(format string, args ...any) error {
		return CallError{Name: errNameInvalidArgs, Detail: fmt.Sprintf(format, args...)}
	}

	switch msg.Member {
	case "Get":
		if len(msg.Body) != 2 {
			return nil, argErr("Get takes (interface, property)")
		}
		iface, _ := msg.Body[0].(string)
		name, _ := msg.Body[1].(string)
		if iface != d.iface.Name {
			return nil, argErr("unknown interface %q", iface)
		}
		v, err := d.GetProperty(name)
		if err != nil {
			return nil, err
		}
		return []any{Variant{v}}, nil
	case "Set":
		if len(msg.Body) != 3 {
			return nil, argErr("Set takes (interface, property, value)")
		}
		iface, _ := msg.Body[0].(string)
		name, _ := msg.Body[1].(string)
		val, ok := msg.Body[2].(Variant)
		if !ok {
			return nil, argErr("Set value must be a variant")
		}
		if iface != d.iface.Name {
			return nil, argErr("unknown interface %q", iface)
		}
		prop := d.iface.Property(name)
		if prop == nil {
			return nil, CallError{Name: errNameUnknownProp, Detail: name}
		}
		if prop.Notify == NotifyConst || !prop.Access.Writable() {
			return nil, CallError{Name: errNameReadOnly, Detail: name}
		}
		return nil, d.SetProperty(ctx, name, val.Value)
	case "GetAll":
		if len(msg.Body) != 1 {
			return nil, argErr("GetAll takes (interface)")
		}
		iface, _ := msg.Body[0].(string)
		if iface != d.iface.Name {
			return nil, argErr("unknown interface %q", iface)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		all := make(map[string]Variant, len(d.props))
		for _, p := range d.iface.Properties {
			if p.Access.Readable() {
				all[p.Wire()] = Variant{d.props[p.Wire()]}
			}
		}
		return []any{all}, nil
	default:
		return nil, CallError{Name: errNameUnknownMethod, Detail: msg.Member}
	}
}

// GetProperty returns the current value of the property with the
// given native or wire name.
func (d *Dispatcher) GetProperty(name string) (any, error) {
	prop := d.iface.Property(name)
	if prop == nil {
		return nil, CallError{Name: errNameUnknownProp, Detail: name}
	}
	if !prop.Access.Readable() {
		return nil, CallError{Name: errNameFailed, Detail: fmt.Sprintf("property %q is write-only", prop.Wire())}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props[prop.Wire()], nil
}

// InitProperty sets a property's construction-time value. No change
// notification is emitted; this is the only way to give a
// NotifyConst property its value.
func (d *Dispatcher) InitProperty(name string, v any) error {
	prop := d.iface.Property(name)
	if prop == nil {
		return CallError{Name: errNameUnknownProp, Detail: name}
	}
	return d.storeProperty(prop, v)
}

// SetProperty updates a property's value and applies its
// change-notification contract: NotifyTrue broadcasts the new value,
// NotifyInvalidates broadcasts only an invalidation marker,
// NotifyFalse broadcasts nothing, and NotifyConst rejects the write.
func (d *Dispatcher) SetProperty(ctx context.Context, name string, v any) error {
	prop := d.iface.Property(name)
	if prop == nil {
		return CallError{Name: errNameUnknownProp, Detail: name}
	}
	if prop.Notify == NotifyConst {
		return CallError{Name: errNameReadOnly, Detail: fmt.Sprintf("property %q is constant", prop.Wire())}
	}
	if err := d.storeProperty(prop, v); err != nil {
		return err
	}

	var changed map[string]Variant
	var invalidated []string
	switch prop.Notify {
	case NotifyTrue:
		changed = map[string]Variant{prop.Wire(): {v}}
		invalidated = []string{}
	case NotifyInvalidates:
		changed = map[string]Variant{}
		invalidated = []string{prop.Wire()}
	default:
		return nil
	}

	return d.t.Send(ctx, &Message{
		Kind:      KindSignal,
		Path:      d.path,
		Interface: propertiesInterface.Name,
		Member:    "PropertiesChanged",
		Signature: MustParseSignature("sa{sv}as"),
		Body:      []any{d.iface.Name, changed, invalidated},
	})
}

func (d *Dispatcher) storeProperty(prop *PropertySpec, v any) error {
	got, err := SignatureOf(v)
	if err != nil {
		return err
	}
	if got.String() != prop.Type.String() {
		return CallError{
			Name:   errNameInvalidArgs,
			Detail: fmt.Sprintf("property %q has type %q, got %q", prop.Wire(), prop.Type, got),
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props[prop.Wire()] = v
	return nil
}

// Emit broadcasts the signal with the given native or wire name from
// this dispatcher's object path.
func (d *Dispatcher) Emit(ctx context.Context, signal string, args ...any) error {
	s := d.iface.Signal(signal)
	if s == nil {
		return fmt.Errorf("interface %s has no signal %q", d.iface.Name, signal)
	}
	if len(args) != len(s.Args) {
		return fmt.Errorf("signal %s.%s has %d arguments, got %d", d.iface.Name, s.Wire(), len(s.Args), len(args))
	}
	sig, err := bodySignature(args)
	if err != nil {
		return err
	}
	if want := s.ArgsSignature(); sig.String() != want.String() {
		return fmt.Errorf("signal %s.%s wants signature %q, got %q", d.iface.Name, s.Wire(), want, sig)
	}
	return d.t.Send(ctx, &Message{
		Kind:      KindSignal,
		Path:      d.path,
		Interface: d.iface.Name,
		Member:    s.Wire(),
		Signature: sig,
		Body:      args,
	})
}

// Introspect returns the introspection document for this object,
// exactly as the XML emitter would serialize the same description.
func (d *Dispatcher) Introspect() string {
	return IntrospectString(d.iface)
}
