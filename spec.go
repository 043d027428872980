package busbind

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/creachadair/mds/mapset"
)

// ArgSpec describes one argument of a method or signal. The name is
// optional; arguments are positional on the wire.
type ArgSpec struct {
	Name string
	Type Signature
}

// MethodSpec describes a method of an interface.
//
// Name is the native identifier (snake_case or lowerCamel); the name
// used on the wire defaults to its PascalCase form and can be
// overridden verbatim with WireName.
type MethodSpec struct {
	Name     string
	WireName string
	In       []ArgSpec
	Out      []ArgSpec
	Doc      string
}

// Wire returns the method's name on the wire.
func (m *MethodSpec) Wire() string {
	if m.WireName != "" {
		return m.WireName
	}
	return WireNameOf(m.Name)
}

// InSignature returns the signature of the method's input
// arguments, concatenated in declaration order.
func (m *MethodSpec) InSignature() Signature {
	return argsSignature(m.In)
}

// ReplySignature returns the signature of the method's single reply
// body. A method has exactly one reply on the wire: no outputs means
// a void reply, a single output is carried as-is, and several
// outputs are wrapped into one struct.
func (m *MethodSpec) ReplySignature() Signature {
	switch len(m.Out) {
	case 0:
		return Signature{}
	case 1:
		return m.Out[0].Type
	default:
		sigs := make([]Signature, len(m.Out))
		for i, a := range m.Out {
			sigs[i] = a.Type
		}
		return structOf(sigs)
	}
}

// Access says which of the property access operations an interface
// offers for a property.
type Access int

const (
	ReadAccess Access = iota
	WriteAccess
	ReadWriteAccess
)

func (a Access) String() string {
	switch a {
	case ReadAccess:
		return "read"
	case WriteAccess:
		return "write"
	case ReadWriteAccess:
		return "readwrite"
	default:
		return fmt.Sprintf("access(%d)", int(a))
	}
}

// Readable reports whether the property value can be read.
func (a Access) Readable() bool { return a == ReadAccess || a == ReadWriteAccess }

// Writable reports whether the property value can be written.
func (a Access) Writable() bool { return a == WriteAccess || a == ReadWriteAccess }

// Notify is a property's change-notification policy. It is a
// protocol-visible contract: it governs what a conforming
// implementation broadcasts when the property's value changes.
type Notify int

const (
	// NotifyTrue: changes emit a notification carrying the new
	// value.
	NotifyTrue Notify = iota
	// NotifyInvalidates: changes emit a notification naming the
	// property as invalidated, without the value.
	NotifyInvalidates
	// NotifyConst: the value never changes after construction.
	// Writes are rejected and no setter binding is generated.
	NotifyConst
	// NotifyFalse: changes emit nothing.
	NotifyFalse
)

func (n Notify) String() string {
	switch n {
	case NotifyTrue:
		return "true"
	case NotifyInvalidates:
		return "invalidates"
	case NotifyConst:
		return "const"
	case NotifyFalse:
		return "false"
	default:
		return fmt.Sprintf("notify(%d)", int(n))
	}
}

// PropertySpec describes a property of an interface.
type PropertySpec struct {
	Name     string
	WireName string
	Type     Signature
	Access   Access
	Notify   Notify
	Doc      string
}

// Wire returns the property's name on the wire.
func (p *PropertySpec) Wire() string {
	if p.WireName != "" {
		return p.WireName
	}
	return WireNameOf(p.Name)
}

// SignalSpec describes a signal of an interface. Signal arguments
// are positional and may be unnamed.
type SignalSpec struct {
	Name     string
	WireName string
	Args     []ArgSpec
	Doc      string
}

// Wire returns the signal's name on the wire.
func (s *SignalSpec) Wire() string {
	if s.WireName != "" {
		return s.WireName
	}
	return WireNameOf(s.Name)
}

// ArgsSignature returns the signature of the signal's arguments,
// concatenated in declaration order.
func (s *SignalSpec) ArgsSignature() Signature {
	return argsSignature(s.Args)
}

func argsSignature(args []ArgSpec) Signature {
	if len(args) == 0 {
		return Signature{}
	}
	if len(args) == 1 {
		return args[0].Type
	}
	var b strings.Builder
	for _, a := range args {
		b.WriteString(a.Type.String())
	}
	// The concatenation of valid signatures is valid.
	return MustParseSignature(b.String())
}

// InterfaceSpec is the declarative description of an interface: its
// methods, signals and properties. Values are built once, either by
// hand or by the introspection parser, and are not mutated
// afterwards.
type InterfaceSpec struct {
	Name       string
	Methods    []*MethodSpec
	Signals    []*SignalSpec
	Properties []*PropertySpec
}

// Method returns the method with the given native or wire name, or
// nil.
func (f *InterfaceSpec) Method(name string) *MethodSpec {
	for _, m := range f.Methods {
		if m.Name == name || m.Wire() == name {
			return m
		}
	}
	return nil
}

// Signal returns the signal with the given native or wire name, or
// nil.
func (f *InterfaceSpec) Signal(name string) *SignalSpec {
	for _, s := range f.Signals {
		if s.Name == name || s.Wire() == name {
			return s
		}
	}
	return nil
}

// Property returns the property with the given native or wire name,
// or nil.
func (f *InterfaceSpec) Property(name string) *PropertySpec {
	for _, p := range f.Properties {
		if p.Name == name || p.Wire() == name {
			return p
		}
	}
	return nil
}

// Validate checks the interface description for internal
// consistency. A failure names the offending member and is fatal to
// this interface only.
func (f *InterfaceSpec) Validate() error {
	if !validInterfaceName(f.Name) {
		return ValidationError{Interface: f.Name, Reason: errors.New("interface name must be a dot-separated identifier sequence")}
	}

	memberErr := func(member string, format string, args ...any) error {
		return ValidationError{Interface: f.Name, Member: member, Reason: fmt.Errorf(format, args...)}
	}

	seen := mapset.New[string]()
	for _, m := range f.Methods {
		if !validMemberName(m.Name) {
			return memberErr(m.Name, "invalid method name")
		}
		if m.WireName != "" && !validMemberName(m.WireName) {
			return memberErr(m.Name, "invalid wire name %q", m.WireName)
		}
		w := m.Wire()
		if seen.Has(w) {
			return memberErr(m.Name, "duplicate wire name %q", w)
		}
		seen.Add(w)
	}

	seen = mapset.New[string]()
	for _, s := range f.Signals {
		if !validMemberName(s.Name) {
			return memberErr(s.Name, "invalid signal name")
		}
		if s.WireName != "" && !validMemberName(s.WireName) {
			return memberErr(s.Name, "invalid wire name %q", s.WireName)
		}
		w := s.Wire()
		if seen.Has(w) {
			return memberErr(s.Name, "duplicate wire name %q", w)
		}
		seen.Add(w)
		for _, a := range s.Args {
			if a.Type.IsZero() {
				return memberErr(s.Name, "signal argument %q has no type", a.Name)
			}
		}
	}

	seen = mapset.New[string]()
	for _, p := range f.Properties {
		if !validMemberName(p.Name) {
			return memberErr(p.Name, "invalid property name")
		}
		if p.WireName != "" && !validMemberName(p.WireName) {
			return memberErr(p.Name, "invalid wire name %q", p.WireName)
		}
		w := p.Wire()
		if seen.Has(w) {
			return memberErr(p.Name, "duplicate wire name %q", w)
		}
		seen.Add(w)
		if p.Type.IsZero() {
			return memberErr(p.Name, "property has no type")
		}
		if p.Notify == NotifyConst && p.Access.Writable() {
			return memberErr(p.Name, "constant property cannot be writable")
		}
	}

	return nil
}

// WireNameOf derives the default wire name for a native identifier:
// PascalCase with underscores removed, so a_test becomes ATest. The
// derivation is pure and total; identifier validity is checked by
// [InterfaceSpec.Validate], not here.
func WireNameOf(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		r, size := utf8.DecodeRuneInString(part)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(part[size:])
	}
	return b.String()
}

func validMemberName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case unicode.IsDigit(r) && i > 0:
		default:
			return false
		}
	}
	return true
}

func validInterfaceName(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if !validMemberName(part) {
			return false
		}
	}
	return true
}

// Node mirrors the introspection document's shape: the interfaces
// implemented at an object path, plus the relative names of child
// objects. The root node of a document has no name.
type Node struct {
	Interfaces []*InterfaceSpec
	Children   []string
}

// StandardInterfacePrefix is the reserved prefix of the bus's
// standard interfaces. Bindings are never generated for interfaces
// under it; the dispatcher serves them itself.
const StandardInterfacePrefix = "org.freedesktop.DBus"

// Split partitions the node's interfaces into the standard
// well-known interfaces and the ones that need generated bindings.
func (n *Node) Split() (standard, needed []*InterfaceSpec) {
	for _, f := range n.Interfaces {
		if strings.HasPrefix(f.Name, StandardInterfacePrefix) {
			standard = append(standard, f)
		} else {
			needed = append(needed, f)
		}
	}
	return standard, needed
}

// Specs for the standard interfaces every dispatcher serves.
var (
	peerInterface = &InterfaceSpec{
		Name: "org.freedesktop.DBus.Peer",
		Methods: []*MethodSpec{
			{Name: "ping", WireName: "Ping"},
			{Name: "get_machine_id", WireName: "GetMachineId",
				Out: []ArgSpec{{Name: "machine_uuid", Type: MustParseSignature("s")}}},
		},
	}

	introspectableInterface = &InterfaceSpec{
		Name: "org.freedesktop.DBus.Introspectable",
		Methods: []*MethodSpec{
			{Name: "introspect", WireName: "Introspect",
				Out: []ArgSpec{{Name: "xml_data", Type: MustParseSignature("s")}}},
		},
	}

	propertiesInterface = &InterfaceSpec{
		Name: "org.freedesktop.DBus.Properties",
		Methods: []*MethodSpec{
			{Name: "get", WireName: "Get",
				In: []ArgSpec{
					{Name: "interface_name", Type: MustParseSignature("s")},
					{Name: "property_name", Type: MustParseSignature("s")},
				},
				Out: []ArgSpec{{Name: "value", Type: MustParseSignature("v")}}},
			{Name: "set", WireName: "Set",
				In: []ArgSpec{
					{Name: "interface_name", Type: MustParseSignature("s")},
					{Name: "property_name", Type: MustParseSignature("s")},
					{Name: "value", Type: MustParseSignature("v")},
				}},
			{Name: "get_all", WireName: "GetAll",
				In:  []ArgSpec{{Name: "interface_name", Type: MustParseSignature("s")}},
				Out: []ArgSpec{{Name: "properties", Type: MustParseSignature("a{sv}")}}},
		},
		Signals: []*SignalSpec{
			{Name: "properties_changed", WireName: "PropertiesChanged",
				Args: []ArgSpec{
					{Name: "interface_name", Type: MustParseSignature("s")},
					{Name: "changed_properties", Type: MustParseSignature("a{sv}")},
					{Name: "invalidated_properties", Type: MustParseSignature("as")},
				}},
		},
	}
)

// StandardInterfaces returns the specs of the standard interfaces:
// Peer, Introspectable and Properties.
func StandardInterfaces() []*InterfaceSpec {
	return []*InterfaceSpec{peerInterface, introspectableInterface, propertiesInterface}
}
