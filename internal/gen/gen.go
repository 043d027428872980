// Package gen turns parsed interface descriptions into Go binding
// source: a typed client proxy and a typed server shell per
// interface.
package gen

import (
	"bytes"
	"cmp"
	"fmt"
	"go/format"
	"reflect"
	"slices"
	"strings"
	"unicode"

	"github.com/busbind/busbind"
)

// Version is reported by the CLI and stamped into generated file
// headers.
const Version = "0.3.1"

// Config carries the non-model inputs of a generation run.
type Config struct {
	// Package is the package clause of the generated file.
	Package string
	// Source describes where the introspection data came from, for
	// the generated header.
	Source string
}

type generator struct {
	out bytes.Buffer
	cfg Config
}

// Node generates bindings for every non-standard interface of n.
// The output is gofmt-formatted; if formatting fails the raw output
// is returned alongside the error, to aid debugging the generator
// itself.
func Node(n *busbind.Node, cfg Config) (string, error) {
	if cfg.Package == "" {
		cfg.Package = "bindings"
	}
	g := generator{cfg: cfg}

	standard, needed := n.Split()
	g.header(standard)
	for _, iface := range needed {
		if err := iface.Validate(); err != nil {
			return "", err
		}
		g.iface(iface)
	}

	ret, err := format.Source(g.out.Bytes())
	if err != nil {
		return g.out.String(), err
	}
	return string(ret), nil
}

func (g *generator) s(s string) {
	g.out.WriteString(s)
}

func (g *generator) f(msg string, args ...any) {
	fmt.Fprintf(&g.out, msg, args...)
}

func (g *generator) header(standard []*busbind.InterfaceSpec) {
	g.f("// Code generated by busgen v%s from %s. DO NOT EDIT.\n\n", Version, g.cfg.Source)
	if len(standard) > 0 {
		names := make([]string, len(standard))
		for i, iface := range standard {
			names[i] = iface.Name
		}
		slices.Sort(names)
		g.f("// Bindings are not generated for the bus's standard interfaces,\n")
		g.f("// which every dispatcher serves itself:\n")
		for _, name := range names {
			g.f("//   - %s\n", name)
		}
		g.s("\n")
	}
	g.f("package %s\n\n", g.cfg.Package)
	g.s("import (\n\"context\"\n\n\"github.com/busbind/busbind\"\n)\n\n")
}

func (g *generator) iface(iface *busbind.InterfaceSpec) {
	// Sort a copy; the caller's description is constructed once and
	// never mutated, and may still be emitted as XML in declaration
	// order.
	sorted := &busbind.InterfaceSpec{
		Name:       iface.Name,
		Methods:    slices.Clone(iface.Methods),
		Signals:    slices.Clone(iface.Signals),
		Properties: slices.Clone(iface.Properties),
	}
	slices.SortFunc(sorted.Methods, func(a, b *busbind.MethodSpec) int {
		return cmp.Compare(a.Wire(), b.Wire())
	})
	slices.SortFunc(sorted.Signals, func(a, b *busbind.SignalSpec) int {
		return cmp.Compare(a.Wire(), b.Wire())
	})
	slices.SortFunc(sorted.Properties, func(a, b *busbind.PropertySpec) int {
		return cmp.Compare(a.Wire(), b.Wire())
	})

	name := publicIdentifier(sorted.Name)
	g.specVar(name, sorted)
	g.client(name, sorted)
	g.server(name, sorted)
}

// specVar emits the interface description the generated proxy and
// dispatcher are built from.
func (g *generator) specVar(name string, iface *busbind.InterfaceSpec) {
	g.f("var %sInterface = &busbind.InterfaceSpec{\nName: %q,\n", unexport(name), iface.Name)
	if len(iface.Methods) > 0 {
		g.s("Methods: []*busbind.MethodSpec{\n")
		for _, m := range iface.Methods {
			g.f("{Name: %q, ", m.Name)
			if m.WireName != "" {
				g.f("WireName: %q, ", m.WireName)
			}
			g.args("In", m.In)
			g.args("Out", m.Out)
			g.s("},\n")
		}
		g.s("},\n")
	}
	if len(iface.Signals) > 0 {
		g.s("Signals: []*busbind.SignalSpec{\n")
		for _, s := range iface.Signals {
			g.f("{Name: %q, ", s.Name)
			if s.WireName != "" {
				g.f("WireName: %q, ", s.WireName)
			}
			g.args("Args", s.Args)
			g.s("},\n")
		}
		g.s("},\n")
	}
	if len(iface.Properties) > 0 {
		g.s("Properties: []*busbind.PropertySpec{\n")
		for _, p := range iface.Properties {
			g.f("{Name: %q, ", p.Name)
			if p.WireName != "" {
				g.f("WireName: %q, ", p.WireName)
			}
			g.f("Type: busbind.MustParseSignature(%q), Access: %s, Notify: %s},\n",
				p.Type, accessExpr(p.Access), notifyExpr(p.Notify))
		}
		g.s("},\n")
	}
	g.s("}\n\n")
}

func (g *generator) args(field string, args []busbind.ArgSpec) {
	if len(args) == 0 {
		return
	}
	g.f("%s: []busbind.ArgSpec{", field)
	for i, a := range args {
		if i > 0 {
			g.s(", ")
		}
		g.f("{Name: %q, Type: busbind.MustParseSignature(%q)}", a.Name, a.Type)
	}
	g.s("}, ")
}

func (g *generator) client(name string, iface *busbind.InterfaceSpec) {
	g.f(`// %[1]sClient is a typed client for the interface %[2]s.
type %[1]sClient struct {
  p *busbind.Proxy
}

// New%[1]sClient returns a client for %[2]s on the object at path
// owned by dest.
func New%[1]sClient(t busbind.Transport, dest string, path busbind.ObjectPath) (*%[1]sClient, error) {
  p, err := busbind.NewProxy(t, dest, path, %[3]sInterface)
  if err != nil {
    return nil, err
  }
  return &%[1]sClient{p: p}, nil
}

`, name, iface.Name, unexport(name))

	for _, m := range iface.Methods {
		g.clientMethod(name, m)
	}
	for _, p := range iface.Properties {
		g.clientProperty(name, p)
	}
	for _, s := range iface.Signals {
		g.clientSignal(name, s)
	}
}

func (g *generator) clientMethod(name string, m *busbind.MethodSpec) {
	mname := publicIdentifier(m.Name)

	if doc := m.Doc; doc != "" {
		g.docComment(mname, doc)
	} else {
		g.f("// %s calls %s.\n", mname, m.Wire())
	}

	if len(m.Out) > 1 {
		g.f("type %s%sReply %s\n\n", name, mname, asStruct(m.Out))
	}

	g.f("func (c *%sClient) %s(ctx context.Context", name, mname)
	for i, a := range m.In {
		g.f(", %s %s", argName(i, a), goType(a.Type))
	}
	g.s(") (")
	switch len(m.Out) {
	case 0:
		g.s("error")
	case 1:
		g.f("%s, error", goType(m.Out[0].Type))
	default:
		g.f("%s%sReply, error", name, mname)
	}
	g.s(") {\n")

	in := "nil"
	if len(m.In) > 0 {
		var parts []string
		for i, a := range m.In {
			parts = append(parts, argName(i, a))
		}
		in = "[]any{" + strings.Join(parts, ", ") + "}"
	}

	switch len(m.Out) {
	case 0:
		g.f("return c.p.Call(ctx, %q, %s)\n", m.Wire(), in)
	case 1:
		g.f("var ret %s\n", goType(m.Out[0].Type))
		g.f("err := c.p.Call(ctx, %q, %s, &ret)\n", m.Wire(), in)
		g.s("return ret, err\n")
	default:
		g.f("var ret %s%sReply\n", name, mname)
		g.f("err := c.p.Call(ctx, %q, %s", m.Wire(), in)
		for i, a := range m.Out {
			g.f(", &ret.%s", publicIdentifier(argName(i, a)))
		}
		g.s(")\nreturn ret, err\n")
	}
	g.s("}\n\n")
}

func (g *generator) clientProperty(name string, p *busbind.PropertySpec) {
	pname := publicIdentifier(p.Name)
	typ := goType(p.Type)

	if p.Access.Readable() {
		if doc := p.Doc; doc != "" {
			g.docComment(pname, doc)
		} else {
			g.f("// %s returns the value of the property %q.\n", pname, p.Wire())
		}
		g.f(`func (c *%sClient) %s(ctx context.Context) (%s, error) {
  var ret %s
  err := c.p.Get(ctx, %q, &ret)
  return ret, err
}

`, name, pname, typ, typ, p.Wire())
	}

	if p.Access.Writable() && p.Notify != busbind.NotifyConst {
		g.f(`// Set%[2]s sets the property %[4]q to val.
func (c *%[1]sClient) Set%[2]s(ctx context.Context, val %[3]s) error {
  return c.p.Set(ctx, %[4]q, val)
}

`, name, pname, typ, p.Wire())
	}
}

func (g *generator) clientSignal(name string, s *busbind.SignalSpec) {
	sname := publicIdentifier(s.Name)

	g.f("// %s%sEvent is the decoded payload of the signal %s.\n", name, sname, s.Wire())
	g.f("type %s%sEvent %s\n\n", name, sname, asStruct(s.Args))

	g.f(`// Watch%[2]s subscribes to the signal %[3]s on the client's
// object.
func (c *%[1]sClient) Watch%[2]s(ctx context.Context) (*busbind.Subscription, error) {
  return c.p.Subscribe(ctx, %[3]q)
}

// Decode%[1]s%[2]s decodes one delivered %[3]s signal.
func Decode%[1]s%[2]s(ev *busbind.SignalEvent) (%[1]s%[2]sEvent, error) {
  var ret %[1]s%[2]sEvent
  err := ev.Decode(`, name, sname, s.Wire())
	for i, a := range s.Args {
		if i > 0 {
			g.s(", ")
		}
		g.f("&ret.%s", publicIdentifier(argName(i, a)))
	}
	g.s(")\nreturn ret, err\n}\n\n")
}

func (g *generator) server(name string, iface *busbind.InterfaceSpec) {
	g.f("// %sHandler is the server-side implementation of %s.\n", name, iface.Name)
	g.f("type %sHandler interface {\n", name)
	for _, m := range iface.Methods {
		g.f("%s(ctx context.Context", publicIdentifier(m.Name))
		for i, a := range m.In {
			g.f(", %s %s", argName(i, a), goType(a.Type))
		}
		g.s(") (")
		for _, a := range m.Out {
			g.f("%s, ", goType(a.Type))
		}
		g.s("error)\n")
	}
	g.s("}\n\n")

	g.f(`// %[1]sServer serves %[2]s from an exported object.
type %[1]sServer struct {
  *busbind.Dispatcher
}

// Export%[1]s exports h at path on the given connection.
func Export%[1]s(t busbind.Transport, path busbind.ObjectPath, h %[1]sHandler) (%[1]sServer, error) {
  d, err := busbind.NewDispatcher(t, path, %[3]sInterface)
  if err != nil {
    return %[1]sServer{}, err
  }
`, name, iface.Name, unexport(name))
	for _, m := range iface.Methods {
		g.f("d.Handle(%q, h.%s)\n", m.Wire(), publicIdentifier(m.Name))
	}
	g.f("return %sServer{d}, nil\n}\n\n", name)

	for _, s := range iface.Signals {
		sname := publicIdentifier(s.Name)
		g.f("// Emit%s broadcasts the signal %s.\n", sname, s.Wire())
		g.f("func (s %sServer) Emit%s(ctx context.Context", name, sname)
		for i, a := range s.Args {
			g.f(", %s %s", argName(i, a), goType(a.Type))
		}
		g.f(") error {\nreturn s.Dispatcher.Emit(ctx, %q", s.Wire())
		for i, a := range s.Args {
			g.f(", %s", argName(i, a))
		}
		g.s(")\n}\n\n")
	}
}

func (g *generator) docComment(name, doc string) {
	lines := strings.Split(doc, "\n")
	// Doc comments start with the Go identifier, not the wire name
	// the upstream description used.
	if first := strings.Fields(lines[0]); len(first) > 0 && strings.EqualFold(first[0], name) {
		lines[0] = name + " " + strings.Join(first[1:], " ")
	} else {
		g.f("// %s implements the upstream-documented member:\n//\n", name)
	}
	for _, line := range lines {
		g.f("// %s\n", line)
	}
}

func goType(sig busbind.Signature) string {
	return sig.Type().String()
}

func argName(n int, arg busbind.ArgSpec) string {
	name := arg.Name
	if name == "" {
		name = fmt.Sprintf("arg%d", n)
	}
	name = identifier(name)
	switch name {
	case "type":
		name = "typ"
	}
	return name
}

func identifier(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	fs := strings.Split(s, "_")
	for i := range fs {
		if i == 0 {
			fst := true
			fs[i] = strings.Map(func(r rune) rune {
				if fst {
					fst = false
					return unicode.ToLower(r)
				}
				return r
			}, fs[i])
		} else {
			switch fs[i] {
			case "id":
				fs[i] = "ID"
			case "fd":
				fs[i] = "FD"
			default:
				fs[i] = strings.Title(fs[i])
			}
		}
	}
	return strings.Join(fs, "")
}

func publicIdentifier(s string) string {
	return strings.Title(identifier(s))
}

func unexport(s string) string {
	fst := true
	return strings.Map(func(r rune) rune {
		if fst {
			fst = false
			return unicode.ToLower(r)
		}
		return r
	}, s)
}

func accessExpr(a busbind.Access) string {
	switch a {
	case busbind.WriteAccess:
		return "busbind.WriteAccess"
	case busbind.ReadWriteAccess:
		return "busbind.ReadWriteAccess"
	default:
		return "busbind.ReadAccess"
	}
}

func notifyExpr(n busbind.Notify) string {
	switch n {
	case busbind.NotifyInvalidates:
		return "busbind.NotifyInvalidates"
	case busbind.NotifyConst:
		return "busbind.NotifyConst"
	case busbind.NotifyFalse:
		return "busbind.NotifyFalse"
	default:
		return "busbind.NotifyTrue"
	}
}

func asStruct(args []busbind.ArgSpec) string {
	fs := make([]reflect.StructField, len(args))
	for i, a := range args {
		fs[i] = reflect.StructField{
			Name: publicIdentifier(argName(i, a)),
			Type: a.Type.Type(),
		}
	}
	return reflect.StructOf(fs).String()
}
