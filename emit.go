package busbind

import (
	"fmt"
	"io"
	"strings"
)

// Emit writes the node as an introspection document. The output is
// deterministic: interfaces and members appear in declaration order,
// members grouped methods, then signals, then properties.
func (n *Node) Emit(w io.Writer) error {
	if _, err := io.WriteString(w, "<node>\n"); err != nil {
		return err
	}
	for _, iface := range n.Interfaces {
		if err := EmitInterface(w, iface, 2); err != nil {
			return err
		}
	}
	for _, child := range n.Children {
		if _, err := fmt.Fprintf(w, "  <node name=\"%s\"/>\n", xmlEscape(child)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "</node>\n")
	return err
}

// EmitInterface writes one interface element at the given
// indentation depth. Documentation attached to a member is rendered
// as a comment block immediately preceding it. The serialization is
// canonical: emitting a spec parsed from a previous emit reproduces
// the bytes exactly.
func EmitInterface(w io.Writer, iface *InterfaceSpec, indent int) error {
	e := &xmlEmitter{w: w, indent: indent}

	e.f(`<interface name="%s">`, xmlEscape(iface.Name))
	e.in()
	for _, m := range iface.Methods {
		e.doc(m.Doc)
		if len(m.In) == 0 && len(m.Out) == 0 {
			e.f(`<method name="%s">`, xmlEscape(m.Wire()))
			e.f(`</method>`)
			continue
		}
		e.f(`<method name="%s">`, xmlEscape(m.Wire()))
		e.in()
		for _, a := range m.In {
			e.arg(a.Name, a.Type, "in")
		}
		// One reply body per method: several outputs are a single
		// struct-typed out argument.
		if len(m.Out) == 1 {
			e.arg(m.Out[0].Name, m.Out[0].Type, "out")
		} else if len(m.Out) > 1 {
			e.arg("", m.ReplySignature(), "out")
		}
		e.out()
		e.f(`</method>`)
	}
	for _, s := range iface.Signals {
		e.doc(s.Doc)
		e.f(`<signal name="%s">`, xmlEscape(s.Wire()))
		e.in()
		for _, a := range s.Args {
			e.arg(a.Name, a.Type, "")
		}
		e.out()
		e.f(`</signal>`)
	}
	for _, p := range iface.Properties {
		e.doc(p.Doc)
		open := fmt.Sprintf(`<property name="%s" type="%s" access="%s"`,
			xmlEscape(p.Wire()), xmlEscape(p.Type.String()), p.Access)
		if p.Notify == NotifyTrue {
			e.f(`%s/>`, open)
			continue
		}
		e.f(`%s>`, open)
		e.in()
		e.f(`<annotation name="org.freedesktop.DBus.Property.EmitsChangedSignal" value="%s"/>`, p.Notify)
		e.out()
		e.f(`</property>`)
	}
	e.out()
	e.f(`</interface>`)
	return e.err
}

// IntrospectString returns the introspection document for a single
// interface with no children, as a dispatcher serves it.
func IntrospectString(ifaces ...*InterfaceSpec) string {
	var b strings.Builder
	n := &Node{Interfaces: ifaces}
	n.Emit(&b)
	return b.String()
}

type xmlEmitter struct {
	w      io.Writer
	indent int
	err    error
}

func (e *xmlEmitter) in()  { e.indent += 2 }
func (e *xmlEmitter) out() { e.indent -= 2 }

func (e *xmlEmitter) f(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, "%s%s\n", strings.Repeat(" ", e.indent), fmt.Sprintf(format, args...))
}

func (e *xmlEmitter) arg(name string, sig Signature, direction string) {
	var b strings.Builder
	b.WriteString("<arg")
	if name != "" {
		fmt.Fprintf(&b, " name=\"%s\"", xmlEscape(name))
	}
	fmt.Fprintf(&b, " type=\"%s\"", xmlEscape(sig.String()))
	if direction != "" {
		fmt.Fprintf(&b, " direction=\"%s\"", direction)
	}
	b.WriteString("/>")
	e.f("%s", b.String())
}

// doc writes a documentation comment block: one leading space per
// line, blank lines bare, closing marker indented one space past the
// element indent.
func (e *xmlEmitter) doc(doc string) {
	if doc == "" {
		return
	}
	if e.err != nil {
		return
	}
	pad := strings.Repeat(" ", e.indent)
	var b strings.Builder
	b.WriteString(pad)
	b.WriteString("<!--\n")
	for _, line := range strings.Split(doc, "\n") {
		if line == "" {
			b.WriteString("\n")
		} else {
			b.WriteString(pad)
			b.WriteString(" ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString(pad)
	b.WriteString(" -->\n")
	_, e.err = io.WriteString(e.w, b.String())
}

func xmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
