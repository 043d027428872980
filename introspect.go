package busbind

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseNode parses an introspection document into a Node.
//
// Unknown elements and attributes are ignored for forward
// compatibility. A structurally malformed document or a missing
// required attribute (interface name, arg type) is a hard error for
// the whole document. An interface that parses but fails validation
// is dropped from the node and reported in the returned error; its
// siblings are kept, so the error may accompany a usable Node.
func ParseNode(r io.Reader) (*Node, error) {
	d := xml.NewDecoder(r)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, errors.New("introspection document has no root node element")
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != "node" {
				return nil, fmt.Errorf("unexpected root element %q, want node", start.Name.Local)
			}
			return parseNode(d, start)
		}
	}
}

func parseNode(d *xml.Decoder, start xml.StartElement) (*Node, error) {
	node := &Node{}
	var invalid []error
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch tok := tok.(type) {
		case xml.EndElement:
			return node, errors.Join(invalid...)
		case xml.StartElement:
			switch tok.Name.Local {
			case "interface":
				iface, err := parseInterface(d, tok)
				if err != nil {
					return nil, err
				}
				if err := iface.Validate(); err != nil {
					// Fatal to this interface only.
					invalid = append(invalid, err)
					continue
				}
				node.Interfaces = append(node.Interfaces, iface)
			case "node":
				if name := attr(tok, "name"); name != "" {
					node.Children = append(node.Children, name)
				}
				if err := d.Skip(); err != nil {
					return nil, err
				}
			default:
				if err := d.Skip(); err != nil {
					return nil, err
				}
			}
		}
	}
}

func parseInterface(d *xml.Decoder, start xml.StartElement) (*InterfaceSpec, error) {
	name := attr(start, "name")
	if name == "" {
		return nil, errors.New("interface element missing name attribute")
	}
	iface := &InterfaceSpec{Name: name}

	// Documentation rides along as a comment immediately preceding
	// the member it describes. Any other element resets it, so a
	// stray comment cannot attach to a later member.
	var doc string
	takeDoc := func() string {
		ret := doc
		doc = ""
		return ret
	}

	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch tok := tok.(type) {
		case xml.EndElement:
			return iface, nil
		case xml.Comment:
			doc = cleanDoc(string(tok))
		case xml.StartElement:
			switch tok.Name.Local {
			case "method":
				m, err := parseMethod(d, tok, name)
				if err != nil {
					return nil, err
				}
				m.Doc = takeDoc()
				iface.Methods = append(iface.Methods, m)
			case "signal":
				s, err := parseSignal(d, tok, name)
				if err != nil {
					return nil, err
				}
				s.Doc = takeDoc()
				iface.Signals = append(iface.Signals, s)
			case "property":
				p, err := parseProperty(d, tok, name)
				if err != nil {
					return nil, err
				}
				p.Doc = takeDoc()
				iface.Properties = append(iface.Properties, p)
			default:
				takeDoc()
				if err := d.Skip(); err != nil {
					return nil, err
				}
			}
		}
	}
}

type rawArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

func (a rawArg) spec(owner string) (ArgSpec, error) {
	if a.Type == "" {
		return ArgSpec{}, fmt.Errorf("arg %q of %s missing type attribute", a.Name, owner)
	}
	sig, err := ParseSignature(a.Type)
	if err != nil {
		return ArgSpec{}, fmt.Errorf("arg %q of %s: %w", a.Name, owner, err)
	}
	return ArgSpec{Name: a.Name, Type: sig}, nil
}

func parseMethod(d *xml.Decoder, start xml.StartElement, iface string) (*MethodSpec, error) {
	var raw struct {
		Name string   `xml:"name,attr"`
		Args []rawArg `xml:"arg"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return nil, err
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("method of %s missing name attribute", iface)
	}
	// The parsed name is the wire name; keep it verbatim so a
	// re-emit cannot silently rename the member.
	m := &MethodSpec{Name: raw.Name, WireName: raw.Name}
	for _, a := range raw.Args {
		as, err := a.spec(iface + "." + raw.Name)
		if err != nil {
			return nil, err
		}
		// Direction defaults to in when the attribute is omitted.
		if a.Direction == "out" {
			m.Out = append(m.Out, as)
		} else {
			m.In = append(m.In, as)
		}
	}
	return m, nil
}

func parseSignal(d *xml.Decoder, start xml.StartElement, iface string) (*SignalSpec, error) {
	var raw struct {
		Name string   `xml:"name,attr"`
		Args []rawArg `xml:"arg"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return nil, err
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("signal of %s missing name attribute", iface)
	}
	s := &SignalSpec{Name: raw.Name, WireName: raw.Name}
	for _, a := range raw.Args {
		as, err := a.spec(iface + "." + raw.Name)
		if err != nil {
			return nil, err
		}
		s.Args = append(s.Args, as)
	}
	return s, nil
}

func parseProperty(d *xml.Decoder, start xml.StartElement, iface string) (*PropertySpec, error) {
	var raw struct {
		Name   string `xml:"name,attr"`
		Type   string `xml:"type,attr"`
		Access string `xml:"access,attr"`
		Meta   []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value,attr"`
		} `xml:"annotation"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return nil, err
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("property of %s missing name attribute", iface)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("property %s.%s missing type attribute", iface, raw.Name)
	}
	sig, err := ParseSignature(raw.Type)
	if err != nil {
		return nil, fmt.Errorf("property %s.%s: %w", iface, raw.Name, err)
	}
	p := &PropertySpec{Name: raw.Name, WireName: raw.Name, Type: sig}
	switch raw.Access {
	case "read":
		p.Access = ReadAccess
	case "write":
		p.Access = WriteAccess
	case "readwrite":
		p.Access = ReadWriteAccess
	default:
		return nil, fmt.Errorf("property %s.%s: unknown access value %q", iface, raw.Name, raw.Access)
	}
	for _, meta := range raw.Meta {
		if meta.Name != "org.freedesktop.DBus.Property.EmitsChangedSignal" {
			continue
		}
		switch meta.Value {
		case "true":
			p.Notify = NotifyTrue
		case "invalidates":
			p.Notify = NotifyInvalidates
		case "const":
			p.Notify = NotifyConst
		case "false":
			p.Notify = NotifyFalse
		}
	}
	return p, nil
}

func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// cleanDoc normalizes an XML comment into documentation text: each
// line is whitespace-trimmed, leading and trailing blank lines are
// dropped. The exact comment whitespace is a serialization
// convention, not content.
func cleanDoc(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
