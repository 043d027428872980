package busbind

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// Nesting limits from the wire protocol. A signature that exceeds
// them is rejected outright, since no conforming peer can produce
// one.
const (
	maxContainerDepth = 32
	maxSignatureDepth = 64
)

// A Signature describes the type of a value in the bus wire format.
type Signature struct {
	typ reflect.Type
	str string
}

func mkSignature(typ reflect.Type, str string) Signature {
	return Signature{typ, str}
}

// String returns the string encoding of the Signature, as described
// in the bus specification. It is the exact inverse of
// [ParseSignature] for any Signature that ParseSignature produced.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value.
func (s Signature) IsZero() bool {
	return s.typ == nil
}

// Type returns the reflect.Type the Signature represents. A
// signature containing several complete types maps onto a struct
// with one field per type.
//
// If [Signature.IsZero] is true, Type returns nil.
func (s Signature) Type() reflect.Type {
	return s.typ
}

// SignatureErrorKind classifies the ways a signature string can be
// malformed.
type SignatureErrorKind int

const (
	// UnexpectedEnd means the signature ended in the middle of a
	// container type.
	UnexpectedEnd SignatureErrorKind = iota
	// UnknownTypeCode means the signature contains a byte that is
	// not a type code.
	UnknownTypeCode
	// UnmatchedContainer means a container was closed without being
	// opened, or a dict entry appeared outside an array.
	UnmatchedContainer
	// NestingTooDeep means the signature exceeds the protocol's
	// container nesting limits.
	NestingTooDeep
)

func (k SignatureErrorKind) String() string {
	switch k {
	case UnexpectedEnd:
		return "unexpected end of signature"
	case UnknownTypeCode:
		return "unknown type code"
	case UnmatchedContainer:
		return "unmatched container"
	case NestingTooDeep:
		return "nesting too deep"
	default:
		return fmt.Sprintf("signature error %d", int(k))
	}
}

// SignatureError is the error returned for a malformed type
// signature.
type SignatureError struct {
	// Sig is the signature string that failed to parse.
	Sig string
	// Kind says how the signature is malformed.
	Kind SignatureErrorKind
	// Code is the offending type code, for UnknownTypeCode errors.
	Code byte
}

func (e SignatureError) Error() string {
	if e.Kind == UnknownTypeCode {
		return fmt.Sprintf("invalid type signature %q: unknown type code %q", e.Sig, e.Code)
	}
	return fmt.Sprintf("invalid type signature %q: %s", e.Sig, e.Kind)
}

var (
	strToSignature  sync.Map // string -> Signature
	typeToSignature sync.Map // reflect.Type -> Signature
)

// ParseSignature parses a type signature string.
//
// ParseSignature never returns a partial value: a malformed or
// over-deep signature yields a [SignatureError] and a zero
// Signature.
func ParseSignature(sig string) (Signature, error) {
	if ret, ok := strToSignature.Load(sig); ok {
		return ret.(Signature), nil
	}

	var (
		st    = sigParser{sig: sig}
		rest  = sig
		parts []reflect.Type
		part  reflect.Type
		err   error
	)
	for rest != "" {
		part, rest, err = st.parseOne(rest, false)
		if err != nil {
			return Signature{}, err
		}
		parts = append(parts, part)
	}

	var ret Signature
	switch len(parts) {
	case 0:
		ret = Signature{}
	case 1:
		ret = mkSignature(parts[0], sig)
	default:
		fs := make([]reflect.StructField, len(parts))
		for i, f := range parts {
			fs[i] = reflect.StructField{
				Name: fmt.Sprintf("Field%d", i),
				Type: f,
			}
		}
		ret = mkSignature(reflect.StructOf(fs), sig)
	}

	strToSignature.Store(sig, ret)
	return ret, nil
}

// MustParseSignature is like [ParseSignature] but panics on invalid
// input. It is intended for static signatures in tests and generated
// code.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// sigParser tracks container nesting during the single left-to-right
// scan over a signature.
type sigParser struct {
	sig   string
	depth int // arrays and structs combined
	total int // all containers, dict entries included
}

func (p *sigParser) errf(kind SignatureErrorKind, code byte) error {
	return SignatureError{Sig: p.sig, Kind: kind, Code: code}
}

func (p *sigParser) push() error {
	p.depth++
	p.total++
	if p.depth > maxContainerDepth || p.total > maxSignatureDepth {
		return p.errf(NestingTooDeep, 0)
	}
	return nil
}

func (p *sigParser) pop() {
	p.depth--
	p.total--
}

// parseOne consumes the first complete type from the front of sig,
// and returns the corresponding reflect.Type as well as the
// remainder of the type string.
func (p *sigParser) parseOne(sig string, inArray bool) (t reflect.Type, rest string, err error) {
	if ret, ok := codeToType[sig[0]]; ok {
		return ret, sig[1:], nil
	}

	switch sig[0] {
	case 'a':
		if err := p.push(); err != nil {
			return nil, "", err
		}
		if len(sig) == 1 {
			return nil, "", p.errf(UnexpectedEnd, 0)
		}
		isDict := sig[1] == '{'
		elem, rest, err := p.parseOne(sig[1:], true)
		if err != nil {
			return nil, "", err
		}
		p.pop()
		if isDict {
			return elem, rest, nil // sub-parser already produced a map
		}
		return reflect.SliceOf(elem), rest, nil
	case '(':
		if err := p.push(); err != nil {
			return nil, "", err
		}
		var (
			fields []reflect.Type
			field  reflect.Type
			rest   = sig[1:]
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = p.parseOne(rest, false)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", p.errf(UnexpectedEnd, 0)
		}
		p.pop()
		fs := make([]reflect.StructField, len(fields))
		for i, f := range fields {
			fs[i] = reflect.StructField{
				Name: fmt.Sprintf("Field%d", i),
				Type: f,
			}
		}
		return reflect.StructOf(fs), rest[1:], nil
	case '{':
		if !inArray {
			return nil, "", p.errf(UnmatchedContainer, 0)
		}
		p.total++
		if p.total > maxSignatureDepth {
			return nil, "", p.errf(NestingTooDeep, 0)
		}
		if len(sig) == 1 {
			return nil, "", p.errf(UnexpectedEnd, 0)
		}
		key, rest, err := p.parseOne(sig[1:], false)
		if err != nil {
			return nil, "", err
		}
		if !mapKeyKinds.Has(key.Kind()) {
			return nil, "", p.errf(UnknownTypeCode, sig[1])
		}
		if rest == "" {
			return nil, "", p.errf(UnexpectedEnd, 0)
		}
		val, rest, err := p.parseOne(rest, false)
		if err != nil {
			return nil, "", err
		}
		if rest == "" {
			return nil, "", p.errf(UnexpectedEnd, 0)
		}
		if rest[0] != '}' {
			return nil, "", p.errf(UnmatchedContainer, 0)
		}
		p.total--
		return reflect.MapOf(key, val), rest[1:], nil
	case ')', '}':
		return nil, "", p.errf(UnmatchedContainer, 0)
	default:
		return nil, "", p.errf(UnknownTypeCode, sig[0])
	}
}

// SignatureFor returns the Signature for the given native type.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of the given value.
func SignatureOf(v any) (Signature, error) {
	return signatureFor(reflect.TypeOf(v), nil)
}

func signatureFor(t reflect.Type, stack []reflect.Type) (Signature, error) {
	if t == nil {
		return mkSignature(reflect.TypeFor[any](), "v"), nil
	}
	if ret, ok := typeToSignature.Load(t); ok {
		return ret.(Signature), nil
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t {
	case reflect.TypeFor[Signature]():
		return mkSignature(t, "g"), nil
	case reflect.TypeFor[ObjectPath]():
		return mkSignature(t, "o"), nil
	case reflect.TypeFor[Variant](), reflect.TypeFor[any]():
		return mkSignature(reflect.TypeFor[any](), "v"), nil
	}

	if ret := kindToType[t.Kind()]; ret != nil {
		return mkSignature(ret, string(kindToCode[t.Kind()])), nil
	}

	var sig Signature
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		sig = mkSignature(reflect.SliceOf(es.typ), "a"+es.str)
	case reflect.Map:
		k := t.Key()
		if !mapKeyKinds.Has(k.Kind()) {
			return Signature{}, typeErr(t, "map key must be a basic type")
		}
		ks, err := signatureFor(k, stack)
		if err != nil {
			return Signature{}, err
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		sig = mkSignature(reflect.MapOf(ks.typ, vs.typ), "a{"+ks.str+vs.str+"}")
	case reflect.Struct:
		var parts []string
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fieldSig, err := signatureFor(f.Type, stack)
			if err != nil {
				return Signature{}, err
			}
			parts = append(parts, fieldSig.str)
		}
		sig = mkSignature(t, "("+strings.Join(parts, "")+")")
	default:
		return Signature{}, typeErr(t, "no mapping available")
	}

	typeToSignature.Store(t, sig)
	return sig, nil
}

// structOf combines the given signatures into a single struct
// signature, in order. It is how a multi-value method reply is
// reshaped into the protocol's single reply body.
func structOf(sigs []Signature) Signature {
	fs := make([]reflect.StructField, len(sigs))
	strs := make([]string, len(sigs))
	for i, s := range sigs {
		fs[i] = reflect.StructField{
			Name: fmt.Sprintf("Field%d", i),
			Type: s.typ,
		}
		strs[i] = s.str
	}
	return mkSignature(reflect.StructOf(fs), "("+strings.Join(strs, "")+")")
}
