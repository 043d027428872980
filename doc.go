// Package busbind maps message bus interfaces onto Go types. It
// provides a type signature model, a declarative description of
// interfaces and their members, a bidirectional introspection XML
// codec, a client proxy and server dispatcher, and a runtime for
// subscribing to and decoding signals. The busgen tool generates
// typed bindings from introspection data.
package busbind
