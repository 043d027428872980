package busbind

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// The canonical serialization of a representative interface,
// documentation comments included.
const wantInterfaceXML = `<interface name="org.freedesktop.zbus.Test">
  <!--
   Testing no_arg documentation is reflected in XML.
   -->
  <method name="NoArg">
  </method>
  <method name="StrU32">
    <arg name="val" type="s" direction="in"/>
    <arg type="u" direction="out"/>
  </method>
  <method name="ManyOutput">
    <arg type="(us)" direction="out"/>
  </method>
  <method name="PairOutput">
    <arg type="(us)" direction="out"/>
  </method>
  <method name="CheckVEC">
    <arg type="ay" direction="out"/>
  </method>
  <!--
   Emit a signal.
   -->
  <signal name="Signal">
    <arg name="arg" type="y"/>
    <arg name="other" type="s"/>
  </signal>
  <property name="MyCustomProperty" type="u" access="readwrite"/>
  <!--
   Testing my_prop documentation is reflected in XML.

   And that too.
   -->
  <property name="MyProp" type="q" access="readwrite"/>
</interface>
`

func testInterface() *InterfaceSpec {
	return &InterfaceSpec{
		Name: "org.freedesktop.zbus.Test",
		Methods: []*MethodSpec{
			{Name: "no_arg", Doc: "Testing no_arg documentation is reflected in XML."},
			{Name: "str_u32",
				In:  []ArgSpec{{Name: "val", Type: MustParseSignature("s")}},
				Out: []ArgSpec{{Type: MustParseSignature("u")}}},
			{Name: "many_output",
				Out: []ArgSpec{
					{Type: MustParseSignature("u")},
					{Type: MustParseSignature("s")},
				}},
			{Name: "pair_output",
				Out: []ArgSpec{{Type: MustParseSignature("(us)")}}},
			{Name: "check_vec", WireName: "CheckVEC",
				Out: []ArgSpec{{Type: MustParseSignature("ay")}}},
		},
		Signals: []*SignalSpec{
			{Name: "signal", Doc: "Emit a signal.",
				Args: []ArgSpec{
					{Name: "arg", Type: MustParseSignature("y")},
					{Name: "other", Type: MustParseSignature("s")},
				}},
		},
		Properties: []*PropertySpec{
			{Name: "my_custom_property", Type: MustParseSignature("u"), Access: ReadWriteAccess},
			{Name: "my_prop", Type: MustParseSignature("q"), Access: ReadWriteAccess,
				Doc: "Testing my_prop documentation is reflected in XML.\n\nAnd that too."},
		},
	}
}

func TestEmitInterface(t *testing.T) {
	var b strings.Builder
	if err := EmitInterface(&b, testInterface(), 0); err != nil {
		t.Fatalf("EmitInterface: %v", err)
	}
	if diff := cmp.Diff(strings.Split(b.String(), "\n"), strings.Split(wantInterfaceXML, "\n")); diff != "" {
		t.Errorf("wrong serialization (-got+want):\n%s", diff)
	}
}

func TestEmitNode(t *testing.T) {
	n := &Node{
		Interfaces: []*InterfaceSpec{
			{Name: "org.test.Tiny",
				Methods: []*MethodSpec{{Name: "ping"}}},
		},
		Children: []string{"child_a", "child_b"},
	}
	want := `<node>
  <interface name="org.test.Tiny">
    <method name="Ping">
    </method>
  </interface>
  <node name="child_a"/>
  <node name="child_b"/>
</node>
`
	var b strings.Builder
	if err := n.Emit(&b); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if diff := cmp.Diff(strings.Split(b.String(), "\n"), strings.Split(want, "\n")); diff != "" {
		t.Errorf("wrong serialization (-got+want):\n%s", diff)
	}
}

// A document emitted from a parsed model must parse back to the
// same model: emitting again reproduces the bytes exactly.
func TestEmitParseRoundTrip(t *testing.T) {
	n := &Node{Interfaces: []*InterfaceSpec{testInterface()}}

	var first strings.Builder
	if err := n.Emit(&first); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	parsed, err := ParseNode(strings.NewReader(first.String()))
	if err != nil {
		t.Fatalf("ParseNode of emitted document: %v", err)
	}

	var second strings.Builder
	if err := parsed.Emit(&second); err != nil {
		t.Fatalf("re-Emit: %v", err)
	}
	if diff := cmp.Diff(strings.Split(second.String(), "\n"), strings.Split(first.String(), "\n")); diff != "" {
		t.Errorf("round trip not byte-identical (-reemitted+first):\n%s", diff)
	}
}

func TestEmitEscaping(t *testing.T) {
	iface := &InterfaceSpec{
		Name:    "org.test.Escape",
		Methods: []*MethodSpec{{Name: "m", In: []ArgSpec{{Name: `a<b>&"c`, Type: MustParseSignature("s")}}}},
	}
	var b strings.Builder
	if err := EmitInterface(&b, iface, 0); err != nil {
		t.Fatalf("EmitInterface: %v", err)
	}
	if !strings.Contains(b.String(), `name="a&lt;b&gt;&amp;&quot;c"`) {
		t.Errorf("special characters not escaped:\n%s", b.String())
	}
}

func TestIntrospectString(t *testing.T) {
	got := IntrospectString(testInterface())
	if !strings.HasPrefix(got, "<node>\n") || !strings.HasSuffix(got, "</node>\n") {
		t.Errorf("IntrospectString not wrapped in a node element:\n%s", got)
	}
	if !strings.Contains(got, "  "+strings.Split(wantInterfaceXML, "\n")[0]) {
		t.Errorf("interface element missing from document:\n%s", got)
	}
}
