package busbind_test

import (
	"context"
	"errors"
	"testing"

	"github.com/busbind/busbind"
	"github.com/busbind/busbind/busbindtest"
)

func newTestProxy(t *testing.T) (*busbind.Dispatcher, *busbind.Proxy) {
	t.Helper()
	d, cli := newTestServer(t)
	p, err := busbind.NewProxy(cli, testService, testPath, testIface())
	if err != nil {
		t.Fatal(err)
	}
	return d, p
}

func TestProxyCall(t *testing.T) {
	_, p := newTestProxy(t)
	ctx := testCtx(t)

	var n uint32
	if err := p.Call(ctx, "str_u32", []any{"hello"}, &n); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n != 5 {
		t.Errorf("StrU32(hello) = %d, want 5", n)
	}

	// The wire name works too.
	if err := p.Call(ctx, "StrU32", []any{"hi"}, &n); err != nil {
		t.Fatalf("Call by wire name: %v", err)
	}
	if n != 2 {
		t.Errorf("StrU32(hi) = %d, want 2", n)
	}
}

func TestProxyCallManyOutput(t *testing.T) {
	_, p := newTestProxy(t)
	ctx := testCtx(t)

	// One struct travels on the wire; the caller still gets one
	// destination per declared output.
	var (
		count uint32
		name  string
	)
	if err := p.Call(ctx, "many_output", nil, &count, &name); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if count != 42 || name != "everything" {
		t.Errorf("ManyOutput = %d, %q", count, name)
	}
}

func TestProxyCallLocalChecks(t *testing.T) {
	_, p := newTestProxy(t)
	ctx := testCtx(t)

	var n uint32
	if err := p.Call(ctx, "no_such", nil, &n); err == nil {
		t.Error("call of undeclared method succeeded, want error")
	}
	if err := p.Call(ctx, "str_u32", nil, &n); err == nil {
		t.Error("call with missing input succeeded, want error")
	}
	if err := p.Call(ctx, "str_u32", []any{"x"}); err == nil {
		t.Error("call with missing destination succeeded, want error")
	}
	if err := p.Call(ctx, "str_u32", []any{int64(3)}, &n); err == nil {
		t.Error("call with mistyped input succeeded, want error")
	}
}

func TestProxyCallRemoteError(t *testing.T) {
	_, p := newTestProxy(t)
	ctx := testCtx(t)

	err := p.Call(ctx, "fail", nil)
	var ce busbind.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Call error is %T (%v), want CallError", err, err)
	}
	if ce.Name != "org.freedesktop.DBus.Error.Failed" || ce.Detail != "deliberate failure" {
		t.Errorf("CallError = %+v", ce)
	}
}

// lyingHandler replies to every call with a string body, whatever
// the interface promised.
type lyingHandler struct {
	conn *busbindtest.Conn
}

func (h *lyingHandler) HandleMessage(ctx context.Context, msg *busbind.Message) error {
	return h.conn.Send(ctx, &busbind.Message{
		Kind:        busbind.KindReturn,
		ReplySerial: msg.Serial,
		Destination: msg.Sender,
		Signature:   busbind.MustParseSignature("s"),
		Body:        []any{"surprise"},
	})
}

func TestProxyCallTypeMismatch(t *testing.T) {
	bus := busbindtest.NewBus()
	srv, err := bus.Connect(testService)
	if err != nil {
		t.Fatal(err)
	}
	cli, err := bus.Connect(":1.8")
	if err != nil {
		t.Fatal(err)
	}
	srv.Export(testPath, &lyingHandler{conn: srv})

	p, err := busbind.NewProxy(cli, testService, testPath, testIface())
	if err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)

	var n uint32
	err = p.Call(ctx, "str_u32", []any{"x"}, &n)
	var tm busbind.TypeMismatchError
	if !errors.As(err, &tm) {
		t.Fatalf("Call error is %T (%v), want TypeMismatchError", err, err)
	}
	if tm.Want.String() != "u" || tm.Got.String() != "s" {
		t.Errorf("TypeMismatchError = want %q got %q", tm.Want, tm.Got)
	}
}

func TestProxyProperties(t *testing.T) {
	_, p := newTestProxy(t)
	ctx := testCtx(t)

	if err := p.Set(ctx, "my_prop", uint16(77)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got uint16
	if err := p.Get(ctx, "my_prop", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 77 {
		t.Errorf("my_prop = %d, want 77", got)
	}

	var version uint32
	if err := p.Get(ctx, "Version", &version); err != nil {
		t.Fatalf("Get by wire name: %v", err)
	}
	if version != 3 {
		t.Errorf("Version = %d, want 3", version)
	}

	all, err := p.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if all["MyProp"] != uint16(77) || all["Version"] != uint32(3) {
		t.Errorf("GetAll = %v", all)
	}
}

func TestProxyPropertyLocalChecks(t *testing.T) {
	_, p := newTestProxy(t)
	ctx := testCtx(t)

	// Constant properties have no usable setter: rejected locally,
	// no bus round trip.
	if err := p.Set(ctx, "version", uint32(9)); err == nil {
		t.Error("Set of constant property succeeded, want error")
	}
	if err := p.Set(ctx, "my_prop", "wrong type"); err == nil {
		t.Error("Set with mistyped value succeeded, want error")
	}
	var v any
	if err := p.Get(ctx, "no_such_prop", &v); err == nil {
		t.Error("Get of undeclared property succeeded, want error")
	}
}

func TestProxyValidatesInterface(t *testing.T) {
	bus := busbindtest.NewBus()
	cli, err := bus.Connect(":1.9")
	if err != nil {
		t.Fatal(err)
	}
	bad := &busbind.InterfaceSpec{
		Name:    "org.test.Dup",
		Methods: []*busbind.MethodSpec{{Name: "ping"}, {Name: "ping"}},
	}
	if _, err := busbind.NewProxy(cli, testService, testPath, bad); err == nil {
		t.Error("NewProxy accepted an invalid interface")
	}
}
