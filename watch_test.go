package busbind_test

import (
	"errors"
	"testing"
	"time"

	"github.com/busbind/busbind"
)

func newWatchFixture(t *testing.T) (*testFixture, *busbind.Proxy) {
	t.Helper()
	f := newTestFixture(t)
	p, err := busbind.NewProxy(f.cli, testService, testPath, testIface())
	if err != nil {
		t.Fatal(err)
	}
	return f, p
}

func waitEvent(t *testing.T, sub *busbind.Subscription) *busbind.SignalEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Chan():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal event")
		return nil
	}
}

func TestSubscribeAndDecode(t *testing.T) {
	f, p := newWatchFixture(t)
	ctx := testCtx(t)

	sub, err := p.Subscribe(ctx, "frobbed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := f.d.Emit(ctx, "frobbed", byte(23), "ergo sum"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	ev := waitEvent(t, sub)
	if ev.Path != testPath {
		t.Errorf("event path = %q, want %q", ev.Path, testPath)
	}
	var (
		arg   byte
		other string
	)
	if err := ev.Decode(&arg, &other); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if arg != 23 || other != "ergo sum" {
		t.Errorf("decoded = %d, %q", arg, other)
	}
}

// A message can match a subscription's identity and still carry a
// body the interface never declared; that is a decode failure on
// that one event, not a delivery failure.
func TestDecodeMismatchedBody(t *testing.T) {
	f, p := newWatchFixture(t)
	ctx := testCtx(t)

	sub, err := p.Subscribe(ctx, "frobbed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := f.srv.Send(ctx, &busbind.Message{
		Kind:      busbind.KindSignal,
		Path:      testPath,
		Interface: "org.test.Frobnicator",
		Member:    "Frobbed",
		Signature: busbind.MustParseSignature("s"),
		Body:      []any{"no byte here"},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev := waitEvent(t, sub)
	var (
		arg   byte
		other string
	)
	err = ev.Decode(&arg, &other)
	var de busbind.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Decode error is %T (%v), want DecodeError", err, err)
	}
	if de.Member != "Frobbed" || de.Want.String() != "ys" || de.Got.String() != "s" {
		t.Errorf("DecodeError = %+v", de)
	}

	// The subscription survives the bad event.
	if err := f.d.Emit(ctx, "frobbed", byte(1), "fine"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ev = waitEvent(t, sub)
	if err := ev.Decode(&arg, &other); err != nil {
		t.Errorf("Decode after bad event: %v", err)
	}
}

func TestDecodeArity(t *testing.T) {
	f, p := newWatchFixture(t)
	ctx := testCtx(t)

	sub, err := p.Subscribe(ctx, "frobbed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := f.d.Emit(ctx, "frobbed", byte(1), "x"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ev := waitEvent(t, sub)

	var arg byte
	if err := ev.Decode(&arg); err == nil {
		t.Error("Decode with too few destinations succeeded, want error")
	}
	// A failed decode does not consume the event.
	var other string
	if err := ev.Decode(&arg, &other); err != nil {
		t.Errorf("Decode retry: %v", err)
	}
}

func TestSubscribeNonMatching(t *testing.T) {
	f, p := newWatchFixture(t)
	ctx := testCtx(t)

	sub, err := p.Subscribe(ctx, "frobbed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// A different member, then a different path: neither may be
	// delivered, and neither is an error.
	for _, msg := range []*busbind.Message{
		{
			Kind: busbind.KindSignal, Path: testPath,
			Interface: "org.test.Frobnicator", Member: "SomethingElse",
		},
		{
			Kind: busbind.KindSignal, Path: "/elsewhere",
			Interface: "org.test.Frobnicator", Member: "Frobbed",
			Signature: busbind.MustParseSignature("ys"),
			Body:      []any{byte(0), ""},
		},
	} {
		if err := f.srv.Send(ctx, msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// A sentinel proves the non-matching messages yielded nothing:
	// the first delivery we observe is the sentinel.
	if err := f.d.Emit(ctx, "frobbed", byte(9), "sentinel"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ev := waitEvent(t, sub)
	var (
		arg   byte
		other string
	)
	if err := ev.Decode(&arg, &other); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if arg != 9 || other != "sentinel" {
		t.Errorf("first delivered event = %d, %q; want the sentinel", arg, other)
	}
}

func TestSubscriptionOverflow(t *testing.T) {
	f, p := newWatchFixture(t)
	ctx := testCtx(t)

	sub, err := p.Subscribe(ctx, "frobbed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Nobody drains the subscription while these go out, so the
	// queue must cap out and mark the cut.
	for i := range 60 {
		if err := f.d.Emit(ctx, "frobbed", byte(i), "flood"); err != nil {
			t.Fatalf("Emit %d: %v", i, err)
		}
	}

	for {
		select {
		case ev := <-sub.Chan():
			if ev.Overflow {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no event carried the overflow mark")
		}
	}
}

func TestSubscriptionClose(t *testing.T) {
	f, p := newWatchFixture(t)
	ctx := testCtx(t)

	sub, err := p.Subscribe(ctx, "frobbed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sub.Close()
	sub.Close() // idempotent

	select {
	case _, ok := <-sub.Chan():
		if ok {
			t.Error("received event after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after Close")
	}

	// Emitting after close must not block the emitter.
	done := make(chan error, 1)
	go func() { done <- f.d.Emit(ctx, "frobbed", byte(0), "after close") }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Emit after subscriber close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked after subscriber close")
	}
}

func TestSubscriptionTransportDrop(t *testing.T) {
	f, p := newWatchFixture(t)
	ctx := testCtx(t)

	sub, err := p.Subscribe(ctx, "frobbed")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Closing the client connection ends the transport stream; the
	// subscription must notice and close its channel.
	f.cli.Close()
	select {
	case _, ok := <-sub.Chan():
		if ok {
			t.Error("received event after transport drop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after transport drop")
	}
}
