package busbindtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/busbind/busbind"
	"github.com/busbind/busbind/busbindtest"
)

type echoHandler struct {
	conn *busbindtest.Conn
}

func (h *echoHandler) HandleMessage(ctx context.Context, msg *busbind.Message) error {
	return h.conn.Send(ctx, &busbind.Message{
		Kind:        busbind.KindReturn,
		Destination: msg.Sender,
		ReplySerial: msg.Serial,
		Signature:   msg.Signature,
		Body:        msg.Body,
	})
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectDuplicateName(t *testing.T) {
	bus := busbindtest.NewBus()
	if _, err := bus.Connect("org.test.A"); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Connect("org.test.A"); err == nil {
		t.Error("second Connect under the same name succeeded, want error")
	}
}

func TestCallRoundTrip(t *testing.T) {
	bus := busbindtest.NewBus()
	srv, err := bus.Connect("org.test.Echo")
	if err != nil {
		t.Fatal(err)
	}
	cli, err := bus.Connect(":1.2")
	if err != nil {
		t.Fatal(err)
	}
	srv.Export("/echo", &echoHandler{conn: srv})

	reply, err := cli.Call(testCtx(t), &busbind.Message{
		Kind:        busbind.KindCall,
		Destination: "org.test.Echo",
		Path:        "/echo",
		Interface:   "org.test.Echo",
		Member:      "Echo",
		Signature:   busbind.MustParseSignature("s"),
		Body:        []any{"ping"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Kind != busbind.KindReturn || reply.Body[0] != "ping" {
		t.Errorf("reply = %v %v", reply.Kind, reply.Body)
	}
	if reply.Sender != "org.test.Echo" {
		t.Errorf("reply sender = %q, want the server's name", reply.Sender)
	}
}

func TestOutOfOrderReplies(t *testing.T) {
	bus := busbindtest.NewBus()
	srv, err := bus.Connect("org.test.Slow")
	if err != nil {
		t.Fatal(err)
	}
	cli, err := bus.Connect(":1.2")
	if err != nil {
		t.Fatal(err)
	}

	// Park inbound calls instead of answering, so the test controls
	// completion order.
	calls := make(chan *busbind.Message, 2)
	srv.Export("/slow", busbindtest.HandlerFunc(func(ctx context.Context, msg *busbind.Message) error {
		calls <- msg
		return nil
	}))

	ctx := testCtx(t)
	type result struct {
		reply *busbind.Message
		err   error
	}
	call := func(member string) chan result {
		ch := make(chan result, 1)
		go func() {
			reply, err := cli.Call(ctx, &busbind.Message{
				Kind:        busbind.KindCall,
				Destination: "org.test.Slow",
				Path:        "/slow",
				Interface:   "org.test.Slow",
				Member:      member,
			})
			ch <- result{reply, err}
		}()
		return ch
	}
	results := map[string]chan result{
		"First":  call("First"),
		"Second": call("Second"),
	}

	var pending []*busbind.Message
	for len(pending) < 2 {
		select {
		case m := <-calls:
			pending = append(pending, m)
		case <-time.After(5 * time.Second):
			t.Fatal("calls were not delivered")
		}
	}

	// Complete in reverse arrival order. Each caller must still get
	// the reply correlated to its own serial, carrying the member it
	// called.
	for i := len(pending) - 1; i >= 0; i-- {
		m := pending[i]
		if err := srv.Send(ctx, &busbind.Message{
			Kind:        busbind.KindReturn,
			Destination: m.Sender,
			ReplySerial: m.Serial,
			Signature:   busbind.MustParseSignature("s"),
			Body:        []any{m.Member},
		}); err != nil {
			t.Fatalf("replying to %s: %v", m.Member, err)
		}
	}

	for member, ch := range results {
		select {
		case r := <-ch:
			if r.err != nil {
				t.Fatalf("call %s: %v", member, r.err)
			}
			if got := r.reply.Body[0]; got != member {
				t.Errorf("call %s received the reply for %v", member, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("call %s did not complete", member)
		}
	}
}

func TestCallUnknownDestination(t *testing.T) {
	bus := busbindtest.NewBus()
	cli, err := bus.Connect(":1.2")
	if err != nil {
		t.Fatal(err)
	}
	_, err = cli.Call(testCtx(t), &busbind.Message{
		Kind:        busbind.KindCall,
		Destination: "org.test.Nobody",
		Path:        "/x",
		Interface:   "org.test.X",
		Member:      "M",
	})
	if err == nil {
		t.Error("call to an unknown destination succeeded, want error")
	}
}

func TestCloseFailsPendingCall(t *testing.T) {
	bus := busbindtest.NewBus()
	srv, err := bus.Connect("org.test.Mute")
	if err != nil {
		t.Fatal(err)
	}
	cli, err := bus.Connect(":1.2")
	if err != nil {
		t.Fatal(err)
	}
	// A handler that never replies leaves the call pending until the
	// caller's connection goes away.
	srv.Export("/mute", busbindtest.HandlerFunc(func(ctx context.Context, msg *busbind.Message) error {
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := cli.Call(testCtx(t), &busbind.Message{
			Kind:        busbind.KindCall,
			Destination: "org.test.Mute",
			Path:        "/mute",
			Interface:   "org.test.Mute",
			Member:      "M",
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cli.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Error("pending call survived connection close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail after Close")
	}
}

func TestSignalFanOut(t *testing.T) {
	bus := busbindtest.NewBus()
	src, err := bus.Connect("org.test.Src")
	if err != nil {
		t.Fatal(err)
	}
	a, err := bus.Connect(":1.2")
	if err != nil {
		t.Fatal(err)
	}
	b, err := bus.Connect(":1.3")
	if err != nil {
		t.Fatal(err)
	}

	ctx := testCtx(t)
	rule := &busbind.MatchRule{Interface: "org.test.Src", Member: "Tick"}
	chA, cancelA, err := a.Subscribe(ctx, rule)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cancelA)
	chB, cancelB, err := b.Subscribe(ctx, rule)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cancelB)

	if err := src.Send(ctx, &busbind.Message{
		Kind:      busbind.KindSignal,
		Path:      "/src",
		Interface: "org.test.Src",
		Member:    "Tick",
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, ch := range []<-chan *busbind.Message{chA, chB} {
		select {
		case m := <-ch:
			if m.Member != "Tick" || m.Sender != "org.test.Src" {
				t.Errorf("delivered signal = %s from %s", m.Member, m.Sender)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("signal not delivered to all subscribers")
		}
	}
}
