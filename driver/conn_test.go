package driver

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/wire"
)

func TestEncodeArgsPrependsCommand(t *testing.T) {
	full, err := encodeArgs(wire.Bytes{}, "SET", []any{"key", 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(full) != 3 {
		t.Fatalf("unexpected arg count: %d", len(full))
	}
	if full[0] != "SET" {
		t.Fatalf("command must stay first, got %v", full[0])
	}
	if !bytes.Equal(full[1].([]byte), []byte("key")) {
		t.Fatalf("unexpected key: %v", full[1])
	}
	if !bytes.Equal(full[2].([]byte), []byte("42")) {
		t.Fatalf("unexpected value: %v", full[2])
	}
}

func TestEncodeArgsRejectsUnsupportedValues(t *testing.T) {
	_, err := encodeArgs(wire.Bytes{}, "SET", []any{struct{}{}})
	if err == nil {
		t.Fatal("expected unsupported value error")
	}
}

func TestDecodeReplyNested(t *testing.T) {
	raw := []any{"first", []any{"second", int64(7)}, int64(3)}

	decoded, err := decodeReply(wire.Bytes{}, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	list, ok := decoded.([]any)
	if !ok {
		t.Fatalf("expected []any, got %T", decoded)
	}
	if !bytes.Equal(list[0].([]byte), []byte("first")) {
		t.Fatalf("unexpected first element: %v", list[0])
	}
	inner := list[1].([]any)
	if !bytes.Equal(inner[0].([]byte), []byte("second")) {
		t.Fatalf("unexpected nested element: %v", inner[0])
	}
	if inner[1] != int64(7) || list[2] != int64(3) {
		t.Fatal("integers must pass through untouched")
	}
}

func TestDecodeReplyStringCodec(t *testing.T) {
	decoded, err := decodeReply(wire.String{}, "hello")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != "hello" {
		t.Fatalf("unexpected value: %v", decoded)
	}
}

func TestCommandConnRejectsUseAfterClose(t *testing.T) {
	conn := &commandConn{codec: wire.Bytes{}}
	conn.closed.Store(true)

	if conn.Open() {
		t.Fatal("expected closed state")
	}
	if _, err := conn.Do(context.Background(), "PING"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if err := conn.Ping(context.Background()); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if err := conn.Select(context.Background(), 1); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

func TestRoutedConnCloseIsLogical(t *testing.T) {
	conn := newRoutedConn(nil, wire.Bytes{})
	if conn.Kind() != KindCommand {
		t.Fatalf("unexpected kind: %s", conn.Kind())
	}
	if !conn.Open() {
		t.Fatal("expected open state")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if conn.Open() {
		t.Fatal("expected closed state")
	}
	if _, err := conn.Do(context.Background(), "PING"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

func TestRoutedConnRejectsSelect(t *testing.T) {
	conn := newRoutedConn(nil, wire.Bytes{})
	if err := conn.Select(context.Background(), 1); err == nil {
		t.Fatal("expected select rejection")
	}
}

func TestStreamConnCloseWithoutSubscription(t *testing.T) {
	conn := newStreamConn(nil, wire.Buffer{}, zerolog.Nop())
	if conn.Kind() != KindStream {
		t.Fatalf("unexpected kind: %s", conn.Kind())
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case _, ok := <-conn.Messages():
		if ok {
			t.Fatal("expected no messages")
		}
	case <-time.After(time.Second):
		t.Fatal("expected message channel to close")
	}

	if err := conn.Subscribe(context.Background(), "events"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

func TestStreamConnDoAsyncAfterClose(t *testing.T) {
	conn := newStreamConn(nil, wire.Buffer{}, zerolog.Nop())
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case reply := <-conn.DoAsync(context.Background(), "PING"):
		if !errors.Is(reply.Err, ErrConnClosed) {
			t.Fatalf("expected ErrConnClosed, got %v", reply.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an immediate reply")
	}
}

func TestStreamConnDoAsyncEncodeFailure(t *testing.T) {
	conn := newStreamConn(nil, wire.Buffer{}, zerolog.Nop())
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case reply := <-conn.DoAsync(context.Background(), "SET", struct{}{}):
		if reply.Err == nil {
			t.Fatal("expected encode failure")
		}
	case <-time.After(time.Second):
		t.Fatal("expected an immediate reply")
	}
}
