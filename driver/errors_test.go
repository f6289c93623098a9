package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

type fakeNetError struct {
	timeout bool
}

func (e fakeNetError) Error() string   { return "fake net failure" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

func TestTranslateNil(t *testing.T) {
	if err := Translate("dial", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTranslateUnknownBecomesConnectError(t *testing.T) {
	cause := errors.New("boom")
	err := Translate("dial", cause)

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectError, got %T", err)
	}
	if connErr.Op != "dial" {
		t.Fatalf("unexpected op: %q", connErr.Op)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to stay reachable via errors.Is")
	}
}

func TestTranslateDeadlineExceeded(t *testing.T) {
	err := Translate("command", fmt.Errorf("wait: %w", context.DeadlineExceeded))
	if !IsTimeout(err) {
		t.Fatalf("expected timeout kind, got %T: %v", err, err)
	}
	if IsConnectError(err) {
		t.Fatal("timeout must not also carry the connection-failure kind")
	}
}

func TestTranslateNetTimeout(t *testing.T) {
	err := Translate("command", fakeNetError{timeout: true})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout kind, got %T: %v", err, err)
	}
}

func TestTranslateNetFailureWithoutTimeout(t *testing.T) {
	err := Translate("command", fakeNetError{timeout: false})
	if !IsConnectError(err) {
		t.Fatalf("expected connection-failure kind, got %T: %v", err, err)
	}
	if IsTimeout(err) {
		t.Fatal("non-timeout failure must not carry the timeout kind")
	}
}

func TestTranslatePassesThroughTranslatedErrors(t *testing.T) {
	first := Translate("dial", errors.New("boom"))
	wrapped := fmt.Errorf("acquire: %w", first)

	again := Translate("other", wrapped)
	if again != wrapped { //nolint:errorlint // identity check is the point
		t.Fatalf("expected pass-through, got %v", again)
	}

	timeout := Translate("command", fakeNetError{timeout: true})
	if Translate("other", timeout) != timeout { //nolint:errorlint
		t.Fatal("expected timeout pass-through")
	}
}

func TestConnectErrorMessage(t *testing.T) {
	err := &ConnectError{Addr: "127.0.0.1:6379", Op: "dial", Err: errors.New("refused")}
	msg := err.Error()
	for _, want := range []string{"127.0.0.1:6379", "dial", "refused"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestTimeoutErrorMessageAndNetError(t *testing.T) {
	err := &TimeoutError{Op: "command", After: 2 * time.Second, Err: errors.New("slow")}
	if !strings.Contains(err.Error(), "2s") {
		t.Fatalf("message %q missing budget", err.Error())
	}

	var netErr net.Error
	if !errors.As(error(err), &netErr) {
		t.Fatal("expected timeout to satisfy net.Error")
	}
	if !netErr.Timeout() {
		t.Fatal("expected Timeout() to report true")
	}
}
