package provider

import (
	"context"

	"github.com/timzifer/redwire/driver"
)

// translating normalizes acquisition failures of its delegate into the
// library's error taxonomy. Failures already carrying a taxonomy kind pass
// through untouched; releases are never rewrapped.
type translating struct {
	delegate Provider
}

// translatingNode additionally forwards the target-aware capability. It only
// exists for delegates that expose NodeProvider themselves.
type translatingNode struct {
	translating
	node NodeProvider
}

// NewTranslating wraps delegate so every acquisition failure carries the
// library's connection-failure or timeout kind. The delegate's optional
// capabilities survive the wrapping: the result is target-aware exactly when
// the delegate is.
func NewTranslating(delegate Provider) Provider {
	if delegate == nil {
		return nil
	}
	base := translating{delegate: delegate}
	if node, ok := delegate.(NodeProvider); ok {
		return &translatingNode{translating: base, node: node}
	}
	return &base
}

func (t *translating) Acquire(ctx context.Context, kind driver.ConnKind) (driver.Conn, error) {
	conn, err := t.delegate.Acquire(ctx, kind)
	if err != nil {
		return nil, driver.Translate("acquire "+string(kind), err)
	}
	return conn, nil
}

// AcquireAsync forwards the delegate's asynchronous acquisition and rewrites
// the failure inside the forwarding goroutine, so the delegate keeps its own
// cancellation and timeout semantics.
func (t *translating) AcquireAsync(ctx context.Context, kind driver.ConnKind) <-chan Acquired {
	out := make(chan Acquired, 1)
	go func() {
		defer close(out)
		res, ok := <-t.delegate.AcquireAsync(ctx, kind)
		if !ok {
			out <- Acquired{Err: driver.Translate("acquire "+string(kind), context.Canceled)}
			return
		}
		if res.Err != nil {
			res.Conn = nil
			res.Err = driver.Translate("acquire "+string(kind), res.Err)
		}
		out <- res
	}()
	return out
}

func (t *translating) Release(ctx context.Context, conn driver.Conn) error {
	return t.delegate.Release(ctx, conn)
}

func (t *translating) ReleaseAsync(ctx context.Context, conn driver.Conn) <-chan error {
	return t.delegate.ReleaseAsync(ctx, conn)
}

// Dispose forwards to the delegate's teardown when it has one.
func (t *translating) Dispose() error {
	return Dispose(t.delegate)
}

func (t *translatingNode) AcquireNode(ctx context.Context, kind driver.ConnKind, addr string) (driver.Conn, error) {
	conn, err := t.node.AcquireNode(ctx, kind, addr)
	if err != nil {
		return nil, driver.Translate("acquire node "+addr, err)
	}
	return conn, nil
}
