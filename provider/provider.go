// Package provider maps topologies to connection acquisition strategies. A
// provider hands out logical connections and takes them back; decorators add
// pooling and error translation without the acquiring side noticing.
package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/driver"
)

// Acquired is the outcome of an asynchronous acquisition. Exactly one value
// arrives on the channel returned by AcquireAsync; afterwards the channel is
// closed.
type Acquired struct {
	Conn driver.Conn
	Err  error
}

// Provider acquires and releases logical connections for one deployment.
// Implementations are safe for concurrent use.
type Provider interface {
	Acquire(ctx context.Context, kind driver.ConnKind) (driver.Conn, error)
	AcquireAsync(ctx context.Context, kind driver.ConnKind) <-chan Acquired
	Release(ctx context.Context, conn driver.Conn) error
	ReleaseAsync(ctx context.Context, conn driver.Conn) <-chan error
}

// NodeProvider is the optional capability of acquiring a connection to one
// explicitly addressed node. Only topology variants with stable per-node
// addressing expose it.
type NodeProvider interface {
	Provider
	AcquireNode(ctx context.Context, kind driver.ConnKind, addr string) (driver.Conn, error)
}

// Disposable is the optional teardown capability for providers that own
// resources beyond the driver handle.
type Disposable interface {
	Dispose() error
}

// New selects the provider for the handle's topology. The returned provider
// is undecorated; callers layer pooling and translation on top as needed.
func New(handle *driver.Handle, client config.ClientConfig, logger zerolog.Logger) (Provider, error) {
	if handle == nil {
		return nil, fmt.Errorf("redis: provider requires a driver handle")
	}
	switch topo := handle.Topology().(type) {
	case config.Standalone, config.Socket, config.Sentinel:
		return newSingleProvider(handle, logger), nil
	case config.Cluster:
		return newClusterProvider(handle, logger), nil
	case config.StaticMasterReplica:
		return newReplicaProvider(handle, topo, client, logger)
	default:
		return nil, fmt.Errorf("redis: no provider for topology %q", handle.Topology().Kind())
	}
}

// Dispose tears p down when it owns disposable resources; otherwise it is a
// no-op.
func Dispose(p Provider) error {
	if d, ok := p.(Disposable); ok {
		return d.Dispose()
	}
	return nil
}

// acquireAsync adapts a blocking acquire into the single-result channel
// shape shared by all providers.
func acquireAsync(ctx context.Context, p Provider, kind driver.ConnKind) <-chan Acquired {
	out := make(chan Acquired, 1)
	go func() {
		defer close(out)
		conn, err := p.Acquire(ctx, kind)
		out <- Acquired{Conn: conn, Err: err}
	}()
	return out
}

func releaseAsync(ctx context.Context, p Provider, conn driver.Conn) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		out <- p.Release(ctx, conn)
	}()
	return out
}
