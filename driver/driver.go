// Package driver wraps the native go-redis client behind the narrow surface
// the connection layer needs: building clients per topology, extracting
// dedicated connections, and tearing everything down within a time budget.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/wire"
)

// Handle owns one native client for the lifetime of a factory start/stop
// cycle. It is never shared across factories; the owning factory creates it
// in Start and shuts it down in Stop.
type Handle struct {
	topo   config.Topology
	client config.ClientConfig
	set    settings
	logger zerolog.Logger
	rdb    redis.UniversalClient
}

// New builds a handle for the given topology. The context bounds credential
// resolution; no connection is established until the first command or an
// explicit Ping.
func New(ctx context.Context, topo config.Topology, client config.ClientConfig, opts ...Option) (*Handle, error) {
	if topo == nil {
		return nil, errors.New("redis: topology is required")
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	s := newSettings(opts)
	h := &Handle{
		topo:   topo,
		client: client,
		set:    s,
		logger: s.logger.With().Str("component", "driver").Str("topology", string(topo.Kind())).Logger(),
	}

	switch t := topo.(type) {
	case config.Standalone:
		o, err := buildStandaloneOptions(t, client, s)
		if err != nil {
			return nil, err
		}
		h.rdb = redis.NewClient(o)
	case config.Socket:
		o, err := buildSocketOptions(t, client, s)
		if err != nil {
			return nil, err
		}
		h.rdb = redis.NewClient(o)
	case config.Sentinel:
		o, err := buildFailoverOptions(ctx, t, client, s)
		if err != nil {
			return nil, err
		}
		h.rdb = redis.NewFailoverClient(o)
	case config.Cluster:
		o, err := buildClusterOptions(t, client, s)
		if err != nil {
			return nil, err
		}
		h.rdb = redis.NewClusterClient(o)
	case config.StaticMasterReplica:
		// The handle speaks to the designated master; replica routing is the
		// replica provider's concern via NodeClient.
		o, err := buildNodeOptions(t.Master().Addr(), t.Database, t.Credentials, s.dataProvider(t), client, s)
		if err != nil {
			return nil, err
		}
		h.rdb = redis.NewClient(o)
	default:
		return nil, fmt.Errorf("redis: unsupported topology %q", topo.Kind())
	}

	h.logger.Debug().Msg("native client built")
	return h, nil
}

// Topology returns the deployment the handle was built for.
func (h *Handle) Topology() config.Topology { return h.topo }

// Native exposes the underlying client for callers that need the full
// command surface.
func (h *Handle) Native() redis.UniversalClient { return h.rdb }

// Ping probes the deployment.
func (h *Handle) Ping(ctx context.Context) error {
	return h.rdb.Ping(ctx).Err()
}

// Command extracts a dedicated imperative connection. Cluster handles have
// no dedicated-connection concept; they return a routed connection that
// shares the native client.
func (h *Handle) Command(ctx context.Context) (CommandConn, error) {
	switch client := h.rdb.(type) {
	case *redis.Client:
		conn := client.Conn()
		if err := conn.Ping(ctx).Err(); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return newCommandConn(conn, wire.Bytes{}), nil
	default:
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return newRoutedConn(h.rdb, wire.Bytes{}), nil
	}
}

// Stream extracts a push-oriented connection backed by the shared native
// client.
func (h *Handle) Stream(ctx context.Context) (StreamConn, error) {
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return newStreamConn(h.rdb, wire.Buffer{}, h.logger), nil
}

// NodeConn wraps a dedicated single-node client in a logical connection of
// the requested kind. The client stays owned by the caller; closing the
// returned connection does not close it for the stream kind.
func NodeConn(ctx context.Context, client *redis.Client, kind ConnKind, logger zerolog.Logger) (Conn, error) {
	switch kind {
	case KindCommand:
		conn := client.Conn()
		if err := conn.Ping(ctx).Err(); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return newCommandConn(conn, wire.Bytes{}), nil
	case KindStream:
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return newStreamConn(client, wire.Buffer{}, logger), nil
	default:
		return nil, fmt.Errorf("redis: unknown connection kind %q", kind)
	}
}

// Sentinel returns a dedicated client for the sentinel tier. It probes the
// configured sentinels in order and connects to the first one that answers.
func (h *Handle) Sentinel(ctx context.Context) (*redis.SentinelClient, error) {
	topo, ok := h.topo.(config.Sentinel)
	if !ok {
		return nil, fmt.Errorf("redis: topology %q has no sentinel tier", h.topo.Kind())
	}
	username, password, err := sentinelAuth(ctx, topo, h.set)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range topo.Addrs() {
		o := &redis.Options{
			Addr:     addr,
			Username: username,
			Password: password,
		}
		if err := h.set.apply(o, h.client); err != nil {
			return nil, err
		}
		cli := redis.NewSentinelClient(o)
		if err := cli.GetMasterAddrByName(ctx, topo.Master).Err(); err != nil {
			lastErr = err
			_ = cli.Close()
			continue
		}
		return cli, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no sentinel configured")
	}
	return nil, &ConnectError{Op: "sentinel connect", Err: lastErr}
}

// NodeClient builds a single-node client addressed directly, carrying the
// same credentials, database and client options as the handle. Providers use
// it for per-node routing; the caller owns the returned client.
func (h *Handle) NodeClient(addr string) (*redis.Client, error) {
	var (
		db    int
		creds config.Credentials
	)
	switch t := h.topo.(type) {
	case config.Standalone:
		db, creds = t.Database, t.Credentials
	case config.Sentinel:
		db, creds = t.Database, t.Credentials
	case config.Cluster:
		creds = t.Credentials
	case config.StaticMasterReplica:
		db, creds = t.Database, t.Credentials
	default:
		return nil, fmt.Errorf("redis: topology %q does not support node clients", h.topo.Kind())
	}
	o, err := buildNodeOptions(addr, db, creds, h.set.dataProvider(h.topo), h.client, h.set)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(o), nil
}

// Shutdown waits the quiet period, then closes the native client within the
// timeout. A zero timeout waits indefinitely.
func (h *Handle) Shutdown(ctx context.Context, quiet, timeout time.Duration) error {
	if quiet > 0 {
		timer := time.NewTimer(quiet)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.rdb.Close() }()

	if timeout <= 0 {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &TimeoutError{Op: "shutdown", After: timeout, Err: errors.New("native client close incomplete")}
	case <-ctx.Done():
		return ctx.Err()
	}
}
