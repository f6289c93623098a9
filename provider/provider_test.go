package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/driver"
)

type fakeConn struct {
	kind    driver.ConnKind
	pingErr error
	closed  atomic.Bool
}

func (c *fakeConn) Kind() driver.ConnKind      { return c.kind }
func (c *fakeConn) Open() bool                 { return !c.closed.Load() }
func (c *fakeConn) Ping(context.Context) error { return c.pingErr }
func (c *fakeConn) Close() error               { c.closed.Store(true); return nil }

type fakeProvider struct {
	mu         sync.Mutex
	acquireErr error
	releaseErr error
	acquired   int
	released   []driver.Conn
}

func (p *fakeProvider) Acquire(_ context.Context, kind driver.ConnKind) (driver.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	return &fakeConn{kind: kind}, nil
}

func (p *fakeProvider) AcquireAsync(ctx context.Context, kind driver.ConnKind) <-chan Acquired {
	return acquireAsync(ctx, p, kind)
}

func (p *fakeProvider) Release(_ context.Context, conn driver.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, conn)
	if p.releaseErr != nil {
		return p.releaseErr
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (p *fakeProvider) ReleaseAsync(ctx context.Context, conn driver.Conn) <-chan error {
	return releaseAsync(ctx, p, conn)
}

func (p *fakeProvider) acquireCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

func (p *fakeProvider) releasedConns() []driver.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]driver.Conn, len(p.released))
	copy(out, p.released)
	return out
}

type fakeNodeProvider struct {
	fakeProvider
	nodeErr   error
	nodeAddrs []string
	disposed  atomic.Bool
}

func (p *fakeNodeProvider) AcquireNode(_ context.Context, kind driver.ConnKind, addr string) (driver.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nodeErr != nil {
		return nil, p.nodeErr
	}
	p.nodeAddrs = append(p.nodeAddrs, addr)
	return &fakeConn{kind: kind}, nil
}

func (p *fakeNodeProvider) Dispose() error {
	p.disposed.Store(true)
	return nil
}

func testHandle(t *testing.T, topo config.Topology) *driver.Handle {
	t.Helper()
	h, err := driver.New(context.Background(), topo, config.ClientConfig{}, driver.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return h
}

func TestNewSelectsProviderPerTopology(t *testing.T) {
	standalone := testHandle(t, config.Standalone{Host: "127.0.0.1", Port: 6379})
	p, err := New(standalone, config.ClientConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &singleProvider{}, p)

	socket := testHandle(t, config.Socket{Path: "/tmp/redis.sock"})
	p, err = New(socket, config.ClientConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &singleProvider{}, p)

	sentinel := testHandle(t, config.Sentinel{
		Master:    "mymaster",
		Sentinels: []config.Node{{Host: "127.0.0.1", Port: 26379}},
	})
	p, err = New(sentinel, config.ClientConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &singleProvider{}, p)

	cluster := testHandle(t, config.Cluster{Nodes: []config.Node{{Host: "127.0.0.1", Port: 7000}}})
	p, err = New(cluster, config.ClientConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &clusterProvider{}, p)
	_, ok := p.(NodeProvider)
	require.True(t, ok, "cluster provider must be target-aware")
	_, ok = p.(Disposable)
	require.True(t, ok, "cluster provider must be disposable")

	static := testHandle(t, config.StaticMasterReplica{
		Nodes: []config.Node{{Host: "127.0.0.1", Port: 6379}, {Host: "127.0.0.1", Port: 6380}},
	})
	p, err = New(static, config.ClientConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &replicaProvider{}, p)
	_, ok = p.(NodeProvider)
	require.True(t, ok, "static provider must be target-aware")
}

func TestNewRequiresHandle(t *testing.T) {
	_, err := New(nil, config.ClientConfig{}, zerolog.Nop())
	require.Error(t, err)
}

func TestDisposeHelper(t *testing.T) {
	plain := &fakeProvider{}
	require.NoError(t, Dispose(plain))

	node := &fakeNodeProvider{}
	require.NoError(t, Dispose(node))
	require.True(t, node.disposed.Load())
}

func TestAcquireAsyncDeliversExactlyOneResult(t *testing.T) {
	p := &fakeProvider{}
	ch := p.AcquireAsync(context.Background(), driver.KindCommand)

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Conn)
	case <-time.After(time.Second):
		t.Fatal("expected a result")
	}

	_, open := <-ch
	require.False(t, open, "channel must close after the single result")
}

func TestReleaseAsyncDeliversResult(t *testing.T) {
	p := &fakeProvider{}
	conn := &fakeConn{kind: driver.KindCommand}

	select {
	case err := <-p.ReleaseAsync(context.Background(), conn):
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected a result")
	}
	require.False(t, conn.Open())
}
