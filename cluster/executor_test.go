package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/redwire/driver"
	"github.com/timzifer/redwire/provider"
)

type fakeNodeConn struct {
	addr   string
	closed atomic.Bool
}

func (c *fakeNodeConn) Kind() driver.ConnKind      { return driver.KindCommand }
func (c *fakeNodeConn) Open() bool                 { return !c.closed.Load() }
func (c *fakeNodeConn) Ping(context.Context) error { return nil }
func (c *fakeNodeConn) Close() error               { c.closed.Store(true); return nil }

func (c *fakeNodeConn) Do(_ context.Context, cmd string, _ ...any) (any, error) {
	return c.addr + " " + cmd, nil
}

func (c *fakeNodeConn) Select(context.Context, int) error { return nil }

type fakeNodes struct {
	mu       sync.Mutex
	fail     map[string]error
	acquired map[string]int
	released []driver.Conn
	conns    map[string]*fakeNodeConn
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{
		fail:     map[string]error{},
		acquired: map[string]int{},
		conns:    map[string]*fakeNodeConn{},
	}
}

func (p *fakeNodes) Acquire(_ context.Context, kind driver.ConnKind) (driver.Conn, error) {
	return &fakeNodeConn{addr: "untargeted"}, nil
}

func (p *fakeNodes) AcquireAsync(ctx context.Context, kind driver.ConnKind) <-chan provider.Acquired {
	out := make(chan provider.Acquired, 1)
	conn, err := p.Acquire(ctx, kind)
	out <- provider.Acquired{Conn: conn, Err: err}
	close(out)
	return out
}

func (p *fakeNodes) Release(_ context.Context, conn driver.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, conn)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (p *fakeNodes) ReleaseAsync(ctx context.Context, conn driver.Conn) <-chan error {
	out := make(chan error, 1)
	out <- p.Release(ctx, conn)
	close(out)
	return out
}

func (p *fakeNodes) AcquireNode(_ context.Context, _ driver.ConnKind, addr string) (driver.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[addr]; err != nil {
		return nil, err
	}
	p.acquired[addr]++
	conn := &fakeNodeConn{addr: addr}
	p.conns[addr] = conn
	return conn, nil
}

func (p *fakeNodes) acquireCount(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired[addr]
}

func (p *fakeNodes) releasedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.released)
}

type fakeDiscovery struct {
	mu    sync.Mutex
	addrs []string
	err   error
	calls int
}

func (d *fakeDiscovery) Nodes(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.addrs, nil
}

func (d *fakeDiscovery) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func echoTask(ctx context.Context, conn driver.CommandConn) (any, error) {
	return conn.Do(ctx, "PING")
}

func TestExecuteOnDiscoveredNodes(t *testing.T) {
	discovery := &fakeDiscovery{addrs: []string{"10.0.0.2:7001", "10.0.0.1:7000", "10.0.0.3:7002"}}
	nodes := newFakeNodes()
	e, err := New(discovery, nodes)
	require.NoError(t, err)

	results, err := e.Execute(context.Background(), echoTask)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Results come back in stable address order.
	require.Equal(t, "10.0.0.1:7000", results[0].Addr)
	require.Equal(t, "10.0.0.1:7000 PING", results[0].Value)
	require.Equal(t, "10.0.0.3:7002", results[2].Addr)
	require.Equal(t, 1, discovery.callCount())
}

func TestExecuteOnExplicitNodes(t *testing.T) {
	discovery := &fakeDiscovery{addrs: []string{"10.0.0.1:7000", "10.0.0.2:7001"}}
	nodes := newFakeNodes()
	e, err := New(discovery, nodes)
	require.NoError(t, err)

	results, err := e.Execute(context.Background(), echoTask, "10.0.0.2:7001")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "10.0.0.2:7001", results[0].Addr)
	require.Equal(t, 0, discovery.callCount(), "explicit targets must not trigger discovery")
}

func TestExecuteDeduplicatesTargets(t *testing.T) {
	nodes := newFakeNodes()
	e, err := New(&fakeDiscovery{}, nodes)
	require.NoError(t, err)

	results, err := e.Execute(context.Background(), echoTask, "a:1", "a:1", "b:2", "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1, nodes.acquireCount("a:1"))
}

func TestExecuteReusesCachedConnections(t *testing.T) {
	discovery := &fakeDiscovery{addrs: []string{"10.0.0.1:7000", "10.0.0.2:7001"}}
	nodes := newFakeNodes()
	e, err := New(discovery, nodes)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), echoTask)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), echoTask)
	require.NoError(t, err)

	require.Equal(t, 1, nodes.acquireCount("10.0.0.1:7000"))
	require.Equal(t, 1, nodes.acquireCount("10.0.0.2:7001"))
}

func TestExecuteReplacesClosedConnections(t *testing.T) {
	discovery := &fakeDiscovery{addrs: []string{"10.0.0.1:7000"}}
	nodes := newFakeNodes()
	e, err := New(discovery, nodes)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), echoTask)
	require.NoError(t, err)

	// The cached connection dies between executions.
	require.NoError(t, nodes.conns["10.0.0.1:7000"].Close())

	_, err = e.Execute(context.Background(), echoTask)
	require.NoError(t, err)
	require.Equal(t, 2, nodes.acquireCount("10.0.0.1:7000"))
	require.Equal(t, 1, nodes.releasedCount(), "the dead connection must be released once")
}

func TestExecuteTranslatesTaskFailures(t *testing.T) {
	nodes := newFakeNodes()
	e, err := New(&fakeDiscovery{}, nodes)
	require.NoError(t, err)

	failing := func(context.Context, driver.CommandConn) (any, error) {
		return nil, errors.New("node exploded")
	}
	results, err := e.Execute(context.Background(), failing, "10.0.0.1:7000")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, driver.IsConnectError(results[0].Err))
	require.ErrorContains(t, results[0].Err, "node exploded")
}

func TestExecuteTranslatesAcquireFailures(t *testing.T) {
	nodes := newFakeNodes()
	nodes.fail["10.0.0.2:7001"] = errors.New("connection refused")
	e, err := New(&fakeDiscovery{}, nodes)
	require.NoError(t, err)

	results, err := e.Execute(context.Background(), echoTask, "10.0.0.1:7000", "10.0.0.2:7001")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.True(t, driver.IsConnectError(results[1].Err))
}

func TestExecuteDiscoveryFailure(t *testing.T) {
	e, err := New(&fakeDiscovery{err: errors.New("cluster unreachable")}, newFakeNodes())
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), echoTask)
	require.Error(t, err)
	require.True(t, driver.IsConnectError(err))
}

func TestDestroyReleasesAndBlocksFurtherUse(t *testing.T) {
	discovery := &fakeDiscovery{addrs: []string{"10.0.0.1:7000", "10.0.0.2:7001"}}
	nodes := newFakeNodes()
	e, err := New(discovery, nodes)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), echoTask)
	require.NoError(t, err)

	require.NoError(t, e.Destroy())
	require.Equal(t, 2, nodes.releasedCount())
	require.NoError(t, e.Destroy(), "destroy must be idempotent")
	require.Equal(t, 2, nodes.releasedCount())

	_, err = e.Execute(context.Background(), echoTask)
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestExecuteRunsNodesConcurrently(t *testing.T) {
	addrs := make([]string, 8)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.0.%d:7000", i+1)
	}
	nodes := newFakeNodes()
	e, err := New(&fakeDiscovery{addrs: addrs}, nodes, WithSlots(4))
	require.NoError(t, err)

	var peak, current atomic.Int32
	task := func(ctx context.Context, conn driver.CommandConn) (any, error) {
		now := current.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		defer current.Add(-1)
		return conn.Do(ctx, "PING")
	}

	results, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, results, 8)
	require.LessOrEqual(t, peak.Load(), int32(4), "worker slots must bound concurrency")
}

func TestRunWorkersSequentialFallback(t *testing.T) {
	out := runWorkers(context.Background(), 1, []int{1, 2, 3}, func(_ context.Context, v int) int {
		return v * 2
	})
	require.Equal(t, []int{2, 4, 6}, out)
}

func TestRunWorkersStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := runWorkers(ctx, 2, []int{1, 2, 3, 4}, func(_ context.Context, v int) int {
		return v
	})
	require.Empty(t, out)
}
