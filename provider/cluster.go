package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/driver"
)

// clusterProvider serves sharded deployments. Untargeted acquisitions ride
// the routing client; targeted acquisitions go through per-node clients
// cached for the provider's lifetime.
type clusterProvider struct {
	handle *driver.Handle
	logger zerolog.Logger
	nodes  *xsync.MapOf[string, *redis.Client]
}

func newClusterProvider(handle *driver.Handle, logger zerolog.Logger) *clusterProvider {
	return &clusterProvider{
		handle: handle,
		logger: logger.With().Str("component", "provider").Str("topology", "cluster").Logger(),
		nodes:  xsync.NewMapOf[string, *redis.Client](),
	}
}

func (p *clusterProvider) Acquire(ctx context.Context, kind driver.ConnKind) (driver.Conn, error) {
	if kind == driver.KindStream {
		return p.handle.Stream(ctx)
	}
	return p.handle.Command(ctx)
}

func (p *clusterProvider) AcquireAsync(ctx context.Context, kind driver.ConnKind) <-chan Acquired {
	return acquireAsync(ctx, p, kind)
}

func (p *clusterProvider) Release(_ context.Context, conn driver.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (p *clusterProvider) ReleaseAsync(ctx context.Context, conn driver.Conn) <-chan error {
	return releaseAsync(ctx, p, conn)
}

// AcquireNode opens a connection to one explicitly addressed cluster node.
func (p *clusterProvider) AcquireNode(ctx context.Context, kind driver.ConnKind, addr string) (driver.Conn, error) {
	client, err := p.nodeClient(addr)
	if err != nil {
		return nil, err
	}
	conn, err := driver.NodeConn(ctx, client, kind, p.logger)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().Str("kind", string(kind)).Str("addr", addr).Msg("node connection acquired")
	return conn, nil
}

func (p *clusterProvider) nodeClient(addr string) (*redis.Client, error) {
	if client, ok := p.nodes.Load(addr); ok {
		return client, nil
	}
	client, err := p.handle.NodeClient(addr)
	if err != nil {
		return nil, err
	}
	actual, loaded := p.nodes.LoadOrStore(addr, client)
	if loaded {
		// Another goroutine won the race; keep its client.
		_ = client.Close()
	}
	return actual, nil
}

// Nodes discovers every node currently part of the cluster, masters and
// replicas alike, in stable order.
func (p *clusterProvider) Nodes(ctx context.Context) ([]string, error) {
	return p.discover(ctx, func(cluster *redis.ClusterClient, fn func(context.Context, *redis.Client) error) error {
		return cluster.ForEachShard(ctx, fn)
	})
}

// Masters discovers the current master nodes in stable order.
func (p *clusterProvider) Masters(ctx context.Context) ([]string, error) {
	return p.discover(ctx, func(cluster *redis.ClusterClient, fn func(context.Context, *redis.Client) error) error {
		return cluster.ForEachMaster(ctx, fn)
	})
}

func (p *clusterProvider) discover(ctx context.Context, walk func(*redis.ClusterClient, func(context.Context, *redis.Client) error) error) ([]string, error) {
	cluster, ok := p.handle.Native().(*redis.ClusterClient)
	if !ok {
		return nil, fmt.Errorf("redis: handle is not cluster-capable")
	}
	var (
		mu    sync.Mutex
		addrs []string
	)
	err := walk(cluster, func(_ context.Context, client *redis.Client) error {
		mu.Lock()
		addrs = append(addrs, client.Options().Addr)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(addrs)
	return addrs, nil
}

// Dispose closes every cached node client.
func (p *clusterProvider) Dispose() error {
	var firstErr error
	p.nodes.Range(func(addr string, client *redis.Client) bool {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close node client %s: %w", addr, err)
		}
		p.nodes.Delete(addr)
		return true
	})
	return firstErr
}
