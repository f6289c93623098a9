package provider

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/driver"
)

// nodeDesc describes one member of a static topology for routing decisions
// and filter expressions.
type nodeDesc struct {
	Addr  string
	Host  string
	Port  int
	Role  string
	Index int
}

func (d nodeDesc) env() map[string]interface{} {
	return map[string]interface{}{
		"addr":  d.Addr,
		"host":  d.Host,
		"port":  d.Port,
		"role":  d.Role,
		"index": d.Index,
	}
}

// replicaProvider serves a fixed master/replica node list. Imperative
// acquisitions go to the master so writes always succeed; push-oriented
// acquisitions follow the read preference across the member set. The member
// set never changes at runtime.
type replicaProvider struct {
	handle  *driver.Handle
	logger  zerolog.Logger
	members []nodeDesc
	readers []nodeDesc
	clients *xsync.MapOf[string, *redis.Client]
	next    atomic.Uint64
}

func newReplicaProvider(handle *driver.Handle, topo config.StaticMasterReplica, client config.ClientConfig, logger zerolog.Logger) (*replicaProvider, error) {
	if len(topo.Nodes) == 0 {
		return nil, fmt.Errorf("redis: static topology requires at least one node")
	}
	p := &replicaProvider{
		handle:  handle,
		logger:  logger.With().Str("component", "provider").Str("topology", "static_master_replica").Logger(),
		clients: xsync.NewMapOf[string, *redis.Client](),
	}
	for i, node := range topo.Nodes {
		role := "replica"
		if i == 0 {
			role = "master"
		}
		p.members = append(p.members, nodeDesc{
			Addr:  node.Addr(),
			Host:  node.Host,
			Port:  node.Port,
			Role:  role,
			Index: i,
		})
	}

	filter, err := compileReadFilter(client.ReadFromFilter)
	if err != nil {
		return nil, err
	}
	p.readers = p.selectReaders(client.ReadFrom, filter)
	return p, nil
}

func compileReadFilter(src string) (*vm.Program, error) {
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("redis: compile read_from_filter: %w", err)
	}
	return program, nil
}

// selectReaders orders the member set by the read preference, then narrows
// it through the filter expression. An empty result falls back to the
// unfiltered preference order so reads never dead-end on a bad filter.
func (p *replicaProvider) selectReaders(pref config.ReadFrom, filter *vm.Program) []nodeDesc {
	master := p.members[:1]
	replicas := p.members[1:]

	var ordered []nodeDesc
	switch pref {
	case config.ReadFromReplica:
		ordered = replicas
		if len(ordered) == 0 {
			ordered = master
		}
	case config.ReadFromReplicaPreferred:
		ordered = append(append([]nodeDesc{}, replicas...), master...)
	case config.ReadFromMasterPreferred:
		ordered = append(append([]nodeDesc{}, master...), replicas...)
	case config.ReadFromAny:
		ordered = p.members
	default:
		ordered = master
	}

	if filter == nil {
		return ordered
	}
	var kept []nodeDesc
	for _, node := range ordered {
		out, err := vm.Run(filter, node.env())
		if err != nil {
			p.logger.Warn().Err(err).Str("addr", node.Addr).Msg("read filter failed, skipping node")
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			kept = append(kept, node)
		}
	}
	if len(kept) == 0 {
		p.logger.Warn().Msg("read filter matched no node, using unfiltered preference order")
		return ordered
	}
	return kept
}

func (p *replicaProvider) Acquire(ctx context.Context, kind driver.ConnKind) (driver.Conn, error) {
	if kind == driver.KindStream {
		node := p.nextReader()
		conn, err := p.nodeConn(ctx, kind, node.Addr)
		if err != nil {
			return nil, err
		}
		p.logger.Debug().Str("addr", node.Addr).Str("role", node.Role).Msg("stream connection acquired")
		return conn, nil
	}
	return p.handle.Command(ctx)
}

func (p *replicaProvider) nextReader() nodeDesc {
	idx := p.next.Add(1)
	return p.readers[int(idx%uint64(len(p.readers)))]
}

func (p *replicaProvider) AcquireAsync(ctx context.Context, kind driver.ConnKind) <-chan Acquired {
	return acquireAsync(ctx, p, kind)
}

func (p *replicaProvider) Release(_ context.Context, conn driver.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (p *replicaProvider) ReleaseAsync(ctx context.Context, conn driver.Conn) <-chan error {
	return releaseAsync(ctx, p, conn)
}

// AcquireNode opens a connection to one member of the static topology.
// Addresses outside the configured member set are rejected.
func (p *replicaProvider) AcquireNode(ctx context.Context, kind driver.ConnKind, addr string) (driver.Conn, error) {
	if !p.isMember(addr) {
		return nil, fmt.Errorf("redis: node %q is not part of the static topology", addr)
	}
	return p.nodeConn(ctx, kind, addr)
}

func (p *replicaProvider) isMember(addr string) bool {
	for _, node := range p.members {
		if node.Addr == addr {
			return true
		}
	}
	return false
}

func (p *replicaProvider) nodeConn(ctx context.Context, kind driver.ConnKind, addr string) (driver.Conn, error) {
	client, err := p.nodeClient(addr)
	if err != nil {
		return nil, err
	}
	return driver.NodeConn(ctx, client, kind, p.logger)
}

func (p *replicaProvider) nodeClient(addr string) (*redis.Client, error) {
	if client, ok := p.clients.Load(addr); ok {
		return client, nil
	}
	client, err := p.handle.NodeClient(addr)
	if err != nil {
		return nil, err
	}
	actual, loaded := p.clients.LoadOrStore(addr, client)
	if loaded {
		_ = client.Close()
	}
	return actual, nil
}

// Dispose closes every cached member client.
func (p *replicaProvider) Dispose() error {
	var firstErr error
	p.clients.Range(func(addr string, client *redis.Client) bool {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close node client %s: %w", addr, err)
		}
		p.clients.Delete(addr)
		return true
	})
	return firstErr
}
