package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/driver"
)

// PoolStats is a point-in-time snapshot of the pool decorator bookkeeping.
type PoolStats struct {
	Idle      int
	Hits      int64
	Misses    int64
	Returned  int64
	Discarded int64
}

// pooled keeps a bounded idle set of imperative connections in front of its
// delegate. Push connections carry subscription state, so only the command
// kind is pooled; stream acquisitions pass straight through. Creation and
// destruction stay with the delegate, the decorator only does bookkeeping.
type pooled struct {
	delegate Provider
	logger   zerolog.Logger
	timeout  time.Duration
	idle     chan driver.Conn

	mu     sync.Mutex
	closed bool
	vended map[driver.Conn]struct{}

	hits      atomic.Int64
	misses    atomic.Int64
	returned  atomic.Int64
	discarded atomic.Int64
}

type pooledNode struct {
	pooled
	node NodeProvider
}

// NewPooled layers idle-connection reuse over delegate according to cfg. A
// disabled pool section returns the delegate unchanged. The delegate's
// target-aware capability survives the wrapping; node connections are never
// pooled.
func NewPooled(delegate Provider, cfg config.PoolConfig, logger zerolog.Logger) Provider {
	if delegate == nil || !cfg.Enabled {
		return delegate
	}
	if node, ok := delegate.(NodeProvider); ok {
		p := &pooledNode{node: node}
		p.init(delegate, cfg, logger)
		return p
	}
	p := &pooled{}
	p.init(delegate, cfg, logger)
	return p
}

func (p *pooled) init(delegate Provider, cfg config.PoolConfig, logger zerolog.Logger) {
	p.delegate = delegate
	p.logger = logger.With().Str("component", "pool").Logger()
	p.timeout = cfg.AcquireTimeout.Duration
	p.idle = make(chan driver.Conn, cfg.MaxIdle)
	p.vended = make(map[driver.Conn]struct{})
}

func (p *pooled) Acquire(ctx context.Context, kind driver.ConnKind) (driver.Conn, error) {
	if kind != driver.KindCommand {
		return p.delegate.Acquire(ctx, kind)
	}

	for {
		select {
		case conn := <-p.idle:
			if !conn.Open() {
				p.discarded.Add(1)
				_ = p.delegate.Release(ctx, conn)
				continue
			}
			p.hits.Add(1)
			p.markVended(conn)
			return conn, nil
		default:
			p.misses.Add(1)
			return p.create(ctx, kind)
		}
	}
}

func (p *pooled) create(ctx context.Context, kind driver.ConnKind) (driver.Conn, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	conn, err := p.delegate.Acquire(ctx, kind)
	if err != nil {
		return nil, err
	}
	p.markVended(conn)
	return conn, nil
}

func (p *pooled) markVended(conn driver.Conn) {
	p.mu.Lock()
	p.vended[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *pooled) AcquireAsync(ctx context.Context, kind driver.ConnKind) <-chan Acquired {
	return acquireAsync(ctx, p, kind)
}

// Release returns pooled-path connections to the idle set when there is
// room; everything else, including overflow and closed connections, goes
// back to the delegate for real release.
func (p *pooled) Release(ctx context.Context, conn driver.Conn) error {
	if conn == nil {
		return nil
	}

	p.mu.Lock()
	_, fromPool := p.vended[conn]
	delete(p.vended, conn)
	if !fromPool || p.closed || !conn.Open() {
		p.mu.Unlock()
		return p.delegate.Release(ctx, conn)
	}
	select {
	case p.idle <- conn:
		p.returned.Add(1)
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		p.discarded.Add(1)
		return p.delegate.Release(ctx, conn)
	}
}

func (p *pooled) ReleaseAsync(ctx context.Context, conn driver.Conn) <-chan error {
	return releaseAsync(ctx, p, conn)
}

// Warmup pre-fills the idle set with up to n fresh connections. Partial
// failures stop the warmup and surface the error; connections created so far
// stay pooled.
func (p *pooled) Warmup(ctx context.Context, n int) error {
	for i := 0; i < n && i < cap(p.idle); i++ {
		conn, err := p.delegate.Acquire(ctx, driver.KindCommand)
		if err != nil {
			return err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return p.delegate.Release(ctx, conn)
		}
		select {
		case p.idle <- conn:
			p.mu.Unlock()
		default:
			p.mu.Unlock()
			return p.delegate.Release(ctx, conn)
		}
	}
	return nil
}

// PoolStats snapshots the bookkeeping counters.
func (p *pooled) PoolStats() PoolStats {
	return PoolStats{
		Idle:      len(p.idle),
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Returned:  p.returned.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Dispose drains the idle set, releases every drained connection through the
// delegate and forwards the teardown.
func (p *pooled) Dispose() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var drained []driver.Conn
drainLoop:
	for {
		select {
		case conn := <-p.idle:
			drained = append(drained, conn)
		default:
			break drainLoop
		}
	}
	p.mu.Unlock()

	ctx := context.Background()
	for _, conn := range drained {
		if err := p.delegate.Release(ctx, conn); err != nil {
			p.logger.Warn().Err(err).Msg("release pooled connection during dispose")
		}
	}
	return Dispose(p.delegate)
}

func (p *pooledNode) AcquireNode(ctx context.Context, kind driver.ConnKind, addr string) (driver.Conn, error) {
	return p.node.AcquireNode(ctx, kind, addr)
}
