// Package cluster runs per-node tasks across a sharded deployment. The
// executor discovers the member set, holds one cached connection per node
// and fans tasks out over a bounded worker set. Command routing, redirects
// and retries stay with the native cluster client; this layer only addresses
// whole nodes.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/driver"
	"github.com/timzifer/redwire/provider"
)

const defaultSlots = 4

// ErrDestroyed is returned for executions after Destroy.
var ErrDestroyed = errors.New("redis: cluster executor is destroyed")

// Discoverer enumerates the nodes currently part of the deployment.
type Discoverer interface {
	Nodes(ctx context.Context) ([]string, error)
}

// Task is one unit of work executed against a single node.
type Task func(ctx context.Context, conn driver.CommandConn) (any, error)

// Result is the outcome of a task on one node.
type Result struct {
	Addr  string
	Value any
	Err   error
}

// TranslateFunc rewrites per-node failures into the caller's error taxonomy.
type TranslateFunc func(op string, err error) error

// Option adjusts executor construction.
type Option func(*Executor)

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithSlots bounds how many nodes are worked on concurrently.
func WithSlots(slots int) Option {
	return func(e *Executor) {
		if slots > 0 {
			e.slots = slots
		}
	}
}

// WithTranslate replaces the failure translation.
func WithTranslate(translate TranslateFunc) Option {
	return func(e *Executor) {
		if translate != nil {
			e.translate = translate
		}
	}
}

// nodeSlot serializes work per node so one cached connection suffices.
type nodeSlot struct {
	mu   sync.Mutex
	conn driver.CommandConn
}

// Executor owns cached node connections acquired through a target-aware
// provider. Safe for concurrent use; work on distinct nodes runs in
// parallel, work on the same node is serialized.
type Executor struct {
	discover  Discoverer
	nodes     provider.NodeProvider
	translate TranslateFunc
	slots     int
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
	cache  map[string]*nodeSlot
}

// New builds an executor over the given discovery and node acquisition
// capabilities.
func New(discover Discoverer, nodes provider.NodeProvider, opts ...Option) (*Executor, error) {
	if discover == nil {
		return nil, errors.New("redis: executor requires node discovery")
	}
	if nodes == nil {
		return nil, errors.New("redis: executor requires a target-aware provider")
	}
	e := &Executor{
		discover:  discover,
		nodes:     nodes,
		translate: driver.Translate,
		slots:     defaultSlots,
		logger:    zerolog.Nop(),
		cache:     map[string]*nodeSlot{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With().Str("component", "cluster").Logger()
	return e, nil
}

// Execute runs task on the addressed nodes, or on every discovered node when
// addrs is empty. Per-node failures land in the node's Result; Execute
// itself fails only when discovery fails, the executor is destroyed or the
// context ends before all nodes were visited.
func (e *Executor) Execute(ctx context.Context, task Task, addrs ...string) ([]Result, error) {
	if task == nil {
		return nil, errors.New("redis: execute requires a task")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrDestroyed
	}

	targets := dedupe(addrs)
	if len(targets) == 0 {
		discovered, err := e.discover.Nodes(ctx)
		if err != nil {
			return nil, e.translate("discover nodes", err)
		}
		targets = dedupe(discovered)
	}
	if len(targets) == 0 {
		return nil, errors.New("redis: no nodes to execute on")
	}

	results := runWorkers(ctx, e.slots, targets, func(ctx context.Context, addr string) Result {
		return e.executeOn(ctx, addr, task)
	})
	sort.Slice(results, func(i, j int) bool { return results[i].Addr < results[j].Addr })

	if err := ctx.Err(); err != nil && len(results) < len(targets) {
		return results, err
	}
	return results, nil
}

func (e *Executor) executeOn(ctx context.Context, addr string, task Task) Result {
	slot, err := e.slot(addr)
	if err != nil {
		return Result{Addr: addr, Err: err}
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	conn, err := e.ensureConn(ctx, slot, addr)
	if err != nil {
		return Result{Addr: addr, Err: e.translate("connect node "+addr, err)}
	}

	value, err := task(ctx, conn)
	if err != nil {
		e.logger.Debug().Err(err).Str("addr", addr).Msg("node task failed")
		return Result{Addr: addr, Err: e.translate("execute on "+addr, err)}
	}
	return Result{Addr: addr, Value: value}
}

func (e *Executor) slot(addr string) (*nodeSlot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrDestroyed
	}
	slot, ok := e.cache[addr]
	if !ok {
		slot = &nodeSlot{}
		e.cache[addr] = slot
	}
	return slot, nil
}

// ensureConn reuses the slot's cached connection while it is open and
// acquires a fresh one otherwise. Callers hold the slot lock.
func (e *Executor) ensureConn(ctx context.Context, slot *nodeSlot, addr string) (driver.CommandConn, error) {
	if slot.conn != nil && slot.conn.Open() {
		return slot.conn, nil
	}
	if slot.conn != nil {
		if err := e.nodes.Release(ctx, slot.conn); err != nil {
			e.logger.Warn().Err(err).Str("addr", addr).Msg("release stale node connection")
		}
		slot.conn = nil
	}

	acquired, err := e.nodes.AcquireNode(ctx, driver.KindCommand, addr)
	if err != nil {
		return nil, err
	}
	conn, ok := acquired.(driver.CommandConn)
	if !ok {
		_ = e.nodes.Release(ctx, acquired)
		return nil, fmt.Errorf("redis: node %s connection is not command-capable", addr)
	}
	slot.conn = conn
	return conn, nil
}

// Destroy releases every cached node connection. Further executions fail
// with ErrDestroyed; repeated destroys are no-ops.
func (e *Executor) Destroy() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cache := e.cache
	e.cache = map[string]*nodeSlot{}
	e.mu.Unlock()

	ctx := context.Background()
	var firstErr error
	for addr, slot := range cache {
		slot.mu.Lock()
		conn := slot.conn
		slot.conn = nil
		slot.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := e.nodes.Release(ctx, conn); err != nil {
			e.logger.Warn().Err(err).Str("addr", addr).Msg("release node connection during destroy")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func dedupe(addrs []string) []string {
	if len(addrs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
