// Package redwire manages the lifecycle of a Redis connection factory: it
// owns one native driver handle per factory, hands out logical command and
// stream connections, and decides whether those connections multiplex one
// long-lived shared native connection or each get a private one. Standalone,
// unix-socket, sentinel-supervised, clustered and static replicated
// deployments all run through the same state machine and provider
// abstraction.
package redwire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/cluster"
	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/driver"
	"github.com/timzifer/redwire/provider"
	"github.com/timzifer/redwire/telemetry"
)

// ErrNotCluster is returned by cluster-only entry points on factories whose
// topology is not clustered.
var ErrNotCluster = errors.New("redis: cluster commands require a cluster deployment")

type handleFactory func(ctx context.Context, topo config.Topology, client config.ClientConfig, opts ...driver.Option) (*driver.Handle, error)

type providerFactory func(handle *driver.Handle, client config.ClientConfig, logger zerolog.Logger) (provider.Provider, error)

type poolStatser interface {
	PoolStats() provider.PoolStats
}

// ConnectionFactory owns one native driver handle, one provider chain and
// the pair of shared connections. Lifecycle state is stored atomically;
// transitions are compare-and-swap guarded so only one caller performs the
// work of an edge. Racing Stop and Start calls may interleave; the machine
// is deliberately best-effort rather than linearizable.
type ConnectionFactory struct {
	topo      config.Topology
	opts      Options
	logger    zerolog.Logger
	collector telemetry.Collector

	state atomic.Int32

	newHandle   handleFactory
	newProvider providerFactory

	handle       *driver.Handle
	connProvider provider.Provider
	executor     *cluster.Executor
	pool         poolStatser

	sharedMu      sync.Mutex
	sharedCommand *sharedConn[driver.CommandConn]
	sharedStream  *sharedConn[driver.StreamConn]
}

// New builds a factory for the given deployment topology. The factory is
// inert until Start.
func New(topo config.Topology, opts Options) (*ConnectionFactory, error) {
	if topo == nil {
		return nil, errors.New("redis: topology is required")
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	opts = opts.normalized()
	return &ConnectionFactory{
		topo:        topo,
		opts:        opts,
		logger:      opts.logger.With().Str("component", "factory").Str("topology", string(topo.Kind())).Logger(),
		collector:   opts.collector,
		newHandle:   driver.New,
		newProvider: provider.New,
	}, nil
}

// NewFromConfig builds a factory from a loaded configuration document,
// taking the topology, client and pool sections from it.
func NewFromConfig(cfg *config.Config) (*ConnectionFactory, error) {
	if cfg == nil {
		return nil, errors.New("redis: config is required")
	}
	topo, err := cfg.Deployment()
	if err != nil {
		return nil, err
	}
	opts, err := FromConfig(cfg).Build()
	if err != nil {
		return nil, err
	}
	return New(topo, opts)
}

// Topology returns the deployment the factory was built for.
func (f *ConnectionFactory) Topology() config.Topology { return f.topo }

// Options returns the immutable options the factory runs with.
func (f *ConnectionFactory) Options() Options { return f.opts }

// State returns the current lifecycle state.
func (f *ConnectionFactory) State() State { return State(f.state.Load()) }

// Start builds the native client, the provider chain and, for cluster
// deployments, the command executor. Only the caller that moves the factory
// out of the created or stopped state performs the work; concurrent and
// repeated calls are no-ops returning nil. A failure while building
// propagates and leaves the factory in the starting state. With eager
// initialization and connection sharing both enabled the shared connections
// are created before Start returns.
func (f *ConnectionFactory) Start(ctx context.Context) error {
	if !f.transition(StateCreated, StateStarting) && !f.transition(StateStopped, StateStarting) {
		return nil
	}
	handle, err := f.newHandle(ctx, f.topo, f.opts.client, f.driverOptions()...)
	if err != nil {
		return err
	}
	f.handle = handle
	if err := f.buildProviders(ctx, handle); err != nil {
		return err
	}
	if f.opts.SharesConnection() {
		f.buildShared()
	}
	f.setState(StateStarted)
	f.logger.Info().Msg("connection factory started")
	if f.opts.EagerInit() && f.opts.SharesConnection() {
		if err := f.InitConnection(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop resets the shared connections, disposes the provider chain and shuts
// the native client down within the configured quiet period and timeout.
// Teardown failures are logged, never returned. The factory always ends up
// in the stopped state, even when a concurrent call won the transition.
func (f *ConnectionFactory) Stop(ctx context.Context) {
	if f.transition(StateStarted, StateStopping) {
		f.ResetConnection(ctx)
		if f.connProvider != nil {
			if err := provider.Dispose(f.connProvider); err != nil {
				f.logger.Warn().Err(err).Msg("disposing connection provider failed")
			}
		}
		if f.handle != nil {
			quiet := f.opts.client.ShutdownQuietPeriod.Duration
			timeout := f.opts.client.ShutdownTimeout.Duration
			if err := f.handle.Shutdown(ctx, quiet, timeout); err != nil {
				f.logger.Warn().Err(err).Msg("native client shutdown failed")
			}
			f.handle = nil
		}
		f.logger.Info().Msg("connection factory stopped")
	}
	f.setState(StateStopped)
}

// Destroy stops the factory, destroys the cluster executor when present and
// leaves the factory permanently unusable.
func (f *ConnectionFactory) Destroy(ctx context.Context) {
	f.Stop(ctx)
	f.handle = nil
	if f.executor != nil {
		if err := f.executor.Destroy(); err != nil {
			f.logger.Warn().Err(err).Msg("destroying cluster executor failed")
		}
		f.executor = nil
	}
	f.setState(StateDestroyed)
	f.logger.Info().Msg("connection factory destroyed")
}

// Connection returns a logical command connection: the shared one when
// sharing is enabled, otherwise a dedicated native connection.
func (f *ConnectionFactory) Connection(ctx context.Context) (*Connection, error) {
	if err := f.requireStarted("acquire connection"); err != nil {
		return nil, err
	}
	start := time.Now()
	if f.opts.SharesConnection() {
		conn, err := f.sharedCommand.get(ctx)
		if err != nil {
			return nil, err
		}
		f.observeAcquire(driver.KindCommand, start)
		return &Connection{factory: f, conn: conn, shared: true}, nil
	}
	conn, err := f.acquireCommand(ctx)
	if err != nil {
		return nil, err
	}
	f.observeAcquire(driver.KindCommand, start)
	return &Connection{factory: f, conn: conn}, nil
}

// DedicatedConnection always acquires a private native connection,
// regardless of the sharing setting. Blocking commands and database
// selection belong here.
func (f *ConnectionFactory) DedicatedConnection(ctx context.Context) (*Connection, error) {
	if err := f.requireStarted("acquire dedicated connection"); err != nil {
		return nil, err
	}
	start := time.Now()
	conn, err := f.acquireCommand(ctx)
	if err != nil {
		return nil, err
	}
	f.observeAcquire(driver.KindCommand, start)
	return &Connection{factory: f, conn: conn}, nil
}

// StreamConnection returns a logical push-oriented connection: the shared
// one when sharing is enabled, otherwise a dedicated native connection.
func (f *ConnectionFactory) StreamConnection(ctx context.Context) (*StreamConnection, error) {
	if err := f.requireStarted("acquire stream connection"); err != nil {
		return nil, err
	}
	start := time.Now()
	if f.opts.SharesConnection() {
		conn, err := f.sharedStream.get(ctx)
		if err != nil {
			return nil, err
		}
		f.observeAcquire(driver.KindStream, start)
		return &StreamConnection{factory: f, conn: conn, shared: true}, nil
	}
	conn, err := f.acquireStream(ctx)
	if err != nil {
		return nil, err
	}
	f.observeAcquire(driver.KindStream, start)
	return &StreamConnection{factory: f, conn: conn}, nil
}

// ClusterExecutor returns the per-node command executor of a clustered
// factory. Non-cluster topologies fail with ErrNotCluster.
func (f *ConnectionFactory) ClusterExecutor() (*cluster.Executor, error) {
	if err := f.requireStarted("cluster executor"); err != nil {
		return nil, err
	}
	if f.topo.Kind() != config.KindCluster {
		return nil, ErrNotCluster
	}
	return f.executor, nil
}

// Ping probes the backing deployment through the native client.
func (f *ConnectionFactory) Ping(ctx context.Context) error {
	if err := f.requireStarted("ping"); err != nil {
		return err
	}
	return driver.Translate("ping", f.handle.Ping(ctx))
}

// InitConnection eagerly creates both shared connections. A factory with
// sharing disabled has nothing to initialize.
func (f *ConnectionFactory) InitConnection(ctx context.Context) error {
	if err := f.requireStarted("init shared connections"); err != nil {
		return err
	}
	if !f.opts.SharesConnection() {
		return nil
	}
	if _, err := f.sharedCommand.get(ctx); err != nil {
		return err
	}
	if _, err := f.sharedStream.get(ctx); err != nil {
		return err
	}
	return nil
}

// ResetConnection drops both shared connections; the next access creates
// fresh ones. Stop uses it during teardown.
func (f *ConnectionFactory) ResetConnection(ctx context.Context) {
	if f.sharedCommand != nil {
		f.sharedCommand.reset(ctx)
	}
	if f.sharedStream != nil {
		f.sharedStream.reset(ctx)
	}
}

// ValidateConnection probes both shared connections, replacing any that
// fail the probe.
func (f *ConnectionFactory) ValidateConnection(ctx context.Context) error {
	if err := f.requireStarted("validate shared connections"); err != nil {
		return err
	}
	if !f.opts.SharesConnection() {
		f.logger.Warn().Msg("connection sharing is disabled, nothing to validate")
		return nil
	}
	if err := f.sharedCommand.validate(ctx); err != nil {
		return err
	}
	return f.sharedStream.validate(ctx)
}

// PoolStats returns the idle-pool counters when pooling is enabled.
func (f *ConnectionFactory) PoolStats() (provider.PoolStats, bool) {
	if f.pool == nil {
		return provider.PoolStats{}, false
	}
	return f.pool.PoolStats(), true
}

func (f *ConnectionFactory) driverOptions() []driver.Option {
	dopts := []driver.Option{driver.WithLogger(f.opts.logger)}
	if f.opts.resources != nil {
		dopts = append(dopts, driver.WithResources(f.opts.resources))
	}
	if f.opts.credsFactory != nil {
		dopts = append(dopts, driver.WithCredentialsFactory(f.opts.credsFactory))
	}
	return dopts
}

// buildProviders assembles the provider chain: topology provider, optional
// pool decorator, translation boundary outermost. Cluster deployments also
// get the command executor, fed by the undecorated provider's discovery
// capability.
func (f *ConnectionFactory) buildProviders(ctx context.Context, handle *driver.Handle) error {
	base, err := f.newProvider(handle, f.opts.client, f.opts.logger)
	if err != nil {
		return err
	}
	wrapped := base
	if pool, ok := f.opts.Pool(); ok && pool.Enabled {
		pooled := provider.NewPooled(wrapped, pool, f.opts.logger)
		if pool.Warmup > 0 {
			if warmer, ok := pooled.(interface {
				Warmup(context.Context, int) error
			}); ok {
				if err := warmer.Warmup(ctx, pool.Warmup); err != nil {
					f.logger.Warn().Err(err).Msg("pool warmup failed")
				}
			}
		}
		if stats, ok := pooled.(poolStatser); ok {
			f.pool = stats
		}
		wrapped = pooled
	}
	f.connProvider = provider.NewTranslating(wrapped)

	if f.topo.Kind() != config.KindCluster {
		return nil
	}
	discover, ok := base.(cluster.Discoverer)
	if !ok {
		return errors.New("redis: cluster topology requires a discovery-capable provider")
	}
	nodes, ok := f.connProvider.(provider.NodeProvider)
	if !ok {
		return errors.New("redis: cluster topology requires a node-capable provider")
	}
	executor, err := cluster.New(discover, nodes,
		cluster.WithLogger(f.opts.logger),
		cluster.WithTranslate(driver.Translate),
	)
	if err != nil {
		return err
	}
	f.executor = executor
	return nil
}

// buildShared creates the two shared-connection holders. Both share the
// factory's mutex.
func (f *ConnectionFactory) buildShared() {
	validate := f.opts.ValidateConnections()
	f.sharedCommand = &sharedConn[driver.CommandConn]{
		mu:      &f.sharedMu,
		kind:    driver.KindCommand,
		acquire: f.acquireCommand,
		release: func(ctx context.Context, conn driver.CommandConn) error {
			return f.release(ctx, conn)
		},
		validateOnGet: validate,
		logger:        f.logger,
		collector:     f.collector,
	}
	f.sharedStream = &sharedConn[driver.StreamConn]{
		mu:      &f.sharedMu,
		kind:    driver.KindStream,
		acquire: f.acquireStream,
		release: func(ctx context.Context, conn driver.StreamConn) error {
			return f.release(ctx, conn)
		},
		validateOnGet: validate,
		logger:        f.logger,
		collector:     f.collector,
	}
}

func (f *ConnectionFactory) acquireCommand(ctx context.Context) (driver.CommandConn, error) {
	p := f.connProvider
	conn, err := p.Acquire(ctx, driver.KindCommand)
	if err != nil {
		return nil, err
	}
	cmd, ok := conn.(driver.CommandConn)
	if !ok {
		_ = p.Release(ctx, conn)
		return nil, fmt.Errorf("redis: provider returned %T for a command connection", conn)
	}
	return cmd, nil
}

func (f *ConnectionFactory) acquireStream(ctx context.Context) (driver.StreamConn, error) {
	p := f.connProvider
	conn, err := p.Acquire(ctx, driver.KindStream)
	if err != nil {
		return nil, err
	}
	stream, ok := conn.(driver.StreamConn)
	if !ok {
		_ = p.Release(ctx, conn)
		return nil, fmt.Errorf("redis: provider returned %T for a stream connection", conn)
	}
	return stream, nil
}

func (f *ConnectionFactory) release(ctx context.Context, conn driver.Conn) error {
	if p := f.connProvider; p != nil {
		return p.Release(ctx, conn)
	}
	return conn.Close()
}

func (f *ConnectionFactory) observeAcquire(kind driver.ConnKind, start time.Time) {
	f.collector.AcquireLatency(string(kind), time.Since(start).Seconds())
	f.collector.ConnectionOpened(string(kind))
}

func (f *ConnectionFactory) requireStarted(op string) error {
	if state := f.State(); state != StateStarted {
		return &StateError{Op: op, State: state}
	}
	return nil
}

func (f *ConnectionFactory) transition(from, to State) bool {
	if !f.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	f.collector.StateTransition(from.String(), to.String())
	f.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("lifecycle transition")
	return true
}

func (f *ConnectionFactory) setState(to State) {
	from := State(f.state.Swap(int32(to)))
	if from == to {
		return
	}
	f.collector.StateTransition(from.String(), to.String())
	f.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("lifecycle transition")
}
