package redwire

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/config"
	"github.com/timzifer/redwire/driver"
	"github.com/timzifer/redwire/telemetry"
)

// ErrOptionsSealed is returned by builder setters once Build has been called.
var ErrOptionsSealed = errors.New("redis: options are immutable once built")

// Options is the immutable behavioural configuration of a factory. Values
// are assembled through an OptionsBuilder; the zero value is usable and
// equivalent to DefaultOptions.
type Options struct {
	client       config.ClientConfig
	pool         *config.PoolConfig
	resources    *driver.Resources
	credsFactory config.CredentialsProviderFactory
	logger       zerolog.Logger
	hasLogger    bool
	collector    telemetry.Collector
}

// DefaultOptions returns the options a factory runs with when none are
// supplied: connection sharing on, no eager init, no validation, no pool,
// discarded logs and metrics.
func DefaultOptions() Options {
	return Options{
		logger:    zerolog.Nop(),
		hasLogger: true,
		collector: telemetry.Noop(),
	}
}

// Client returns the client settings applied to every connection.
func (o Options) Client() config.ClientConfig { return o.client }

// Pool returns the pool settings and whether any were configured.
func (o Options) Pool() (config.PoolConfig, bool) {
	if o.pool == nil {
		return config.PoolConfig{}, false
	}
	return *o.pool, true
}

// Resources returns the shared native resources, if any.
func (o Options) Resources() *driver.Resources { return o.resources }

// CredentialsFactory returns the configured credentials provider factory.
func (o Options) CredentialsFactory() config.CredentialsProviderFactory { return o.credsFactory }

// Logger returns the configured logger.
func (o Options) Logger() zerolog.Logger { return o.logger }

// Collector returns the configured telemetry collector.
func (o Options) Collector() telemetry.Collector { return o.collector }

// SharesConnection reports whether logical connections multiplex one shared
// native connection per kind.
func (o Options) SharesConnection() bool { return o.client.SharesConnection() }

// EagerInit reports whether shared connections are created during Start.
func (o Options) EagerInit() bool { return o.client.EagerInit }

// ValidateConnections reports whether shared connections are probed before
// being handed out.
func (o Options) ValidateConnections() bool { return o.client.ValidateConnections }

// normalized fills the ambient defaults a zero value lacks.
func (o Options) normalized() Options {
	if !o.hasLogger {
		o.logger = zerolog.Nop()
		o.hasLogger = true
	}
	if o.collector == nil {
		o.collector = telemetry.Noop()
	}
	return o
}

// OptionsBuilder is the mutable counterpart of Options. Setters fail with
// ErrOptionsSealed once Build has produced the immutable value.
type OptionsBuilder struct {
	opts   Options
	sealed bool
}

// NewOptionsBuilder returns a builder seeded with DefaultOptions.
func NewOptionsBuilder() *OptionsBuilder {
	return &OptionsBuilder{opts: DefaultOptions()}
}

// FromConfig returns a builder seeded with the client and pool sections of a
// loaded configuration document.
func FromConfig(cfg *config.Config) *OptionsBuilder {
	b := NewOptionsBuilder()
	if cfg != nil {
		b.opts.client = cfg.Client
		if cfg.Pool != nil {
			pool := *cfg.Pool
			b.opts.pool = &pool
		}
	}
	return b
}

func (b *OptionsBuilder) guard() error {
	if b.sealed {
		return ErrOptionsSealed
	}
	return nil
}

// SetClient replaces the client settings wholesale.
func (b *OptionsBuilder) SetClient(client config.ClientConfig) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client = client
	return nil
}

// SetClientName sets the name reported to the server on connect.
func (b *OptionsBuilder) SetClientName(name string) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.ClientName = name
	return nil
}

// SetCommandTimeout bounds individual commands.
func (b *OptionsBuilder) SetCommandTimeout(d time.Duration) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.CommandTimeout = config.Duration{Duration: d}
	return nil
}

// SetConnectTimeout bounds dialing a node.
func (b *OptionsBuilder) SetConnectTimeout(d time.Duration) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.ConnectTimeout = config.Duration{Duration: d}
	return nil
}

// SetShutdownTimeout bounds how long Stop waits for the native client.
func (b *OptionsBuilder) SetShutdownTimeout(d time.Duration) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.ShutdownTimeout = config.Duration{Duration: d}
	return nil
}

// SetShutdownQuietPeriod sets the grace interval observed before shutdown.
func (b *OptionsBuilder) SetShutdownQuietPeriod(d time.Duration) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.ShutdownQuietPeriod = config.Duration{Duration: d}
	return nil
}

// SetTLS configures transport security, including StartTLS and peer
// verification.
func (b *OptionsBuilder) SetTLS(tls config.TLSConfig) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.TLS = tls
	return nil
}

// SetReadFrom sets the replica read preference.
func (b *OptionsBuilder) SetReadFrom(rf config.ReadFrom) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.ReadFrom = rf
	return nil
}

// SetReadFromFilter sets the expression narrowing read candidates.
func (b *OptionsBuilder) SetReadFromFilter(filter string) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.ReadFromFilter = filter
	return nil
}

// SetMaxRedirects overrides the cluster redirect budget.
func (b *OptionsBuilder) SetMaxRedirects(n int) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.MaxRedirects = n
	return nil
}

// SetShareConnection toggles multiplexing over one shared native connection.
func (b *OptionsBuilder) SetShareConnection(share bool) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.ShareNativeConnection = &share
	return nil
}

// SetEagerInit toggles creating shared connections during Start.
func (b *OptionsBuilder) SetEagerInit(eager bool) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.EagerInit = eager
	return nil
}

// SetValidateConnections toggles probing shared connections on access.
func (b *OptionsBuilder) SetValidateConnections(validate bool) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.client.ValidateConnections = validate
	return nil
}

// SetPool enables the idle-connection pool decorator.
func (b *OptionsBuilder) SetPool(pool config.PoolConfig) error {
	if err := b.guard(); err != nil {
		return err
	}
	copied := pool
	b.opts.pool = &copied
	return nil
}

// SetResources installs shared native resources. The value is shared with
// the caller and may be reused across factories.
func (b *OptionsBuilder) SetResources(res *driver.Resources) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.resources = res
	return nil
}

// SetCredentialsFactory installs a factory for per-connection credential
// providers.
func (b *OptionsBuilder) SetCredentialsFactory(factory config.CredentialsProviderFactory) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.credsFactory = factory
	return nil
}

// SetLogger sets the logger handed to every component.
func (b *OptionsBuilder) SetLogger(logger zerolog.Logger) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.logger = logger
	b.opts.hasLogger = true
	return nil
}

// SetCollector sets the telemetry collector.
func (b *OptionsBuilder) SetCollector(collector telemetry.Collector) error {
	if err := b.guard(); err != nil {
		return err
	}
	b.opts.collector = collector
	return nil
}

// Build validates the assembled options, seals the builder and returns the
// immutable value. Calling Build again returns the same value; calling any
// setter afterwards fails with ErrOptionsSealed.
func (b *OptionsBuilder) Build() (Options, error) {
	if !b.sealed {
		if err := b.opts.client.Validate(); err != nil {
			return Options{}, fmt.Errorf("redis: client options: %w", err)
		}
		if b.opts.pool != nil {
			if err := b.opts.pool.Validate(); err != nil {
				return Options{}, fmt.Errorf("redis: pool options: %w", err)
			}
		}
		b.sealed = true
	}
	return b.opts, nil
}
