package driver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/timzifer/redwire/config"
)

// DialFunc establishes a raw network connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Resources are native client pieces shared across every handle built with
// them: one dialer and one pool sizing applied to all clients of an owner.
type Resources struct {
	Dialer       DialFunc
	PoolSize     int
	MinIdleConns int
}

type settings struct {
	logger       zerolog.Logger
	resources    *Resources
	credsFactory config.CredentialsProviderFactory
}

// Option adjusts how a handle and its node clients are built.
type Option func(*settings)

// WithLogger attaches a logger to the handle.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithResources installs shared native resources into every client the
// handle builds.
func WithResources(res *Resources) Option {
	return func(s *settings) { s.resources = res }
}

// WithCredentialsFactory installs a factory whose providers take precedence
// over statically configured credentials.
func WithCredentialsFactory(factory config.CredentialsProviderFactory) Option {
	return func(s *settings) { s.credsFactory = factory }
}

func newSettings(opts []Option) settings {
	s := settings{logger: zerolog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func (s settings) dataProvider(topo config.Topology) config.CredentialsProvider {
	if s.credsFactory == nil {
		return nil
	}
	return s.credsFactory.Provider(topo)
}

// apply copies the behavioural client options onto a single-node options
// value. The other option shapes are filled by copying from a base built
// here, so TLS and dialer handling exists once.
func (s settings) apply(o *redis.Options, client config.ClientConfig) error {
	o.ClientName = client.ClientName
	if client.CommandTimeout.Duration > 0 {
		o.ReadTimeout = client.CommandTimeout.Duration
		o.WriteTimeout = client.CommandTimeout.Duration
	}
	if client.ConnectTimeout.Duration > 0 {
		o.DialTimeout = client.ConnectTimeout.Duration
	}
	if s.resources != nil {
		if s.resources.Dialer != nil {
			o.Dialer = s.resources.Dialer
		}
		if s.resources.PoolSize > 0 {
			o.PoolSize = s.resources.PoolSize
		}
		if s.resources.MinIdleConns > 0 {
			o.MinIdleConns = s.resources.MinIdleConns
		}
	}
	return applyTLS(o, client)
}

func applyTLS(o *redis.Options, client config.ClientConfig) error {
	tlsCfg, err := buildTLSConfig(client.TLS)
	if err != nil {
		return err
	}
	if tlsCfg == nil {
		return nil
	}
	if o.Network == "unix" {
		return errors.New("redis: tls is not supported over unix sockets")
	}
	switch {
	case client.TLS.StartTLS:
		// The stream starts in the clear and is upgraded before the first
		// command, so the native client must not wrap it a second time.
		base := o.Dialer
		if base == nil {
			base = plainDialer(o.DialTimeout)
		}
		o.Dialer = upgradeDialer(base, tlsCfg)
		o.TLSConfig = nil
	case o.Dialer != nil:
		o.Dialer = upgradeDialer(o.Dialer, tlsCfg)
	default:
		o.TLSConfig = tlsCfg
	}
	return nil
}

func plainDialer(timeout time.Duration) DialFunc {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 5 * time.Minute}
	return dialer.DialContext
}

// upgradeDialer wraps a dialer so the established stream is handed to a TLS
// client handshake before anyone writes a command.
func upgradeDialer(base DialFunc, tlsCfg *tls.Config) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := base(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		clone := tlsCfg.Clone()
		if clone.ServerName == "" {
			if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
				clone.ServerName = host
			}
		}
		tlsConn := tls.Client(conn, clone)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("redis: tls handshake %s: %w", addr, err)
		}
		return tlsConn, nil
	}
}

func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	out := &tls.Config{ServerName: cfg.ServerName}

	var roots *x509.CertPool
	if cfg.CAFile != "" {
		ca, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("redis: read ca file: %w", err)
		}
		roots = x509.NewCertPool()
		if ok := roots.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("redis: parse ca file %s", cfg.CAFile)
		}
		out.RootCAs = roots
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("redis: load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}

	switch cfg.VerifyPeer {
	case config.VerifyPeerNone:
		out.InsecureSkipVerify = true
	case config.VerifyPeerCA:
		out.InsecureSkipVerify = true
		out.VerifyPeerCertificate = verifyChain(roots)
	}
	return out, nil
}

// verifyChain validates the presented certificate chain against the
// configured roots without enforcing a host name match.
func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("redis: peer presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("redis: parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return fmt.Errorf("redis: verify peer certificate: %w", err)
		}
		return nil
	}
}

func applyCredentials(o *redis.Options, creds config.Credentials, provider config.CredentialsProvider) {
	if provider != nil {
		o.CredentialsProviderContext = provider.Resolve
		return
	}
	o.Username = creds.Username
	o.Password = creds.Password
}

func buildStandaloneOptions(topo config.Standalone, client config.ClientConfig, s settings) (*redis.Options, error) {
	o := &redis.Options{
		Addr: topo.Node().Addr(),
		DB:   topo.Database,
	}
	applyCredentials(o, topo.Credentials, s.dataProvider(topo))
	if err := s.apply(o, client); err != nil {
		return nil, err
	}
	return o, nil
}

func buildSocketOptions(topo config.Socket, client config.ClientConfig, s settings) (*redis.Options, error) {
	o := &redis.Options{
		Network: "unix",
		Addr:    topo.Path,
		DB:      topo.Database,
	}
	applyCredentials(o, topo.Credentials, s.dataProvider(topo))
	if err := s.apply(o, client); err != nil {
		return nil, err
	}
	return o, nil
}

func buildNodeOptions(addr string, db int, creds config.Credentials, provider config.CredentialsProvider, client config.ClientConfig, s settings) (*redis.Options, error) {
	o := &redis.Options{
		Addr: addr,
		DB:   db,
	}
	applyCredentials(o, creds, provider)
	if err := s.apply(o, client); err != nil {
		return nil, err
	}
	return o, nil
}

// buildFailoverOptions renders a sentinel topology. The native failover
// options only accept static credentials for the sentinel hop, so factory
// provided credentials are resolved here, once per handle build.
func buildFailoverOptions(ctx context.Context, topo config.Sentinel, client config.ClientConfig, s settings) (*redis.FailoverOptions, error) {
	base := &redis.Options{}
	if err := s.apply(base, client); err != nil {
		return nil, err
	}

	o := &redis.FailoverOptions{
		MasterName:    topo.Master,
		SentinelAddrs: topo.Addrs(),
		DB:            topo.Database,
		ReplicaOnly:   client.ReadFrom == config.ReadFromReplica,

		ClientName:   base.ClientName,
		Dialer:       base.Dialer,
		DialTimeout:  base.DialTimeout,
		ReadTimeout:  base.ReadTimeout,
		WriteTimeout: base.WriteTimeout,
		PoolSize:     base.PoolSize,
		MinIdleConns: base.MinIdleConns,
		TLSConfig:    base.TLSConfig,
	}

	if provider := s.dataProvider(topo); provider != nil {
		username, password, err := provider.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis: resolve credentials: %w", err)
		}
		o.Username = username
		o.Password = password
	} else {
		o.Username = topo.Credentials.Username
		o.Password = topo.Credentials.Password
	}

	username, password, err := sentinelAuth(ctx, topo, s)
	if err != nil {
		return nil, err
	}
	o.SentinelUsername = username
	o.SentinelPassword = password

	return o, nil
}

// sentinelAuth resolves the credentials for the sentinel hop. A configured
// factory yields an independently created provider; otherwise the statically
// configured sentinel credentials apply.
func sentinelAuth(ctx context.Context, topo config.Sentinel, s settings) (string, string, error) {
	var provider config.CredentialsProvider
	if s.credsFactory != nil {
		provider = s.credsFactory.SentinelProvider(topo)
	}
	if provider != nil {
		username, password, err := provider.Resolve(ctx)
		if err != nil {
			return "", "", fmt.Errorf("redis: resolve sentinel credentials: %w", err)
		}
		return username, password, nil
	}
	return topo.SentinelCredentials.Username, topo.SentinelCredentials.Password, nil
}

func buildClusterOptions(topo config.Cluster, client config.ClientConfig, s settings) (*redis.ClusterOptions, error) {
	base := &redis.Options{}
	if err := s.apply(base, client); err != nil {
		return nil, err
	}

	o := &redis.ClusterOptions{
		Addrs: topo.Addrs(),

		ClientName:   base.ClientName,
		Dialer:       base.Dialer,
		DialTimeout:  base.DialTimeout,
		ReadTimeout:  base.ReadTimeout,
		WriteTimeout: base.WriteTimeout,
		PoolSize:     base.PoolSize,
		MinIdleConns: base.MinIdleConns,
		TLSConfig:    base.TLSConfig,
	}

	// The topology section overrides the generic redirect budget.
	switch {
	case topo.MaxRedirects > 0:
		o.MaxRedirects = topo.MaxRedirects
	case client.MaxRedirects > 0:
		o.MaxRedirects = client.MaxRedirects
	}

	if client.ReadFrom.PrefersReplica() {
		o.ReadOnly = true
	}
	if client.ReadFrom == config.ReadFromAny {
		o.ReadOnly = true
		o.RouteRandomly = true
	}

	if provider := s.dataProvider(topo); provider != nil {
		o.CredentialsProviderContext = provider.Resolve
	} else {
		o.Username = topo.Credentials.Username
		o.Password = topo.Credentials.Password
	}

	return o, nil
}
