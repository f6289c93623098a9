package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Credentials carries the username and secret used to authenticate against a
// node. An empty username with a non-empty password authenticates against the
// legacy single-password ACL.
type Credentials struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Empty reports whether neither a username nor a password is set.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// CredentialsProvider resolves credentials immediately before a connection
// attempt. Implementations may fetch short-lived tokens; resolution failures
// abort the connection attempt.
type CredentialsProvider interface {
	Resolve(ctx context.Context) (username, password string, err error)
}

// StaticCredentials returns a provider that always yields the same pair.
func StaticCredentials(username, password string) CredentialsProvider {
	return staticCredentials{username: username, password: password}
}

type staticCredentials struct {
	username string
	password string
}

func (s staticCredentials) Resolve(context.Context) (string, string, error) {
	return s.username, s.password, nil
}

// CredentialsProviderFactory builds credentials providers for a deployment.
// SentinelProvider is consulted only for sentinel topologies and yields an
// independently created provider for the sentinel hop, which may authenticate
// with a different account than the data nodes.
type CredentialsProviderFactory interface {
	Provider(t Topology) CredentialsProvider
	SentinelProvider(t Sentinel) CredentialsProvider
}

// ReadFrom states which node role read traffic should prefer in replicated
// topologies.
type ReadFrom string

const (
	// ReadFromMaster routes every read to the master.
	ReadFromMaster ReadFrom = "master"
	// ReadFromMasterPreferred reads from the master and falls back to replicas.
	ReadFromMasterPreferred ReadFrom = "master_preferred"
	// ReadFromReplica routes every read to a replica.
	ReadFromReplica ReadFrom = "replica"
	// ReadFromReplicaPreferred reads from replicas and falls back to the master.
	ReadFromReplicaPreferred ReadFrom = "replica_preferred"
	// ReadFromAny reads from any node.
	ReadFromAny ReadFrom = "any"
)

func (r ReadFrom) validate() error {
	switch r {
	case "", ReadFromMaster, ReadFromMasterPreferred, ReadFromReplica, ReadFromReplicaPreferred, ReadFromAny:
		return nil
	default:
		return fmt.Errorf("unknown read_from preference %q", string(r))
	}
}

// PrefersReplica reports whether the preference routes reads away from the
// master when a replica is available.
func (r ReadFrom) PrefersReplica() bool {
	return r == ReadFromReplica || r == ReadFromReplicaPreferred
}

// VerifyPeer names a TLS peer verification mode.
type VerifyPeer string

const (
	// VerifyPeerFull verifies the certificate chain and the host name.
	VerifyPeerFull VerifyPeer = "full"
	// VerifyPeerCA verifies the certificate chain but not the host name.
	VerifyPeerCA VerifyPeer = "ca"
	// VerifyPeerNone disables peer verification.
	VerifyPeerNone VerifyPeer = "none"
)

// TLSConfig configures transport security towards data and sentinel nodes.
// StartTLS dials in the clear and upgrades the stream before the first
// command, for deployments fronted by opportunistic-TLS proxies.
type TLSConfig struct {
	Enabled    bool       `yaml:"enabled"`
	StartTLS   bool       `yaml:"start_tls,omitempty"`
	VerifyPeer VerifyPeer `yaml:"verify_peer,omitempty"`
	ServerName string     `yaml:"server_name,omitempty"`
	CAFile     string     `yaml:"ca_file,omitempty"`
	CertFile   string     `yaml:"cert_file,omitempty"`
	KeyFile    string     `yaml:"key_file,omitempty"`
}

func (t TLSConfig) validate() error {
	switch t.VerifyPeer {
	case "", VerifyPeerFull, VerifyPeerCA, VerifyPeerNone:
	default:
		return fmt.Errorf("unknown verify_peer mode %q", string(t.VerifyPeer))
	}
	if !t.Enabled {
		if t.StartTLS {
			return errors.New("start_tls requires tls to be enabled")
		}
		return nil
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	return nil
}

// ClientConfig carries the behavioural options applied to every connection
// the factory hands out.
type ClientConfig struct {
	ClientName            string    `yaml:"client_name,omitempty"`
	CommandTimeout        Duration  `yaml:"command_timeout,omitempty"`
	ConnectTimeout        Duration  `yaml:"connect_timeout,omitempty"`
	ShutdownTimeout       Duration  `yaml:"shutdown_timeout,omitempty"`
	ShutdownQuietPeriod   Duration  `yaml:"shutdown_quiet_period,omitempty"`
	TLS                   TLSConfig `yaml:"tls"`
	ReadFrom              ReadFrom  `yaml:"read_from,omitempty"`
	ReadFromFilter        string    `yaml:"read_from_filter,omitempty"`
	MaxRedirects          int       `yaml:"max_redirects,omitempty"`
	ShareNativeConnection *bool     `yaml:"share_native_connection,omitempty"`
	EagerInit             bool      `yaml:"eager_init,omitempty"`
	ValidateConnections   bool      `yaml:"validate_connections,omitempty"`
}

// Validate checks the client settings independent of any topology.
func (c ClientConfig) Validate() error {
	if err := c.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := c.ReadFrom.validate(); err != nil {
		return err
	}
	if c.CommandTimeout.Duration < 0 {
		return errors.New("command_timeout must not be negative")
	}
	if c.MaxRedirects < 0 {
		return errors.New("max_redirects must not be negative")
	}
	if c.ShutdownQuietPeriod.Duration > c.ShutdownTimeout.Duration && c.ShutdownTimeout.Duration > 0 {
		return errors.New("shutdown_quiet_period must not exceed shutdown_timeout")
	}
	return nil
}

// SharesConnection reports whether connection sharing is enabled. Sharing is
// the default when the field is omitted.
func (c ClientConfig) SharesConnection() bool {
	if c.ShareNativeConnection == nil {
		return true
	}
	return *c.ShareNativeConnection
}

// PoolConfig sizes the optional idle-connection pool decorator.
type PoolConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MaxIdle        int      `yaml:"max_idle,omitempty"`
	Warmup         int      `yaml:"warmup,omitempty"`
	AcquireTimeout Duration `yaml:"acquire_timeout,omitempty"`
}

// Validate checks the pool sizing.
func (p PoolConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MaxIdle < 1 {
		return fmt.Errorf("pool max_idle %d must be at least 1", p.MaxIdle)
	}
	if p.Warmup < 0 || p.Warmup > p.MaxIdle {
		return fmt.Errorf("pool warmup %d must be between 0 and max_idle", p.Warmup)
	}
	return nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// Config is the root configuration for a connection factory. Exactly one
// topology section must be populated; the optional topology field pins the
// expected variant and guards against accidentally mixed documents.
type Config struct {
	Name          string               `yaml:"name,omitempty"`
	Topology      Kind                 `yaml:"topology,omitempty"`
	Standalone    *Standalone          `yaml:"standalone,omitempty"`
	Socket        *Socket              `yaml:"socket,omitempty"`
	Sentinel      *Sentinel            `yaml:"sentinel,omitempty"`
	Cluster       *Cluster             `yaml:"cluster,omitempty"`
	MasterReplica *StaticMasterReplica `yaml:"static_master_replica,omitempty"`
	Client        ClientConfig         `yaml:"client"`
	Pool          *PoolConfig          `yaml:"pool,omitempty"`
	Logging       LoggingConfig        `yaml:"logging"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
}

// Load reads and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document into a validated Config. Unknown fields are
// rejected.
func Parse(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config document is empty")
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReferencedFiles lists the files the document points at beyond itself,
// currently the TLS material. Watchers track them to pick up certificate
// rotation.
func (c *Config) ReferencedFiles() []string {
	if c == nil {
		return nil
	}
	tls := c.Client.TLS
	var files []string
	for _, file := range []string{tls.CAFile, tls.CertFile, tls.KeyFile} {
		if file != "" {
			files = append(files, file)
		}
	}
	return files
}

// Validate checks the whole document, including the selected topology.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	topo, err := c.Deployment()
	if err != nil {
		return err
	}
	if err := topo.Validate(); err != nil {
		return err
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if c.Pool != nil {
		if err := c.Pool.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Deployment resolves the populated topology section. The topology field,
// when present, must name the populated section.
func (c *Config) Deployment() (Topology, error) {
	var (
		selected Topology
		count    int
	)
	if c.Standalone != nil {
		selected = *c.Standalone
		count++
	}
	if c.Socket != nil {
		selected = *c.Socket
		count++
	}
	if c.Sentinel != nil {
		selected = *c.Sentinel
		count++
	}
	if c.Cluster != nil {
		selected = *c.Cluster
		count++
	}
	if c.MasterReplica != nil {
		selected = *c.MasterReplica
		count++
	}
	switch {
	case count == 0:
		return nil, errors.New("no topology section configured")
	case count > 1:
		return nil, errors.New("exactly one topology section may be configured")
	}
	if c.Topology != "" && c.Topology != selected.Kind() {
		return nil, fmt.Errorf("topology field %q does not match configured %q section", c.Topology, selected.Kind())
	}
	return selected, nil
}

// DataCredentials returns the credentials of the data-node tier for the
// configured topology.
func DataCredentials(t Topology) Credentials {
	switch topo := t.(type) {
	case Standalone:
		return topo.Credentials
	case Socket:
		return topo.Credentials
	case Sentinel:
		return topo.Credentials
	case Cluster:
		return topo.Credentials
	case StaticMasterReplica:
		return topo.Credentials
	default:
		return Credentials{}
	}
}

// Database returns the database index selected for the topology. Cluster
// deployments always use database zero.
func Database(t Topology) int {
	switch topo := t.(type) {
	case Standalone:
		return topo.Database
	case Socket:
		return topo.Database
	case Sentinel:
		return topo.Database
	case StaticMasterReplica:
		return topo.Database
	default:
		return 0
	}
}
