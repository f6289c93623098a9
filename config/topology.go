package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind names a deployment topology variant.
type Kind string

const (
	// KindStandalone is a single reachable node over TCP.
	KindStandalone Kind = "standalone"
	// KindSocket is a single local node reached through a unix domain socket.
	KindSocket Kind = "socket"
	// KindSentinel is a master resolved at connect time by asking sentinels.
	KindSentinel Kind = "sentinel"
	// KindCluster is a sharded deployment bootstrapped from seed nodes.
	KindCluster Kind = "cluster"
	// KindStaticMasterReplica is a fixed node list with a designated master
	// and no topology re-resolution.
	KindStaticMasterReplica Kind = "static_master_replica"
)

// Topology describes how a factory reaches a Redis deployment. Exactly one
// concrete variant applies per factory; the variant decides which native
// client is built and which connection provider serves acquisitions.
type Topology interface {
	Kind() Kind
	Validate() error
	topology()
}

// Node identifies one addressable endpoint.
type Node struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ParseNode parses an endpoint in "host:port" form.
func ParseNode(raw string) (Node, error) {
	host, portRaw, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return Node{}, fmt.Errorf("parse node %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return Node{}, fmt.Errorf("parse node %q: invalid port: %w", raw, err)
	}
	node := Node{Host: host, Port: port}
	if err := node.validate(); err != nil {
		return Node{}, err
	}
	return node, nil
}

// UnmarshalYAML allows nodes to be declared either as "host:port" scalars or
// as structured mappings.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("node value is nil")
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode node: %w", err)
		}
		node, err := ParseNode(raw)
		if err != nil {
			return err
		}
		*n = node
		return nil
	case yaml.MappingNode:
		type rawNode struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
		}
		var raw rawNode
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode node: %w", err)
		}
		n.Host = raw.Host
		n.Port = raw.Port
		return nil
	default:
		return fmt.Errorf("unsupported node value kind %d", value.Kind)
	}
}

// Addr renders the node as a dialable "host:port" address.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Node) validate() error {
	if strings.TrimSpace(n.Host) == "" {
		return errors.New("node host must not be empty")
	}
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("node %s: port %d out of range", n.Host, n.Port)
	}
	return nil
}

// Standalone reaches a single node over TCP.
type Standalone struct {
	Host        string      `yaml:"host"`
	Port        int         `yaml:"port"`
	Database    int         `yaml:"database,omitempty"`
	Credentials Credentials `yaml:"credentials,omitempty"`
}

// Kind reports KindStandalone.
func (s Standalone) Kind() Kind { return KindStandalone }

// Node returns the configured endpoint.
func (s Standalone) Node() Node { return Node{Host: s.Host, Port: s.Port} }

// Validate checks the endpoint and database index.
func (s Standalone) Validate() error {
	if err := s.Node().validate(); err != nil {
		return fmt.Errorf("standalone: %w", err)
	}
	if s.Database < 0 {
		return fmt.Errorf("standalone: database index %d must not be negative", s.Database)
	}
	return nil
}

func (Standalone) topology() {}

// Socket reaches a single local node through a unix domain socket.
type Socket struct {
	Path        string      `yaml:"path"`
	Database    int         `yaml:"database,omitempty"`
	Credentials Credentials `yaml:"credentials,omitempty"`
}

// Kind reports KindSocket.
func (s Socket) Kind() Kind { return KindSocket }

// Validate checks the socket path and database index.
func (s Socket) Validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("socket: path must not be empty")
	}
	if s.Database < 0 {
		return fmt.Errorf("socket: database index %d must not be negative", s.Database)
	}
	return nil
}

func (Socket) topology() {}

// Sentinel resolves the current master of a named replication group by asking
// a set of sentinel processes. Credentials for the sentinel hop are tracked
// separately from the data-node credentials because the two tiers commonly
// use different accounts.
type Sentinel struct {
	Master              string      `yaml:"master"`
	Sentinels           []Node      `yaml:"sentinels"`
	Database            int         `yaml:"database,omitempty"`
	Credentials         Credentials `yaml:"credentials,omitempty"`
	SentinelCredentials Credentials `yaml:"sentinel_credentials,omitempty"`
}

// Kind reports KindSentinel.
func (s Sentinel) Kind() Kind { return KindSentinel }

// Validate checks the master name and the sentinel node list.
func (s Sentinel) Validate() error {
	if strings.TrimSpace(s.Master) == "" {
		return errors.New("sentinel: master name must not be empty")
	}
	if len(s.Sentinels) == 0 {
		return errors.New("sentinel: at least one sentinel node is required")
	}
	for _, node := range s.Sentinels {
		if err := node.validate(); err != nil {
			return fmt.Errorf("sentinel: %w", err)
		}
	}
	if s.Database < 0 {
		return fmt.Errorf("sentinel: database index %d must not be negative", s.Database)
	}
	return nil
}

func (Sentinel) topology() {}

// Addrs returns the sentinel endpoints in dialable form.
func (s Sentinel) Addrs() []string {
	addrs := make([]string, 0, len(s.Sentinels))
	for _, node := range s.Sentinels {
		addrs = append(addrs, node.Addr())
	}
	return addrs
}

// Cluster bootstraps a sharded deployment from a seed node list. The native
// client discovers the remaining topology itself; MaxRedirects caps how many
// MOVED/ASK hops it follows per command.
type Cluster struct {
	Nodes        []Node      `yaml:"nodes"`
	MaxRedirects int         `yaml:"max_redirects,omitempty"`
	Credentials  Credentials `yaml:"credentials,omitempty"`
}

// Kind reports KindCluster.
func (c Cluster) Kind() Kind { return KindCluster }

// Validate checks the seed list and redirect budget.
func (c Cluster) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.New("cluster: at least one seed node is required")
	}
	for _, node := range c.Nodes {
		if err := node.validate(); err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("cluster: max redirects %d must not be negative", c.MaxRedirects)
	}
	return nil
}

func (Cluster) topology() {}

// Addrs returns the seed endpoints in dialable form.
func (c Cluster) Addrs() []string {
	addrs := make([]string, 0, len(c.Nodes))
	for _, node := range c.Nodes {
		addrs = append(addrs, node.Addr())
	}
	return addrs
}

// StaticMasterReplica is a fixed node list whose first entry is the master.
// The member set never changes at runtime; read traffic may be routed to
// replicas according to the configured read preference.
type StaticMasterReplica struct {
	Nodes       []Node      `yaml:"nodes"`
	Database    int         `yaml:"database,omitempty"`
	Credentials Credentials `yaml:"credentials,omitempty"`
}

// Kind reports KindStaticMasterReplica.
func (s StaticMasterReplica) Kind() Kind { return KindStaticMasterReplica }

// Validate checks the node list and database index.
func (s StaticMasterReplica) Validate() error {
	if len(s.Nodes) == 0 {
		return errors.New("static_master_replica: at least one node is required")
	}
	for _, node := range s.Nodes {
		if err := node.validate(); err != nil {
			return fmt.Errorf("static_master_replica: %w", err)
		}
	}
	if s.Database < 0 {
		return fmt.Errorf("static_master_replica: database index %d must not be negative", s.Database)
	}
	return nil
}

func (StaticMasterReplica) topology() {}

// Master returns the designated master node.
func (s StaticMasterReplica) Master() Node {
	if len(s.Nodes) == 0 {
		return Node{}
	}
	return s.Nodes[0]
}

// Replicas returns the replica nodes, which may be empty.
func (s StaticMasterReplica) Replicas() []Node {
	if len(s.Nodes) < 2 {
		return nil
	}
	return s.Nodes[1:]
}
