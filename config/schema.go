package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// schemaSource is the embedded CUE schema for configuration documents. It is
// checked before YAML decoding so structural mistakes surface with schema
// positions instead of Go decoding errors.
const schemaSource = `
#Node: string | {
	host: string & !=""
	port: int & >0 & <65536
}

#Credentials: {
	username?: string
	password?: string
}

#Standalone: {
	host: string & !=""
	port: int & >0 & <65536
	database?: int & >=0
	credentials?: #Credentials
}

#Socket: {
	path: string & !=""
	database?: int & >=0
	credentials?: #Credentials
}

#Sentinel: {
	master: string & !=""
	sentinels: [#Node, ...#Node]
	database?: int & >=0
	credentials?: #Credentials
	sentinel_credentials?: #Credentials
}

#Cluster: {
	nodes: [#Node, ...#Node]
	max_redirects?: int & >=0
	credentials?: #Credentials
}

#StaticMasterReplica: {
	nodes: [#Node, ...#Node]
	database?: int & >=0
	credentials?: #Credentials
}

#TLS: {
	enabled?: bool
	start_tls?: bool
	verify_peer?: "full" | "ca" | "none"
	server_name?: string
	ca_file?: string
	cert_file?: string
	key_file?: string
}

#Client: {
	client_name?: string
	command_timeout?: string
	connect_timeout?: string
	shutdown_timeout?: string
	shutdown_quiet_period?: string
	tls?: #TLS
	read_from?: "master" | "master_preferred" | "replica" | "replica_preferred" | "any"
	read_from_filter?: string
	max_redirects?: int & >=0
	share_native_connection?: bool
	eager_init?: bool
	validate_connections?: bool
}

#Pool: {
	enabled?: bool
	max_idle?: int & >=1
	warmup?: int & >=0
	acquire_timeout?: string
}

#Logging: {
	level?: string
	format?: "text" | "json"
	loki?: {
		enabled?: bool
		url?: string
		labels?: {[string]: string}
	}
}

#Telemetry: {
	enabled?: bool
	provider?: string
}

#Config: {
	name?: string
	topology?: "standalone" | "socket" | "sentinel" | "cluster" | "static_master_replica"
	standalone?: #Standalone
	socket?: #Socket
	sentinel?: #Sentinel
	cluster?: #Cluster
	static_master_replica?: #StaticMasterReplica
	client?: #Client
	pool?: #Pool
	logging?: #Logging
	telemetry?: #Telemetry
}
`

// ValidateSchema checks a raw YAML configuration document against the
// embedded schema.
func ValidateSchema(raw []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("redwire.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	definition := schema.LookupPath(cue.ParsePath("#Config"))
	if err := definition.Err(); err != nil {
		return fmt.Errorf("resolve schema definition: %w", err)
	}
	file, err := cueyaml.Extract("config.yaml", raw)
	if err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	document := ctx.BuildFile(file)
	if err := document.Err(); err != nil {
		return fmt.Errorf("build document: %w", err)
	}
	if err := definition.Unify(document).Validate(); err != nil {
		return fmt.Errorf("schema violation:\n%s", cueerrors.Details(err, nil))
	}
	return nil
}

// ValidateSchemaFile reads a configuration file and checks it against the
// embedded schema.
func ValidateSchemaFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ValidateSchema(raw)
}
