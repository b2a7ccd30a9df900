// Package config defines the worker daemon's CLI/YAML configuration
// surface, resolved from a YAML file via kong-yaml, since the bootstrap
// manifest is itself a YAML document and one resolver
// format serves both the daemon config and the bootstrap manifest.
package config

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"gopkg.in/yaml.v3"
)

// Worker is the worker daemon's full configuration: storage locations, the
// scheduler peer address, memory budget, and the ambient logging stack.
type Worker struct {
	SQLitePath string `yaml:"sqlite_path" default:"/var/lib/fntnd/faasten.db" help:"path to the sqlite-backed labeled namespace store"`
	BlobRoot   string `yaml:"blob_root" default:"/var/lib/fntnd/blobs" help:"root directory for the content-addressed blob store"`
	StatPath   string `yaml:"stat_path" default:"/var/log/fntnd/stat.jsonl" help:"path for the rotated JSON stat timeline"`
	KeyDir     string `yaml:"key_dir" default:"/var/lib/fntnd/keys" help:"directory holding the worker's ed25519 identity keypair"`

	SchedulerAddr string `yaml:"scheduler_addr" help:"host:port (or unix socket path) of the cluster scheduler RPC peer"`
	VsockPort     uint32 `yaml:"vsock_port" default:"1234" help:"guest-facing vsock port CloudCalls arrive on"`

	MemoryCapacityMB uint64 `yaml:"memory_capacity_mb" default:"4096" help:"total memory budget, in MiB, advertised across the worker's VM slots"`
	InvokeTimeoutSec uint64 `yaml:"invoke_timeout_sec" default:"30" help:"wall-clock budget applied to every invocation, in seconds"`

	LogFile  string `yaml:"log_file" default:"/var/log/fntnd/worker.log" help:"worker daemon log file path"`
	LogLevel string `yaml:"log_level" default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
}

// BootstrapManifest is the shape of the YAML document the `bootstrap
// <config.yaml>` command consumes: the home hierarchy and administrative
// gates to seed into a fresh namespace.
type BootstrapManifest struct {
	HomePrincipals []string       `yaml:"home_principals"`
	Gates          []GateManifest `yaml:"gates"`
}

// GateManifest describes one administrative gate bootstrap creates: a path
// to link it at, its privilege/clearance, and which built-in admin function
// it wires to.
type GateManifest struct {
	Path                      string `yaml:"path"`
	Privilege                 string `yaml:"privilege"`
	InvokerIntegrityClearance string `yaml:"invoker_integrity_clearance"`
	Declassify                string `yaml:"declassify"`
	Builtin                   string `yaml:"builtin"` // "fsutil" | "jwt"
}

// LoadBootstrapManifest reads and parses a bootstrap YAML manifest.
func LoadBootstrapManifest(path string) (*BootstrapManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest: %w", err)
	}
	var m BootstrapManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest: %w", err)
	}
	return &m, nil
}

// Resolver returns the kong configuration option that lets `Worker` fields
// be populated from a YAML file.
func Resolver(paths ...string) kong.Option {
	return kong.Configuration(kongyaml.Loader, paths...)
}
