// Package config loads the resolver's ambient configuration surface: a YAML
// file supplies defaults, and CLI flags (parsed by the cmd entry point)
// override them.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML configuration structure. Every field is optional; a zero
// value means "let the flag default (or Resolved's built-in default) stand."
type File struct {
	UDPAddr        string   `yaml:"udp_addr"`
	TCPAddr        string   `yaml:"tcp_addr"`
	RootServers    []string `yaml:"root_servers"`
	CacheCapacity  int      `yaml:"cache_capacity"`
	HopTimeout     Duration `yaml:"hop_timeout"`
	MaxIterations  int      `yaml:"max_iterations"`
	WorkerPoolSize int      `yaml:"worker_pool_size"`
	MetricsAddr    string   `yaml:"metrics_addr"`
}

// Duration unmarshals a YAML scalar like "5s" or "250ms" into a
// time.Duration, since yaml.v3 does not do this for the stdlib type itself.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Resolved is the effective, fully-defaulted configuration produced by
// merging flags over an optional File over built-in defaults.
type Resolved struct {
	UDPAddr        string
	TCPAddr        string
	RootServers    []string
	CacheCapacity  int
	HopTimeout     time.Duration
	MaxIterations  int
	WorkerPoolSize int
	MetricsAddr    string
}

// Default returns Resolved's built-in defaults (no config file, no flags).
func Default() Resolved {
	return Resolved{
		UDPAddr:        ":2053",
		TCPAddr:        ":2053",
		RootServers:    nil, // resolver.DefaultRootServers
		CacheCapacity:  10000,
		HopTimeout:     5 * time.Second,
		MaxIterations:  16,
		WorkerPoolSize: 256,
		MetricsAddr:    "",
	}
}

// Merge overlays a (possibly nil) File's non-zero fields onto r, returning
// the result. Flags are applied afterward by the caller using the same
// "non-zero overrides" rule.
func (r Resolved) Merge(f *File) Resolved {
	if f == nil {
		return r
	}
	if f.UDPAddr != "" {
		r.UDPAddr = f.UDPAddr
	}
	if f.TCPAddr != "" {
		r.TCPAddr = f.TCPAddr
	}
	if len(f.RootServers) > 0 {
		r.RootServers = f.RootServers
	}
	if f.CacheCapacity > 0 {
		r.CacheCapacity = f.CacheCapacity
	}
	if f.HopTimeout > 0 {
		r.HopTimeout = time.Duration(f.HopTimeout)
	}
	if f.MaxIterations > 0 {
		r.MaxIterations = f.MaxIterations
	}
	if f.WorkerPoolSize > 0 {
		r.WorkerPoolSize = f.WorkerPoolSize
	}
	if f.MetricsAddr != "" {
		r.MetricsAddr = f.MetricsAddr
	}
	return r
}
