// Package config loads the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/hostinger/nd6d/internal/logger"
	"github.com/hostinger/nd6d/internal/neighbor"
	"github.com/hostinger/nd6d/internal/prober"
	"github.com/hostinger/nd6d/internal/sniffer"
)

type Config config
type config struct {
	// Logging configuration.
	Logging logger.Config `yaml:"logging"`
	// API configuration.
	API APIConfig `yaml:"api"`
	// Interfaces are attached to the cache on startup.
	Interfaces []string `yaml:"interfaces"`
	// ND holds the Neighbor Discovery protocol constants.
	ND neighbor.Config `yaml:"nd"`
	// Sniffer configuration.
	Sniffer sniffer.Config `yaml:"sniffer"`
	// Prober configuration.
	Prober prober.Config `yaml:"prober"`
	// Kernel integration.
	Kernel KernelConfig `yaml:"kernel"`
	// Static entries are installed as permanent neighbors.
	Static []StaticEntry `yaml:"static"`
	// Proxy entries are answered on behalf of other nodes.
	Proxy []StaticEntry `yaml:"proxy"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	// Listen is the API listen address. Empty disables the API.
	Listen string `yaml:"listen"`
}

// KernelConfig configures the netlink integration.
type KernelConfig struct {
	// MirrorNeighbors copies resolved entries into the kernel table.
	MirrorNeighbors bool `yaml:"mirror_neighbors"`
	// WatchLinks follows link and address changes of attached interfaces.
	WatchLinks bool `yaml:"watch_links"`
}

// StaticEntry is a manually configured neighbor. An empty lladdr stands for
// the hardware address of the interface.
type StaticEntry struct {
	Addr      netip.Addr `yaml:"addr"`
	Interface string     `yaml:"interface"`
	LinkAddr  string     `yaml:"lladdr"`
	Router    bool       `yaml:"router"`
}

// HardwareAddr parses the configured link-layer address. It returns nil
// when none is configured.
func (m *StaticEntry) HardwareAddr() (net.HardwareAddr, error) {
	if m.LinkAddr == "" {
		return nil, nil
	}
	return net.ParseMAC(m.LinkAddr)
}

func (m *StaticEntry) validate() error {
	if !m.Addr.IsValid() || !m.Addr.Is6() || m.Addr.Is4In6() {
		return fmt.Errorf("addr %q must be an IPv6 address", m.Addr)
	}
	if m.Addr.IsMulticast() || m.Addr.IsUnspecified() {
		return fmt.Errorf("addr %s must be a unicast address", m.Addr)
	}
	if m.Interface == "" {
		return fmt.Errorf("entry %s has no interface", m.Addr)
	}
	if _, err := m.HardwareAddr(); err != nil {
		return fmt.Errorf("entry %s: invalid lladdr: %w", m.Addr, err)
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Logging: logger.Config{
			Level: zapcore.InfoLevel,
		},
		API: APIConfig{
			Listen: "127.0.0.1:54321",
		},
		ND:      neighbor.DefaultConfig(),
		Sniffer: sniffer.DefaultConfig(),
		Prober:  prober.DefaultConfig(),
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation.
//
// The private config type decodes with the default struct behavior, which
// avoids recursing into this method.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the configuration.
func (m *Config) Validate() error {
	if err := m.ND.Validate(); err != nil {
		return fmt.Errorf("nd: %w", err)
	}
	if m.Sniffer.Snaplen.Bytes() > 1<<16 {
		return errors.New("sniffer: snaplen must not exceed 64KB")
	}
	if m.Prober.Enabled && (m.Prober.Interval <= 0 || m.Prober.Timeout <= 0) {
		return errors.New("prober: interval and timeout must be positive")
	}

	for idx := range m.Static {
		if err := m.Static[idx].validate(); err != nil {
			return fmt.Errorf("static: %w", err)
		}
	}
	for idx := range m.Proxy {
		if err := m.Proxy[idx].validate(); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}
	return nil
}
