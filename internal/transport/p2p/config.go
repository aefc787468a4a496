// Package p2p implements C6: the built-in direct-peer transport. Identity,
// discovery (mDNS for local subnet, pubsub-backed overlay for wide area,
// manual dial), session establishment and the wire protocol are all
// adapted from the teacher's core/network.go and core/peer_management.go,
// which build the same libp2p host/mDNS/pubsub stack for a different
// payload (blockchain gossip instead of document transfers).
package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"

	"firma-sign/core/internal/transport"
)

// Config is the p2p transport's own configuration, filled by parseConfig
// from the generic map[string]any the registry hands Initialize.
// parseConfig reads listenAddr, discoveryTag, bootstrapPeers (as []string),
// autoDial, maxConnections, enableNAT and wsListenAddr; ConnectTimeout and
// SendDeadline always keep their defaults.
type Config struct {
	ListenAddr     string        `mapstructure:"listenAddr"`
	DiscoveryTag   string        `mapstructure:"discoveryTag"`
	BootstrapPeers []string      `mapstructure:"bootstrapPeers"`
	AutoDial       bool          `mapstructure:"autoDial"`
	MaxConnections int           `mapstructure:"maxConnections"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	SendDeadline   time.Duration `mapstructure:"sendDeadline"`
	EnableNAT      bool          `mapstructure:"enableNAT"`

	// WSListenAddr, when non-empty, starts the second listening address
	// named in §4.6 "Listening addresses" for browser-origin peers that
	// cannot dial a raw libp2p stream. Disabled by default.
	WSListenAddr string `mapstructure:"wsListenAddr"`
}

// ProtocolID is the single logical protocol string for a transfer, per §6.
const ProtocolID = "/firma-sign/transfer/1"

func protocolID() protocol.ID { return protocol.ID(ProtocolID) }

// MaxFileSize is the per-document cap, per §4.6 "Limits".
const MaxFileSize = 500 * 1024 * 1024

func defaultConfig() Config {
	return Config{
		ListenAddr:     "/ip4/0.0.0.0/tcp/0",
		DiscoveryTag:   "firma-sign",
		AutoDial:       true,
		MaxConnections: 50,
		ConnectTimeout: 30 * time.Second,
		SendDeadline:   60 * time.Second,
		EnableNAT:      false,
	}
}

func parseConfig(raw map[string]any) Config {
	cfg := defaultConfig()
	if v, ok := raw["listenAddr"].(string); ok && v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := raw["discoveryTag"].(string); ok && v != "" {
		cfg.DiscoveryTag = v
	}
	if v, ok := raw["bootstrapPeers"].([]string); ok {
		cfg.BootstrapPeers = v
	}
	if v, ok := raw["autoDial"].(bool); ok {
		cfg.AutoDial = v
	}
	if v, ok := raw["maxConnections"].(int); ok && v > 0 {
		cfg.MaxConnections = v
	}
	if v, ok := raw["enableNAT"].(bool); ok {
		cfg.EnableNAT = v
	}
	if v, ok := raw["wsListenAddr"].(string); ok {
		cfg.WSListenAddr = v
	}
	return cfg
}

func capabilities() transport.Capabilities {
	return transport.Capabilities{
		MaxFileSize:           MaxFileSize,
		SupportsBatch:         true,
		SupportsEncryption:    true,
		SupportsNotifications: false,
		SupportsResume:        false,
		RequiredConfig:        []string{"listenAddr"},
	}
}
