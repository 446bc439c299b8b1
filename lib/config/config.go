// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "ARTIFACTP2P_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete configuration of one artifactp2p node.
type Config struct {
	Environment Environment `yaml:"environment"`

	Node       NodeConfig       `yaml:"node"`
	Transport  TransportConfig  `yaml:"transport"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Pool       PoolConfig       `yaml:"pool"`
	Membership MembershipConfig `yaml:"membership"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// Per-environment overrides, applied after the base config is
	// loaded when Environment matches.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections that may differ per
// environment. Only non-zero fields override.
type ConfigOverrides struct {
	Node       *NodeConfig       `yaml:"node,omitempty"`
	Transport  *TransportConfig  `yaml:"transport,omitempty"`
	Gossip     *GossipConfig     `yaml:"gossip,omitempty"`
	Pool       *PoolConfig       `yaml:"pool,omitempty"`
	Membership *MembershipConfig `yaml:"membership,omitempty"`
	Metrics    *MetricsConfig    `yaml:"metrics,omitempty"`
}

// NodeConfig identifies this node and where it listens.
type NodeConfig struct {
	// ID is this node's peer identity. It must match the ID other
	// nodes have for it in their membership.
	ID string `yaml:"id"`

	// KeyFile is an OpenSSH ed25519 private key used to authenticate
	// to peers. See LoadNodeKey.
	KeyFile string `yaml:"key_file"`

	// ListenAddress is the TCP address to accept peer connections on
	// when Network is "tcp".
	ListenAddress string `yaml:"listen_address"`

	// Network is "tcp" or "webrtc".
	Network string `yaml:"network"`

	// STUNServers are ICE servers for the webrtc network.
	STUNServers []string `yaml:"stun_servers"`

	// SignalingURL is the NATS server the webrtc network exchanges
	// SDP offers and answers through. SignalingPrefix roots the
	// per-node subjects.
	SignalingURL    string `yaml:"signaling_url"`
	SignalingPrefix string `yaml:"signaling_prefix"`
}

// TransportConfig bounds the transport's queues and timeouts.
type TransportConfig struct {
	PushQueueCapacity    int           `yaml:"push_queue_capacity"`
	RequestQueueCapacity int           `yaml:"request_queue_capacity"`
	InboundQueueCapacity int           `yaml:"inbound_queue_capacity"`
	RPCTimeout           time.Duration `yaml:"rpc_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	MaxFrameSize         int           `yaml:"max_frame_size"`

	// Compression is "none", "lz4" or "zstd". Payloads smaller than
	// CompressionThreshold bytes are never compressed.
	Compression          string `yaml:"compression"`
	CompressionThreshold int    `yaml:"compression_threshold"`

	// RateLimit is the sustained number of inbound frames per second
	// accepted from one peer; RateBurst is the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	DialBackoffInitial time.Duration `yaml:"dial_backoff_initial"`
	DialBackoffMax     time.Duration `yaml:"dial_backoff_max"`
}

// GossipConfig tunes the dissemination engine.
type GossipConfig struct {
	MaxPullAttempts   int           `yaml:"max_pull_attempts"`
	PullTimeout       time.Duration `yaml:"pull_timeout"`
	FinishedCacheSize int           `yaml:"finished_cache_size"`
	SentCacheSize     int           `yaml:"sent_cache_size"`
	MaxTrackedPerPeer int           `yaml:"max_tracked_per_peer"`
	RetryInitial      time.Duration `yaml:"retry_initial"`
	RetryMax          time.Duration `yaml:"retry_max"`
}

// PoolConfig selects the artifact pool backend.
type PoolConfig struct {
	// Backend is "memory" or "badger".
	Backend string `yaml:"backend"`

	// DataDir is the badger directory. Required for the badger
	// backend.
	DataDir string `yaml:"data_dir"`
}

// MembershipConfig selects where the peer set comes from.
type MembershipConfig struct {
	// Source is "static" or "nats".
	Source string `yaml:"source"`

	// Peers is the membership when Source is "static".
	Peers []PeerConfig `yaml:"peers"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	PollInterval time.Duration `yaml:"poll_interval"`
}

// PeerConfig is one statically configured peer.
type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`

	// PublicKey is the peer's key in authorized_keys format
	// ("ssh-ed25519 AAAA...").
	PublicKey string `yaml:"public_key"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddress serves /metrics. Empty disables the endpoint.
	ListenAddress string `yaml:"listen_address"`
}

// Default returns the configuration every file is merged onto. The
// node identity and membership have no defaults; Validate rejects a
// config that leaves them empty.
func Default() *Config {
	return &Config{
		Environment: Development,
		Node: NodeConfig{
			ListenAddress:   "0.0.0.0:4100",
			Network:         "tcp",
			SignalingPrefix: "artifactp2p.signal",
		},
		Transport: TransportConfig{
			PushQueueCapacity:    1024,
			RequestQueueCapacity: 256,
			InboundQueueCapacity: 256,
			RPCTimeout:           2 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			MaxFrameSize:         16 << 20,
			Compression:          "lz4",
			CompressionThreshold: 1024,
			RateLimit:            5000,
			RateBurst:            1000,
			DialBackoffInitial:   250 * time.Millisecond,
			DialBackoffMax:       30 * time.Second,
		},
		Gossip: GossipConfig{
			MaxPullAttempts:   5,
			PullTimeout:       2 * time.Second,
			FinishedCacheSize: 65536,
			SentCacheSize:     16384,
			MaxTrackedPerPeer: 1024,
			RetryInitial:      time.Second,
			RetryMax:          time.Minute,
		},
		Pool: PoolConfig{
			Backend: "memory",
		},
		Membership: MembershipConfig{
			Source:       "static",
			NATSSubject:  "artifactp2p.membership",
			PollInterval: 5 * time.Second,
		},
	}
}

// Load loads configuration from the file named by ARTIFACTP2P_CONFIG.
// There is no fallback: if the variable is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of the node config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, applies the overrides for
// the configured environment, and expands ${VAR} references in path
// fields. It does not validate; call Validate.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if node := overrides.Node; node != nil {
		override(&c.Node.ID, node.ID)
		override(&c.Node.KeyFile, node.KeyFile)
		override(&c.Node.ListenAddress, node.ListenAddress)
		override(&c.Node.Network, node.Network)
		override(&c.Node.SignalingURL, node.SignalingURL)
		override(&c.Node.SignalingPrefix, node.SignalingPrefix)
		if len(node.STUNServers) > 0 {
			c.Node.STUNServers = node.STUNServers
		}
	}

	if transport := overrides.Transport; transport != nil {
		override(&c.Transport.PushQueueCapacity, transport.PushQueueCapacity)
		override(&c.Transport.RequestQueueCapacity, transport.RequestQueueCapacity)
		override(&c.Transport.InboundQueueCapacity, transport.InboundQueueCapacity)
		override(&c.Transport.RPCTimeout, transport.RPCTimeout)
		override(&c.Transport.HandshakeTimeout, transport.HandshakeTimeout)
		override(&c.Transport.MaxFrameSize, transport.MaxFrameSize)
		override(&c.Transport.Compression, transport.Compression)
		override(&c.Transport.CompressionThreshold, transport.CompressionThreshold)
		override(&c.Transport.RateLimit, transport.RateLimit)
		override(&c.Transport.RateBurst, transport.RateBurst)
		override(&c.Transport.DialBackoffInitial, transport.DialBackoffInitial)
		override(&c.Transport.DialBackoffMax, transport.DialBackoffMax)
	}

	if gossip := overrides.Gossip; gossip != nil {
		override(&c.Gossip.MaxPullAttempts, gossip.MaxPullAttempts)
		override(&c.Gossip.PullTimeout, gossip.PullTimeout)
		override(&c.Gossip.FinishedCacheSize, gossip.FinishedCacheSize)
		override(&c.Gossip.SentCacheSize, gossip.SentCacheSize)
		override(&c.Gossip.MaxTrackedPerPeer, gossip.MaxTrackedPerPeer)
		override(&c.Gossip.RetryInitial, gossip.RetryInitial)
		override(&c.Gossip.RetryMax, gossip.RetryMax)
	}

	if pool := overrides.Pool; pool != nil {
		override(&c.Pool.Backend, pool.Backend)
		override(&c.Pool.DataDir, pool.DataDir)
	}

	if membership := overrides.Membership; membership != nil {
		override(&c.Membership.Source, membership.Source)
		override(&c.Membership.NATSURL, membership.NATSURL)
		override(&c.Membership.NATSSubject, membership.NATSSubject)
		override(&c.Membership.PollInterval, membership.PollInterval)
		if len(membership.Peers) > 0 {
			c.Membership.Peers = membership.Peers
		}
	}

	if metrics := overrides.Metrics; metrics != nil {
		override(&c.Metrics.ListenAddress, metrics.ListenAddress)
	}
}

// override replaces *target with value when value is non-zero.
func override[T comparable](target *T, value T) {
	var zero T
	if value != zero {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":    os.Getenv("HOME"),
		"NODE_ID": c.Node.ID,
	}
	c.Node.KeyFile = expandVars(c.Node.KeyFile, vars)
	c.Pool.DataDir = expandVars(c.Pool.DataDir, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks required fields and ranges. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Environment {
	case Development, Staging, Production:
	default:
		add("invalid environment: %q", c.Environment)
	}

	if c.Node.ID == "" {
		add("node.id is required")
	}
	if c.Node.KeyFile == "" {
		add("node.key_file is required")
	}
	switch c.Node.Network {
	case "tcp":
		if c.Node.ListenAddress == "" {
			add("node.listen_address is required for the tcp network")
		}
	case "webrtc":
		if c.Node.SignalingURL == "" {
			add("node.signaling_url is required for the webrtc network")
		}
		if c.Node.SignalingPrefix == "" {
			add("node.signaling_prefix is required for the webrtc network")
		}
	default:
		add("node.network must be tcp or webrtc, got %q", c.Node.Network)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"transport.push_queue_capacity", c.Transport.PushQueueCapacity},
		{"transport.request_queue_capacity", c.Transport.RequestQueueCapacity},
		{"transport.inbound_queue_capacity", c.Transport.InboundQueueCapacity},
		{"transport.max_frame_size", c.Transport.MaxFrameSize},
		{"transport.rate_burst", c.Transport.RateBurst},
		{"gossip.max_pull_attempts", c.Gossip.MaxPullAttempts},
		{"gossip.finished_cache_size", c.Gossip.FinishedCacheSize},
		{"gossip.sent_cache_size", c.Gossip.SentCacheSize},
		{"gossip.max_tracked_per_peer", c.Gossip.MaxTrackedPerPeer},
	}
	for _, field := range positive {
		if field.value <= 0 {
			add("%s must be positive, got %d", field.name, field.value)
		}
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"transport.rpc_timeout", c.Transport.RPCTimeout},
		{"transport.handshake_timeout", c.Transport.HandshakeTimeout},
		{"transport.dial_backoff_initial", c.Transport.DialBackoffInitial},
		{"transport.dial_backoff_max", c.Transport.DialBackoffMax},
		{"gossip.pull_timeout", c.Gossip.PullTimeout},
		{"gossip.retry_initial", c.Gossip.RetryInitial},
		{"gossip.retry_max", c.Gossip.RetryMax},
		{"membership.poll_interval", c.Membership.PollInterval},
	}
	for _, field := range durations {
		if field.value <= 0 {
			add("%s must be positive, got %s", field.name, field.value)
		}
	}
	if c.Transport.DialBackoffMax < c.Transport.DialBackoffInitial {
		add("transport.dial_backoff_max (%s) is below dial_backoff_initial (%s)",
			c.Transport.DialBackoffMax, c.Transport.DialBackoffInitial)
	}
	if c.Gossip.RetryMax < c.Gossip.RetryInitial {
		add("gossip.retry_max (%s) is below retry_initial (%s)",
			c.Gossip.RetryMax, c.Gossip.RetryInitial)
	}
	if c.Transport.RateLimit <= 0 {
		add("transport.rate_limit must be positive, got %v", c.Transport.RateLimit)
	}
	if c.Transport.CompressionThreshold < 0 {
		add("transport.compression_threshold must not be negative")
	}
	switch c.Transport.Compression {
	case "none", "lz4", "zstd":
	default:
		add("transport.compression must be none, lz4 or zstd, got %q", c.Transport.Compression)
	}

	switch c.Pool.Backend {
	case "memory":
	case "badger":
		if c.Pool.DataDir == "" {
			add("pool.data_dir is required for the badger backend")
		}
	default:
		add("pool.backend must be memory or badger, got %q", c.Pool.Backend)
	}

	switch c.Membership.Source {
	case "static":
		seen := make(map[string]bool)
		for index, peer := range c.Membership.Peers {
			if peer.ID == "" {
				add("membership.peers[%d].id is required", index)
			}
			if seen[peer.ID] {
				add("membership.peers[%d]: duplicate id %q", index, peer.ID)
			}
			seen[peer.ID] = true
			if peer.PublicKey == "" {
				add("membership.peers[%d].public_key is required", index)
			} else if _, err := ParsePeerKey(peer.PublicKey); err != nil {
				add("membership.peers[%d].public_key: %v", index, err)
			}
		}
	case "nats":
		if c.Membership.NATSURL == "" {
			add("membership.nats_url is required for the nats source")
		}
		if c.Membership.NATSSubject == "" {
			add("membership.nats_subject is required for the nats source")
		}
	default:
		add("membership.source must be static or nats, got %q", c.Membership.Source)
	}

	return errors.Join(errs...)
}
