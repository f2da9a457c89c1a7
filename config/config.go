package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Defaults for every recognized option. Each one can be overridden with an
// Option or by loading a JSON config file.
const (
	DefaultPort              = 5000
	DefaultBroadcastPort     = 5001
	DefaultDiscoveryTimeout  = 5 * time.Second
	DefaultConnectionTimeout = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultMaxMessageSize is the largest payload a single UDP datagram can
	// carry (IPv4, minus IP and UDP headers).
	DefaultMaxMessageSize = 65507
)

// Duration wraps time.Duration so config files can spell intervals either as
// a duration string ("10s", "1m30s") or as a plain number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}

	return fmt.Errorf("duration must be a string (e.g. \"10s\") or a number of seconds")
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config holds every tunable of a fabric node. The zero value is not usable;
// start from Default() or New().
type Config struct {
	// NodeID is the stable identifier this node announces to the network.
	// Defaults to the host name.
	NodeID string `json:"node_id,omitempty"`

	// Port receives unicast datagrams (deliveries and discovery replies).
	Port int `json:"port"`

	// BroadcastPort receives discovery probes from the local network.
	BroadcastPort int `json:"broadcast_port"`

	// Interface restricts sockets to one network interface. Empty means all.
	Interface string `json:"interface,omitempty"`

	// EncryptionKey enables payload encryption when non-empty.
	EncryptionKey string `json:"encryption_key,omitempty"`

	// SigningKey enables datagram authentication when non-empty.
	SigningKey string `json:"signing_key,omitempty"`

	// DiscoveryTimeout is both the discovery period and the time one
	// discovery probe waits for replies.
	DiscoveryTimeout Duration `json:"discovery_timeout"`

	// ConnectionTimeout bounds a single send to one peer.
	ConnectionTimeout Duration `json:"connection_timeout"`

	// HeartbeatInterval is the liveness announcement period. Peers silent
	// for three intervals are evicted.
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// MaxMessageSize caps a datagram; larger sends fail and larger receipts
	// are dropped.
	MaxMessageSize int `json:"max_message_size"`

	// Compression compresses payloads that shrink from it.
	Compression bool `json:"compression"`

	// Capabilities are the feature tags this node advertises during
	// discovery; capability routing selects peers by them.
	Capabilities []string `json:"capabilities,omitempty"`
}

// Option overrides a single Config field.
type Option func(*Config)

func WithNodeID(id string) Option         { return func(c *Config) { c.NodeID = id } }
func WithPort(port int) Option            { return func(c *Config) { c.Port = port } }
func WithBroadcastPort(port int) Option   { return func(c *Config) { c.BroadcastPort = port } }
func WithInterface(name string) Option    { return func(c *Config) { c.Interface = name } }
func WithEncryptionKey(key string) Option { return func(c *Config) { c.EncryptionKey = key } }
func WithSigningKey(key string) Option    { return func(c *Config) { c.SigningKey = key } }
func WithCompression(on bool) Option      { return func(c *Config) { c.Compression = on } }
func WithMaxMessageSize(n int) Option     { return func(c *Config) { c.MaxMessageSize = n } }

func WithCapabilities(tags ...string) Option {
	return func(c *Config) { c.Capabilities = append([]string(nil), tags...) }
}

func WithDiscoveryTimeout(d time.Duration) Option {
	return func(c *Config) { c.DiscoveryTimeout = Duration(d) }
}

func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectionTimeout = Duration(d) }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = Duration(d) }
}

// Default returns a configuration with every option at its default value.
func Default() *Config {
	nodeID, err := os.Hostname()
	if err != nil {
		log.Warnf("config: failed to read host name, using %q: %v", "localhost", err)
		nodeID = "localhost"
	}

	return &Config{
		NodeID:            nodeID,
		Port:              DefaultPort,
		BroadcastPort:     DefaultBroadcastPort,
		DiscoveryTimeout:  Duration(DefaultDiscoveryTimeout),
		ConnectionTimeout: Duration(DefaultConnectionTimeout),
		HeartbeatInterval: Duration(DefaultHeartbeatInterval),
		MaxMessageSize:    DefaultMaxMessageSize,
	}
}

// New builds a configuration from the defaults with opts applied in order.
func New(opts ...Option) *Config {
	cfg := Default()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Load reads a JSON config file over the defaults, so a file only needs to
// spell the options it changes.
func Load(path string) (*Config, error) {
	log.Infof("config: loading %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	log.Infof("config: saving %s", path)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports the first nonsensical option value.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if c.BroadcastPort < 1 || c.BroadcastPort > 65535 {
		return fmt.Errorf("broadcast_port %d out of range 1-65535", c.BroadcastPort)
	}
	if c.Port == c.BroadcastPort {
		return fmt.Errorf("port and broadcast_port must differ, both are %d", c.Port)
	}
	if c.DiscoveryTimeout.Duration() <= 0 {
		return fmt.Errorf("discovery_timeout must be positive, got %s", c.DiscoveryTimeout)
	}
	if c.ConnectionTimeout.Duration() <= 0 {
		return fmt.Errorf("connection_timeout must be positive, got %s", c.ConnectionTimeout)
	}
	if c.HeartbeatInterval.Duration() <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MaxMessageSize < 512 || c.MaxMessageSize > DefaultMaxMessageSize {
		return fmt.Errorf("max_message_size %d out of range 512-%d", c.MaxMessageSize, DefaultMaxMessageSize)
	}
	return nil
}
