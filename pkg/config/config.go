package config

import (
	"fmt"
	"os"
	"time"

	"clusterha-go/pkg/securestore"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// LoggingConfig holds the configuration for the logging system.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// LocalStateConfig configures how the local firewall cluster-protocol status
// is read.
type LocalStateConfig struct {
	// Command is the cluster status command, split into argv. The default
	// matches the firewall's own tooling.
	Command []string      `yaml:"command" envconfig:"COMMAND"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	// FirewallChain, when set, must exist in the filter table for the node
	// to be considered healthy. Read-only check.
	FirewallChain string `yaml:"firewall_chain" envconfig:"FIREWALL_CHAIN"`
}

// PeerConfig configures the reachability probe against the partner node.
type PeerConfig struct {
	Address      string              `yaml:"address" envconfig:"ADDRESS"`
	ProbeTimeout time.Duration       `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT"`
	PingEnabled  bool                `yaml:"ping_enabled" envconfig:"PING_ENABLED"`
	Resolver     string              `yaml:"resolver" envconfig:"RESOLVER"`
	SharedKeyStr string              `yaml:"shared_key" envconfig:"SHARED_KEY"`
	SharedKey    *securestore.Secret `yaml:"-"`
}

// ControlConfig configures the local control endpoint, which doubles as the
// peer's probe target.
type ControlConfig struct {
	Listen           string        `yaml:"listen" envconfig:"LISTEN"`
	SharedKeyHash    string        `yaml:"shared_key_hash" envconfig:"SHARED_KEY_HASH"`
	ReadTimeout      time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	RateLimitEnabled bool          `yaml:"rate_limit_enabled" envconfig:"RATE_LIMIT_ENABLED"`
	RateLimit        float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateLimitBurst   int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
}

// CloudConfig holds the cloud API connection settings.
type CloudConfig struct {
	APIEndpoint    string              `yaml:"api_endpoint" envconfig:"API_ENDPOINT"`
	CredentialStr  string              `yaml:"credential" envconfig:"CREDENTIAL"`
	Credential     *securestore.Secret `yaml:"-"`
	RequestTimeout time.Duration       `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	RateLimit      float64             `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RetryConfig is the retry policy for cloud binding updates.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	BaseBackoff time.Duration `yaml:"base_backoff" envconfig:"BASE_BACKOFF"`
	JitterBound time.Duration `yaml:"jitter_bound" envconfig:"JITTER_BOUND"`
}

// BindingConfig describes one cloud resource whose target must track the
// active member. Targets maps member identifier to the cloud-side value
// written for that member (next hop address, NIC id, backend id).
type BindingConfig struct {
	Name       string            `yaml:"name"`
	Kind       string            `yaml:"kind"`
	ResourceID string            `yaml:"resource_id"`
	Targets    map[string]string `yaml:"targets"`
}

// AnnounceConfig configures the gratuitous ARP sent after promotion.
type AnnounceConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Interface string `yaml:"interface" envconfig:"INTERFACE"`
	Address   string `yaml:"address" envconfig:"ADDRESS"`
}

// EventsConfig configures the failover event log.
type EventsConfig struct {
	RingSize int    `yaml:"ring_size" envconfig:"RING_SIZE"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// MetricsConfig holds the configuration for the metrics system.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Backend string `yaml:"backend" envconfig:"BACKEND"`
}

// Config holds the daemon configuration. Loaded once at startup; changing it
// requires a restart.
type Config struct {
	Foreground bool   `yaml:"foreground" envconfig:"FOREGROUND"`
	PIDFile    string `yaml:"pidfile" envconfig:"PIDFILE"`

	NodeID string `yaml:"node_id" envconfig:"NODE_ID"`
	PeerID string `yaml:"peer_id" envconfig:"PEER_ID"`

	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	FailureThreshold int           `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`

	StatusFile string `yaml:"status_file" envconfig:"STATUS_FILE"`
	CmdSocket  string `yaml:"cmdsocket" envconfig:"CMDSOCKET"`

	Logging    LoggingConfig    `yaml:"logging"`
	LocalState LocalStateConfig `yaml:"local_state"`
	Peer       PeerConfig       `yaml:"peer"`
	Control    ControlConfig    `yaml:"control"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Retry      RetryConfig      `yaml:"retry"`
	Bindings   []BindingConfig  `yaml:"bindings"`
	Announce   AnnounceConfig   `yaml:"announce"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

var validBindingKinds = map[string]bool{
	"route":       true,
	"floating-ip": true,
	"lb-pool":     true,
}

// Load loads the configuration from a YAML file, and then overrides with
// environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		// Config may be fully provided by env vars.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
		}
	}

	// Override with environment variables, e.g. CLUSTERHAD_PEER_ADDRESS.
	if err := envconfig.Process("clusterhad", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// Convert secrets to secure buffers and clear the plaintext fields.
	if cfg.Peer.SharedKeyStr != "" {
		cfg.Peer.SharedKey = securestore.NewSecret(cfg.Peer.SharedKeyStr)
		cfg.Peer.SharedKeyStr = ""
	}
	if cfg.Cloud.CredentialStr != "" {
		cfg.Cloud.Credential = securestore.NewSecret(cfg.Cloud.CredentialStr)
		cfg.Cloud.CredentialStr = ""
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if len(c.LocalState.Command) == 0 {
		c.LocalState.Command = []string{"cphaprob", "stat"}
	}
	if c.LocalState.Timeout == 0 {
		c.LocalState.Timeout = 5 * time.Second
	}
	if c.Peer.ProbeTimeout == 0 {
		c.Peer.ProbeTimeout = 3 * time.Second
	}
	if c.Cloud.RequestTimeout == 0 {
		c.Cloud.RequestTimeout = 15 * time.Second
	}
	if c.Cloud.RateLimit == 0 {
		c.Cloud.RateLimit = 5
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseBackoff == 0 {
		c.Retry.BaseBackoff = 500 * time.Millisecond
	}
	if c.Retry.JitterBound == 0 {
		c.Retry.JitterBound = 250 * time.Millisecond
	}
	if c.Events.RingSize == 0 {
		c.Events.RingSize = 64
	}
}

func (c *Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.PeerID == "" {
		return fmt.Errorf("peer_id is required")
	}
	if c.NodeID == c.PeerID {
		return fmt.Errorf("node_id and peer_id must differ")
	}
	if c.Peer.Address == "" {
		return fmt.Errorf("peer.address is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1")
	}
	if len(c.Bindings) > 0 && c.Cloud.APIEndpoint == "" {
		return fmt.Errorf("cloud.api_endpoint is required when bindings are configured")
	}
	seen := make(map[string]bool, len(c.Bindings))
	for i, b := range c.Bindings {
		if b.Name == "" {
			return fmt.Errorf("bindings[%d]: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("bindings[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
		if !validBindingKinds[b.Kind] {
			return fmt.Errorf("bindings[%d]: unknown kind %q", i, b.Kind)
		}
		if b.ResourceID == "" {
			return fmt.Errorf("bindings[%d]: resource_id is required", i)
		}
		if _, ok := b.Targets[c.NodeID]; !ok {
			return fmt.Errorf("bindings[%d]: missing target for node %q", i, c.NodeID)
		}
		if _, ok := b.Targets[c.PeerID]; !ok {
			return fmt.Errorf("bindings[%d]: missing target for peer %q", i, c.PeerID)
		}
	}
	if c.Announce.Enabled {
		if c.Announce.Interface == "" || c.Announce.Address == "" {
			return fmt.Errorf("announce requires both interface and address")
		}
	}
	return nil
}
