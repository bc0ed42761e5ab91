package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"circuitmesh/pkg/auth"
	"circuitmesh/pkg/transport"
)

const envPrefix = "CIRCUITMESH_"

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		// bare numbers are seconds
		*d = Duration(time.Duration(value * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the node daemon configuration.
type Config struct {
	NodeID string `json:"node_id"`
	// Listen holds endpoints such as tls://0.0.0.0:8044 or tcp://127.0.0.1:8044.
	Listen []string     `json:"listen"`
	Peers  []PeerConfig `json:"peers,omitempty"`

	DataDir        string `json:"data_dir"`
	SigningKeyPath string `json:"signing_key,omitempty"`

	// Keys maps node ids to hex-encoded Ed25519 signing keys.
	Keys        map[string]string  `json:"keys"`
	Permissions []PermissionConfig `json:"permissions,omitempty"`

	Auth           *auth.AuthConfig `json:"auth,omitempty"`
	MetricsAddress string           `json:"metrics_address,omitempty"`

	Mesh      MeshConfig      `json:"mesh"`
	Consensus ConsensusConfig `json:"consensus"`
	Dial      DialConfig      `json:"dial"`
	Workers   int             `json:"workers,omitempty"`
}

// PeerConfig is a node this daemon keeps a connection to.
type PeerConfig struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
}

// PermissionConfig grants rights to a node id, or to every node with "*".
type PermissionConfig struct {
	NodeID     string     `json:"node_id"`
	Rights     []string   `json:"rights"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

type MeshConfig struct {
	IncomingCapacity int      `json:"incoming_capacity"`
	OutgoingCapacity int      `json:"outgoing_capacity"`
	FlushTimeout     Duration `json:"flush_timeout"`
}

type ConsensusConfig struct {
	ProposalTimeout  Duration `json:"proposal_timeout"`
	PollInterval     Duration `json:"poll_interval"`
	StrictCircuitIDs bool     `json:"strict_circuit_ids"`
	SendAttempts     int      `json:"send_attempts"`
}

type DialConfig struct {
	Timeout    Duration `json:"timeout"`
	BackoffMin Duration `json:"backoff_min"`
	BackoffMax Duration `json:"backoff_max"`
}

// Default returns a configuration with every tunable set.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Keys:    map[string]string{},
		Mesh: MeshConfig{
			IncomingCapacity: 1024,
			OutgoingCapacity: 256,
			FlushTimeout:     Duration(time.Second),
		},
		Consensus: ConsensusConfig{
			ProposalTimeout: Duration(30 * time.Second),
			PollInterval:    Duration(500 * time.Millisecond),
			SendAttempts:    8,
		},
		Dial: DialConfig{
			Timeout:    Duration(5 * time.Second),
			BackoffMin: Duration(250 * time.Millisecond),
			BackoffMax: Duration(30 * time.Second),
		},
	}
}

// LoadConfig reads a JSON config file, then applies environment overrides
// and defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFromEnv builds a configuration from environment variables alone.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overrides fields from CIRCUITMESH_* variables.
func (c *Config) ApplyEnv() error {
	c.NodeID = getEnv(envPrefix+"NODE_ID", c.NodeID)
	c.DataDir = getEnv(envPrefix+"DATA_DIR", c.DataDir)
	c.SigningKeyPath = getEnv(envPrefix+"SIGNING_KEY", c.SigningKeyPath)
	c.MetricsAddress = getEnv(envPrefix+"METRICS_ADDRESS", c.MetricsAddress)

	if v := os.Getenv(envPrefix + "LISTEN"); v != "" {
		c.Listen = splitList(v)
	}
	if v := os.Getenv(envPrefix + "PEERS"); v != "" {
		// node_id=endpoint pairs: b=tls://10.0.0.2:8044,c=tls://10.0.0.3:8044
		var peers []PeerConfig
		for _, item := range splitList(v) {
			id, ep, ok := strings.Cut(item, "=")
			if !ok || id == "" || ep == "" {
				return fmt.Errorf("invalid %sPEERS entry %q (expected node_id=endpoint)", envPrefix, item)
			}
			peers = append(peers, PeerConfig{NodeID: id, Endpoint: ep})
		}
		c.Peers = peers
	}
	if v := os.Getenv(envPrefix + "PROPOSAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sPROPOSAL_TIMEOUT: %w", envPrefix, err)
		}
		c.Consensus.ProposalTimeout = Duration(d)
	}
	if v := os.Getenv(envPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sWORKERS: %w", envPrefix, err)
		}
		c.Workers = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Keys == nil {
		c.Keys = map[string]string{}
	}
	if c.Mesh.IncomingCapacity <= 0 {
		c.Mesh.IncomingCapacity = d.Mesh.IncomingCapacity
	}
	if c.Mesh.OutgoingCapacity <= 0 {
		c.Mesh.OutgoingCapacity = d.Mesh.OutgoingCapacity
	}
	if c.Mesh.FlushTimeout <= 0 {
		c.Mesh.FlushTimeout = d.Mesh.FlushTimeout
	}
	if c.Consensus.ProposalTimeout <= 0 {
		c.Consensus.ProposalTimeout = d.Consensus.ProposalTimeout
	}
	if c.Consensus.PollInterval <= 0 {
		c.Consensus.PollInterval = d.Consensus.PollInterval
	}
	if c.Consensus.SendAttempts <= 0 {
		c.Consensus.SendAttempts = d.Consensus.SendAttempts
	}
	if c.Dial.Timeout <= 0 {
		c.Dial.Timeout = d.Dial.Timeout
	}
	if c.Dial.BackoffMin <= 0 {
		c.Dial.BackoffMin = d.Dial.BackoffMin
	}
	if c.Dial.BackoffMax <= 0 {
		c.Dial.BackoffMax = d.Dial.BackoffMax
	}

	c.DataDir = ExpandPath(c.DataDir)
	c.SigningKeyPath = ExpandPath(c.SigningKeyPath)
	if c.Auth != nil {
		c.Auth.CAPath = ExpandPath(c.Auth.CAPath)
		c.Auth.CertPath = ExpandPath(c.Auth.CertPath)
		c.Auth.KeyPath = ExpandPath(c.Auth.KeyPath)
	}
}

// SigningKeyFile returns the signing key path, defaulting to the data dir.
func (c *Config) SigningKeyFile() string {
	if c.SigningKeyPath != "" {
		return c.SigningKeyPath
	}
	return filepath.Join(c.DataDir, "node.key")
}

// CircuitsFile is where the directory persists committed circuits.
func (c *Config) CircuitsFile() string {
	return filepath.Join(c.DataDir, "circuits.yaml")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	if len(c.Listen) == 0 {
		return errors.New("at least one listen endpoint is required")
	}
	for _, ep := range c.Listen {
		if _, _, err := transport.SplitEndpoint(ep); err != nil {
			return fmt.Errorf("invalid listen endpoint: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.NodeID == "" {
			return fmt.Errorf("peer %s: node_id is required", p.Endpoint)
		}
		if p.NodeID == c.NodeID {
			return fmt.Errorf("peer %s: cannot peer with self", p.NodeID)
		}
		if seen[p.NodeID] {
			return fmt.Errorf("peer %s listed twice", p.NodeID)
		}
		seen[p.NodeID] = true
		if _, _, err := transport.SplitEndpoint(p.Endpoint); err != nil {
			return fmt.Errorf("peer %s: %w", p.NodeID, err)
		}
	}

	for id, key := range c.Keys {
		if _, err := auth.ParsePublicKeyHex(key); err != nil {
			return fmt.Errorf("key for %s: %w", id, err)
		}
	}

	for _, p := range c.Permissions {
		if p.NodeID == "" {
			return errors.New("permission entry without node_id")
		}
		for _, r := range p.Rights {
			if _, err := auth.ParseRight(r); err != nil {
				return fmt.Errorf("permission for %s: %w", p.NodeID, err)
			}
		}
	}

	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("invalid auth config: %w", err)
		}
	}

	if c.Dial.BackoffMax < c.Dial.BackoffMin {
		return errors.New("dial.backoff_max must not be below dial.backoff_min")
	}
	if c.Consensus.PollInterval > c.Consensus.ProposalTimeout {
		return errors.New("consensus.poll_interval must not exceed consensus.proposal_timeout")
	}
	if c.Workers < 0 {
		return errors.New("workers cannot be negative")
	}
	return nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
