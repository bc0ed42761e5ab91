package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{
		"node_id": "alpha",
		"listen": ["tcp://127.0.0.1:8044"],
		"peers": [{"node_id": "beta", "endpoint": "tcp://127.0.0.1:8045"}],
		"data_dir": "/var/lib/circuitmesh",
		"keys": {"beta": "`+testKey+`"},
		"permissions": [{"node_id": "*", "rights": ["propose", "vote"]}],
		"consensus": {"proposal_timeout": "1m", "poll_interval": 2},
		"workers": 4
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "alpha", cfg.NodeID)
	assert.Equal(t, time.Minute, cfg.Consensus.ProposalTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Consensus.PollInterval.Std())
	assert.Equal(t, 8, cfg.Consensus.SendAttempts)
	assert.Equal(t, 1024, cfg.Mesh.IncomingCapacity)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "/var/lib/circuitmesh/node.key", cfg.SigningKeyFile())
	assert.Equal(t, "/var/lib/circuitmesh/circuits.yaml", cfg.CircuitsFile())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CIRCUITMESH_NODE_ID", "gamma")
	t.Setenv("CIRCUITMESH_LISTEN", "tcp://0.0.0.0:9000, inproc://gamma")
	t.Setenv("CIRCUITMESH_PEERS", "alpha=tcp://10.0.0.1:8044,beta=tcp://10.0.0.2:8044")
	t.Setenv("CIRCUITMESH_PROPOSAL_TIMEOUT", "45s")
	t.Setenv("CIRCUITMESH_DATA_DIR", t.TempDir())

	path := writeConfig(t, `{"node_id": "alpha", "listen": ["tcp://127.0.0.1:8044"]}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "gamma", cfg.NodeID)
	assert.Equal(t, []string{"tcp://0.0.0.0:9000", "inproc://gamma"}, cfg.Listen)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, PeerConfig{NodeID: "beta", Endpoint: "tcp://10.0.0.2:8044"}, cfg.Peers[1])
	assert.Equal(t, 45*time.Second, cfg.Consensus.ProposalTimeout.Std())
}

func TestInvalidEnvironment(t *testing.T) {
	t.Setenv("CIRCUITMESH_PEERS", "no-endpoint")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.NodeID = "alpha"
		cfg.Listen = []string{"tcp://127.0.0.1:8044"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.NodeID = "" }},
		{"no listen endpoint", func(c *Config) { c.Listen = nil }},
		{"bad listen endpoint", func(c *Config) { c.Listen = []string{"127.0.0.1:8044"} }},
		{"peer with self", func(c *Config) { c.Peers = []PeerConfig{{NodeID: "alpha", Endpoint: "tcp://h:1"}} }},
		{"duplicate peer", func(c *Config) {
			c.Peers = []PeerConfig{{NodeID: "b", Endpoint: "tcp://h:1"}, {NodeID: "b", Endpoint: "tcp://h:2"}}
		}},
		{"bad key", func(c *Config) { c.Keys = map[string]string{"b": "zz"} }},
		{"unknown right", func(c *Config) {
			c.Permissions = []PermissionConfig{{NodeID: "b", Rights: []string{"admin"}}}
		}},
		{"poll slower than timeout", func(c *Config) { c.Consensus.PollInterval = Duration(time.Hour) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "alpha"
	cfg.Listen = []string{"tcp://127.0.0.1:8044"}
	cfg.DataDir = t.TempDir()

	path := filepath.Join(cfg.DataDir, "conf", "node.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Consensus, loaded.Consensus)
	assert.Equal(t, cfg.Dial, loaded.Dial)
}

func TestDefaultDataDirHonoursEnvironment(t *testing.T) {
	t.Setenv("CIRCUITMESH_HOME", "/srv/mesh")
	assert.Equal(t, "/srv/mesh", DefaultDataDir())
	assert.Equal(t, "/srv/mesh/node.json", DefaultConfigPath())
}
