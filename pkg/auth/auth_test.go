package auth

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// issueNodeCert writes a CA-signed certificate for nodeID into dir.
func issueNodeCert(t *testing.T, cm *CertManager, dir, nodeID string) (certPath, keyPath string) {
	t.Helper()
	cert, key, err := cm.GenerateCertificate(ComponentNode, nodeID, []string{"localhost", "127.0.0.1"}, time.Hour)
	require.NoError(t, err)

	certPath = filepath.Join(dir, nodeID+".crt")
	keyPath = filepath.Join(dir, nodeID+".key")
	require.NoError(t, cm.SaveCertificate(cert, key, certPath, keyPath))
	return certPath, keyPath
}

func newTestCA(t *testing.T) (*CertManager, string) {
	t.Helper()
	dir := t.TempDir()
	cm, err := NewCertManager(filepath.Join(dir, "ca"))
	require.NoError(t, err)
	require.NoError(t, cm.GenerateCA("testnet", time.Hour))
	return cm, dir
}

func TestAuthConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    AuthConfig
		wantError bool
	}{
		{name: "disabled", config: AuthConfig{Enabled: false}},
		{name: "enabled without certificates", config: AuthConfig{Enabled: true}, wantError: true},
		{
			name: "empty allowed id",
			config: AuthConfig{
				Enabled:        true,
				CAPath:         "/tmp/ca.crt",
				CertPath:       "/tmp/cert.crt",
				KeyPath:        "/tmp/key.pem",
				AllowedNodeIDs: []string{""},
			},
			wantError: true,
		},
		{
			name: "enabled with paths",
			config: AuthConfig{
				Enabled:  true,
				CAPath:   "/tmp/ca.crt",
				CertPath: "/tmp/cert.crt",
				KeyPath:  "/tmp/key.pem",
			},
		},
		{
			name: "bad tls version",
			config: AuthConfig{
				Enabled:       true,
				CAPath:        "/tmp/ca.crt",
				CertPath:      "/tmp/cert.crt",
				KeyPath:       "/tmp/key.pem",
				MinTLSVersion: "1.0",
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError && err == nil {
				t.Error("Expected validation error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestDefaultAuthConfig(t *testing.T) {
	config := DefaultAuthConfig()
	assert.False(t, config.Enabled)
	assert.Equal(t, "1.2", config.MinTLSVersion)
	assert.True(t, config.Allows("anyone"), "no allow list admits every node")

	config.AllowedNodeIDs = []string{"alpha"}
	assert.True(t, config.Allows("alpha"))
	assert.False(t, config.Allows("beta"))
}

func TestCertManagerIdentity(t *testing.T) {
	cm, dir := newTestCA(t)
	certPath, keyPath := issueNodeCert(t, cm, dir, "alpha")

	// reload the CA from disk
	reloaded, err := NewCertManager(filepath.Join(dir, "ca"))
	require.NoError(t, err)
	require.NotNil(t, reloaded.CACertificate())

	cert, err := reloaded.LoadCertificate(certPath)
	require.NoError(t, err)
	require.NoError(t, reloaded.VerifyCertificate(cert))

	identity, err := reloaded.GetIdentityFromCert(cert)
	require.NoError(t, err)
	assert.Equal(t, "alpha", identity.NodeID)
	assert.Equal(t, "testnet", identity.Network)
	assert.Equal(t, ComponentNode, identity.Type)
	assert.Contains(t, identity.Addresses, "127.0.0.1")
	assert.Contains(t, identity.Addresses, "localhost")

	_, err = reloaded.LoadPrivateKey(keyPath)
	require.NoError(t, err)

	other, _ := newTestCA(t)
	assert.ErrorIs(t, other.VerifyCertificate(cert), ErrInvalidCertificate)
}

func TestCertificateInfo(t *testing.T) {
	cm, dir := newTestCA(t)
	certPath, _ := issueNodeCert(t, cm, dir, "beta")

	info, err := LoadCertificateInfo(certPath)
	require.NoError(t, err)
	assert.Equal(t, "beta", info.NodeID)
	assert.Equal(t, "node", info.ComponentType)
	assert.True(t, info.IsValid)
	assert.False(t, info.IsExpired)

	caInfo, err := LoadCertificateInfo(filepath.Join(dir, "ca", "ca.crt"))
	require.NoError(t, err)
	assert.True(t, caInfo.IsCA)
	assert.Equal(t, "CA", caInfo.ComponentType)

	require.NoError(t, VerifyCertificateChain(certPath, filepath.Join(dir, "ca", "ca.crt")))
}

func TestPeerConfigHandshake(t *testing.T) {
	cm, dir := newTestCA(t)
	caPath := filepath.Join(dir, "ca", "ca.crt")

	build := func(nodeID string, allowed ...string) *tls.Config {
		certPath, keyPath := issueNodeCert(t, cm, dir, nodeID)
		b, err := NewTLSConfigBuilder(&AuthConfig{
			Enabled:        true,
			CAPath:         caPath,
			CertPath:       certPath,
			KeyPath:        keyPath,
			AllowedNodeIDs: allowed,
		})
		require.NoError(t, err)
		cfg, err := b.BuildPeerConfig()
		require.NoError(t, err)
		return cfg
	}

	handshake := func(server, client *tls.Config) (string, string, error) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		type result struct {
			conn *tls.Conn
			err  error
		}
		srvCh := make(chan result, 1)
		go func() {
			raw, err := ln.Accept()
			if err != nil {
				srvCh <- result{err: err}
				return
			}
			c := tls.Server(raw, server)
			srvCh <- result{conn: c, err: c.Handshake()}
		}()

		clientCfg := client.Clone()
		clientCfg.ServerName = "localhost"
		raw, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		cli := tls.Client(raw, clientCfg)
		defer cli.Close()

		cliErr := cli.Handshake()
		res := <-srvCh
		if res.conn != nil {
			defer res.conn.Close()
		}
		srv, srvErr := res.conn, res.err
		if cliErr != nil {
			return "", "", cliErr
		}
		if srvErr != nil {
			return "", "", srvErr
		}
		return PeerNodeID(srv.ConnectionState()), PeerNodeID(cli.ConnectionState()), nil
	}

	seenByServer, seenByClient, err := handshake(build("alpha"), build("beta"))
	require.NoError(t, err)
	assert.Equal(t, "beta", seenByServer)
	assert.Equal(t, "alpha", seenByClient)

	_, _, err = handshake(build("gamma", "alpha"), build("delta"))
	assert.Error(t, err)
}

func TestDisabledTLSBuildsNothing(t *testing.T) {
	b, err := NewTLSConfigBuilder(DefaultAuthConfig())
	require.NoError(t, err)

	cfg, err := b.BuildPeerConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	id := &Identity{Type: ComponentNode, NodeID: "alpha", Network: "testnet"}
	got, ok := IdentityFromContext(WithIdentity(context.Background(), id))
	require.True(t, ok)
	assert.Same(t, id, got)
	assert.Equal(t, "node alpha@testnet", got.String())
}

func TestSigningKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.pem")

	key, created, err := LoadOrGenerateSigningKey(path)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := LoadOrGenerateSigningKey(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, key, again)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())

	signer := NewEd25519Signer("alpha", key)
	sig, err := signer.Sign([]byte("hello"))
	require.NoError(t, err)

	var v Ed25519Verifier
	assert.True(t, v.Verify(signer.PublicKey(), []byte("hello"), sig))
	assert.False(t, v.Verify(signer.PublicKey(), []byte("hellO"), sig))
	assert.False(t, v.Verify(signer.PublicKey(), []byte("hello"), sig[:10]))

	reg, err := NewKeyRegistryFromHex(map[string]string{"alpha": PublicKeyHex(signer.PublicKey())})
	require.NoError(t, err)
	pub, ok := reg.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, signer.PublicKey(), pub)
	_, ok = reg.Lookup("beta")
	assert.False(t, ok)

	_, err = NewKeyRegistryFromHex(map[string]string{"beta": "abcd"})
	assert.Error(t, err)
}

func TestPermissionManager(t *testing.T) {
	pm := NewPermissionManager()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pm.now = func() time.Time { return now }

	require.NoError(t, pm.GrantPermission("alpha", []Right{RightPropose, RightVote}, nil))
	require.NoError(t, pm.GrantPermission(Wildcard, []Right{RightVote}, nil))
	expiry := now.Add(time.Minute)
	require.NoError(t, pm.GrantPermission("beta", []Right{RightPropose}, &expiry))

	assert.True(t, pm.IsAuthorized("alpha", RightPropose))
	assert.True(t, pm.IsAuthorized("gamma", RightVote), "wildcard grants vote")
	assert.False(t, pm.IsAuthorized("gamma", RightPropose))
	assert.True(t, pm.IsAuthorized("beta", RightPropose))

	pm.SetCacheTTL(0)
	now = now.Add(2 * time.Minute)
	assert.False(t, pm.IsAuthorized("beta", RightPropose), "grant expired")

	pm.RevokePermission("alpha")
	assert.False(t, pm.IsAuthorized("alpha", RightPropose))
	assert.Len(t, pm.Permissions(), 2)

	assert.Error(t, pm.GrantPermission("", []Right{RightVote}, nil))
	_, err := ParseRight("admin")
	assert.Error(t, err)
	assert.True(t, AllowAll{}.IsAuthorized("anyone", RightPropose))
}
