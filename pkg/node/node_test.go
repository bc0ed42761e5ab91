package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"circuitmesh/pkg/config"
	"circuitmesh/pkg/consensus"
	"circuitmesh/pkg/directory"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/transport"
	"circuitmesh/pkg/types"
)

type testCluster struct {
	transport *transport.InprocTransport
	keys      map[string]ed25519.PrivateKey
	nodes     map[string]*Node
}

func testConfig(t *testing.T, id string, pubs map[string]string) *config.Config {
	cfg := config.Default()
	cfg.NodeID = id
	cfg.Listen = []string{"inproc://" + id}
	cfg.DataDir = t.TempDir()
	cfg.Keys = pubs
	cfg.Workers = 2
	cfg.Dial.BackoffMin = config.Duration(10 * time.Millisecond)
	cfg.Dial.BackoffMax = config.Duration(100 * time.Millisecond)
	cfg.Consensus.PollInterval = config.Duration(50 * time.Millisecond)
	return cfg
}

// newTestCluster starts one node per id on a shared in-process transport.
func newTestCluster(t *testing.T, ids ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		transport: transport.NewInprocTransport(),
		keys:      make(map[string]ed25519.PrivateKey),
		nodes:     make(map[string]*Node),
	}
	pubs := make(map[string]string)
	for _, id := range ids {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		c.keys[id] = priv
		pubs[id] = hex.EncodeToString(pub)
	}

	for _, id := range ids {
		n, err := New(testConfig(t, id, pubs), Options{
			Logger:     zaptest.NewLogger(t),
			Transport:  c.transport,
			SigningKey: c.keys[id],
			Backend:    directory.NewMemoryBackend(),
		})
		require.NoError(t, err)
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(n.Stop)
		c.nodes[id] = n
	}
	return c
}

func testCircuit(id types.CircuitID, members ...string) types.Circuit {
	c := types.Circuit{ID: id, ManagementType: "test"}
	for _, m := range members {
		c.Members = append(c.Members, types.Node{ID: types.NodeID(m), Endpoints: []string{"inproc://" + m}})
		c.Services = append(c.Services, types.Service{
			ID:          types.ServiceID("svc-" + m),
			ServiceType: "echo",
			NodeID:      types.NodeID(m),
		})
	}
	return c
}

func waitOutcome(t *testing.T, h *consensus.ProposalHandle) consensus.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestCircuitCommitsAcrossNodes(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	circuit := testCircuit("mesh-abc", "a", "b", "c")

	h, err := c.nodes["a"].SubmitCircuitProposal(context.Background(), circuit)
	require.NoError(t, err)
	out := waitOutcome(t, h)
	assert.Equal(t, types.ProposalCommitted, out.State)

	for id, n := range c.nodes {
		require.Eventually(t, func() bool { return n.Directory().Routable("mesh-abc") }, 5*time.Second, 10*time.Millisecond,
			"circuit not routable on %s", id)
	}

	require.Eventually(t, func() bool {
		_, err := c.nodes["b"].Routes().Resolve("mesh-abc", "svc-c")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	route, err := c.nodes["b"].Routes().Resolve("mesh-abc", "svc-c")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("c"), route.NodeID)
	assert.Equal(t, []string{"inproc://c"}, route.Endpoints)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.nodes["a"].metrics.ProposalOutcomes.WithLabelValues("committed", "none")))
}

func TestPeersIdentifyEachOther(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	c.nodes["a"].ensurePeer("b", []string{"inproc://b"})

	for id, n := range c.nodes {
		other := "b"
		if id == "b" {
			other = "a"
		}
		n, other := n, other
		require.Eventually(t, func() bool { return len(n.Mesh().ConnectionsFor(other)) > 0 },
			5*time.Second, 10*time.Millisecond, "%s never identified %s", id, other)
	}

	// a frame handed to the network is counted once, when it is written
	frames := c.nodes["a"].metrics.FramesSent
	time.Sleep(50 * time.Millisecond)
	before := testutil.ToFloat64(frames)
	payload, err := protocol.Encode(&protocol.CircuitCommitNotification{ProposalID: "p", CircuitID: "c"})
	require.NoError(t, err)
	network := &meshNetwork{node: c.nodes["a"]}
	require.NoError(t, network.SendToNode("b", payload))
	require.Eventually(t, func() bool { return testutil.ToFloat64(frames) == before+1 },
		5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return testutil.ToFloat64(frames) > before+1 },
		100*time.Millisecond, 10*time.Millisecond)

	health := c.nodes["a"].Health()
	assert.True(t, health.Ready)
	assert.Equal(t, "a", health.NodeID)
	assert.Equal(t, 1, health.Peers)
	assert.Equal(t, []string{"inproc://a"}, c.nodes["a"].Endpoints())
}

func TestUnknownPeerIsDisconnected(t *testing.T) {
	c := newTestCluster(t, "a")

	conn, err := c.transport.Connect(context.Background(), "inproc://a")
	require.NoError(t, err)
	defer conn.Close()

	hello, err := protocol.Encode(&protocol.PeerHello{NodeID: "mallory", ProtocolVersion: protocol.ProtocolVersion})
	require.NoError(t, err)
	require.NoError(t, conn.Send(hello))

	closed := make(chan error, 1)
	go func() {
		for {
			if _, err := conn.Recv(); err != nil {
				closed <- err
				return
			}
		}
	}()
	select {
	case err := <-closed:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("connection from unknown node was kept")
	}
	assert.Empty(t, c.nodes["a"].Mesh().ConnectionsFor("mallory"))
}

func TestVoteWithBadSignatureFromUncertifiedPeerIsDropped(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	c.nodes["c"].Stop()

	h, err := c.nodes["a"].SubmitCircuitProposal(context.Background(), testCircuit("mesh-abc", "a", "b", "c"))
	require.NoError(t, err)

	// anyone can say hello as c over inproc
	conn, err := c.transport.Connect(context.Background(), "inproc://a")
	require.NoError(t, err)
	defer conn.Close()
	send := func(msg protocol.Message) {
		payload, err := protocol.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, conn.Send(payload))
	}
	send(&protocol.PeerHello{NodeID: "c", ProtocolVersion: protocol.ProtocolVersion})
	send(&protocol.CircuitProposalVote{
		ProposalID:  h.ID,
		CircuitID:   "mesh-abc",
		VoterNodeID: "c",
		Decision:    types.DecisionYes,
		Signature:   []byte("garbage"),
	})

	dropped := c.nodes["a"].metrics.VotesDropped.WithLabelValues("bad_signature")
	require.Eventually(t, func() bool { return testutil.ToFloat64(dropped) == 1 },
		5*time.Second, 10*time.Millisecond)

	_, done := h.Outcome()
	assert.False(t, done)
	p, ok := c.nodes["a"].Manager().Proposal(h.ID)
	require.True(t, ok)
	assert.Equal(t, types.ProposalAwaitingVotes, p.State)
	assert.NotContains(t, p.Votes, types.NodeID("c"))
}

func TestClientSubmissionGetsOutcome(t *testing.T) {
	c := newTestCluster(t, "a", "b")

	conn, err := c.transport.Connect(context.Background(), "inproc://a")
	require.NoError(t, err)
	defer conn.Close()

	send := func(msg protocol.Message) {
		payload, err := protocol.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, conn.Send(payload))
	}
	send(&protocol.PeerHello{NodeID: "a", ProtocolVersion: protocol.ProtocolVersion})

	signer := c.nodes["a"].signer
	req := &protocol.CircuitCreateRequest{Circuit: testCircuit("mesh-ab", "a", "b"), RequesterNodeID: "a"}
	sig, err := signer.Sign(req.SigningBytes())
	require.NoError(t, err)
	req.Signature = sig
	send(req)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		payload, err := conn.Recv()
		require.NoError(t, err)
		mt, body, err := protocol.Decode(payload)
		require.NoError(t, err)
		if mt != protocol.TypeCircuitCommitNotification {
			continue
		}
		var note protocol.CircuitCommitNotification
		require.NoError(t, note.UnmarshalBinary(body))
		assert.Equal(t, req.ProposalID(), note.ProposalID)
		assert.True(t, c.nodes["b"].Directory().Routable("mesh-ab"))
		return
	}
	t.Fatal("no commit notification received")
}

func TestSubmitBeforeStart(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	n, err := New(testConfig(t, "a", nil), Options{
		Logger:     zaptest.NewLogger(t),
		Transport:  transport.NewInprocTransport(),
		SigningKey: priv,
		Backend:    directory.NewMemoryBackend(),
	})
	require.NoError(t, err)

	_, err = n.SubmitCircuitProposal(context.Background(), testCircuit("mesh-a", "a"))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStartFailsWhenEndpointIsTaken(t *testing.T) {
	tr := transport.NewInprocTransport()
	l, err := tr.Listen("inproc://a")
	require.NoError(t, err)
	defer l.Close()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	n, err := New(testConfig(t, "a", nil), Options{
		Logger:     zaptest.NewLogger(t),
		Transport:  tr,
		SigningKey: priv,
		Backend:    directory.NewMemoryBackend(),
	})
	require.NoError(t, err)

	err = n.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inproc://a")
	assert.False(t, n.Health().Ready)
}

func TestSigningKeyMustMatchConfiguredKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, other, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, err = New(testConfig(t, "a", map[string]string{"a": hex.EncodeToString(pub)}), Options{
		Transport:  transport.NewInprocTransport(),
		SigningKey: other,
		Backend:    directory.NewMemoryBackend(),
	})
	assert.Error(t, err)
}

func TestSigningKeyIsGeneratedInDataDir(t *testing.T) {
	cfg := testConfig(t, "a", nil)
	n, err := New(cfg, Options{Transport: transport.NewInprocTransport()})
	require.NoError(t, err)

	again, err := New(cfg, Options{Transport: transport.NewInprocTransport()})
	require.NoError(t, err)
	assert.Equal(t, n.PublicKey(), again.PublicKey())
	assert.FileExists(t, cfg.SigningKeyFile())
}
