package consensus

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"circuitmesh/pkg/auth"
	"circuitmesh/pkg/mesh"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/types"
)

func newSigner(t *testing.T, keys *auth.KeyRegistry, id types.NodeID) *auth.Ed25519Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keys.Register(string(id), pub)
	return auth.NewEd25519Signer(string(id), priv)
}

func circuitOf(id types.CircuitID, members ...types.NodeID) types.Circuit {
	c := types.Circuit{ID: id, ManagementType: "test"}
	for _, m := range members {
		c.Members = append(c.Members, types.Node{ID: m, Endpoints: []string{"inproc://" + string(m)}})
		c.Services = append(c.Services, types.Service{ID: types.ServiceID("svc-" + m), ServiceType: "echo", NodeID: m})
	}
	return c
}

func signedVote(t *testing.T, s auth.Signer, pid types.ProposalID, cid types.CircuitID, d types.Decision) *protocol.CircuitProposalVote {
	t.Helper()
	v := &protocol.CircuitProposalVote{ProposalID: pid, CircuitID: cid, VoterNodeID: types.NodeID(s.NodeID()), Decision: d}
	sig, err := s.Sign(v.SigningBytes())
	require.NoError(t, err)
	v.Signature = sig
	return v
}

func signedRequest(t *testing.T, s auth.Signer, c types.Circuit) *protocol.CircuitCreateRequest {
	t.Helper()
	req := &protocol.CircuitCreateRequest{Circuit: c, RequesterNodeID: types.NodeID(s.NodeID())}
	sig, err := s.Sign(req.SigningBytes())
	require.NoError(t, err)
	req.Signature = sig
	return req
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMsg struct {
	to  types.NodeID
	msg protocol.Message
}

// recordingNet captures every payload instead of delivering it.
type recordingNet struct {
	mu   sync.Mutex
	sent []sentMsg
	fail func(to types.NodeID) error
}

func (n *recordingNet) SendToNode(to types.NodeID, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		if err := n.fail(to); err != nil {
			return err
		}
	}
	t, body, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	msg, err := protocol.Unmarshal(t, body)
	if err != nil {
		return err
	}
	n.sent = append(n.sent, sentMsg{to: to, msg: msg})
	return nil
}

func (n *recordingNet) messages() []sentMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMsg(nil), n.sent...)
}

// memDirectory is a Directory whose writes can be made to fail.
type memDirectory struct {
	mu       sync.Mutex
	circuits map[types.CircuitID]*types.Circuit
	failWith error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{circuits: make(map[types.CircuitID]*types.Circuit)}
}

func (d *memDirectory) Get(id types.CircuitID) (*types.Circuit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.circuits[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (d *memDirectory) ApplyCommitted(_ types.ProposalID, c *types.Circuit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	cp := c.Clone()
	cp.Status = types.CircuitActive
	d.circuits[c.ID] = cp
	return nil
}

func (d *memDirectory) setFailure(err error) {
	d.mu.Lock()
	d.failWith = err
	d.mu.Unlock()
}

// fullFor reports a full queue for the first n sends.
func fullFor(n int) func(types.NodeID) error {
	var mu sync.Mutex
	left := n
	return func(to types.NodeID) error {
		mu.Lock()
		defer mu.Unlock()
		if left > 0 {
			left--
			return &mesh.SendError{Kind: mesh.SendFull}
		}
		return nil
	}
}

var errDiskFull = errors.New("disk full")
