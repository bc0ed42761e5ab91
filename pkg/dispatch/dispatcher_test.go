package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"circuitmesh/pkg/mesh"
	"circuitmesh/pkg/metrics"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/types"
)

type staticPeers map[uint64]string

func (p staticPeers) PeerOf(id uint64) (string, bool) {
	peer, ok := p[id]
	return peer, ok
}

// certifiedPeers also reports which bindings a certificate proved.
type certifiedPeers struct {
	staticPeers
	certified map[uint64]bool
}

func (p certifiedPeers) PeerVerified(id uint64) bool { return p.certified[id] }

func commitEnvelope(t *testing.T, connID uint64, circuitID string) mesh.Envelope {
	t.Helper()
	payload, err := protocol.Encode(&protocol.CircuitCommitNotification{
		ProposalID: "p-" + types.ProposalID(circuitID),
		CircuitID:  types.CircuitID(circuitID),
	})
	require.NoError(t, err)
	return mesh.Envelope{ConnectionID: connID, Payload: payload}
}

func TestDispatchRoutesTypedMessage(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	d := New(staticPeers{7: "node-b"}, zaptest.NewLogger(t), m)

	var got *protocol.CircuitCommitNotification
	var gotCtx Context
	Register(d, protocol.TypeCircuitCommitNotification,
		func(_ context.Context, mc Context, msg *protocol.CircuitCommitNotification) error {
			got, gotCtx = msg, mc
			return nil
		})

	require.NoError(t, d.Dispatch(context.Background(), commitEnvelope(t, 7, "c1")))
	require.NotNil(t, got)
	assert.Equal(t, types.CircuitID("c1"), got.CircuitID)
	assert.Equal(t, Context{ConnectionID: 7, PeerID: "node-b", MessageType: protocol.TypeCircuitCommitNotification}, gotCtx)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDispatched.WithLabelValues("CircuitCommitNotification")))
}

func TestDispatchReportsVerifiedPeers(t *testing.T) {
	peers := certifiedPeers{
		staticPeers: staticPeers{1: "node-b", 2: "node-c"},
		certified:   map[uint64]bool{1: true},
	}
	d := New(peers, zaptest.NewLogger(t), nil)

	got := make(map[uint64]Context)
	Register(d, protocol.TypeCircuitCommitNotification,
		func(_ context.Context, mc Context, _ *protocol.CircuitCommitNotification) error {
			got[mc.ConnectionID] = mc
			return nil
		})

	for _, id := range []uint64{1, 2, 3} {
		require.NoError(t, d.Dispatch(context.Background(), commitEnvelope(t, id, "c1")))
	}
	assert.True(t, got[1].Verified)
	assert.Equal(t, "node-c", got[2].PeerID)
	assert.False(t, got[2].Verified)
	assert.Empty(t, got[3].PeerID)
	assert.False(t, got[3].Verified)
}

func TestUnhandledMessageIsAudited(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := metrics.New(prometheus.NewRegistry())
	d := New(nil, zap.New(core), m)

	err := d.Dispatch(context.Background(), commitEnvelope(t, 4, "c1"))
	assert.ErrorIs(t, err, ErrHandlerNotFound)

	entries := logs.FilterLoggerName("audit").FilterMessage("Dropped message without handler").All()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(4), entries[0].ContextMap()["connection_id"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchErrors.WithLabelValues("CircuitCommitNotification", "no_handler")))
}

func TestDispatchErrors(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	d := New(nil, zaptest.NewLogger(t), m)

	err := d.Dispatch(context.Background(), commitEnvelope(t, 1, "c1"))
	assert.ErrorIs(t, err, ErrHandlerNotFound)

	err = d.Dispatch(context.Background(), mesh.Envelope{ConnectionID: 1})
	assert.ErrorIs(t, err, ErrDeserialization)

	calls := 0
	d.SetHandler(protocol.TypeCircuitProposalVote, func(context.Context, Context, protocol.Message) error {
		calls++
		return nil
	})
	// a vote without a decision does not decode
	bad, err := (&protocol.CircuitProposalVote{ProposalID: "p", VoterNodeID: "b"}).MarshalBinary()
	require.NoError(t, err)
	err = d.Dispatch(context.Background(), mesh.Envelope{
		ConnectionID: 1,
		Payload:      append([]byte{byte(protocol.TypeCircuitProposalVote)}, bad...),
	})
	assert.ErrorIs(t, err, ErrDeserialization)
	assert.Zero(t, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchErrors.WithLabelValues("CircuitProposalVote", "deserialization")))

	err = d.Dispatch(context.Background(), mesh.Envelope{ConnectionID: 1, Payload: []byte{0xee, 1, 2}})
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestHandlerFailuresAreWrapped(t *testing.T) {
	d := New(nil, zaptest.NewLogger(t), nil)
	boom := errors.New("boom")

	d.SetHandler(protocol.TypeCircuitCommitNotification, func(context.Context, Context, protocol.Message) error {
		return boom
	})
	err := d.Dispatch(context.Background(), commitEnvelope(t, 1, "c1"))
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, protocol.TypeCircuitCommitNotification, handlerErr.Type)
	assert.ErrorIs(t, err, boom)

	d.SetHandler(protocol.TypeCircuitCommitNotification, func(context.Context, Context, protocol.Message) error {
		panic("handler bug")
	})
	assert.NotPanics(t, func() {
		err = d.Dispatch(context.Background(), commitEnvelope(t, 1, "c1"))
	})
	require.ErrorAs(t, err, &handlerErr)
	assert.Contains(t, err.Error(), "handler bug")
}

func TestReRegistrationReplaces(t *testing.T) {
	d := New(nil, zaptest.NewLogger(t), nil)
	var first, second int
	d.SetHandler(protocol.TypeCircuitCommitNotification, func(context.Context, Context, protocol.Message) error {
		first++
		return nil
	})
	Register(d, protocol.TypeCircuitCommitNotification,
		func(context.Context, Context, *protocol.CircuitCommitNotification) error {
			second++
			return nil
		})

	require.NoError(t, d.Dispatch(context.Background(), commitEnvelope(t, 1, "c1")))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	d.RemoveHandler(protocol.TypeCircuitCommitNotification)
	assert.ErrorIs(t, d.Dispatch(context.Background(), commitEnvelope(t, 1, "c1")), ErrHandlerNotFound)
}

type chanSource struct {
	ch   chan mesh.Envelope
	done chan struct{}
}

func (s *chanSource) Incoming() <-chan mesh.Envelope { return s.ch }
func (s *chanSource) Done() <-chan struct{}          { return s.done }

func TestLoopPreservesPerConnectionOrder(t *testing.T) {
	d := New(nil, zaptest.NewLogger(t), nil)

	var mu sync.Mutex
	seen := make(map[uint64][]string)
	Register(d, protocol.TypeCircuitCommitNotification,
		func(_ context.Context, mc Context, msg *protocol.CircuitCommitNotification) error {
			mu.Lock()
			seen[mc.ConnectionID] = append(seen[mc.ConnectionID], string(msg.CircuitID))
			mu.Unlock()
			return nil
		})
	// failures must not stop the loop
	d.SetHandler(protocol.TypeCircuitProposalRejected, func(context.Context, Context, protocol.Message) error {
		panic("ignored")
	})

	src := &chanSource{ch: make(chan mesh.Envelope, 256), done: make(chan struct{})}
	loop := NewLoop(d, src, 4, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan error, 1)
	go func() { finished <- loop.Run(ctx) }()

	want := make(map[uint64][]string)
	rejected, err := protocol.Encode(&protocol.CircuitProposalRejected{ProposalID: "p"})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		for conn := uint64(1); conn <= 3; conn++ {
			id := string(rune('a'+conn)) + string(rune('A'+i))
			src.ch <- commitEnvelope(t, conn, id)
			want[conn] = append(want[conn], id)
		}
		src.ch <- mesh.Envelope{ConnectionID: 9, Payload: rejected}
		src.ch <- mesh.Envelope{ConnectionID: 9}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen[1])+len(seen[2])+len(seen[3]) == 120
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	for conn, ids := range want {
		assert.Equal(t, ids, seen[conn], "connection %d", conn)
	}
	mu.Unlock()

	close(src.done)
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
