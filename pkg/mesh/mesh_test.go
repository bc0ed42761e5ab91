package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"circuitmesh/pkg/metrics"
	"circuitmesh/pkg/transport"
)

func newTestMesh(t *testing.T, cfg Config) (*Mesh, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	ms := New(cfg, zaptest.NewLogger(t), m)
	t.Cleanup(func() { ms.Close() })
	return ms, m
}

// stalledConn blocks every Send until released; Recv blocks until Close.
type stalledConn struct {
	started   chan struct{}
	release   chan struct{}
	closed    chan struct{}
	once      sync.Once
	startOnce sync.Once
	sendErr   error
}

func newStalledConn() *stalledConn {
	return &stalledConn{
		started: make(chan struct{}),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *stalledConn) Send([]byte) error {
	c.startOnce.Do(func() { close(c.started) })
	if c.sendErr != nil {
		return c.sendErr
	}
	select {
	case <-c.release:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	}
}

func (c *stalledConn) Recv() ([]byte, error) {
	<-c.closed
	return nil, transport.ErrClosed
}

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stalledConn) RemoteEndpoint() string { return "test://stalled" }
func (c *stalledConn) PeerIdentity() string   { return "" }

func TestIncomingPreservesPerConnectionOrder(t *testing.T) {
	ms, m := newTestMesh(t, Config{})

	remoteA, localA := transport.Pipe("inproc://a", "inproc://a-local", "", "")
	remoteB, localB := transport.Pipe("inproc://b", "inproc://b-local", "", "")
	idA, err := ms.AddConnection(localA)
	require.NoError(t, err)
	idB, err := ms.AddConnection(localB)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	const n = 50
	var wg sync.WaitGroup
	for _, remote := range []transport.Connection{remoteA, remoteB} {
		wg.Add(1)
		go func(c transport.Connection) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				require.NoError(t, c.Send([]byte(fmt.Sprintf("%03d", i))))
			}
		}(remote)
	}

	next := map[uint64]int{idA: 0, idB: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2*n; i++ {
		env, err := ms.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%03d", next[env.ConnectionID]), string(env.Payload))
		next[env.ConnectionID]++
	}
	wg.Wait()
	assert.Equal(t, float64(2*n), testutil.ToFloat64(m.FramesReceived))
}

func TestSendReturnsFullWithoutBlocking(t *testing.T) {
	ms, m := newTestMesh(t, Config{OutgoingCapacity: 2, FlushTimeout: 10 * time.Millisecond})
	conn := newStalledConn()
	id, err := ms.AddConnection(conn)
	require.NoError(t, err)

	out, err := ms.Outgoing(id)
	require.NoError(t, err)

	// the write pump takes the first payload and stalls in Send
	require.NoError(t, out.Send([]byte("first")))
	<-conn.started
	require.NoError(t, out.Send([]byte("second")))
	require.NoError(t, out.Send([]byte("third")))

	start := time.Now()
	err = out.Send([]byte("overflow"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, SendFull, sendErr.Kind)
	assert.Equal(t, []byte("overflow"), sendErr.Payload)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFull))

	info := ms.Connections()
	require.Len(t, info, 1)
	assert.Equal(t, 2, info[0].Queued)

	close(conn.release)
	require.Eventually(t, func() bool {
		return out.Send([]byte("retry")) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveConnection(t *testing.T) {
	ms, _ := newTestMesh(t, Config{})
	remote, local := transport.Pipe("inproc://r", "inproc://l", "", "")
	id, err := ms.AddConnection(local)
	require.NoError(t, err)

	removed := make(chan string, 1)
	ms.OnRemove(func(info ConnectionInfo, reason string) {
		if info.ID == id {
			removed <- reason
		}
	})

	out, err := ms.Outgoing(id)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, out.Send([]byte{byte('a' + i)}))
	}
	require.NoError(t, ms.RemoveConnection(id))
	assert.Equal(t, "removed", <-removed)

	// frames queued before removal are flushed
	for i := 0; i < 3; i++ {
		got, err := remote.Recv()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte('a' + i)}, got)
	}
	_, err = remote.Recv()
	assert.ErrorIs(t, err, io.EOF)

	err = out.Send([]byte("late"))
	assert.ErrorIs(t, err, ErrDisconnected)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, []byte("late"), sendErr.Payload)

	assert.ErrorIs(t, ms.RemoveConnection(id), ErrNotFound)
	_, err = ms.Outgoing(id)
	assert.ErrorIs(t, err, ErrNotFound)
	err = ms.Send(Envelope{ConnectionID: id, Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoteCloseRemovesConnection(t *testing.T) {
	ms, m := newTestMesh(t, Config{})
	remote, local := transport.Pipe("inproc://r", "inproc://l", "", "")
	id, err := ms.AddConnection(local)
	require.NoError(t, err)

	reasons := make(chan string, 1)
	ms.OnRemove(func(info ConnectionInfo, reason string) { reasons <- reason })

	require.NoError(t, remote.Close())
	select {
	case reason := <-reasons:
		assert.Equal(t, "eof", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not removed")
	}
	_, err = ms.Outgoing(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionsActive))
}

func TestWriteFailureSurfacesAsIOError(t *testing.T) {
	ms, m := newTestMesh(t, Config{})
	conn := newStalledConn()
	conn.sendErr = errors.New("connection reset by peer")
	id, err := ms.AddConnection(conn)
	require.NoError(t, err)

	out, err := ms.Outgoing(id)
	require.NoError(t, err)
	require.NoError(t, out.Send([]byte("boom")))

	require.Eventually(t, func() bool {
		err := out.Send([]byte("again"))
		return errors.Is(err, ErrIO)
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := ms.Outgoing(id)
		return errors.Is(err, ErrNotFound)
	}, time.Second, 5*time.Millisecond)

	// Close waits for the removal started by the failed write
	require.NoError(t, ms.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsRemoved.WithLabelValues("write_error")))
}

// slowConn takes delay to write each frame and never fails.
type slowConn struct {
	delay  time.Duration
	sent   atomic.Int32
	closed chan struct{}
	once   sync.Once
}

func (c *slowConn) Send([]byte) error {
	time.Sleep(c.delay)
	c.sent.Add(1)
	return nil
}

func (c *slowConn) Recv() ([]byte, error) {
	<-c.closed
	return nil, io.EOF
}

func (c *slowConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *slowConn) RemoteEndpoint() string { return "test://slow" }
func (c *slowConn) PeerIdentity() string   { return "" }

func TestFlushStopsAtTimeout(t *testing.T) {
	ms, _ := newTestMesh(t, Config{OutgoingCapacity: 16, FlushTimeout: 40 * time.Millisecond})
	conn := &slowConn{delay: 15 * time.Millisecond, closed: make(chan struct{})}
	id, err := ms.AddConnection(conn)
	require.NoError(t, err)

	out, err := ms.Outgoing(id)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, out.Send([]byte{byte(i)}))
	}

	require.NoError(t, ms.RemoveConnection(id))
	require.NoError(t, ms.Close())
	assert.Less(t, conn.sent.Load(), int32(10))
}

func TestPeerBinding(t *testing.T) {
	ms, _ := newTestMesh(t, Config{})
	_, a1 := transport.Pipe("inproc://x", "inproc://a1", "", "alpha")
	_, a2 := transport.Pipe("inproc://y", "inproc://a2", "", "")
	id1, err := ms.AddConnection(a1)
	require.NoError(t, err)
	id2, err := ms.AddConnection(a2)
	require.NoError(t, err)

	peer, ok := ms.PeerOf(id1)
	require.True(t, ok)
	assert.Equal(t, "alpha", peer)
	_, ok = ms.PeerOf(id2)
	assert.False(t, ok)

	require.NoError(t, ms.BindPeer(id2, "alpha"))
	assert.Equal(t, []uint64{id1, id2}, ms.ConnectionsFor("alpha"))
	assert.Empty(t, ms.ConnectionsFor("beta"))
	assert.ErrorIs(t, ms.BindPeer(9999, "beta"), ErrNotFound)

	// only the certificate identity counts as verified
	assert.True(t, ms.PeerVerified(id1))
	assert.False(t, ms.PeerVerified(id2))
	require.NoError(t, ms.BindPeer(id1, "beta"))
	assert.False(t, ms.PeerVerified(id1))
	assert.False(t, ms.PeerVerified(9999))
}

func TestCloseStopsEverything(t *testing.T) {
	ms := New(Config{}, zaptest.NewLogger(t), nil)
	_, local := transport.Pipe("inproc://r", "inproc://l", "", "")
	_, err := ms.AddConnection(local)
	require.NoError(t, err)

	require.NoError(t, ms.Close())
	assert.Empty(t, ms.Connections())

	_, err = ms.Recv(context.Background())
	assert.ErrorIs(t, err, ErrMeshClosed)
	_, err = ms.AddConnection(newStalledConn())
	assert.ErrorIs(t, err, ErrMeshClosed)
	assert.NoError(t, ms.Close())
}
