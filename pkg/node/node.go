// Package node composes the mesh daemon: transports, the connection mesh,
// the dispatcher, the consensus manager, the circuit directory and the
// routing table.
package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"circuitmesh/pkg/auth"
	"circuitmesh/pkg/config"
	"circuitmesh/pkg/consensus"
	"circuitmesh/pkg/directory"
	"circuitmesh/pkg/dispatch"
	"circuitmesh/pkg/mesh"
	"circuitmesh/pkg/metrics"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/routing"
	"circuitmesh/pkg/transport"
	"circuitmesh/pkg/types"
	"circuitmesh/pkg/utils"
)

var ErrNotStarted = errors.New("node not started")

// Options overrides pieces New would otherwise build from the config.
type Options struct {
	Logger *zap.Logger
	// Registry receives the node's metrics; a private registry is used when
	// nil.
	Registry *prometheus.Registry
	// Transport replaces the transports built from the config.
	Transport transport.Transport
	// SigningKey replaces the key file named by the config.
	SigningKey ed25519.PrivateKey
	// Backend replaces the YAML circuit file.
	Backend directory.Backend
}

type Node struct {
	cfg    *config.Config
	nodeID types.NodeID
	logger *zap.Logger

	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	transport transport.Transport
	signer    *auth.Ed25519Signer
	keys      *auth.KeyRegistry
	perms     *auth.PermissionManager

	mesh       *mesh.Mesh
	dispatcher *dispatch.Dispatcher
	manager    *consensus.Manager
	dir        *directory.Directory
	routes     *routing.Table

	backoff utils.Backoff
	watches *connWatches

	mu        sync.Mutex
	listeners []transport.Listener
	endpoints []string
	dialing   map[types.NodeID]bool
	server    *http.Server

	ready atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from cfg. Keys and the circuit directory are loaded
// here; nothing touches the network until Start.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.New(registry)

	keys, err := auth.NewKeyRegistryFromHex(cfg.Keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load node keys: %w", err)
	}

	key := opts.SigningKey
	if key == nil {
		var generated bool
		key, generated, err = auth.LoadOrGenerateSigningKey(cfg.SigningKeyFile())
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		if generated {
			logger.Info("Generated signing key", zap.String("path", cfg.SigningKeyFile()))
		}
	}
	signer := auth.NewEd25519Signer(cfg.NodeID, key)
	if registered, ok := keys.Lookup(cfg.NodeID); ok && !bytes.Equal(registered, signer.PublicKey()) {
		return nil, fmt.Errorf("signing key does not match the key configured for %s", cfg.NodeID)
	}
	keys.Register(cfg.NodeID, signer.PublicKey())

	perms, err := buildPermissions(cfg.Permissions)
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		backend, err = directory.NewYAMLFileBackend(cfg.CircuitsFile())
		if err != nil {
			return nil, fmt.Errorf("failed to open circuit file: %w", err)
		}
	}
	dir, err := directory.Open(backend, logger.Named("directory"), m)
	if err != nil {
		return nil, err
	}

	tr := opts.Transport
	if tr == nil {
		tr, err = transport.NewDefault(cfg.Auth, logger.Named("transport"))
		if err != nil {
			return nil, err
		}
	}

	n := &Node{
		cfg:       cfg,
		nodeID:    types.NodeID(cfg.NodeID),
		logger:    logger,
		registry:  registry,
		metrics:   m,
		transport: tr,
		signer:    signer,
		keys:      keys,
		perms:     perms,
		dir:       dir,
		backoff: utils.Backoff{
			Base:   cfg.Dial.BackoffMin.Std(),
			Max:    cfg.Dial.BackoffMax.Std(),
			Jitter: 0.2,
		},
		watches: newConnWatches(),
		dialing: make(map[types.NodeID]bool),
	}

	n.mesh = mesh.New(mesh.Config{
		IncomingCapacity: cfg.Mesh.IncomingCapacity,
		OutgoingCapacity: cfg.Mesh.OutgoingCapacity,
		FlushTimeout:     cfg.Mesh.FlushTimeout.Std(),
	}, logger.Named("mesh"), m)
	n.mesh.OnRemove(n.watches.removed)

	n.manager, err = consensus.NewManager(consensus.Config{
		ProposalTimeout:  cfg.Consensus.ProposalTimeout.Std(),
		PollInterval:     cfg.Consensus.PollInterval.Std(),
		StrictCircuitIDs: cfg.Consensus.StrictCircuitIDs,
		SendAttempts:     cfg.Consensus.SendAttempts,
	}, consensus.Options{
		NodeID:     n.nodeID,
		Signer:     signer,
		Keys:       keys,
		Authorizer: perms,
		Directory:  dir,
		Network:    &meshNetwork{node: n},
		Logger:     logger.Named("consensus"),
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	n.routes = routing.NewTable(dir, logger.Named("routing"))
	n.dispatcher = dispatch.New(n.mesh, logger.Named("dispatch"), m)
	n.registerHandlers()
	return n, nil
}

// buildPermissions grants the configured rights. Without any entries every
// node with a registered key may propose and vote.
func buildPermissions(entries []config.PermissionConfig) (*auth.PermissionManager, error) {
	pm := auth.NewPermissionManager()
	if len(entries) == 0 {
		if err := pm.GrantPermission(auth.Wildcard, []auth.Right{auth.RightPropose, auth.RightVote}, nil); err != nil {
			return nil, err
		}
		return pm, nil
	}
	for _, e := range entries {
		rights := make([]auth.Right, 0, len(e.Rights))
		for _, r := range e.Rights {
			right, err := auth.ParseRight(r)
			if err != nil {
				return nil, fmt.Errorf("permission for %s: %w", e.NodeID, err)
			}
			rights = append(rights, right)
		}
		if err := pm.GrantPermission(e.NodeID, rights, e.ValidUntil); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

// Start binds every listen endpoint and starts the background loops. A bind
// failure is returned and nothing is left running.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.ctx != nil {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.mu.Unlock()

	for _, ep := range n.cfg.Listen {
		l, err := n.transport.Listen(ep)
		if err != nil {
			n.closeListeners()
			n.cancel()
			return fmt.Errorf("failed to listen on %s: %w", ep, err)
		}
		n.mu.Lock()
		n.listeners = append(n.listeners, l)
		n.endpoints = append(n.endpoints, l.Endpoint())
		n.mu.Unlock()
		n.logger.Info("Listening", zap.String("endpoint", l.Endpoint()))
	}

	n.manager.Start(n.ctx)

	loop := dispatch.NewLoop(n.dispatcher, n.mesh, n.cfg.Workers, n.logger.Named("dispatch"))
	n.goLoop("dispatch", func(ctx context.Context) error { return loop.Run(ctx) })
	n.goLoop("routing", func(ctx context.Context) error { return n.routes.Run(ctx, n.manager) })

	n.mu.Lock()
	listeners := append([]transport.Listener(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range listeners {
		l := l
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.acceptLoop(l)
		}()
	}

	for _, p := range n.cfg.Peers {
		n.ensurePeer(types.NodeID(p.NodeID), []string{p.Endpoint})
	}

	if n.cfg.MetricsAddress != "" {
		n.mu.Lock()
		n.server = metrics.StartServer(n.cfg.MetricsAddress, n, n.registry, n.logger.Named("metrics"))
		n.mu.Unlock()
	}

	n.ready.Store(true)
	n.logger.Info("Node started",
		zap.Strings("endpoints", n.Endpoints()),
		zap.Int("peers", len(n.cfg.Peers)),
		zap.Int("circuits", len(n.dir.List())))
	return nil
}

func (n *Node) goLoop(name string, run func(ctx context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := run(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error("Background loop stopped", zap.String("loop", name), zap.Error(err))
		}
	}()
}

// Stop shuts the node down and waits for every loop to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.cancel == nil {
		n.mu.Unlock()
		return
	}
	cancel := n.cancel
	server := n.server
	n.mu.Unlock()

	n.ready.Store(false)
	cancel()
	n.closeListeners()

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			n.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
		done()
	}

	n.mesh.Close()
	n.wg.Wait()
	n.manager.Stop()
	n.logger.Info("Node stopped")
}

func (n *Node) closeListeners() {
	n.mu.Lock()
	listeners := n.listeners
	n.listeners = nil
	n.mu.Unlock()
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			n.logger.Debug("Error closing listener", zap.String("endpoint", l.Endpoint()), zap.Error(err))
		}
	}
}

// SubmitCircuitProposal proposes a circuit from this node.
func (n *Node) SubmitCircuitProposal(ctx context.Context, circuit types.Circuit) (*consensus.ProposalHandle, error) {
	if !n.ready.Load() {
		return nil, ErrNotStarted
	}
	n.learnMembers(&circuit)
	return n.manager.SubmitCircuitProposal(ctx, &protocol.CircuitCreateRequest{Circuit: circuit})
}

func (n *Node) ID() types.NodeID                { return n.nodeID }
func (n *Node) Directory() *directory.Directory { return n.dir }
func (n *Node) Manager() *consensus.Manager     { return n.manager }
func (n *Node) Routes() *routing.Table          { return n.routes }
func (n *Node) Mesh() *mesh.Mesh                { return n.mesh }
func (n *Node) PublicKey() ed25519.PublicKey    { return n.signer.PublicKey() }
func (n *Node) Registry() *prometheus.Registry  { return n.registry }

// Endpoints returns the bound listen endpoints.
func (n *Node) Endpoints() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.endpoints...)
}

// Health implements metrics.HealthSource.
func (n *Node) Health() metrics.Health {
	conns := n.mesh.Connections()
	peers := make(map[string]struct{})
	for _, c := range conns {
		if c.PeerID != "" {
			peers[c.PeerID] = struct{}{}
		}
	}
	active := 0
	for _, c := range n.dir.List() {
		if c.Status == types.CircuitActive {
			active++
		}
	}
	return metrics.Health{
		NodeID:           string(n.nodeID),
		Ready:            n.ready.Load(),
		Connections:      len(conns),
		Peers:            len(peers),
		PendingProposals: len(n.manager.Proposals()),
		Circuits:         active,
		Timestamp:        time.Now().UTC(),
	}
}
