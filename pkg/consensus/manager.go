// Package consensus drives unanimous agreement on circuit proposals. Every
// member validates a proposal on its own, gossips a signed vote to all other
// members and tallies the votes it receives, so no node has to trust the
// initiator's count.
package consensus

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"circuitmesh/pkg/auth"
	"circuitmesh/pkg/metrics"
	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/types"
	"circuitmesh/pkg/utils"
)

// Directory is where committed circuits are written before they become
// routable.
type Directory interface {
	Get(id types.CircuitID) (*types.Circuit, bool)
	ApplyCommitted(proposalID types.ProposalID, circuit *types.Circuit) error
}

// Authorizer decides whether a node may propose circuits or vote on them.
type Authorizer interface {
	IsAuthorized(nodeID string, right auth.Right) bool
}

// KeyLookup resolves a node's registered signing key.
type KeyLookup interface {
	Lookup(nodeID string) (ed25519.PublicKey, bool)
}

// Config tunes the manager
type Config struct {
	ProposalTimeout  time.Duration
	PollInterval     time.Duration
	StrictCircuitIDs bool

	// DecidedTTL is how long finished proposals are remembered so late
	// votes are acknowledged as no-ops.
	DecidedTTL time.Duration
	MaxDecided int

	// Votes that arrive before their proposal are buffered, at most
	// MaxEarlyVotes per proposal and MaxEarlyProposals proposals.
	MaxEarlyVotes     int
	MaxEarlyProposals int

	MailboxSize  int
	SendAttempts int
	RetryBackoff utils.Backoff
}

// DefaultConfig returns the default consensus settings
func DefaultConfig() Config {
	return Config{
		ProposalTimeout:   30 * time.Second,
		PollInterval:      500 * time.Millisecond,
		DecidedTTL:        10 * time.Minute,
		MaxDecided:        4096,
		MaxEarlyVotes:     64,
		MaxEarlyProposals: 1024,
		MailboxSize:       256,
		SendAttempts:      8,
		RetryBackoff:      utils.Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProposalTimeout <= 0 {
		c.ProposalTimeout = d.ProposalTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DecidedTTL <= 0 {
		c.DecidedTTL = d.DecidedTTL
	}
	if c.MaxDecided <= 0 {
		c.MaxDecided = d.MaxDecided
	}
	if c.MaxEarlyVotes <= 0 {
		c.MaxEarlyVotes = d.MaxEarlyVotes
	}
	if c.MaxEarlyProposals <= 0 {
		c.MaxEarlyProposals = d.MaxEarlyProposals
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = d.SendAttempts
	}
	if c.RetryBackoff.Base <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

// Options carries the manager's collaborators. Verifier, Authorizer,
// Logger, Metrics and Clock are optional.
type Options struct {
	NodeID     types.NodeID
	Signer     auth.Signer
	Verifier   auth.Verifier
	Keys       KeyLookup
	Authorizer Authorizer
	Directory  Directory
	Network    Network
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

// Manager owns every in-flight proposal on this node.
type Manager struct {
	cfg      Config
	self     types.NodeID
	signer   auth.Signer
	verifier auth.Verifier
	keys     KeyLookup
	authz    Authorizer
	dir      Directory

	logger  *zap.Logger
	audit   *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	locks   *stripedLock
	decided *decidedCache
	events  *eventHub
	sender  *sender

	mu        sync.RWMutex
	proposals map[types.ProposalID]*proposal
	byCircuit map[types.CircuitID]types.ProposalID
	early     map[types.ProposalID]*earlyVotes

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a consensus manager
func NewManager(cfg Config, opts Options) (*Manager, error) {
	switch {
	case opts.NodeID == "":
		return nil, errors.New("consensus: node id is required")
	case opts.Signer == nil:
		return nil, errors.New("consensus: signer is required")
	case opts.Keys == nil:
		return nil, errors.New("consensus: key registry is required")
	case opts.Directory == nil:
		return nil, errors.New("consensus: directory is required")
	case opts.Network == nil:
		return nil, errors.New("consensus: network is required")
	}

	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Verifier == nil {
		opts.Verifier = auth.Ed25519Verifier{}
	}
	if opts.Authorizer == nil {
		opts.Authorizer = auth.AllowAll{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	logger := opts.Logger.With(zap.String("node_id", string(opts.NodeID)))
	m := &Manager{
		cfg:       cfg,
		self:      opts.NodeID,
		signer:    opts.Signer,
		verifier:  opts.Verifier,
		keys:      opts.Keys,
		authz:     opts.Authorizer,
		dir:       opts.Directory,
		logger:    logger,
		audit:     logger.Named("audit"),
		metrics:   opts.Metrics,
		now:       opts.Clock,
		locks:     newStripedLock(256),
		decided:   newDecidedCache(cfg.DecidedTTL, cfg.MaxDecided),
		proposals: make(map[types.ProposalID]*proposal),
		byCircuit: make(map[types.CircuitID]types.ProposalID),
		early:     make(map[types.ProposalID]*earlyVotes),
		stopCh:    make(chan struct{}),
	}
	m.events = newEventHub(cfg.MailboxSize, nil)
	m.sender = newSender(opts.Network, cfg.RetryBackoff, cfg.SendAttempts, logger, opts.Metrics)
	return m, nil
}

// Start runs the timeout poller until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Poll()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the poller and background retries, and closes subscriptions.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.sender.stop()
		m.events.close()
	})
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// SubmitCircuitProposal starts a proposal initiated by this node. An
// unsigned request is signed with the local key. The local node votes Yes
// and the request plus that vote are sent to every other member.
func (m *Manager) SubmitCircuitProposal(ctx context.Context, req *protocol.CircuitCreateRequest) (*ProposalHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.stopped() {
		return nil, ErrStopped
	}

	r := *req
	if r.RequesterNodeID == "" {
		r.RequesterNodeID = m.self
	}
	if r.RequesterNodeID != m.self {
		return nil, fmt.Errorf("%w: requester %s is not the local node", ErrValidation, r.RequesterNodeID)
	}
	if len(r.Signature) == 0 {
		sig, err := m.signer.Sign(r.SigningBytes())
		if err != nil {
			return nil, &InternalError{Op: "sign_request", Err: err}
		}
		r.Signature = sig
		r.PublicKey = m.signer.PublicKey()
	}

	unlock := m.locks.lock(r.Circuit.ID)
	defer unlock()

	pid := r.ProposalID()
	if h, done, err := m.existing(pid, &r.Circuit); done {
		return h, err
	}
	if err := m.verifyRequest(&r); err != nil {
		m.auditRequest(&r, m.self, "local request failed verification", err)
		return nil, err
	}
	if err := m.validateCandidate(&r); err != nil {
		m.auditRequest(&r, m.self, "local request rejected", err)
		return nil, err
	}

	p := m.createProposal(pid, &r)
	voteMsg, vote, err := m.signVote(pid, r.Circuit.ID, types.DecisionYes)
	if err == nil {
		err = m.applyVote(p, vote)
	}
	if err != nil {
		m.dropProposal(p)
		return nil, err
	}

	others := m.otherMembers(&r.Circuit)
	m.sender.send(&r, others...)
	m.sender.send(voteMsg, others...)
	m.replayEarly(p)
	return p.handle, nil
}

// HandleCreateRequest processes a proposal sent by its initiator. An
// authentic request this node cannot accept still gets a signed No.
func (m *Manager) HandleCreateRequest(ctx context.Context, from types.NodeID, req *protocol.CircuitCreateRequest) error {
	unlock := m.locks.lock(req.Circuit.ID)
	defer unlock()

	pid := req.ProposalID()
	m.mu.RLock()
	_, live := m.proposals[pid]
	m.mu.RUnlock()
	if live {
		return nil
	}
	if d, ok := m.decided.get(pid, m.now()); ok && d.state == types.ProposalCommitted {
		return nil
	}

	if err := m.verifyRequest(req); err != nil {
		m.auditRequest(req, from, "dropped unverifiable request", err)
		return err
	}
	if !req.Circuit.HasMember(m.self) {
		err := fmt.Errorf("%w: %s is not a member of %s", ErrValidation, m.self, req.Circuit.ID)
		m.auditRequest(req, from, "dropped request for foreign circuit", err)
		return err
	}

	if _, done, err := m.existing(pid, &req.Circuit); done {
		if err == nil {
			return nil
		}
		m.auditRequest(req, from, "voting no on conflicting request", err)
		m.refuse(pid, req, err)
		return err
	}
	if err := m.validateCandidate(req); err != nil {
		m.auditRequest(req, from, "voting no on invalid request", err)
		m.refuse(pid, req, err)
		return err
	}

	p := m.createProposal(pid, req)
	voteMsg, vote, err := m.signVote(pid, req.Circuit.ID, types.DecisionYes)
	if err != nil {
		m.dropProposal(p)
		return err
	}
	m.sender.send(voteMsg, m.otherMembers(&req.Circuit)...)
	if err := m.applyVote(p, vote); err != nil {
		m.deferVote(p, m.self, vote)
		return err
	}
	m.replayEarly(p)
	return nil
}

// HandleVote records a vote gossiped by a member. verified reports whether
// the transport proved that the vote was delivered by from. Votes for
// committed proposals and repeated votes succeed without changing anything.
// Votes for a rejected proposal are held in case the same definition is
// submitted again.
func (m *Manager) HandleVote(ctx context.Context, from types.NodeID, verified bool, msg *protocol.CircuitProposalVote) error {
	unlock := m.locks.lock(msg.CircuitID)
	defer unlock()

	if d, ok := m.decided.get(msg.ProposalID, m.now()); ok && d.state == types.ProposalCommitted {
		m.metrics.VotesDropped.WithLabelValues("decided").Inc()
		return nil
	}

	m.mu.RLock()
	p := m.proposals[msg.ProposalID]
	m.mu.RUnlock()
	if p == nil {
		m.bufferEarly(from, verified, msg)
		return nil
	}
	return m.acceptVote(p, from, verified, msg)
}

// HandleRejected records a rejection notice from a peer.
func (m *Manager) HandleRejected(ctx context.Context, from types.NodeID, msg *protocol.CircuitProposalRejected) error {
	m.logger.Info("Peer rejected proposal",
		zap.String("proposal_id", string(msg.ProposalID)),
		zap.String("circuit_id", string(msg.CircuitID)),
		zap.String("peer_id", string(from)),
		zap.Stringer("reason", msg.Reason),
		zap.String("detail", msg.Detail))
	m.events.publish(Event{
		Type:       EventPeerRejected,
		Timestamp:  m.now(),
		ProposalID: msg.ProposalID,
		CircuitID:  msg.CircuitID,
		NodeID:     msg.NodeID,
		Reason:     msg.Reason,
		Detail:     msg.Detail,
	})
	return nil
}

// existing handles resubmission. done reports whether the caller should
// return h and err as they are.
func (m *Manager) existing(pid types.ProposalID, c *types.Circuit) (h *ProposalHandle, done bool, err error) {
	if committed, ok := m.dir.Get(c.ID); ok {
		if committed.Status == types.CircuitActive && committed.Equal(c) {
			h = newHandle(pid, c.ID)
			h.resolve(Outcome{State: types.ProposalCommitted, Circuit: committed})
			return h, true, nil
		}
		return nil, true, fmt.Errorf("%w: %s", ErrCircuitExists, c.ID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if livePID, ok := m.byCircuit[c.ID]; ok {
		if livePID == pid {
			return m.proposals[pid].handle, true, nil
		}
		return nil, true, fmt.Errorf("%w: %s", ErrProposalExists, c.ID)
	}
	return nil, false, nil
}

// verifyRequest checks that the request really comes from its requester.
func (m *Manager) verifyRequest(req *protocol.CircuitCreateRequest) error {
	if req.RequesterNodeID == "" {
		return fmt.Errorf("%w: requester must be set", ErrValidation)
	}
	pub, ok := m.keys.Lookup(string(req.RequesterNodeID))
	if !ok {
		return fmt.Errorf("%w: no key registered for %s", ErrUnauthorized, req.RequesterNodeID)
	}
	if len(req.PublicKey) > 0 && !bytes.Equal(req.PublicKey, pub) {
		return fmt.Errorf("%w: request key does not match the key registered for %s", ErrInvalidSignature, req.RequesterNodeID)
	}
	if !m.verifier.Verify(pub, req.SigningBytes(), req.Signature) {
		return fmt.Errorf("%w: request from %s", ErrInvalidSignature, req.RequesterNodeID)
	}
	return nil
}

// validateCandidate checks the circuit itself and the requester's rights.
func (m *Manager) validateCandidate(req *protocol.CircuitCreateRequest) error {
	if err := req.Circuit.Validate(m.cfg.StrictCircuitIDs); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !req.Circuit.HasMember(req.RequesterNodeID) {
		return fmt.Errorf("%w: requester %s is not a member", ErrValidation, req.RequesterNodeID)
	}
	if !m.authz.IsAuthorized(string(req.RequesterNodeID), auth.RightPropose) {
		return fmt.Errorf("%w: %s may not propose circuits", ErrUnauthorized, req.RequesterNodeID)
	}
	return nil
}

// refuse sends a signed No for a request that was not recorded.
func (m *Manager) refuse(pid types.ProposalID, req *protocol.CircuitCreateRequest, cause error) {
	voteMsg, _, err := m.signVote(pid, req.Circuit.ID, types.DecisionNo)
	if err != nil {
		m.logger.Error("Failed to sign refusal", zap.Error(err))
		return
	}
	m.logger.Info("Voting no",
		zap.String("proposal_id", string(pid)),
		zap.String("circuit_id", string(req.Circuit.ID)),
		zap.Error(cause))
	m.sender.send(voteMsg, m.otherMembers(&req.Circuit)...)
}

func (m *Manager) createProposal(pid types.ProposalID, req *protocol.CircuitCreateRequest) *proposal {
	now := m.now()
	p := &proposal{
		Proposal: Proposal{
			ID:              pid,
			Circuit:         *req.Circuit.Clone(),
			RequesterNodeID: req.RequesterNodeID,
			Signature:       append([]byte(nil), req.Signature...),
			Votes:           make(map[types.NodeID]types.Vote),
			State:           types.ProposalProposed,
			CreatedAt:       now,
			Deadline:        now.Add(m.cfg.ProposalTimeout),
		},
		request: req,
		handle:  newHandle(pid, req.Circuit.ID),
	}

	// a fresh submission after a rejection starts over
	m.decided.forget(pid)

	m.mu.Lock()
	m.proposals[pid] = p
	m.byCircuit[req.Circuit.ID] = pid
	p.State = types.ProposalAwaitingVotes
	m.mu.Unlock()

	m.metrics.ProposalsActive.Inc()
	m.metrics.ProposalsSubmitted.Inc()
	m.logger.Info("Proposal awaiting votes",
		zap.String("proposal_id", string(pid)),
		zap.String("circuit_id", string(req.Circuit.ID)),
		zap.String("requester", string(req.RequesterNodeID)),
		zap.Time("deadline", p.Deadline))
	m.events.publish(Event{
		Type:       EventProposalSubmitted,
		Timestamp:  now,
		ProposalID: pid,
		CircuitID:  req.Circuit.ID,
		NodeID:     req.RequesterNodeID,
	})
	return p
}

// dropProposal forgets a proposal that never got past submission.
func (m *Manager) dropProposal(p *proposal) {
	m.mu.Lock()
	delete(m.proposals, p.ID)
	if m.byCircuit[p.Circuit.ID] == p.ID {
		delete(m.byCircuit, p.Circuit.ID)
	}
	m.mu.Unlock()
	m.metrics.ProposalsActive.Dec()
}

func (m *Manager) signVote(pid types.ProposalID, cid types.CircuitID, d types.Decision) (*protocol.CircuitProposalVote, types.Vote, error) {
	msg := &protocol.CircuitProposalVote{
		ProposalID:  pid,
		CircuitID:   cid,
		VoterNodeID: m.self,
		Decision:    d,
	}
	sig, err := m.signer.Sign(msg.SigningBytes())
	if err != nil {
		return nil, types.Vote{}, &InternalError{Op: "sign_vote", Err: err}
	}
	msg.Signature = sig
	return msg, types.Vote{VoterNodeID: m.self, Decision: d, Signature: sig}, nil
}

func (m *Manager) otherMembers(c *types.Circuit) []types.NodeID {
	var out []types.NodeID
	for _, id := range c.MemberIDs() {
		if id != m.self {
			out = append(out, id)
		}
	}
	return out
}

// acceptVote validates a peer's vote against a live proposal.
func (m *Manager) acceptVote(p *proposal, from types.NodeID, verified bool, msg *protocol.CircuitProposalVote) error {
	if msg.CircuitID != p.Circuit.ID {
		err := fmt.Errorf("%w: vote names circuit %s, proposal is for %s", ErrValidation, msg.CircuitID, p.Circuit.ID)
		m.dropVote(msg, from, "circuit_mismatch", err)
		return err
	}
	if !p.Circuit.HasMember(msg.VoterNodeID) {
		err := fmt.Errorf("%w: %s is not a member of %s", ErrUnauthorized, msg.VoterNodeID, p.Circuit.ID)
		m.dropVote(msg, from, "not_member", err)
		return err
	}
	if _, voted := p.Votes[msg.VoterNodeID]; voted {
		m.metrics.VotesDropped.WithLabelValues("duplicate").Inc()
		return nil
	}

	vote := types.Vote{
		VoterNodeID: msg.VoterNodeID,
		Decision:    msg.Decision,
		Signature:   append([]byte(nil), msg.Signature...),
	}

	if !m.verifyVote(msg) {
		err := fmt.Errorf("%w: vote from %s", ErrInvalidSignature, msg.VoterNodeID)
		if from != msg.VoterNodeID || !verified {
			m.dropVote(msg, from, "bad_signature", err)
			return err
		}
		// the certified voter itself delivered a vote that does not verify
		m.audit.Warn("Invalid vote signature counts as rejection",
			zap.String("proposal_id", string(msg.ProposalID)),
			zap.String("voter", string(msg.VoterNodeID)))
		vote.Invalid = true
	} else if !m.authz.IsAuthorized(string(msg.VoterNodeID), auth.RightVote) {
		err := fmt.Errorf("%w: %s may not vote", ErrUnauthorized, msg.VoterNodeID)
		m.dropVote(msg, from, "unauthorized", err)
		return err
	}

	if err := m.applyVote(p, vote); err != nil {
		m.deferVote(p, from, vote)
		return err
	}
	return nil
}

func (m *Manager) verifyVote(msg *protocol.CircuitProposalVote) bool {
	pub, ok := m.keys.Lookup(string(msg.VoterNodeID))
	if !ok {
		return false
	}
	return m.verifier.Verify(pub, msg.SigningBytes(), msg.Signature)
}

// applyVote adds vote to the tally and performs any resulting transition.
// A commit is written to the directory first; if that fails nothing is
// changed and an *InternalError is returned.
func (m *Manager) applyVote(p *proposal, vote types.Vote) error {
	votes := make(map[types.NodeID]types.Vote, len(p.Votes)+1)
	for k, v := range p.Votes {
		votes[k] = v
	}
	votes[vote.VoterNodeID] = vote

	state, reason := tally(&p.Circuit, votes)
	if state == types.ProposalCommitted {
		if err := m.dir.ApplyCommitted(p.ID, &p.Circuit); err != nil {
			m.logger.Error("Failed to record committed circuit",
				zap.String("proposal_id", string(p.ID)),
				zap.String("circuit_id", string(p.Circuit.ID)),
				zap.Error(err))
			return &InternalError{Op: "apply_committed", Err: err}
		}
	}

	m.mu.Lock()
	p.Votes = votes
	m.mu.Unlock()

	label := vote.Decision.String()
	if vote.Invalid {
		label = "invalid"
	}
	m.metrics.VotesReceived.WithLabelValues(label).Inc()
	m.logger.Debug("Vote recorded",
		zap.String("proposal_id", string(p.ID)),
		zap.String("voter", string(vote.VoterNodeID)),
		zap.String("decision", label),
		zap.Int("votes", len(votes)),
		zap.Int("members", len(p.Circuit.Members)))
	m.events.publish(Event{
		Type:       EventProposalVote,
		Timestamp:  m.now(),
		ProposalID: p.ID,
		CircuitID:  p.Circuit.ID,
		NodeID:     vote.VoterNodeID,
		Decision:   vote.Decision,
	})

	if state.Terminal() {
		m.finish(p, state, reason)
	}
	return nil
}

// deferVote keeps a vote whose commit failed so the poller can retry it.
func (m *Manager) deferVote(p *proposal, from types.NodeID, vote types.Vote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pv := range p.deferred {
		if pv.vote.VoterNodeID == vote.VoterNodeID {
			return
		}
	}
	p.deferred = append(p.deferred, pendingVote{from: from, vote: vote})
}

func (m *Manager) finish(p *proposal, state types.ProposalState, reason types.RejectReason) {
	now := m.now()

	m.mu.Lock()
	p.State = state
	p.Reason = reason
	p.deferred = nil
	delete(m.proposals, p.ID)
	if m.byCircuit[p.Circuit.ID] == p.ID {
		delete(m.byCircuit, p.Circuit.ID)
	}
	m.mu.Unlock()

	m.decided.add(p.ID, decision{state: state, reason: reason, at: now})
	m.metrics.ProposalsActive.Dec()
	m.metrics.ProposalOutcomes.WithLabelValues(state.String(), reason.String()).Inc()
	m.metrics.ProposalDuration.Observe(now.Sub(p.CreatedAt).Seconds())

	if state == types.ProposalCommitted {
		committed := p.Circuit.Clone()
		committed.Status = types.CircuitActive
		m.logger.Info("Proposal committed",
			zap.String("proposal_id", string(p.ID)),
			zap.String("circuit_id", string(p.Circuit.ID)))
		m.events.publish(Event{Type: EventProposalAccepted, Timestamp: now, ProposalID: p.ID, CircuitID: p.Circuit.ID})
		m.events.publish(Event{Type: EventCircuitReady, Timestamp: now, ProposalID: p.ID, CircuitID: p.Circuit.ID})
		m.events.publishCommit(protocol.CircuitCommitNotification{ProposalID: p.ID, CircuitID: p.Circuit.ID})
		p.handle.resolve(Outcome{State: state, Circuit: committed})
		return
	}

	m.logger.Info("Proposal rejected",
		zap.String("proposal_id", string(p.ID)),
		zap.String("circuit_id", string(p.Circuit.ID)),
		zap.Stringer("reason", reason))
	m.events.publish(Event{
		Type:       EventProposalRejected,
		Timestamp:  now,
		ProposalID: p.ID,
		CircuitID:  p.Circuit.ID,
		Reason:     reason,
	})
	p.handle.resolve(Outcome{State: state, Reason: reason})
}

func (m *Manager) bufferEarly(from types.NodeID, verified bool, msg *protocol.CircuitProposalVote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.early[msg.ProposalID]
	if !ok {
		if len(m.early) >= m.cfg.MaxEarlyProposals {
			m.metrics.VotesDropped.WithLabelValues("early_buffer_full").Inc()
			m.audit.Warn("Dropped vote for unknown proposal",
				zap.String("proposal_id", string(msg.ProposalID)),
				zap.String("voter", string(msg.VoterNodeID)),
				zap.String("from", string(from)))
			return
		}
		buf = &earlyVotes{firstSeen: m.now()}
		m.early[msg.ProposalID] = buf
	}
	for _, ev := range buf.votes {
		if ev.msg.VoterNodeID == msg.VoterNodeID {
			return
		}
	}
	if len(buf.votes) >= m.cfg.MaxEarlyVotes {
		m.metrics.VotesDropped.WithLabelValues("early_buffer_full").Inc()
		return
	}
	cp := *msg
	cp.Signature = append([]byte(nil), msg.Signature...)
	buf.votes = append(buf.votes, earlyVote{from: from, verified: verified, msg: cp})
	m.logger.Debug("Buffered vote for unknown proposal",
		zap.String("proposal_id", string(msg.ProposalID)),
		zap.String("voter", string(msg.VoterNodeID)))
}

// replayEarly applies votes that arrived before p did.
func (m *Manager) replayEarly(p *proposal) {
	m.mu.Lock()
	buf := m.early[p.ID]
	delete(m.early, p.ID)
	m.mu.Unlock()
	if buf == nil {
		return
	}

	for i := range buf.votes {
		if p.State.Terminal() {
			return
		}
		ev := buf.votes[i]
		if err := m.acceptVote(p, ev.from, ev.verified, &ev.msg); err != nil {
			m.logger.Debug("Buffered vote not applied",
				zap.String("proposal_id", string(p.ID)),
				zap.String("voter", string(ev.msg.VoterNodeID)),
				zap.Error(err))
		}
	}
}

// Poll rejects expired proposals, retries deferred commits and prunes
// buffers. Start calls it every PollInterval.
func (m *Manager) Poll() {
	now := m.now()

	type ref struct {
		id  types.ProposalID
		cid types.CircuitID
	}
	var expired, retry []ref
	m.mu.Lock()
	for id, p := range m.proposals {
		switch {
		case len(p.deferred) > 0:
			retry = append(retry, ref{id, p.Circuit.ID})
		case now.After(p.Deadline):
			expired = append(expired, ref{id, p.Circuit.ID})
		}
	}
	for id, buf := range m.early {
		if now.Sub(buf.firstSeen) > m.cfg.ProposalTimeout {
			delete(m.early, id)
		}
	}
	m.mu.Unlock()

	for _, r := range retry {
		m.retryDeferred(r.id, r.cid)
	}
	for _, r := range expired {
		m.expire(r.id, r.cid, now)
	}
	m.decided.prune(now)
}

func (m *Manager) expire(id types.ProposalID, cid types.CircuitID, now time.Time) {
	unlock := m.locks.lock(cid)
	defer unlock()

	m.mu.RLock()
	p := m.proposals[id]
	m.mu.RUnlock()
	if p == nil || p.State != types.ProposalAwaitingVotes || !now.After(p.Deadline) {
		return
	}

	m.finish(p, types.ProposalRejected, types.RejectTimeout)
	if p.RequesterNodeID != m.self {
		m.sender.send(&protocol.CircuitProposalRejected{
			ProposalID: id,
			CircuitID:  cid,
			NodeID:     m.self,
			Reason:     types.RejectTimeout,
			Detail:     fmt.Sprintf("no decision from every member within %s", m.cfg.ProposalTimeout),
		}, p.RequesterNodeID)
	}
}

func (m *Manager) retryDeferred(id types.ProposalID, cid types.CircuitID) {
	unlock := m.locks.lock(cid)
	defer unlock()

	m.mu.Lock()
	p := m.proposals[id]
	var pending []pendingVote
	if p != nil {
		pending, p.deferred = p.deferred, nil
	}
	m.mu.Unlock()

	for i, pv := range pending {
		if p.State.Terminal() {
			return
		}
		if err := m.applyVote(p, pv.vote); err != nil {
			m.mu.Lock()
			p.deferred = append(p.deferred, pending[i:]...)
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) dropVote(msg *protocol.CircuitProposalVote, from types.NodeID, reason string, err error) {
	m.metrics.VotesDropped.WithLabelValues(reason).Inc()
	m.audit.Warn("Dropped vote",
		zap.String("proposal_id", string(msg.ProposalID)),
		zap.String("circuit_id", string(msg.CircuitID)),
		zap.String("voter", string(msg.VoterNodeID)),
		zap.String("from", string(from)),
		zap.String("reason", reason),
		zap.Error(err))
}

func (m *Manager) auditRequest(req *protocol.CircuitCreateRequest, from types.NodeID, msg string, err error) {
	m.audit.Warn(msg,
		zap.String("circuit_id", string(req.Circuit.ID)),
		zap.String("requester", string(req.RequesterNodeID)),
		zap.String("from", string(from)),
		zap.Error(err))
}

// Proposals returns a snapshot of every in-flight proposal, oldest first.
func (m *Manager) Proposals() []Proposal {
	m.mu.RLock()
	out := make([]Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		out = append(out, p.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Proposal returns one in-flight proposal.
func (m *Manager) Proposal(id types.ProposalID) (Proposal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return p.snapshot(), true
}

// Subscribe returns a channel of proposal events and a cancel func. Events
// are dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

// SubscribeCommits streams a notification for every circuit this node
// commits, after the circuit is durably recorded.
func (m *Manager) SubscribeCommits() (<-chan protocol.CircuitCommitNotification, func()) {
	return m.events.subscribeCommits(64)
}

// EventsSince returns buffered events newer than t.
func (m *Manager) EventsSince(t time.Time) []Event {
	return m.events.since(t)
}
