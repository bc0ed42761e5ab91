package consensus

import (
	"context"
	"sync"
	"time"

	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/types"
)

// Proposal is a snapshot of one circuit proposal.
type Proposal struct {
	ID              types.ProposalID            `json:"proposal_id"`
	Circuit         types.Circuit               `json:"circuit"`
	RequesterNodeID types.NodeID                `json:"requester_node_id"`
	Signature       []byte                      `json:"signature"`
	Votes           map[types.NodeID]types.Vote `json:"votes"`
	State           types.ProposalState         `json:"state"`
	Reason          types.RejectReason          `json:"reason,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	Deadline        time.Time                   `json:"deadline"`
}

// Outcome is the terminal result of a proposal.
type Outcome struct {
	State   types.ProposalState
	Reason  types.RejectReason
	Circuit *types.Circuit
}

// ProposalHandle tracks a submitted proposal until it commits or is
// rejected.
type ProposalHandle struct {
	ID        types.ProposalID
	CircuitID types.CircuitID

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newHandle(id types.ProposalID, circuitID types.CircuitID) *ProposalHandle {
	return &ProposalHandle{ID: id, CircuitID: circuitID, done: make(chan struct{})}
}

func (h *ProposalHandle) resolve(o Outcome) {
	h.once.Do(func() {
		h.outcome = o
		close(h.done)
	})
}

// Done is closed once the proposal reaches a terminal state.
func (h *ProposalHandle) Done() <-chan struct{} { return h.done }

// Outcome returns the result if the proposal has finished.
func (h *ProposalHandle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the proposal finishes or ctx is done.
func (h *ProposalHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type proposal struct {
	Proposal
	request *protocol.CircuitCreateRequest
	handle  *ProposalHandle
	// deferred holds votes whose commit failed on a directory error; the
	// poller applies them again.
	deferred []pendingVote
}

type pendingVote struct {
	from types.NodeID
	vote types.Vote
}

func (p *proposal) snapshot() Proposal {
	out := p.Proposal
	out.Circuit = *p.Circuit.Clone()
	out.Votes = make(map[types.NodeID]types.Vote, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	return out
}

// tally is a pure function of the vote set: any invalid vote or No rejects,
// a Yes from every member commits.
func tally(c *types.Circuit, votes map[types.NodeID]types.Vote) (types.ProposalState, types.RejectReason) {
	for _, v := range votes {
		if v.Invalid {
			return types.ProposalRejected, types.RejectInvalidVote
		}
	}
	for _, v := range votes {
		if v.Decision == types.DecisionNo {
			return types.ProposalRejected, types.RejectVotedNo
		}
	}
	for _, id := range c.MemberIDs() {
		v, ok := votes[id]
		if !ok || v.Decision != types.DecisionYes {
			return types.ProposalAwaitingVotes, types.RejectNone
		}
	}
	return types.ProposalCommitted, types.RejectNone
}

// earlyVotes buffers votes that arrived before their proposal.
type earlyVotes struct {
	firstSeen time.Time
	votes     []earlyVote
}

type earlyVote struct {
	from     types.NodeID
	verified bool
	msg      protocol.CircuitProposalVote
}
