package consensus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"circuitmesh/pkg/protocol"
	"circuitmesh/pkg/types"
)

type EventType string

const (
	EventProposalSubmitted EventType = "proposal_submitted"
	EventProposalVote      EventType = "proposal_vote"
	EventProposalAccepted  EventType = "proposal_accepted"
	EventProposalRejected  EventType = "proposal_rejected"
	EventCircuitReady      EventType = "circuit_ready"
	// EventPeerRejected reports a rejection notice received from a peer.
	EventPeerRejected EventType = "peer_rejected"
)

// Event records one step of a proposal's life.
type Event struct {
	ID         string             `json:"id"`
	Type       EventType          `json:"type"`
	Timestamp  time.Time          `json:"timestamp"`
	ProposalID types.ProposalID   `json:"proposal_id"`
	CircuitID  types.CircuitID    `json:"circuit_id"`
	NodeID     types.NodeID       `json:"node_id,omitempty"`
	Decision   types.Decision     `json:"decision,omitempty"`
	Reason     types.RejectReason `json:"reason,omitempty"`
	Detail     string             `json:"detail,omitempty"`
}

// eventHub fans events out to subscribers and keeps a bounded mailbox of
// recent events. Slow subscribers miss events instead of blocking.
type eventHub struct {
	mu          sync.Mutex
	nextSub     int
	subs        map[int]chan Event
	commitSubs  map[int]chan protocol.CircuitCommitNotification
	mailbox     []Event
	mailboxSize int
	dropped     func()
}

func newEventHub(mailboxSize int, dropped func()) *eventHub {
	if dropped == nil {
		dropped = func() {}
	}
	return &eventHub{
		subs:        make(map[int]chan Event),
		commitSubs:  make(map[int]chan protocol.CircuitCommitNotification),
		mailboxSize: mailboxSize,
		dropped:     dropped,
	}
}

func (h *eventHub) publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.mailbox = append(h.mailbox, ev)
	if over := len(h.mailbox) - h.mailboxSize; over > 0 {
		h.mailbox = append(h.mailbox[:0:0], h.mailbox[over:]...)
	}

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped()
		}
	}
}

func (h *eventHub) publishCommit(n protocol.CircuitCommitNotification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.commitSubs {
		select {
		case ch <- n:
		default:
			h.dropped()
		}
	}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, buffer)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *eventHub) subscribeCommits(buffer int) (<-chan protocol.CircuitCommitNotification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	ch := make(chan protocol.CircuitCommitNotification, buffer)
	h.commitSubs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.commitSubs[id]; ok {
			delete(h.commitSubs, id)
			close(ch)
		}
	}
}

func (h *eventHub) since(t time.Time) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.mailbox {
		if ev.Timestamp.After(t) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	for id, ch := range h.commitSubs {
		delete(h.commitSubs, id)
		close(ch)
	}
}
