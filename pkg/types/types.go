package types

import (
	"errors"
	"fmt"
	"strings"
)

type NodeID string
type CircuitID string
type ServiceID string
type ProposalID string

// ErrInvalidCircuit is returned (wrapped) for every structural validation failure.
var ErrInvalidCircuit = errors.New("invalid circuit")

// Node identifies a mesh participant independent of any live connection.
type Node struct {
	ID        NodeID   `json:"node_id" yaml:"node_id"`
	Endpoints []string `json:"endpoints" yaml:"endpoints"`
}

// Service is a circuit participant's addressable endpoint. The hosting node is
// referenced by id and resolved through the circuit's member list.
type Service struct {
	ID          ServiceID `json:"service_id" yaml:"service_id"`
	ServiceType string    `json:"service_type,omitempty" yaml:"service_type,omitempty"`
	PeerID      string    `json:"peer_id,omitempty" yaml:"peer_id,omitempty"`
	NodeID      NodeID    `json:"node_id" yaml:"node_id"`
}

type CircuitStatus int

const (
	CircuitActive CircuitStatus = iota
	CircuitDisbanded
)

func (s CircuitStatus) String() string {
	switch s {
	case CircuitActive:
		return "active"
	case CircuitDisbanded:
		return "disbanded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText lets statuses round-trip through JSON and YAML as words.
func (s CircuitStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CircuitStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = CircuitActive
	case "disbanded":
		*s = CircuitDisbanded
	default:
		return fmt.Errorf("unknown circuit status %q", text)
	}
	return nil
}

// Circuit is a committed, routable sub-network. It is immutable once committed
// except for the transition to Disbanded.
type Circuit struct {
	ID             CircuitID     `json:"circuit_id" yaml:"circuit_id"`
	Members        []Node        `json:"members" yaml:"members"`
	Services       []Service     `json:"services" yaml:"services"`
	ManagementType string        `json:"management_type" yaml:"management_type"`
	Comments       string        `json:"comments,omitempty" yaml:"comments,omitempty"`
	Status         CircuitStatus `json:"status" yaml:"status"`
}

// MemberIDs returns member node ids in definition order.
func (c *Circuit) MemberIDs() []NodeID {
	ids := make([]NodeID, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

func (c *Circuit) HasMember(id NodeID) bool {
	for _, m := range c.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Service looks up a service by id.
func (c *Circuit) Service(id ServiceID) (Service, bool) {
	for _, s := range c.Services {
		if s.ID == id {
			return s, true
		}
	}
	return Service{}, false
}

// Equal compares circuit definitions. Status is ignored.
func (c *Circuit) Equal(other *Circuit) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.ID != other.ID || c.ManagementType != other.ManagementType || c.Comments != other.Comments {
		return false
	}
	if len(c.Members) != len(other.Members) || len(c.Services) != len(other.Services) {
		return false
	}
	for i := range c.Members {
		a, b := c.Members[i], other.Members[i]
		if a.ID != b.ID || len(a.Endpoints) != len(b.Endpoints) {
			return false
		}
		for j := range a.Endpoints {
			if a.Endpoints[j] != b.Endpoints[j] {
				return false
			}
		}
	}
	for i := range c.Services {
		if c.Services[i] != other.Services[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (c *Circuit) Clone() *Circuit {
	if c == nil {
		return nil
	}
	out := *c
	out.Members = make([]Node, len(c.Members))
	for i, m := range c.Members {
		out.Members[i] = Node{ID: m.ID, Endpoints: append([]string(nil), m.Endpoints...)}
	}
	out.Services = append([]Service(nil), c.Services...)
	return &out
}

// Validate checks the circuit definition. strictIDs enables the canonical
// circuit id format (two 5-character alphanumeric parts, e.g. abcDE-F0123).
func (c *Circuit) Validate(strictIDs bool) error {
	if c.ID == "" {
		return fmt.Errorf("%w: circuit_id must be set", ErrInvalidCircuit)
	}
	if strictIDs && !ValidCircuitID(string(c.ID)) {
		return fmt.Errorf("%w: circuit_id %q is not in canonical form", ErrInvalidCircuit, c.ID)
	}
	if !strictIDs && !validRelaxedID(string(c.ID)) {
		return fmt.Errorf("%w: circuit_id %q contains invalid characters", ErrInvalidCircuit, c.ID)
	}
	if c.ManagementType == "" {
		return fmt.Errorf("%w: management_type must be set", ErrInvalidCircuit)
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("%w: the circuit must have members", ErrInvalidCircuit)
	}

	members := make(map[NodeID]struct{}, len(c.Members))
	endpoints := make(map[string]struct{})
	for _, m := range c.Members {
		if m.ID == "" {
			return fmt.Errorf("%w: member node id cannot be empty", ErrInvalidCircuit)
		}
		if _, dup := members[m.ID]; dup {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidCircuit, m.ID)
		}
		members[m.ID] = struct{}{}
		if len(m.Endpoints) == 0 {
			return fmt.Errorf("%w: member %s has no endpoints", ErrInvalidCircuit, m.ID)
		}
		for _, ep := range m.Endpoints {
			if ep == "" {
				return fmt.Errorf("%w: member %s has an empty endpoint", ErrInvalidCircuit, m.ID)
			}
			if _, dup := endpoints[ep]; dup {
				return fmt.Errorf("%w: endpoint %s is used by more than one member", ErrInvalidCircuit, ep)
			}
			endpoints[ep] = struct{}{}
		}
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("%w: the circuit must have services", ErrInvalidCircuit)
	}
	services := make(map[ServiceID]struct{}, len(c.Services))
	for _, s := range c.Services {
		if s.ID == "" {
			return fmt.Errorf("%w: service id cannot be empty", ErrInvalidCircuit)
		}
		if _, dup := services[s.ID]; dup {
			return fmt.Errorf("%w: duplicate service %s", ErrInvalidCircuit, s.ID)
		}
		services[s.ID] = struct{}{}
		if _, ok := members[s.NodeID]; !ok {
			return fmt.Errorf("%w: service %s runs on %q which is not a member", ErrInvalidCircuit, s.ID, s.NodeID)
		}
	}
	return nil
}

// ValidCircuitID reports whether id is two 5-character alphanumeric parts
// joined by a dash.
func ValidCircuitID(id string) bool {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		if len(p) != 5 || !isAlphanumeric(p) {
			return false
		}
	}
	return true
}

func validRelaxedID(id string) bool {
	if len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

type ProposalState int

const (
	ProposalProposed ProposalState = iota
	ProposalAwaitingVotes
	ProposalCommitted
	ProposalRejected
)

func (s ProposalState) String() string {
	switch s {
	case ProposalProposed:
		return "proposed"
	case ProposalAwaitingVotes:
		return "awaiting_votes"
	case ProposalCommitted:
		return "committed"
	case ProposalRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the proposal can no longer change.
func (s ProposalState) Terminal() bool {
	return s == ProposalCommitted || s == ProposalRejected
}

type Decision int

const (
	DecisionYes Decision = iota + 1
	DecisionNo
)

func (d Decision) String() string {
	switch d {
	case DecisionYes:
		return "yes"
	case DecisionNo:
		return "no"
	default:
		return "unset"
	}
}

type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectVotedNo
	RejectInvalidVote
	RejectTimeout
)

func (r RejectReason) String() string {
	switch r {
	case RejectVotedNo:
		return "voted_no"
	case RejectInvalidVote:
		return "invalid_vote"
	case RejectTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Vote is one member's signed decision on one proposal.
type Vote struct {
	VoterNodeID NodeID   `json:"voter_node_id"`
	Decision    Decision `json:"decision"`
	Signature   []byte   `json:"signature"`
	// Invalid marks a vote whose signature failed verification and which was
	// delivered by the voter itself; it counts as a rejection at tally time.
	Invalid bool `json:"invalid,omitempty"`
}
