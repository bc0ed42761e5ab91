package protocol

import (
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"circuitmesh/pkg/types"
)

// MessageType is the one-byte tag that prefixes every payload on the wire.
type MessageType uint8

const (
	TypeCircuitCreateRequest      MessageType = 1
	TypeCircuitProposalVote       MessageType = 2
	TypeCircuitCommitNotification MessageType = 3
	TypeCircuitProposalRejected   MessageType = 4
	TypePeerHello                 MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case TypeCircuitCreateRequest:
		return "CircuitCreateRequest"
	case TypeCircuitProposalVote:
		return "CircuitProposalVote"
	case TypeCircuitCommitNotification:
		return "CircuitCommitNotification"
	case TypeCircuitProposalRejected:
		return "CircuitProposalRejected"
	case TypePeerHello:
		return "PeerHello"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message is implemented by every payload carried over the mesh.
type Message interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
	Type() MessageType
}

var (
	ErrEmptyPayload   = errors.New("empty payload")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Encode produces a tagged payload: [tag][body].
func Encode(msg Message) ([]byte, error) {
	body, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(msg.Type()))
	return append(out, body...), nil
}

// Decode splits a tagged payload into its tag and body without interpreting
// the body.
func Decode(payload []byte) (MessageType, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, ErrEmptyPayload
	}
	return MessageType(payload[0]), payload[1:], nil
}

// New returns an empty message for a known tag.
func New(t MessageType) (Message, error) {
	switch t {
	case TypeCircuitCreateRequest:
		return &CircuitCreateRequest{}, nil
	case TypeCircuitProposalVote:
		return &CircuitProposalVote{}, nil
	case TypeCircuitCommitNotification:
		return &CircuitCommitNotification{}, nil
	case TypeCircuitProposalRejected:
		return &CircuitProposalRejected{}, nil
	case TypePeerHello:
		return &PeerHello{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(t))
	}
}

// Unmarshal decodes body as the message identified by t.
func Unmarshal(t MessageType, body []byte) (Message, error) {
	msg, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := msg.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", t, err)
	}
	return msg, nil
}

// CircuitCreateRequest proposes a new circuit. The requester signs
// SigningBytes with its registered key.
type CircuitCreateRequest struct {
	Circuit         types.Circuit
	RequesterNodeID types.NodeID
	Signature       []byte
	PublicKey       []byte
}

func (*CircuitCreateRequest) Type() MessageType { return TypeCircuitCreateRequest }

const (
	reqCircuitID       = 1
	reqRequester       = 2
	reqMembers         = 3
	reqServices        = 4
	reqManagementType  = 5
	reqSignature       = 6
	reqPublicKey       = 7
	reqComments        = 8
	nodeIDField        = 1
	nodeEndpointsField = 2
	svcIDField         = 1
	svcTypeField       = 2
	svcPeerField       = 3
	svcNodeField       = 4
)

func appendCircuit(e *encoder, c *types.Circuit) {
	e.string(reqCircuitID, string(c.ID))
	for _, m := range c.Members {
		var n encoder
		n.string(nodeIDField, string(m.ID))
		n.strings(nodeEndpointsField, m.Endpoints)
		e.message(reqMembers, n.buf)
	}
	for _, s := range c.Services {
		var n encoder
		n.string(svcIDField, string(s.ID))
		n.string(svcTypeField, s.ServiceType)
		n.string(svcPeerField, s.PeerID)
		n.string(svcNodeField, string(s.NodeID))
		e.message(reqServices, n.buf)
	}
	e.string(reqManagementType, c.ManagementType)
	e.string(reqComments, c.Comments)
}

// CircuitDefinitionBytes is the deterministic encoding of the candidate
// circuit. Two requests for the same definition produce the same bytes.
func (r *CircuitCreateRequest) CircuitDefinitionBytes() []byte {
	var e encoder
	appendCircuit(&e, &r.Circuit)
	return e.buf
}

// ProposalID is the hex SHA3-256 digest of the circuit definition.
func (r *CircuitCreateRequest) ProposalID() types.ProposalID {
	sum := sha3.Sum256(r.CircuitDefinitionBytes())
	return types.ProposalID(hex.EncodeToString(sum[:]))
}

// SigningBytes covers the circuit definition and the requester.
func (r *CircuitCreateRequest) SigningBytes() []byte {
	e := encoder{buf: r.CircuitDefinitionBytes()}
	e.string(reqRequester, string(r.RequesterNodeID))
	return e.buf
}

func (r *CircuitCreateRequest) MarshalBinary() ([]byte, error) {
	e := encoder{buf: r.SigningBytes()}
	e.bytes(reqSignature, r.Signature)
	e.bytes(reqPublicKey, r.PublicKey)
	return e.buf, nil
}

func (r *CircuitCreateRequest) UnmarshalBinary(b []byte) error {
	*r = CircuitCreateRequest{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case reqCircuitID:
			var s string
			s, err = f.string()
			r.Circuit.ID = types.CircuitID(s)
		case reqRequester:
			var s string
			s, err = f.string()
			r.RequesterNodeID = types.NodeID(s)
		case reqMembers:
			var raw []byte
			if raw, err = f.bytes(); err != nil {
				return err
			}
			var n types.Node
			if n, err = decodeNode(raw); err != nil {
				return err
			}
			r.Circuit.Members = append(r.Circuit.Members, n)
		case reqServices:
			var raw []byte
			if raw, err = f.bytes(); err != nil {
				return err
			}
			var s types.Service
			if s, err = decodeService(raw); err != nil {
				return err
			}
			r.Circuit.Services = append(r.Circuit.Services, s)
		case reqManagementType:
			r.Circuit.ManagementType, err = f.string()
		case reqSignature:
			r.Signature, err = f.bytes()
		case reqPublicKey:
			r.PublicKey, err = f.bytes()
		case reqComments:
			r.Circuit.Comments, err = f.string()
		}
		return err
	})
}

func decodeNode(b []byte) (types.Node, error) {
	var n types.Node
	err := walk(b, func(f field) error {
		switch f.num {
		case nodeIDField:
			s, err := f.string()
			n.ID = types.NodeID(s)
			return err
		case nodeEndpointsField:
			s, err := f.string()
			n.Endpoints = append(n.Endpoints, s)
			return err
		}
		return nil
	})
	return n, err
}

func decodeService(b []byte) (types.Service, error) {
	var s types.Service
	err := walk(b, func(f field) error {
		var err error
		var v string
		switch f.num {
		case svcIDField:
			v, err = f.string()
			s.ID = types.ServiceID(v)
		case svcTypeField:
			s.ServiceType, err = f.string()
		case svcPeerField:
			s.PeerID, err = f.string()
		case svcNodeField:
			v, err = f.string()
			s.NodeID = types.NodeID(v)
		}
		return err
	})
	return s, err
}

// CircuitProposalVote is one member's signed decision, gossiped to every
// other member of the proposed circuit.
type CircuitProposalVote struct {
	ProposalID  types.ProposalID
	CircuitID   types.CircuitID
	VoterNodeID types.NodeID
	Decision    types.Decision
	Signature   []byte
}

func (*CircuitProposalVote) Type() MessageType { return TypeCircuitProposalVote }

func (v *CircuitProposalVote) SigningBytes() []byte {
	var e encoder
	e.string(1, string(v.ProposalID))
	e.string(2, string(v.CircuitID))
	e.string(3, string(v.VoterNodeID))
	e.uint(4, uint64(v.Decision))
	return e.buf
}

func (v *CircuitProposalVote) MarshalBinary() ([]byte, error) {
	e := encoder{buf: v.SigningBytes()}
	e.bytes(5, v.Signature)
	return e.buf, nil
}

func (v *CircuitProposalVote) UnmarshalBinary(b []byte) error {
	*v = CircuitProposalVote{}
	err := walk(b, func(f field) error {
		var err error
		var s string
		switch f.num {
		case 1:
			s, err = f.string()
			v.ProposalID = types.ProposalID(s)
		case 2:
			s, err = f.string()
			v.CircuitID = types.CircuitID(s)
		case 3:
			s, err = f.string()
			v.VoterNodeID = types.NodeID(s)
		case 4:
			var d uint64
			d, err = f.uint()
			v.Decision = types.Decision(d)
		case 5:
			v.Signature, err = f.bytes()
		}
		return err
	})
	if err != nil {
		return err
	}
	if v.Decision != types.DecisionYes && v.Decision != types.DecisionNo {
		return fmt.Errorf("vote decision %d is not yes or no", v.Decision)
	}
	return nil
}

// CircuitCommitNotification announces that a circuit has been durably
// committed and is routable.
type CircuitCommitNotification struct {
	ProposalID types.ProposalID
	CircuitID  types.CircuitID
}

func (*CircuitCommitNotification) Type() MessageType { return TypeCircuitCommitNotification }

func (n *CircuitCommitNotification) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, string(n.ProposalID))
	e.string(2, string(n.CircuitID))
	return e.buf, nil
}

func (n *CircuitCommitNotification) UnmarshalBinary(b []byte) error {
	*n = CircuitCommitNotification{}
	return walk(b, func(f field) error {
		var err error
		var s string
		switch f.num {
		case 1:
			s, err = f.string()
			n.ProposalID = types.ProposalID(s)
		case 2:
			s, err = f.string()
			n.CircuitID = types.CircuitID(s)
		}
		return err
	})
}

// CircuitProposalRejected tells the initiator why a proposal ended without a
// commit.
type CircuitProposalRejected struct {
	ProposalID types.ProposalID
	CircuitID  types.CircuitID
	NodeID     types.NodeID
	Reason     types.RejectReason
	Detail     string
}

func (*CircuitProposalRejected) Type() MessageType { return TypeCircuitProposalRejected }

func (r *CircuitProposalRejected) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, string(r.ProposalID))
	e.string(2, string(r.CircuitID))
	e.string(3, string(r.NodeID))
	e.uint(4, uint64(r.Reason))
	e.string(5, r.Detail)
	return e.buf, nil
}

func (r *CircuitProposalRejected) UnmarshalBinary(b []byte) error {
	*r = CircuitProposalRejected{}
	return walk(b, func(f field) error {
		var err error
		var s string
		switch f.num {
		case 1:
			s, err = f.string()
			r.ProposalID = types.ProposalID(s)
		case 2:
			s, err = f.string()
			r.CircuitID = types.CircuitID(s)
		case 3:
			s, err = f.string()
			r.NodeID = types.NodeID(s)
		case 4:
			var v uint64
			v, err = f.uint()
			r.Reason = types.RejectReason(v)
		case 5:
			r.Detail, err = f.string()
		}
		return err
	})
}

// ProtocolVersion is advertised in PeerHello.
const ProtocolVersion = 1

// PeerHello is the first message each side sends on a new connection.
type PeerHello struct {
	NodeID          types.NodeID
	Endpoints       []string
	ProtocolVersion uint32
}

func (*PeerHello) Type() MessageType { return TypePeerHello }

func (h *PeerHello) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, string(h.NodeID))
	e.strings(2, h.Endpoints)
	e.uint(3, uint64(h.ProtocolVersion))
	return e.buf, nil
}

func (h *PeerHello) UnmarshalBinary(b []byte) error {
	*h = PeerHello{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			s, err := f.string()
			h.NodeID = types.NodeID(s)
			return err
		case 2:
			s, err := f.string()
			h.Endpoints = append(h.Endpoints, s)
			return err
		case 3:
			v, err := f.uint()
			h.ProtocolVersion = uint32(v)
			return err
		}
		return nil
	})
}
