package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize bounds one relay websocket frame (SDP blobs are a few KB).
	MaxFrameSize = 64 * 1024
)

const (
	TypeWelcome        = "welcome"
	TypeCreateSession  = "create-session"
	TypeJoinSession    = "join-session"
	TypeReceiverJoined = "receiver-joined"
	TypeSessionError   = "session-error"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeCandidate      = "candidate"
)

var (
	// ErrInvalidMessageType indicates the frame type is missing or unknown.
	ErrInvalidMessageType = errors.New("signaling: invalid message type")
	// ErrSessionNotFound indicates the relay has no live session for a code.
	ErrSessionNotFound = errors.New("signaling: session not found")
	// ErrRelayUnavailable indicates the relay connection was lost or never established.
	ErrRelayUnavailable = errors.New("signaling: relay unavailable")
)

// Message is one decoded relay frame. The set of implementations is closed.
type Message interface {
	Kind() string
}

// Envelope is the wire frame shared by every relay message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Description is one half of the offer/answer exchange.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one trickled ICE candidate in browser JSON shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Welcome tells a client the connection id the relay assigned to it.
type Welcome struct {
	ID string `json:"id"`
}

// CreateSession registers the caller as the sender for Code.
type CreateSession struct {
	Code string `json:"code"`
}

// JoinSession asks the relay to attach the caller to Code.
type JoinSession struct {
	Code string `json:"code"`
}

// ReceiverJoined is delivered to a sender when a receiver joins its session.
type ReceiverJoined struct {
	ReceiverID string `json:"receiver_id"`
}

// SessionError is delivered to a joiner whose code has no live session.
type SessionError struct {
	Message string `json:"message"`
}

// Offer carries the sender's description. Target is set on the way to the
// relay, Sender on the way out of it.
type Offer struct {
	Target      string      `json:"target,omitempty"`
	Sender      string      `json:"sender,omitempty"`
	Description Description `json:"offer"`
}

// Answer carries the receiver's description.
type Answer struct {
	Target      string      `json:"target,omitempty"`
	Sender      string      `json:"sender,omitempty"`
	Description Description `json:"answer"`
}

// CandidateMessage carries one ICE candidate between peers.
type CandidateMessage struct {
	Target    string    `json:"target,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Candidate Candidate `json:"candidate"`
}

func (Welcome) Kind() string          { return TypeWelcome }
func (CreateSession) Kind() string    { return TypeCreateSession }
func (JoinSession) Kind() string      { return TypeJoinSession }
func (ReceiverJoined) Kind() string   { return TypeReceiverJoined }
func (SessionError) Kind() string     { return TypeSessionError }
func (Offer) Kind() string            { return TypeOffer }
func (Answer) Kind() string           { return TypeAnswer }
func (CandidateMessage) Kind() string { return TypeCandidate }

// Encode marshals a message into its wire envelope.
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, ErrInvalidMessageType
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", message.Kind(), err)
	}
	frame, err := json.Marshal(Envelope{Type: message.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", message.Kind(), err)
	}
	return frame, nil
}

// Decode parses one wire frame into its concrete message type.
func Decode(frame []byte) (Message, error) {
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("decode frame: %d bytes exceeds %d", len(frame), MaxFrameSize)
	}

	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var message Message
	switch envelope.Type {
	case TypeWelcome:
		message = &Welcome{}
	case TypeCreateSession:
		message = &CreateSession{}
	case TypeJoinSession:
		message = &JoinSession{}
	case TypeReceiverJoined:
		message = &ReceiverJoined{}
	case TypeSessionError:
		message = &SessionError{}
	case TypeOffer:
		message = &Offer{}
	case TypeAnswer:
		message = &Answer{}
	case TypeCandidate:
		message = &CandidateMessage{}
	case "":
		return nil, ErrInvalidMessageType
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, envelope.Type)
	}

	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, message); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", envelope.Type, err)
		}
	}

	return deref(message), nil
}

func deref(message Message) Message {
	switch m := message.(type) {
	case *Welcome:
		return *m
	case *CreateSession:
		return *m
	case *JoinSession:
		return *m
	case *ReceiverJoined:
		return *m
	case *SessionError:
		return *m
	case *Offer:
		return *m
	case *Answer:
		return *m
	case *CandidateMessage:
		return *m
	default:
		return message
	}
}
