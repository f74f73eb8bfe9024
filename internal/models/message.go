package models

import (
	"encoding/json"
	"fmt"
)

// SignalType is the discriminator of a relay envelope.
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice"
	SignalTypeMessage   SignalType = "message"
)

// Valid reports whether t is one of the known envelope types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate, SignalTypeMessage:
		return true
	}
	return false
}

// Envelope is the wire shape of every message exchanged on a relay channel.
// Payload is kept raw until Validate or one of the typed accessors decodes it.
type Envelope struct {
	Type     SignalType      `json:"type"`
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"` // "offer" | "answer"
}

// ICECandidate mirrors RTCIceCandidateInit. Fields are relayed verbatim.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ChatMessage is one line of in-call chat. Ts is unix milliseconds.
type ChatMessage struct {
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

// NewOffer wraps an offer description sent by senderID.
func NewOffer(senderID string, sd SessionDescription) (Envelope, error) {
	return newEnvelope(SignalTypeOffer, senderID, sd)
}

// NewAnswer wraps an answer description sent by senderID.
func NewAnswer(senderID string, sd SessionDescription) (Envelope, error) {
	return newEnvelope(SignalTypeAnswer, senderID, sd)
}

// NewCandidate wraps a trickled ICE candidate.
func NewCandidate(senderID string, c ICECandidate) (Envelope, error) {
	return newEnvelope(SignalTypeCandidate, senderID, c)
}

// NewChat wraps a chat message. The envelope sender is taken from the message.
func NewChat(msg ChatMessage) (Envelope, error) {
	return newEnvelope(SignalTypeMessage, msg.SenderID, msg)
}

func newEnvelope(t SignalType, senderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env := Envelope{Type: t, SenderID: senderID, Payload: raw}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the discriminator, the sender and the payload shape for
// the envelope type. Anything failing here never reaches a state machine.
func (e Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: missing senderId", ErrInvalidEnvelope)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}

	switch e.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		_, err := e.Description()
		return err
	case SignalTypeCandidate:
		_, err := e.Candidate()
		return err
	default:
		_, err := e.Chat()
		return err
	}
}

// Description decodes an offer or answer payload.
func (e Envelope) Description() (SessionDescription, error) {
	var sd SessionDescription
	if e.Type != SignalTypeOffer && e.Type != SignalTypeAnswer {
		return sd, fmt.Errorf("%w: %s carries no session description", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &sd); err != nil {
		return sd, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if sd.SDP == "" {
		return sd, fmt.Errorf("%w: empty sdp", ErrInvalidEnvelope)
	}
	if sd.Type == "" {
		sd.Type = string(e.Type)
	}
	if sd.Type != string(e.Type) {
		return sd, fmt.Errorf("%w: description type %q in %s envelope", ErrInvalidEnvelope, sd.Type, e.Type)
	}
	return sd, nil
}

// Candidate decodes an ice payload.
func (e Envelope) Candidate() (ICECandidate, error) {
	var c ICECandidate
	if e.Type != SignalTypeCandidate {
		return c, fmt.Errorf("%w: %s carries no candidate", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return c, nil
}

// Chat decodes a message payload.
func (e Envelope) Chat() (ChatMessage, error) {
	var m ChatMessage
	if e.Type != SignalTypeMessage {
		return m, fmt.Errorf("%w: %s carries no chat message", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if m.ID == "" || m.Text == "" {
		return m, fmt.Errorf("%w: chat message needs id and text", ErrInvalidEnvelope)
	}
	if m.SenderID != e.SenderID {
		return m, fmt.Errorf("%w: chat sender %q does not match envelope sender %q", ErrInvalidEnvelope, m.SenderID, e.SenderID)
	}
	return m, nil
}
