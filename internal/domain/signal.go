package domain

import (
	"encoding/json"
	"fmt"
)

// SignalKind is a closed set. Decoding rejects anything outside it so a
// misbehaving sender fails loudly instead of being silently ignored.
type SignalKind string

const (
	KindAnnounce  SignalKind = "announce"
	KindOffer     SignalKind = "offer"
	KindAnswer    SignalKind = "answer"
	KindCandidate SignalKind = "ice-candidate"
)

func (k *SignalKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch SignalKind(s) {
	case KindAnnounce, KindOffer, KindAnswer, KindCandidate:
		*k = SignalKind(s)
		return nil
	}
	return fmt.Errorf("unknown signal kind %q", s)
}

// SessionDesc carries an SDP offer or answer.
type SessionDesc struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalMessage is a transient session-control message. It only exists on
// the wire: no persistence, no ordering, at-most-once delivery. An empty To
// means broadcast; a set To that is not the local user must be ignored by
// the consumer even though the bus still delivers it.
type SignalMessage struct {
	Kind    SignalKind      `json:"kind"`
	From    UserID          `json:"from_user_id"`
	To      UserID          `json:"to_user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewAnnounce(from UserID) SignalMessage {
	return SignalMessage{Kind: KindAnnounce, From: from}
}

func NewOffer(from, to UserID, desc SessionDesc) SignalMessage {
	return newDescMessage(KindOffer, from, to, desc)
}

func NewAnswer(from, to UserID, desc SessionDesc) SignalMessage {
	return newDescMessage(KindAnswer, from, to, desc)
}

func NewCandidate(from, to UserID, c Candidate) SignalMessage {
	raw, _ := json.Marshal(c)
	return SignalMessage{Kind: KindCandidate, From: from, To: to, Payload: raw}
}

func newDescMessage(kind SignalKind, from, to UserID, desc SessionDesc) SignalMessage {
	raw, _ := json.Marshal(desc)
	return SignalMessage{Kind: kind, From: from, To: to, Payload: raw}
}

// SessionDesc decodes the payload of an offer or answer.
func (m SignalMessage) SessionDesc() (SessionDesc, error) {
	if m.Kind != KindOffer && m.Kind != KindAnswer {
		return SessionDesc{}, fmt.Errorf("message kind %q carries no session description", m.Kind)
	}
	var d SessionDesc
	if err := json.Unmarshal(m.Payload, &d); err != nil {
		return SessionDesc{}, fmt.Errorf("bad %s payload: %w", m.Kind, err)
	}
	return d, nil
}

// ICECandidate decodes the payload of an ice-candidate message.
func (m SignalMessage) ICECandidate() (Candidate, error) {
	if m.Kind != KindCandidate {
		return Candidate{}, fmt.Errorf("message kind %q carries no candidate", m.Kind)
	}
	var c Candidate
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return Candidate{}, fmt.Errorf("bad candidate payload: %w", err)
	}
	return c, nil
}

func (m SignalMessage) Validate() error {
	switch m.Kind {
	case KindAnnounce, KindOffer, KindAnswer, KindCandidate:
	default:
		return fmt.Errorf("unknown signal kind %q", m.Kind)
	}
	if m.From == "" {
		return fmt.Errorf("signal message without sender")
	}
	return nil
}
