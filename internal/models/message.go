package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrUnknownKind    = errors.New("unknown signaling message kind")
	ErrMissingPayload = errors.New("signaling message payload missing")
	ErrEmptyCandidate = errors.New("ice candidate is empty")
	ErrBadAddress     = errors.New("signaling message sender/receiver missing")
)

// Kind tags a SignalingMessage.
type Kind string

const (
	KindCallRequest  Kind = "call-request"
	KindCallAccepted Kind = "call-accepted"
	KindCallRejected Kind = "call-rejected"
	KindCallCanceled Kind = "call-canceled"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindCallEnded    Kind = "call-ended"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCallRequest, KindCallAccepted, KindCallRejected, KindCallCanceled,
		KindOffer, KindAnswer, KindICECandidate, KindCallEnded:
		return true
	}
	return false
}

// Terminal reports whether k ends the call it belongs to.
func (k Kind) Terminal() bool {
	return k == KindCallRejected || k == KindCallCanceled || k == KindCallEnded
}

// Message is one signaling message. Payload holds the JSON form of the
// tag-specific payload; use the typed accessors to read it.
type Message struct {
	Kind      Kind            `json:"type"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	CallID    string          `json:"callId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CallRequest is the payload of a call-request.
type CallRequest struct {
	Kind        CallKind `json:"kind"`
	CallerName  string   `json:"callerName,omitempty"`
	CallerPhoto string   `json:"callerPhoto,omitempty"`
}

// Reason is the payload of call-rejected, call-canceled and call-ended.
type Reason struct {
	Reason string `json:"reason,omitempty"`
}

// Common reasons carried by terminal messages.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
	ReasonNoAnswer = "no answer"
	ReasonHangup   = "hangup"
	ReasonFailed   = "connection failed"
	ReasonMedia    = "media unavailable"
)

func newMessage(kind Kind, sender, receiver, callID string, payload any) (Message, error) {
	msg := Message{
		Kind:      kind,
		Sender:    sender,
		Receiver:  receiver,
		CallID:    callID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

func NewCallRequest(sender, receiver, callID string, req CallRequest) (Message, error) {
	return newMessage(KindCallRequest, sender, receiver, callID, req)
}

func NewCallAccepted(sender, receiver, callID string) (Message, error) {
	return newMessage(KindCallAccepted, sender, receiver, callID, nil)
}

// NewTerminal builds a call-rejected, call-canceled or call-ended message.
func NewTerminal(kind Kind, sender, receiver, callID, reason string) (Message, error) {
	if !kind.Terminal() {
		return Message{}, fmt.Errorf("%w: %s is not terminal", ErrUnknownKind, kind)
	}
	return newMessage(kind, sender, receiver, callID, Reason{Reason: reason})
}

// NewDescription builds an offer or answer from a session description.
func NewDescription(sender, receiver, callID string, desc webrtc.SessionDescription) (Message, error) {
	var kind Kind
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		kind = KindOffer
	case webrtc.SDPTypeAnswer:
		kind = KindAnswer
	default:
		return Message{}, fmt.Errorf("unsupported session description type %s", desc.Type)
	}
	return newMessage(kind, sender, receiver, callID, desc)
}

func NewCandidate(sender, receiver, callID string, c webrtc.ICECandidateInit) (Message, error) {
	if c.Candidate == "" {
		return Message{}, ErrEmptyCandidate
	}
	return newMessage(KindICECandidate, sender, receiver, callID, c)
}

// Encode returns the JSON wire form of m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message. Unknown kinds, missing addresses,
// missing payloads and empty candidates are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode signaling message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.Sender == "" || m.Receiver == "" {
		return ErrBadAddress
	}
	switch m.Kind {
	case KindCallRequest:
		r, err := m.Request()
		if err != nil {
			return err
		}
		if !r.Kind.Valid() {
			return fmt.Errorf("%w: call kind %q", ErrMissingPayload, r.Kind)
		}
	case KindOffer, KindAnswer:
		d, err := m.Description()
		if err != nil {
			return err
		}
		if d.SDP == "" {
			return fmt.Errorf("%w: empty sdp", ErrMissingPayload)
		}
	case KindICECandidate:
		if _, err := m.Candidate(); err != nil {
			return err
		}
	}
	return nil
}

func (m Message) decodePayload(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return fmt.Errorf("%w: %s", ErrMissingPayload, m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

func (m Message) Request() (CallRequest, error) {
	var r CallRequest
	if m.Kind != KindCallRequest {
		return r, fmt.Errorf("%s message has no call request", m.Kind)
	}
	err := m.decodePayload(&r)
	return r, err
}

func (m Message) Description() (webrtc.SessionDescription, error) {
	var d webrtc.SessionDescription
	if m.Kind != KindOffer && m.Kind != KindAnswer {
		return d, fmt.Errorf("%s message has no session description", m.Kind)
	}
	if err := m.decodePayload(&d); err != nil {
		return d, err
	}
	want := webrtc.SDPTypeOffer
	if m.Kind == KindAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if d.Type != want {
		return d, fmt.Errorf("%w: %s carries %s description", ErrMissingPayload, m.Kind, d.Type)
	}
	return d, nil
}

func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if m.Kind != KindICECandidate {
		return c, fmt.Errorf("%s message has no candidate", m.Kind)
	}
	if err := m.decodePayload(&c); err != nil {
		return c, err
	}
	if c.Candidate == "" {
		return c, ErrEmptyCandidate
	}
	return c, nil
}

// Reason returns the reason of a terminal message, or "" when absent.
func (m Message) Reason() string {
	if !m.Kind.Terminal() || len(m.Payload) == 0 {
		return ""
	}
	var r Reason
	if err := json.Unmarshal(m.Payload, &r); err != nil {
		return ""
	}
	return r.Reason
}
