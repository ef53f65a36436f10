package models

import (
	"errors"
	"strings"
	"time"
)

var ErrBadUserID = errors.New("user id must be non-empty and must not contain '/'")

// User identifies a participant.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// ValidateUserID checks that id can be used as a store path segment.
func ValidateUserID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return ErrBadUserID
	}
	return nil
}

// CallKind is the media kind of a 1:1 call.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallVoice || k == CallVideo
}

// CallState is the lifecycle state of a 1:1 call.
type CallState string

const (
	StateIdle      CallState = "idle"
	StateCalling   CallState = "calling"
	StateIncoming  CallState = "incoming"
	StateConnected CallState = "connected"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// CallSession is the presentation view of a 1:1 call.
type CallSession struct {
	CallID       string     `json:"callId,omitempty"`
	LocalUserID  string     `json:"localUserId"`
	RemoteUserID string     `json:"remoteUserId,omitempty"`
	RemoteName   string     `json:"remoteName,omitempty"`
	Kind         CallKind   `json:"kind,omitempty"`
	Direction    Direction  `json:"direction,omitempty"`
	State        CallState  `json:"state"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	ConnectedAt  *time.Time `json:"connectedAt,omitempty"`
}

// Duration is the time spent connected, zero when not connected.
func (s CallSession) Duration(now time.Time) time.Duration {
	if s.State != StateConnected || s.ConnectedAt == nil {
		return 0
	}
	return now.Sub(*s.ConnectedAt).Truncate(time.Second)
}
