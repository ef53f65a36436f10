package models

import (
	"sort"
	"time"
)

// RoomCallState is the local view of an N-way room call.
type RoomCallState struct {
	RoomID       string   `json:"roomId"`
	Active       bool     `json:"active"`
	Participants []string `json:"participants"`
	// Connected lists the remote participants with a transport session,
	// and whether that session currently reports connected.
	Connected map[string]bool `json:"connected"`
	// SharerID is whoever shares a screen in the room, if anyone.
	SharerID string `json:"sharerId,omitempty"`
}

// ScreenShareState describes a 1:1 or room screen share.
type ScreenShareState struct {
	RoomID   string `json:"roomId,omitempty"`
	PeerID   string `json:"peerId,omitempty"`
	SharerID string `json:"sharerId,omitempty"`
	IsLocal  bool   `json:"isLocal"`
	Active   bool   `json:"active"`
}

// RoomShareSlot is the single-sharer document stored per room. The sharer
// keeps pushing ExpiresAt forward while it shares.
type RoomShareSlot struct {
	Active    bool   `json:"active"`
	SharerID  string `json:"sharerId,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// Live reports whether the slot holds a share at now. A slot without an
// expiry never goes stale.
func (s RoomShareSlot) Live(now time.Time) bool {
	return s.Active && (s.ExpiresAt == 0 || now.UnixMilli() < s.ExpiresAt)
}

// Offerer returns which of a and b sends the initial offer in a room pair:
// the lexicographically smaller id.
func Offerer(a, b string) string {
	if a < b {
		return a
	}
	return b
}

// SortedKeys returns the keys of set in ascending order.
func SortedKeys[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
