package signaling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

// Top-level namespaces of the realtime store.
const (
	NamespaceVoice      = "calls"
	NamespaceVideo      = "videoCalls"
	NamespaceScreen     = "screenShare"
	NamespaceRoomCall   = "roomCalls"
	NamespaceRoomScreen = "roomScreenCalls"
)

// Layout maps a message to the store path it is written under.
type Layout interface {
	Path(msg models.Message) string
}

// uniqueSuffix orders by creation time and never collides, so several ICE
// candidates can sit in one mailbox at once.
func uniqueSuffix() string {
	return fmt.Sprintf("%019d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// Mailbox is the 1:1 layout: {namespace}/{receiver}/{kind}, with candidates
// under {namespace}/{receiver}/ice-candidate/{suffix}.
type Mailbox string

// MailboxFor returns the 1:1 mailbox used for calls of kind.
func MailboxFor(kind models.CallKind) Mailbox {
	if kind == models.CallVideo {
		return Mailbox(NamespaceVideo)
	}
	return Mailbox(NamespaceVoice)
}

// Prefix is the root of owner's mailbox.
func (mb Mailbox) Prefix(owner string) string {
	return string(mb) + "/" + owner + "/"
}

func (mb Mailbox) Path(msg models.Message) string {
	p := mb.Prefix(msg.Receiver) + string(msg.Kind)
	if msg.Kind == models.KindICECandidate {
		p += "/" + uniqueSuffix()
	}
	return p
}

// Room is the layout of one room under a room namespace.
type Room struct {
	Namespace string
	ID        string
}

func RoomCall(roomID string) Room   { return Room{Namespace: NamespaceRoomCall, ID: roomID} }
func RoomScreen(roomID string) Room { return Room{Namespace: NamespaceRoomScreen, ID: roomID} }

// Root is the prefix holding the whole room record.
func (r Room) Root() string { return r.Namespace + "/" + r.ID + "/" }

func (r Room) ParticipantsPrefix() string         { return r.Root() + "participants/" }
func (r Room) ParticipantPath(user string) string { return r.ParticipantsPrefix() + user }
func (r Room) SignalingPrefix() string            { return r.Root() + "signaling/" }
func (r Room) CandidatesPrefix() string           { return r.Root() + "candidates/" }
func (r Room) StatePath() string                  { return r.Root() + "state" }

// pairEscaper keeps "_" out of escaped ids so it only ever separates them.
var pairEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

// PairKey names the ordered pair sender→receiver inside a room.
func PairKey(sender, receiver string) string {
	return pairEscaper.Replace(sender) + "_" + pairEscaper.Replace(receiver)
}

// Path puts offers and answers in the single slot of the ordered pair and
// candidates under a per-candidate suffix.
func (r Room) Path(msg models.Message) string {
	pair := PairKey(msg.Sender, msg.Receiver)
	if msg.Kind == models.KindICECandidate {
		return r.CandidatesPrefix() + pair + "_" + uniqueSuffix()
	}
	return r.SignalingPrefix() + pair
}

// ParticipantFromPath extracts the user id from a participant path.
func (r Room) ParticipantFromPath(path string) (string, bool) {
	id, ok := strings.CutPrefix(path, r.ParticipantsPrefix())
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
