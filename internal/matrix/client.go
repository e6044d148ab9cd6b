package matrix

import (
	"context"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Event is a room timeline event reduced to the fields the bridge core reads.
type Event struct {
	ID        id.EventID
	RoomID    id.RoomID
	Sender    id.UserID
	Type      string
	Timestamp int64 // milliseconds
	MsgType   event.MessageType
	Body      string
}

// IsMessage reports whether the event is an m.room.message.
func (e Event) IsMessage() bool {
	return e.Type == event.EventMessage.Type
}

// Localpart returns the sender's localpart without the sigil or server.
func (e Event) Localpart() string {
	return Localpart(e.Sender)
}

// Page is one backward page of room history.
type Page struct {
	Events []Event
	// End is the token for the next (older) page; empty when history is exhausted.
	End string
}

// EventHandler receives events delivered by the continuous sync loop.
type EventHandler func(ctx context.Context, evt Event)

// Client is the per-user transport to the homeserver. One Client serves
// every bridge a user has.
type Client interface {
	UserID() id.UserID
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	RoomName(ctx context.Context, roomID id.RoomID) (string, error)
	// JoinedMembers maps joined member ids to display names.
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]string, error)
	// Messages pages backward from the token (empty = newest).
	Messages(ctx context.Context, roomID id.RoomID, from string, limit int) (Page, error)
	CreateRoom(ctx context.Context, name string, invite []id.UserID) (id.RoomID, error)
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	// SendMessage is idempotent for a given txnID.
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, txnID string) (id.EventID, error)
	UploadMedia(ctx context.Context, data []byte, contentType, fileName string) (id.ContentURIString, error)
	SyncOnce(ctx context.Context, timeout time.Duration) error
	// Sync blocks until ctx ends or the sync fails.
	Sync(ctx context.Context, handler EventHandler) error
	Close() error
}

// Factory builds clients from the user's stored homeserver account.
type Factory interface {
	NewClient(ctx context.Context, userID string) (Client, error)
	// ResetSession discards the persisted end-to-end session store.
	ResetSession(ctx context.Context, userID string) error
}

// Localpart returns the part of a Matrix user id between the sigil and the colon.
func Localpart(userID id.UserID) string {
	s := strings.TrimPrefix(string(userID), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Server returns the homeserver part of a Matrix user id.
func Server(userID id.UserID) string {
	s := string(userID)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}
