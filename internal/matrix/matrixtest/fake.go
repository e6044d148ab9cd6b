// Package matrixtest provides an in-memory homeserver for tests of code
// built on matrix.Client.
package matrixtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"lightfriend/internal/matrix"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Server is the homeserver domain used by fakes.
const Server = "example.org"

// UserID builds a full Matrix id on the fake server.
func UserID(localpart string) id.UserID {
	return id.UserID("@" + localpart + ":" + Server)
}

type room struct {
	name    string
	members map[id.UserID]string
	events  []matrix.Event // oldest first
}

// SentMessage records a SendMessage call.
type SentMessage struct {
	RoomID  id.RoomID
	Content *event.MessageEventContent
	TxnID   string
	EventID id.EventID
}

// Upload records an UploadMedia call.
type Upload struct {
	Data        []byte
	ContentType string
	FileName    string
	URI         id.ContentURIString
}

// Client is a matrix.Client over in-memory rooms. The zero value is not
// usable; call NewClient.
type Client struct {
	self id.UserID

	mu        sync.Mutex
	rooms     map[id.RoomID]*room
	roomOrder []id.RoomID
	seq       int
	failures  map[string]error
	txns      map[string]id.EventID

	// AutoJoin makes invited users join immediately.
	AutoJoin bool
	// OnText runs after SendText stores the event, without the lock held.
	OnText func(roomID id.RoomID, text string)
	// OnSyncOnce runs on every SyncOnce call, without the lock held.
	OnSyncOnce func()

	Sent       []SentMessage
	Uploads    []Upload
	Texts      []string
	SyncOnces  int
	Closed     bool
	deliveries chan matrix.Event
}

var _ matrix.Client = (*Client)(nil)

func NewClient(self id.UserID) *Client {
	return &Client{
		self:       self,
		rooms:      make(map[id.RoomID]*room),
		failures:   make(map[string]error),
		txns:       make(map[string]id.EventID),
		AutoJoin:   true,
		deliveries: make(chan matrix.Event, 64),
	}
}

// AddRoom registers a joined room. The client's own user is always a member.
func (c *Client) AddRoom(roomID id.RoomID, name string, members map[id.UserID]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &room{name: name, members: map[id.UserID]string{c.self: "Me"}}
	for userID, displayName := range members {
		r.members[userID] = displayName
	}
	if _, ok := c.rooms[roomID]; !ok {
		c.roomOrder = append(c.roomOrder, roomID)
	}
	c.rooms[roomID] = r
}

// AddText appends a text message to a room's timeline.
func (c *Client) AddText(roomID id.RoomID, sender id.UserID, body string, ts time.Time) id.EventID {
	return c.AddEvent(matrix.Event{
		RoomID:    roomID,
		Sender:    sender,
		Type:      event.EventMessage.Type,
		MsgType:   event.MsgText,
		Body:      body,
		Timestamp: ts.UnixMilli(),
	})
}

// AddEvent appends an arbitrary event, assigning an id when empty.
func (c *Client) AddEvent(evt matrix.Event) id.EventID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(evt)
}

func (c *Client) appendLocked(evt matrix.Event) id.EventID {
	r, ok := c.rooms[evt.RoomID]
	if !ok {
		r = &room{members: map[id.UserID]string{c.self: "Me"}}
		c.rooms[evt.RoomID] = r
		c.roomOrder = append(c.roomOrder, evt.RoomID)
	}
	c.seq++
	if evt.ID == "" {
		evt.ID = id.EventID(fmt.Sprintf("$event%d", c.seq))
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	r.events = append(r.events, evt)
	return evt.ID
}

// Fail makes op return err. op is a method name, optionally suffixed with
// ":<room id>" to fail only that room.
func (c *Client) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = err
}

func (c *Client) failure(op string, roomID id.RoomID) error {
	if err, ok := c.failures[op+":"+string(roomID)]; ok {
		return err
	}
	return c.failures[op]
}

// Deliver pushes an event to a running Sync call.
func (c *Client) Deliver(evt matrix.Event) {
	c.deliveries <- evt
}

// Members returns a copy of a room's membership.
func (c *Client) Members(roomID id.RoomID) map[id.UserID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[id.UserID]string)
	if r, ok := c.rooms[roomID]; ok {
		for k, v := range r.members {
			out[k] = v
		}
	}
	return out
}

// RoomIDs lists rooms in creation order.
func (c *Client) RoomIDs() []id.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]id.RoomID(nil), c.roomOrder...)
}

func (c *Client) UserID() id.UserID {
	return c.self
}

func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("JoinedRooms", ""); err != nil {
		return nil, err
	}
	return append([]id.RoomID(nil), c.roomOrder...), nil
}

func (c *Client) RoomName(ctx context.Context, roomID id.RoomID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("RoomName", roomID); err != nil {
		return "", err
	}
	r, ok := c.rooms[roomID]
	if !ok {
		return "", fmt.Errorf("unknown room %s", roomID)
	}
	return r.name, nil
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]string, error) {
	c.mu.Lock()
	failure := c.failure("JoinedMembers", roomID)
	c.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	return c.Members(roomID), nil
}

// Messages pages backward; tokens are indexes into the room timeline.
func (c *Client) Messages(ctx context.Context, roomID id.RoomID, from string, limit int) (matrix.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Messages", roomID); err != nil {
		return matrix.Page{}, err
	}
	r, ok := c.rooms[roomID]
	if !ok {
		return matrix.Page{}, fmt.Errorf("unknown room %s", roomID)
	}

	end := len(r.events)
	if from != "" {
		n, err := strconv.Atoi(from)
		if err != nil {
			return matrix.Page{}, fmt.Errorf("bad token %q", from)
		}
		end = n
	}
	var page matrix.Page
	i := end - 1
	for ; i >= 0 && len(page.Events) < limit; i-- {
		page.Events = append(page.Events, r.events[i])
	}
	if i >= 0 {
		page.End = strconv.Itoa(i + 1)
	}
	return page, nil
}

func (c *Client) CreateRoom(ctx context.Context, name string, invite []id.UserID) (id.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("CreateRoom", ""); err != nil {
		return "", err
	}
	c.seq++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", c.seq, Server))
	r := &room{name: name, members: map[id.UserID]string{c.self: "Me"}}
	if c.AutoJoin {
		for _, userID := range invite {
			r.members[userID] = ""
		}
	}
	c.rooms[roomID] = r
	c.roomOrder = append(c.roomOrder, roomID)
	return roomID, nil
}

func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("InviteUser", roomID); err != nil {
		return err
	}
	if r, ok := c.rooms[roomID]; ok && c.AutoJoin {
		r.members[userID] = ""
	}
	return nil
}

// Join adds a member to a room, as when a bot accepts an invite.
func (c *Client) Join(roomID id.RoomID, userID id.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		r.members[userID] = ""
	}
}

func (c *Client) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	c.mu.Lock()
	if err := c.failure("SendText", roomID); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.Texts = append(c.Texts, text)
	eventID := c.appendLocked(matrix.Event{
		RoomID:  roomID,
		Sender:  c.self,
		Type:    event.EventMessage.Type,
		MsgType: event.MsgText,
		Body:    text,
	})
	hook := c.OnText
	c.mu.Unlock()

	if hook != nil {
		hook(roomID, text)
	}
	return eventID, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, txnID string) (id.EventID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("SendMessage", roomID); err != nil {
		return "", err
	}
	if eventID, ok := c.txns[txnID]; ok {
		return eventID, nil
	}
	eventID := c.appendLocked(matrix.Event{
		RoomID:  roomID,
		Sender:  c.self,
		Type:    event.EventMessage.Type,
		MsgType: content.MsgType,
		Body:    content.Body,
	})
	c.txns[txnID] = eventID
	c.Sent = append(c.Sent, SentMessage{RoomID: roomID, Content: content, TxnID: txnID, EventID: eventID})
	return eventID, nil
}

func (c *Client) UploadMedia(ctx context.Context, data []byte, contentType, fileName string) (id.ContentURIString, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("UploadMedia", ""); err != nil {
		return "", err
	}
	c.seq++
	uri := id.ContentURIString(fmt.Sprintf("mxc://%s/media%d", Server, c.seq))
	c.Uploads = append(c.Uploads, Upload{Data: data, ContentType: contentType, FileName: fileName, URI: uri})
	return uri, nil
}

func (c *Client) SyncOnce(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	c.SyncOnces++
	err := c.failure("SyncOnce", "")
	hook := c.OnSyncOnce
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (c *Client) Sync(ctx context.Context, handler matrix.EventHandler) error {
	c.mu.Lock()
	err := c.failure("Sync", "")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-c.deliveries:
			handler(ctx, evt)
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}

// Factory hands out pre-built fake clients.
type Factory struct {
	mu      sync.Mutex
	clients map[string]*Client
	errs    []error

	// Delay is slept inside NewClient to widen race windows in tests.
	Delay  time.Duration
	Calls  int
	Resets int
}

var _ matrix.Factory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{clients: make(map[string]*Client)}
}

// Set registers the client returned for userID.
func (f *Factory) Set(userID string, client *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[userID] = client
}

// FailNext queues errors returned by the next NewClient calls, in order.
func (f *Factory) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *Factory) NewClient(ctx context.Context, userID string) (matrix.Client, error) {
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	client, ok := f.clients[userID]
	if !ok {
		return nil, fmt.Errorf("no fake client for %s", userID)
	}
	return client, nil
}

func (f *Factory) ResetSession(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resets++
	return nil
}

// Stats returns the NewClient and ResetSession call counts.
func (f *Factory) Stats() (calls, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls, f.Resets
}
