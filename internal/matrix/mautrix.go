package matrix

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/models"
	"lightfriend/internal/privacy"
	"lightfriend/internal/security"
	"lightfriend/internal/service"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// cryptoDriver is the database/sql driver name mautrix's crypto store opens
// file paths with.
const cryptoDriver = "sqlite3-fk-wal"

func init() {
	if slices.Contains(sql.Drivers(), cryptoDriver) {
		return
	}
	sql.Register(cryptoDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;", nil)
			return err
		},
	})
}

// AccountStore yields the stored homeserver credentials for a user.
type AccountStore interface {
	GetMatrixAccount(ctx context.Context, userID string) (*models.MatrixAccount, error)
}

// MautrixFactory builds mautrix-backed clients.
type MautrixFactory struct {
	homeserverURL string
	sessionDir    string
	encryption    bool
	pickleKey     []byte
	accounts      AccountStore
	logger        *logrus.Logger
}

func NewMautrixFactory(cfg models.MatrixConfig, accounts AccountStore, logger *logrus.Logger) (*MautrixFactory, error) {
	f := &MautrixFactory{
		homeserverURL: cfg.HomeserverURL,
		sessionDir:    cfg.SessionDir,
		encryption:    cfg.EnableEncryption,
		accounts:      accounts,
		logger:        logger,
	}
	if cfg.EnableEncryption {
		key := os.Getenv(cfg.PickleKeyEnv)
		if key == "" {
			return nil, appErrors.NewConfigError("matrix.pickle_key_env", fmt.Sprintf("%s must be set when encryption is enabled", cfg.PickleKeyEnv))
		}
		f.pickleKey = []byte(key)
		if err := os.MkdirAll(cfg.SessionDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create session dir: %w", err)
		}
	}
	return f, nil
}

func (f *MautrixFactory) NewClient(ctx context.Context, userID string) (Client, error) {
	account, err := f.accounts.GetMatrixAccount(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeClientInit, "failed to load homeserver account")
	}
	if account == nil {
		return nil, appErrors.New(appErrors.ErrCodeClientInit, "no homeserver account stored for user").
			WithContext("user_id", privacy.MaskUserID(userID)).
			WithUserMessage("Your chat bridges are not set up yet.")
	}

	cli, err := mautrix.NewClient(f.homeserverURL, id.UserID(account.MXID), account.AccessToken)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeClientInit, "failed to create homeserver client")
	}
	cli.DeviceID = id.DeviceID(account.DeviceID)
	cli.Log = f.zerologFor(userID)

	c := &mautrixClient{cli: cli, logger: f.logger}
	if !f.encryption {
		return c, nil
	}

	storePath, err := security.SessionStorePath(f.sessionDir, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeClientInit, "invalid session store path")
	}
	helper, err := cryptohelper.NewCryptoHelper(cli, f.pickleKey, storePath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeClientInit, "failed to create crypto helper")
	}
	if err := helper.Init(ctx); err != nil {
		_ = helper.Close()
		if IsOneTimeKeyConflict(err) {
			return nil, oneTimeKeyError(err)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrCodeClientInit, "failed to initialize end-to-end encryption")
	}
	cli.Crypto = helper
	c.crypto = helper
	return c, nil
}

// ResetSession removes the user's crypto store, including WAL side files.
func (f *MautrixFactory) ResetSession(ctx context.Context, userID string) error {
	storePath, err := security.SessionStorePath(f.sessionDir, userID)
	if err != nil {
		return err
	}
	for _, p := range []string{storePath, storePath + "-wal", storePath + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove session store %s: %w", p, err)
		}
	}
	f.logger.WithField(service.LogFieldUserID, privacy.MaskUserID(userID)).Info("Cleared end-to-end session store")
	return nil
}

func (f *MautrixFactory) zerologFor(userID string) zerolog.Logger {
	level := zerolog.WarnLevel
	if f.logger.IsLevelEnabled(logrus.DebugLevel) {
		level = zerolog.DebugLevel
	}
	return zerolog.New(f.logger.Writer()).Level(level).With().
		Timestamp().
		Str(service.LogFieldComponent, "mautrix").
		Str(service.LogFieldUserID, privacy.MaskUserID(userID)).
		Logger()
}

// IsOneTimeKeyConflict recognizes the homeserver's rejection of a
// one-time key upload that collides with an existing key id.
func IsOneTimeKeyConflict(err error) bool {
	if err == nil {
		return false
	}
	if appErrors.HasCode(err, appErrors.ErrCodeOneTimeKeyConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "one time key") && strings.Contains(msg, "already exists")
}

func oneTimeKeyError(err error) *appErrors.AppError {
	return appErrors.WrapRetryable(err, appErrors.ErrCodeOneTimeKeyConflict, "one-time key upload conflict").
		WithUserMessage("The chat bridge session needs to be reset. Please try again.")
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsOneTimeKeyConflict(err) {
		return oneTimeKeyError(err)
	}
	return appErrors.NewProtocolError(op, err)
}

type mautrixClient struct {
	cli    *mautrix.Client
	crypto *cryptohelper.CryptoHelper
	logger *logrus.Logger

	mu      sync.Mutex
	handler EventHandler
	hooked  bool
	syncing bool
}

func (c *mautrixClient) UserID() id.UserID {
	return c.cli.UserID
}

func (c *mautrixClient) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, classify("joined rooms", err)
	}
	return resp.JoinedRooms, nil
}

func (c *mautrixClient) RoomName(ctx context.Context, roomID id.RoomID) (string, error) {
	var content event.RoomNameEventContent
	if err := c.cli.StateEvent(ctx, roomID, event.StateRoomName, "", &content); err != nil {
		return "", classify("room name", err)
	}
	return content.Name, nil
}

func (c *mautrixClient) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]string, error) {
	resp, err := c.cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, classify("joined members", err)
	}
	members := make(map[id.UserID]string, len(resp.Joined))
	for userID, member := range resp.Joined {
		members[userID] = member.DisplayName
	}
	return members, nil
}

func (c *mautrixClient) Messages(ctx context.Context, roomID id.RoomID, from string, limit int) (Page, error) {
	resp, err := c.cli.Messages(ctx, roomID, from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return Page{}, classify("room messages", err)
	}
	page := Page{Events: make([]Event, 0, len(resp.Chunk))}
	for _, evt := range resp.Chunk {
		page.Events = append(page.Events, c.convert(ctx, evt))
	}
	if len(resp.Chunk) > 0 {
		page.End = resp.End
	}
	return page, nil
}

func (c *mautrixClient) CreateRoom(ctx context.Context, name string, invite []id.UserID) (id.RoomID, error) {
	resp, err := c.cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   constants.DefaultRoomCreatePreset,
		Name:     name,
		Invite:   invite,
		IsDirect: true,
	})
	if err != nil {
		return "", classify("create room", err)
	}
	return resp.RoomID, nil
}

func (c *mautrixClient) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return classify("invite user", err)
}

func (c *mautrixClient) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	resp, err := c.cli.SendText(ctx, roomID, text)
	if err != nil {
		return "", classify("send text", err)
	}
	return resp.EventID, nil
}

func (c *mautrixClient) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, txnID string) (id.EventID, error) {
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: txnID})
	if err != nil {
		return "", classify("send message", err)
	}
	return resp.EventID, nil
}

func (c *mautrixClient) UploadMedia(ctx context.Context, data []byte, contentType, fileName string) (id.ContentURIString, error) {
	resp, err := c.cli.UploadBytesWithName(ctx, data, contentType, fileName)
	if err != nil {
		return "", classify("upload media", err)
	}
	return resp.ContentURI.CUString(), nil
}

// SyncOnce performs a single bounded sync. It is a no-op while the
// continuous sync loop owns the since token.
func (c *mautrixClient) SyncOnce(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	syncing := c.syncing
	c.mu.Unlock()
	if syncing {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	since, err := c.cli.Store.LoadNextBatch(ctx, c.cli.UserID)
	if err != nil {
		return fmt.Errorf("failed to load sync token: %w", err)
	}
	resp, err := c.cli.SyncRequest(ctx, int(timeout.Milliseconds()), since, "", false, event.PresenceOffline)
	if err != nil {
		return classify("sync", err)
	}
	if err := c.cli.Syncer.ProcessResponse(ctx, resp, since); err != nil {
		return classify("process sync", err)
	}
	return c.cli.Store.SaveNextBatch(ctx, c.cli.UserID, resp.NextBatch)
}

func (c *mautrixClient) Sync(ctx context.Context, handler EventHandler) error {
	c.mu.Lock()
	c.handler = handler
	if !c.hooked {
		syncer, ok := c.cli.Syncer.(*mautrix.DefaultSyncer)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("unsupported syncer %T", c.cli.Syncer)
		}
		syncer.OnEventType(event.EventMessage, c.dispatch)
		c.hooked = true
	}
	c.syncing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
	}()
	return c.cli.SyncWithContext(ctx)
}

func (c *mautrixClient) dispatch(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(ctx, c.convert(ctx, evt))
	}
}

func (c *mautrixClient) Close() error {
	c.cli.StopSync()
	if c.crypto != nil {
		return c.crypto.Close()
	}
	return nil
}

// convert flattens a protocol event, decrypting it first when possible.
// Undecryptable events keep their encrypted type and are dropped downstream.
func (c *mautrixClient) convert(ctx context.Context, evt *event.Event) Event {
	if evt.Type == event.EventEncrypted && c.crypto != nil {
		_ = evt.Content.ParseRaw(evt.Type)
		decrypted, err := c.crypto.Decrypt(ctx, evt)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				service.LogFieldRoomID: privacy.MaskMXID(string(evt.RoomID)),
				service.LogFieldEvent:  evt.ID,
			}).WithError(err).Debug("Failed to decrypt event")
		} else {
			evt = decrypted
		}
	}

	out := Event{
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Type:      evt.Type.Type,
		Timestamp: evt.Timestamp,
	}
	if evt.Type == event.EventMessage {
		_ = evt.Content.ParseRaw(evt.Type)
		msg := evt.Content.AsMessage()
		out.MsgType = msg.MsgType
		out.Body = msg.Body
	}
	return out
}
