package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"lightfriend/internal/constants"
	"lightfriend/internal/matrix"
	"lightfriend/internal/metrics"
	"lightfriend/internal/models"
	"lightfriend/internal/privacy"
	"lightfriend/internal/service"
	"lightfriend/internal/tracing"
	"lightfriend/pkg/media"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
)

// ownSenderName is the display name of the user's own messages.
const ownSenderName = "You"

// Pipeline reads and writes messages in bridged rooms.
type Pipeline struct {
	resolver *Resolver
	settings SettingsStore
	media    media.Fetcher
	logger   *logrus.Logger
	now      func() time.Time
}

func NewPipeline(resolver *Resolver, settings SettingsStore, fetcher media.Fetcher, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		resolver: resolver,
		settings: settings,
		media:    fetcher,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Pipeline) location(ctx context.Context, userID string) *time.Location {
	settings, err := p.settings.GetUserSettings(ctx, userID)
	if err != nil {
		p.logger.WithError(err).WithField(service.LogFieldUserID, privacy.MaskUserID(userID)).Warn("Failed to load user settings, using UTC")
		return time.UTC
	}
	return settings.Location()
}

// FetchMessages returns up to limit bridged messages from the room best
// matching chatName, newest first.
func (p *Pipeline) FetchMessages(ctx context.Context, userID string, platform models.Platform, chatName string, limit int) ([]models.NormalizedMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "bridge.fetch_messages",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrPlatform.String(string(platform)))
	msgs, err := p.fetchMessages(ctx, userID, platform, chatName, limit)
	tracing.EndSpan(span, err)
	return msgs, err
}

func (p *Pipeline) fetchMessages(ctx context.Context, userID string, platform models.Platform, chatName string, limit int) ([]models.NormalizedMessage, error) {
	if limit <= 0 {
		limit = constants.DefaultFetchMessageLimit
	}
	if limit > constants.DefaultMaxFetchMessageLimit {
		limit = constants.DefaultMaxFetchMessageLimit
	}

	s, err := p.resolver.connect(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	room, err := p.resolver.resolveBest(ctx, s, chatName)
	if err != nil {
		return nil, err
	}

	msgs, err := p.collect(ctx, s, room, limit, 0, p.location(ctx, userID))
	if err != nil {
		return nil, err
	}
	sortNewestFirst(msgs)
	metrics.AddToCounter("pipeline_messages_fetched_total", float64(len(msgs)), map[string]string{"platform": string(platform)}, "Bridged messages returned to callers")
	return msgs, nil
}

// FetchRecentMessages returns bridged messages newer than since from the
// most recently active rooms, merged newest first.
func (p *Pipeline) FetchRecentMessages(ctx context.Context, userID string, platform models.Platform, since time.Time) ([]models.NormalizedMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "bridge.fetch_recent_messages",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrPlatform.String(string(platform)))
	msgs, err := p.fetchRecent(ctx, userID, platform, since)
	tracing.EndSpan(span, err)
	return msgs, err
}

func (p *Pipeline) fetchRecent(ctx context.Context, userID string, platform models.Platform, since time.Time) ([]models.NormalizedMessage, error) {
	s, err := p.resolver.connect(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	rooms, err := p.resolver.rooms(ctx, s)
	if err != nil {
		return nil, err
	}
	byActivity(rooms)
	if roomCap := p.resolver.config.RecentRoomCap; len(rooms) > roomCap {
		rooms = rooms[:roomCap]
	}

	loc := p.location(ctx, userID)
	sinceMs := since.UnixMilli()

	var (
		mu  sync.Mutex
		all []models.NormalizedMessage
		g   errgroup.Group
	)
	g.SetLimit(p.resolver.config.FanOut)
	for i := range rooms {
		room := &rooms[i]
		g.Go(func() error {
			msgs, err := p.collect(ctx, s, room, constants.DefaultMaxFetchMessageLimit, sinceMs, loc)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					service.LogFieldRoomID:   privacy.MaskMXID(room.RoomID),
					service.LogFieldPlatform: platform,
				}).Warn("Skipping room in recent messages")
				return nil
			}
			mu.Lock()
			all = append(all, msgs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sortNewestFirst(all)
	return all, nil
}

// collect pages backward through a room until limit messages are found,
// the page cap is hit, or events precede sinceMs (0 = no bound).
func (p *Pipeline) collect(ctx context.Context, s *session, room *roomInfo, limit int, sinceMs int64, loc *time.Location) ([]models.NormalizedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.resolver.fetchTimeout())
	defer cancel()

	cfg := p.resolver.config
	var (
		msgs  []models.NormalizedMessage
		token string
	)
	for page := 0; page < cfg.HistoryPageCap; page++ {
		resp, err := s.client.Messages(ctx, room.id, token, cfg.HistoryPageSize)
		if err != nil {
			if page > 0 {
				break
			}
			return nil, err
		}
		for _, evt := range resp.Events {
			if sinceMs > 0 && evt.Timestamp < sinceMs {
				return msgs, nil
			}
			if msg, ok := p.normalize(s, room, evt, loc); ok {
				msgs = append(msgs, msg)
				if len(msgs) >= limit {
					return msgs, nil
				}
			}
		}
		if resp.End == "" {
			break
		}
		token = resp.End
	}
	return msgs, nil
}

// normalize keeps message events from the platform's puppets or the user,
// dropping unsupported types and bridge error bodies.
func (p *Pipeline) normalize(s *session, room *roomInfo, evt matrix.Event, loc *time.Location) (models.NormalizedMessage, bool) {
	if !evt.IsMessage() {
		return models.NormalizedMessage{}, false
	}
	own := evt.Sender == s.self
	if !own && !s.spec.IsPuppet(evt.Sender) {
		return models.NormalizedMessage{}, false
	}
	msgType, ok := messageType(evt.MsgType)
	if !ok {
		return models.NormalizedMessage{}, false
	}

	content := msgType.Placeholder()
	if content == "" {
		if isDroppedBody(evt.Body) {
			return models.NormalizedMessage{}, false
		}
		content = evt.Body
	}

	senderName := ownSenderName
	if !own {
		senderName = room.members[evt.Sender]
		if senderName == "" {
			senderName = matrix.Localpart(evt.Sender)
		}
	}

	ts := evt.Timestamp / 1000
	return models.NormalizedMessage{
		Sender:             string(evt.Sender),
		SenderDisplayName:  senderName,
		Content:            content,
		Timestamp:          ts,
		MessageType:        msgType,
		RoomName:           room.CleanName,
		FormattedTimestamp: FormatTimestamp(ts, loc),
	}, true
}

func sortNewestFirst(msgs []models.NormalizedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp > msgs[j].Timestamp
	})
}

// SendMessage posts body, with optional media, to the room whose name
// matches exactName, and returns a receipt for the sent message.
func (p *Pipeline) SendMessage(ctx context.Context, userID string, platform models.Platform, exactName, body, mediaURL string) (*models.NormalizedMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "bridge.send_message",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrPlatform.String(string(platform)))
	msg, err := p.sendMessage(ctx, userID, platform, exactName, body, mediaURL)
	tracing.EndSpan(span, err)

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.IncrementCounter("pipeline_messages_sent_total", map[string]string{"platform": string(platform), "status": status}, "Outbound bridged messages")
	return msg, err
}

func (p *Pipeline) sendMessage(ctx context.Context, userID string, platform models.Platform, exactName, body, mediaURL string) (*models.NormalizedMessage, error) {
	s, err := p.resolver.connect(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	room, err := p.resolver.resolveExact(ctx, s, exactName)
	if err != nil {
		return nil, err
	}

	content := &event.MessageEventContent{MsgType: event.MsgText, Body: body}
	msgType := models.MessageTypeText
	if mediaURL != "" {
		content, msgType, err = p.mediaContent(ctx, s, body, mediaURL)
		if err != nil {
			return nil, err
		}
	}

	txnID := "lf-" + uuid.NewString()
	eventID, err := s.client.SendMessage(ctx, room.id, content, txnID)
	if err != nil {
		return nil, err
	}

	service.LogWithContext(ctx, p.logger, logrus.Fields{
		service.LogFieldUserID:      userID,
		service.LogFieldPlatform:    platform,
		service.LogFieldRoomID:      room.RoomID,
		service.LogFieldTxnID:       txnID,
		service.LogFieldEvent:       eventID,
		service.LogFieldMessageType: msgType,
	}).Info("Sent bridged message")

	now := p.now().Unix()
	receipt := body
	if receipt == "" {
		receipt = msgType.Placeholder()
	}
	return &models.NormalizedMessage{
		Sender:             string(s.self),
		SenderDisplayName:  ownSenderName,
		Content:            receipt,
		Timestamp:          now,
		MessageType:        msgType,
		RoomName:           room.CleanName,
		FormattedTimestamp: FormatTimestamp(now, p.location(ctx, userID)),
	}, nil
}

// mediaContent downloads and uploads the media, captioning it with body.
func (p *Pipeline) mediaContent(ctx context.Context, s *session, body, mediaURL string) (*event.MessageEventContent, models.MessageType, error) {
	file, err := p.media.Fetch(ctx, mediaURL)
	if err != nil {
		return nil, "", err
	}
	uri, err := s.client.UploadMedia(ctx, file.Data, file.MIMEType, file.FileName)
	if err != nil {
		return nil, "", err
	}

	msgType := media.MessageKind(file.MIMEType)
	content := &event.MessageEventContent{
		MsgType:  protocolType(msgType),
		Body:     body,
		FileName: file.FileName,
		URL:      uri,
		Info: &event.FileInfo{
			MimeType: file.MIMEType,
			Size:     int(file.Size),
		},
	}
	if content.Body == "" {
		content.Body = file.FileName
	}
	return content, msgType, nil
}
