package confirm

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"lightfriend/internal/bridge"
	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/metrics"
	"lightfriend/internal/models"
	"lightfriend/internal/notify"
	"lightfriend/internal/privacy"
	"lightfriend/internal/service"
	"lightfriend/internal/tracing"

	"github.com/sirupsen/logrus"
)

// Sender delivers a message to a room named exactly.
type Sender interface {
	SendMessage(ctx context.Context, userID string, platform models.Platform, exactName, body, mediaURL string) (*models.NormalizedMessage, error)
}

// Resolver finds the best room for a free-text name.
type Resolver interface {
	ResolveRoom(ctx context.Context, userID string, platform models.Platform, name string) (models.BridgeRoom, error)
}

// SettingsStore reads the per-user confirmation preference.
type SettingsStore interface {
	GetUserSettings(ctx context.Context, userID string) (*models.UserSettings, error)
}

var (
	affirmativeReplies = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "ok": true,
		"okay": true, "sure": true, "send": true, "confirm": true,
	}
	negativeReplies = map[string]bool{
		"no": true, "n": true, "cancel": true, "stop": true, "nope": true,
	}
	// courtesy words allowed after the answer, as in "yes please".
	courtesyWords = map[string]bool{"please": true, "thanks": true, "thx": true, "it": true}
)

// Coordinator sends messages directly or behind a yes/no prompt,
// depending on the user's settings.
type Coordinator struct {
	store    Store
	sender   Sender
	resolver Resolver
	settings SettingsStore
	notifier notify.Notifier
	ttl      time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

func NewCoordinator(store Store, sender Sender, resolver Resolver, settings SettingsStore, notifier notify.Notifier, config models.ConfirmationConfig, logger *logrus.Logger) *Coordinator {
	ttl := time.Duration(config.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = constants.DefaultConfirmationTTLMinutes * time.Minute
	}
	return &Coordinator{
		store:    store,
		sender:   sender,
		resolver: resolver,
		settings: settings,
		notifier: notifier,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// RequestSend either sends right away or stores a pending request and
// prompts the user. The user hears the outcome or prompt by SMS; the
// returned text is a short acknowledgement for the assistant and never
// repeats the SMS.
func (c *Coordinator) RequestSend(ctx context.Context, userID string, platform models.Platform, chatName, body, imageURL string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "confirm.request_send",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrPlatform.String(string(platform)))
	text, err := c.requestSend(ctx, userID, platform, chatName, body, imageURL)
	tracing.EndSpan(span, err)
	return text, err
}

func (c *Coordinator) requestSend(ctx context.Context, userID string, platform models.Platform, chatName, body, imageURL string) (string, error) {
	settings, err := c.settings.GetUserSettings(ctx, userID)
	if err != nil {
		return "", err
	}
	if !settings.RequireConfirmation {
		return c.sendNow(ctx, userID, platform, chatName, body, imageURL)
	}

	room, err := c.resolver.ResolveRoom(ctx, userID, platform, chatName)
	if err != nil {
		return "", err
	}

	now := c.now()
	req := &models.PendingSendRequest{
		UserID:           userID,
		Platform:         platform,
		ResolvedChatName: room.CleanName,
		MessageBody:      body,
		ImageURL:         imageURL,
		CreatedAt:        now,
		ExpiresAt:        now.Add(c.ttl),
	}
	if err := c.store.Set(ctx, req); err != nil {
		return "", err
	}

	prompt := Prompt(req)
	c.notify(ctx, userID, prompt)
	metrics.IncrementCounter("confirm_prompts_total", map[string]string{"platform": string(platform)}, "Send confirmation prompts issued")

	service.LogWithContext(ctx, c.logger, logrus.Fields{
		service.LogFieldUserID:   userID,
		service.LogFieldPlatform: platform,
		service.LogFieldChatName: privacy.MaskChatName(room.CleanName),
	}).Info("Stored pending send")
	return fmt.Sprintf("Asked the user by SMS to confirm sending to %s on %s. Nothing is sent until they reply yes.", room.CleanName, platform.DisplayName()), nil
}

// Prompt is the confirmation question for a pending request.
func Prompt(req *models.PendingSendRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Send to %s on %s: \"%s\"", req.ResolvedChatName, req.Platform.DisplayName(), bridge.Truncate(req.MessageBody, constants.DefaultSMSBodyTruncateLength))
	if req.ImageURL != "" {
		b.WriteString(" with an image")
	}
	b.WriteString("? Reply yes to send or no to cancel.")
	return b.String()
}

func (c *Coordinator) sendNow(ctx context.Context, userID string, platform models.Platform, chatName, body, imageURL string) (string, error) {
	receipt, err := c.sender.SendMessage(ctx, userID, platform, chatName, body, imageURL)
	if err != nil {
		c.notify(ctx, userID, FailureText(err))
		appErrors.Entry(c.logger.WithFields(logrus.Fields{
			service.LogFieldUserID:   privacy.MaskUserID(userID),
			service.LogFieldPlatform: platform,
		}), err).Warn("Failed to send message")
		return fmt.Sprintf("Nothing was sent to %s on %s. The user was told why by SMS.", chatName, platform.DisplayName()), nil
	}
	c.notify(ctx, userID, fmt.Sprintf("Sent to %s on %s: \"%s\"", receipt.RoomName, platform.DisplayName(), bridge.Truncate(receipt.Content, constants.DefaultSMSBodyTruncateLength)))
	return fmt.Sprintf("Sent to %s on %s. The user was notified by SMS.", receipt.RoomName, platform.DisplayName()), nil
}

// HandleReply interprets an inbound SMS as an answer to the pending
// prompt. handled is false when the text is not a yes/no answer or
// nothing is pending; the pending request is then left alone.
func (c *Coordinator) HandleReply(ctx context.Context, userID, text string) (handled bool, reply string, err error) {
	answer, ok := classifyReply(text)
	if !ok {
		return false, "", nil
	}

	req, err := c.store.Take(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if req == nil {
		return false, "", nil
	}

	logger := c.logger.WithFields(logrus.Fields{
		service.LogFieldUserID:   privacy.MaskUserID(userID),
		service.LogFieldPlatform: req.Platform,
	})
	labels := map[string]string{"platform": string(req.Platform)}

	switch {
	case !answer:
		reply = fmt.Sprintf("Okay, I won't send that message to %s.", req.ResolvedChatName)
		metrics.IncrementCounter("confirm_replies_total", withOutcome(labels, "cancelled"), "Replies to send confirmation prompts")
		logger.Info("Pending send cancelled")
	case req.Expired(c.now()):
		reply = fmt.Sprintf("That message to %s expired before you confirmed it. Ask me again to send it.", req.ResolvedChatName)
		metrics.IncrementCounter("confirm_replies_total", withOutcome(labels, "expired"), "Replies to send confirmation prompts")
		logger.Info("Pending send expired")
	default:
		receipt, sendErr := c.sender.SendMessage(ctx, req.UserID, req.Platform, req.ResolvedChatName, req.MessageBody, req.ImageURL)
		if sendErr != nil {
			reply = FailureText(sendErr)
			metrics.IncrementCounter("confirm_replies_total", withOutcome(labels, "failed"), "Replies to send confirmation prompts")
			appErrors.Entry(logger, sendErr).Warn("Failed to send confirmed message")
		} else {
			reply = fmt.Sprintf("Sent to %s on %s.", receipt.RoomName, req.Platform.DisplayName())
			metrics.IncrementCounter("confirm_replies_total", withOutcome(labels, "sent"), "Replies to send confirmation prompts")
			logger.Info("Sent confirmed message")
		}
	}

	c.notify(ctx, userID, reply)
	return true, reply, nil
}

func withOutcome(labels map[string]string, outcome string) map[string]string {
	out := map[string]string{"outcome": outcome}
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// classifyReply returns (true, true) for a yes, (false, true) for a no.
func classifyReply(text string) (affirmative bool, ok bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len(words) == 0 || len(words) > 2 {
		return false, false
	}
	if len(words) == 2 && !courtesyWords[words[1]] {
		return false, false
	}
	switch {
	case affirmativeReplies[words[0]]:
		return true, true
	case negativeReplies[words[0]]:
		return false, true
	default:
		return false, false
	}
}

// FailureText is the SMS shown for a failed send.
func FailureText(err error) string {
	if appErr, ok := appErrors.As(err); ok && appErr.Code == appErrors.ErrCodeAmbiguousMatch {
		if candidates, ok := appErr.Context["candidates"].([]string); ok && len(candidates) > 0 {
			return fmt.Sprintf("I couldn't find that exact chat. Did you mean: %s?", strings.Join(candidates, ", "))
		}
	}
	return appErrors.GetUserMessage(err)
}

func (c *Coordinator) notify(ctx context.Context, userID, text string) {
	if err := c.notifier.Notify(ctx, userID, text); err != nil {
		c.logger.WithError(err).WithField(service.LogFieldUserID, privacy.MaskUserID(userID)).Warn("Failed to deliver SMS")
	}
}
