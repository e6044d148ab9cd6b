package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lightfriend/internal/bridge"
	"lightfriend/internal/confirm"
	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/metrics"
	"lightfriend/internal/models"
	"lightfriend/internal/privacy"
	"lightfriend/internal/service"
	"lightfriend/internal/tracing"
	"lightfriend/internal/validation"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

// Searcher ranks a user's bridged rooms against a search term.
type Searcher interface {
	SearchRooms(ctx context.Context, userID string, platform models.Platform, term string) ([]models.BridgeRoom, error)
}

// MessageFetcher reads normalized messages out of bridged rooms.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, userID string, platform models.Platform, chatName string, limit int) ([]models.NormalizedMessage, error)
	FetchRecentMessages(ctx context.Context, userID string, platform models.Platform, since time.Time) ([]models.NormalizedMessage, error)
}

// SendRequester starts an outbound send, direct or behind a confirmation.
type SendRequester interface {
	RequestSend(ctx context.Context, userID string, platform models.Platform, chatName, body, imageURL string) (string, error)
}

type handler func(ctx context.Context, userID string, raw json.RawMessage) (string, error)

// Adapter turns tool calls into gateway operations.
type Adapter struct {
	search   Searcher
	fetch    MessageFetcher
	send     SendRequester
	logger   *logrus.Logger
	handlers map[string]handler

	contactLimit int
	messageLimit int
}

func NewAdapter(search Searcher, fetch MessageFetcher, send SendRequester, logger *logrus.Logger) *Adapter {
	a := &Adapter{
		search:       search,
		fetch:        fetch,
		send:         send,
		logger:       logger,
		contactLimit: constants.DefaultContactDisplayLimit,
		messageLimit: constants.DefaultMessageDisplayLimit,
	}
	a.handlers = map[string]handler{
		SearchChatContactsName:  a.searchChatContacts,
		FetchChatMessagesName:   a.fetchChatMessages,
		FetchRecentMessagesName: a.fetchRecentMessages,
		SendChatMessageName:     a.sendChatMessage,
	}
	return a
}

// Tools lists the definitions this adapter can execute.
func (a *Adapter) Tools() []*mcp.Tool {
	return All()
}

// Call executes a tool and always returns text for the user. Failures are
// logged and rendered as an apology.
func (a *Adapter) Call(ctx context.Context, userID, name string, raw json.RawMessage) string {
	ctx, span := tracing.StartSpan(ctx, "tools.call",
		tracing.AttrTool.String(name),
		tracing.AttrUserID.String(privacy.MaskUserID(userID)))
	start := time.Now()

	text, err := a.dispatch(ctx, userID, name, raw)

	tracing.EndSpan(span, err)
	status := "success"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"tool": name, "status": status}
	metrics.IncrementCounter("tool_calls_total", labels, "Tool calls by tool and outcome")
	metrics.RecordTimer("tool_call_duration", time.Since(start), map[string]string{"tool": name}, "Tool call latency")

	logger := service.LogWithContext(ctx, a.logger, logrus.Fields{
		service.LogFieldUserID:   userID,
		service.LogFieldTool:     name,
		service.LogFieldDuration: time.Since(start).Milliseconds(),
	})
	if err != nil {
		appErrors.Entry(logger, err).Warn("Tool call failed")
		return apology(err)
	}
	logger.Debug("Tool call completed")
	return text
}

func (a *Adapter) dispatch(ctx context.Context, userID, name string, raw json.RawMessage) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = appErrors.New(appErrors.ErrCodeInternalError, fmt.Sprintf("tool %s panicked: %v", name, r))
		}
	}()

	h, ok := a.handlers[name]
	if !ok {
		return "", appErrors.NewNotFoundError("tool", name).
			WithUserMessage(fmt.Sprintf("Sorry, I don't have a tool called '%s'.", name))
	}
	return h(ctx, userID, raw)
}

func apology(err error) string {
	return confirm.FailureText(err)
}

type searchArgs struct {
	Platform   string `json:"platform"`
	SearchTerm string `json:"search_term"`
}

type fetchArgs struct {
	Platform string `json:"platform"`
	ChatName string `json:"chat_name"`
	Limit    *int   `json:"limit,omitempty"`
}

type recentArgs struct {
	Platform string `json:"platform"`
	Start    string `json:"start"`
}

type sendArgs struct {
	Platform string `json:"platform"`
	ChatName string `json:"chat_name"`
	Message  string `json:"message"`
	ImageURL string `json:"image_url,omitempty"`
}

func decode(tool string, raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return appErrors.NewArgumentError(tool, err)
	}
	return nil
}

func required(tool, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return appErrors.NewArgumentError(tool, fmt.Errorf("%s is required", field))
	}
	return nil
}

// messagingPlatform accepts only platforms whose chats can be read and written.
func messagingPlatform(raw string) (models.Platform, error) {
	p, err := models.ParsePlatform(raw)
	if err != nil || !p.SupportsMessaging() {
		return "", appErrors.NewUnsupportedPlatformError(raw)
	}
	return p, nil
}

func (a *Adapter) searchChatContacts(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var args searchArgs
	if err := decode(SearchChatContactsName, raw, &args); err != nil {
		return "", err
	}
	if err := required(SearchChatContactsName, "search_term", args.SearchTerm); err != nil {
		return "", err
	}
	platform, err := messagingPlatform(args.Platform)
	if err != nil {
		return "", err
	}

	rooms, err := a.search.SearchRooms(ctx, userID, platform, args.SearchTerm)
	if err != nil {
		return "", err
	}
	if len(rooms) == 0 {
		return fmt.Sprintf("No %s contacts found matching '%s'.", platform.DisplayName(), args.SearchTerm), nil
	}

	lines := make([]string, len(rooms))
	for i, room := range rooms {
		lines[i] = room.CleanName
	}
	header := fmt.Sprintf("%s chats matching '%s':", platform.DisplayName(), args.SearchTerm)
	return numbered(header, lines, a.contactLimit), nil
}

func (a *Adapter) fetchChatMessages(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var args fetchArgs
	if err := decode(FetchChatMessagesName, raw, &args); err != nil {
		return "", err
	}
	if err := required(FetchChatMessagesName, "chat_name", args.ChatName); err != nil {
		return "", err
	}
	platform, err := messagingPlatform(args.Platform)
	if err != nil {
		return "", err
	}
	limit := 0
	if args.Limit != nil {
		limit = *args.Limit
	}

	msgs, err := a.fetch.FetchMessages(ctx, userID, platform, args.ChatName, limit)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("No messages found in %s on %s.", args.ChatName, platform.DisplayName()), nil
	}

	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = fmt.Sprintf("[%s] %s: %s", m.FormattedTimestamp, m.SenderDisplayName, bridge.Truncate(m.Content, constants.DefaultSMSBodyTruncateLength))
	}
	header := fmt.Sprintf("Messages in %s on %s, newest first:", msgs[0].RoomName, platform.DisplayName())
	return numbered(header, lines, a.messageLimit), nil
}

func (a *Adapter) fetchRecentMessages(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var args recentArgs
	if err := decode(FetchRecentMessagesName, raw, &args); err != nil {
		return "", err
	}
	if err := required(FetchRecentMessagesName, "start", args.Start); err != nil {
		return "", err
	}
	platform, err := messagingPlatform(args.Platform)
	if err != nil {
		return "", err
	}
	since, err := time.Parse(time.RFC3339, strings.TrimSpace(args.Start))
	if err != nil {
		return "", appErrors.NewArgumentError(FetchRecentMessagesName, err)
	}

	msgs, err := a.fetch.FetchRecentMessages(ctx, userID, platform, since)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("No new %s messages since %s.", platform.DisplayName(), since.UTC().Format("2006-01-02 15:04 MST")), nil
	}

	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = fmt.Sprintf("[%s] %s / %s: %s", m.FormattedTimestamp, m.RoomName, m.SenderDisplayName, bridge.Truncate(m.Content, constants.DefaultSMSBodyTruncateLength))
	}
	header := fmt.Sprintf("Recent %s messages, newest first:", platform.DisplayName())
	return numbered(header, lines, a.messageLimit), nil
}

func (a *Adapter) sendChatMessage(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var args sendArgs
	if err := decode(SendChatMessageName, raw, &args); err != nil {
		return "", err
	}
	if err := required(SendChatMessageName, "chat_name", args.ChatName); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Message) == "" && strings.TrimSpace(args.ImageURL) == "" {
		return "", appErrors.NewArgumentError(SendChatMessageName, fmt.Errorf("message is required"))
	}
	if err := validation.ValidateMessageBody(args.Message); err != nil {
		return "", err
	}
	platform, err := messagingPlatform(args.Platform)
	if err != nil {
		return "", err
	}
	return a.send.RequestSend(ctx, userID, platform, args.ChatName, args.Message, strings.TrimSpace(args.ImageURL))
}

// numbered renders a capped, 1-based list under header.
func numbered(header string, lines []string, max int) string {
	var b strings.Builder
	b.WriteString(header)
	shown := lines
	if max > 0 && len(lines) > max {
		shown = lines[:max]
	}
	for i, line := range shown {
		fmt.Fprintf(&b, "\n%d. %s", i+1, line)
	}
	if rest := len(lines) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\n+%d more", rest)
	}
	return b.String()
}
