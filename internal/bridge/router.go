package bridge

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"lightfriend/internal/matrix"
	"lightfriend/internal/models"

	"maunium.net/go/mautrix/event"
)

// ActionKind is what a bridge bot reply means for the connection.
type ActionKind int

const (
	ActionLoginSucceeded ActionKind = iota + 1
	ActionLoginFailed
	ActionBridgeDisconnected
)

func (k ActionKind) String() string {
	switch k {
	case ActionLoginSucceeded:
		return "login_succeeded"
	case ActionLoginFailed:
		return "login_failed"
	case ActionBridgeDisconnected:
		return "bridge_disconnected"
	default:
		return "unknown"
	}
}

// Action is a routed bridge bot reply. Reason carries the bot's text for failures.
type Action struct {
	Kind   ActionKind
	Reason string
}

// RoomMessageRouter classifies events from a bridge management room.
type RoomMessageRouter interface {
	Route(evt matrix.Event) (Action, bool)
}

// Router returns the platform's RoomMessageRouter.
func (r *Registry) Router(p models.Platform) (RoomMessageRouter, error) {
	spec, err := r.Spec(p)
	if err != nil {
		return nil, err
	}
	base := phraseRouter{spec: spec}
	switch p {
	case models.PlatformInstagram:
		return instagramRouter{phraseRouter: base}, nil
	case models.PlatformWhatsApp:
		return whatsappRouter{phraseRouter: base}, nil
	default:
		return base, nil
	}
}

// phraseRouter matches bot text against the platform's phrase sets. An
// affirmed success phrase wins over disconnect, which wins over the error
// keywords.
type phraseRouter struct {
	spec *PlatformSpec
}

func (r phraseRouter) Route(evt matrix.Event) (Action, bool) {
	body, ok := r.botText(evt)
	if !ok {
		return Action{}, false
	}
	lower := strings.ToLower(body)

	if affirmsAny(lower, r.spec.SuccessPhrases) {
		return Action{Kind: ActionLoginSucceeded}, true
	}
	if containsAny(lower, r.spec.DisconnectPhrases) {
		return Action{Kind: ActionBridgeDisconnected, Reason: body}, true
	}
	if containsAny(lower, r.spec.ErrorKeywords) {
		return Action{Kind: ActionLoginFailed, Reason: body}, true
	}
	return Action{}, false
}

func (r phraseRouter) botText(evt matrix.Event) (string, bool) {
	if !evt.IsMessage() || !r.spec.IsBot(evt.Sender) {
		return "", false
	}
	if evt.MsgType != event.MsgText && evt.MsgType != event.MsgNotice {
		return "", false
	}
	body := strings.TrimSpace(evt.Body)
	return body, body != ""
}

// whatsappRouter treats the bridge's QR refresh expiry as a failed login.
type whatsappRouter struct {
	phraseRouter
}

func (r whatsappRouter) Route(evt matrix.Event) (Action, bool) {
	if body, ok := r.botText(evt); ok && strings.Contains(strings.ToLower(body), "qr code expired") {
		return Action{Kind: ActionLoginFailed, Reason: body}, true
	}
	return r.phraseRouter.Route(evt)
}

// instagramRouter fails logins that hit an account checkpoint, which the
// bridge reports without any of the generic error keywords.
type instagramRouter struct {
	phraseRouter
}

func (r instagramRouter) Route(evt matrix.Event) (Action, bool) {
	if body, ok := r.botText(evt); ok {
		lower := strings.ToLower(body)
		if strings.Contains(lower, "checkpoint") || strings.Contains(lower, "challenge required") {
			return Action{Kind: ActionLoginFailed, Reason: body}, true
		}
	}
	return r.phraseRouter.Route(evt)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// negations void a success phrase when they are the word right before it.
var negations = map[string]bool{"not": true, "never": true, "no": true}

// affirmsAny reports whether s carries one of phrases as whole words and not
// directly negated, so "unsuccessful login" and "not successfully logged in"
// do not count.
func affirmsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && affirms(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func affirms(s, phrase string) bool {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(phrase)
		from = start + 1

		if start > 0 {
			if r, _ := utf8.DecodeLastRuneInString(s[:start]); isWordRune(r) {
				continue
			}
		}
		if end < len(s) {
			if r, _ := utf8.DecodeRuneInString(s[end:]); isWordRune(r) {
				continue
			}
		}
		if negations[lastWord(s[:start])] {
			continue
		}
		return true
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lastWord(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return !isWordRune(r) && r != '\'' })
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
