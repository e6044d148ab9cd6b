// Package tools exposes the bridge gateway to the assistant's tool-calling
// loop. Every call returns plain SMS-sized text, including failures.
package tools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	SearchChatContactsName  = "search_chat_contacts"
	FetchChatMessagesName   = "fetch_chat_messages"
	FetchRecentMessagesName = "fetch_recent_messages"
	SendChatMessageName     = "send_chat_message"
)

func platformProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"enum":        []string{"telegram", "whatsapp", "signal"},
		"description": "Chat platform the bridge connects to.",
	}
}

var (
	SearchChatContacts = &mcp.Tool{
		Name:        SearchChatContactsName,
		Description: "Search the user's bridged chats on a platform by name. Returns the closest matches, best first.",
		Annotations: &mcp.ToolAnnotations{Title: "Search Chat Contacts", ReadOnlyHint: true},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"platform": platformProperty(),
				"search_term": map[string]any{
					"type":        "string",
					"description": "Full or partial chat or contact name, e.g. 'mum' or 'john doe'.",
				},
			},
			"required": []string{"platform", "search_term"},
		},
	}

	FetchChatMessages = &mcp.Tool{
		Name:        FetchChatMessagesName,
		Description: "Fetch the latest messages from one chat, newest first. The chat name may be approximate.",
		Annotations: &mcp.ToolAnnotations{Title: "Fetch Chat Messages", ReadOnlyHint: true},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"platform": platformProperty(),
				"chat_name": map[string]any{
					"type":        "string",
					"description": "Name of the chat to read.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     100,
					"description": "Maximum number of messages to fetch (default 20).",
				},
			},
			"required": []string{"platform", "chat_name"},
		},
	}

	FetchRecentMessages = &mcp.Tool{
		Name:        FetchRecentMessagesName,
		Description: "Fetch messages received across the user's most active chats on a platform since a point in time, newest first.",
		Annotations: &mcp.ToolAnnotations{Title: "Fetch Recent Messages", ReadOnlyHint: true},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"platform": platformProperty(),
				"start": map[string]any{
					"type":        "string",
					"format":      "date-time",
					"description": "RFC 3339 timestamp, e.g. 2024-03-16T00:00:00Z.",
				},
			},
			"required": []string{"platform", "start"},
		},
	}

	SendChatMessage = &mcp.Tool{
		Name:        SendChatMessageName,
		Description: "Send a message to a chat. Depending on the user's settings the message is sent right away or after the user replies yes to a confirmation text.",
		Annotations: &mcp.ToolAnnotations{Title: "Send Chat Message"},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"platform": platformProperty(),
				"chat_name": map[string]any{
					"type":        "string",
					"description": "Name of the chat to send to.",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Text to send.",
				},
				"image_url": map[string]any{
					"type":        "string",
					"description": "Optional public http(s) URL of an image or file to attach.",
				},
			},
			"required": []string{"platform", "chat_name", "message"},
		},
	}
)

// All returns the tool definitions in a stable order.
func All() []*mcp.Tool {
	return []*mcp.Tool{SearchChatContacts, FetchChatMessages, FetchRecentMessages, SendChatMessage}
}
