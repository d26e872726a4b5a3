package chat

import (
	"strings"

	"securechat/internal/models"
)

// IntentKind is the routing decision for a submitted message.
type IntentKind int

const (
	RegularMessage IntentKind = iota
	AssistantQuery
)

const assistantMention = "@ai"

// Intent is decided once per submission.
type Intent struct {
	Kind  IntentKind
	Query string
}

// ClassifyIntent routes plaintext messages that mention @ai as a standalone
// word to the assistant. Encrypted messages are opaque and always regular.
func ClassifyIntent(p models.SendMessagePayload) Intent {
	if p.IsEncrypted {
		return Intent{Kind: RegularMessage}
	}
	if query, ok := AssistantQueryText(p.Content); ok {
		return Intent{Kind: AssistantQuery, Query: query}
	}
	return Intent{Kind: RegularMessage}
}

// AssistantQueryText reports whether text mentions @ai and returns the text
// with the mention removed. A bare mention with nothing to ask is not a query.
func AssistantQueryText(text string) (string, bool) {
	words := strings.Fields(text)
	rest := make([]string, 0, len(words))
	mentioned := false
	for _, w := range words {
		if strings.EqualFold(strings.TrimRight(w, ",.:;!?"), assistantMention) {
			mentioned = true
			continue
		}
		rest = append(rest, w)
	}
	if !mentioned || len(rest) == 0 {
		return "", false
	}
	return strings.Join(rest, " "), true
}
