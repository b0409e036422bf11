package worker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/shineum/agent-hub/internal/envelope"
)

// Handler processes one envelope and returns the reply payload, or nil when
// no reply should be sent.
type Handler func(env *envelope.Envelope) any

// summaryWidth is the maximum length of a summarize reply, placeholder included.
const summaryWidth = 100

// builtinHandlers constructs the intent dispatch table. The help handler
// closes over the finished map so it can list every registered name,
// including its own aliases.
func builtinHandlers() map[string]Handler {
	handlers := map[string]Handler{
		"ping": handlePing,
		"echo": handleEcho,
		"summarize": func(env *envelope.Envelope) any {
			return map[string]any{"summary": shorten(payloadText(env), summaryWidth, "…")}
		},
	}

	help := func(*envelope.Envelope) any {
		names := make([]string, 0, len(handlers))
		for name := range handlers {
			names = append(names, name)
		}
		sort.Strings(names)
		return map[string]any{"intents": names}
	}
	handlers["help"] = help
	handlers["list-intents"] = help

	return handlers
}

func handlePing(*envelope.Envelope) any {
	return map[string]any{"pong": true}
}

func handleEcho(env *envelope.Envelope) any {
	return map[string]any{"echo": payloadText(env)}
}

// payloadText extracts the text an intent operates on: the "text" field of
// an object payload when it is a string, the whole object as JSON otherwise,
// or the string payload itself.
func payloadText(env *envelope.Envelope) string {
	switch p := env.Payload.(type) {
	case map[string]any:
		if text, ok := p["text"].(string); ok {
			return text
		}
		encoded, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(encoded)
	case string:
		return p
	default:
		return fmt.Sprintf("%v", p)
	}
}

// shorten collapses whitespace and truncates text at a word boundary so the
// result, placeholder included, fits in width runes.
func shorten(text string, width int, placeholder string) string {
	words := strings.Fields(text)
	collapsed := strings.Join(words, " ")
	if utf8.RuneCountInString(collapsed) <= width {
		return collapsed
	}

	budget := width - utf8.RuneCountInString(placeholder)
	var kept []string
	length := 0
	for _, word := range words {
		need := utf8.RuneCountInString(word)
		if len(kept) > 0 {
			need++
		}
		if length+need > budget {
			break
		}
		kept = append(kept, word)
		length += need
	}
	if len(kept) == 0 {
		return placeholder
	}
	return strings.Join(kept, " ") + placeholder
}
