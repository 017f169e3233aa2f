package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/internal/provider"
)

const (
	titleMaxRunes    = 48
	titleFallbackLen = 32
	titleTimeout     = 30 * time.Second
)

// titleStopwords are generated titles too generic to keep.
var titleStopwords = map[string]bool{
	"new chat":     true,
	"chat":         true,
	"conversation": true,
	"title":        true,
	"untitled":     true,
}

const titlePrompt = "Write a short title (at most 6 words) for a conversation that starts with the following message. Reply with the title only, no quotes, no punctuation at the end.\n\nMessage:\n"

// GenerateTitle asks the model for a session title based on the first user
// message. Falls back to a truncation of the message itself when the model
// output is unusable.
func GenerateTitle(ctx context.Context, client provider.Client, modelID, firstUserText string) string {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	raw, err := client.Chat(ctx, modelID, []provider.ChatMessage{
		{Role: "user", Content: titlePrompt + snipText(firstUserText, 500)},
	}, map[string]any{"think": false, "temperature": 0.3, "num_predict": 32})
	if err != nil {
		logger.Warn("Title generation failed", "error", err)
		return fallbackTitle(firstUserText)
	}

	title := sanitizeTitle(raw)
	if title == "" {
		return fallbackTitle(firstUserText)
	}
	return title
}

// sanitizeTitle normalizes model output into a usable title, or returns ""
// when it is unusable.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	// Models love to quote their own answer.
	title = strings.Trim(title, "\"'`“”‘’")
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return ""
	}
	if titleStopwords[strings.ToLower(title)] {
		return ""
	}
	return snipText(title, titleMaxRunes)
}

// fallbackTitle derives a title from the first user message.
func fallbackTitle(firstUserText string) string {
	text := strings.Join(strings.Fields(firstUserText), " ")
	if text == "" {
		return ""
	}
	return snipText(text, titleFallbackLen)
}

// snipText truncates to n runes with an ellipsis.
func snipText(s string, n int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return strings.TrimRight(string(runes[:n]), " \t\n") + "…"
}
