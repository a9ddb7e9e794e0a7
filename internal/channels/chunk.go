package channels

import (
	"fmt"
	"strings"

	"github.com/camino-travel/switchboard/pkg/models"
)

// ChunkText splits text into pieces within the transport's size limit,
// preferring newline then space break points.
func ChunkText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > limit {
		window := remaining[:limit]

		breakIdx := -1
		if idx := strings.LastIndexByte(window, '\n'); idx > 0 {
			breakIdx = idx
		} else if idx := strings.LastIndexByte(window, ' '); idx > 0 {
			breakIdx = idx
		}
		if breakIdx <= 0 {
			breakIdx = limit
		}

		chunk := strings.TrimRight(remaining[:breakIdx], " \n\t")
		if len(chunk) > 0 {
			chunks = append(chunks, chunk)
		}

		nextStart := breakIdx
		if breakIdx < len(remaining) && (remaining[breakIdx] == '\n' || remaining[breakIdx] == ' ') {
			nextStart++
		}
		remaining = strings.TrimLeft(remaining[nextStart:], " \n\t")
	}

	if len(remaining) > 0 {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// NumberedFallback renders quick replies as a numbered list appended to the
// prompt, for transports without a native button concept or when the count
// exceeds the transport cap.
func NumberedFallback(text string, replies []models.QuickReply) string {
	if len(replies) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for i, qr := range replies {
		fmt.Fprintf(&b, "\n%d. %s", i+1, qr.Title)
	}
	return b.String()
}

// ClipRunes truncates s to at most max runes, for transport title limits.
func ClipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
