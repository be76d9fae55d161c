package logger

import (
	"strings"
	"unicode/utf8"
)

// PreviewLimit bounds message payloads echoed into logs.
const PreviewLimit = 240

// Preview returns a bounded log-safe preview of a message payload.
func Preview(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if len(trimmed) <= PreviewLimit {
		return trimmed
	}

	cut := PreviewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}

	return trimmed[:cut] + "..."
}
