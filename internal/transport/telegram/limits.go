package telegram

import (
	"fmt"
	"unicode/utf8"

	"campaignd/internal/channel"
)

// Bot API limits.
const (
	maxTextRunes       = 4096
	maxCaptionRunes    = 1024
	maxPollQuestion    = 300
	maxPollOption      = 100
	maxCallbackDataLen = 64 // bytes
	maxButtonsPerRow   = 8
)

// checkRunes rejects s when it exceeds max runes. Content is never cut.
func checkRunes(field, s string, max int) error {
	if n := utf8.RuneCountInString(s); n > max {
		return channel.Rejected("", fmt.Sprintf("%s is %d characters; telegram allows %d", field, n, max))
	}
	return nil
}

func checkCallbackData(id string) error {
	if len(id) > maxCallbackDataLen {
		return channel.Rejected("", fmt.Sprintf("button id %q exceeds %d bytes", id, maxCallbackDataLen))
	}
	return nil
}

// rows splits buttons into rows of at most maxButtonsPerRow.
func rows[T any](items []T) [][]T {
	var out [][]T
	for len(items) > maxButtonsPerRow {
		out = append(out, items[:maxButtonsPerRow])
		items = items[maxButtonsPerRow:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
