package assistant

import (
	"strings"
	"unicode"
)

// ParseItems extracts list entries from generated text. Bulleted lines
// ("- ", "* ", "• ") and numbered lines ("1. ", "2) ") count as items.
func ParseItems(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if item, ok := listItem(line); ok && item != "" {
			items = append(items, item)
		}
	}
	return items
}

func listItem(line string) (string, bool) {
	for _, bullet := range []string{"- ", "* ", "• "} {
		if rest, ok := strings.CutPrefix(line, bullet); ok {
			return strings.TrimSpace(rest), true
		}
	}
	digits := strings.IndexFunc(line, func(r rune) bool { return !unicode.IsDigit(r) })
	if digits <= 0 || digits+1 >= len(line) {
		return "", false
	}
	if (line[digits] == '.' || line[digits] == ')') && line[digits+1] == ' ' {
		return strings.TrimSpace(line[digits+2:]), true
	}
	return "", false
}
