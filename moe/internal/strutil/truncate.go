// Package strutil provides string helpers shared across the engine.
package strutil

// Truncate shortens a string to at most maxLen runes, appending an ellipsis
// when anything was cut. Rune-level slicing keeps multi-byte characters
// intact. Returns "" when maxLen <= 0.
func Truncate(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
