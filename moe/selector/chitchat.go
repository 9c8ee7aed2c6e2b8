package selector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// ChitchatClassifier decides whether a query is conversational small talk
// (greetings, acknowledgements, single-word affirmations). The same rules
// drive the selector's fast path and the voice driver's immediate-endpoint
// branch, so voice and text behave identically.
type ChitchatClassifier struct {
	patterns     []*regexp.Regexp
	affirmations []string
}

// NewChitchatClassifier compiles the configured patterns. Affirmations are
// matched with a Damerau-Levenshtein distance of at most 1 to tolerate STT
// misspellings ("okey", "thx" style single-edit slips).
func NewChitchatClassifier(patterns, affirmations []string) (*ChitchatClassifier, error) {
	c := &ChitchatClassifier{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("chitchat pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	for _, a := range affirmations {
		c.affirmations = append(c.affirmations, strings.ToLower(a))
	}
	return c, nil
}

// IsChitchat reports whether the normalized text matches a chitchat pattern
// or is a near-exact single-word affirmation.
func (c *ChitchatClassifier) IsChitchat(text string) bool {
	norm := normalizeUtterance(text)
	if norm == "" {
		return false
	}
	for _, re := range c.patterns {
		if re.MatchString(norm) {
			return true
		}
	}
	if !strings.ContainsRune(norm, ' ') {
		for _, a := range c.affirmations {
			if matchr.DamerauLevenshtein(norm, a) <= 1 {
				return true
			}
		}
	}
	return false
}

// normalizeUtterance lower-cases, strips punctuation and collapses
// whitespace, matching the classifier's pattern expectations.
func normalizeUtterance(text string) string {
	return strings.Join(Tokenize(text), " ")
}
