package mixer

import (
	"fmt"
	"regexp"
)

// MapIntentDetector recognizes queries that ask for a map view. It is a
// pure function over the query text, kept behind a named type so the rules
// are testable and swappable in one place.
type MapIntentDetector struct {
	patterns []*regexp.Regexp
}

// NewMapIntentDetector compiles the configured patterns.
func NewMapIntentDetector(patterns []string) (*MapIntentDetector, error) {
	d := &MapIntentDetector{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("map intent pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// Detect reports whether the query asks for a map.
func (d *MapIntentDetector) Detect(queryText string) bool {
	for _, re := range d.patterns {
		if re.MatchString(queryText) {
			return true
		}
	}
	return false
}
