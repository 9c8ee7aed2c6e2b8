package voice

import (
	"strings"
	"time"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/selector"
)

// Completeness grades how finished a buffered utterance sounds.
type Completeness int

const (
	Incomplete Completeness = iota
	Ambiguous
	Complete
)

func (c Completeness) String() string {
	switch c {
	case Incomplete:
		return "incomplete"
	case Ambiguous:
		return "ambiguous"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Decision is the endpointing verdict for the current buffer.
type Decision int

const (
	// ContinueBuffering keeps accumulating fragments; the utterance is
	// clearly unfinished.
	ContinueBuffering Decision = iota
	// Wait holds until silence crosses the threshold for the current
	// completeness grade.
	Wait
	// Endpoint flushes the buffer as one query.
	Endpoint
)

func (d Decision) String() string {
	switch d {
	case ContinueBuffering:
		return "continue"
	case Wait:
		return "wait"
	case Endpoint:
		return "endpoint"
	default:
		return "unknown"
	}
}

// questionWords open interrogative sentences.
var questionWords = map[string]bool{
	"what": true, "where": true, "when": true, "who": true, "whom": true,
	"whose": true, "why": true, "how": true, "which": true,
	"can": true, "could": true, "would": true, "will": true, "should": true,
	"is": true, "are": true, "do": true, "does": true, "did": true,
}

// verbLexicon covers the verbs that dominate assistant queries; suffix
// heuristics in hasPredicate catch the regular rest.
var verbLexicon = map[string]bool{
	"is": true, "are": true, "was": true, "were": true, "am": true,
	"be": true, "been": true, "do": true, "does": true, "did": true,
	"have": true, "has": true, "had": true, "can": true, "could": true,
	"will": true, "would": true, "should": true, "shall": true, "may": true,
	"might": true, "must": true, "show": true, "find": true, "get": true,
	"give": true, "tell": true, "go": true, "make": true, "need": true,
	"want": true, "see": true, "look": true, "search": true, "sort": true,
	"book": true, "order": true, "take": true, "bring": true, "help": true,
	"play": true, "open": true, "close": true, "turn": true, "set": true,
	"list": true, "recommend": true, "compare": true, "call": true,
	"send": true, "read": true, "write": true, "check": true, "know": true,
	"think": true, "mean": true, "say": true, "remind": true, "add": true,
}

// trailingConnectives earn the score penalty when a sentence ends on them.
var trailingConnectives = map[string]bool{
	"and": true, "or": true, "but": true, "so": true, "because": true,
	"with": true, "to": true, "of": true, "for": true, "in": true,
	"on": true, "at": true, "by": true, "from": true, "about": true,
	"near": true, "into": true, "over": true, "under": true,
}

// AssessCompleteness grades a buffered utterance. enders is the configured
// set of tokens that mark an utterance as clearly unfinished when they end
// it (conjunctions, prepositions, determiners, object pronouns).
func AssessCompleteness(text string, enders []string) Completeness {
	tokens := selector.Tokenize(text)
	if len(tokens) < 3 {
		return Incomplete
	}
	last := tokens[len(tokens)-1]
	for _, e := range enders {
		if last == e {
			return Incomplete
		}
	}

	score := completenessScore(text, tokens, last)
	switch {
	case score > 0.8:
		return Complete
	case score < 0.5:
		return Incomplete
	default:
		return Ambiguous
	}
}

func completenessScore(text string, tokens []string, last string) float64 {
	var score float64
	if hasPredicate(tokens) {
		score += 0.4
	}
	if questionWords[tokens[0]] && len(tokens) >= 3 {
		score += 0.3
	} else if len(tokens) >= 5 {
		score += 0.3
	}
	if endsWithTerminator(text) {
		score += 0.2
	}
	if trailingConnectives[last] {
		score -= 0.3
	}
	return score
}

func hasPredicate(tokens []string) bool {
	for _, t := range tokens {
		if verbLexicon[t] {
			return true
		}
		if len(t) > 4 && (strings.HasSuffix(t, "ing") || strings.HasSuffix(t, "ed")) {
			return true
		}
	}
	return false
}

func endsWithTerminator(text string) bool {
	trimmed := strings.TrimRight(text, " \t\n")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// Decide applies the endpointing decision table to the current buffer
// state: silence since the last text update and total buffered duration.
func Decide(c Completeness, silence, buffered time.Duration, cfg moe.Config) Decision {
	switch c {
	case Incomplete:
		if buffered > cfg.MaxBuffer {
			return Endpoint
		}
		return ContinueBuffering
	case Ambiguous:
		if silence >= cfg.MinSilenceAmbiguous {
			return Endpoint
		}
		return Wait
	default: // Complete
		if silence >= cfg.MinSilenceComplete {
			return Endpoint
		}
		return Wait
	}
}
