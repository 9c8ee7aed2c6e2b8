package moe

import (
	"fmt"
	"regexp"
	"time"
)

// SelectionStrategy names the expert selection algorithm.
type SelectionStrategy string

const (
	StrategyKeyword   SelectionStrategy = "keyword"
	StrategyEmbedding SelectionStrategy = "embedding"
	StrategyHybrid    SelectionStrategy = "hybrid"
)

// Config carries every tunable of the engine. Durations replace the
// millisecond integers of the wire-level configuration; the CLI converts on
// load. Construct with DefaultConfig and override, then Validate once at
// startup.
type Config struct {
	// Selection.
	MaxExperts        int
	SelectionStrategy SelectionStrategy
	SimilarityFloor   float32
	FastPathTag       string

	// Execution.
	ExpertTimeout        time.Duration
	RequestDeadline      time.Duration
	FastPathDeadline     time.Duration
	CancelGrace          time.Duration
	MaxConcurrentExperts int
	AdmissionWait        time.Duration

	// Cache.
	CacheEnabled     bool
	CacheTTL         time.Duration
	CacheMaxEntries  int // 0 = unbounded
	CacheContextKeys []string
	CachePersistPath string

	// Tracing.
	TraceBufferMax int

	// Voice endpointing.
	MinSilenceAmbiguous time.Duration
	MinSilenceComplete  time.Duration
	MaxBuffer           time.Duration
	IncompleteEnders    []string

	// Classification and mixing.
	ChitchatPatterns     []string
	ChitchatAffirmations []string
	MapIntentPatterns    []string
	FastPathFailFallback string
	AllFailedFallback    string

	// Limits.
	MaxQueryLen int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxExperts:        3,
		SelectionStrategy: StrategyHybrid,
		SimilarityFloor:   0.2,
		FastPathTag:       "chitchat",

		ExpertTimeout:        20 * time.Second,
		RequestDeadline:      30 * time.Second,
		FastPathDeadline:     3 * time.Second,
		CancelGrace:          500 * time.Millisecond,
		MaxConcurrentExperts: 16,
		AdmissionWait:        time.Second,

		CacheEnabled:     true,
		CacheTTL:         5 * time.Minute,
		CacheMaxEntries:  1024,
		CacheContextKeys: []string{"session_id"},

		TraceBufferMax: 1024,

		MinSilenceAmbiguous: 600 * time.Millisecond,
		MinSilenceComplete:  1000 * time.Millisecond,
		MaxBuffer:           30 * time.Second,
		IncompleteEnders: []string{
			"and", "or", "but", "so", "with", "to", "of", "for", "in", "on",
			"at", "by", "from", "about", "the", "a", "an", "my", "your",
			"his", "her", "their", "our", "that", "which", "me",
		},

		ChitchatPatterns: []string{
			`^(hi|hello|hey)\b`,
			`^how are you\b`,
			`^good (morning|afternoon|evening|night)\b`,
			`^(thanks|thank you)\b`,
			`^(bye|goodbye|see you)\b`,
			`^(ok|okay|yes|no|yep|nope|sure|cool|great|nice|got it)$`,
		},
		ChitchatAffirmations: []string{
			"ok", "okay", "yes", "yeah", "yep", "sure", "thanks", "cool",
			"great", "nice", "alright", "bye",
		},
		MapIntentPatterns: []string{
			`(?i)\bon (a|the) map\b`,
			`(?i)\bmap (view|of)\b`,
			`(?i)\bshow\b.*\bmap\b`,
		},
		FastPathFailFallback: "Sorry, I didn't catch that. Could you say it again?",
		AllFailedFallback:    "I couldn't reach any expert for that request. Please try again in a moment.",

		MaxQueryLen: 8192,
	}
}

// Validate reports the first configuration error. It never mutates c.
func (c *Config) Validate() error {
	if c.MaxExperts <= 0 {
		return fmt.Errorf("max_experts must be positive, got %d", c.MaxExperts)
	}
	switch c.SelectionStrategy {
	case StrategyKeyword, StrategyEmbedding, StrategyHybrid:
	default:
		return fmt.Errorf("unknown selection_strategy %q", c.SelectionStrategy)
	}
	if c.SimilarityFloor < 0 || c.SimilarityFloor > 1 {
		return fmt.Errorf("similarity_floor must be in [0,1], got %v", c.SimilarityFloor)
	}
	if c.ExpertTimeout <= 0 || c.RequestDeadline <= 0 || c.FastPathDeadline <= 0 {
		return fmt.Errorf("expert_timeout, request_deadline and fast_path_deadline must be positive")
	}
	if c.CancelGrace < 0 || c.AdmissionWait < 0 {
		return fmt.Errorf("cancel_grace and admission_wait must be non-negative")
	}
	if c.MaxConcurrentExperts < 0 {
		return fmt.Errorf("max_concurrent_experts must be non-negative, got %d", c.MaxConcurrentExperts)
	}
	if c.CacheTTL <= 0 && c.CacheEnabled {
		return fmt.Errorf("cache_ttl must be positive when the cache is enabled")
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("cache_max_entries must be non-negative, got %d", c.CacheMaxEntries)
	}
	if c.TraceBufferMax <= 0 {
		return fmt.Errorf("trace_buffer_max must be positive, got %d", c.TraceBufferMax)
	}
	if c.MinSilenceAmbiguous <= 0 || c.MinSilenceComplete <= 0 || c.MaxBuffer <= 0 {
		return fmt.Errorf("endpointing thresholds must be positive")
	}
	if c.MinSilenceComplete < c.MinSilenceAmbiguous {
		return fmt.Errorf("min_silence_complete (%v) must not be below min_silence_ambiguous (%v)",
			c.MinSilenceComplete, c.MinSilenceAmbiguous)
	}
	if c.MaxQueryLen <= 0 {
		return fmt.Errorf("max_query_len must be positive, got %d", c.MaxQueryLen)
	}
	for _, p := range c.ChitchatPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid chitchat pattern %q: %w", p, err)
		}
	}
	for _, p := range c.MapIntentPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid map intent pattern %q: %w", p, err)
		}
	}
	return nil
}
