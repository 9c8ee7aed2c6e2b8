// Package voice converts a stream of speech-to-text fragments into
// well-formed queries using semantic endpointing: instead of flushing after
// a fixed silence, the driver grades how finished the buffered utterance
// sounds and holds back fragments of incomplete sentences, so long queries
// are not fragmented across requests.
package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/selector"
)

// SpeechEventKind classifies a transcription fragment.
type SpeechEventKind string

const (
	// Interim is a low-latency preliminary guess; it resets the silence
	// clock but is not buffered.
	Interim SpeechEventKind = "INTERIM"
	// Final is an authoritative fragment appended to the utterance buffer.
	Final SpeechEventKind = "FINAL"
	// EndOfSpeech signals the source detected the speaker stopped.
	EndOfSpeech SpeechEventKind = "END_OF_SPEECH"
)

// SpeechEvent is one item from the transcription feed.
type SpeechEvent struct {
	Kind      SpeechEventKind `json:"kind"`
	Text      string          `json:"text"`
	ArrivedAt time.Time       `json:"arrived_at"`
}

// SpeechSource delivers transcription events. The channel closing ends the
// driver's run.
type SpeechSource interface {
	Subscribe() <-chan SpeechEvent
}

// Router receives the completed utterances. The orchestrator satisfies
// this.
type Router interface {
	RouteQuery(ctx context.Context, q moe.Query) (*moe.FinalResponse, error)
}

// ResponseHandler receives the outcome of each dispatched query.
type ResponseHandler func(q moe.Query, resp *moe.FinalResponse, err error)

// Driver runs the endpointing loop for one voice session. Not safe for
// concurrent Run calls; one driver per session.
type Driver struct {
	cfg       moe.Config
	router    Router
	chitchat  *selector.ChitchatClassifier
	handler   ResponseHandler
	sessionID string
	now       func() time.Time

	fragments      []string
	utteranceStart time.Time
	lastTextAt     time.Time

	dispatches sync.WaitGroup
}

// NewDriver builds a driver for one session. chitchat must be the same
// classifier the selector uses so voice and text agree on the fast path;
// handler may be nil when the caller does not care about responses.
func NewDriver(cfg moe.Config, router Router, chitchat *selector.ChitchatClassifier, sessionID string, handler ResponseHandler) *Driver {
	return &Driver{
		cfg:       cfg,
		router:    router,
		chitchat:  chitchat,
		handler:   handler,
		sessionID: sessionID,
		now:       time.Now,
	}
}

// Run consumes the source until its channel closes or ctx ends. A non-empty
// buffer is flushed on stream end. Run returns after all in-flight
// dispatches complete.
func (d *Driver) Run(ctx context.Context, source SpeechSource) {
	events := source.Subscribe()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	defer d.dispatches.Wait()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if len(d.fragments) > 0 {
					d.flush(ctx, "stream ended")
				}
				return
			}
			d.handleEvent(ctx, ev, timer)
		case <-timer.C:
			d.evaluate(ctx, timer)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) handleEvent(ctx context.Context, ev SpeechEvent, timer *time.Timer) {
	at := ev.ArrivedAt
	if at.IsZero() {
		at = d.now()
	}

	switch ev.Kind {
	case Interim:
		if strings.TrimSpace(ev.Text) != "" {
			d.lastTextAt = at
		}
		return
	case EndOfSpeech:
		if len(d.fragments) > 0 {
			d.flush(ctx, "end of speech")
		}
		stopTimer(timer)
		return
	case Final:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		if len(d.fragments) == 0 {
			d.utteranceStart = at
		}
		d.fragments = append(d.fragments, text)
		d.lastTextAt = at

		// Chitchat never waits: a final with conversational text is a
		// finished utterance by definition.
		if d.chitchat != nil && d.chitchat.IsChitchat(d.buffered()) {
			d.flush(ctx, "chitchat")
			stopTimer(timer)
			return
		}
		d.evaluate(ctx, timer)
	}
}

// evaluate applies the decision table to the current buffer and either
// flushes or arms the timer for the moment silence will cross the next
// threshold.
func (d *Driver) evaluate(ctx context.Context, timer *time.Timer) {
	if len(d.fragments) == 0 {
		stopTimer(timer)
		return
	}

	now := d.now()
	silence := now.Sub(d.lastTextAt)
	buffered := now.Sub(d.utteranceStart)
	completeness := AssessCompleteness(d.buffered(), d.cfg.IncompleteEnders)
	decision := Decide(completeness, silence, buffered, d.cfg)

	slog.Debug("voice: endpointing decision",
		"session_id", d.sessionID,
		"completeness", completeness.String(),
		"decision", decision.String(),
		"silence_ms", silence.Milliseconds(),
		"buffer_ms", buffered.Milliseconds())

	switch decision {
	case Endpoint:
		d.flush(ctx, completeness.String())
		stopTimer(timer)
	case Wait:
		threshold := d.cfg.MinSilenceComplete
		if completeness == Ambiguous {
			threshold = d.cfg.MinSilenceAmbiguous
		}
		resetTimer(timer, threshold-silence)
	case ContinueBuffering:
		// Only the safety cap can force an endpoint from here.
		resetTimer(timer, d.cfg.MaxBuffer-buffered)
	}
}

// flush dispatches the buffered utterance as one query and resets the
// buffer. Dispatch runs in its own goroutine so a slow pipeline does not
// stall endpointing of the next utterance.
func (d *Driver) flush(ctx context.Context, reason string) {
	text := d.buffered()
	d.fragments = nil

	q := moe.Query{
		Text:        text,
		SubmittedAt: d.now(),
		Context:     map[string]any{"session_id": d.sessionID},
	}
	slog.Info("voice: utterance endpointed",
		"session_id", d.sessionID, "reason", reason, "chars", len(text))

	d.dispatches.Add(1)
	go func() {
		defer d.dispatches.Done()
		resp, err := d.router.RouteQuery(ctx, q)
		if err != nil {
			slog.Warn("voice: query routing failed", "session_id", d.sessionID, "error", err)
		}
		if d.handler != nil {
			d.handler(q, resp, err)
		}
	}()
}

func (d *Driver) buffered() string {
	return strings.Join(d.fragments, " ")
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
