package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// subscriberChanCap is the delivery buffer of one subscription channel.
// Lag is measured against the handle's event log, not this buffer.
const subscriberChanCap = 16

// Bus owns the live trace handles of in-flight requests and fans events out
// to process-level sinks. Emitters never block on subscribers: each
// subscriber drains the handle's event log at its own pace and is cut off
// with a single SUBSCRIBER_DROPPED event when it falls too far behind.
type Bus struct {
	mu        sync.RWMutex
	handles   map[string]*Handle
	waiters   map[string][]chan *Handle
	sinks     []Sink
	bufferMax int
}

// NewBus creates a bus. bufferMax is the number of events a subscriber may
// lag behind before being dropped.
func NewBus(bufferMax int) *Bus {
	if bufferMax <= 0 {
		bufferMax = 1024
	}
	return &Bus{
		handles:   make(map[string]*Handle),
		waiters:   make(map[string][]chan *Handle),
		bufferMax: bufferMax,
	}
}

// AddSink registers a process-level sink. Not safe to call concurrently
// with Open; wire sinks at startup.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Open starts a trace for the given request and publishes its handle.
// Opening an id that is already present supersedes the stale handle.
func (b *Bus) Open(requestID, queryText string) *Handle {
	h := &Handle{
		bus:       b,
		requestID: requestID,
		queryText: queryText,
		openedAt:  time.Now(),
		notify:    make(chan struct{}),
	}

	b.mu.Lock()
	b.handles[requestID] = h
	waiting := b.waiters[requestID]
	delete(b.waiters, requestID)
	b.mu.Unlock()

	for _, w := range waiting {
		w <- h // buffered, never blocks
	}
	return h
}

// Lookup returns the live handle for a request id, if any.
func (b *Bus) Lookup(requestID string) (*Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handles[requestID]
	return h, ok
}

// Drop unpublishes the handle. Subscriptions already attached keep draining
// buffered events; new subscribers no longer find the request.
func (b *Bus) Drop(requestID string) {
	b.mu.Lock()
	delete(b.handles, requestID)
	b.mu.Unlock()
}

// Subscribe attaches to the trace of the given request, waiting for it to
// open if necessary. Interest is registered before Subscribe returns, so a
// subscription taken ahead of routing observes the full trace even when
// the request seals and is dropped before the subscriber goroutine runs.
// The returned channel replays all events emitted so far in seq order, then
// streams live events; it closes when the trace is closed and drained, when
// the subscriber is dropped for lagging, or when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, requestID string) <-chan Event {
	ch := make(chan Event, subscriberChanCap)

	b.mu.Lock()
	h, found := b.handles[requestID]
	var waiter chan *Handle
	if !found {
		waiter = make(chan *Handle, 1)
		b.waiters[requestID] = append(b.waiters[requestID], waiter)
	}
	b.mu.Unlock()

	go func() {
		defer close(ch)
		if !found {
			select {
			case h = <-waiter:
			case <-ctx.Done():
				b.removeWaiter(requestID, waiter)
				return
			}
		}
		h.stream(ctx, ch, b.bufferMax)
	}()

	return ch
}

// removeWaiter unregisters a subscription whose ctx ended before the
// request opened.
func (b *Bus) removeWaiter(requestID string, waiter chan *Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[requestID]
	for i, w := range ws {
		if w == waiter {
			b.waiters[requestID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[requestID]) == 0 {
		delete(b.waiters, requestID)
	}
}

// emitToSinks delivers one event to every sink, sequentially, with panic
// isolation so a broken sink cannot take down an emitter.
func (b *Bus) emitToSinks(requestID string, e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("trace: sink panicked on event", "request_id", requestID, "panic", r)
				}
			}()
			s.OnEvent(requestID, e)
		}()
	}
}

func (b *Bus) closeToSinks(t *MoETrace) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("trace: sink panicked on close", "request_id", t.RequestID, "panic", r)
				}
			}()
			s.OnClose(t)
		}()
	}
}

// Handle is the per-request trace: an append-only event log plus the fields
// the orchestrator records before sealing.
type Handle struct {
	bus       *Bus
	requestID string
	queryText string
	openedAt  time.Time

	mu        sync.Mutex
	seq       uint64
	events    []Event
	notify    chan struct{} // closed and replaced on each append and on close
	closed    bool
	sealed    *MoETrace
	lateEmits int

	selected  []string
	rationale []string
	perExpert []ExpertSummary
	cacheHit  bool
}

// RequestID returns the id the handle was opened with.
func (h *Handle) RequestID() string { return h.requestID }

// OpenedAt returns the request's wall-clock start.
func (h *Handle) OpenedAt() time.Time { return h.openedAt }

// Emit appends an event with the next seq and the current timestamp, wakes
// subscribers, and forwards to bus sinks. Emits after Close are ignored
// (counted, logged once at seal time via the late-emit counter).
func (h *Handle) Emit(kind EventKind, payload map[string]any) Event {
	h.mu.Lock()
	if h.closed {
		h.lateEmits++
		h.mu.Unlock()
		return Event{}
	}
	h.seq++
	e := Event{Seq: h.seq, Kind: kind, Timestamp: time.Now(), Payload: payload}
	h.events = append(h.events, e)
	notify := h.notify
	h.notify = make(chan struct{})
	h.mu.Unlock()

	close(notify)
	h.bus.emitToSinks(h.requestID, e)
	return e
}

// RecordSelection stores the selected expert ids and per-expert rationale
// for the sealed trace.
func (h *Handle) RecordSelection(ids, rationale []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selected = append([]string(nil), ids...)
	h.rationale = append([]string(nil), rationale...)
}

// RecordResults stores the per-expert summaries for the sealed trace.
func (h *Handle) RecordResults(summaries []ExpertSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.perExpert = append([]ExpertSummary(nil), summaries...)
}

// MarkCacheHit flags the sealed trace as served from cache.
func (h *Handle) MarkCacheHit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cacheHit = true
}

// Events returns a snapshot of the events emitted so far.
func (h *Handle) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

// Close seals the trace and returns it. Further emits are ignored; attached
// subscribers drain the remaining buffered events and then their channels
// close. Close is idempotent.
func (h *Handle) Close() *MoETrace {
	h.mu.Lock()
	if h.closed {
		t := h.sealed
		h.mu.Unlock()
		return t
	}
	h.closed = true

	events := make([]Event, len(h.events))
	copy(events, h.events)

	t := &MoETrace{
		RequestID:         h.requestID,
		Query:             h.queryText,
		SelectedExpertIDs: h.selected,
		Rationale:         h.rationale,
		PerExpert:         h.perExpert,
		CacheHit:          h.cacheHit,
		LatencyMs:         time.Since(h.openedAt).Milliseconds(),
		Events:            events,
	}
	t.SelectionWindow, t.ExecutionWindow, t.MixingWindow = windowsFromEvents(h.openedAt, events)
	h.sealed = t

	notify := h.notify
	h.notify = make(chan struct{})
	late := h.lateEmits
	h.mu.Unlock()

	close(notify)
	if late > 0 {
		slog.Warn("trace: events emitted after close were ignored",
			"request_id", h.requestID, "count", late)
	}
	h.bus.closeToSinks(t)
	return t
}

// windowsFromEvents derives the selection, execution and mixing windows.
// The selection window starts at the request's wall-clock start.
func windowsFromEvents(openedAt time.Time, events []Event) (sel, exec, mix Window) {
	sel.Start = openedAt
	for _, e := range events {
		switch e.Kind {
		case SelectionEnd:
			if sel.End.IsZero() {
				sel.End = e.Timestamp
			}
		case ExpertBegin:
			if exec.Start.IsZero() || e.Timestamp.Before(exec.Start) {
				exec.Start = e.Timestamp
			}
		case ExpertEnd:
			if e.Timestamp.After(exec.End) {
				exec.End = e.Timestamp
			}
		case MixingBegin:
			if mix.Start.IsZero() {
				mix.Start = e.Timestamp
			}
		case MixingEnd:
			mix.End = e.Timestamp
		}
	}
	return sel, exec, mix
}

// stream drains the event log into ch, replaying history first and then
// following live appends. A subscriber lagging more than bufferMax events
// behind the log head receives one SUBSCRIBER_DROPPED event and is cut off.
func (h *Handle) stream(ctx context.Context, ch chan<- Event, bufferMax int) {
	var cursor uint64
	for {
		h.mu.Lock()
		head := h.seq
		closed := h.closed
		notify := h.notify
		lagged := head-cursor > uint64(bufferMax)
		var batch []Event
		if !lagged && cursor < head {
			// events are dense: events[i].Seq == i+1
			batch = make([]Event, head-cursor)
			copy(batch, h.events[cursor:head])
		}
		h.mu.Unlock()

		if lagged {
			dropped := Event{
				Seq:       head + 1,
				Kind:      SubscriberDropped,
				Timestamp: time.Now(),
				Payload:   map[string]any{"missed": head - cursor},
			}
			select {
			case ch <- dropped:
			case <-ctx.Done():
			}
			return
		}

		for _, e := range batch {
			select {
			case ch <- e:
				cursor = e.Seq
			case <-ctx.Done():
				return
			}
		}

		if closed && cursor == head {
			return
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return
		}
	}
}
