package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/voice"
)

// speechEventBurst bounds how many transcription events a connection may
// send at once; the sustained rate is speechEventRate per second.
const (
	speechEventRate  = 50
	speechEventBurst = 100
)

// voiceFrame is an outbound message on the voice socket.
type voiceFrame struct {
	Type     string             `json:"type"` // response, error
	Query    string             `json:"query,omitempty"`
	Response *moe.FinalResponse `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// wsSpeechSource feeds decoded socket frames to a voice driver.
type wsSpeechSource struct {
	ch chan voice.SpeechEvent
}

func (s *wsSpeechSource) Subscribe() <-chan voice.SpeechEvent { return s.ch }

// handleVoice upgrades GET /api/v1/voice to a WebSocket carrying inbound
// SpeechEvent JSON frames and outbound response frames. Each connection
// owns one endpointing driver and one session id.
func (s *Server) handleVoice(c echo.Context) error {
	if s.chitchat == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "voice not available"})
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	sessionID := shortuuid.New()
	slog.Info("server: voice session opened", "session_id", sessionID)

	s.voiceSessions.Add(1)
	defer s.voiceSessions.Done()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	source := &wsSpeechSource{ch: make(chan voice.SpeechEvent, 16)}
	out := make(chan voiceFrame, 8)

	handler := func(q moe.Query, resp *moe.FinalResponse, err error) {
		frame := voiceFrame{Type: "response", Query: q.Text, Response: resp}
		if err != nil {
			frame = voiceFrame{Type: "error", Query: q.Text, Error: err.Error()}
		}
		select {
		case out <- frame:
		case <-ctx.Done():
		}
	}
	driver := voice.NewDriver(s.cfg, s.orch, s.chitchat, sessionID, handler)

	g, gctx := errgroup.WithContext(ctx)

	// Read pump: socket frames in, speech events out.
	g.Go(func() error {
		defer close(source.ch)
		limiter := rate.NewLimiter(rate.Limit(speechEventRate), speechEventBurst)
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				return nil // connection closed
			}
			if !limiter.Allow() {
				slog.Warn("server: voice event rate exceeded, closing", "session_id", sessionID)
				return conn.Close(websocket.StatusPolicyViolation, "event rate exceeded")
			}
			var ev voice.SpeechEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				slog.Warn("server: invalid voice frame", "session_id", sessionID, "error", err)
				continue
			}
			select {
			case source.ch <- ev:
			case <-gctx.Done():
				return nil
			}
		}
	})

	// Endpointing loop; returns when the source closes.
	g.Go(func() error {
		driver.Run(gctx, source)
		close(out)
		return nil
	})

	// Write pump.
	g.Go(func() error {
		for frame := range out {
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := conn.Write(gctx, websocket.MessageText, data); err != nil {
				return nil
			}
		}
		return nil
	})

	_ = g.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("server: voice session closed", "session_id", sessionID)
	return nil
}
