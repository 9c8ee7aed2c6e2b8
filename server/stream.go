package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/polymind/polymind/moe"
)

// handleQueryStream answers POST /api/v1/queries/stream with an SSE feed:
// every trace event of the request as `event: trace`, then exactly one
// `event: response` or `event: error` frame.
func (s *Server) handleQueryStream(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
	}

	ctx := c.Request().Context()
	q := moe.Query{
		ID:          s.orch.NextRequestID(),
		Text:        req.Text,
		Context:     req.Context,
		SubmittedAt: time.Now(),
	}

	// Subscribe before routing starts so replay catches the whole trace.
	events := s.orch.Bus().Subscribe(ctx, q.ID)

	type routed struct {
		resp *moe.FinalResponse
		err  error
	}
	result := make(chan routed, 1)
	go func() {
		resp, err := s.orch.RouteQuery(ctx, q)
		result <- routed{resp, err}
	}()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	var r routed
	var done bool
	for !done {
		select {
		case ev, ok := <-events:
			if !ok {
				r, done = <-result, true
				break
			}
			if err := writeSSE(res, "trace", ev); err != nil {
				// Client went away; routing finishes on its own context.
				<-result
				return nil
			}
		case r = <-result:
			done = true
		}
	}

	// A rejected query never opens a trace, so its subscription would
	// block forever; everything else seals the trace and the channel
	// closes after draining.
	if !errors.Is(r.err, moe.ErrInvalidQuery) {
		for ev := range events {
			if err := writeSSE(res, "trace", ev); err != nil {
				return nil
			}
		}
	}

	if r.err != nil {
		_ = writeSSE(res, "error", errorResponse{Error: r.err.Error()})
		return nil
	}
	_ = writeSSE(res, "response", r.resp)
	return nil
}

func writeSSE(res *echo.Response, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
