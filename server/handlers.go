package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/polymind/polymind/internal/version"
	"github.com/polymind/polymind/moe"
)

// statusClientClosedRequest mirrors nginx's code for a caller that went
// away mid-request.
const statusClientClosedRequest = 499

// queryRequest is the body of POST /api/v1/queries and /queries/stream.
type queryRequest struct {
	Text    string         `json:"text"`
	Context map[string]any `json:"context,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
	}

	resp, err := s.orch.RouteQuery(c.Request().Context(), moe.Query{
		Text:        req.Text,
		Context:     req.Context,
		SubmittedAt: time.Now(),
	})
	if err != nil {
		return queryError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleExperts(c echo.Context) error {
	snapshot := s.orch.Registry().Snapshot()
	descriptors := make([]moe.ExpertDescriptor, 0, len(snapshot))
	for _, entry := range snapshot {
		descriptors = append(descriptors, entry.Descriptor)
	}
	return c.JSON(http.StatusOK, map[string]any{"experts": descriptors})
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
		"experts": s.orch.Registry().Len(),
		"cache":   s.orch.CacheStats(),
	})
}

// queryError maps the orchestrator's sentinel errors onto HTTP statuses.
func queryError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, moe.ErrInvalidQuery):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, moe.ErrEmptyRegistry):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, moe.ErrCancelled):
		return c.JSON(statusClientClosedRequest, errorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
