package moe

import "errors"

// Typed error kinds surfaced by the engine. Callers match them with
// errors.Is; RouteQuery returns exactly one of ErrInvalidQuery,
// ErrEmptyRegistry, ErrCancelled or ErrInternal when it does not return a
// response. Registration errors are returned by the registry at startup.
var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrEmptyRegistry     = errors.New("no experts registered")
	ErrDuplicateID       = errors.New("duplicate expert id")
	ErrInvalidDescriptor = errors.New("invalid expert descriptor")
	ErrCancelled         = errors.New("request cancelled")
	ErrInternal          = errors.New("internal orchestrator error")
)
