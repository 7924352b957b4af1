package orchestrator

import (
	"errors"

	"github.com/basket/ctxstore/internal/store"
)

// JSON-RPC error codes surfaced on the wire. The -320xx range holds
// the domain errors; -32602/-32603 follow the JSON-RPC spec.
const (
	CodeInvalidParams      = -32602
	CodeInternal           = -32603
	CodeNotFound           = -32004
	CodeVersionConflict    = -32009
	CodeAlreadyResolved    = -32010
	CodeBackendUnavailable = -32011
)

// ParamError marks a request rejected before dispatch: unknown method,
// schema violation or malformed params.
type ParamError struct {
	msg string
}

func (e *ParamError) Error() string { return e.msg }

// ErrorCode maps a handler error to its JSON-RPC code.
func ErrorCode(err error) int {
	var pe *ParamError
	switch {
	case errors.As(err, &pe):
		return CodeInvalidParams
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return CodeVersionConflict
	case errors.Is(err, store.ErrAlreadyResolved):
		return CodeAlreadyResolved
	case errors.Is(err, store.ErrBackendUnavailable):
		return CodeBackendUnavailable
	default:
		return CodeInternal
	}
}
