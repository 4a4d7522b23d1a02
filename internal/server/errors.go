package server

import (
	"errors"

	"github.com/kstaniek/go-csp-server/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrNoListener    = errors.New("no listener")
	ErrUnhandledPort = errors.New("unhandled port")
	ErrEmptyPayload  = errors.New("empty payload")
	ErrReply         = errors.New("reply")
	ErrContext       = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrReply):
		return metrics.ErrReply
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
