package sandbox

import (
	"context"
	"errors"

	"github.com/docker/docker/errdefs"
)

// Engine error classes. The driver collapses the engine's error surface into
// four buckets so callers can branch without importing the Docker SDK.
type EngineErrorClass int

const (
	EngineOther EngineErrorClass = iota
	EngineNotFound
	EngineConflict
	EngineTimeout
)

// Classify maps an engine error to its class.
func Classify(err error) EngineErrorClass {
	switch {
	case err == nil:
		return EngineOther
	case errdefs.IsNotFound(err):
		return EngineNotFound
	case errdefs.IsConflict(err):
		return EngineConflict
	case errors.Is(err, context.DeadlineExceeded):
		return EngineTimeout
	default:
		return EngineOther
	}
}

// IsNotFound reports whether the error means the container or image no
// longer exists.
func IsNotFound(err error) bool {
	return Classify(err) == EngineNotFound
}

// IsConflict reports whether the error is an engine conflict, e.g. a removal
// already in progress.
func IsConflict(err error) bool {
	return Classify(err) == EngineConflict
}
