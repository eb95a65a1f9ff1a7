package session

import "errors"

// Sentinel errors returned by the session manager. Callers match these with
// errors.Is; wrapped variants carry the path or cause.
var (
	// ErrModelNotFound reports a model or projector path that does not
	// resolve to a local file.
	ErrModelNotFound = errors.New("session: model file not found")

	// ErrLoadFailed reports that every attempt in the load waterfall failed.
	ErrLoadFailed = errors.New("session: model load failed")

	// ErrNoModelLoaded reports an operation that needs a loaded model.
	ErrNoModelLoaded = errors.New("session: no model loaded")

	// ErrGenerationBusy reports a second generation started while one is
	// already in flight.
	ErrGenerationBusy = errors.New("session: generation already in progress")
)
