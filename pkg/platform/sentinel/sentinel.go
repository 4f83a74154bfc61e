package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and platform adapters return
// these (optionally wrapped) so the pipeline can classify a failed run without
// depending on driver-specific error types.
//
// - ErrUnavailable: database, cache or broker could not be reached
// - ErrInvalidState: component used before it was initialised (e.g. sampling before the raster is loaded)
// - ErrInProgress: a guarded operation is already running
var (
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidState = errors.New("invalid state")
	ErrInProgress   = errors.New("already in progress")
)
