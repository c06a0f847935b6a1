package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and delivery components return
// these (optionally wrapped) so callers can branch with errors.Is:
// - ErrNotFound: record does not exist in store
// - ErrConflict: record with the same identity already exists
// - ErrInvalidState: record in wrong state for requested transition
// - ErrUnavailable: store, broker or cache temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
