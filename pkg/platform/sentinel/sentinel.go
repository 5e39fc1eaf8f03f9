package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Record stores, the idempotency store
// and the graph repository return these (optionally wrapped) so services can
// translate them into domain errors.
//
// These describe the state of a record, not a validation failure:
// - ErrNotFound: no record under the requested key
// - ErrConflict: a conditional create found an existing record
// - ErrInvalidState: record exists but is in the wrong state (e.g. terminal request)
// - ErrUnavailable: backend temporarily unavailable or CAS retries exhausted
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
