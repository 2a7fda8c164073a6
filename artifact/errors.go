package artifact

import "errors"

var (
	// ErrNotFound covers both absent records and records the caller may not
	// see; the two are collapsed so lookups cannot leak existence.
	ErrNotFound = errors.New("artifact not found")
	ErrExpired  = errors.New("artifact expired")

	ErrBackendTimeout     = errors.New("blob backend timeout")
	ErrBackendUnavailable = errors.New("blob backend unavailable")

	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrValidation    = errors.New("invalid request")
	ErrPackaging     = errors.New("packaging failed")

	ErrVersionConflict = errors.New("version token conflict")
	ErrLeaseConflict   = errors.New("lease conflict")

	ErrMaintenanceRunning = errors.New("maintenance sweep already running")
)
