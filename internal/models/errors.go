package models

import "errors"

var (
	// ErrMediaAccessDenied means local capture never produced a track.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrStoreUnavailable means a pool or session write was rejected.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTransportFailure means the peer transport disconnected or failed.
	ErrTransportFailure = errors.New("transport failure")
	// ErrInvalidEnvelope is returned for relay messages that fail validation.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrInvalidSkills is returned when a pool entry has no usable skills.
	ErrInvalidSkills = errors.New("at least one possessed and one wanted skill is required")
	// ErrNotFound is returned by point queries that match nothing.
	ErrNotFound = errors.New("not found")
)
