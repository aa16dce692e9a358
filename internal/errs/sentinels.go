// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing, expired or non-admin session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidPost indicates a post payload that fails validation (e.g. empty content).
	ErrInvalidPost = errors.New("invalid post")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., duplicate post id).
	ErrAlreadyExists = errors.New("already exists")

	// ErrBackendUnavailable indicates the storage binding is missing or failed to initialize.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates the caller exceeded the request budget.
	ErrRateLimited = errors.New("rate limited")
)
