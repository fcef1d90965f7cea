package model

import "errors"

// Collaborator errors shared by the storage and secret implementations.
var (
	// ErrUnauthorized means the caller's credentials were rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound means the named object or secret does not exist.
	ErrNotFound = errors.New("not found")
)
