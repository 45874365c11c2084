package authority

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when an identity already holds an issued credential
	ErrConflict = errors.New("conflict")
	// ErrNotIssued is returned when an operation requires an issued
	// credential and the identity has none
	ErrNotIssued = errors.New("not issued")
	// ErrStoreUnavailable is returned when the store cannot be accessed or
	// its lock cannot be acquired within the configured wait
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCorruptIndex is returned when index.txt cannot be parsed or holds
	// more than one issued row for an identity. It matches ErrStoreUnavailable.
	ErrCorruptIndex = fmt.Errorf("%w: corrupt index", ErrStoreUnavailable)
	// ErrInvalidIdentity is returned for identities outside the allowed charset
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrNotInitialized is returned when the store has no CA yet
	ErrNotInitialized = errors.New("authority is not initialized")
	// ErrAlreadyInitialized is returned by init on an existing CA
	ErrAlreadyInitialized = errors.New("authority is already initialized")
)
