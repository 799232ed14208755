package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("session: not found")
	ErrAlreadyExists   = errors.New("session: already exists")
	ErrCorrupted       = errors.New("session: corrupted metadata, cancel the session")
	ErrValidation      = errors.New("session: validation failed")
	ErrNoActiveSession = errors.New("session: no active session")
	ErrSessionCrashed  = errors.New("session: crashed, cancel it before writing")
	ErrSessionLocked   = errors.New("session: workspace locked by another live process")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func corruptedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, args...))
}
