// Package apperr holds the error taxonomy shared by the engine packages.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotInTrash = errors.New("not in trash")
	ErrInvalidTag = errors.New("invalid tag name")
	ErrEmptyStack = errors.New("nothing to undo or redo")
	ErrClosed     = errors.New("closed")
	ErrInvalid    = errors.New("invalid input")
	ErrConflict   = errors.New("conflict")
)

// PersistKind classifies disk-level failures.
type PersistKind string

const (
	PersistIO         PersistKind = "io"
	PersistRenameRace PersistKind = "rename_race"
)

// PersistError is a disk-level failure reported after the retry budget ran out.
type PersistError struct {
	Kind PersistKind
	Op   string
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist: %s %s (%s): %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// MigrationError means the store was written by a schema version this build
// does not understand. Loading is refused.
type MigrationError struct {
	Found     int
	Supported int
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration: store schema version %d is newer than supported version %d", e.Found, e.Supported)
}

func (e *MigrationError) Unwrap() error { return e.Err }
