// Package undo records user commands with the snapshots needed to reverse
// them and replays them backwards and forwards.
package undo

import (
	"errors"
	"fmt"

	"github.com/starford/noteworthy/internal/models"
)

// Kind tags the variant of a Command.
type Kind int

const (
	KindCreate Kind = iota + 1
	KindUpdate
	KindDelete
	KindRestore
	KindTag
	KindUntag
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindRestore:
		return "restore"
	case KindTag:
		return "tag"
	case KindUntag:
		return "untag"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Command is one user-level mutation. Which fields are used depends on Kind.
type Command struct {
	Kind   Kind
	NoteID models.NoteID // all but Create
	Title  string        // Create
	Body   string        // Create
	Tags   []string      // Create
	Patch  models.Patch  // Update
	Tag    string        // Tag, Untag

	// IfMatch, when set, is the checksum the note must have right before the
	// command runs. Otherwise the command fails with apperr.ErrConflict.
	IfMatch string
}

// Create makes a new note with the given tags.
func Create(title, body string, tags ...string) Command {
	return Command{Kind: KindCreate, Title: title, Body: body, Tags: tags}
}

// Update applies p to an active note.
func Update(id models.NoteID, p models.Patch) Command {
	return Command{Kind: KindUpdate, NoteID: id, Patch: p}
}

// UpdateIfMatch is Update guarded by the note's current checksum.
func UpdateIfMatch(id models.NoteID, p models.Patch, sum string) Command {
	return Command{Kind: KindUpdate, NoteID: id, Patch: p, IfMatch: sum}
}

// Delete moves a note to the trash.
func Delete(id models.NoteID) Command { return Command{Kind: KindDelete, NoteID: id} }

// Restore takes a note out of the trash.
func Restore(id models.NoteID) Command { return Command{Kind: KindRestore, NoteID: id} }

// Tag adds a tag to a note.
func Tag(id models.NoteID, name string) Command {
	return Command{Kind: KindTag, NoteID: id, Tag: name}
}

// Untag removes a tag from a note.
func Untag(id models.NoteID, name string) Command {
	return Command{Kind: KindUntag, NoteID: id, Tag: name}
}

// ErrStateChanged means the note no longer looks the way the recorded
// command left it, so reversing it would overwrite someone else's change.
var ErrStateChanged = errors.New("note changed since the command was recorded")

// ApplyError is returned when an undo or redo cannot be applied. The entry
// is discarded.
type ApplyError struct {
	Op     string // "undo" or "redo"
	Kind   Kind
	NoteID models.NoteID
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("undo: %s %s of %s: %v", e.Op, e.Kind, e.NoteID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
