package undo

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/checksum"
	"github.com/starford/noteworthy/internal/models"
)

// DefaultDepth is the number of commands kept when none is configured.
const DefaultDepth = 100

// Target is the mutation surface commands run against. *notes.Repository
// satisfies it.
type Target interface {
	Create(title, body string, tags ...string) (models.NoteID, error)
	Update(id models.NoteID, p models.Patch) error
	SoftDelete(id models.NoteID) error
	Restore(id models.NoteID) error
	Tag(id models.NoteID, name string) error
	Untag(id models.NoteID, name string) error
	Get(id models.NoteID) (models.Note, bool)
	Revert(id models.NoteID, snapshot models.Note, present bool) error
}

type entry struct {
	cmd       Command
	id        models.NoteID
	before    models.Note
	hadBefore bool
	after     models.Note
	hasAfter  bool
}

// State describes what the log can do right now.
type State struct {
	CanUndo   bool `json:"can_undo"`
	CanRedo   bool `json:"can_redo"`
	UndoDepth int  `json:"undo_depth"`
	RedoDepth int  `json:"redo_depth"`
	// Truncated is set once older entries were dropped to honor the depth bound.
	Truncated bool `json:"truncated"`
}

// Log is a bounded undo/redo history.
type Log struct {
	mu        sync.Mutex
	target    Target
	depth     int
	undo      []entry
	redo      []entry
	truncated bool
	logger    *slog.Logger
}

// New creates a log over target keeping at most depth commands.
func New(target Target, depth int, logger *slog.Logger) *Log {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{target: target, depth: depth, logger: logger}
}

// Apply runs cmd and records it. Commands that leave the note unchanged are
// not recorded. A recorded command clears the redo stack.
func (l *Log) Apply(cmd Command) (models.NoteID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := entry{cmd: cmd, id: cmd.NoteID}
	if cmd.Kind != KindCreate {
		e.before, e.hadBefore = l.target.Get(cmd.NoteID)
	}
	if cmd.IfMatch != "" && e.hadBefore && checksum.Note(e.before) != cmd.IfMatch {
		return e.id, fmt.Errorf("undo: %s %s: %w", cmd.Kind, cmd.NoteID, apperr.ErrConflict)
	}

	var err error
	switch cmd.Kind {
	case KindCreate:
		e.id, err = l.target.Create(cmd.Title, cmd.Body, cmd.Tags...)
	case KindUpdate:
		err = l.target.Update(cmd.NoteID, cmd.Patch)
	case KindDelete:
		err = l.target.SoftDelete(cmd.NoteID)
	case KindRestore:
		err = l.target.Restore(cmd.NoteID)
	case KindTag:
		err = l.target.Tag(cmd.NoteID, cmd.Tag)
	case KindUntag:
		err = l.target.Untag(cmd.NoteID, cmd.Tag)
	default:
		err = fmt.Errorf("undo: unknown command kind %d", cmd.Kind)
	}
	if err != nil {
		return e.id, err
	}

	e.after, e.hasAfter = l.target.Get(e.id)
	if e.hadBefore && e.hasAfter && e.before.Equal(e.after) {
		return e.id, nil
	}

	l.undo = append(l.undo, e)
	if len(l.undo) > l.depth {
		l.undo = slices.Delete(l.undo, 0, len(l.undo)-l.depth)
		if !l.truncated {
			l.logger.Debug("undo history truncated", slog.Int("depth", l.depth))
		}
		l.truncated = true
	}
	l.redo = nil
	return e.id, nil
}

// Undo reverses the most recent command.
func (l *Log) Undo() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.undo) == 0 {
		return fmt.Errorf("undo: %w", apperr.ErrEmptyStack)
	}
	e := l.undo[len(l.undo)-1]
	l.undo = l.undo[:len(l.undo)-1]

	if err := l.check(e.id, e.after, e.hasAfter); err != nil {
		return &ApplyError{Op: "undo", Kind: e.cmd.Kind, NoteID: e.id, Err: err}
	}
	if err := l.target.Revert(e.id, e.before, e.hadBefore); err != nil {
		return &ApplyError{Op: "undo", Kind: e.cmd.Kind, NoteID: e.id, Err: err}
	}
	l.redo = append(l.redo, e)
	return nil
}

// Redo re-applies the most recently undone command.
func (l *Log) Redo() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.redo) == 0 {
		return fmt.Errorf("redo: %w", apperr.ErrEmptyStack)
	}
	e := l.redo[len(l.redo)-1]
	l.redo = l.redo[:len(l.redo)-1]

	if err := l.check(e.id, e.before, e.hadBefore); err != nil {
		return &ApplyError{Op: "redo", Kind: e.cmd.Kind, NoteID: e.id, Err: err}
	}
	if err := l.target.Revert(e.id, e.after, e.hasAfter); err != nil {
		return &ApplyError{Op: "redo", Kind: e.cmd.Kind, NoteID: e.id, Err: err}
	}
	l.undo = append(l.undo, e)
	return nil
}

// check verifies the note is still in the recorded state.
func (l *Log) check(id models.NoteID, want models.Note, present bool) error {
	cur, ok := l.target.Get(id)
	if ok != present || (ok && !cur.Equal(want)) {
		return ErrStateChanged
	}
	return nil
}

func (l *Log) forgetLocked(ids []models.NoteID) {
	if len(ids) == 0 {
		return
	}
	drop := func(e entry) bool { return slices.Contains(ids, e.id) }
	l.undo = slices.DeleteFunc(l.undo, drop)
	l.redo = slices.DeleteFunc(l.redo, drop)
}

// Exclusive runs fn while no command, undo or redo is in flight. Mutations
// that bypass the log (remote changes, tag renames, compaction) go through
// it so they never land between a command's snapshots or between an undo's
// state check and its revert. Entries touching the ids fn returns are
// forgotten. fn must not call back into the log.
func (l *Log) Exclusive(fn func() []models.NoteID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forgetLocked(fn())
}

// State returns the current capabilities.
func (l *Log) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		CanUndo:   len(l.undo) > 0,
		CanRedo:   len(l.redo) > 0,
		UndoDepth: len(l.undo),
		RedoDepth: len(l.redo),
		Truncated: l.truncated,
	}
}
