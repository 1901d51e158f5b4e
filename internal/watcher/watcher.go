// Package watcher feeds edits made to note files by other programs back into
// the engine as remote changes.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/persist"
	"github.com/starford/noteworthy/internal/storage"
)

// Engine is the part of the note service the watcher needs.
type Engine interface {
	Get(id models.NoteID) (models.Note, error)
	ListActive() iter.Seq[models.Note]
	ApplyRemote(rc models.RemoteChange) (bool, error)
	Now() time.Time
}

// EventCallback is called after an external change was applied.
// kind is one of "updated" or "deleted".
type EventCallback func(kind string, id models.NoteID)

const reconcileDelay = 200 * time.Millisecond

// Watch watches the notes directory until ctx is cancelled. Files we wrote
// ourselves are recognized by checksum and ignored. A changed record is
// applied as a remote change that wins over the local copy; a removed record
// of a live note moves it to the trash. Renames trigger a debounced
// reconcile of the whole directory.
func Watch(ctx context.Context, eng Engine, mgr *persist.Manager, logger *slog.Logger, cb EventCallback) error {
	dir := filepath.Join(mgr.Root(), persist.NotesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("dir", dir))
	a := &applier{eng: eng, mgr: mgr, logger: logger, cb: cb}

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time
	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(reconcileDelay)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(reconcileDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			a.reconcile()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, storage.TempPrefix) {
				continue
			}
			id, ok := persist.NoteIDFromPath(name)
			if !ok {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				a.applyFile(id)
			case ev.Op&fsnotify.Remove != 0:
				a.applyRemoval(id)
			case ev.Op&fsnotify.Rename != 0:
				// fsnotify reports the old name only; the new one arrives as
				// a Create if it stays in the directory.
				a.applyRemoval(id)
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

type applier struct {
	eng    Engine
	mgr    *persist.Manager
	logger *slog.Logger
	cb     EventCallback
}

func (a *applier) applyFile(id models.NoteID) {
	path := persist.NotePath(id)
	n, data, err := a.mgr.ReadNote(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if data != nil && a.mgr.IsOwnWrite(path, data) {
		return
	}
	if err != nil {
		// Editors often write in several steps; the final Write event retries.
		a.logger.Debug("watcher: undecodable record", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if n.ID != id {
		a.logger.Warn("watcher: record id does not match file name", slog.String("path", path), slog.String("id", string(n.ID)))
		return
	}

	local, err := a.eng.Get(id)
	if err == nil {
		if local.Equal(n) {
			return
		}
		// The file changed behind our back, so it is the newest version
		// whatever its header says.
		if !n.VersionTime().After(local.VersionTime()) {
			n.ModifiedAt = after(a.eng.Now(), local.VersionTime())
		}
	}
	applied, err := a.eng.ApplyRemote(models.RemoteChange{NoteID: id, Note: &n})
	if err != nil {
		a.logger.Warn("watcher: apply failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if applied {
		a.logger.Debug("watcher: applied external edit", slog.String("path", path))
		if a.cb != nil {
			a.cb("updated", id)
		}
	}
}

func (a *applier) applyRemoval(id models.NoteID) {
	path := persist.NotePath(id)
	if !a.mgr.Known(path) {
		return
	}
	if _, err := os.Stat(filepath.Join(a.mgr.Root(), path)); err == nil {
		return
	}
	local, err := a.eng.Get(id)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && local.Trashed()) {
		return
	}
	if err != nil {
		a.logger.Warn("watcher: lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	at := after(a.eng.Now(), local.VersionTime())
	applied, err := a.eng.ApplyRemote(models.RemoteChange{NoteID: id, Tombstone: &at})
	if err != nil {
		a.logger.Warn("watcher: apply removal failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if applied {
		a.logger.Debug("watcher: external removal moved note to trash", slog.String("path", path))
		if a.cb != nil {
			a.cb("deleted", id)
		}
	}
}

// reconcile compares the directory with the live notes: records that appeared
// are applied and live notes whose record is gone are trashed.
func (a *applier) reconcile() {
	paths, err := a.mgr.NoteFiles()
	if err != nil {
		a.logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}
	onDisk := make(map[models.NoteID]bool, len(paths))
	for _, p := range paths {
		if id, ok := persist.NoteIDFromPath(p); ok {
			onDisk[id] = true
			a.applyFile(id)
		}
	}

	var gone []models.NoteID
	for n := range a.eng.ListActive() {
		if !onDisk[n.ID] {
			gone = append(gone, n.ID)
		}
	}
	for _, id := range gone {
		a.applyRemoval(id)
	}
}

// after returns now, or the instant just after prev if now is not later.
func after(now, prev time.Time) time.Time {
	now = now.UTC()
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
