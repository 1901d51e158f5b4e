// Package persist moves the note collection between memory and the store
// directory. Manager does the synchronous work; Writer runs it in the
// background off the mutation path.
package persist

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/checksum"
	"github.com/starford/noteworthy/internal/codec"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/storage"
)

// Store layout, relative to the store root.
const (
	ManifestFile = "manifest.yaml"
	NotesDir     = "notes"
	NoteExt      = ".md"
	JournalFile  = "journal.db"
)

// NotePath returns the store-relative path of a note record.
func NotePath(id models.NoteID) string {
	return filepath.Join(NotesDir, string(id)+NoteExt)
}

// NoteIDFromPath returns the id encoded in a note file name.
func NoteIDFromPath(path string) (models.NoteID, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, NoteExt) || strings.HasPrefix(name, storage.TempPrefix) {
		return "", false
	}
	id := models.NoteID(strings.TrimSuffix(name, NoteExt))
	if codec.ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

// Warning is a recoverable problem found while loading.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) String() string { return w.Path + ": " + w.Err.Error() }

// LoadResult is everything LoadAll recovered from disk.
type LoadResult struct {
	Manifest models.Manifest
	// Notes are in manifest order.
	Notes    []models.Note
	Warnings []Warning
	// Migrated lists notes decoded from an older schema version.
	Migrated []models.NoteID
	// ManifestDirty is set when the manifest on disk is missing, corrupt,
	// migrated or disagrees with the note files.
	ManifestDirty bool
	RemovedTemp   int
}

// Manager reads and writes records through a storage.Provider.
type Manager struct {
	store   storage.Provider
	logger  *slog.Logger
	backoff time.Duration

	mu      sync.Mutex
	written map[string]string // path → checksum of our last write
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRetryBackoff sets the pause before the single retry of a failed write.
func WithRetryBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

// NewManager creates a Manager over store.
func NewManager(store storage.Provider, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		logger:  slog.Default(),
		backoff: 50 * time.Millisecond,
		written: make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Root returns the store directory.
func (m *Manager) Root() string { return m.store.Root() }

// LoadAll reads the manifest and every note record. Notes that cannot be
// decoded, including records written by a newer schema, are skipped with a
// warning and left on disk untouched. Only a manifest newer than this build
// fails the whole load, with *apperr.MigrationError.
func (m *Manager) LoadAll(ctx context.Context) (*LoadResult, error) {
	res := &LoadResult{}

	for _, dir := range []string{"", NotesDir} {
		n, err := m.store.RemoveTemp(dir)
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Path: dir, Err: err})
		}
		res.RemovedTemp += n
	}
	if res.RemovedTemp > 0 {
		m.logger.Info("removed interrupted writes", slog.Int("count", res.RemovedTemp))
	}

	manifest, err := m.loadManifest(res)
	if err != nil {
		return nil, err
	}

	files, err := m.store.List(NotesDir, NoteExt)
	if err != nil {
		return nil, fmt.Errorf("persist: load: %w", err)
	}

	type slot struct {
		note     models.Note
		ok       bool
		migrated bool
		warn     *Warning
	}
	slots := make([]slot, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			stem, ok := NoteIDFromPath(f.Path)
			if !ok {
				slots[i].warn = &Warning{Path: f.Path, Err: errors.New("file name is not a note id")}
				return nil
			}
			data, err := m.store.Read(f.Path)
			if err != nil {
				slots[i].warn = &Warning{Path: f.Path, Err: err}
				return nil
			}
			n, version, err := codec.DecodeNoteVersion(data, codec.WithFallbackID(stem))
			if err != nil {
				slots[i].warn = &Warning{Path: f.Path, Err: err}
				return nil
			}
			if n.ID != stem {
				slots[i].warn = &Warning{Path: f.Path, Err: fmt.Errorf("record id %q does not match file name", n.ID)}
				return nil
			}
			m.remember(f.Path, data)
			slots[i] = slot{note: n, ok: true, migrated: version < codec.CurrentVersion}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("persist: load: %w", err)
	}

	byID := make(map[models.NoteID]models.Note, len(slots))
	for _, s := range slots {
		if s.warn != nil {
			res.Warnings = append(res.Warnings, *s.warn)
			m.logger.Warn("skipping unreadable note", slog.String("path", s.warn.Path), slog.String("error", s.warn.Err.Error()))
			continue
		}
		if !s.ok {
			continue
		}
		byID[s.note.ID] = s.note
		if s.migrated {
			res.Migrated = append(res.Migrated, s.note.ID)
		}
	}

	order, changed := reconcileOrder(manifest.Order, byID)
	if changed {
		res.ManifestDirty = true
	}
	manifest.Order = order
	res.Manifest = manifest
	res.Notes = make([]models.Note, 0, len(order))
	for _, id := range order {
		res.Notes = append(res.Notes, byID[id])
	}
	slices.Sort(res.Migrated)
	return res, nil
}

func (m *Manager) loadManifest(res *LoadResult) (models.Manifest, error) {
	fresh := models.Manifest{SchemaVersion: codec.CurrentVersion}

	data, err := m.store.Read(ManifestFile)
	if errors.Is(err, fs.ErrNotExist) {
		res.ManifestDirty = true
		return fresh, nil
	}
	if err != nil {
		res.Warnings = append(res.Warnings, Warning{Path: ManifestFile, Err: err})
		res.ManifestDirty = true
		return fresh, nil
	}

	manifest, version, err := codec.DecodeManifestVersion(data)
	switch {
	case errors.Is(err, codec.ErrUnsupportedVersion):
		return models.Manifest{}, &apperr.MigrationError{Found: version, Supported: codec.CurrentVersion, Err: err}
	case err != nil:
		m.logger.Warn("manifest unreadable, rebuilding from note files", slog.String("error", err.Error()))
		res.Warnings = append(res.Warnings, Warning{Path: ManifestFile, Err: err})
		res.ManifestDirty = true
		return fresh, nil
	}
	if version < codec.CurrentVersion {
		res.ManifestDirty = true
	}
	m.remember(ManifestFile, data)
	return manifest, nil
}

// reconcileOrder keeps manifest ids that have a record, drops the rest and
// appends records missing from the manifest by creation time then id.
func reconcileOrder(order []models.NoteID, notes map[models.NoteID]models.Note) ([]models.NoteID, bool) {
	out := make([]models.NoteID, 0, len(notes))
	seen := make(map[models.NoteID]bool, len(notes))
	changed := false
	for _, id := range order {
		if _, ok := notes[id]; !ok || seen[id] {
			changed = true
			continue
		}
		seen[id] = true
		out = append(out, id)
	}

	var missing []models.Note
	for id, n := range notes {
		if !seen[id] {
			missing = append(missing, n)
		}
	}
	slices.SortFunc(missing, func(a, b models.Note) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, n := range missing {
		out = append(out, n.ID)
		changed = true
	}
	return out, changed
}

// SaveNote encodes and atomically writes n.
func (m *Manager) SaveNote(ctx context.Context, n models.Note) error {
	data, err := codec.EncodeNote(n)
	if err != nil {
		return fmt.Errorf("persist: save note: %w", err)
	}
	return m.write(ctx, "save note", NotePath(n.ID), data)
}

// SaveManifest encodes and atomically writes the manifest.
func (m *Manager) SaveManifest(ctx context.Context, man models.Manifest) error {
	data, err := codec.EncodeManifest(man)
	if err != nil {
		return fmt.Errorf("persist: save manifest: %w", err)
	}
	return m.write(ctx, "save manifest", ManifestFile, data)
}

// DeleteNoteFile removes the record of a purged note.
func (m *Manager) DeleteNoteFile(ctx context.Context, id models.NoteID) error {
	path := NotePath(id)
	err := m.retry(ctx, "delete note", path, func() error { return m.store.Delete(path) })
	if err == nil {
		m.mu.Lock()
		delete(m.written, path)
		m.mu.Unlock()
	}
	return err
}

// IsOwnWrite reports whether data is exactly what we last wrote to path.
func (m *Manager) IsOwnWrite(path string, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.written[filepath.Clean(path)]
	return ok && checksum.Matches(data, sum)
}

// Known reports whether path holds a record we loaded or wrote. A note whose
// first write is still queued has no record yet.
func (m *Manager) Known(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.written[filepath.Clean(path)]
	return ok
}

// NoteFiles lists the note records currently on disk.
func (m *Manager) NoteFiles() ([]string, error) {
	files, err := m.store.List(NotesDir, NoteExt)
	if err != nil {
		return nil, fmt.Errorf("persist: list notes: %w", err)
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths, nil
}

// ReadNote decodes the record at path. The watcher uses it for external edits.
func (m *Manager) ReadNote(path string) (models.Note, []byte, error) {
	data, err := m.store.Read(path)
	if err != nil {
		return models.Note{}, nil, err
	}
	stem, _ := NoteIDFromPath(path)
	n, err := codec.DecodeNote(data, codec.WithFallbackID(stem))
	if err != nil {
		return models.Note{}, data, err
	}
	return n, data, nil
}

// write records the checksum before touching the file, so a watcher event
// racing the rename is already recognized as our own.
func (m *Manager) write(ctx context.Context, op, path string, data []byte) error {
	prev, had := m.remember(path, data)
	err := m.retry(ctx, op, path, func() error { return m.store.Write(path, data) })
	if err != nil {
		m.mu.Lock()
		if had {
			m.written[filepath.Clean(path)] = prev
		} else {
			delete(m.written, filepath.Clean(path))
		}
		m.mu.Unlock()
	}
	return err
}

func (m *Manager) remember(path string, data []byte) (prev string, had bool) {
	key := filepath.Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, had = m.written[key]
	m.written[key] = checksum.Sum(data)
	return prev, had
}

// retry runs fn, and once more after the backoff if it fails.
func (m *Manager) retry(ctx context.Context, op, path string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	m.logger.Debug("write failed, retrying", slog.String("op", op), slog.String("path", path), slog.String("error", err.Error()))

	t := time.NewTimer(m.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return classify(op, path, errors.Join(err, ctx.Err()))
	case <-t.C:
	}
	if err = fn(); err == nil {
		return nil
	}
	return classify(op, path, err)
}

func classify(op, path string, err error) error {
	kind := apperr.PersistIO
	if errors.Is(err, storage.ErrRename) {
		kind = apperr.PersistRenameRace
	}
	return &apperr.PersistError{Kind: kind, Op: op, Path: path, Err: err}
}
