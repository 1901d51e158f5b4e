// Package noteservice wires the repository, index, undo log, persistence and
// change journal into the single engine object the outer surfaces talk to.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/index"
	"github.com/starford/noteworthy/internal/journal"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/notes"
	"github.com/starford/noteworthy/internal/persist"
	"github.com/starford/noteworthy/internal/storage"
	"github.com/starford/noteworthy/internal/undo"
)

// Options configures Open. Zero values select defaults.
type Options struct {
	Store  storage.Provider
	Logger *slog.Logger

	Writer       persist.WriterConfig
	RetryBackoff time.Duration
	DrainTimeout time.Duration

	UndoDepth      int
	TrashRetention time.Duration

	// JournalPath defaults to journal.db inside the store directory.
	JournalPath  string
	JournalFlush time.Duration

	Clock       func() time.Time
	IDGenerator func() models.NoteID
}

// Status summarizes the engine for status bars and health checks.
type Status struct {
	Root           string     `json:"root"`
	Notes          int        `json:"notes"`
	Trashed        int        `json:"trashed"`
	PendingWrites  int        `json:"pending_writes"`
	FailingWrites  int        `json:"failing_writes"`
	LastWriteError string     `json:"last_write_error,omitempty"`
	Warnings       []string   `json:"warnings"`
	Undo           undo.State `json:"undo"`
	LastSeq        uint64     `json:"last_seq"`
	SyncCursor     string     `json:"sync_cursor,omitempty"`
}

// Service is the note engine. Mutations go through the undo log, queries
// through the index, and every committed change reaches the index, the
// background writer, the journal and subscribers in that order.
type Service struct {
	repo    *notes.Repository
	idx     *index.Index
	log     *undo.Log
	mgr     *persist.Manager
	writer  *persist.Writer
	journal *journal.Journal
	logger  *slog.Logger

	now          func() time.Time
	retention    time.Duration
	drainTimeout time.Duration
	warnings     []string

	subMu  sync.RWMutex
	subs   map[int]func(models.ChangeEvent)
	nextID int

	cancel context.CancelFunc
	closed atomic.Bool
}

const (
	defaultDrainTimeout   = 5 * time.Second
	defaultTrashRetention = 30 * 24 * time.Hour
)

// Open loads the store, upgrades records written by older versions, rebuilds
// the index and starts the background loops. A store written by a newer
// version fails with *apperr.MigrationError.
func Open(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("noteservice: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	mopts := []persist.Option{persist.WithLogger(logger)}
	if opts.RetryBackoff > 0 {
		mopts = append(mopts, persist.WithRetryBackoff(opts.RetryBackoff))
	}
	mgr := persist.NewManager(opts.Store, mopts...)

	res, err := mgr.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("noteservice: load: %w", err)
	}

	jpath := opts.JournalPath
	if jpath == "" {
		jpath = filepath.Join(mgr.Root(), persist.JournalFile)
	}
	jr, err := journal.Open(jpath, logger)
	if err != nil {
		return nil, fmt.Errorf("noteservice: %w", err)
	}
	jr.SetFlushInterval(opts.JournalFlush)

	ropts := []notes.Option{
		notes.WithLogger(logger),
		notes.WithClock(now),
		notes.WithStartSeq(jr.LastSeq()),
	}
	if opts.IDGenerator != nil {
		ropts = append(ropts, notes.WithIDGenerator(opts.IDGenerator))
	}
	repo := notes.New(ropts...)
	repaired := repo.Load(res.Manifest, res.Notes)

	s := &Service{
		repo:         repo,
		idx:          index.New(),
		mgr:          mgr,
		journal:      jr,
		logger:       logger,
		now:          now,
		retention:    opts.TrashRetention,
		drainTimeout: opts.DrainTimeout,
		subs:         make(map[int]func(models.ChangeEvent)),
	}
	if s.retention <= 0 {
		s.retention = defaultTrashRetention
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = defaultDrainTimeout
	}
	for _, w := range res.Warnings {
		s.warnings = append(s.warnings, w.String())
	}

	s.upgrade(ctx, res, repaired)

	s.idx.Rebuild(repo.All())
	s.writer = persist.NewWriter(mgr, opts.Writer, logger)
	s.log = undo.New(repo, opts.UndoDepth, logger)

	repo.Subscribe(s.idx.OnChange)
	repo.Subscribe(s.markDirty)
	repo.Subscribe(jr.Append)
	repo.Subscribe(s.fanOut)

	// The loops outlive the ctx passed to Open; Close stops them.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.writer.Start(loopCtx)
	jr.Start(loopCtx)

	active, trashed := repo.Counts()
	logger.Info("store opened",
		slog.String("root", mgr.Root()),
		slog.Int("notes", active),
		slog.Int("trashed", trashed),
		slog.Int("warnings", len(s.warnings)),
		slog.Int("migrated", len(res.Migrated)))
	return s, nil
}

// upgrade writes back records decoded from an older schema and a manifest
// that had to be rebuilt or repaired. Failures only leave the old records in
// place, so they are reported as warnings.
func (s *Service) upgrade(ctx context.Context, res *persist.LoadResult, repaired bool) {
	for _, id := range res.Migrated {
		n, ok := s.repo.Get(id)
		if !ok {
			continue
		}
		if err := s.mgr.SaveNote(ctx, n); err != nil {
			s.warn("save migrated note", persist.NotePath(id), err)
		}
	}
	if res.ManifestDirty || repaired {
		if err := s.mgr.SaveManifest(ctx, s.repo.Manifest()); err != nil {
			s.warn("save manifest", persist.ManifestFile, err)
		}
	}
}

func (s *Service) warn(op, path string, err error) {
	s.warnings = append(s.warnings, path+": "+err.Error())
	s.logger.Warn(op+" failed", slog.String("path", path), slog.String("error", err.Error()))
}

func (s *Service) markDirty(ev models.ChangeEvent) {
	switch {
	case ev.Note != nil:
		s.writer.MarkNote(*ev.Note)
	case ev.NoteID != "":
		s.writer.MarkDeleted(ev.NoteID)
	}
	if ev.ManifestChanged && ev.Manifest != nil {
		s.writer.MarkManifest(*ev.Manifest)
	}
}

func (s *Service) fanOut(ev models.ChangeEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.subs {
		fn(ev)
	}
}

// Subscribe registers fn for every committed change and returns a function
// that removes it. fn runs on the mutation path and must not block or call
// back into the service.
func (s *Service) Subscribe(fn func(models.ChangeEvent)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Service) apply(cmd undo.Command) (models.NoteID, error) {
	if s.closed.Load() {
		return "", fmt.Errorf("noteservice: %s: %w", cmd.Kind, apperr.ErrClosed)
	}
	return s.log.Apply(cmd)
}

// Create adds a note carrying tags and returns it. It is one undo step.
func (s *Service) Create(title, body string, tags ...string) (models.Note, error) {
	id, err := s.apply(undo.Create(title, body, tags...))
	if err != nil {
		return models.Note{}, err
	}
	return s.Get(id)
}

// Update applies p to the note and returns the result.
func (s *Service) Update(id models.NoteID, p models.Patch) (models.Note, error) {
	if _, err := s.apply(undo.Update(id, p)); err != nil {
		return models.Note{}, err
	}
	return s.Get(id)
}

// UpdateIfMatch applies p only if the note's checksum still equals sum, and
// fails with apperr.ErrConflict otherwise. The check and the write cannot be
// separated by another change.
func (s *Service) UpdateIfMatch(id models.NoteID, p models.Patch, sum string) (models.Note, error) {
	if _, err := s.apply(undo.UpdateIfMatch(id, p, sum)); err != nil {
		return models.Note{}, err
	}
	return s.Get(id)
}

// Delete moves the note to the trash.
func (s *Service) Delete(id models.NoteID) error {
	_, err := s.apply(undo.Delete(id))
	return err
}

// Restore takes the note out of the trash.
func (s *Service) Restore(id models.NoteID) error {
	_, err := s.apply(undo.Restore(id))
	return err
}

// Tag adds a tag to the note.
func (s *Service) Tag(id models.NoteID, name string) error {
	_, err := s.apply(undo.Tag(id, name))
	return err
}

// Untag removes a tag from the note.
func (s *Service) Untag(id models.NoteID, name string) error {
	_, err := s.apply(undo.Untag(id, name))
	return err
}

// Undo reverses the most recent command.
func (s *Service) Undo() error {
	if s.closed.Load() {
		return fmt.Errorf("noteservice: undo: %w", apperr.ErrClosed)
	}
	return s.log.Undo()
}

// Redo re-applies the most recently undone command.
func (s *Service) Redo() error {
	if s.closed.Load() {
		return fmt.Errorf("noteservice: redo: %w", apperr.ErrClosed)
	}
	return s.log.Redo()
}

// UndoState reports what Undo and Redo can do.
func (s *Service) UndoState() undo.State { return s.log.State() }

// Get returns the note with id, trashed or not.
func (s *Service) Get(id models.NoteID) (models.Note, error) {
	n, ok := s.repo.Get(id)
	if !ok {
		return models.Note{}, fmt.Errorf("noteservice: get %s: %w", id, apperr.ErrNotFound)
	}
	return n, nil
}

// ListActive yields live notes in fallback order.
func (s *Service) ListActive() iter.Seq[models.Note] { return s.repo.ListActive() }

// ListTrash yields trashed notes in fallback order.
func (s *Service) ListTrash() iter.Seq[models.Note] { return s.repo.ListTrash() }

// Search yields notes matching query, most relevant first.
func (s *Service) Search(query string, f index.Filter) iter.Seq[models.Note] {
	return s.resolve(s.idx.Search(query, f))
}

// Sorted yields live notes in the requested order.
func (s *Service) Sorted(o index.Order) iter.Seq[models.Note] {
	return s.resolve(s.idx.Sorted(o))
}

// Suggest returns up to limit live notes whose title fuzzily matches query.
func (s *Service) Suggest(query string, limit int) []models.Note {
	ids := s.idx.Suggest(query, limit)
	out := make([]models.Note, 0, len(ids))
	for _, id := range ids {
		if n, ok := s.repo.Get(id); ok {
			out = append(out, n)
		}
	}
	return out
}

// resolve maps ids to notes, skipping any purged since the index was read.
func (s *Service) resolve(ids iter.Seq[models.NoteID]) iter.Seq[models.Note] {
	return func(yield func(models.Note) bool) {
		for id := range ids {
			n, ok := s.repo.Get(id)
			if !ok {
				continue
			}
			if !yield(n) {
				return
			}
		}
	}
}

// Tags lists tag definitions with their active reference counts.
func (s *Service) Tags() []models.TagInfo { return s.repo.Tags() }

// SetTagMeta sets the color and label of a tag, defining it if needed.
func (s *Service) SetTagMeta(name, color, label string) error {
	return s.repo.SetTagMeta(name, color, label)
}

// RenameTag renames a tag on every note, merging into newName if it exists.
// History recorded before the rename would fight it, so the undo log is reset
// for the touched notes.
func (s *Service) RenameTag(oldName, newName string) error {
	var err error
	s.log.Exclusive(func() []models.NoteID {
		var touched []models.NoteID
		unsub := s.Subscribe(func(ev models.ChangeEvent) {
			if ev.NoteID != "" {
				touched = append(touched, ev.NoteID)
			}
		})
		err = s.repo.RenameTag(oldName, newName)
		unsub()
		return touched
	})
	return err
}

// PruneTags drops tag definitions no note references and returns their names.
func (s *Service) PruneTags() []string { return s.repo.PruneTags() }

// Compact purges notes that have been in the trash longer than the retention
// period and forgets their undo history. Journal entries older than the same
// period are pruned too; a failure there is only logged.
func (s *Service) Compact(ctx context.Context) []models.NoteID {
	var purged []models.NoteID
	now := s.now()
	s.log.Exclusive(func() []models.NoteID {
		purged = s.repo.Compact(now, s.retention)
		return purged
	})
	if len(purged) > 0 {
		s.logger.Info("trash compacted", slog.Int("purged", len(purged)))
	}
	n, err := s.journal.PruneBefore(ctx, now.Add(-s.retention))
	switch {
	case err != nil:
		s.logger.Warn("journal prune failed", slog.String("error", err.Error()))
	case n > 0:
		s.logger.Info("journal pruned", slog.Int64("entries", n))
	}
	return purged
}

// ChangesSince returns committed changes after cursor and the cursor to use
// next. Each event carries the current state of its note, or nil if the note
// has been purged.
func (s *Service) ChangesSince(ctx context.Context, cursor string, limit int) ([]models.ChangeEvent, string, error) {
	evs, next, err := s.journal.Since(ctx, cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("noteservice: changes since %q: %w", cursor, err)
	}
	for i := range evs {
		if evs[i].NoteID == "" {
			continue
		}
		if n, ok := s.repo.Get(evs[i].NoteID); ok {
			evs[i].Note = &n
		}
	}
	return evs, next, nil
}

// ApplyRemote merges a change from a sync peer or an external edit. It waits
// for any command or undo in flight, so recorded snapshots stay exact.
func (s *Service) ApplyRemote(rc models.RemoteChange) (applied bool, err error) {
	if s.closed.Load() {
		return false, fmt.Errorf("noteservice: apply remote: %w", apperr.ErrClosed)
	}
	s.log.Exclusive(func() []models.NoteID {
		applied, err = s.repo.ApplyRemote(rc)
		return nil
	})
	return applied, err
}

// SyncCursor returns the cursor last stored by a sync adapter.
func (s *Service) SyncCursor() string { return s.repo.SyncCursor() }

// SetSyncCursor stores the peer cursor in the manifest.
func (s *Service) SetSyncCursor(cursor string) { s.repo.SetSyncCursor(cursor) }

// Manager exposes the persistence manager for the external-change watcher.
func (s *Service) Manager() *persist.Manager { return s.mgr }

// Now returns the engine clock reading.
func (s *Service) Now() time.Time { return s.now() }

// Status reports counts, write queue health, load warnings and undo state.
func (s *Service) Status() Status {
	active, trashed := s.repo.Counts()
	ws := s.writer.Stats()
	warnings := append([]string{}, s.warnings...)
	return Status{
		Root:           s.mgr.Root(),
		Notes:          active,
		Trashed:        trashed,
		PendingWrites:  ws.Pending,
		FailingWrites:  ws.Failing,
		LastWriteError: ws.LastError,
		Warnings:       warnings,
		Undo:           s.log.State(),
		LastSeq:        s.journal.LastSeq(),
		SyncCursor:     s.repo.SyncCursor(),
	}
}

// Flush writes every pending record now and waits for it, bounded by ctx.
func (s *Service) Flush(ctx context.Context) error {
	return s.writer.Drain(ctx)
}

// Close stops accepting mutations, drains pending writes within the drain
// timeout and closes the journal. Pending writes that could not be saved are
// reported in the error.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	werr := s.writer.Close(ctx)
	jerr := s.journal.Close()
	s.cancel()
	if werr != nil || jerr != nil {
		return errors.Join(werr, jerr)
	}
	s.logger.Info("store closed", slog.String("root", s.mgr.Root()))
	return nil
}
