// Package notes holds the authoritative in-memory note collection.
//
// Every mutation runs under one write lock and emits a ChangeEvent to the
// registered listeners before the lock is released, so listeners (index,
// persistence, journal) observe changes in commit order and never see a
// half-applied mutation. Listeners must not call back into the Repository.
package notes

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/codec"
	"github.com/starford/noteworthy/internal/models"
)

// Listener receives committed changes. It runs under the repository write lock.
type Listener func(models.ChangeEvent)

// Repository is the single writer over the note collection.
type Repository struct {
	mu sync.RWMutex

	notes map[models.NoteID]*models.Note
	order []models.NoteID // fallback order, trashed ids included

	tagDefs  map[string]*models.Tag
	tagOrder []string
	refs     map[string]map[models.NoteID]struct{} // tag → notes, trashed included

	cursor string
	extra  []models.RawField

	seq       uint64
	listeners []Listener

	now    func() time.Time
	newID  func() models.NoteID
	logger *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(gen func() models.NoteID) Option {
	return func(r *Repository) { r.newID = gen }
}

// WithStartSeq sets the sequence number of the last change already recorded,
// so numbering continues across restarts.
func WithStartSeq(seq uint64) Option {
	return func(r *Repository) { r.seq = seq }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// New creates an empty repository.
func New(opts ...Option) *Repository {
	r := &Repository{
		notes:   make(map[models.NoteID]*models.Note),
		tagDefs: make(map[string]*models.Tag),
		refs:    make(map[string]map[models.NoteID]struct{}),
		now:     time.Now,
		newID:   func() models.NoteID { return models.NoteID(uuid.Must(uuid.NewV7()).String()) },
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe registers l for every subsequent change.
func (r *Repository) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Load replaces the whole collection with what was read from disk. No events
// are emitted. It reports whether the manifest had to be repaired (tags
// referenced by notes but not defined, ids missing from the order).
func (r *Repository) Load(m models.Manifest, notes []models.Note) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.notes = make(map[models.NoteID]*models.Note, len(notes))
	r.order = nil
	r.tagDefs = make(map[string]*models.Tag)
	r.tagOrder = nil
	r.refs = make(map[string]map[models.NoteID]struct{})
	r.cursor = m.SyncCursor
	r.extra = m.Clone().Extra

	repaired := false
	for _, t := range m.Tags {
		name, err := NormalizeTag(t.Name)
		if err != nil {
			r.logger.Warn("dropping invalid tag definition", slog.String("tag", t.Name))
			repaired = true
			continue
		}
		if name != t.Name {
			repaired = true
		}
		if _, ok := r.tagDefs[name]; ok {
			repaired = true
			continue
		}
		t.Name = name
		r.tagDefs[name] = &t
		r.tagOrder = append(r.tagOrder, name)
	}

	for _, n := range notes {
		c := n.Clone()
		tags, err := normalizeTags(c.Tags)
		if err != nil {
			r.logger.Warn("dropping invalid tags", slog.String("note_id", string(c.ID)))
			tags = slices.DeleteFunc(slices.Clone(c.Tags), func(s string) bool {
				_, err := NormalizeTag(s)
				return err != nil
			})
			tags, _ = normalizeTags(tags)
		}
		c.Tags = tags
		r.notes[c.ID] = &c
		if r.linkTags(c.ID, c.Tags) {
			repaired = true
		}
	}

	seen := make(map[models.NoteID]bool, len(notes))
	for _, id := range m.Order {
		if _, ok := r.notes[id]; ok && !seen[id] {
			seen[id] = true
			r.order = append(r.order, id)
		}
	}
	for _, n := range notes {
		if !seen[n.ID] {
			seen[n.ID] = true
			r.order = append(r.order, n.ID)
			repaired = true
		}
	}
	return repaired
}

// Manifest returns the collection record as it should be persisted.
func (r *Repository) Manifest() models.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifestLocked()
}

func (r *Repository) manifestLocked() models.Manifest {
	m := models.Manifest{
		SchemaVersion: codec.CurrentVersion,
		Tags:          make([]models.Tag, 0, len(r.tagOrder)),
		Order:         slices.Clone(r.order),
		SyncCursor:    r.cursor,
	}
	for _, name := range r.tagOrder {
		m.Tags = append(m.Tags, *r.tagDefs[name])
	}
	if r.extra != nil {
		m.Extra = models.Manifest{Extra: r.extra}.Clone().Extra
	}
	return m
}

// SetSyncCursor stores the opaque cursor of the sync adapter.
func (r *Repository) SetSyncCursor(cursor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor == cursor {
		return
	}
	r.cursor = cursor
	r.emit(models.ChangeManifest, "", models.OriginLocal, nil, true)
}

// SyncCursor returns the stored sync cursor.
func (r *Repository) SyncCursor() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

// Create adds a new note carrying tags and returns its id. Nothing is created
// if a tag is invalid.
func (r *Repository) Create(title, body string, tags ...string) (models.NoteID, error) {
	if !utf8.ValidString(title) {
		return "", fmt.Errorf("notes: create: title is not valid UTF-8: %w", apperr.ErrInvalid)
	}
	tags, err := normalizeTags(tags)
	if err != nil {
		return "", fmt.Errorf("notes: create: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	if err := codec.ValidateID(id); err != nil {
		return "", fmt.Errorf("notes: create: generated id %q: %w", id, err)
	}
	if _, ok := r.notes[id]; ok {
		return "", fmt.Errorf("notes: create: id %q already in use", id)
	}
	now := r.now().UTC()
	n := &models.Note{
		ID:         id,
		Title:      title,
		Body:       body,
		Tags:       tags,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	r.notes[id] = n
	r.order = append(r.order, id)
	r.linkTags(id, tags)
	r.emit(models.ChangeCreated, id, models.OriginLocal, n, true)
	return id, nil
}

// Update applies p to an active note. A patch that changes nothing is a no-op.
func (r *Repository) Update(id models.NoteID, p models.Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notes[id]
	if !ok || n.Trashed() {
		return fmt.Errorf("notes: update %s: %w", id, apperr.ErrNotFound)
	}

	next := n.Clone()
	if p.Title != nil {
		if !utf8.ValidString(*p.Title) {
			return fmt.Errorf("notes: update %s: title is not valid UTF-8: %w", id, apperr.ErrInvalid)
		}
		next.Title = *p.Title
	}
	if p.Body != nil {
		next.Body = *p.Body
	}
	if p.Pinned != nil {
		next.Pinned = *p.Pinned
	}
	if p.Tags != nil {
		tags, err := normalizeTags(*p.Tags)
		if err != nil {
			return fmt.Errorf("notes: update %s: %w", id, err)
		}
		next.Tags = tags
	}
	if next.Equal(*n) {
		return nil
	}

	next.ModifiedAt = r.bump(n.ModifiedAt)
	manifestChanged := r.retag(id, n.Tags, next.Tags)
	*n = next
	r.emit(models.ChangeUpdated, id, models.OriginLocal, n, manifestChanged)
	return nil
}

// SoftDelete moves an active note to the trash.
func (r *Repository) SoftDelete(id models.NoteID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notes[id]
	if !ok || n.Trashed() {
		return fmt.Errorf("notes: delete %s: %w", id, apperr.ErrNotFound)
	}
	at := r.bump(n.ModifiedAt)
	n.DeletedAt = &at
	r.emit(models.ChangeDeleted, id, models.OriginLocal, n, false)
	return nil
}

// Restore brings a trashed note back. It keeps its place in the fallback order.
func (r *Repository) Restore(id models.NoteID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notes[id]
	if !ok {
		return fmt.Errorf("notes: restore %s: %w", id, apperr.ErrNotFound)
	}
	if !n.Trashed() {
		return fmt.Errorf("notes: restore %s: %w", id, apperr.ErrNotInTrash)
	}
	n.ModifiedAt = r.bump(n.VersionTime())
	n.DeletedAt = nil
	r.emit(models.ChangeRestored, id, models.OriginLocal, n, false)
	return nil
}

// Purge removes a note irreversibly.
func (r *Repository) Purge(id models.NoteID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notes[id]; !ok {
		return fmt.Errorf("notes: purge %s: %w", id, apperr.ErrNotFound)
	}
	r.purgeLocked(id, models.OriginLocal, false)
	return nil
}

func (r *Repository) purgeLocked(id models.NoteID, origin models.Origin, dropBare bool) {
	n := r.notes[id]
	r.unlinkTags(id, n.Tags)
	if dropBare {
		r.dropBareTags(n.Tags)
	}
	delete(r.notes, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	r.emit(models.ChangePurged, id, origin, nil, true)
}

// Revert puts a note back into exactly the state of snapshot, timestamps
// included. With present false the note is removed. A note that no longer
// exists is reinstated at the end of the fallback order. Tags the revert
// leaves without references are dropped unless they carry a color or label,
// so undoing a tag also undoes the definition it created.
func (r *Repository) Revert(id models.NoteID, snapshot models.Note, present bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.notes[id]
	if !present {
		if !exists {
			return fmt.Errorf("notes: revert %s: %w", id, apperr.ErrNotFound)
		}
		r.purgeLocked(id, models.OriginUndo, true)
		return nil
	}
	if snapshot.ID != id {
		return fmt.Errorf("notes: revert %s: snapshot is of %s", id, snapshot.ID)
	}

	c := snapshot.Clone()
	manifestChanged := false
	if exists {
		prev := cur.Tags
		manifestChanged = r.retag(id, prev, c.Tags)
		if r.dropBareTags(prev) {
			manifestChanged = true
		}
		*cur = c
	} else {
		r.notes[id] = &c
		r.order = append(r.order, id)
		r.linkTags(id, c.Tags)
		manifestChanged = true
	}
	r.emit(models.ChangeReverted, id, models.OriginUndo, r.notes[id], manifestChanged)
	return nil
}

// Get returns a copy of the note with id, trashed or not.
func (r *Repository) Get(id models.NoteID) (models.Note, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notes[id]
	if !ok {
		return models.Note{}, false
	}
	return n.Clone(), true
}

// ListActive yields active notes in fallback order. Each note is fetched when
// the consumer asks for it.
func (r *Repository) ListActive() iter.Seq[models.Note] {
	return r.list(func(n *models.Note) bool { return !n.Trashed() })
}

// ListTrash yields trashed notes in fallback order.
func (r *Repository) ListTrash() iter.Seq[models.Note] {
	return r.list(func(n *models.Note) bool { return n.Trashed() })
}

// All yields every note, trashed ones included, in fallback order.
func (r *Repository) All() iter.Seq[models.Note] {
	return r.list(func(*models.Note) bool { return true })
}

func (r *Repository) list(keep func(*models.Note) bool) iter.Seq[models.Note] {
	return func(yield func(models.Note) bool) {
		r.mu.RLock()
		ids := slices.Clone(r.order)
		r.mu.RUnlock()

		for _, id := range ids {
			r.mu.RLock()
			n, ok := r.notes[id]
			var c models.Note
			if ok && keep(n) {
				c = n.Clone()
			} else {
				ok = false
			}
			r.mu.RUnlock()
			if ok && !yield(c) {
				return
			}
		}
	}
}

// Counts returns the number of active and trashed notes.
func (r *Repository) Counts() (active, trashed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.notes {
		if n.Trashed() {
			trashed++
		} else {
			active++
		}
	}
	return active, trashed
}

// Compact purges notes trashed at or before now-retention and prunes tags
// nothing references any more. It returns the purged ids.
func (r *Repository) Compact(now time.Time, retention time.Duration) []models.NoteID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-retention)
	var purged []models.NoteID
	for _, id := range slices.Clone(r.order) {
		n := r.notes[id]
		if n.Trashed() && !n.DeletedAt.After(cutoff) {
			r.purgeLocked(id, models.OriginLocal, false)
			purged = append(purged, id)
		}
	}
	r.pruneLocked()
	return purged
}

// bump returns a modification time strictly after prev.
func (r *Repository) bump(prev time.Time) time.Time {
	now := r.now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func (r *Repository) emit(kind models.ChangeKind, id models.NoteID, origin models.Origin, n *models.Note, manifestChanged bool) {
	r.seq++
	ev := models.ChangeEvent{
		Seq:             r.seq,
		Kind:            kind,
		NoteID:          id,
		Origin:          origin,
		At:              r.now().UTC(),
		ManifestChanged: manifestChanged,
	}
	if n != nil {
		c := n.Clone()
		ev.Note = &c
	}
	if manifestChanged {
		m := r.manifestLocked()
		ev.Manifest = &m
	}
	for _, l := range r.listeners {
		l(ev)
	}
}
