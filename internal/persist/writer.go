package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/noteworthy/internal/models"
)

// WriterConfig tunes the background writer.
type WriterConfig struct {
	// Debounce is how long the writer waits after the first dirty mark before
	// flushing, so bursts of edits coalesce into one write per note.
	Debounce time.Duration
	// RetryDelay is the pause before a failed flush is attempted again.
	RetryDelay time.Duration
	// MaxAttempts is the number of failed writes of one item after which an
	// unsaved-changes warning is logged. Writing keeps being retried.
	MaxAttempts int
}

// DefaultWriterConfig returns the defaults used when a field is zero.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Debounce:    250 * time.Millisecond,
		RetryDelay:  time.Second,
		MaxAttempts: 5,
	}
}

// WriterStats is a snapshot of the writer state.
type WriterStats struct {
	Pending   int    `json:"pending"`
	Failing   int    `json:"failing"`
	LastError string `json:"last_error,omitempty"`
}

type pendingNote struct {
	note     *models.Note // nil means delete the record
	gen      uint64
	attempts int
}

type pendingManifest struct {
	manifest models.Manifest
	gen      uint64
	attempts int
}

// Writer persists dirty records on a background goroutine. Only the latest
// snapshot of each note is kept, so a burst of edits produces one write.
type Writer struct {
	mgr    *Manager
	cfg    WriterConfig
	logger *slog.Logger

	mu       sync.Mutex
	gen      uint64
	notes    map[models.NoteID]*pendingNote
	queue    []models.NoteID // first-dirtied order
	manifest *pendingManifest
	waiters  []chan struct{}
	lastErr  error
	started  bool
	closed   bool

	kick     chan struct{}
	flushNow chan struct{}
	quit     chan struct{}
	done     chan struct{}
}

// NewWriter creates a Writer. Start must be called before anything is flushed.
func NewWriter(mgr *Manager, cfg WriterConfig, logger *slog.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		mgr:      mgr,
		cfg:      cfg,
		logger:   logger,
		notes:    make(map[models.NoteID]*pendingNote),
		kick:     make(chan struct{}, 1),
		flushNow: make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the flush loop. It stops when Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	go w.run(ctx)
}

// MarkNote queues a snapshot of n for writing.
func (w *Writer) MarkNote(n models.Note) {
	c := n.Clone()
	w.markNote(n.ID, &c)
}

// MarkDeleted queues removal of the record of id.
func (w *Writer) MarkDeleted(id models.NoteID) {
	w.markNote(id, nil)
}

func (w *Writer) markNote(id models.NoteID, n *models.Note) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("write after close dropped", slog.String("note_id", string(id)))
		return
	}
	w.gen++
	if p, ok := w.notes[id]; ok {
		p.note = n
		p.gen = w.gen
	} else {
		w.notes[id] = &pendingNote{note: n, gen: w.gen}
		w.queue = append(w.queue, id)
	}
	w.mu.Unlock()
	w.signal()
}

// MarkManifest queues the manifest for writing.
func (w *Writer) MarkManifest(m models.Manifest) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("manifest write after close dropped")
		return
	}
	w.gen++
	attempts := 0
	if w.manifest != nil {
		attempts = w.manifest.attempts
	}
	w.manifest = &pendingManifest{manifest: m.Clone(), gen: w.gen, attempts: attempts}
	w.mu.Unlock()
	w.signal()
}

// Pending returns the number of records waiting to be written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingLocked()
}

func (w *Writer) pendingLocked() int {
	n := len(w.notes)
	if w.manifest != nil {
		n++
	}
	return n
}

// Stats returns a snapshot of the queue state.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := WriterStats{Pending: w.pendingLocked()}
	for _, p := range w.notes {
		if p.attempts > 0 {
			s.Failing++
		}
	}
	if w.manifest != nil && w.manifest.attempts > 0 {
		s.Failing++
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Drain flushes immediately and waits until the queue is empty or ctx ends.
func (w *Writer) Drain(ctx context.Context) error {
	w.mu.Lock()
	if w.pendingLocked() == 0 {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	w.mu.Unlock()

	select {
	case w.flushNow <- struct{}{}:
	default:
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("persist: drain: %d writes pending: %w", w.Pending(), ctx.Err())
	}
}

// Close stops the loop and flushes what is left, bounded by ctx. Writes still
// pending when ctx ends are reported in the error and logged.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	close(w.quit)
	if started {
		select {
		case <-w.done:
		case <-ctx.Done():
		}
	}

	for {
		w.flush(ctx)
		pending := w.Pending()
		if pending == 0 {
			return nil
		}
		t := time.NewTimer(w.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			w.logger.Error("unsaved changes at shutdown", slog.Int("pending", pending))
			return fmt.Errorf("persist: close: %d writes pending: %w", pending, ctx.Err())
		case <-t.C:
		}
	}
}

func (w *Writer) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		case <-w.kick:
			if !w.debounce(ctx) {
				return
			}
		case <-w.flushNow:
		}

		w.flush(ctx)

		if w.Pending() > 0 {
			time.AfterFunc(w.cfg.RetryDelay, w.signal)
		}
	}
}

// debounce waits out the debounce window. It returns false if the loop must stop.
func (w *Writer) debounce(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.Debounce)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.flushNow:
	case <-w.quit:
		return false
	case <-ctx.Done():
		return false
	}
	return true
}

// flush writes one snapshot of the queue. Items that were re-dirtied while
// being written stay queued with their newer snapshot.
func (w *Writer) flush(ctx context.Context) {
	type job struct {
		id  models.NoteID
		p   pendingNote
		man *pendingManifest
	}

	w.mu.Lock()
	jobs := make([]job, 0, len(w.queue)+1)
	for _, id := range w.queue {
		jobs = append(jobs, job{id: id, p: *w.notes[id]})
	}
	if w.manifest != nil {
		m := *w.manifest
		jobs = append(jobs, job{man: &m})
	}
	w.mu.Unlock()

	for _, j := range jobs {
		var err error
		switch {
		case j.man != nil:
			err = w.mgr.SaveManifest(ctx, j.man.manifest)
		case j.p.note == nil:
			err = w.mgr.DeleteNoteFile(ctx, j.id)
		default:
			err = w.mgr.SaveNote(ctx, *j.p.note)
		}

		w.mu.Lock()
		if j.man != nil {
			w.settleManifest(j.man.gen, err)
		} else {
			w.settleNote(j.id, j.p.gen, err)
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	if w.pendingLocked() == 0 {
		w.lastErr = nil
		for _, ch := range w.waiters {
			close(ch)
		}
		w.waiters = nil
	}
	w.mu.Unlock()
}

func (w *Writer) settleNote(id models.NoteID, gen uint64, err error) {
	p, ok := w.notes[id]
	if !ok {
		return
	}
	if err == nil {
		if p.gen == gen {
			delete(w.notes, id)
			w.dequeue(id)
		}
		return
	}
	w.lastErr = err
	p.attempts++
	if p.attempts == w.cfg.MaxAttempts {
		w.logger.Warn("unsaved changes: note write keeps failing",
			slog.String("note_id", string(id)),
			slog.Int("attempts", p.attempts),
			slog.String("error", err.Error()))
	}
}

func (w *Writer) settleManifest(gen uint64, err error) {
	if w.manifest == nil {
		return
	}
	if err == nil {
		if w.manifest.gen == gen {
			w.manifest = nil
		}
		return
	}
	w.lastErr = err
	w.manifest.attempts++
	if w.manifest.attempts == w.cfg.MaxAttempts {
		w.logger.Warn("unsaved changes: manifest write keeps failing",
			slog.Int("attempts", w.manifest.attempts),
			slog.String("error", err.Error()))
	}
}

func (w *Writer) dequeue(id models.NoteID) {
	for i, q := range w.queue {
		if q == id {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return
		}
	}
}
