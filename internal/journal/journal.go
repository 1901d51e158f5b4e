package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/models"
)

// DefaultFlushInterval is how often buffered entries reach the database.
const DefaultFlushInterval = 200 * time.Millisecond

// seqReserve is how far past the last durable sequence number the journal
// claims on disk. After a crash numbering resumes above the claim, so ids
// handed to subscribers before the crash are never reused.
const seqReserve = 1 << 16

// ErrCursorExpired means entries after the cursor were pruned. The reader
// has to resync from a full listing.
var ErrCursorExpired = fmt.Errorf("journal: cursor predates retained history: %w", apperr.ErrConflict)

// Journal buffers change events in memory and writes them to SQLite on a
// background loop, so appending never waits on disk.
type Journal struct {
	db       *sql.DB
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	buf      []models.ChangeEvent
	lastSeq  uint64
	reserved uint64 // highest seq claimed in seq_state
	pruned   uint64
	started  bool

	flushMu sync.Mutex // serializes flushes
	kick    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// Open opens (or creates) the journal database at path and applies migrations.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		db:       db,
		logger:   logger,
		interval: DefaultFlushInterval,
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := j.resume(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// resume picks up numbering after the last durable entry or the last claim,
// whichever is higher, and claims the next block before any append.
func (j *Journal) resume() error {
	var (
		last, reserved, pruned int64
		clean                  bool
	)
	err := j.db.QueryRow(`
		SELECT COALESCE((SELECT MAX(seq) FROM changes), 0), reserved, pruned, clean
		FROM seq_state WHERE id = 1
	`).Scan(&last, &reserved, &pruned, &clean)
	if err != nil {
		return fmt.Errorf("journal: read seq state: %w", err)
	}
	j.lastSeq = uint64(max(last, reserved))
	j.pruned = uint64(pruned)
	if !clean {
		j.logger.Warn("journal: previous run did not close cleanly, skipping claimed sequence numbers",
			slog.Int64("last_durable", last), slog.Int64("resume_after", reserved))
	}
	j.reserved = j.lastSeq + seqReserve
	if _, err := j.db.Exec(`UPDATE seq_state SET reserved = ?, clean = 0 WHERE id = 1`, int64(j.reserved)); err != nil {
		return fmt.Errorf("journal: claim seq block: %w", err)
	}
	return nil
}

// SetFlushInterval changes the background flush period. Call before Start.
// Non-positive values keep the current period.
func (j *Journal) SetFlushInterval(d time.Duration) {
	if d > 0 {
		j.interval = d
	}
}

// LastSeq returns the highest sequence number appended so far.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Append buffers ev. It is safe to call from a repository listener.
func (j *Journal) Append(ev models.ChangeEvent) {
	j.mu.Lock()
	if ev.Seq <= j.lastSeq {
		j.mu.Unlock()
		j.logger.Warn("journal: out-of-order change dropped", slog.Uint64("seq", ev.Seq), slog.Uint64("last_seq", j.lastSeq))
		return
	}
	ev.Note, ev.Manifest = nil, nil
	j.buf = append(j.buf, ev)
	j.lastSeq = ev.Seq
	j.mu.Unlock()

	select {
	case j.kick <- struct{}{}:
	default:
	}
}

// Start runs the flush loop until ctx ends or Close is called.
func (j *Journal) Start(ctx context.Context) {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.mu.Unlock()

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-j.kick:
				// Let a burst accumulate into one transaction.
				select {
				case <-time.After(j.interval):
				case <-j.quit:
					return
				case <-ctx.Done():
					return
				}
			}
			if err := j.Flush(ctx); err != nil {
				j.logger.Warn("journal: flush failed", slog.String("error", err.Error()))
			}
		}
	}()
}

// Flush writes buffered entries in one transaction.
func (j *Journal) Flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	batch := j.buf
	j.buf = nil
	j.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := j.insert(ctx, batch, batch[len(batch)-1].Seq)
	if err != nil {
		// Put the batch back in front of anything appended meanwhile.
		j.mu.Lock()
		j.buf = append(batch, j.buf...)
		j.mu.Unlock()
		return fmt.Errorf("journal: flush: %w", err)
	}
	return nil
}

// insert writes batch and, when top gets close to the claimed block, moves
// the claim forward in the same transaction.
func (j *Journal) insert(ctx context.Context, batch []models.ChangeEvent, top uint64) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO changes (seq, note_id, kind, origin, at, manifest_changed)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.ExecContext(ctx,
			int64(ev.Seq), string(ev.NoteID), string(ev.Kind), string(ev.Origin),
			ev.At.UTC().Format(time.RFC3339Nano), ev.ManifestChanged,
		); err != nil {
			return err
		}
	}

	j.mu.Lock()
	reserved := j.reserved
	j.mu.Unlock()
	claim := reserved
	if top+seqReserve/2 > reserved {
		claim = top + seqReserve
		if _, err := tx.ExecContext(ctx, `UPDATE seq_state SET reserved = ? WHERE id = 1`, int64(claim)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	j.mu.Lock()
	j.reserved = max(j.reserved, claim)
	j.mu.Unlock()
	return nil
}

// ParseCursor converts an opaque cursor into a sequence number. The empty
// cursor means "from the beginning".
func ParseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: cursor %q: %w", cursor, apperr.ErrInvalid)
	}
	return seq, nil
}

// FormatCursor is the inverse of ParseCursor.
func FormatCursor(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// Since returns up to limit changes after cursor in commit order, and the
// cursor to pass next time. A non-empty cursor older than the pruned history
// fails with ErrCursorExpired; the empty cursor reads what is retained.
func (j *Journal) Since(ctx context.Context, cursor string, limit int) ([]models.ChangeEvent, string, error) {
	after, err := ParseCursor(cursor)
	if err != nil {
		return nil, cursor, err
	}
	if err := j.Flush(ctx); err != nil {
		return nil, cursor, err
	}
	j.mu.Lock()
	pruned := j.pruned
	j.mu.Unlock()
	if cursor != "" && after < pruned {
		return nil, cursor, ErrCursorExpired
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, note_id, kind, origin, at, manifest_changed
		FROM changes WHERE seq > ? ORDER BY seq LIMIT ?
	`, int64(after), limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("journal: since: %w", err)
	}
	defer rows.Close()

	var out []models.ChangeEvent
	next := after
	for rows.Next() {
		var (
			seq                  int64
			noteID, kind, origin string
			at                   string
			ev                   models.ChangeEvent
		)
		if err := rows.Scan(&seq, &noteID, &kind, &origin, &at, &ev.ManifestChanged); err != nil {
			return nil, cursor, fmt.Errorf("journal: scan: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.NoteID = models.NoteID(noteID)
		ev.Kind = models.ChangeKind(kind)
		ev.Origin = models.Origin(origin)
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, cursor, fmt.Errorf("journal: entry %d: %w", seq, err)
		}
		out = append(out, ev)
		next = ev.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("journal: since: %w", err)
	}
	return out, FormatCursor(next), nil
}

// PruneBefore deletes entries recorded before cutoff and reports how many.
// Cursors pointing into the deleted range expire.
func (j *Journal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := j.Flush(ctx); err != nil {
		return 0, err
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// julianday compares instants; the stored text has variable-width fractions.
	var upto sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM changes WHERE julianday(at) < julianday(?)`,
		cutoff.UTC().Format(time.RFC3339Nano),
	).Scan(&upto); err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	if !upto.Valid {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM changes WHERE seq <= ?`, upto.Int64)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE seq_state SET pruned = MAX(pruned, ?) WHERE id = 1`, upto.Int64,
	); err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}

	j.mu.Lock()
	j.pruned = max(j.pruned, uint64(upto.Int64))
	j.mu.Unlock()
	return res.RowsAffected()
}

// Close stops the loop, flushes what is buffered and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	started := j.started
	j.started = true
	j.mu.Unlock()

	select {
	case <-j.quit:
		return nil
	default:
		close(j.quit)
	}
	if started {
		<-j.done
	}
	flushErr := j.Flush(context.Background())
	if flushErr == nil {
		// Everything is durable, so the next run can continue without a gap.
		j.mu.Lock()
		last := j.lastSeq
		j.mu.Unlock()
		if _, err := j.db.Exec(`UPDATE seq_state SET reserved = ?, clean = 1 WHERE id = 1`, int64(last)); err != nil {
			flushErr = fmt.Errorf("journal: release seq block: %w", err)
		}
	}
	if err := j.db.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("journal: close: %w", err))
	}
	return flushErr
}
