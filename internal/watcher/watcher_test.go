package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/noteworthy/internal/codec"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/noteservice"
	"github.com/starford/noteworthy/internal/persist"
	"github.com/starford/noteworthy/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(kind string, id models.NoteID) {
	r.mu.Lock()
	r.events = append(r.events, kind+":"+string(id))
	r.mu.Unlock()
}

func (r *recorder) has(e string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// watcherTestEnv opens a service over a temp store and starts a watcher on it.
func watcherTestEnv(t *testing.T) (string, *noteservice.Service, *recorder) {
	t.Helper()
	dir, store := testutil.TestStore(t)
	svc, err := noteservice.Open(context.Background(), noteservice.Options{
		Store:  store,
		Logger: testutil.Logger(),
		Writer: persist.WriterConfig{Debounce: 5 * time.Millisecond, RetryDelay: 10 * time.Millisecond, MaxAttempts: 3},
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, svc, svc.Manager(), testutil.Logger(), rec.record)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)
	return dir, svc, rec
}

func createFlushed(t *testing.T, svc *noteservice.Service, title, body string) models.Note {
	t.Helper()
	n, err := svc.Create(title, body)
	require.NoError(t, err)
	require.NoError(t, svc.Flush(context.Background()))
	return n
}

func TestWatcher_ExternalEditApplied(t *testing.T) {
	dir, svc, rec := watcherTestEnv(t)
	n := createFlushed(t, svc, "Groceries", "milk")

	// Same header, new body: the edit wins even though modified did not move.
	edited := n
	edited.Body = "milk, eggs, bread"
	data, err := codec.EncodeNote(edited)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, persist.NotePath(n.ID)), data, 0o644))

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		got, err := svc.Get(n.ID)
		return err == nil && got.Body == "milk, eggs, bread"
	}, "external edit not applied")
	require.True(t, rec.has("updated:"+string(n.ID)))

	got, _ := svc.Get(n.ID)
	require.True(t, got.ModifiedAt.After(n.ModifiedAt))
}

func TestWatcher_OwnWritesIgnored(t *testing.T) {
	_, svc, rec := watcherTestEnv(t)
	n := createFlushed(t, svc, "a", "b")
	_, err := svc.Update(n.ID, models.Patch{Body: ptr("c")})
	require.NoError(t, err)
	require.NoError(t, svc.Flush(context.Background()))

	time.Sleep(300 * time.Millisecond)
	require.Zero(t, rec.len())
	require.Equal(t, uint64(2), svc.Status().LastSeq)
}

func TestWatcher_RemovalMovesToTrash(t *testing.T) {
	dir, svc, rec := watcherTestEnv(t)
	n := createFlushed(t, svc, "Delete me", "")

	require.NoError(t, os.Remove(filepath.Join(dir, persist.NotePath(n.ID))))

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		got, err := svc.Get(n.ID)
		return err == nil && got.Trashed()
	}, "removed record did not move the note to the trash")
	require.True(t, rec.has("deleted:"+string(n.ID)))

	// The trashed record is written back so it survives a restart.
	require.NoError(t, svc.Flush(context.Background()))
	testutil.Eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		_, err := os.Stat(filepath.Join(dir, persist.NotePath(n.ID)))
		return err == nil
	}, "trashed record not rewritten")
}

func TestWatcher_RenameReconciles(t *testing.T) {
	dir, svc, _ := watcherTestEnv(t)
	n := createFlushed(t, svc, "Renamed", "")
	notesDir := filepath.Join(dir, persist.NotesDir)

	// A record dropped in by another program under a fresh id.
	ext := models.Note{
		ID:         "external-1",
		Title:      "From elsewhere",
		Body:       "hello",
		CreatedAt:  time.Now().UTC(),
		ModifiedAt: time.Now().UTC(),
	}
	data, err := codec.EncodeNote(ext)
	require.NoError(t, err)
	staged := filepath.Join(notesDir, "staged.txt")
	require.NoError(t, os.WriteFile(staged, data, 0o644))
	require.NoError(t, os.Rename(staged, filepath.Join(notesDir, "external-1.md")))

	// Moving a record out of the directory trashes its note.
	require.NoError(t, os.Rename(filepath.Join(dir, persist.NotePath(n.ID)), filepath.Join(dir, "moved.bak")))

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		got, err := svc.Get("external-1")
		old, oerr := svc.Get(n.ID)
		return err == nil && got.Title == "From elsewhere" && oerr == nil && old.Trashed()
	}, "rename reconciliation failed")
}

func TestWatcher_UnflushedNotesAreKept(t *testing.T) {
	_, svc, _ := watcherTestEnv(t)
	a := &applier{eng: svc, mgr: svc.Manager(), logger: testutil.Logger()}

	// Created but never written: reconcile must not mistake it for removed.
	n, err := svc.Create("pending", "")
	require.NoError(t, err)
	a.applyRemoval(n.ID)

	got, err := svc.Get(n.ID)
	require.NoError(t, err)
	require.False(t, got.Trashed())
}

func ptr[T any](v T) *T { return &v }
