package noteservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/index"
	"github.com/starford/noteworthy/internal/journal"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/persist"
	"github.com/starford/noteworthy/internal/storage"
	"github.com/starford/noteworthy/internal/testutil"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	dir   string
	store *storage.FS
	clock *testutil.Clock
	next  int
}

func newFixture(t *testing.T) *fixture {
	dir, store := testutil.TestStore(t)
	return &fixture{dir: dir, store: store, clock: testutil.NewClock(t0)}
}

func (f *fixture) open(t *testing.T) *Service {
	t.Helper()
	svc, err := Open(context.Background(), Options{
		Store:          f.store,
		Logger:         testutil.Logger(),
		Writer:         persist.WriterConfig{Debounce: 5 * time.Millisecond, RetryDelay: 10 * time.Millisecond, MaxAttempts: 3},
		DrainTimeout:   2 * time.Second,
		TrashRetention: 24 * time.Hour,
		Clock:          f.clock.Now,
		IDGenerator: func() models.NoteID {
			f.next++
			return models.NoteID(fmt.Sprintf("n%02d", f.next))
		},
	})
	require.NoError(t, err)
	return svc
}

func titles(seq func(func(models.Note) bool)) []string {
	var out []string
	for n := range seq {
		out = append(out, n.Title)
	}
	return out
}

func TestReopenRestoresState(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)

	a, err := svc.Create("Groceries", "milk, eggs")
	require.NoError(t, err)
	b, err := svc.Create("Taxes", "due April")
	require.NoError(t, err)
	require.NoError(t, svc.Tag(a.ID, "Home"))
	_, err = svc.Update(b.ID, models.Patch{Pinned: ptr(true)})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(a.ID))
	require.NoError(t, svc.Close(context.Background()))

	svc = f.open(t)
	defer svc.Close(context.Background())

	require.Equal(t, []string{"Taxes"}, titles(svc.ListActive()))
	require.Equal(t, []string{"Groceries"}, titles(svc.ListTrash()))
	got, err := svc.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"home"}, got.Tags)
	require.True(t, got.Trashed())
	pinned, _ := svc.Get(b.ID)
	require.True(t, pinned.Pinned)
	require.Empty(t, svc.Status().Warnings)
}

func TestGroceriesTaxesScenario(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	defer svc.Close(context.Background())

	a, _ := svc.Create("Groceries", "milk, eggs")
	f.clock.Advance(time.Second)
	b, _ := svc.Create("Taxes", "due April")
	f.clock.Advance(time.Second)
	require.NoError(t, svc.Tag(a.ID, "home"))
	f.clock.Advance(time.Second)

	var hits []models.NoteID
	for n := range svc.Search("milk", index.Filter{}) {
		hits = append(hits, n.ID)
	}
	require.Equal(t, []models.NoteID{a.ID}, hits)

	require.NoError(t, svc.Delete(a.ID))
	require.Empty(t, slices.Collect(svc.Search("milk", index.Filter{})))
	require.NoError(t, svc.Undo())

	var order []models.NoteID
	for n := range svc.ListActive() {
		order = append(order, n.ID)
	}
	require.Equal(t, []models.NoteID{a.ID, b.ID}, order)
	require.Len(t, slices.Collect(svc.Search("milk", index.Filter{Tag: "home"})), 1)
}

func TestUndoAfterDeleteRestoresIdenticalNote(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	defer svc.Close(context.Background())

	n, _ := svc.Create("a", "body")
	require.NoError(t, svc.Tag(n.ID, "x"))
	before, _ := svc.Get(n.ID)

	f.clock.Advance(time.Minute)
	require.NoError(t, svc.Delete(n.ID))
	require.NoError(t, svc.Undo())

	after, err := svc.Get(n.ID)
	require.NoError(t, err)
	require.True(t, before.Equal(after))
	require.True(t, svc.UndoState().CanRedo)
}

func TestChangesSince(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	ctx := context.Background()

	a, _ := svc.Create("a", "")
	b, _ := svc.Create("b", "")
	_, err := svc.Update(a.ID, models.Patch{Body: ptr("new")})
	require.NoError(t, err)

	evs, next, err := svc.ChangesSince(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, []models.NoteID{a.ID, b.ID, a.ID}, []models.NoteID{evs[0].NoteID, evs[1].NoteID, evs[2].NoteID})
	require.NotNil(t, evs[0].Note)
	require.Equal(t, "new", evs[0].Note.Body)

	evs, _, err = svc.ChangesSince(ctx, next, 0)
	require.NoError(t, err)
	require.Empty(t, evs)

	_, _, err = svc.ChangesSince(ctx, "bogus", 0)
	require.Error(t, err)
	require.NoError(t, svc.Close(ctx))

	// Sequence numbers continue across restarts.
	svc = f.open(t)
	defer svc.Close(ctx)
	_, _ = svc.Create("c", "")
	evs, _, err = svc.ChangesSince(ctx, next, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(4), evs[0].Seq)
}

func TestCompactForgetsHistory(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	defer svc.Close(context.Background())

	ctx := context.Background()
	n, _ := svc.Create("old", "")
	require.NoError(t, svc.Delete(n.ID))
	f.clock.Advance(48 * time.Hour)

	require.Equal(t, []models.NoteID{n.ID}, svc.Compact(ctx))
	_, err := svc.Get(n.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.ErrorIs(t, svc.Undo(), apperr.ErrEmptyStack)

	// The create and delete entries aged out with the note; the purge stays.
	_, _, err = svc.ChangesSince(ctx, "1", 0)
	require.ErrorIs(t, err, journal.ErrCursorExpired)
	evs, _, err := svc.ChangesSince(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.ChangePurged, evs[0].Kind)
	require.Equal(t, n.ID, evs[0].NoteID)

	require.NoError(t, svc.Flush(context.Background()))
	_, err = os.Stat(filepath.Join(f.dir, persist.NotePath(n.ID)))
	require.True(t, os.IsNotExist(err))
}

func TestRenameTagForgetsTouchedHistory(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	defer svc.Close(context.Background())

	a, _ := svc.Create("a", "")
	require.NoError(t, svc.Tag(a.ID, "old"))
	require.NoError(t, svc.RenameTag("old", "new"))

	got, _ := svc.Get(a.ID)
	require.Equal(t, []string{"new"}, got.Tags)
	require.False(t, svc.UndoState().CanUndo)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	defer svc.Close(context.Background())

	var (
		mu    sync.Mutex
		kinds []models.ChangeKind
	)
	unsub := svc.Subscribe(func(ev models.ChangeEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	n, _ := svc.Create("a", "")
	require.NoError(t, svc.Delete(n.ID))
	unsub()
	require.NoError(t, svc.Restore(n.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []models.ChangeKind{models.ChangeCreated, models.ChangeDeleted}, kinds)
}

func TestClosedServiceRejectsMutations(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	require.NoError(t, svc.Close(context.Background()))
	require.NoError(t, svc.Close(context.Background()))

	_, err := svc.Create("a", "")
	require.ErrorIs(t, err, apperr.ErrClosed)
	_, err = svc.ApplyRemote(models.RemoteChange{NoteID: "x"})
	require.ErrorIs(t, err, apperr.ErrClosed)
}

func TestOpenRejectsNewerStore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, persist.ManifestFile), []byte("schema: 9\n"), 0o644))

	_, err := Open(context.Background(), Options{Store: f.store, Logger: testutil.Logger()})
	var merr *apperr.MigrationError
	require.True(t, errors.As(err, &merr), "err = %v", err)
}

func TestOpenUpgradesLegacyRecords(t *testing.T) {
	f := newFixture(t)
	notesDir := filepath.Join(f.dir, persist.NotesDir)
	require.NoError(t, os.MkdirAll(notesDir, 0o755))
	legacy := "---\ntitle: Old\nlast_modified: 2021-10-05 13:22:11\nmood: happy\n---\nhello\n"
	require.NoError(t, os.WriteFile(filepath.Join(notesDir, "old.md"), []byte(legacy), 0o644))

	svc := f.open(t)
	defer svc.Close(context.Background())

	n, err := svc.Get("old")
	require.NoError(t, err)
	require.Equal(t, "Old", n.Title)

	data, err := os.ReadFile(filepath.Join(notesDir, "old.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "schema: 2")
	require.Contains(t, string(data), "mood: happy")

	_, err = os.Stat(filepath.Join(f.dir, persist.ManifestFile))
	require.NoError(t, err)
}

func TestStatusAndRemoteApply(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	defer svc.Close(context.Background())

	n, _ := svc.Create("a", "")
	remote := n
	remote.Body = "from peer"
	remote.ModifiedAt = n.ModifiedAt.Add(time.Minute)
	applied, err := svc.ApplyRemote(models.RemoteChange{NoteID: n.ID, Note: &remote})
	require.NoError(t, err)
	require.True(t, applied)
	svc.SetSyncCursor("peer-42")

	st := svc.Status()
	require.Equal(t, 1, st.Notes)
	require.Equal(t, 0, st.Trashed)
	require.Equal(t, "peer-42", st.SyncCursor)
	require.Equal(t, uint64(3), st.LastSeq)
	require.True(t, st.Undo.CanUndo)

	require.NoError(t, svc.Flush(context.Background()))
	require.Zero(t, svc.Status().PendingWrites)
	data, err := os.ReadFile(filepath.Join(f.dir, persist.NotePath(n.ID)))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "from peer"))
}

func TestSuggestAndSorted(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t)
	defer svc.Close(context.Background())

	_, _ = svc.Create("banana bread", "")
	f.clock.Advance(time.Second)
	c, _ := svc.Create("carrot cake", "")
	f.clock.Advance(time.Second)
	_, _ = svc.Create("apple pie", "")
	_, err := svc.Update(c.ID, models.Patch{Pinned: ptr(true)})
	require.NoError(t, err)

	require.Equal(t, []string{"carrot cake", "apple pie", "banana bread"},
		titles(svc.Sorted(index.Order{Key: index.Alphabetical})))

	got := svc.Suggest("crt", 5)
	require.NotEmpty(t, got)
	require.Equal(t, c.ID, got[0].ID)
}
