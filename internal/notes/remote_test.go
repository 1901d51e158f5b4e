package notes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/models"
)

func TestApplyRemoteNewNote(t *testing.T) {
	r, _, rec := testRepo(t)
	local, _ := r.Create("local", "")

	incoming := models.Note{ID: "remote-1", Title: "From phone", Tags: []string{"Inbox"}, CreatedAt: t0, ModifiedAt: t0}
	applied, err := r.ApplyRemote(models.RemoteChange{NoteID: "remote-1", Note: &incoming})
	require.NoError(t, err)
	require.True(t, applied)

	n, ok := r.Get("remote-1")
	require.True(t, ok)
	require.Equal(t, []string{"inbox"}, n.Tags)
	require.Equal(t, []models.NoteID{local, "remote-1"}, r.Manifest().Order)

	last := rec.events[len(rec.events)-1]
	require.Equal(t, models.ChangeRemote, last.Kind)
	require.Equal(t, models.OriginRemote, last.Origin)
}

func TestApplyRemoteLastWriterWins(t *testing.T) {
	r, clock, _ := testRepo(t)
	id, _ := r.Create("v1", "")
	clock.Advance(time.Minute)
	require.NoError(t, r.Update(id, models.Patch{Title: ptr("v2")}))
	local, _ := r.Get(id)

	older := local
	older.Title = "stale"
	older.ModifiedAt = local.ModifiedAt.Add(-time.Second)
	applied, err := r.ApplyRemote(models.RemoteChange{NoteID: id, Note: &older})
	require.NoError(t, err)
	require.False(t, applied)
	got, _ := r.Get(id)
	require.Equal(t, "v2", got.Title)

	newer := local
	newer.Title = "v3"
	newer.ModifiedAt = local.ModifiedAt.Add(time.Second)
	applied, err = r.ApplyRemote(models.RemoteChange{NoteID: id, Note: &newer})
	require.NoError(t, err)
	require.True(t, applied)
	got, _ = r.Get(id)
	require.Equal(t, "v3", got.Title)

	// Applying the same record twice changes nothing.
	applied, err = r.ApplyRemote(models.RemoteChange{NoteID: id, Note: &newer})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestApplyRemoteTieConverges(t *testing.T) {
	base := models.Note{ID: "x", CreatedAt: t0, ModifiedAt: t0.Add(time.Minute)}
	left, right := base, base
	left.Title = "left"
	right.Title = "right"

	// Two replicas receive each other's version with the same timestamp.
	r1, _, _ := testRepo(t)
	r2, _, _ := testRepo(t)
	_, err := r1.ApplyRemote(models.RemoteChange{NoteID: "x", Note: &left})
	require.NoError(t, err)
	_, err = r2.ApplyRemote(models.RemoteChange{NoteID: "x", Note: &right})
	require.NoError(t, err)

	_, err = r1.ApplyRemote(models.RemoteChange{NoteID: "x", Note: &right})
	require.NoError(t, err)
	_, err = r2.ApplyRemote(models.RemoteChange{NoteID: "x", Note: &left})
	require.NoError(t, err)

	n1, _ := r1.Get("x")
	n2, _ := r2.Get("x")
	require.Equal(t, n1.Title, n2.Title)
}

func TestApplyRemoteTombstone(t *testing.T) {
	r, _, _ := testRepo(t)
	id, _ := r.Create("a", "")
	n, _ := r.Get(id)

	stale := n.ModifiedAt.Add(-time.Hour)
	applied, err := r.ApplyRemote(models.RemoteChange{NoteID: id, Tombstone: &stale})
	require.NoError(t, err)
	require.False(t, applied)

	at := n.ModifiedAt.Add(time.Hour)
	applied, err = r.ApplyRemote(models.RemoteChange{NoteID: id, Tombstone: &at})
	require.NoError(t, err)
	require.True(t, applied)
	got, _ := r.Get(id)
	require.True(t, got.Trashed())

	applied, err = r.ApplyRemote(models.RemoteChange{NoteID: "unknown", Tombstone: &at})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestApplyRemoteRejectsBadInput(t *testing.T) {
	r, _, _ := testRepo(t)
	at := t0
	n := models.Note{ID: "a", CreatedAt: t0, ModifiedAt: t0}

	_, err := r.ApplyRemote(models.RemoteChange{NoteID: "../x", Note: &n})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = r.ApplyRemote(models.RemoteChange{NoteID: "a"})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = r.ApplyRemote(models.RemoteChange{NoteID: "a", Note: &n, Tombstone: &at})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = r.ApplyRemote(models.RemoteChange{NoteID: "b", Note: &n})
	require.ErrorIs(t, err, apperr.ErrInvalid)
}
