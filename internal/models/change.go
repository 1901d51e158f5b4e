package models

import "time"

// ChangeKind names the kind of mutation a ChangeEvent reports.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRestored ChangeKind = "restored"
	ChangePurged   ChangeKind = "purged"
	ChangeTagged   ChangeKind = "tagged"
	ChangeUntagged ChangeKind = "untagged"
	ChangeReverted ChangeKind = "reverted"
	ChangeRemote   ChangeKind = "remote"
	// ChangeManifest reports a collection-level change that touches no note
	// (tag definitions, sync cursor).
	ChangeManifest ChangeKind = "manifest"
)

// Origin tells where a mutation came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginUndo   Origin = "undo"
	OriginRemote Origin = "remote"
)

// ChangeEvent is emitted by the repository after every committed mutation.
type ChangeEvent struct {
	Seq    uint64     `json:"seq"`
	Kind   ChangeKind `json:"kind"`
	NoteID NoteID     `json:"note_id,omitempty"`
	Origin Origin     `json:"origin"`
	At     time.Time  `json:"at"`
	// Note is the post-change snapshot. Nil when the note no longer exists.
	Note *Note `json:"-"`
	// ManifestChanged is set when tag definitions, the fallback order or the
	// sync cursor changed. Manifest then holds the new collection record.
	ManifestChanged bool      `json:"manifest_changed,omitempty"`
	Manifest        *Manifest `json:"-"`
}

// RemoteChange is a change received from a sync peer: either a full note or a
// tombstone for NoteID.
type RemoteChange struct {
	NoteID    NoteID     `json:"note_id"`
	Note      *Note      `json:"note,omitempty"`
	Tombstone *time.Time `json:"tombstone,omitempty"`
}
