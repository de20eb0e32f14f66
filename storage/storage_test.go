package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/teleportal-dev/teleportal/message"
)

func TestOpLogMergeIsIdempotent(t *testing.T) {
	var crdt = OpLog{}
	var u1 = OpLogRecord(1, 1, []byte("one"))
	var u2 = OpLogRecord(2, 1, []byte("two"))

	var once, err = crdt.Merge(u1, u2)
	require.NoError(t, err)
	twice, err := crdt.Merge(once, u2)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestOpLogDiff(t *testing.T) {
	var crdt = OpLog{}
	var merged, err = crdt.Merge(OpLogRecord(1, 1, []byte("a")), OpLogRecord(1, 2, []byte("b")))
	require.NoError(t, err)

	sv, err := crdt.StateVector(OpLogRecord(1, 1, []byte("a")))
	require.NoError(t, err)

	diff, err := crdt.Diff(merged, sv)
	require.NoError(t, err)
	require.Equal(t, OpLogRecord(1, 2, []byte("b")), diff)

	// Empty state vector yields the full update.
	diff, err = crdt.Diff(merged, nil)
	require.NoError(t, err)
	require.Equal(t, merged, diff)
}

func TestMemorySyncRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemory(OpLog{})

	require.NoError(t, store.HandleUpdate(ctx, "docA", OpLogRecord(7, 1, []byte("hello"))))

	// A peer with an empty vector receives the full document.
	var result, err = store.HandleSyncStep1(ctx, "docA", nil)
	require.NoError(t, err)
	require.Equal(t, OpLogRecord(7, 1, []byte("hello")), result.Update)

	// A caught-up peer receives an empty diff.
	result, err = store.HandleSyncStep1(ctx, "docA", result.StateVector)
	require.NoError(t, err)
	require.Empty(t, result.Update)
}

func TestMemoryUpdateIdempotent(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemory(OpLog{})
	var update = OpLogRecord(1, 1, []byte("x"))

	require.NoError(t, store.HandleUpdate(ctx, "docA", update))
	var doc1, err = store.GetDocument(ctx, "docA")
	require.NoError(t, err)

	require.NoError(t, store.HandleUpdate(ctx, "docA", update))
	doc2, err := store.GetDocument(ctx, "docA")
	require.NoError(t, err)

	require.Equal(t, doc1.Update, doc2.Update)
}

func TestMemoryGetDocumentAbsent(t *testing.T) {
	var doc, err = NewMemory(OpLog{}).GetDocument(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestEncryptedSyncStep1EmitsOnlyMissing(t *testing.T) {
	var ctx = context.Background()
	var store = NewEncryptedMemory()

	var records = []message.EncryptedMessage{
		{ClientID: 1, Counter: 1, Payload: []byte("c1-1")},
		{ClientID: 1, Counter: 2, Payload: []byte("c1-2")},
		{ClientID: 2, Counter: 1, Payload: []byte("c2-1")},
	}
	require.NoError(t, store.HandleUpdate(ctx, "docE", message.EncodeUpdateList(records)))

	var peer = message.StateVector{1: 1}
	var result, err = store.HandleSyncStep1(ctx, "docE", message.EncodeStateVector(peer))
	require.NoError(t, err)

	missing, err := message.DecodeSyncStep2(result.Update)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	for _, rec := range missing {
		require.False(t, peer.Covers(rec.ClientID, rec.Counter))
	}

	sv, err := message.DecodeStateVector(result.StateVector)
	require.NoError(t, err)
	require.Equal(t, message.StateVector{1: 2, 2: 1}, sv)
}

func TestEncryptedSeenIsMonotone(t *testing.T) {
	var ctx = context.Background()
	var store = NewEncryptedMemory()

	require.NoError(t, store.HandleUpdate(ctx, "docE", message.EncodeUpdateList([]message.EncryptedMessage{
		{ClientID: 1, Counter: 5, Payload: []byte("high")},
	})))
	require.NoError(t, store.HandleUpdate(ctx, "docE", message.EncodeUpdateList([]message.EncryptedMessage{
		{ClientID: 1, Counter: 3, Payload: []byte("late")},
	})))

	// A late lower counter is stored but never lowers the maximum.
	require.Equal(t, message.StateVector{1: 5}, store.SeenMessages("docE"))
}

func TestEncryptedRejectsMalformedFrames(t *testing.T) {
	var ctx = context.Background()
	var store = NewEncryptedMemory()

	require.Error(t, store.HandleUpdate(ctx, "docE", []byte{0xff}))
	require.Error(t, store.HandleSyncStep2(ctx, "docE", []byte{0x07}))
}

func TestDeleteDocumentCascades(t *testing.T) {
	var ctx = context.Background()
	var milestones = NewMemoryMilestones()
	var files = NewMemoryFiles()
	var store = NewMemory(OpLog{}, WithMilestones(milestones), WithFiles(files))

	require.NoError(t, store.HandleUpdate(ctx, "docA", OpLogRecord(1, 1, []byte("x"))))
	var _, err = milestones.CreateMilestone(ctx, "docA", "v1", []byte("snap"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteDocument(ctx, "docA"))

	doc, err := store.GetDocument(ctx, "docA")
	require.NoError(t, err)
	require.Nil(t, doc)

	listed, err := milestones.ListMilestones(ctx, "docA")
	require.NoError(t, err)
	require.Empty(t, listed)
}

func TestAddDocumentFile(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemory(OpLog{})

	require.NoError(t, AddDocumentFile(ctx, store, "docA", "file-1"))
	require.NoError(t, AddDocumentFile(ctx, store, "docA", "file-1")) // Idempotent.
	require.NoError(t, AddDocumentFile(ctx, store, "docA", "file-2"))

	var meta, err = store.GetDocumentMetadata(ctx, "docA")
	require.NoError(t, err)
	require.Equal(t, []string{"file-1", "file-2"}, meta.Files)
}

func TestMilestoneCRUD(t *testing.T) {
	var ctx = context.Background()
	var milestones = NewMemoryMilestones()

	var created, err = milestones.CreateMilestone(ctx, "docA", "draft", []byte("snap"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := milestones.GetMilestone(ctx, "docA", created.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("snap"), got.Snapshot)

	require.NoError(t, milestones.UpdateMilestoneName(ctx, "docA", created.ID, "final"))
	got, err = milestones.GetMilestone(ctx, "docA", created.ID)
	require.NoError(t, err)
	require.Equal(t, "final", got.Name)

	require.NoError(t, milestones.DeleteMilestone(ctx, "docA", created.ID))
	_, err = milestones.GetMilestone(ctx, "docA", created.ID)
	require.ErrorIs(t, err, ErrUnknownMilestone)
}
