package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	var db, err = Open(filepath.Join(t.TempDir(), "teleportal.db"), "tp")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreSyncRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var store = NewStore(testDB(t), storage.OpLog{})

	require.NoError(t, store.HandleUpdate(ctx, "docA", storage.OpLogRecord(3, 1, []byte("hello"))))
	require.NoError(t, store.HandleUpdate(ctx, "docA", storage.OpLogRecord(3, 2, []byte("world"))))

	var result, err = store.HandleSyncStep1(ctx, "docA", nil)
	require.NoError(t, err)

	doc, err := store.GetDocument(ctx, "docA")
	require.NoError(t, err)
	require.Equal(t, doc.Update, result.Update)
	require.Equal(t, doc.StateVector, result.StateVector)

	// A caught-up peer receives an empty diff.
	result, err = store.HandleSyncStep1(ctx, "docA", doc.StateVector)
	require.NoError(t, err)
	require.Empty(t, result.Update)
}

func TestStoreUpdateIdempotent(t *testing.T) {
	var ctx = context.Background()
	var store = NewStore(testDB(t), storage.OpLog{})
	var update = storage.OpLogRecord(1, 1, []byte("x"))

	require.NoError(t, store.HandleUpdate(ctx, "docA", update))
	var doc1, err = store.GetDocument(ctx, "docA")
	require.NoError(t, err)

	require.NoError(t, store.HandleUpdate(ctx, "docA", update))
	doc2, err := store.GetDocument(ctx, "docA")
	require.NoError(t, err)
	require.Equal(t, doc1.Update, doc2.Update)
}

func TestEncryptedStore(t *testing.T) {
	var ctx = context.Background()
	var store = NewEncryptedStore(testDB(t))

	require.NoError(t, store.HandleUpdate(ctx, "docE", message.EncodeUpdateList([]message.EncryptedMessage{
		{ClientID: 1, Counter: 1, Payload: []byte("a")},
		{ClientID: 1, Counter: 2, Payload: []byte("b")},
		{ClientID: 2, Counter: 1, Payload: []byte("c")},
	})))

	var result, err = store.HandleSyncStep1(ctx, "docE",
		message.EncodeStateVector(message.StateVector{1: 2}))
	require.NoError(t, err)

	missing, err := message.DecodeSyncStep2(result.Update)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, uint32(2), missing[0].ClientID)

	sv, err := message.DecodeStateVector(result.StateVector)
	require.NoError(t, err)
	require.Equal(t, message.StateVector{1: 2, 2: 1}, sv)

	// Metadata round trip survives, and keeps the seen-messages vector.
	meta, err := store.GetDocumentMetadata(ctx, "docE")
	require.NoError(t, err)
	require.True(t, meta.Encrypted)

	meta.Extra = map[string]string{"origin": "test"}
	require.NoError(t, store.WriteDocumentMetadata(ctx, "docE", meta))

	result, err = store.HandleSyncStep1(ctx, "docE", nil)
	require.NoError(t, err)
	sv, err = message.DecodeStateVector(result.StateVector)
	require.NoError(t, err)
	require.Equal(t, message.StateVector{1: 2, 2: 1}, sv)
}

func TestDeleteDocumentCascades(t *testing.T) {
	var ctx = context.Background()
	var db = testDB(t)
	var milestones = NewMilestones(db)
	var store = NewStore(db, storage.OpLog{})
	store.AttachMilestones(milestones)

	require.NoError(t, store.HandleUpdate(ctx, "docA", storage.OpLogRecord(1, 1, []byte("x"))))
	var _, err = milestones.CreateMilestone(ctx, "docA", "v1", []byte("snap"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteDocument(ctx, "docA"))

	doc, err := store.GetDocument(ctx, "docA")
	require.NoError(t, err)
	require.Nil(t, doc)

	list, err := milestones.ListMilestones(ctx, "docA")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestMilestones(t *testing.T) {
	var ctx = context.Background()
	var milestones = NewMilestones(testDB(t))

	var created, err = milestones.CreateMilestone(ctx, "docA", "draft", []byte("snap"))
	require.NoError(t, err)

	got, err := milestones.GetMilestone(ctx, "docA", created.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("snap"), got.Snapshot)

	require.NoError(t, milestones.UpdateMilestoneName(ctx, "docA", created.ID, "final"))
	require.NoError(t, milestones.DeleteMilestone(ctx, "docA", created.ID))

	_, err = milestones.GetMilestone(ctx, "docA", created.ID)
	require.ErrorIs(t, err, storage.ErrUnknownMilestone)
}
