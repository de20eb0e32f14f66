// Package sqlitestore implements the storage capability over SQLite,
// using the key layout:
//
//	<prefix>:<docId>:meta                       document metadata
//	<prefix>:<docId>:update                     compacted update (unencrypted)
//	<prefix>:<docId>:rec:<base64(messageId)>    ciphertext record (encrypted)
//	<prefix>:milestone:<docId>:meta             milestone listing
//	<prefix>:milestone:<docId>:content:<id>     milestone snapshot
//	<prefix>:file:<base64(fileId)>:meta         file metadata
//	<prefix>:file:<base64(fileId)>:chunk:<n>    file chunk
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS teleportal_kv (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL
);`

// DB wraps an opened SQLite database shared by the store and its
// attached sub-stores.
type DB struct {
	sql    *sql.DB
	prefix string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (and if needed initializes) the SQLite database at path.
func Open(path, prefix string) (*DB, error) {
	var db, err = sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite schema: %w", err)
	}
	return &DB{sql: db, prefix: prefix, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database.
func (db *DB) Close() error { return db.sql.Close() }

func (db *DB) get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	var err = db.sql.QueryRowContext(ctx, `SELECT v FROM teleportal_kv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func (db *DB) put(ctx context.Context, key string, value []byte) error {
	var _, err = db.sql.ExecContext(ctx,
		`INSERT INTO teleportal_kv (k, v) VALUES (?, ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v`, key, value)
	return err
}

func (db *DB) deleteRange(ctx context.Context, prefix string) error {
	var _, err = db.sql.ExecContext(ctx,
		`DELETE FROM teleportal_kv WHERE k >= ? AND k < ?`, prefix, prefix+"\xff")
	return err
}

func (db *DB) scanRange(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	var rows, err = db.sql.QueryContext(ctx,
		`SELECT k, v FROM teleportal_kv WHERE k >= ? AND k < ? ORDER BY k`, prefix, prefix+"\xff")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err = rows.Scan(&key, &value); err != nil {
			return err
		}
		if err = fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (db *DB) docLock(docID string) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()

	var lock, ok = db.locks[docID]
	if !ok {
		lock = new(sync.Mutex)
		db.locks[docID] = lock
	}
	return lock
}

// persistedMeta is the serialized shape of document metadata. Encrypted
// documents additionally persist the seen-messages state vector.
type persistedMeta struct {
	storage.Metadata
	SeenMessages []byte `json:"seenMessages,omitempty"`
}

// Store implements storage.Store over a DB, in either variant.
type Store struct {
	db   *DB
	typ  storage.StoreType
	crdt storage.CRDT // Used by the unencrypted variant only.

	milestones storage.MilestoneStore
	files      storage.FileStore
}

// NewStore returns an unencrypted SQLite-backed store merging through crdt.
func NewStore(db *DB, crdt storage.CRDT) *Store {
	return &Store{db: db, typ: storage.TypeUnencrypted, crdt: crdt}
}

// NewEncryptedStore returns an encrypted SQLite-backed store.
func NewEncryptedStore(db *DB) *Store {
	return &Store{db: db, typ: storage.TypeEncrypted}
}

// AttachMilestones wires a milestone sub-store for delete cascades.
func (s *Store) AttachMilestones(ms storage.MilestoneStore) { s.milestones = ms }

// AttachFiles wires a file sub-store for delete cascades.
func (s *Store) AttachFiles(fs storage.FileStore) { s.files = fs }

func (s *Store) Type() storage.StoreType { return s.typ }

func (s *Store) metaKey(docID string) string {
	return s.db.prefix + ":" + docID + ":meta"
}

func (s *Store) updateKey(docID string) string {
	return s.db.prefix + ":" + docID + ":update"
}

func (s *Store) recKey(docID string, id message.EncryptedMessageID) string {
	return s.db.prefix + ":" + docID + ":rec:" + base64.StdEncoding.EncodeToString([]byte(id))
}

func (s *Store) recPrefix(docID string) string {
	return s.db.prefix + ":" + docID + ":rec:"
}

func (s *Store) readMeta(ctx context.Context, docID string) (*persistedMeta, error) {
	var raw, err = s.db.get(ctx, s.metaKey(docID))
	if err != nil || raw == nil {
		return nil, err
	}
	var meta persistedMeta
	if err = json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata of %q: %w", docID, err)
	}
	return &meta, nil
}

func (s *Store) writeMeta(ctx context.Context, docID string, meta *persistedMeta) error {
	var raw, err = json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.put(ctx, s.metaKey(docID), raw)
}

func (s *Store) touchMeta(ctx context.Context, docID string, seen message.StateVector) error {
	var meta, err = s.readMeta(ctx, docID)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &persistedMeta{Metadata: storage.Metadata{
			CreatedAt: time.Now(),
			Encrypted: s.typ == storage.TypeEncrypted,
		}}
	}
	meta.UpdatedAt = time.Now()
	if seen != nil {
		meta.SeenMessages = message.EncodeStateVector(seen)
	}
	return s.writeMeta(ctx, docID, meta)
}

func (s *Store) seenMessages(ctx context.Context, docID string) (message.StateVector, error) {
	var meta, err = s.readMeta(ctx, docID)
	if err != nil {
		return nil, err
	}
	if meta == nil || len(meta.SeenMessages) == 0 {
		return message.StateVector{}, nil
	}
	return message.DecodeStateVector(meta.SeenMessages)
}

func (s *Store) HandleSyncStep1(ctx context.Context, docID string, stateVector []byte) (*storage.SyncResult, error) {
	if s.typ == storage.TypeEncrypted {
		return s.encryptedSyncStep1(ctx, docID, stateVector)
	}

	var update, err = s.db.get(ctx, s.updateKey(docID))
	if err != nil {
		return nil, err
	}
	diff, err := s.crdt.Diff(update, stateVector)
	if err != nil {
		return nil, err
	}
	sv, err := s.crdt.StateVector(update)
	if err != nil {
		return nil, err
	}
	return &storage.SyncResult{Update: diff, StateVector: sv}, nil
}

func (s *Store) encryptedSyncStep1(ctx context.Context, docID string, stateVector []byte) (*storage.SyncResult, error) {
	var peer = message.StateVector{}
	var err error
	if len(stateVector) != 0 {
		if peer, err = message.DecodeStateVector(stateVector); err != nil {
			return nil, err
		}
	}

	var missing []message.EncryptedMessage
	err = s.db.scanRange(ctx, s.recPrefix(docID), func(_ string, value []byte) error {
		var records, err = message.DecodeUpdateList(value)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if !peer.Covers(rec.ClientID, rec.Counter) {
				missing = append(missing, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen, err := s.seenMessages(ctx, docID)
	if err != nil {
		return nil, err
	}
	return &storage.SyncResult{
		Update:      message.EncodeSyncStep2(missing),
		StateVector: message.EncodeStateVector(seen),
	}, nil
}

func (s *Store) HandleSyncStep2(ctx context.Context, docID string, update []byte) error {
	if s.typ == storage.TypeEncrypted {
		var msgs, err = message.DecodeSyncStep2(update)
		if err != nil {
			return err
		}
		return s.storeEncrypted(ctx, docID, msgs)
	}
	return s.HandleUpdate(ctx, docID, update)
}

func (s *Store) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	if s.typ == storage.TypeEncrypted {
		var msgs, err = message.DecodeUpdateList(update)
		if err != nil {
			return err
		}
		return s.storeEncrypted(ctx, docID, msgs)
	}

	var lock = s.db.docLock(docID)
	lock.Lock()
	defer lock.Unlock()

	var stored, err = s.db.get(ctx, s.updateKey(docID))
	if err != nil {
		return err
	}
	merged, err := s.crdt.Merge(stored, update)
	if err != nil {
		return err
	}
	if err = s.db.put(ctx, s.updateKey(docID), merged); err != nil {
		return err
	}
	return s.touchMeta(ctx, docID, nil)
}

func (s *Store) storeEncrypted(ctx context.Context, docID string, msgs []message.EncryptedMessage) error {
	var lock = s.db.docLock(docID)
	lock.Lock()
	defer lock.Unlock()

	var seen, err = s.seenMessages(ctx, docID)
	if err != nil {
		return err
	}
	for _, rec := range msgs {
		if rec.ID == "" {
			rec.ID = message.NewEncryptedMessageID(rec.Payload)
		}
		if err = s.db.put(ctx, s.recKey(docID, rec.ID), message.EncodeUpdateList([]message.EncryptedMessage{rec})); err != nil {
			return err
		}
		seen.Observe(rec.ClientID, rec.Counter)
	}
	return s.touchMeta(ctx, docID, seen)
}

func (s *Store) GetDocument(ctx context.Context, docID string) (*storage.Document, error) {
	if s.typ == storage.TypeEncrypted {
		var result, err = s.encryptedSyncStep1(ctx, docID, nil)
		if err != nil {
			return nil, err
		}
		if meta, err := s.readMeta(ctx, docID); err != nil {
			return nil, err
		} else if meta == nil {
			return nil, nil
		}
		return &storage.Document{Update: result.Update, StateVector: result.StateVector}, nil
	}

	var update, err = s.db.get(ctx, s.updateKey(docID))
	if err != nil {
		return nil, err
	}
	if update == nil {
		return nil, nil
	}
	sv, err := s.crdt.StateVector(update)
	if err != nil {
		return nil, err
	}
	return &storage.Document{Update: update, StateVector: sv}, nil
}

func (s *Store) GetDocumentMetadata(ctx context.Context, docID string) (*storage.Metadata, error) {
	var meta, err = s.readMeta(ctx, docID)
	if err != nil || meta == nil {
		return nil, err
	}
	var out = meta.Metadata
	return &out, nil
}

func (s *Store) WriteDocumentMetadata(ctx context.Context, docID string, meta *storage.Metadata) error {
	var prev, err = s.readMeta(ctx, docID)
	if err != nil {
		return err
	}
	var next = persistedMeta{Metadata: *meta}
	if prev != nil {
		next.SeenMessages = prev.SeenMessages
	}
	return s.writeMeta(ctx, docID, &next)
}

func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	if err := s.db.deleteRange(ctx, s.db.prefix+":"+docID+":"); err != nil {
		return err
	}
	if s.milestones != nil {
		if err := s.milestones.DeleteDocumentMilestones(ctx, docID); err != nil {
			return err
		}
	}
	if s.files != nil {
		if err := s.files.DeleteDocumentFiles(ctx, docID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Transaction(ctx context.Context, docID string, fn func(ctx context.Context) error) error {
	var lock = s.db.docLock("txn:" + docID)
	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

var _ storage.Store = (*Store)(nil)
