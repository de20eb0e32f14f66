package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teleportal-dev/teleportal/storage"
)

// Milestones implements storage.MilestoneStore over a DB. The listing
// lives under one meta key per document; snapshots under content keys.
type Milestones struct {
	db *DB
}

// NewMilestones returns a SQLite-backed milestone store.
func NewMilestones(db *DB) *Milestones { return &Milestones{db: db} }

func (m *Milestones) metaKey(docID string) string {
	return m.db.prefix + ":milestone:" + docID + ":meta"
}

func (m *Milestones) contentKey(docID, milestoneID string) string {
	return m.db.prefix + ":milestone:" + docID + ":content:" + milestoneID
}

func (m *Milestones) readList(ctx context.Context, docID string) ([]storage.MilestoneInfo, error) {
	var raw, err = m.db.get(ctx, m.metaKey(docID))
	if err != nil || raw == nil {
		return nil, err
	}
	var list []storage.MilestoneInfo
	if err = json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decoding milestone listing of %q: %w", docID, err)
	}
	return list, nil
}

func (m *Milestones) writeList(ctx context.Context, docID string, list []storage.MilestoneInfo) error {
	var raw, err = json.Marshal(list)
	if err != nil {
		return err
	}
	return m.db.put(ctx, m.metaKey(docID), raw)
}

func (m *Milestones) ListMilestones(ctx context.Context, docID string) ([]storage.MilestoneInfo, error) {
	var lock = m.db.docLock("milestone:" + docID)
	lock.Lock()
	defer lock.Unlock()
	return m.readList(ctx, docID)
}

func (m *Milestones) GetMilestone(ctx context.Context, docID, milestoneID string) (*storage.Milestone, error) {
	var lock = m.db.docLock("milestone:" + docID)
	lock.Lock()
	defer lock.Unlock()

	var list, err = m.readList(ctx, docID)
	if err != nil {
		return nil, err
	}
	for _, info := range list {
		if info.ID != milestoneID {
			continue
		}
		var snapshot []byte
		if snapshot, err = m.db.get(ctx, m.contentKey(docID, milestoneID)); err != nil {
			return nil, err
		}
		return &storage.Milestone{MilestoneInfo: info, Snapshot: snapshot}, nil
	}
	return nil, storage.ErrUnknownMilestone
}

func (m *Milestones) CreateMilestone(ctx context.Context, docID, name string, snapshot []byte) (*storage.Milestone, error) {
	var lock = m.db.docLock("milestone:" + docID)
	lock.Lock()
	defer lock.Unlock()

	var list, err = m.readList(ctx, docID)
	if err != nil {
		return nil, err
	}

	var ms = storage.Milestone{
		MilestoneInfo: storage.MilestoneInfo{
			ID:        uuid.NewString(),
			Name:      name,
			CreatedAt: time.Now(),
		},
		Snapshot: snapshot,
	}
	if err = m.db.put(ctx, m.contentKey(docID, ms.ID), snapshot); err != nil {
		return nil, err
	}
	if err = m.writeList(ctx, docID, append(list, ms.MilestoneInfo)); err != nil {
		return nil, err
	}
	return &ms, nil
}

func (m *Milestones) UpdateMilestoneName(ctx context.Context, docID, milestoneID, name string) error {
	var lock = m.db.docLock("milestone:" + docID)
	lock.Lock()
	defer lock.Unlock()

	var list, err = m.readList(ctx, docID)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == milestoneID {
			list[i].Name = name
			return m.writeList(ctx, docID, list)
		}
	}
	return storage.ErrUnknownMilestone
}

func (m *Milestones) DeleteMilestone(ctx context.Context, docID, milestoneID string) error {
	var lock = m.db.docLock("milestone:" + docID)
	lock.Lock()
	defer lock.Unlock()

	var list, err = m.readList(ctx, docID)
	if err != nil {
		return err
	}
	var kept = list[:0]
	var found bool
	for _, info := range list {
		if info.ID == milestoneID {
			found = true
			continue
		}
		kept = append(kept, info)
	}
	if !found {
		return storage.ErrUnknownMilestone
	}
	if err = m.db.deleteRange(ctx, m.contentKey(docID, milestoneID)); err != nil {
		return err
	}
	return m.writeList(ctx, docID, kept)
}

func (m *Milestones) DeleteDocumentMilestones(ctx context.Context, docID string) error {
	var lock = m.db.docLock("milestone:" + docID)
	lock.Lock()
	defer lock.Unlock()
	return m.db.deleteRange(ctx, m.db.prefix+":milestone:"+docID+":")
}

var _ storage.MilestoneStore = (*Milestones)(nil)
