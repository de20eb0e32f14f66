package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryMilestones is the in-memory milestone store.
type MemoryMilestones struct {
	mu   sync.Mutex
	docs map[string]map[string]*Milestone
}

// NewMemoryMilestones returns an empty in-memory milestone store.
func NewMemoryMilestones() *MemoryMilestones {
	return &MemoryMilestones{docs: make(map[string]map[string]*Milestone)}
}

func (m *MemoryMilestones) ListMilestones(ctx context.Context, docID string) ([]MilestoneInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []MilestoneInfo
	for _, ms := range m.docs[docID] {
		out = append(out, ms.MilestoneInfo)
	}
	return out, nil
}

func (m *MemoryMilestones) GetMilestone(ctx context.Context, docID, milestoneID string) (*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ms, ok = m.docs[docID][milestoneID]
	if !ok {
		return nil, ErrUnknownMilestone
	}
	var out = *ms
	return &out, nil
}

func (m *MemoryMilestones) CreateMilestone(ctx context.Context, docID, name string, snapshot []byte) (*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ms = &Milestone{
		MilestoneInfo: MilestoneInfo{
			ID:        uuid.NewString(),
			Name:      name,
			CreatedAt: time.Now(),
		},
		Snapshot: append([]byte(nil), snapshot...),
	}
	if m.docs[docID] == nil {
		m.docs[docID] = make(map[string]*Milestone)
	}
	m.docs[docID][ms.ID] = ms

	var out = *ms
	return &out, nil
}

func (m *MemoryMilestones) UpdateMilestoneName(ctx context.Context, docID, milestoneID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ms, ok = m.docs[docID][milestoneID]
	if !ok {
		return ErrUnknownMilestone
	}
	ms.Name = name
	return nil
}

func (m *MemoryMilestones) DeleteMilestone(ctx context.Context, docID, milestoneID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[docID][milestoneID]; !ok {
		return ErrUnknownMilestone
	}
	delete(m.docs[docID], milestoneID)
	return nil
}

func (m *MemoryMilestones) DeleteDocumentMilestones(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, docID)
	return nil
}

var _ MilestoneStore = (*MemoryMilestones)(nil)
