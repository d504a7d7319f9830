// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"magicwork-backend/internal/models"
)

// MemStore is an in-memory session store with the same semantics as the
// Postgres repository. Setting a field in Fail makes the named operation
// return that error.
type MemStore struct {
	mu      sync.Mutex
	active  map[string]*models.ActiveSession
	history []*models.PracticeSessionRecord

	Fail map[string]error
}

func NewMemStore() *MemStore {
	return &MemStore{
		active: make(map[string]*models.ActiveSession),
		Fail:   make(map[string]error),
	}
}

func (m *MemStore) failure(op string) error {
	return m.Fail[op]
}

func (m *MemStore) UpsertActive(ctx context.Context, s *models.ActiveSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertActive"); err != nil {
		return err
	}

	cp := *s
	if existing, ok := m.active[s.SessionID]; ok {
		cp.StartedAt = existing.StartedAt
		cp.UserID = coalesce(cp.UserID, existing.UserID)
		cp.CardID = coalesce(cp.CardID, existing.CardID)
		cp.VideoAssetID = coalesce(cp.VideoAssetID, existing.VideoAssetID)
		cp.AudioAssetID = coalesce(cp.AudioAssetID, existing.AudioAssetID)
	}
	m.active[s.SessionID] = &cp
	return nil
}

func (m *MemStore) ExtendActive(ctx context.Context, sessionID string, heartbeatAt, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ExtendActive"); err != nil {
		return false, err
	}

	s, ok := m.active[sessionID]
	if !ok || !s.ExpiresAt.After(heartbeatAt) {
		return false, nil
	}
	s.LastHeartbeatAt = heartbeatAt
	s.ExpiresAt = expiresAt
	return true, nil
}

func (m *MemStore) CompleteSession(ctx context.Context, rec *models.PracticeSessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CompleteSession"); err != nil {
		return err
	}

	rec.ID = uuid.New()
	rec.Completed = true
	cp := *rec
	m.history = append(m.history, &cp)
	delete(m.active, rec.SessionID)
	return nil
}

func (m *MemStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SweepExpired"); err != nil {
		return 0, err
	}

	var n int64
	for id, s := range m.active {
		if s.ExpiresAt.Before(now) {
			delete(m.active, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CountLive(ctx context.Context, spaceName string, cardIndex int, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CountLive"); err != nil {
		return 0, err
	}

	count := 0
	for _, s := range m.active {
		if s.SpaceName == spaceName && s.CardIndex == cardIndex && s.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) CountLiveByCard(ctx context.Context, spaceName string, now time.Time) (map[int]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CountLiveByCard"); err != nil {
		return nil, err
	}

	counts := make(map[int]int)
	for _, s := range m.active {
		if s.SpaceName == spaceName && s.ExpiresAt.After(now) {
			counts[s.CardIndex]++
		}
	}
	return counts, nil
}

func (m *MemStore) ListHistory(ctx context.Context, f models.HistoryFilter) ([]*models.PracticeSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ListHistory"); err != nil {
		return nil, err
	}

	var out []*models.PracticeSessionRecord
	for _, rec := range m.history {
		if f.UserID != "" && (rec.UserID == nil || *rec.UserID != f.UserID) {
			continue
		}
		if f.SpaceName != "" && rec.SpaceName != f.SpaceName {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Active returns a copy of the physical row, expired or not.
func (m *MemStore) Active(sessionID string) (models.ActiveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[sessionID]
	if !ok {
		return models.ActiveSession{}, false
	}
	return *s, true
}

// ActiveRows counts physical rows, including expired ones not yet swept.
func (m *MemStore) ActiveRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *MemStore) HistoryRecords() []models.PracticeSessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PracticeSessionRecord, 0, len(m.history))
	for _, rec := range m.history {
		out = append(out, *rec)
	}
	return out
}

func coalesce(v, fallback *string) *string {
	if v != nil {
		return v
	}
	return fallback
}

// RecordingPublisher captures published live-count updates.
type RecordingPublisher struct {
	mu      sync.Mutex
	Updates []models.LiveCountsUpdate
	Err     error
}

func (p *RecordingPublisher) PublishLiveCounts(ctx context.Context, update models.LiveCountsUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Updates = append(p.Updates, update)
	return nil
}

func (p *RecordingPublisher) Published() []models.LiveCountsUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.LiveCountsUpdate(nil), p.Updates...)
}
