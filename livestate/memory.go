package livestate

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is the in-process Cache used when no Redis is configured.
// Values are kept encoded so callers never share a decoded copy.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string][]byte
	seqs      map[string]int64
	etas      map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[string][]byte),
		seqs:      make(map[string]int64),
		etas:      make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) SetSchedule(_ context.Context, s *Schedule) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.seqs[s.OrgID]; ok && cur > s.Seq {
		return nil
	}
	m.schedules[s.OrgID] = data
	m.seqs[s.OrgID] = s.Seq
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, orgID string) (*Schedule, error) {
	m.mu.RLock()
	data, ok := m.schedules[orgID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var s Schedule
	return &s, json.Unmarshal(data, &s)
}

func (m *MemoryStore) SetETA(_ context.Context, orgID string, eta *ETA) error {
	data, err := json.Marshal(eta)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.etas[orgID] == nil {
		m.etas[orgID] = make(map[string][]byte)
	}
	m.etas[orgID][eta.TechnicianID] = data
	return nil
}

func (m *MemoryStore) GetETA(_ context.Context, orgID, technicianID string) (*ETA, error) {
	m.mu.RLock()
	data, ok := m.etas[orgID][technicianID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var eta ETA
	return &eta, json.Unmarshal(data, &eta)
}

func (m *MemoryStore) ListETAs(_ context.Context, orgID string) ([]*ETA, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ETA, 0, len(m.etas[orgID]))
	for _, data := range m.etas[orgID] {
		var eta ETA
		if err := json.Unmarshal(data, &eta); err != nil {
			return nil, err
		}
		out = append(out, &eta)
	}
	sortETAs(out)
	return out, nil
}

func sortETAs(etas []*ETA) {
	sort.Slice(etas, func(i, j int) bool { return etas[i].TechnicianID < etas[j].TechnicianID })
}
