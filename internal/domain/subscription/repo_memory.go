package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/priorauth/internal/domain/priorauth"
)

type memEntry struct {
	sub Subscription
	seq int64
}

// MemoryRepo keeps subscriptions in process memory.
type MemoryRepo struct {
	mu   sync.RWMutex
	seq  int64
	now  func() time.Time
	subs map[string]*memEntry
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{now: time.Now, subs: make(map[string]*memEntry)}
}

func cloneSub(s *Subscription) *Subscription {
	out := *s
	if s.ErrorText != nil {
		text := *s.ErrorText
		out.ErrorText = &text
	}
	return &out
}

func (m *MemoryRepo) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	m.seq++
	m.subs[sub.ID] = &memEntry{sub: *cloneSub(sub), seq: m.seq}
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.subs[id]
	if !ok {
		return nil, priorauth.NotFound(priorauth.KindSubscription, id)
	}
	return cloneSub(&e.sub), nil
}

func (m *MemoryRepo) ListByClaimResponse(_ context.Context, responseID, patientID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []*memEntry
	for _, e := range m.subs {
		if e.sub.ClaimResponseID == responseID && e.sub.PatientID == patientID {
			found = append(found, e)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq > found[j].seq })

	out := make([]*Subscription, len(found))
	for i, e := range found {
		out[i] = cloneSub(&e.sub)
	}
	return out, nil
}

func (m *MemoryRepo) UpdateStatus(_ context.Context, id string, status Status, errorText *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.subs[id]
	if !ok {
		return priorauth.NotFound(priorauth.KindSubscription, id)
	}
	e.sub.Status = status
	e.sub.ErrorText = nil
	if errorText != nil {
		text := *errorText
		e.sub.ErrorText = &text
	}
	e.sub.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryRepo) Delete(_ context.Context, id, patientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.subs[id]
	if !ok || e.sub.PatientID != patientID {
		return priorauth.NotFound(priorauth.KindSubscription, id)
	}
	delete(m.subs, id)
	return nil
}

// Ping satisfies db.Pinger.
func (m *MemoryRepo) Ping(context.Context) error { return nil }
