package priorauth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds claims, items and responses in process memory. Every row
// carries an insertion sequence so "most recent first" is stable even when
// timestamps collide.
type MemoryStore struct {
	mu        sync.RWMutex
	seq       int64
	now       func() time.Time
	claims    map[string]*memClaim
	items     map[itemKey]*ClaimItem
	responses map[string][]*memResponse // id -> versions, oldest first
}

type memClaim struct {
	claim Claim
	seq   int64
}

type memResponse struct {
	resp ClaimResponse
	seq  int64
}

type itemKey struct {
	claimID  string
	sequence int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		claims:    make(map[string]*memClaim),
		items:     make(map[itemKey]*ClaimItem),
		responses: make(map[string][]*memResponse),
	}
}

// Claims, Items and Responses expose the store through the repository
// interfaces.
func (s *MemoryStore) Claims() ClaimRepository            { return (*memClaimRepo)(s) }
func (s *MemoryStore) Items() ClaimItemRepository         { return (*memItemRepo)(s) }
func (s *MemoryStore) Responses() ClaimResponseRepository { return (*memResponseRepo)(s) }

// Ping satisfies db.Pinger.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func cloneClaim(c *Claim) *Claim {
	out := *c
	if c.RelatedID != nil {
		rid := *c.RelatedID
		out.RelatedID = &rid
	}
	if c.RawPayload != nil {
		out.RawPayload = append([]byte(nil), c.RawPayload...)
	}
	return &out
}

func cloneResponse(r *ClaimResponse) *ClaimResponse {
	out := *r
	if r.Items != nil {
		out.Items = append([]ItemAdjudication(nil), r.Items...)
	}
	return &out
}

// =========== Claims ===========

type memClaimRepo MemoryStore

func (r *memClaimRepo) Create(_ context.Context, c *Claim) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.claims[c.ID] = &memClaim{claim: *cloneClaim(c), seq: s.nextSeq()}
	return nil
}

func (r *memClaimRepo) GetByID(_ context.Context, id string) (*Claim, error) {
	s := (*MemoryStore)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	mc, ok := s.claims[id]
	if !ok {
		return nil, NotFound(KindClaim, id)
	}
	return cloneClaim(&mc.claim), nil
}

func (r *memClaimRepo) GetByIDForPatient(ctx context.Context, id, patientID string) (*Claim, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.PatientID != patientID {
		return nil, NotFound(KindClaim, id)
	}
	return c, nil
}

func (r *memClaimRepo) ListSuccessors(_ context.Context, id string) ([]*Claim, error) {
	s := (*MemoryStore)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []*memClaim
	for _, mc := range s.claims {
		if mc.claim.RelatedID != nil && *mc.claim.RelatedID == id {
			found = append(found, mc)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq > found[j].seq })

	out := make([]*Claim, len(found))
	for i, mc := range found {
		out[i] = cloneClaim(&mc.claim)
	}
	return out, nil
}

func (r *memClaimRepo) UpdateStatus(_ context.Context, id string, status ClaimStatus) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.claims[id]
	if !ok {
		return NotFound(KindClaim, id)
	}
	mc.claim.Status = status
	return nil
}

func (r *memClaimRepo) Delete(_ context.Context, id, patientID string) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.claims[id]
	if !ok || mc.claim.PatientID != patientID {
		return NotFound(KindClaim, id)
	}
	delete(s.claims, id)
	return nil
}

// =========== Items ===========

type memItemRepo MemoryStore

func (r *memItemRepo) Create(_ context.Context, item *ClaimItem) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	item.UpdatedAt = s.now().UTC()
	cp := *item
	s.items[itemKey{item.ClaimID, item.Sequence}] = &cp
	return nil
}

func (r *memItemRepo) Get(_ context.Context, claimID string, sequence int) (*ClaimItem, error) {
	s := (*MemoryStore)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[itemKey{claimID, sequence}]
	if !ok {
		return nil, NotFound(KindClaimItem, claimID)
	}
	cp := *it
	return &cp, nil
}

func (r *memItemRepo) ListByClaim(_ context.Context, claimID string) ([]*ClaimItem, error) {
	s := (*MemoryStore)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ClaimItem
	for k, it := range s.items {
		if k.claimID == claimID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *memItemRepo) Update(_ context.Context, claimID string, sequence int, status ClaimStatus, outcome ItemOutcome) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemKey{claimID, sequence}]
	if !ok {
		return NotFound(KindClaimItem, claimID)
	}
	it.Status = status
	it.Outcome = outcome
	it.UpdatedAt = s.now().UTC()
	return nil
}

func (r *memItemRepo) UpdateAllForClaim(_ context.Context, claimID string, status ClaimStatus, outcome ItemOutcome) (int, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, it := range s.items {
		if k.claimID != claimID {
			continue
		}
		it.Status = status
		it.Outcome = outcome
		it.UpdatedAt = s.now().UTC()
		n++
	}
	return n, nil
}

// =========== Responses ===========

type memResponseRepo MemoryStore

func (r *memResponseRepo) Create(_ context.Context, cr *ClaimResponse) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.responses[cr.ID]
	cr.Version = len(versions) + 1
	cr.CreatedAt = s.now().UTC()
	s.responses[cr.ID] = append(versions, &memResponse{resp: *cloneResponse(cr), seq: s.nextSeq()})
	return nil
}

func (r *memResponseRepo) GetByID(_ context.Context, id string) (*ClaimResponse, error) {
	s := (*MemoryStore)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.responses[id]
	if len(versions) == 0 {
		return nil, NotFound(KindClaimResponse, id)
	}
	return cloneResponse(&versions[len(versions)-1].resp), nil
}

// latest returns the newest version of every response matching keep, most
// recent first by the response's first version.
func (s *MemoryStore) latest(keep func(*ClaimResponse) bool) []*ClaimResponse {
	type entry struct {
		resp  *ClaimResponse
		first int64
	}
	var found []entry
	for _, versions := range s.responses {
		if len(versions) == 0 {
			continue
		}
		head := &versions[len(versions)-1].resp
		if keep(head) {
			found = append(found, entry{resp: cloneResponse(head), first: versions[0].seq})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].first > found[j].first })

	out := make([]*ClaimResponse, len(found))
	for i, e := range found {
		out[i] = e.resp
	}
	return out
}

func (r *memResponseRepo) GetLatestForClaim(_ context.Context, claimID string) (*ClaimResponse, error) {
	s := (*MemoryStore)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := s.latest(func(cr *ClaimResponse) bool { return cr.ClaimID == claimID })
	if len(found) == 0 {
		return nil, NotFound(KindClaimResponse, claimID)
	}
	return found[0], nil
}

func (r *memResponseRepo) ListByPatient(_ context.Context, patientID string) ([]*ClaimResponse, error) {
	s := (*MemoryStore)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latest(func(cr *ClaimResponse) bool { return cr.PatientID == patientID }), nil
}
