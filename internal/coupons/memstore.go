package coupons

import (
	"context"
	"sort"
	"sync"
	"time"
)

type usageKey struct {
	couponID, userID int64
}

// MemStore is an in-process Store for STORAGE=memory runs and tests.
type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	coupons map[int64]Coupon
	usages  map[usageKey]time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{coupons: map[int64]Coupon{}, usages: map[usageKey]time.Time{}}
}

func (s *MemStore) FindByCode(_ context.Context, code string, branchID int64) (*Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code = Normalize(code)
	var best *Coupon
	for _, c := range s.coupons {
		if c.Code != code || c.BranchID != branchID {
			continue
		}
		c := c
		if best == nil || (c.Active && !best.Active) || (c.Active == best.Active && c.ID > best.ID) {
			best = &c
		}
	}
	return best, nil
}

func (s *MemStore) FindByID(_ context.Context, id int64) (*Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemStore) HasUsage(_ context.Context, couponID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.usages[usageKey{couponID, userID}]
	return ok, nil
}

func (s *MemStore) InsertUsage(_ context.Context, couponID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{couponID, userID}
	if _, ok := s.usages[k]; ok {
		return ErrUsageExists
	}
	s.usages[k] = time.Now().UTC()
	return nil
}

func (s *MemStore) Create(_ context.Context, c *Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.ID = s.nextID
	s.coupons[c.ID] = *c
	return nil
}

func (s *MemStore) ListByBranch(_ context.Context, branchID int64) ([]Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Coupon
	for _, c := range s.coupons {
		if c.BranchID == branchID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[id]
	if !ok {
		return ErrNotFound
	}
	c.Active = false
	s.coupons[id] = c
	return nil
}

// Usages returns how many usages were recorded in total.
func (s *MemStore) Usages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.usages)
}
