package memstore

import (
	"cmp"
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func (s *Store) SavePlan(_ context.Context, p *billing.Plan) error {
	if p == nil || p.ID == uuid.Nil {
		return billing.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.plans {
		if id != p.ID && p.ExternalProductID != "" && other.ExternalProductID == p.ExternalProductID {
			return billing.ErrConflict
		}
	}
	s.plans[p.ID] = clonePlan(*p)
	return nil
}

func (s *Store) GetPlan(_ context.Context, id uuid.UUID) (*billing.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	out := clonePlan(p)
	return &out, nil
}

func (s *Store) FindPlanByExternalID(_ context.Context, externalProductID string) (*billing.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans {
		if p.ExternalProductID == externalProductID {
			out := clonePlan(p)
			return &out, nil
		}
	}
	return nil, billing.ErrNotFound
}

// ListPlans returns plans ordered by SortOrder, then name.
func (s *Store) ListPlans(_ context.Context, activeOnly bool) ([]billing.Plan, error) {
	s.mu.RLock()
	out := make([]billing.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, clonePlan(p))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b billing.Plan) int {
		if c := cmp.Compare(a.SortOrder, b.SortOrder); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) DeletePlan(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return billing.ErrNotFound
	}
	delete(s.plans, id)
	for pid, pr := range s.prices {
		if pr.PlanID != nil && *pr.PlanID == id {
			pr.PlanID = nil
			s.prices[pid] = pr
		}
	}
	return nil
}

func (s *Store) SavePrice(_ context.Context, p *billing.Price) error {
	if p == nil || p.ID == uuid.Nil {
		return billing.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.prices {
		if id != p.ID && p.ExternalID != "" && other.ExternalID == p.ExternalID {
			return billing.ErrConflict
		}
	}
	if p.Active {
		for id, other := range s.prices {
			if other.Active && p.SameSlot(&other) {
				other.Active = false
				other.UpdatedAt = p.UpdatedAt
				s.prices[id] = other
			}
		}
	}
	s.prices[p.ID] = *p
	return nil
}

func (s *Store) GetPrice(_ context.Context, id uuid.UUID) (*billing.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &p, nil
}

func (s *Store) FindPriceByExternalID(_ context.Context, externalID string) (*billing.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.prices {
		if p.ExternalID == externalID {
			return &p, nil
		}
	}
	return nil, billing.ErrNotFound
}

// ListPrices returns the plan's prices ordered by interval, then amount.
func (s *Store) ListPrices(_ context.Context, planID uuid.UUID) ([]billing.Price, error) {
	s.mu.RLock()
	var out []billing.Price
	for _, p := range s.prices {
		if p.PlanID != nil && *p.PlanID == planID {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b billing.Price) int {
		if c := cmp.Compare(a.Interval, b.Interval); c != 0 {
			return c
		}
		return cmp.Compare(a.Amount.Amount, b.Amount.Amount)
	})
	return out, nil
}

func clonePlan(p billing.Plan) billing.Plan {
	p.Features = slices.Clone(p.Features)
	p.Capabilities = slices.Clone(p.Capabilities)
	return p
}
