package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
)

type DisputeStore struct {
	s *state
}

var _ repository.DisputeRepository = (*DisputeStore)(nil)

func (r *DisputeStore) FindByID(ctx context.Context, id uuid.UUID) (*entity.Dispute, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.disputes[id]
	if !ok {
		return nil, repository.ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (r *DisputeStore) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*entity.Dispute, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*entity.Dispute
	for _, d := range r.s.disputes {
		if d.OrderID == orderID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}
