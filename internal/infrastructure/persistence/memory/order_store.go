package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
)

type OrderStore struct {
	s *state
}

var _ repository.OrderRepository = (*OrderStore)(nil)

func (r *OrderStore) Create(ctx context.Context, order *entity.Order, milestones []*entity.Milestone) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.orders[order.ID]; ok {
		return repository.ErrVersionConflict
	}
	r.s.orders[order.ID] = order.Clone()
	r.s.milestones[order.ID] = cloneMilestones(milestones)
	return nil
}

func (r *OrderStore) FindByID(ctx context.Context, id uuid.UUID) (*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *OrderStore) FindMilestones(ctx context.Context, orderID uuid.UUID) ([]*entity.Milestone, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return cloneMilestones(r.s.milestones[orderID]), nil
}

func (r *OrderStore) AcquireLock(ctx context.Context, req repository.LockRequest) (*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[req.OrderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	if o.Version != req.Version {
		return nil, repository.ErrVersionConflict
	}

	expired := o.LockedUntil == nil || !o.LockedUntil.After(req.Now)
	if req.Resume {
		if o.PendingTransition == nil || !expired {
			return nil, repository.ErrVersionConflict
		}
	} else if o.PendingTransition != nil || (o.LockOwner != nil && !expired) {
		return nil, repository.ErrVersionConflict
	}

	owner, until := req.Owner, req.Until
	o.Version++
	o.LockOwner = &owner
	o.LockedUntil = &until
	return o.Clone(), nil
}

func (r *OrderStore) Commit(ctx context.Context, change repository.OrderChange) (*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.orders[change.Order.ID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	if stored.LockOwner == nil || *stored.LockOwner != change.Owner {
		return nil, repository.ErrLockNotHeld
	}

	next := change.Order.Clone()
	next.Version = stored.Version + 1
	next.LockOwner = nil
	next.LockedUntil = nil
	next.PendingTransition = nil
	next.PendingParams = nil
	r.s.orders[next.ID] = next

	if len(change.Milestones) > 0 {
		current := r.s.milestones[next.ID]
		for _, updated := range change.Milestones {
			for i, m := range current {
				if m.ID == updated.ID {
					current[i] = updated.Clone()
				}
			}
		}
	}
	if change.Dispute != nil {
		r.s.disputes[change.Dispute.ID] = change.Dispute.Clone()
	}
	r.s.appendEntries(change.Entries)

	return next.Clone(), nil
}

func (r *OrderStore) Park(ctx context.Context, order *entity.Order, owner uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.orders[order.ID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if stored.LockOwner == nil || *stored.LockOwner != owner {
		return repository.ErrLockNotHeld
	}
	stored.EscrowStatus = order.EscrowStatus
	stored.PendingTransition = order.PendingTransition
	stored.PendingParams = append([]byte(nil), order.PendingParams...)
	stored.LockedUntil = order.LockedUntil
	stored.UpdatedAt = order.UpdatedAt
	return nil
}

func (r *OrderStore) ReleaseLock(ctx context.Context, orderID, owner uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if stored.LockOwner == nil || *stored.LockOwner != owner {
		return repository.ErrLockNotHeld
	}
	stored.Version++
	stored.LockOwner = nil
	stored.LockedUntil = nil
	return nil
}

func (r *OrderStore) ListAutoApprovable(ctx context.Context, now time.Time, limit int) ([]*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*entity.Order
	for _, o := range r.s.orders {
		if o.Status != valueobject.OrderStatusDelivered || o.EscrowStatus != valueobject.EscrowStatusHeld {
			continue
		}
		if o.PendingTransition != nil || o.ResponseDeadline == nil || o.ResponseDeadline.After(now) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseDeadline.Before(*out[j].ResponseDeadline) })
	return truncate(out, limit), nil
}

func (r *OrderStore) ListParked(ctx context.Context, lockedBefore time.Time, limit int) ([]*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*entity.Order
	for _, o := range r.s.orders {
		if o.PendingTransition == nil {
			continue
		}
		if o.LockedUntil != nil && o.LockedUntil.After(lockedBefore) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func truncate(orders []*entity.Order, limit int) []*entity.Order {
	if limit > 0 && len(orders) > limit {
		return orders[:limit]
	}
	return orders
}

func cloneMilestones(in []*entity.Milestone) []*entity.Milestone {
	if in == nil {
		return nil
	}
	out := make([]*entity.Milestone, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
