package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
)

type LedgerStore struct {
	s *state
}

var _ repository.LedgerRepository = (*LedgerStore)(nil)

func (r *LedgerStore) Append(ctx context.Context, entries ...*entity.LedgerEntry) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.appendEntries(entries), nil
}

func (r *LedgerStore) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*entity.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	entries := r.s.ledger[orderID]
	out := make([]*entity.LedgerEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (r *LedgerStore) Balance(ctx context.Context, orderID uuid.UUID, currency string) (entity.Balance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return entity.BalanceOf(currency, r.s.ledger[orderID]), nil
}

// appendEntries вызывается под s.mu.
func (s *state) appendEntries(entries []*entity.LedgerEntry) int {
	inserted := 0
	for _, e := range entries {
		if e.Status == valueobject.LedgerStatusCompleted {
			if _, dup := s.completedKeys[e.IdempotencyKey]; dup {
				continue
			}
			s.completedKeys[e.IdempotencyKey] = struct{}{}
		}
		c := *e
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		c.Sequence = int64(len(s.ledger[c.OrderID]) + 1)
		s.ledger[c.OrderID] = append(s.ledger[c.OrderID], &c)
		e.ID, e.Sequence, e.CreatedAt = c.ID, c.Sequence, c.CreatedAt
		inserted++
	}
	return inserted
}
