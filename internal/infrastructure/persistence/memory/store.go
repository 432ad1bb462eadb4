// Package memory хранит состояние движка в памяти процесса. Используется в тестах
// и при STORAGE=memory; семантика блокировок и идемпотентности совпадает с PostgreSQL.
package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/models"
)

type state struct {
	mu            sync.Mutex
	orders        map[uuid.UUID]*entity.Order
	milestones    map[uuid.UUID][]*entity.Milestone
	ledger        map[uuid.UUID][]*entity.LedgerEntry
	completedKeys map[string]struct{}
	disputes      map[uuid.UUID]*entity.Dispute
	operations    map[string]*entity.EscrowOperation
	reviews       []*models.Review
}

type Store struct {
	Orders     *OrderStore
	Ledger     *LedgerStore
	Disputes   *DisputeStore
	Operations *OperationStore
	Reviews    *ReviewStore
}

func New() *Store {
	s := &state{
		orders:        make(map[uuid.UUID]*entity.Order),
		milestones:    make(map[uuid.UUID][]*entity.Milestone),
		ledger:        make(map[uuid.UUID][]*entity.LedgerEntry),
		completedKeys: make(map[string]struct{}),
		disputes:      make(map[uuid.UUID]*entity.Dispute),
		operations:    make(map[string]*entity.EscrowOperation),
	}
	return &Store{
		Orders:     &OrderStore{s: s},
		Ledger:     &LedgerStore{s: s},
		Disputes:   &DisputeStore{s: s},
		Operations: &OperationStore{s: s},
		Reviews:    &ReviewStore{s: s},
	}
}
