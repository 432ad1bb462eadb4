package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
)

type OperationStore struct {
	s *state
}

var _ repository.EscrowOperationRepository = (*OperationStore)(nil)

func (r *OperationStore) Begin(ctx context.Context, op *entity.EscrowOperation) (*entity.EscrowOperation, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.operations[op.IdempotencyKey]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *op
	r.s.operations[op.IdempotencyKey] = &c
	out := c
	return &out, true, nil
}

func (r *OperationStore) FindByKey(ctx context.Context, key string) (*entity.EscrowOperation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	op, ok := r.s.operations[key]
	if !ok {
		return nil, repository.ErrOperationNotFound
	}
	c := *op
	return &c, nil
}

func (r *OperationStore) update(key string, fn func(op *entity.EscrowOperation)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	op, ok := r.s.operations[key]
	if !ok {
		return repository.ErrOperationNotFound
	}
	fn(op)
	return nil
}

func (r *OperationStore) Reopen(ctx context.Context, key string, now time.Time) error {
	return r.update(key, func(op *entity.EscrowOperation) {
		op.Status = valueobject.OperationPending
		op.Retryable = false
		op.UpdatedAt = now
	})
}

func (r *OperationStore) RecordAttempt(ctx context.Context, key string, lastErr string, now time.Time) error {
	return r.update(key, func(op *entity.EscrowOperation) {
		op.Attempts++
		if lastErr != "" {
			op.LastError = &lastErr
		}
		op.UpdatedAt = now
	})
}

func (r *OperationStore) MarkSucceeded(ctx context.Context, key, processorRef string, now time.Time) error {
	return r.update(key, func(op *entity.EscrowOperation) {
		op.Status = valueobject.OperationSucceeded
		op.ProcessorRef = &processorRef
		op.Retryable = false
		op.UpdatedAt = now
	})
}

func (r *OperationStore) MarkFailed(ctx context.Context, key, lastErr string, retryable bool, now time.Time) error {
	return r.update(key, func(op *entity.EscrowOperation) {
		op.Status = valueobject.OperationFailed
		op.LastError = &lastErr
		op.Retryable = retryable
		op.UpdatedAt = now
	})
}

func (r *OperationStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*entity.EscrowOperation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*entity.EscrowOperation
	for _, op := range r.s.operations {
		if op.Status == valueobject.OperationPending && !op.UpdatedAt.After(olderThan) {
			c := *op
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OperationStore) CountPending(ctx context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, op := range r.s.operations {
		if op.Status == valueobject.OperationPending {
			n++
		}
	}
	return n, nil
}
