package order

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/events"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

// Txn рабочая копия заказа на время одного перехода. Изменения попадают в хранилище
// только через Commit, поэтому при отказе процессора заказ остаётся прежним.
type Txn struct {
	Name       string
	Order      *entity.Order
	Milestones []*entity.Milestone
	Dispute    *entity.Dispute
	Actor      entity.Actor
	Params     json.RawMessage
	Now        time.Time
	// Resumed true, когда переход повторяется после сверки.
	Resumed bool
	Escrow  EscrowCoordinator
	Config  Config

	ledger         repository.LedgerRepository
	owner          uuid.UUID
	entries        []*entity.LedgerEntry
	touched        map[uuid.UUID]bool
	disputeChanged bool
	emitted        []emission
}

type emission struct {
	eventType events.Type
	outcome   string
}

func (e *Engine) newTxn(ctx context.Context, h Handler, o *entity.Order, actor entity.Actor, params json.RawMessage, resumed bool) (*Txn, error) {
	milestones, err := e.orders.FindMilestones(ctx, o.ID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить этапы заказа")
	}
	copies := make([]*entity.Milestone, len(milestones))
	for i, m := range milestones {
		copies[i] = m.Clone()
	}

	tx := &Txn{
		Name:       h.Name,
		Order:      o.Clone(),
		Milestones: copies,
		Actor:      actor,
		Params:     params,
		Now:        e.now(),
		Resumed:    resumed,
		Escrow:     e.escrow,
		Config:     e.cfg,
		ledger:     e.ledger,
		touched:    make(map[uuid.UUID]bool),
	}

	if o.DisputeID != nil {
		d, err := e.disputes.FindByID(ctx, *o.DisputeID)
		switch {
		case errors.Is(err, repository.ErrDisputeNotFound):
		case err != nil:
			return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить спор")
		default:
			tx.Dispute = d.Clone()
		}
	}
	return tx, nil
}

// Bind разбирает параметры перехода в v.
func (tx *Txn) Bind(v any) error {
	if len(tx.Params) == 0 || string(tx.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(tx.Params, v); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeBadRequest, "некорректные параметры перехода")
	}
	return nil
}

// Append добавляет запись журнала, которая будет записана вместе с заказом.
func (tx *Txn) Append(entry *entity.LedgerEntry) {
	tx.entries = append(tx.entries, entry)
}

func (tx *Txn) TouchMilestone(m *entity.Milestone) {
	tx.touched[m.ID] = true
}

// TouchAll отмечает изменёнными все этапы.
func (tx *Txn) TouchAll() {
	for _, m := range tx.Milestones {
		tx.touched[m.ID] = true
	}
}

func (tx *Txn) SetDispute(d *entity.Dispute) {
	tx.Dispute = d
	tx.disputeChanged = true
}

// Emit ставит событие в очередь на публикацию после фиксации.
func (tx *Txn) Emit(t events.Type, outcome string) {
	tx.emitted = append(tx.emitted, emission{eventType: t, outcome: outcome})
}

// Balance баланс удержания заказа по журналу.
func (tx *Txn) Balance(ctx context.Context) (entity.Balance, error) {
	b, err := tx.ledger.Balance(ctx, tx.Order.ID, tx.Order.Currency)
	if err != nil {
		return entity.Balance{}, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить баланс удержания")
	}
	return b, nil
}

// Entries записи журнала заказа в порядке sequence.
func (tx *Txn) Entries(ctx context.Context) ([]*entity.LedgerEntry, error) {
	entries, err := tx.ledger.ListByOrder(ctx, tx.Order.ID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось загрузить журнал")
	}
	return entries, nil
}

func (tx *Txn) changedMilestones() []*entity.Milestone {
	var out []*entity.Milestone
	for _, m := range tx.Milestones {
		if tx.touched[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func (tx *Txn) changedDispute() *entity.Dispute {
	if !tx.disputeChanged {
		return nil
	}
	return tx.Dispute
}
