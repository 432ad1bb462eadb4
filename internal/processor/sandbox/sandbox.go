// Package sandbox процессор в памяти для STORAGE=memory и тестов. Поведение каждого
// следующего вызова можно заскриптовать: отказ, недоступность или зависание.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/processor"
)

type Op string

const (
	OpCapture  Op = "capture"
	OpTransfer Op = "transfer"
	OpRefund   Op = "refund"
)

type Behavior int

const (
	Succeed Behavior = iota
	Decline
	Unavailable
	// Hang применяет операцию, но не отвечает до истечения контекста.
	Hang
	// HangPending не отвечает и оставляет операцию в pending до вызова Settle.
	HangPending
)

type Sandbox struct {
	mu      sync.Mutex
	records map[string]processor.Result
	scripts map[Op][]Behavior
	calls   map[Op]int
	effects map[Op]int
}

var _ processor.Processor = (*Sandbox)(nil)

func New() *Sandbox {
	return &Sandbox{
		records: make(map[string]processor.Result),
		scripts: make(map[Op][]Behavior),
		calls:   make(map[Op]int),
		effects: make(map[Op]int),
	}
}

// Script задаёт поведение следующих вызовов операции; после исчерпания списка вызовы успешны.
func (s *Sandbox) Script(op Op, behaviors ...Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[op] = append(s.scripts[op], behaviors...)
}

// Calls число обращений к операции, включая повторы.
func (s *Sandbox) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Effects число реально применённых движений денег.
func (s *Sandbox) Effects(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effects[op]
}

// Settle завершает операцию, оставленную в pending поведением HangPending.
func (s *Sandbox) Settle(key string, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Status != processor.StatusPending {
		return
	}
	if succeeded {
		rec.Status = processor.StatusSucceeded
		s.effects[Op(rec.Reason)]++
	} else {
		rec.Status = processor.StatusFailed
	}
	s.records[key] = rec
}

func (s *Sandbox) Capture(ctx context.Context, req processor.CaptureRequest) (processor.Result, error) {
	return s.call(ctx, OpCapture, req.IdempotencyKey)
}

func (s *Sandbox) Transfer(ctx context.Context, req processor.TransferRequest) (processor.Result, error) {
	return s.call(ctx, OpTransfer, req.IdempotencyKey)
}

func (s *Sandbox) Refund(ctx context.Context, req processor.RefundRequest) (processor.Result, error) {
	return s.call(ctx, OpRefund, req.IdempotencyKey)
}

func (s *Sandbox) Lookup(ctx context.Context, key string) (processor.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return processor.Result{}, processor.ErrUnknownKey
	}
	rec.AlreadyProcessed = rec.Status == processor.StatusSucceeded
	return rec, nil
}

func (s *Sandbox) call(ctx context.Context, op Op, key string) (processor.Result, error) {
	s.mu.Lock()
	s.calls[op]++

	if rec, ok := s.records[key]; ok && rec.Status != processor.StatusPending {
		s.mu.Unlock()
		if rec.Status == processor.StatusFailed {
			return processor.Result{}, processor.ErrDeclined
		}
		rec.AlreadyProcessed = true
		return rec, nil
	}

	behavior := Succeed
	if queue := s.scripts[op]; len(queue) > 0 {
		behavior = queue[0]
		s.scripts[op] = queue[1:]
	}

	ref := fmt.Sprintf("%s_%s", op, uuid.NewString()[:12])
	switch behavior {
	case Decline:
		s.records[key] = processor.Result{Ref: ref, Status: processor.StatusFailed}
		s.mu.Unlock()
		return processor.Result{}, processor.ErrDeclined
	case Unavailable:
		s.mu.Unlock()
		return processor.Result{}, processor.ErrUnavailable
	case Hang:
		s.records[key] = processor.Result{Ref: ref, Status: processor.StatusSucceeded}
		s.effects[op]++
		s.mu.Unlock()
		<-ctx.Done()
		return processor.Result{}, ctx.Err()
	case HangPending:
		if _, ok := s.records[key]; !ok {
			s.records[key] = processor.Result{Ref: ref, Status: processor.StatusPending, Reason: string(op)}
		}
		s.mu.Unlock()
		<-ctx.Done()
		return processor.Result{}, ctx.Err()
	}

	result := processor.Result{Ref: ref, Status: processor.StatusSucceeded}
	s.records[key] = result
	s.effects[op]++
	s.mu.Unlock()
	return result, nil
}
