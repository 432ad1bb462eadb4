package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-engine/internal/processor"
)

func TestSandbox_RepeatedKeyIsAlreadyProcessed(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Capture(ctx, processor.CaptureRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)

	second, err := s.Capture(ctx, processor.CaptureRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.Ref, second.Ref)
	assert.Equal(t, 2, s.Calls(OpCapture))
	assert.Equal(t, 1, s.Effects(OpCapture))
}

func TestSandbox_ScriptedBehaviors(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Script(OpRefund, Unavailable, Decline)

	_, err := s.Refund(ctx, processor.RefundRequest{IdempotencyKey: "a"})
	assert.ErrorIs(t, err, processor.ErrUnavailable)

	_, err = s.Refund(ctx, processor.RefundRequest{IdempotencyKey: "a"})
	assert.ErrorIs(t, err, processor.ErrDeclined)

	// Отказ по ключу окончателен.
	_, err = s.Refund(ctx, processor.RefundRequest{IdempotencyKey: "a"})
	assert.ErrorIs(t, err, processor.ErrDeclined)
	assert.Equal(t, 0, s.Effects(OpRefund))

	_, err = s.Refund(ctx, processor.RefundRequest{IdempotencyKey: "b"})
	assert.NoError(t, err)
}

func TestSandbox_HangAppliesEffect(t *testing.T) {
	s := New()
	s.Script(OpTransfer, Hang)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Transfer(ctx, processor.TransferRequest{IdempotencyKey: "t"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	result, err := s.Lookup(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, processor.StatusSucceeded, result.Status)
	assert.True(t, result.AlreadyProcessed)
	assert.Equal(t, 1, s.Effects(OpTransfer))
}

func TestSandbox_HangPendingUntilSettled(t *testing.T) {
	s := New()
	s.Script(OpCapture, HangPending)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Capture(ctx, processor.CaptureRequest{IdempotencyKey: "p"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	result, err := s.Lookup(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, processor.StatusPending, result.Status)

	s.Settle("p", true)
	result, err = s.Lookup(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, processor.StatusSucceeded, result.Status)
	assert.Equal(t, 1, s.Effects(OpCapture))
}

func TestSandbox_LookupUnknownKey(t *testing.T) {
	_, err := New().Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, processor.ErrUnknownKey)
}
