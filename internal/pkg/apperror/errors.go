package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError   ErrorCode = "DATABASE_ERROR"
	ErrCodeRevisionLimit   ErrorCode = "REVISION_LIMIT_EXCEEDED"
	ErrCodePaymentDeclined ErrorCode = "PAYMENT_DECLINED"
	ErrCodeEscrowFailed    ErrorCode = "ESCROW_OPERATION_FAILED"
	ErrCodeEscrowPending   ErrorCode = "ESCROW_OPERATION_PENDING"
	ErrCodeStaleState      ErrorCode = "STALE_ORDER_STATE"
	ErrCodeDisputeConflict ErrorCode = "DISPUTE_CONFLICT"
)

// AppError типизированная ошибка движка. Retryable выставляется только
// для ошибок платёжного процессора, которые имеет смысл повторить.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает код и сообщение, чтобы errors.Is работал с предопределёнными значениями
// даже после копирования ошибки.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

// EscrowFailed описывает отказ процессора. Состояние заказа при этом не меняется.
func EscrowFailed(err error, retryable bool) *AppError {
	message := "платёжная операция отклонена"
	if retryable {
		message = "проблема с платежом, обратитесь в поддержку"
	}
	appErr := Wrap(err, ErrCodeEscrowFailed, message)
	appErr.Retryable = retryable
	return appErr
}

// EscrowPending означает, что процессор не ответил вовремя и операция будет сверена позже.
func EscrowPending(err error) *AppError {
	return Wrap(err, ErrCodeEscrowPending, "платёж обрабатывается")
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeRevisionLimit:
		return http.StatusUnprocessableEntity
	case ErrCodeConflict, ErrCodeStaleState, ErrCodeDisputeConflict:
		return http.StatusConflict
	case ErrCodePaymentDeclined:
		return http.StatusPaymentRequired
	case ErrCodeEscrowFailed:
		return http.StatusBadGateway
	case ErrCodeEscrowPending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

func IsForbidden(err error) bool {
	return CodeOf(err) == ErrCodeForbidden
}

// IsValidation учитывает и превышение лимита правок: это тоже ошибка входных данных.
func IsValidation(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeValidation || code == ErrCodeRevisionLimit
}

func IsStale(err error) bool {
	return CodeOf(err) == ErrCodeStaleState
}

func IsDisputeConflict(err error) bool {
	return CodeOf(err) == ErrCodeDisputeConflict
}

func IsEscrowPending(err error) bool {
	return CodeOf(err) == ErrCodeEscrowPending
}

func IsEscrowFailed(err error) bool {
	return CodeOf(err) == ErrCodeEscrowFailed
}

var (
	ErrOrderNotFound         = New(ErrCodeNotFound, "заказ не найден")
	ErrMilestoneNotFound     = New(ErrCodeNotFound, "этап не найден")
	ErrDisputeNotFound       = New(ErrCodeNotFound, "спор не найден")
	ErrUnauthorized          = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrForbidden             = New(ErrCodeForbidden, "недостаточно прав")
	ErrRevisionLimitExceeded = New(ErrCodeRevisionLimit, "лимит правок исчерпан")
	ErrPaymentDeclined       = New(ErrCodePaymentDeclined, "недостаточно средств или платёж отклонён")
	ErrStaleOrderState       = New(ErrCodeStaleState, "заказ был изменён, перечитайте его и повторите")
	ErrDisputeConflict       = New(ErrCodeDisputeConflict, "по заказу открыт спор")
	ErrOrderTerminal         = New(ErrCodeValidation, "заказ уже завершён")
	ErrInvalidTransition     = New(ErrCodeValidation, "переход недопустим в текущем статусе")
)
