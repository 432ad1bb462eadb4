package valueobject

type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusActive            OrderStatus = "active"
	OrderStatusDelivered         OrderStatus = "delivered"
	OrderStatusRevisionRequested OrderStatus = "revision_requested"
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusRefunded          OrderStatus = "refunded"

	// OrderStatusDisputed не хранится в БД: это эффективный статус для чтения,
	// пока по заказу открыт спор.
	OrderStatusDisputed OrderStatus = "disputed"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusActive, OrderStatusDelivered, OrderStatusRevisionRequested,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusRefunded
}

func (s OrderStatus) In(statuses ...OrderStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	transitions := map[OrderStatus][]OrderStatus{
		OrderStatusPending:           {OrderStatusActive, OrderStatusCancelled},
		OrderStatusActive:            {OrderStatusDelivered, OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded},
		OrderStatusDelivered:         {OrderStatusRevisionRequested, OrderStatusCompleted, OrderStatusRefunded},
		OrderStatusRevisionRequested: {OrderStatusDelivered, OrderStatusCompleted, OrderStatusRefunded},
	}

	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// EscrowStatus описывает состояние удержанных средств. Статусы *_pending
// означают, что операция у процессора не подтверждена и заказ заблокирован до сверки.
type EscrowStatus string

const (
	EscrowStatusCapturePending EscrowStatus = "capture_pending"
	EscrowStatusHeld           EscrowStatus = "held"
	EscrowStatusFrozen         EscrowStatus = "frozen"
	EscrowStatusReleasePending EscrowStatus = "release_pending"
	EscrowStatusRefundPending  EscrowStatus = "refund_pending"
	EscrowStatusReleased       EscrowStatus = "released"
	EscrowStatusRefunded       EscrowStatus = "refunded"
	EscrowStatusSplit          EscrowStatus = "split"
	EscrowStatusDeclined       EscrowStatus = "declined"
)

func (s EscrowStatus) IsPending() bool {
	return s == EscrowStatusCapturePending || s == EscrowStatusReleasePending || s == EscrowStatusRefundPending
}

type OrderType string

const (
	OrderTypeGig   OrderType = "gig"
	OrderTypeBid   OrderType = "bid"
	OrderTypeQuote OrderType = "quote"
)

func (t OrderType) IsValid() bool {
	return t == OrderTypeGig || t == OrderTypeBid || t == OrderTypeQuote
}

type MilestoneStatus string

const (
	MilestoneStatusPending   MilestoneStatus = "pending"
	MilestoneStatusDelivered MilestoneStatus = "delivered"
	MilestoneStatusApproved  MilestoneStatus = "approved"
	MilestoneStatusReleased  MilestoneStatus = "released"
	MilestoneStatusCancelled MilestoneStatus = "cancelled"
	MilestoneStatusRefunded  MilestoneStatus = "refunded"
)

// IsPaid true, если деньги по этапу уже ушли исполнителю.
func (s MilestoneStatus) IsPaid() bool {
	return s == MilestoneStatusApproved || s == MilestoneStatusReleased
}

type DisputeStatus string

const (
	DisputeStatusOpen        DisputeStatus = "open"
	DisputeStatusUnderReview DisputeStatus = "under_review"
	DisputeStatusEscalated   DisputeStatus = "escalated"
	DisputeStatusResolved    DisputeStatus = "resolved"
)

func (s DisputeStatus) IsOpen() bool {
	return s == DisputeStatusOpen || s == DisputeStatusUnderReview || s == DisputeStatusEscalated
}

func (s DisputeStatus) CanTransitionTo(target DisputeStatus) bool {
	switch s {
	case DisputeStatusOpen:
		return target == DisputeStatusUnderReview || target == DisputeStatusEscalated || target == DisputeStatusResolved
	case DisputeStatusUnderReview:
		return target == DisputeStatusEscalated || target == DisputeStatusResolved
	case DisputeStatusEscalated:
		return target == DisputeStatusResolved
	}
	return false
}

type DisputeOutcome string

const (
	OutcomeReleaseToSeller DisputeOutcome = "release_to_seller"
	OutcomeRefundToBuyer   DisputeOutcome = "refund_to_buyer"
	OutcomeSplit           DisputeOutcome = "split"
)

func (o DisputeOutcome) IsValid() bool {
	return o == OutcomeReleaseToSeller || o == OutcomeRefundToBuyer || o == OutcomeSplit
}

type ReasonCategory string

const (
	ReasonQuality       ReasonCategory = "quality"
	ReasonNotDelivered  ReasonCategory = "not_delivered"
	ReasonScope         ReasonCategory = "scope"
	ReasonCommunication ReasonCategory = "communication"
	ReasonFraud         ReasonCategory = "fraud"
	ReasonOther         ReasonCategory = "other"
)

func (r ReasonCategory) IsValid() bool {
	switch r {
	case ReasonQuality, ReasonNotDelivered, ReasonScope, ReasonCommunication, ReasonFraud, ReasonOther:
		return true
	}
	return false
}

type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleSystem  Role = "system"
	RoleArbiter Role = "arbiter"
)

func (r Role) IsValid() bool {
	return r == RoleBuyer || r == RoleSeller || r == RoleSystem || r == RoleArbiter
}

type LedgerEntryType string

const (
	LedgerPaymentIn   LedgerEntryType = "payment_in"
	LedgerPlatformFee LedgerEntryType = "platform_fee"
	LedgerPayout      LedgerEntryType = "payout"
	LedgerRefund      LedgerEntryType = "refund"
	LedgerDisputeHold LedgerEntryType = "dispute_hold"
)

type LedgerStatus string

// Журнал фиксирует только исходы: ожидание подтверждения хранится в escrow_operations
// и в теневом статусе заказа, поэтому LedgerStatusPending в записи не попадает.
const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

// OperationKind вид обращения к процессору. Входит в ключ идемпотентности,
// поэтому approve и autoApprove используют один и тот же OperationRelease.
type OperationKind string

const (
	OperationCapture          OperationKind = "capture"
	OperationRelease          OperationKind = "release"
	OperationRefund           OperationKind = "refund"
	OperationMilestoneRelease OperationKind = "milestone_release"
	OperationDisputeRelease   OperationKind = "dispute_release"
	OperationDisputeRefund    OperationKind = "dispute_refund"
	// OperationCaptureReversal возврат оплаты заказа, который не удалось сохранить.
	OperationCaptureReversal OperationKind = "capture_reversal"
)

func (k OperationKind) IsRelease() bool {
	return k == OperationRelease || k == OperationMilestoneRelease || k == OperationDisputeRelease
}

func (k OperationKind) IsRefund() bool {
	return k == OperationRefund || k == OperationDisputeRefund || k == OperationCaptureReversal
}

// PendingEscrowStatus теневой статус, в котором заказ ждёт сверки операции этого вида.
func (k OperationKind) PendingEscrowStatus() EscrowStatus {
	switch {
	case k == OperationCapture:
		return EscrowStatusCapturePending
	case k.IsRefund():
		return EscrowStatusRefundPending
	default:
		return EscrowStatusReleasePending
	}
}

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationSucceeded OperationStatus = "succeeded"
	OperationFailed    OperationStatus = "failed"
)
