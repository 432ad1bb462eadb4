package entity

import (
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
)

// Actor тот, кто инициирует переход: пользователь и роль, в которой он действует.
type Actor struct {
	UserID uuid.UUID        `json:"user_id"`
	Role   valueobject.Role `json:"role"`
}

// SystemActor используется фоновыми задачами.
var SystemActor = Actor{Role: valueobject.RoleSystem}

// CanAct проверяет роль и, для сторон сделки, что пользователь действительно участник заказа.
func (a Actor) CanAct(order *Order, roles ...valueobject.Role) bool {
	allowed := false
	for _, r := range roles {
		if r == a.Role {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	switch a.Role {
	case valueobject.RoleBuyer:
		return a.UserID == order.BuyerID
	case valueobject.RoleSeller:
		return a.UserID == order.SellerID
	}
	return true
}
