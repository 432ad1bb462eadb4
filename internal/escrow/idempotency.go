package escrow

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
)

// IdempotencyKey детерминированный ключ операции: один и тот же заказ, этап и вид
// операции всегда дают один ключ, поэтому повтор после таймаута не двоит деньги.
func IdempotencyKey(orderID uuid.UUID, milestoneID *uuid.UUID, kind valueobject.OperationKind) string {
	parts := []string{orderID.String(), "-", string(kind)}
	if milestoneID != nil {
		parts[1] = milestoneID.String()
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// entryKey ключ отдельной записи журнала внутри операции.
func entryKey(opKey string, entryType valueobject.LedgerEntryType) string {
	return opKey + ":" + string(entryType)
}
