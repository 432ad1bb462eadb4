package valueobject

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

const DefaultCurrency = "USD"

// MinorUnits число знаков после запятой, с которым работает процессор.
const MinorUnits = 2

type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	if amount.IsNegative() {
		return Money{}, apperror.New(apperror.ErrCodeValidation, "сумма не может быть отрицательной")
	}
	if amount.Exponent() < -MinorUnits && !amount.Equal(amount.Round(MinorUnits)) {
		return Money{}, apperror.New(apperror.ErrCodeValidation, "сумма не может содержать больше двух знаков после запятой")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return Money{}, apperror.New(apperror.ErrCodeValidation, "код валюты должен состоять из трёх букв")
	}
	return Money{Amount: amount, Currency: currency}, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Currency, m.Amount.StringFixed(MinorUnits))
}

// Pricing фиксирует разбивку суммы заказа на комиссию площадки и доход исполнителя.
// Считается один раз при создании заказа и больше не пересчитывается.
type Pricing struct {
	Amount             decimal.Decimal
	PlatformFee        decimal.Decimal
	FreelancerEarnings decimal.Decimal
	Currency           string
}

func NewPricing(amount, fee decimal.Decimal, currency string) (Pricing, error) {
	total, err := NewMoney(amount, currency)
	if err != nil {
		return Pricing{}, err
	}
	if !total.Amount.IsPositive() {
		return Pricing{}, apperror.New(apperror.ErrCodeValidation, "сумма заказа должна быть положительной")
	}
	feeMoney, err := NewMoney(fee, currency)
	if err != nil {
		return Pricing{}, err
	}
	if feeMoney.Amount.GreaterThanOrEqual(total.Amount) {
		return Pricing{}, apperror.New(apperror.ErrCodeValidation, "комиссия должна быть меньше суммы заказа")
	}
	return Pricing{
		Amount:             total.Amount,
		PlatformFee:        feeMoney.Amount,
		FreelancerEarnings: total.Amount.Sub(feeMoney.Amount),
		Currency:           total.Currency,
	}, nil
}

// Balanced проверяет инвариант amount = platformFee + freelancerEarnings.
func (p Pricing) Balanced() bool {
	return p.Amount.Equal(p.PlatformFee.Add(p.FreelancerEarnings))
}

// SplitFee распределяет комиссию пропорционально частям суммы.
// Остаток от округления достаётся последней части, поэтому сумма долей всегда равна fee.
func SplitFee(total, fee decimal.Decimal, parts []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(parts))
	if len(parts) == 0 || total.IsZero() {
		return shares
	}
	allocated := decimal.Zero
	for i, part := range parts {
		if i == len(parts)-1 {
			shares[i] = fee.Sub(allocated)
			break
		}
		share := fee.Mul(part).Div(total).Round(MinorUnits)
		shares[i] = share
		allocated = allocated.Add(share)
	}
	return shares
}
