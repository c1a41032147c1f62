package installments

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/installments-gateway/pkg/config"
	"github.com/angelmondragon/installments-gateway/pkg/enums"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
)

// AllowedCounts are the only plan lengths offered.
var AllowedCounts = []int{2, 4}

// Minimums holds the smallest order total accepted for each plan length.
type Minimums struct {
	Two  decimal.Decimal
	Four decimal.Decimal
}

func MinimumsFromConfig(cfg config.InstallmentsConfig) (Minimums, error) {
	two, err := decimal.NewFromString(cfg.TwoInstallmentMinimum)
	if err != nil {
		return Minimums{}, fmt.Errorf("parse two installment minimum %q: %w", cfg.TwoInstallmentMinimum, err)
	}
	four, err := decimal.NewFromString(cfg.FourInstallmentMinimum)
	if err != nil {
		return Minimums{}, fmt.Errorf("parse four installment minimum %q: %w", cfg.FourInstallmentMinimum, err)
	}
	if two.IsNegative() || four.IsNegative() {
		return Minimums{}, fmt.Errorf("installment minimums must not be negative")
	}
	return Minimums{Two: two, Four: four}, nil
}

// For returns the minimum for count; ok is false for unsupported counts.
func (m Minimums) For(count int) (decimal.Decimal, bool) {
	switch count {
	case 2:
		return m.Two, true
	case 4:
		return m.Four, true
	}
	return decimal.Zero, false
}

func IsAllowedCount(count int) bool {
	for _, c := range AllowedCounts {
		if c == count {
			return true
		}
	}
	return false
}

// CheckEligibility validates the requested count against the order total.
func CheckEligibility(total decimal.Decimal, count int, m Minimums, currency enums.Currency) error {
	if count == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "Number of installments is required!")
	}
	minimum, ok := m.For(count)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeValidation, "Invalid installment number!")
	}
	if total.LessThan(minimum) {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf(
			"The minimum order amount for %s installments is %s%s",
			countWord(count), currency.Symbol(), minimum.StringFixed(2),
		)).WithDetails(map[string]any{
			"number_of_installments": count,
			"minimum":                minimum.StringFixed(2),
			"total":                  total.StringFixed(2),
		})
	}
	return nil
}

// Option describes one selectable plan for a given total.
type Option struct {
	NumberOfInstallments int    `json:"number_of_installments"`
	Minimum              string `json:"minimum"`
	Eligible             bool   `json:"eligible"`
	InstallmentAmount    string `json:"installment_amount"`
	Label                string `json:"label"`
}

// Options lists every plan with its eligibility for total.
func Options(total decimal.Decimal, m Minimums, currency enums.Currency) []Option {
	out := make([]Option, 0, len(AllowedCounts))
	for _, count := range AllowedCounts {
		minimum, _ := m.For(count)
		amount := total.Div(decimal.NewFromInt(int64(count))).Round(2)
		out = append(out, Option{
			NumberOfInstallments: count,
			Minimum:              minimum.StringFixed(2),
			Eligible:             !total.LessThan(minimum),
			InstallmentAmount:    amount.StringFixed(2),
			Label:                fmt.Sprintf("%d Installments (Min Order: %s%s)", count, currency.Symbol(), minimum.StringFixed(2)),
		})
	}
	return out
}

// InstallmentCents splits totalCents into count equal charges, rounding to the
// nearest minor unit with halves away from zero.
func InstallmentCents(totalCents int64, count int) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("installment count must be positive, got %d", count)
	}
	if totalCents <= 0 {
		return 0, fmt.Errorf("order total must be positive, got %d", totalCents)
	}
	share := decimal.NewFromInt(totalCents).Div(decimal.NewFromInt(int64(count))).Round(0)
	return share.IntPart(), nil
}

// FormatCents renders minor units as a fixed two-decimal amount.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// CentsToDecimal converts minor units to a major-unit decimal.
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func countWord(count int) string {
	switch count {
	case 2:
		return "two"
	case 4:
		return "four"
	}
	return fmt.Sprintf("%d", count)
}
