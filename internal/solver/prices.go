// Package solver computes a turn's settlement from its currencies and
// offers: it prices every currency along its peg chain, cancels trade
// cycles between sellers and buyers and routes the flows through the
// sellers' collectors.
package solver

import (
	"github.com/shopspring/decimal"

	"swpttrade/internal/domain"
)

// Prices returns the price, in units of the base currency, of every
// currency whose peg chain reaches the base currency within maxDistance
// hops. The base currency is priced at 1.
func Prices(baseDebtorID int64, maxDistance int, currencies []domain.CurrencyInfo) map[int64]decimal.Decimal {
	infos := make(map[int64]*domain.CurrencyInfo, len(currencies))
	for i := range currencies {
		infos[currencies[i].DebtorID] = &currencies[i]
	}

	prices := map[int64]decimal.Decimal{baseDebtorID: decimal.NewFromInt(1)}
	for debtorID := range infos {
		if p, ok := chainPrice(debtorID, baseDebtorID, maxDistance, infos); ok {
			prices[debtorID] = p
		}
	}
	return prices
}

func chainPrice(debtorID, baseDebtorID int64, maxDistance int, infos map[int64]*domain.CurrencyInfo) (decimal.Decimal, bool) {
	price := decimal.NewFromInt(1)
	current := debtorID
	for hops := 0; ; hops++ {
		if current == baseDebtorID {
			return price, true
		}
		if hops >= maxDistance {
			return decimal.Zero, false
		}
		ci, ok := infos[current]
		if !ok || ci.PegDebtorID == nil || ci.PegExchangeRate == nil || *ci.PegExchangeRate <= 0 {
			return decimal.Zero, false
		}
		if ci.PegDebtorInfoLocator != nil {
			if peg, ok := infos[*ci.PegDebtorID]; ok && peg.DebtorInfoLocator != *ci.PegDebtorInfoLocator {
				return decimal.Zero, false
			}
		}
		price = price.Mul(decimal.NewFromFloat(*ci.PegExchangeRate))
		current = *ci.PegDebtorID
	}
}

// Tradeable returns the prices of the confirmed currencies that can be
// priced.
func Tradeable(baseDebtorID int64, maxDistance int, currencies []domain.CurrencyInfo) map[int64]decimal.Decimal {
	prices := Prices(baseDebtorID, maxDistance, currencies)
	out := make(map[int64]decimal.Decimal)
	for _, ci := range currencies {
		if !ci.IsConfirmed {
			continue
		}
		if p, ok := prices[ci.DebtorID]; ok && p.IsPositive() {
			out[ci.DebtorID] = p
		}
	}
	return out
}
