package cost

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/vmledger/types"
)

var hour = decimal.NewFromInt(int64(time.Hour))

// Accrue returns the charge for running at rate for elapsed.
//
// The product rate × elapsed/1h is computed exactly and rounded once to the
// currency's minor unit, half away from zero (half-up for the non-negative
// charges this produces). A non-positive elapsed duration costs nothing.
func Accrue(rate types.Money, elapsed time.Duration) types.Money {
	if elapsed <= 0 || rate.IsZero() {
		return types.Zero(rate.Currency)
	}
	exact := decimal.NewFromInt(rate.Amount).Mul(decimal.NewFromInt(int64(elapsed)))
	return types.New(exact.DivRound(hour, 0).IntPart(), rate.Currency)
}

// AccrueSession returns the charge still owed for a session that has run
// for total, billed is the part of it already charged. A session is priced
// as a whole, so the charges of its partial billings always add up to
// Accrue(rate, total) however the session was sliced.
func AccrueSession(rate types.Money, billed, total time.Duration) types.Money {
	if total <= billed {
		return types.Zero(rate.Currency)
	}
	return Accrue(rate, total).Subtract(Accrue(rate, billed))
}
