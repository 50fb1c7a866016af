package settlement

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Breakdown is the three-way division of one consultation fee.
type Breakdown struct {
	Fee                decimal.Decimal
	RoomRentalCost     decimal.Decimal
	PlatformCommission decimal.Decimal
	DoctorPayout       decimal.Decimal
	ClinicRevenue      decimal.Decimal
	// Clamped is set when fee - rental - commission went negative and the doctor
	// payout was raised to zero. The parts then no longer add up to Fee.
	Clamped bool
}

// Split computes commission = round_half_up(fee * rate, 2), clinic revenue = rental and
// doctor payout = fee - rental - commission.
func Split(fee, rental, rate decimal.Decimal) Breakdown {
	commission := fee.Mul(rate).Round(2)
	payout := fee.Sub(rental).Sub(commission)

	b := Breakdown{
		Fee:                fee,
		RoomRentalCost:     rental,
		PlatformCommission: commission,
		DoctorPayout:       payout,
		ClinicRevenue:      rental,
	}
	if payout.IsNegative() {
		b.DoctorPayout = decimal.Zero
		b.Clamped = true
	}
	return b
}

// Reconciles reports whether payout + revenue + commission equals the fee.
func (b Breakdown) Reconciles() bool {
	return b.DoctorPayout.Add(b.ClinicRevenue).Add(b.PlatformCommission).Equal(b.Fee)
}

// PaymentAmountPolicy decides whether the ledger's recorded amount can be trusted as the
// consultation fee. A missing, non-positive or implausibly small amount is replaced by
// the doctor's listed fee and the payout is flagged.
type PaymentAmountPolicy struct {
	MinFeeRatio decimal.Decimal
}

func (p PaymentAmountPolicy) Resolve(amount *decimal.Decimal, doctorFee decimal.Decimal) (decimal.Decimal, string) {
	if amount == nil || !amount.IsPositive() {
		return doctorFee, ReviewPaymentMissing
	}
	if amount.LessThan(doctorFee.Mul(p.MinFeeRatio)) {
		return doctorFee, ReviewPaymentBelowThreshold
	}
	return *amount, ""
}

func joinReasons(reasons ...string) string {
	var out []string
	for _, r := range reasons {
		if r != "" {
			out = append(out, r)
		}
	}
	return strings.Join(out, ",")
}
