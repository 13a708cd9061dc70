// Package pricing holds the money arithmetic shared by product writes and checkout.
// Amounts are integer cents; percentages are applied with decimal math and rounded
// half away from zero.
package pricing

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// PriceFromCost returns cost × (1 + margin/100). Negative margins count as zero.
func PriceFromCost(costCents int64, marginPct float64) int64 {
	if costCents <= 0 {
		return 0
	}
	margin := clampPct(marginPct)
	factor := decimal.NewFromInt(1).Add(margin.Div(hundred))
	return decimal.NewFromInt(costCents).Mul(factor).Round(0).IntPart()
}

// Line is one priced cart entry.
type Line struct {
	Quantity       int
	UnitPriceCents int64
}

func (l Line) SubtotalCents() int64 {
	return int64(l.Quantity) * l.UnitPriceCents
}

type Totals struct {
	SubtotalCents  int64
	DiscountPct    float64
	IncreasePct    float64
	DiscountCents  int64
	SurchargeCents int64
	TotalCents     int64
}

// Quote computes subtotal − subtotal×discount/100 + subtotal×increase/100.
// Both adjustments are taken from the same subtotal; they never compound.
func Quote(lines []Line, discountPct, increasePct float64) Totals {
	var subtotal int64
	for _, line := range lines {
		subtotal += line.SubtotalCents()
	}
	discount := percentOf(subtotal, discountPct)
	surcharge := percentOf(subtotal, increasePct)

	return Totals{
		SubtotalCents:  subtotal,
		DiscountPct:    clampPct(discountPct).InexactFloat64(),
		IncreasePct:    clampPct(increasePct).InexactFloat64(),
		DiscountCents:  discount,
		SurchargeCents: surcharge,
		TotalCents:     subtotal - discount + surcharge,
	}
}

func percentOf(amountCents int64, pct float64) int64 {
	p := clampPct(pct)
	if p.IsZero() || amountCents == 0 {
		return 0
	}
	return decimal.NewFromInt(amountCents).Mul(p).Div(hundred).Round(0).IntPart()
}

func clampPct(pct float64) decimal.Decimal {
	if pct <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(pct)
}
