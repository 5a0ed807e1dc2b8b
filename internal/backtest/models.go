package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/schema"
)

var tenThousand = decimal.NewFromInt(10_000)

// SlippageModel adjusts market execution prices to account for impact.
type SlippageModel interface {
	Adjust(side schema.Side, price decimal.Decimal) decimal.Decimal
}

// BasisPointSlippage moves buys up and sells down by a fixed BPS amount.
type BasisPointSlippage struct {
	BPS decimal.Decimal
}

// Adjust implements SlippageModel.
func (b BasisPointSlippage) Adjust(side schema.Side, price decimal.Decimal) decimal.Decimal {
	if !b.BPS.IsPositive() {
		return price
	}
	shift := price.Mul(b.BPS).Div(tenThousand)
	if side == schema.SideSell {
		return price.Sub(shift)
	}
	return price.Add(shift)
}

// FeeModel evaluates trading fees for executed fills.
type FeeModel interface {
	Fee(qty, price decimal.Decimal) decimal.Decimal
}

// ProportionalFee charges a fraction of notional.
type ProportionalFee struct {
	Rate decimal.Decimal
}

// Fee implements FeeModel.
func (p ProportionalFee) Fee(qty, price decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() || !price.IsPositive() || !p.Rate.IsPositive() {
		return decimal.Zero
	}
	return qty.Mul(price).Mul(p.Rate)
}

// Fill is one simulated execution.
type Fill struct {
	ClientOrderID string
	Symbol        string
	Side          schema.Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
}

// FillObserver receives simulated order activity.
type FillObserver interface {
	OnOrderSubmitted(intent schema.OrderIntent)
	OnFill(fill Fill)
}
