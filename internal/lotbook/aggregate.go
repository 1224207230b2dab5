package lotbook

import (
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
)

// Snapshot is the pure aggregation of a position's open lots at a mark
// price.
type Snapshot struct {
	NetQuantity   decimal.Decimal
	AvgCost       decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Aggregate derives net quantity, average cost and unrealized P&L from
// the lot book at an explicit mark price. It is idempotent and has no
// side effects; the Position record it feeds is a cache, never a source
// of truth.
//
//	netQty   = Σ openRemainder(lot) × sign
//	avgCost  = Σ(openRemainder × openPrice) / Σ openRemainder   (0 when flat)
//	unrlPnL  = (mark − avgCost) × netQty
func Aggregate(lots []model.Lot, mark decimal.Decimal) Snapshot {
	net := decimal.Zero
	openQty := decimal.Zero
	weighted := decimal.Zero

	for i := range lots {
		rem := lots[i].Remaining()
		if !rem.IsPositive() {
			continue
		}
		net = net.Add(rem.Mul(lots[i].Direction.Sign()))
		openQty = openQty.Add(rem)
		weighted = weighted.Add(rem.Mul(lots[i].OpenPrice))
	}

	snap := Snapshot{NetQuantity: net, AvgCost: decimal.Zero, UnrealizedPnL: decimal.Zero}
	if net.IsZero() {
		return snap
	}
	snap.AvgCost = weighted.Div(openQty)
	snap.UnrealizedPnL = mark.Sub(snap.AvgCost).Mul(net)
	return snap
}
