// Package lotbook implements lot-level position accounting: opening lots,
// closing them by FIFO/LIFO/AVERAGE allocation, realized P&L, direction
// flips, and the pure aggregation that derives a position from its lots.
//
// All prices and quantities use shopspring/decimal, never float64.
// The package is stateless; lots are passed in and mutations are
// returned, not stored.
package lotbook

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
)

var (
	// ErrMixedDirections is returned when the open lots passed in carry
	// both long and short exposure. The book keeps at most one direction
	// open per position; a flip closes everything first.
	ErrMixedDirections = errors.New("lotbook: open lots carry mixed directions")

	// ErrNonPositiveQuantity is returned for a fill with quantity <= 0.
	ErrNonPositiveQuantity = errors.New("lotbook: fill quantity must be positive")
)

// Fill is a single execution applied against the lot book.
type Fill struct {
	AccountID    string
	InstrumentID string
	Side         model.Side
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Timestamp    time.Time
	Method       model.AllocationMethod
}

// Result describes the lot mutations a fill produces. Opened lots are new
// records; Updated lots are existing records with increased
// QuantityClosed. Realized is the total realized P&L contribution.
type Result struct {
	Opened   []model.Lot
	Updated  []model.Lot
	Realized decimal.Decimal
}

// direction returns the exposure direction a fill pushes toward.
func direction(s model.Side) model.LotDirection {
	if s == model.Buy {
		return model.Long
	}
	return model.Short
}

// Apply applies one fill against the open lots of a position. A fill that
// increases exposure in the current direction opens a new lot; a fill
// that reduces exposure closes lots per the allocation method. If the
// fill quantity exceeds all open remainders, the excess opens a new lot
// in the opposite direction (close-all then open, never inconsistent).
func Apply(open []model.Lot, f Fill) (Result, error) {
	var res Result
	res.Realized = decimal.Zero

	if !f.Quantity.IsPositive() {
		return res, ErrNonPositiveQuantity
	}

	held, err := heldDirection(open)
	if err != nil {
		return res, err
	}

	fillDir := direction(f.Side)
	if held == "" || held == fillDir {
		res.Opened = append(res.Opened, newLot(f, fillDir, f.Quantity))
		return res, nil
	}

	// Closing: consume open lots, oldest or newest first, or pro-rata.
	lots := openSorted(open, f.Method)
	remaining := f.Quantity

	if f.Method == model.Average {
		consumed, realized := closeProRata(lots, remaining, f.Price, f.Timestamp)
		res.Updated = consumed
		res.Realized = realized
		total := decimal.Zero
		for _, l := range open {
			total = total.Add(l.Remaining())
		}
		remaining = remaining.Sub(decimal.Min(remaining, total))
	} else {
		for i := range lots {
			if !remaining.IsPositive() {
				break
			}
			take := decimal.Min(remaining, lots[i].Remaining())
			if !take.IsPositive() {
				continue
			}
			res.Realized = res.Realized.Add(
				f.Price.Sub(lots[i].OpenPrice).Mul(take).Mul(lots[i].Direction.Sign()))
			lots[i].QuantityClosed = lots[i].QuantityClosed.Add(take)
			if !lots[i].Open() {
				lots[i].ClosedAt = f.Timestamp
			}
			res.Updated = append(res.Updated, lots[i])
			remaining = remaining.Sub(take)
		}
	}

	// Direction flip: the excess opens a new lot on the other side.
	if remaining.IsPositive() {
		res.Opened = append(res.Opened, newLot(f, fillDir, remaining))
	}
	return res, nil
}

// closeProRata consumes every open lot proportionally, which realizes
// P&L at the weighted average cost. The last lot absorbs the rounding
// remainder so consumed quantities sum exactly to the close quantity.
func closeProRata(lots []model.Lot, qty, price decimal.Decimal, ts time.Time) ([]model.Lot, decimal.Decimal) {
	total := decimal.Zero
	for i := range lots {
		total = total.Add(lots[i].Remaining())
	}
	if !total.IsPositive() {
		return nil, decimal.Zero
	}
	closeQty := decimal.Min(qty, total)

	var updated []model.Lot
	realized := decimal.Zero
	allocated := decimal.Zero

	for i := range lots {
		var take decimal.Decimal
		if i == len(lots)-1 {
			take = closeQty.Sub(allocated)
		} else {
			take = closeQty.Mul(lots[i].Remaining()).Div(total)
		}
		// Division rounding can push a share past the lot's remainder.
		// Cap the consumed quantity but still realize the full share,
		// so no quantity ever closes past what the lot opened.
		realized = realized.Add(
			price.Sub(lots[i].OpenPrice).Mul(take).Mul(lots[i].Direction.Sign()))
		if take.GreaterThan(lots[i].Remaining()) {
			take = lots[i].Remaining()
		}
		if take.IsNegative() {
			take = decimal.Zero
		}
		lots[i].QuantityClosed = lots[i].QuantityClosed.Add(take)
		if !lots[i].Open() {
			lots[i].ClosedAt = ts
		}
		allocated = allocated.Add(take)
		updated = append(updated, lots[i])
	}
	return updated, realized
}

// heldDirection returns the direction of the open lots, "" when flat.
func heldDirection(open []model.Lot) (model.LotDirection, error) {
	var held model.LotDirection
	for i := range open {
		if !open[i].Open() {
			continue
		}
		if held == "" {
			held = open[i].Direction
		} else if held != open[i].Direction {
			return "", ErrMixedDirections
		}
	}
	return held, nil
}

// openSorted returns the still-open lots in consumption order.
func openSorted(open []model.Lot, method model.AllocationMethod) []model.Lot {
	lots := make([]model.Lot, 0, len(open))
	for i := range open {
		if open[i].Open() {
			lots = append(lots, open[i])
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].OpenedAt.Equal(lots[j].OpenedAt) {
			return lots[i].ID < lots[j].ID
		}
		if method == model.LIFO {
			return lots[i].OpenedAt.After(lots[j].OpenedAt)
		}
		return lots[i].OpenedAt.Before(lots[j].OpenedAt)
	})
	return lots
}

func newLot(f Fill, dir model.LotDirection, qty decimal.Decimal) model.Lot {
	return model.Lot{
		ID:             uuid.New().String(),
		AccountID:      f.AccountID,
		InstrumentID:   f.InstrumentID,
		Direction:      dir,
		OpenPrice:      f.Price,
		QuantityOpened: qty,
		QuantityClosed: decimal.Zero,
		Method:         f.Method,
		OpenedAt:       f.Timestamp,
	}
}

// RoundToTick rounds a price to the instrument tick size with banker's
// rounding on ties. A non-positive tick returns the price unchanged.
func RoundToTick(px, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return px
	}
	return px.Div(tick).RoundBank(0).Mul(tick)
}
