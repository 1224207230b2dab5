// Package risk implements the margin and risk evaluator. After every
// position change it recomputes the account's required margin, compares
// it against equity (cash + unrealized P&L), and raises MARGIN_BREACH or
// AUTO_SQOFF alerts on breach.
//
// Evaluation is advisory-idempotent: re-running with unchanged inputs
// never creates duplicate alerts for the same breach episode. An episode
// opens with the alert and closes once the account is back within limits.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
	"github.com/tradecore/ledger-engine/internal/store"
)

// Policy holds the evaluator's threshold parameters. The auto-square-off
// ratio is policy, not a constant: required margin beyond
// AutoLiquidationRatio × equity triggers AUTO_SQOFF.
type Policy struct {
	// MaintenanceRatio scales equity before comparing against required
	// margin. 1.0 means breach when required margin exceeds equity.
	MaintenanceRatio decimal.Decimal
	// AutoLiquidationRatio is the harder threshold for AUTO_SQOFF.
	AutoLiquidationRatio decimal.Decimal
	// DefaultMaintenancePct applies when no margin rule matches.
	DefaultMaintenancePct decimal.Decimal
}

// Gate is the order-entry gate the evaluator signals on auto square-off.
// The gate blocks new orders for the account; liquidation itself is the
// responsibility of the external order-entry surface.
type Gate interface {
	Restrict(ctx context.Context, accountID string) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, accountID string) error

func (f GateFunc) Restrict(ctx context.Context, accountID string) error {
	return f(ctx, accountID)
}

// Evaluator recomputes required margin for an account.
type Evaluator struct {
	store  store.Store
	policy Policy
	gate   Gate
}

// NewEvaluator creates an evaluator over the given store and gate.
func NewEvaluator(st store.Store, policy Policy, gate Gate) *Evaluator {
	return &Evaluator{store: st, policy: policy, gate: gate}
}

// Result summarizes one evaluation pass.
type Result struct {
	AccountID      string            `json:"account_id"`
	Equity         decimal.Decimal   `json:"equity"`
	RequiredMargin decimal.Decimal   `json:"required_margin"`
	Breached       bool              `json:"breached"`
	SquaredOff     bool              `json:"squared_off"`
	Alerts         []model.RiskAlert `json:"alerts,omitempty"` // alerts raised by this pass
}

// Evaluate computes the account's required margin across all open
// positions and raises alerts on breach. Positions are marked with the
// prices in marks when present, otherwise with their cached mark price.
func (e *Evaluator) Evaluate(ctx context.Context, accountID string, marks map[string]decimal.Decimal) (*Result, error) {
	positions, err := e.store.ListPositions(ctx, accountID, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("risk: load positions: %w", err)
	}
	_, cash, err := e.store.LedgerTail(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("risk: load cash balance: %w", err)
	}
	rules, err := e.store.ListMarginRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: load margin rules: %w", err)
	}

	required := decimal.Zero
	unrealized := decimal.Zero

	for _, p := range positions {
		if p.NetQuantity.IsZero() {
			continue
		}
		mark := p.MarkPrice
		if m, ok := marks[p.InstrumentID]; ok {
			mark = m
		}
		inst, err := e.store.GetInstrument(ctx, p.InstrumentID)
		if err != nil {
			return nil, fmt.Errorf("risk: instrument %s: %w", p.InstrumentID, err)
		}
		pct := e.resolveMaintenancePct(rules, p.InstrumentID, inst.Exchange)
		exposure := p.NetQuantity.Abs().Mul(mark)
		required = required.Add(exposure.Mul(pct))
		unrealized = unrealized.Add(mark.Sub(p.AvgCost).Mul(p.NetQuantity))
	}

	equity := cash.Add(unrealized)
	res := &Result{AccountID: accountID, Equity: equity, RequiredMargin: required}

	res.Breached = required.GreaterThan(e.policy.MaintenanceRatio.Mul(equity))
	res.SquaredOff = res.Breached &&
		required.GreaterThan(e.policy.AutoLiquidationRatio.Mul(equity))

	if res.Breached {
		alert, err := e.raise(ctx, accountID, model.AlertMarginBreach,
			fmt.Sprintf("required margin %s exceeds maintenance threshold (equity %s)",
				required.String(), equity.String()))
		if err != nil {
			return nil, err
		}
		if alert != nil {
			res.Alerts = append(res.Alerts, *alert)
		}
	}
	if res.SquaredOff {
		alert, err := e.raise(ctx, accountID, model.AlertAutoSquareOff,
			fmt.Sprintf("required margin %s exceeds auto-liquidation threshold (equity %s)",
				required.String(), equity.String()))
		if err != nil {
			return nil, err
		}
		if alert != nil {
			res.Alerts = append(res.Alerts, *alert)
			if e.gate != nil {
				if err := e.gate.Restrict(ctx, accountID); err != nil {
					return nil, fmt.Errorf("risk: restrict account %s: %w", accountID, err)
				}
			}
			slog.Warn("auto square-off triggered",
				"account", accountID,
				"required", required.String(),
				"equity", equity.String(),
			)
		}
	}
	if !res.Breached {
		if err := e.closeEpisodes(ctx, accountID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// resolveMaintenancePct resolves the applicable rule:
// instrument-specific, then exchange-wide, then default.
func (e *Evaluator) resolveMaintenancePct(rules []model.MarginRule, instrumentID, exchange string) decimal.Decimal {
	for _, r := range rules {
		if r.Scope == model.ScopeInstrument && r.InstrumentID == instrumentID {
			return r.MaintenancePct
		}
	}
	for _, r := range rules {
		if r.Scope == model.ScopeExchange && r.Exchange == exchange {
			return r.MaintenancePct
		}
	}
	for _, r := range rules {
		if r.Scope == model.ScopeDefault {
			return r.MaintenancePct
		}
	}
	return e.policy.DefaultMaintenancePct
}

// raise creates an alert unless an open episode already exists.
func (e *Evaluator) raise(ctx context.Context, accountID string, typ model.AlertType, desc string) (*model.RiskAlert, error) {
	open, err := e.store.OpenAlert(ctx, accountID, typ)
	if err != nil {
		return nil, fmt.Errorf("risk: open alert lookup: %w", err)
	}
	if open != nil {
		return nil, nil // episode already open, no duplicate
	}
	alert := &model.RiskAlert{
		ID:          uuid.New().String(),
		Type:        typ,
		AccountID:   accountID,
		Description: desc,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.InsertRiskAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("risk: insert alert: %w", err)
	}
	slog.Info("risk alert raised", "account", accountID, "type", typ, "desc", desc)
	return alert, nil
}

// closeEpisodes closes any open alerts once the account is back within
// limits, re-arming deduplication for the next breach.
func (e *Evaluator) closeEpisodes(ctx context.Context, accountID string) error {
	now := time.Now().UTC()
	for _, typ := range []model.AlertType{model.AlertMarginBreach, model.AlertAutoSquareOff} {
		open, err := e.store.OpenAlert(ctx, accountID, typ)
		if err != nil {
			return err
		}
		if open != nil {
			if err := e.store.CloseAlert(ctx, open.ID, now); err != nil {
				return err
			}
			slog.Info("risk alert episode closed", "account", accountID, "type", typ)
		}
	}
	return nil
}
