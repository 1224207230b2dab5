package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
	"github.com/tradecore/ledger-engine/internal/risk"
	"github.com/tradecore/ledger-engine/internal/settle"
	"github.com/tradecore/ledger-engine/internal/store"
	"github.com/tradecore/ledger-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var ctx = context.Background()

// newTestEnv creates a test Service with in-memory store and chi router.
// The risk policy requires no margin, so fills never trip alerts here.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc, r := newServiceEnv(t, ms, time.Second)
	return svc, ms, r
}

// newServiceEnv builds the service over any store, so tests can wrap the
// memory store with failure or stall injection.
func newServiceEnv(t *testing.T, st store.Store, scopeWait time.Duration) (*trade.Service, chi.Router) {
	t.Helper()
	policy := risk.Policy{
		MaintenanceRatio:      d(1),
		AutoLiquidationRatio:  d(10),
		DefaultMaintenancePct: decimal.Zero,
	}
	evaluator := risk.NewEvaluator(st, policy, nil)
	svc := trade.NewService(st, evaluator, settle.NewEngine(st), nil, scopeWait)

	r := chi.NewRouter()
	r.Post("/api/v1/orders", svc.PlaceOrder)
	r.Get("/api/v1/orders/{orderID}", svc.GetOrderByID)
	r.Post("/api/v1/orders/{orderID}/cancel", svc.CancelOrder)
	r.Post("/api/v1/executions", svc.RecordExecution)
	r.Get("/api/v1/accounts/{accountID}/ledger", svc.ListLedger)
	r.Get("/api/v1/accounts/{accountID}/balance", svc.GetBalance)
	r.Get("/api/v1/accounts/{accountID}/positions", svc.ListPositions)

	return svc, r
}

func seedRefData(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	if err := ms.UpsertAccount(ctx, &model.Account{
		ID: "a1", Currency: "USD", Allocation: model.FIFO, Active: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := ms.UpsertInstrument(ctx, &model.Instrument{
		ID: "AAPL", Symbol: "AAPL", Exchange: "NASDAQ", Currency: "USD",
		TickSize: d(0.05), LotSize: d(1), Tradable: true,
	}); err != nil {
		t.Fatal(err)
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func placeOrder(t *testing.T, router chi.Router, side model.Side, qty, limit float64) model.Order {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/orders", trade.PlaceOrderRequest{
		AccountID:    "a1",
		InstrumentID: "AAPL",
		Side:         side,
		Type:         model.Limit,
		Quantity:     d(qty),
		LimitPrice:   d(limit),
		TimeInForce:  model.TIFGTC,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place order: status %d body %s", w.Code, w.Body.String())
	}
	var o model.Order
	if err := json.Unmarshal(w.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	return o
}

func fill(t *testing.T, router chi.Router, orderID string, qty, price float64) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, router, "POST", "/api/v1/executions", trade.RecordExecutionRequest{
		OrderID:  orderID,
		Quantity: d(qty),
		Price:    d(price),
	})
}

// --- Order placement ---

func TestPlaceOrder_Accepted(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)

	o := placeOrder(t, router, model.Buy, 10, 100)
	if o.Status != model.OrderAccepted {
		t.Errorf("status = %s, want ACCEPTED", o.Status)
	}
	if o.ID == "" {
		t.Error("order has no ID")
	}
}

func TestPlaceOrder_RejectedOrderIsPersisted(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)

	// Off-tick limit price.
	o := placeOrder(t, router, model.Buy, 10, 100.02)
	if o.Status != model.OrderRejected {
		t.Fatalf("status = %s, want REJECTED", o.Status)
	}
	if o.Reason != "TICK_SIZE_VIOLATION" {
		t.Errorf("reason = %q", o.Reason)
	}

	stored, err := ms.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("rejected order not persisted: %v", err)
	}
	if stored.Status != model.OrderRejected {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestPlaceOrder_RestrictedAccountRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	if err := ms.SetAccountRestricted(ctx, "a1", true); err != nil {
		t.Fatal(err)
	}

	o := placeOrder(t, router, model.Buy, 10, 100)
	if o.Status != model.OrderRejected || o.Reason != "ACCOUNT_RESTRICTED" {
		t.Errorf("order = %s (%s), want REJECTED ACCOUNT_RESTRICTED", o.Status, o.Reason)
	}
}

func TestPlaceOrder_UnknownAccount(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)

	w := doJSON(t, router, "POST", "/api/v1/orders", trade.PlaceOrderRequest{
		AccountID: "ghost", InstrumentID: "AAPL",
		Side: model.Buy, Type: model.Limit,
		Quantity: d(1), LimitPrice: d(100), TimeInForce: model.TIFDay,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// --- Execution processing ---

func TestRecordExecution_PartialThenFilled(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)

	w := fill(t, router, o.ID, 4, 100)
	if w.Code != http.StatusCreated {
		t.Fatalf("first fill: %d %s", w.Code, w.Body.String())
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderPartiallyFilled || !got.FilledQty.Equal(d(4)) {
		t.Fatalf("after partial: %s filled %s", got.Status, got.FilledQty)
	}

	w = fill(t, router, o.ID, 6, 100)
	if w.Code != http.StatusCreated {
		t.Fatalf("second fill: %d %s", w.Code, w.Body.String())
	}
	got, _ = ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderFilled || !got.FilledQty.Equal(d(10)) {
		t.Fatalf("after full: %s filled %s", got.Status, got.FilledQty)
	}

	seq, balance, _ := ms.LedgerTail(ctx, "a1")
	if seq != 2 || !balance.Equal(d(-1000)) {
		t.Errorf("tail = (%d, %s), want (2, -1000)", seq, balance)
	}
	pos, err := ms.GetPosition(ctx, "a1", "AAPL")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.NetQuantity.Equal(d(10)) || !pos.AvgCost.Equal(d(100)) {
		t.Errorf("position = net %s avg %s", pos.NetQuantity, pos.AvgCost)
	}
}

func TestRecordExecution_RealizesFIFO(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)

	b1 := placeOrder(t, router, model.Buy, 10, 100)
	fill(t, router, b1.ID, 10, 100)
	b2 := placeOrder(t, router, model.Buy, 5, 110)
	fill(t, router, b2.ID, 5, 110)
	s1 := placeOrder(t, router, model.Sell, 12, 120)
	if w := fill(t, router, s1.ID, 12, 120); w.Code != http.StatusCreated {
		t.Fatalf("sell fill: %d %s", w.Code, w.Body.String())
	}

	pos, err := ms.GetPosition(ctx, "a1", "AAPL")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	// FIFO: (120-100)*10 + (120-110)*2 = 220; 3 remain from the 110 lot.
	if !pos.RealizedPnL.Equal(d(220)) {
		t.Errorf("realized = %s, want 220", pos.RealizedPnL)
	}
	if !pos.NetQuantity.Equal(d(3)) || !pos.AvgCost.Equal(d(110)) {
		t.Errorf("position = net %s avg %s, want 3 @ 110", pos.NetQuantity, pos.AvgCost)
	}

	// Cash: -1000 - 550 + 1440 = -110.
	_, balance, _ := ms.LedgerTail(ctx, "a1")
	if !balance.Equal(d(-110)) {
		t.Errorf("balance = %s, want -110", balance)
	}
}

func TestRecordExecution_PriceViolation(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)

	w := fill(t, router, o.ID, 5, 100.05)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderAccepted || !got.FilledQty.IsZero() {
		t.Errorf("rejected fill mutated order: %s filled %s", got.Status, got.FilledQty)
	}
	if seq, _, _ := ms.LedgerTail(ctx, "a1"); seq != 0 {
		t.Errorf("rejected fill touched the ledger: seq %d", seq)
	}
}

func TestRecordExecution_OverfillRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)
	fill(t, router, o.ID, 8, 100)

	w := fill(t, router, o.ID, 3, 100)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if !got.FilledQty.Equal(d(8)) {
		t.Errorf("filled = %s after rejected overfill", got.FilledQty)
	}
}

func TestRecordExecution_OutOfOrderTimestampRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)

	now := time.Now().UTC()
	w := doJSON(t, router, "POST", "/api/v1/executions", trade.RecordExecutionRequest{
		OrderID: o.ID, Quantity: d(4), Price: d(100), ExecutedAt: now,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("first fill: %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/executions", trade.RecordExecutionRequest{
		OrderID: o.ID, Quantity: d(4), Price: d(100), ExecutedAt: now.Add(-time.Minute),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("backdated fill status = %d, want 400", w.Code)
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if !got.FilledQty.Equal(d(4)) {
		t.Errorf("filled = %s after rejected backdated fill", got.FilledQty)
	}
}

func TestRecordExecution_FeeEntry(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)

	w := doJSON(t, router, "POST", "/api/v1/executions", trade.RecordExecutionRequest{
		OrderID: o.ID, Quantity: d(10), Price: d(100), Fee: d(2.5),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("fill: %d %s", w.Code, w.Body.String())
	}

	entries, _ := ms.ListLedgerEntries(ctx, "a1", store.Page{})
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want TRADE + FEE", len(entries))
	}
	if entries[0].Type != model.EntryTrade || !entries[0].Amount.Equal(d(-1000)) {
		t.Errorf("trade entry = %s %s", entries[0].Type, entries[0].Amount)
	}
	if entries[1].Type != model.EntryFee || !entries[1].Amount.Equal(d(-2.5)) {
		t.Errorf("fee entry = %s %s", entries[1].Type, entries[1].Amount)
	}
	if !entries[1].BalanceAfter.Equal(d(-1002.5)) {
		t.Errorf("balance after fee = %s", entries[1].BalanceAfter)
	}
}

// flakyStore injects a transient backend fault into position reads.
type flakyStore struct {
	*store.MemoryStore
	failPositionReads bool
}

func (f *flakyStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	if f.failPositionReads {
		return nil, errors.New("transient backend fault")
	}
	return f.MemoryStore.GetPosition(ctx, accountID, instrumentID)
}

func TestRecordExecution_PositionReadFaultAbortsFill(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &flakyStore{MemoryStore: ms}
	_, router := newServiceEnv(t, fs, time.Second)
	seedRefData(t, ms)

	b := placeOrder(t, router, model.Buy, 10, 100)
	fill(t, router, b.ID, 10, 100)
	s1 := placeOrder(t, router, model.Sell, 5, 120)
	fill(t, router, s1.ID, 5, 120)

	pos, err := ms.GetPosition(ctx, "a1", "AAPL")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.RealizedPnL.Equal(d(100)) {
		t.Fatalf("realized = %s, want 100", pos.RealizedPnL)
	}
	seqBefore, _, _ := ms.LedgerTail(ctx, "a1")

	// A broken position read must fail the fill, not zero out the
	// accumulated realized P&L.
	s2 := placeOrder(t, router, model.Sell, 5, 120)
	fs.failPositionReads = true
	w := fill(t, router, s2.ID, 5, 120)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("fill with broken position read = %d, want 500", w.Code)
	}

	got, _ := ms.GetOrder(ctx, s2.ID)
	if got.Status != model.OrderAccepted || !got.FilledQty.IsZero() {
		t.Errorf("aborted fill mutated order: %s filled %s", got.Status, got.FilledQty)
	}
	if seq, _, _ := ms.LedgerTail(ctx, "a1"); seq != seqBefore {
		t.Errorf("aborted fill touched the ledger: seq %d, want %d", seq, seqBefore)
	}
	pos, _ = ms.GetPosition(ctx, "a1", "AAPL")
	if !pos.RealizedPnL.Equal(d(100)) {
		t.Errorf("realized = %s after aborted fill, want 100", pos.RealizedPnL)
	}

	// Once the store recovers, the retried fill accumulates correctly.
	fs.failPositionReads = false
	if w := fill(t, router, s2.ID, 5, 120); w.Code != http.StatusCreated {
		t.Fatalf("retried fill: %d %s", w.Code, w.Body.String())
	}
	pos, _ = ms.GetPosition(ctx, "a1", "AAPL")
	if !pos.RealizedPnL.Equal(d(200)) {
		t.Errorf("realized = %s, want 200", pos.RealizedPnL)
	}
}

// --- Ledger invariants ---

func TestLedgerChainInvariant(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)

	b := placeOrder(t, router, model.Buy, 10, 100)
	fill(t, router, b.ID, 3, 99.95)
	fill(t, router, b.ID, 7, 100)
	s := placeOrder(t, router, model.Sell, 4, 100)
	fill(t, router, s.ID, 4, 100.10)

	entries, _ := ms.ListLedgerEntries(ctx, "a1", store.Page{})
	if len(entries) == 0 {
		t.Fatal("no ledger entries")
	}
	balance := decimal.Zero
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d has seq %d", i, e.Seq)
		}
		balance = balance.Add(e.Amount)
		if !e.BalanceAfter.Equal(balance) {
			t.Errorf("entry seq %d balance_after %s != running %s", e.Seq, e.BalanceAfter, balance)
		}
	}
}

// --- Cancellation ---

func TestCancelOrder(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)
	fill(t, router, o.ID, 4, 100)

	w := doJSON(t, router, "POST", "/api/v1/orders/"+o.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if !got.FilledQty.Equal(d(4)) {
		t.Errorf("cancel lost filled quantity: %s", got.FilledQty)
	}

	// Terminal states reject both repeat cancels and late fills.
	if w := doJSON(t, router, "POST", "/api/v1/orders/"+o.ID+"/cancel", nil); w.Code != http.StatusConflict {
		t.Errorf("double cancel status = %d, want 409", w.Code)
	}
	if w := fill(t, router, o.ID, 1, 100); w.Code != http.StatusConflict {
		t.Errorf("fill after cancel status = %d, want 409", w.Code)
	}
}

func TestCancelFilledOrderConflicts(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)
	fill(t, router, o.ID, 10, 100)

	w := doJSON(t, router, "POST", "/api/v1/orders/"+o.ID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel of filled order = %d, want 409", w.Code)
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderFilled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCancelRacingFillSerializedByAccountScope(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)

	var wg sync.WaitGroup
	var fillErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, fillErr = svc.ApplyFill(ctx, trade.RecordExecutionRequest{
			OrderID: o.ID, Quantity: d(5), Price: d(100),
		})
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = svc.Cancel(ctx, o.ID)
	}()
	wg.Wait()

	// The cancel always lands: ACCEPTED and PARTIALLY_FILLED both allow
	// it. The fill either beat the cancel to the account scope or lost
	// and observed the terminal state, never half of each.
	if cancelErr != nil {
		t.Fatalf("cancel: %v", cancelErr)
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	seq, _, _ := ms.LedgerTail(ctx, "a1")
	if fillErr == nil {
		if seq != 1 || !got.FilledQty.Equal(d(5)) {
			t.Errorf("fill won: seq %d filled %s, want 1 and 5", seq, got.FilledQty)
		}
	} else {
		var ise *model.InvalidStateError
		if !errors.As(fillErr, &ise) {
			t.Errorf("losing fill error = %v, want invalid state", fillErr)
		}
		if seq != 0 || !got.FilledQty.IsZero() {
			t.Errorf("losing fill left traces: seq %d filled %s", seq, got.FilledQty)
		}
	}

	// Nothing fills a cancelled order, so the ledger is frozen.
	if _, _, err := svc.ApplyFill(ctx, trade.RecordExecutionRequest{
		OrderID: o.ID, Quantity: d(1), Price: d(100),
	}); err == nil {
		t.Error("fill after cancel succeeded")
	}
	if after, _, _ := ms.LedgerTail(ctx, "a1"); after != seq {
		t.Errorf("ledger grew after cancel: seq %d -> %d", seq, after)
	}
}

// stallingStore parks CommitFill so a test can hold the account scope
// open at a controlled point.
type stallingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) CommitFill(ctx context.Context, c store.FillCommit) error {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.CommitFill(ctx, c)
}

func TestScopeContentionTimesOutWithConflict(t *testing.T) {
	ms := store.NewMemoryStore()
	ss := &stallingStore{
		MemoryStore: ms,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	svc, router := newServiceEnv(t, ss, 50*time.Millisecond)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)

	done := make(chan error, 1)
	go func() {
		_, _, err := svc.ApplyFill(ctx, trade.RecordExecutionRequest{
			OrderID: o.ID, Quantity: d(10), Price: d(100),
		})
		done <- err
	}()
	<-ss.entered // the fill now holds the account scope inside its commit

	_, err := svc.Cancel(ctx, o.ID)
	var conflict *model.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("cancel under contention = %v, want concurrency conflict", err)
	}

	close(ss.release)
	if err := <-done; err != nil {
		t.Fatalf("stalled fill: %v", err)
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
}

// --- Queries ---

func TestBalanceEndpoint(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedRefData(t, ms)
	o := placeOrder(t, router, model.Buy, 10, 100)
	fill(t, router, o.ID, 10, 100)

	w := doJSON(t, router, "GET", "/api/v1/accounts/a1/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: %d", w.Code)
	}
	var resp struct {
		AccountID string          `json:"account_id"`
		Seq       int64           `json:"seq"`
		Balance   decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Seq != 1 || !resp.Balance.Equal(d(-1000)) {
		t.Errorf("balance = %+v", resp)
	}
}
