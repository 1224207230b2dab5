package settle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/model"
	"github.com/tradecore/ledger-engine/internal/settle"
	"github.com/tradecore/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var ctx = context.Background()

const refDate = "2026-03-02"

// newEnv seeds a store with one account holding an open long lot.
func newEnv(t *testing.T, dailyMTM bool) (*settle.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()

	if err := ms.UpsertInstrument(ctx, &model.Instrument{
		ID: "NIFTY-FUT", Symbol: "NIFTY-FUT", Exchange: "NSE", Currency: "INR",
		TickSize: d(0.05), LotSize: d(1), DailyMTM: dailyMTM, Tradable: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := ms.UpsertAccount(ctx, &model.Account{ID: "a1", Currency: "INR", Allocation: model.FIFO, Active: true}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	o := &model.Order{
		ID: "ord1", AccountID: "a1", InstrumentID: "NIFTY-FUT",
		Side: model.Buy, Type: model.Market, TimeInForce: model.TIFDay,
		Quantity: d(10), Status: model.OrderAccepted, CreatedAt: now,
	}
	if err := ms.InsertOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.Status = model.OrderFilled
	o.FilledQty = d(10)
	commit := store.FillCommit{
		Execution: model.Execution{
			ID: "ex1", OrderID: "ord1", AccountID: "a1", InstrumentID: "NIFTY-FUT",
			Side: model.Buy, Price: d(100), Quantity: d(10), ExecutedAt: now,
		},
		Order: *o,
		NewLots: []model.Lot{{
			ID: "lot1", AccountID: "a1", InstrumentID: "NIFTY-FUT",
			Direction: model.Long, OpenPrice: d(100), QuantityOpened: d(10),
			Method: model.FIFO, OpenedAt: now,
		}},
		Entries: []model.LedgerEntry{{
			ID: "e1", AccountID: "a1", Seq: 1, Type: model.EntryTrade,
			Amount: d(-1000), Currency: "INR", BalanceAfter: d(-1000),
			Reference: "ex1", Timestamp: now,
		}},
		Position: model.Position{
			AccountID: "a1", InstrumentID: "NIFTY-FUT",
			NetQuantity: d(10), AvgCost: d(100), MarkPrice: d(100), UpdatedAt: now,
		},
	}
	if err := ms.CommitFill(ctx, commit); err != nil {
		t.Fatal(err)
	}
	return settle.NewEngine(ms), ms
}

func TestRun_MTMDailyRebasesAndPaysVariation(t *testing.T) {
	eng, ms := newEnv(t, true)
	if err := ms.UpsertSettlementPrice(ctx, &model.SettlementPrice{
		InstrumentID: "NIFTY-FUT", RefDate: refDate, Price: d(105.02),
	}); err != nil {
		t.Fatal(err)
	}

	batch, err := eng.Run(ctx, refDate, model.BatchMTM, "NSE")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if batch.Status != model.BatchCompleted {
		t.Fatalf("batch status = %s", batch.Status)
	}

	// 105.02 rounds to tick 105.00; variation = (105-100)*10 = 50.
	seq, balance, _ := ms.LedgerTail(ctx, "a1")
	if seq != 2 || !balance.Equal(d(-950)) {
		t.Errorf("tail = (%d, %s), want (2, -950)", seq, balance)
	}
	entries, _ := ms.ListLedgerEntries(ctx, "a1", store.Page{})
	last := entries[len(entries)-1]
	if last.Type != model.EntrySettlement || !last.Amount.Equal(d(50)) {
		t.Errorf("variation entry = %s %s, want SETTLEMENT 50", last.Type, last.Amount)
	}

	lots, _ := ms.OpenLots(ctx, "a1", "NIFTY-FUT")
	if len(lots) != 1 || !lots[0].OpenPrice.Equal(d(105)) {
		t.Errorf("lot not re-based: %+v", lots)
	}
	pos, _ := ms.GetPosition(ctx, "a1", "NIFTY-FUT")
	if !pos.AvgCost.Equal(d(105)) || !pos.UnrealizedPnL.IsZero() || !pos.RealizedPnL.Equal(d(50)) {
		t.Errorf("position after MTM = %+v", pos)
	}
}

func TestRun_MTMWithoutDailyConventionOnlyMarks(t *testing.T) {
	eng, ms := newEnv(t, false)
	if err := ms.UpsertSettlementPrice(ctx, &model.SettlementPrice{
		InstrumentID: "NIFTY-FUT", RefDate: refDate, Price: d(105),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Run(ctx, refDate, model.BatchMTM, "NSE"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// No cash movement, mark and unrealized updated.
	if seq, _, _ := ms.LedgerTail(ctx, "a1"); seq != 1 {
		t.Errorf("ledger grew to seq %d, want unchanged 1", seq)
	}
	pos, _ := ms.GetPosition(ctx, "a1", "NIFTY-FUT")
	if !pos.MarkPrice.Equal(d(105)) || !pos.UnrealizedPnL.Equal(d(50)) || !pos.AvgCost.Equal(d(100)) {
		t.Errorf("position after mark = %+v", pos)
	}
	lots, _ := ms.OpenLots(ctx, "a1", "NIFTY-FUT")
	if !lots[0].OpenPrice.Equal(d(100)) {
		t.Errorf("lot re-based without daily MTM convention: %s", lots[0].OpenPrice)
	}
}

func TestRun_CompletedBatchIsNoOpOnRerun(t *testing.T) {
	eng, ms := newEnv(t, true)
	if err := ms.UpsertSettlementPrice(ctx, &model.SettlementPrice{
		InstrumentID: "NIFTY-FUT", RefDate: refDate, Price: d(105),
	}); err != nil {
		t.Fatal(err)
	}

	first, err := eng.Run(ctx, refDate, model.BatchMTM, "NSE")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := eng.Run(ctx, refDate, model.BatchMTM, "NSE")
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("re-run produced a new batch %s, want prior %s", second.ID, first.ID)
	}
	if seq, _, _ := ms.LedgerTail(ctx, "a1"); seq != 2 {
		t.Errorf("re-run moved the ledger to seq %d", seq)
	}

	// A different kind under the same date is a distinct batch.
	if _, err := eng.Run(ctx, refDate, model.BatchExpiry, "NSE"); err != nil {
		t.Errorf("different kind conflicted: %v", err)
	}
}

func TestRun_MissingPriceFailsBatchAndAllowsRetry(t *testing.T) {
	eng, ms := newEnv(t, true)

	if _, err := eng.Run(ctx, refDate, model.BatchMTM, "NSE"); err == nil {
		t.Fatal("run without settlement price succeeded")
	}
	batches, _ := ms.ListSettlementBatches(ctx, store.Page{})
	if len(batches) != 1 || batches[0].Status != model.BatchFailed {
		t.Fatalf("batches = %+v, want one FAILED", batches)
	}
	if seq, _, _ := ms.LedgerTail(ctx, "a1"); seq != 1 {
		t.Errorf("failed run touched the ledger: seq %d", seq)
	}

	// Fix the input and retry under the same key.
	if err := ms.UpsertSettlementPrice(ctx, &model.SettlementPrice{
		InstrumentID: "NIFTY-FUT", RefDate: refDate, Price: d(105),
	}); err != nil {
		t.Fatal(err)
	}
	batch, err := eng.Run(ctx, refDate, model.BatchMTM, "NSE")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if batch.Status != model.BatchCompleted {
		t.Errorf("retry status = %s", batch.Status)
	}
}

// faultStore injects a transient backend fault into position reads.
type faultStore struct {
	*store.MemoryStore
	failPositionReads bool
}

func (f *faultStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	if f.failPositionReads {
		return nil, errors.New("transient backend fault")
	}
	return f.MemoryStore.GetPosition(ctx, accountID, instrumentID)
}

func TestRun_PositionReadFaultFailsBatch(t *testing.T) {
	_, ms := newEnv(t, true)
	fs := &faultStore{MemoryStore: ms, failPositionReads: true}
	eng := settle.NewEngine(fs)
	if err := ms.UpsertSettlementPrice(ctx, &model.SettlementPrice{
		InstrumentID: "NIFTY-FUT", RefDate: refDate, Price: d(105),
	}); err != nil {
		t.Fatal(err)
	}

	// Realized P&L accumulates on the cached position, so a broken read
	// must fail the run rather than restate the position from zero.
	if _, err := eng.Run(ctx, refDate, model.BatchMTM, "NSE"); err == nil {
		t.Fatal("run with broken position reads succeeded")
	}
	batches, _ := ms.ListSettlementBatches(ctx, store.Page{})
	if len(batches) != 1 || batches[0].Status != model.BatchFailed {
		t.Fatalf("batches = %+v, want one FAILED", batches)
	}
	seq, balance, _ := ms.LedgerTail(ctx, "a1")
	if seq != 1 || !balance.Equal(d(-1000)) {
		t.Errorf("failed run touched the ledger: tail (%d, %s)", seq, balance)
	}

	// The store recovers and the retry settles normally.
	fs.failPositionReads = false
	batch, err := eng.Run(ctx, refDate, model.BatchMTM, "NSE")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if batch.Status != model.BatchCompleted {
		t.Errorf("retry status = %s", batch.Status)
	}
	seq, balance, _ = ms.LedgerTail(ctx, "a1")
	if seq != 2 || !balance.Equal(d(-950)) {
		t.Errorf("tail after retry = (%d, %s), want (2, -950)", seq, balance)
	}
}

func TestRun_CorporateActionSplitAndDividend(t *testing.T) {
	eng, ms := newEnv(t, false)
	if err := ms.UpsertCorporateAction(ctx, &model.CorporateAction{
		ID: "ca1", InstrumentID: "NIFTY-FUT", RefDate: refDate,
		Ratio: d(2), CashPerShare: d(1.5), Remarks: "2:1 split + dividend",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Run(ctx, refDate, model.BatchCorporateAction, "NSE"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lots, _ := ms.OpenLots(ctx, "a1", "NIFTY-FUT")
	if len(lots) != 1 {
		t.Fatalf("open lots = %d", len(lots))
	}
	if !lots[0].QuantityOpened.Equal(d(20)) || !lots[0].OpenPrice.Equal(d(50)) {
		t.Errorf("lot after split = %s @ %s, want 20 @ 50", lots[0].QuantityOpened, lots[0].OpenPrice)
	}

	pos, _ := ms.GetPosition(ctx, "a1", "NIFTY-FUT")
	if !pos.NetQuantity.Equal(d(20)) {
		t.Errorf("net after split = %s, want 20", pos.NetQuantity)
	}

	// Dividend: 1.5 * 20 = 30 credited.
	entries, _ := ms.ListLedgerEntries(ctx, "a1", store.Page{})
	last := entries[len(entries)-1]
	if last.Type != model.EntryCorporateAction || !last.Amount.Equal(d(30)) {
		t.Errorf("dividend entry = %s %s, want CORPORATE_ACTION 30", last.Type, last.Amount)
	}
}

func TestRun_ExpirySweepsDayOrders(t *testing.T) {
	eng, ms := newEnv(t, false)

	gtc := &model.Order{
		ID: "ord-gtc", AccountID: "a1", InstrumentID: "NIFTY-FUT",
		Side: model.Buy, Type: model.Limit, TimeInForce: model.TIFGTC,
		Quantity: d(5), LimitPrice: d(95), Status: model.OrderAccepted,
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.InsertOrder(ctx, gtc); err != nil {
		t.Fatal(err)
	}
	day := &model.Order{
		ID: "ord-day", AccountID: "a1", InstrumentID: "NIFTY-FUT",
		Side: model.Sell, Type: model.Limit, TimeInForce: model.TIFDay,
		Quantity: d(5), LimitPrice: d(110), Status: model.OrderAccepted,
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.InsertOrder(ctx, day); err != nil {
		t.Fatal(err)
	}

	batch, err := eng.Run(ctx, refDate, model.BatchExpiry, "NSE")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if batch.Status != model.BatchCompleted {
		t.Fatalf("batch status = %s", batch.Status)
	}

	swept, _ := ms.GetOrder(ctx, "ord-day")
	if swept.Status != model.OrderExpired || swept.Reason != "SESSION_CLOSE" {
		t.Errorf("DAY order = %s (%s), want EXPIRED SESSION_CLOSE", swept.Status, swept.Reason)
	}
	kept, _ := ms.GetOrder(ctx, "ord-gtc")
	if kept.Status != model.OrderAccepted {
		t.Errorf("GTC order swept to %s", kept.Status)
	}
}

func TestRun_RejectsBadInput(t *testing.T) {
	eng, _ := newEnv(t, false)

	var verr *model.ValidationError
	if _, err := eng.Run(ctx, refDate, "DIVIDEND", "*"); !errors.As(err, &verr) {
		t.Errorf("bad kind err = %v", err)
	}
	if _, err := eng.Run(ctx, "02-03-2026", model.BatchMTM, "*"); !errors.As(err, &verr) {
		t.Errorf("bad date err = %v", err)
	}
}
