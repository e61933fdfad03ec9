package ledger_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/otc-engine/internal/ledger"
	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTrade(id, user string, amount string, typ model.AccountType) model.Trade {
	return model.Trade{
		ID:          id,
		UserID:      user,
		AssetID:     "fx-0",
		AssetSymbol: "EUR/USD",
		Amount:      d(amount),
		Direction:   model.DirectionUp,
		EntryPrice:  d("1.1"),
		StartTime:   t0,
		EndTime:     t0.Add(5 * time.Second),
		PayoutPct:   d("90"),
		AccountType: typ,
	}
}

func TestOpenAccount_StartsWithDemoBalance(t *testing.T) {
	l := ledger.New(ledger.WithDemoBalance(d("500")))

	_, err := l.Balances("alice")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	b := l.OpenAccount("alice")
	assert.True(t, b.Demo.Equal(d("500")))
	assert.True(t, b.Live.IsZero())
	assert.Equal(t, model.AccountDemo, b.Selected)

	// Second access does not top up again.
	b = l.OpenAccount("alice")
	assert.True(t, b.Demo.Equal(d("500")))
}

func TestWinningTradeScenario(t *testing.T) {
	l := ledger.New(ledger.WithDemoBalance(decimal.Zero))
	_, err := l.AdjustBalance("alice", model.AccountLive, d("100"))
	require.NoError(t, err)

	_, err = l.PlaceTrade(newTrade("t1", "alice", "50", model.AccountLive))
	require.NoError(t, err)

	b, _ := l.Balances("alice")
	assert.True(t, b.Live.Equal(d("50")), "stake debited on placement, got %s", b.Live)

	exit := d("1.2")
	settled, err := l.Settle("t1", model.StatusWon, &exit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWon, settled.Status)
	require.NotNil(t, settled.ExitPrice)
	assert.True(t, settled.ExitPrice.Equal(exit))
	assert.NotNil(t, settled.SettledAt)

	b, _ = l.Balances("alice")
	assert.True(t, b.Live.Equal(d("145")), "net +45, got %s", b.Live)
}

func TestSettle_LosingTradeKeepsStake(t *testing.T) {
	l := ledger.New()
	_, err := l.PlaceTrade(newTrade("t1", "bob", "100", model.AccountDemo))
	require.NoError(t, err)

	_, err = l.Settle("t1", model.StatusLost, nil)
	require.NoError(t, err)

	b, _ := l.Balances("bob")
	assert.True(t, b.Demo.Equal(d("9900")))
}

func TestSettle_ExactlyOnce(t *testing.T) {
	l := ledger.New()
	_, err := l.PlaceTrade(newTrade("t1", "carol", "100", model.AccountDemo))
	require.NoError(t, err)

	exit := d("2")
	_, err = l.Settle("t1", model.StatusWon, &exit)
	require.NoError(t, err)

	// Second settlement, even with a different outcome, changes nothing.
	again, err := l.Settle("t1", model.StatusLost, nil)
	require.ErrorIs(t, err, ledger.ErrAlreadySettled)
	assert.Equal(t, model.StatusWon, again.Status)

	b, _ := l.Balances("carol")
	assert.True(t, b.Demo.Equal(d("10090")), "got %s", b.Demo)
}

func TestSettle_Errors(t *testing.T) {
	l := ledger.New()

	_, err := l.Settle("missing", model.StatusLost, nil)
	assert.ErrorIs(t, err, ledger.ErrTradeNotFound)

	_, err = l.PlaceTrade(newTrade("t1", "dave", "1", model.AccountDemo))
	require.NoError(t, err)
	_, err = l.Settle("t1", model.StatusPending, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidTrade)
}

func TestSettle_ConcurrentNeverDoubleCredits(t *testing.T) {
	l := ledger.New(ledger.WithDemoBalance(d("1000")))
	for i := range 20 {
		tr := newTrade("t"+string(rune('a'+i)), "erin", "10", model.AccountDemo)
		_, err := l.PlaceTrade(tr)
		require.NoError(t, err)
	}

	exit := d("2")
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, tr := range l.DueTrades(t0.Add(time.Minute)) {
				_, _ = l.Settle(tr.ID, model.StatusWon, &exit)
			}
		}()
	}
	wg.Wait()

	// 1000 - 20*10 + 20*19 = 1180
	b, _ := l.Balances("erin")
	assert.True(t, b.Demo.Equal(d("1180")), "got %s", b.Demo)
	assert.Empty(t, l.DueTrades(t0.Add(time.Hour)))
}

func TestNonNegativity(t *testing.T) {
	l := ledger.New(ledger.WithDemoBalance(d("10")))

	b, err := l.AdjustBalance("frank", model.AccountDemo, d("-25"))
	require.NoError(t, err)
	assert.True(t, b.Demo.IsZero())

	_, err = l.PlaceTrade(newTrade("t1", "frank", "5", model.AccountLive))
	require.NoError(t, err)
	b, _ = l.Balances("frank")
	assert.True(t, b.Live.IsZero())

	_, err = l.AdjustBalance("frank", "GOLD", d("1"))
	assert.Error(t, err)
}

func TestPlaceTrade_Structural(t *testing.T) {
	l := ledger.New()

	tr := newTrade("t1", "gina", "1", model.AccountDemo)
	tr.EndTime = tr.StartTime
	_, err := l.PlaceTrade(tr)
	assert.ErrorIs(t, err, ledger.ErrInvalidTrade)

	_, err = l.PlaceTrade(newTrade("t1", "gina", "1", model.AccountDemo))
	require.NoError(t, err)
	_, err = l.PlaceTrade(newTrade("t1", "gina", "1", model.AccountDemo))
	assert.ErrorIs(t, err, ledger.ErrInvalidTrade)

	b, _ := l.Balances("gina")
	assert.True(t, b.Demo.Equal(d("9999")), "rejected trades must not debit")
}

func TestDueTradesAndTradesFor(t *testing.T) {
	l := ledger.New()
	a := newTrade("a", "hank", "1", model.AccountDemo)
	b := newTrade("b", "hank", "1", model.AccountDemo)
	b.EndTime = t0.Add(time.Minute)
	c := newTrade("c", "ivy", "1", model.AccountDemo)
	for _, tr := range []model.Trade{a, b, c} {
		_, err := l.PlaceTrade(tr)
		require.NoError(t, err)
	}

	due := l.DueTrades(t0.Add(5 * time.Second))
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "c", due[1].ID)

	assert.Empty(t, l.DueTrades(t0.Add(4*time.Second)), "never early")

	mine := l.TradesFor("hank")
	require.Len(t, mine, 2)
	assert.Equal(t, "b", mine[0].ID, "newest first")
	assert.Empty(t, l.TradesFor("nobody"))
}

func TestApproveDeposit_Idempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	l := ledger.New(ledger.WithClock(clock))

	tx, err := l.SubmitTransaction(model.Transaction{
		ID: "tx1", UserID: "jo", Type: model.TxDeposit, Method: "card", Amount: d("250"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.TxPending, tx.Status)
	assert.Equal(t, t0, tx.CreatedAt)
	assert.Len(t, l.PendingDeposits(), 1)

	tx, applied, err := l.ApproveDeposit("tx1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TxSuccess, tx.Status)

	_, applied, err = l.ApproveDeposit("tx1")
	require.NoError(t, err)
	assert.False(t, applied)

	tx, applied, err = l.RejectDeposit("tx1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.TxSuccess, tx.Status)

	b, _ := l.Balances("jo")
	assert.True(t, b.Live.Equal(d("250")))
	assert.Empty(t, l.PendingDeposits())

	_, _, err = l.ApproveDeposit("nope")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestPendingDeposits_ExcludesWithdrawals(t *testing.T) {
	l := ledger.New()
	_, _ = l.AdjustBalance("kim", model.AccountLive, d("100"))
	_, err := l.SubmitTransaction(model.Transaction{ID: "w1", UserID: "kim", Type: model.TxWithdraw, Amount: d("5")})
	require.NoError(t, err)
	_, err = l.SubmitTransaction(model.Transaction{ID: "d1", UserID: "kim", Type: model.TxDeposit, Amount: d("7")})
	require.NoError(t, err)

	deposits := l.PendingDeposits()
	require.Len(t, deposits, 1)
	assert.Equal(t, "d1", deposits[0].ID)

	withdrawals := l.PendingWithdrawals()
	require.Len(t, withdrawals, 1)
	assert.Equal(t, "w1", withdrawals[0].ID)

	// The deposit review never touches a withdrawal.
	_, applied, err := l.ApproveDeposit("w1")
	require.ErrorIs(t, err, ledger.ErrInvalidTransaction)
	assert.False(t, applied)
	_, _, err = l.RejectDeposit("w1")
	require.ErrorIs(t, err, ledger.ErrInvalidTransaction)
	_, _, err = l.ApproveWithdrawal("d1")
	require.ErrorIs(t, err, ledger.ErrInvalidTransaction)

	b, _ := l.Balances("kim")
	assert.True(t, b.Live.Equal(d("100")), "got %s", b.Live)
	assert.Len(t, l.PendingWithdrawals(), 1)
}

func TestApproveWithdrawal(t *testing.T) {
	l := ledger.New()
	_, _ = l.AdjustBalance("kim", model.AccountLive, d("30"))
	_, err := l.SubmitTransaction(model.Transaction{ID: "w1", UserID: "kim", Type: model.TxWithdraw, Amount: d("50")})
	require.NoError(t, err)
	_, err = l.SubmitTransaction(model.Transaction{ID: "w2", UserID: "kim", Type: model.TxWithdraw, Amount: d("20")})
	require.NoError(t, err)

	tx, applied, err := l.ApproveWithdrawal("w1")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.False(t, applied)
	assert.Equal(t, model.TxPending, tx.Status)

	tx, applied, err = l.ApproveWithdrawal("w2")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TxSuccess, tx.Status)

	_, applied, err = l.ApproveWithdrawal("w2")
	require.NoError(t, err)
	assert.False(t, applied, "second approval is a no-op")

	tx, applied, err = l.RejectWithdrawal("w1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TxRejected, tx.Status)

	b, _ := l.Balances("kim")
	assert.True(t, b.Live.Equal(d("10")), "got %s", b.Live)
	assert.Empty(t, l.PendingWithdrawals())
}

func TestPlaceFunded_RefusesOverdraft(t *testing.T) {
	l := ledger.New(ledger.WithDemoBalance(d("40")))

	_, err := l.PlaceFunded(newTrade("t1", "lou", "41", model.AccountDemo))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	_, err = l.Trade("t1")
	assert.ErrorIs(t, err, ledger.ErrTradeNotFound)

	// A debit landing after the caller's own check is caught here.
	_, _ = l.AdjustBalance("lou", model.AccountDemo, d("-30"))
	_, err = l.PlaceFunded(newTrade("t2", "lou", "25", model.AccountDemo))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = l.PlaceFunded(newTrade("t3", "lou", "10", model.AccountDemo))
	require.NoError(t, err)
	b, _ := l.Balances("lou")
	assert.True(t, b.Demo.IsZero(), "got %s", b.Demo)
}

func TestRejectDeposit_LeavesBalance(t *testing.T) {
	l := ledger.New()
	_, err := l.SubmitTransaction(model.Transaction{ID: "tx1", UserID: "lee", Type: model.TxDeposit, Amount: d("10")})
	require.NoError(t, err)

	tx, applied, err := l.RejectDeposit("tx1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TxRejected, tx.Status)

	b, _ := l.Balances("lee")
	assert.True(t, b.Live.IsZero())
}

func TestSubmitTransaction_Validation(t *testing.T) {
	l := ledger.New()
	_, err := l.SubmitTransaction(model.Transaction{ID: "x", UserID: "u", Type: "REFUND", Amount: d("1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransaction)
	_, err = l.SubmitTransaction(model.Transaction{ID: "x", UserID: "u", Type: model.TxDeposit, Amount: d("0")})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransaction)
}

func TestTransactionsAndStats(t *testing.T) {
	l := ledger.New()
	_, _ = l.SubmitTransaction(model.Transaction{ID: "1", UserID: "mo", Type: model.TxDeposit, Amount: d("100")})
	_, _ = l.SubmitTransaction(model.Transaction{ID: "2", UserID: "mo", Type: model.TxDeposit, Amount: d("50")})
	_, _ = l.SubmitTransaction(model.Transaction{ID: "3", UserID: "ned", Type: model.TxWithdraw, Amount: d("5")})
	_, _, _ = l.ApproveDeposit("1")
	_, _ = l.PlaceTrade(newTrade("t1", "ned", "1", model.AccountDemo))

	txs := l.Transactions("mo")
	require.Len(t, txs, 2)
	assert.Equal(t, "2", txs[0].ID)

	s := l.Stats()
	assert.Equal(t, 2, s.Users)
	assert.Equal(t, 1, s.OpenTrades)
	assert.Equal(t, 1, s.PendingDeposits)
	assert.True(t, s.PendingDepositVolume.Equal(d("50")))
	assert.True(t, s.TotalLiveBalance.Equal(d("100")))
}

func TestSelectAccount(t *testing.T) {
	l := ledger.New()
	b, err := l.SelectAccount("ola", model.AccountLive)
	require.NoError(t, err)
	assert.Equal(t, model.AccountLive, b.Selected)

	_, err = l.SelectAccount("ola", "CRYPTO")
	assert.Error(t, err)
}

func TestChangeHook_ReportsTables(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	l := ledger.New(ledger.WithChangeHook(func(tables ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, tb := range tables {
			seen[tb]++
		}
	}))

	_, _ = l.PlaceTrade(newTrade("t1", "pat", "1", model.AccountDemo))
	_, _ = l.SelectAccount("pat", model.AccountLive)
	_, _ = l.SubmitTransaction(model.Transaction{ID: "1", UserID: "pat", Type: model.TxDeposit, Amount: d("1")})
	_, _ = l.Settle("t1", model.StatusLost, nil)

	assert.Equal(t, 2, seen[store.TableTrades])
	assert.Equal(t, 1, seen[store.TableUsers])
	assert.Equal(t, 1, seen[store.TableAccountType])
	assert.Equal(t, 1, seen[store.TableTransactions])
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := ledger.New()
	_, _ = src.AdjustBalance("quin", model.AccountLive, d("75"))
	_, _ = src.SelectAccount("quin", model.AccountLive)
	_, _ = src.PlaceTrade(newTrade("t1", "quin", "25", model.AccountLive))
	_, _ = src.PlaceTrade(newTrade("t2", "quin", "5", model.AccountDemo))
	exit := d("1.3")
	_, _ = src.Settle("t2", model.StatusWon, &exit)
	_, _ = src.SubmitTransaction(model.Transaction{ID: "tx1", UserID: "quin", Type: model.TxDeposit, Amount: d("9")})

	dst := ledger.New()
	for _, table := range src.Tables() {
		data, err := src.MarshalTable(table)
		require.NoError(t, err)
		require.NoError(t, dst.UnmarshalTable(table, data))
	}

	want, _ := src.Balances("quin")
	got, err := dst.Balances("quin")
	require.NoError(t, err)
	assert.True(t, want.Demo.Equal(got.Demo))
	assert.True(t, want.Live.Equal(got.Live))
	assert.Equal(t, model.AccountLive, got.Selected)

	assert.Equal(t, len(src.TradesFor("quin")), len(dst.TradesFor("quin")))
	due := dst.DueTrades(t0.Add(time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].ID)
	assert.Len(t, dst.PendingDeposits(), 1)
}

func TestUnmarshalTable_DropsBrokenRecords(t *testing.T) {
	l := ledger.New()

	require.NoError(t, l.UnmarshalTable(store.TableUsers,
		[]byte(`[{"user_id":"","demo_balance":"1"},{"user_id":"r","demo_balance":"-4","live_balance":"3"}]`)))
	b, err := l.Balances("r")
	require.NoError(t, err)
	assert.True(t, b.Demo.IsZero())
	assert.True(t, b.Live.Equal(d("3")))

	require.NoError(t, l.UnmarshalTable(store.TableTrades,
		[]byte(`[{"id":"x","user_id":"r","direction":"SIDEWAYS","account_type":"DEMO","status":"PENDING"}]`)))
	assert.Empty(t, l.TradesFor("r"))

	assert.Error(t, l.UnmarshalTable(store.TableTrades, []byte(`{not json`)))
	assert.Error(t, l.UnmarshalTable("bogus", []byte(`[]`)))
}
