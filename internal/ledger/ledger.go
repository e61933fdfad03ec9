// Package ledger holds the authoritative in-memory state of trades, user
// balances and cashier transactions.
//
// Every mutation happens inside one critical section, so a stake debit and
// the trade insertion it pays for can never be observed separately, and a
// trade can leave PENDING only once. Balances never go below zero: debits
// larger than the balance are truncated, except where a funded placement
// or a withdrawal approval refuses them.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/store"
)

var (
	ErrTradeNotFound       = errors.New("ledger: trade not found")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAlreadySettled      = errors.New("ledger: trade already settled")
	ErrInvalidTrade        = errors.New("ledger: invalid trade")
	ErrInvalidTransaction  = errors.New("ledger: invalid transaction")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
)

// DefaultDemoBalance is credited to the demo sub-account of new users.
var DefaultDemoBalance = decimal.NewFromInt(10000)

type account struct {
	demo decimal.Decimal
	live decimal.Decimal
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	clock       clockwork.Clock
	demoBalance decimal.Decimal
	onChange    func(tables ...string)

	accounts map[string]*account
	selected map[string]model.AccountType

	trades     map[string]*model.Trade
	tradeOrder []string

	txs     map[string]*model.Transaction
	txOrder []string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for creation and settlement timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithDemoBalance sets the starting demo balance of new users.
func WithDemoBalance(amount decimal.Decimal) Option {
	return func(l *Ledger) { l.demoBalance = amount }
}

// WithChangeHook registers fn to be called with the names of the snapshot
// tables touched by every successful mutation. fn runs after the ledger
// lock is released and must not block.
func WithChangeHook(fn func(tables ...string)) Option {
	return func(l *Ledger) { l.onChange = fn }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:       clockwork.NewRealClock(),
		demoBalance: DefaultDemoBalance,
		accounts:    make(map[string]*account),
		selected:    make(map[string]model.AccountType),
		trades:      make(map[string]*model.Trade),
		txs:         make(map[string]*model.Transaction),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) changed(tables ...string) {
	if l.onChange != nil && len(tables) > 0 {
		l.onChange(tables...)
	}
}

// accountLocked returns the account of userID, creating it with the demo
// starting balance when absent. The bool reports whether it was created.
func (l *Ledger) accountLocked(userID string) (*account, bool) {
	if acc, ok := l.accounts[userID]; ok {
		return acc, false
	}
	acc := &account{demo: l.demoBalance, live: decimal.Zero}
	l.accounts[userID] = acc
	return acc, true
}

func (l *Ledger) balancesLocked(userID string, acc *account) model.Balances {
	sel, ok := l.selected[userID]
	if !ok {
		sel = model.AccountDemo
	}
	return model.Balances{UserID: userID, Demo: acc.demo, Live: acc.live, Selected: sel}
}

func (acc *account) balance(typ model.AccountType) decimal.Decimal {
	if typ == model.AccountLive {
		return acc.live
	}
	return acc.demo
}

// credit adds delta (which may be negative) to the sub-balance, clamping
// the result at zero.
func (acc *account) credit(typ model.AccountType, delta decimal.Decimal) {
	bal := &acc.demo
	if typ == model.AccountLive {
		bal = &acc.live
	}
	next := bal.Add(delta)
	if next.IsNegative() {
		next = decimal.Zero
	}
	*bal = next
}

// --- Accounts ---

// OpenAccount returns the balances of userID, creating the account on
// first access.
func (l *Ledger) OpenAccount(userID string) model.Balances {
	l.mu.Lock()
	acc, created := l.accountLocked(userID)
	b := l.balancesLocked(userID, acc)
	l.mu.Unlock()

	if created {
		l.changed(store.TableUsers)
	}
	return b
}

// Balances returns the balances of an existing account.
func (l *Ledger) Balances(userID string) (model.Balances, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[userID]
	if !ok {
		return model.Balances{}, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	return l.balancesLocked(userID, acc), nil
}

// AdjustBalance applies delta to one sub-balance of userID. A debit larger
// than the balance leaves it at zero.
func (l *Ledger) AdjustBalance(userID string, typ model.AccountType, delta decimal.Decimal) (model.Balances, error) {
	if !typ.Valid() {
		return model.Balances{}, fmt.Errorf("ledger: invalid account type %q", typ)
	}

	l.mu.Lock()
	acc, _ := l.accountLocked(userID)
	acc.credit(typ, delta)
	b := l.balancesLocked(userID, acc)
	l.mu.Unlock()

	l.changed(store.TableUsers)
	return b, nil
}

// SelectAccount records which sub-account userID trades with by default.
func (l *Ledger) SelectAccount(userID string, typ model.AccountType) (model.Balances, error) {
	if !typ.Valid() {
		return model.Balances{}, fmt.Errorf("ledger: invalid account type %q", typ)
	}

	l.mu.Lock()
	acc, created := l.accountLocked(userID)
	l.selected[userID] = typ
	b := l.balancesLocked(userID, acc)
	l.mu.Unlock()

	if created {
		l.changed(store.TableUsers, store.TableAccountType)
	} else {
		l.changed(store.TableAccountType)
	}
	return b, nil
}

// --- Trades ---

// PlaceTrade inserts t as PENDING and debits its stake from the owner's
// sub-account in the same critical section. Stake and balance are the
// caller's responsibility; only structural fields are checked here, and a
// stake above the balance leaves it at zero.
func (l *Ledger) PlaceTrade(t model.Trade) (model.Trade, error) {
	return l.place(t, false)
}

// PlaceFunded is PlaceTrade with the balance check taken inside the same
// critical section as the debit: a stake above the sub-balance returns
// ErrInsufficientFunds and changes nothing.
func (l *Ledger) PlaceFunded(t model.Trade) (model.Trade, error) {
	return l.place(t, true)
}

func (l *Ledger) place(t model.Trade, funded bool) (model.Trade, error) {
	switch {
	case t.ID == "" || t.UserID == "" || t.AssetID == "":
		return model.Trade{}, fmt.Errorf("%w: missing id, user or asset", ErrInvalidTrade)
	case !t.EndTime.After(t.StartTime):
		return model.Trade{}, fmt.Errorf("%w: end time must be after start time", ErrInvalidTrade)
	case !t.Direction.Valid():
		return model.Trade{}, fmt.Errorf("%w: direction %q", ErrInvalidTrade, t.Direction)
	case !t.AccountType.Valid():
		return model.Trade{}, fmt.Errorf("%w: account type %q", ErrInvalidTrade, t.AccountType)
	}

	t.Status = model.StatusPending
	t.ExitPrice = nil
	t.SettledAt = nil

	l.mu.Lock()
	if _, dup := l.trades[t.ID]; dup {
		l.mu.Unlock()
		return model.Trade{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidTrade, t.ID)
	}
	acc, created := l.accountLocked(t.UserID)
	if funded {
		if bal := acc.balance(t.AccountType); t.Amount.GreaterThan(bal) {
			l.mu.Unlock()
			if created {
				l.changed(store.TableUsers)
			}
			return model.Trade{}, fmt.Errorf("%w: %s balance %s, stake %s",
				ErrInsufficientFunds, t.AccountType, bal, t.Amount)
		}
	}
	acc.credit(t.AccountType, t.Amount.Neg())
	stored := t
	l.trades[t.ID] = &stored
	l.tradeOrder = append(l.tradeOrder, t.ID)
	l.mu.Unlock()

	l.changed(store.TableTrades, store.TableUsers)
	return t, nil
}

// Trade returns a copy of one trade.
func (l *Ledger) Trade(id string) (model.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[id]
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return *t, nil
}

// DueTrades returns the PENDING trades whose end time is at or before now,
// oldest first.
func (l *Ledger) DueTrades(now time.Time) []model.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []model.Trade
	for _, id := range l.tradeOrder {
		t := l.trades[id]
		if t.Status == model.StatusPending && !t.EndTime.After(now) {
			due = append(due, *t)
		}
	}
	return due
}

// Settle moves a PENDING trade to status, recording exitPrice (nil when
// no price was available). A WON trade credits its payout to the sub-account
// it was staked from. Settling a trade that has already left PENDING
// returns ErrAlreadySettled and changes nothing.
func (l *Ledger) Settle(tradeID string, status model.TradeStatus, exitPrice *decimal.Decimal) (model.Trade, error) {
	if !status.Final() {
		return model.Trade{}, fmt.Errorf("%w: cannot settle as %q", ErrInvalidTrade, status)
	}

	l.mu.Lock()
	t, ok := l.trades[tradeID]
	if !ok {
		l.mu.Unlock()
		return model.Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
	}
	if t.Status != model.StatusPending {
		out := *t
		l.mu.Unlock()
		return out, ErrAlreadySettled
	}

	now := l.clock.Now().UTC()
	t.Status = status
	t.SettledAt = &now
	if exitPrice != nil {
		p := *exitPrice
		t.ExitPrice = &p
	}

	tables := []string{store.TableTrades}
	if status == model.StatusWon {
		acc, _ := l.accountLocked(t.UserID)
		acc.credit(t.AccountType, t.Payout())
		tables = append(tables, store.TableUsers)
	}
	out := *t
	l.mu.Unlock()

	l.changed(tables...)
	return out, nil
}

// TradesFor returns the trades of userID, newest first.
func (l *Ledger) TradesFor(userID string) []model.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []model.Trade{}
	for i := len(l.tradeOrder) - 1; i >= 0; i-- {
		if t := l.trades[l.tradeOrder[i]]; t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out
}

// --- Cashier ---

// SubmitTransaction records a PENDING deposit or withdraw request.
func (l *Ledger) SubmitTransaction(tx model.Transaction) (model.Transaction, error) {
	switch {
	case tx.ID == "" || tx.UserID == "":
		return model.Transaction{}, fmt.Errorf("%w: missing id or user", ErrInvalidTransaction)
	case !tx.Type.Valid():
		return model.Transaction{}, fmt.Errorf("%w: type %q", ErrInvalidTransaction, tx.Type)
	case !tx.Amount.IsPositive():
		return model.Transaction{}, fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}

	tx.Status = model.TxPending
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.clock.Now().UTC()
	}

	l.mu.Lock()
	if _, dup := l.txs[tx.ID]; dup {
		l.mu.Unlock()
		return model.Transaction{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidTransaction, tx.ID)
	}
	_, created := l.accountLocked(tx.UserID)
	stored := tx
	l.txs[tx.ID] = &stored
	l.txOrder = append(l.txOrder, tx.ID)
	l.mu.Unlock()

	if created {
		l.changed(store.TableTransactions, store.TableUsers)
	} else {
		l.changed(store.TableTransactions)
	}
	return tx, nil
}

// ApproveDeposit marks a PENDING deposit SUCCESS and credits its amount to
// the live balance. The bool reports whether anything changed; approving a
// non-pending deposit is a no-op. Withdrawals are rejected with
// ErrInvalidTransaction.
func (l *Ledger) ApproveDeposit(txID string) (model.Transaction, bool, error) {
	return l.review(txID, model.TxDeposit, model.TxSuccess)
}

// RejectDeposit marks a PENDING deposit REJECTED without touching balances.
func (l *Ledger) RejectDeposit(txID string) (model.Transaction, bool, error) {
	return l.review(txID, model.TxDeposit, model.TxRejected)
}

// ApproveWithdrawal marks a PENDING withdrawal SUCCESS and debits its amount
// from the live balance. A live balance below the amount returns
// ErrInsufficientFunds and leaves the request PENDING.
func (l *Ledger) ApproveWithdrawal(txID string) (model.Transaction, bool, error) {
	return l.review(txID, model.TxWithdraw, model.TxSuccess)
}

// RejectWithdrawal marks a PENDING withdrawal REJECTED without touching
// balances.
func (l *Ledger) RejectWithdrawal(txID string) (model.Transaction, bool, error) {
	return l.review(txID, model.TxWithdraw, model.TxRejected)
}

func (l *Ledger) review(txID string, typ model.TxType, status model.TxStatus) (model.Transaction, bool, error) {
	l.mu.Lock()
	tx, ok := l.txs[txID]
	if !ok {
		l.mu.Unlock()
		return model.Transaction{}, false, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if tx.Type != typ {
		l.mu.Unlock()
		return model.Transaction{}, false, fmt.Errorf("%w: %s is a %s request", ErrInvalidTransaction, txID, tx.Type)
	}
	if tx.Status != model.TxPending {
		out := *tx
		l.mu.Unlock()
		return out, false, nil
	}

	tables := []string{store.TableTransactions}
	if status == model.TxSuccess {
		acc, _ := l.accountLocked(tx.UserID)
		delta := tx.Amount
		if typ == model.TxWithdraw {
			if tx.Amount.GreaterThan(acc.live) {
				out := *tx
				l.mu.Unlock()
				return out, false, fmt.Errorf("%w: live balance %s, withdrawal %s",
					ErrInsufficientFunds, acc.live, tx.Amount)
			}
			delta = delta.Neg()
		}
		acc.credit(model.AccountLive, delta)
		tables = append(tables, store.TableUsers)
	}
	tx.Status = status
	out := *tx
	l.mu.Unlock()

	l.changed(tables...)
	return out, true, nil
}

// PendingDeposits returns the PENDING deposit requests, oldest first.
func (l *Ledger) PendingDeposits() []model.Transaction {
	return l.pending(model.TxDeposit)
}

// PendingWithdrawals returns the PENDING withdrawal requests, oldest first.
func (l *Ledger) PendingWithdrawals() []model.Transaction {
	return l.pending(model.TxWithdraw)
}

func (l *Ledger) pending(typ model.TxType) []model.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []model.Transaction{}
	for _, id := range l.txOrder {
		if tx := l.txs[id]; tx.Status == model.TxPending && tx.Type == typ {
			out = append(out, *tx)
		}
	}
	return out
}

// Transactions returns the requests of userID, newest first.
func (l *Ledger) Transactions(userID string) []model.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []model.Transaction{}
	for i := len(l.txOrder) - 1; i >= 0; i-- {
		if tx := l.txs[l.txOrder[i]]; tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	return out
}

// Stats summarises the ledger for administrators.
func (l *Ledger) Stats() model.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := model.Stats{
		Users:                len(l.accounts),
		PendingDepositVolume: decimal.Zero,
		TotalLiveBalance:     decimal.Zero,
	}
	for _, t := range l.trades {
		if t.Status == model.StatusPending {
			s.OpenTrades++
		}
	}
	for _, tx := range l.txs {
		if tx.Status == model.TxPending && tx.Type == model.TxDeposit {
			s.PendingDeposits++
			s.PendingDepositVolume = s.PendingDepositVolume.Add(tx.Amount)
		}
	}
	for _, acc := range l.accounts {
		s.TotalLiveBalance = s.TotalLiveBalance.Add(acc.live)
	}
	return s
}
