package ledger

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/store"
)

// userRecord is the persisted form of an account in the users table.
type userRecord struct {
	UserID      string          `json:"user_id"`
	DemoBalance decimal.Decimal `json:"demo_balance"`
	LiveBalance decimal.Decimal `json:"live_balance"`
}

// Tables lists the snapshot tables owned by the ledger, in restore order.
func (l *Ledger) Tables() []string {
	return []string{store.TableUsers, store.TableAccountType, store.TableTransactions, store.TableTrades}
}

// MarshalTable encodes one table as JSON.
func (l *Ledger) MarshalTable(table string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch table {
	case store.TableUsers:
		users := make([]userRecord, 0, len(l.accounts))
		for id, acc := range l.accounts {
			users = append(users, userRecord{UserID: id, DemoBalance: acc.demo, LiveBalance: acc.live})
		}
		sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
		return json.Marshal(users)

	case store.TableAccountType:
		return json.Marshal(l.selected)

	case store.TableTransactions:
		txs := make([]model.Transaction, 0, len(l.txOrder))
		for _, id := range l.txOrder {
			txs = append(txs, *l.txs[id])
		}
		return json.Marshal(txs)

	case store.TableTrades:
		trades := make([]model.Trade, 0, len(l.tradeOrder))
		for _, id := range l.tradeOrder {
			trades = append(trades, *l.trades[id])
		}
		return json.Marshal(trades)
	}
	return nil, fmt.Errorf("ledger: unknown table %q", table)
}

// UnmarshalTable replaces one table from a snapshot. Records that break
// ledger invariants (missing ids, unknown enums, negative balances) are
// dropped or clamped rather than failing the whole restore.
func (l *Ledger) UnmarshalTable(table string, data []byte) error {
	switch table {
	case store.TableUsers:
		var users []userRecord
		if err := json.Unmarshal(data, &users); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", table, err)
		}
		accounts := make(map[string]*account, len(users))
		for _, u := range users {
			if u.UserID == "" {
				continue
			}
			accounts[u.UserID] = &account{demo: nonNegative(u.DemoBalance), live: nonNegative(u.LiveBalance)}
		}
		l.mu.Lock()
		l.accounts = accounts
		l.mu.Unlock()

	case store.TableAccountType:
		var raw map[string]model.AccountType
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", table, err)
		}
		selected := make(map[string]model.AccountType, len(raw))
		for id, typ := range raw {
			if id != "" && typ.Valid() {
				selected[id] = typ
			}
		}
		l.mu.Lock()
		l.selected = selected
		l.mu.Unlock()

	case store.TableTransactions:
		var list []model.Transaction
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", table, err)
		}
		txs := make(map[string]*model.Transaction, len(list))
		order := make([]string, 0, len(list))
		for _, tx := range list {
			if tx.ID == "" || !tx.Type.Valid() {
				continue
			}
			if _, dup := txs[tx.ID]; dup {
				continue
			}
			switch tx.Status {
			case model.TxPending, model.TxSuccess, model.TxRejected:
			default:
				continue
			}
			txs[tx.ID] = &tx
			order = append(order, tx.ID)
		}
		l.mu.Lock()
		l.txs, l.txOrder = txs, order
		l.mu.Unlock()

	case store.TableTrades:
		var list []model.Trade
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", table, err)
		}
		trades := make(map[string]*model.Trade, len(list))
		order := make([]string, 0, len(list))
		for _, t := range list {
			if t.ID == "" || !t.Direction.Valid() || !t.AccountType.Valid() {
				continue
			}
			if t.Status != model.StatusPending && !t.Status.Final() {
				continue
			}
			if _, dup := trades[t.ID]; dup {
				continue
			}
			trades[t.ID] = &t
			order = append(order, t.ID)
		}
		l.mu.Lock()
		l.trades, l.tradeOrder = trades, order
		l.mu.Unlock()

	default:
		return fmt.Errorf("ledger: unknown table %q", table)
	}
	return nil
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
