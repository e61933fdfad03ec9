package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/otc-engine/internal/candle"
	"github.com/atmx/otc-engine/internal/correlation"
	"github.com/atmx/otc-engine/internal/ledger"
	"github.com/atmx/otc-engine/internal/market"
	"github.com/atmx/otc-engine/internal/model"
)

// Routes mounts the public and admin endpoints on r. The WebSocket
// endpoint is mounted separately from the hub.
func (s *Service) Routes(r chi.Router) {
	// Market data.
	r.Get("/assets", s.ListAssets)
	r.Get("/assets/{assetID}", s.GetAsset)
	r.Get("/assets/{assetID}/candles", s.GetCandles)
	r.Get("/assets/{assetID}/price", s.GetPrice)

	// Trading and accounts.
	r.Post("/trades", s.CreateTrade)
	r.Get("/users/{userID}/trades", s.ListTrades)
	r.Get("/users/{userID}/balances", s.GetBalances)
	r.Put("/users/{userID}/account-type", s.PutAccountType)
	r.Post("/users/{userID}/transactions", s.CreateTransaction)
	r.Get("/users/{userID}/transactions", s.ListTransactions)

	// Administration.
	r.Route("/admin", func(r chi.Router) {
		r.Get("/deposits/pending", s.ListPendingDeposits)
		r.Post("/deposits/{txID}/approve", s.reviewHandler(s.ApproveDeposit))
		r.Post("/deposits/{txID}/reject", s.reviewHandler(s.RejectDeposit))
		r.Get("/withdrawals/pending", s.ListPendingWithdrawals)
		r.Post("/withdrawals/{txID}/approve", s.reviewHandler(s.ApproveWithdrawal))
		r.Post("/withdrawals/{txID}/reject", s.reviewHandler(s.RejectWithdrawal))
		r.Get("/users/{userID}/balances", s.GetUserBalances)
		r.Post("/balances", s.PostBalanceAdjustment)
		r.Put("/overrides/{assetID}", s.PutOverride)
		r.Get("/overrides", s.ListOverrides)
		r.Get("/stats", s.GetStats)
	})
}

// --- Request/Response types ---

// AccountTypeRequest is the JSON body for PUT /users/{userID}/account-type.
type AccountTypeRequest struct {
	AccountType model.AccountType `json:"account_type"`
}

// TransactionRequest is the JSON body for POST /users/{userID}/transactions.
type TransactionRequest struct {
	Type   model.TxType    `json:"type"`
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// ReviewResponse reports the outcome of an approve or reject call.
type ReviewResponse struct {
	Transaction model.Transaction `json:"transaction"`
	Applied     bool              `json:"applied"`
}

// BalanceAdjustmentRequest is the JSON body for POST /admin/balances.
type BalanceAdjustmentRequest struct {
	UserID      string            `json:"user_id"`
	AccountType model.AccountType `json:"account_type"`
	Delta       decimal.Decimal   `json:"delta"`
}

// OverrideRequest is the JSON body for PUT /admin/overrides/{assetID}.
type OverrideRequest struct {
	Regime model.Regime `json:"regime"`
}

// --- Market data ---

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.table.List())
}

// GetAsset handles GET /api/v1/assets/{assetID}
func (s *Service) GetAsset(w http.ResponseWriter, r *http.Request) {
	snap, err := s.table.Snapshot(chi.URLParam(r, "assetID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetCandles handles GET /api/v1/assets/{assetID}/candles?tf=1m&count=200
func (s *Service) GetCandles(w http.ResponseWriter, r *http.Request) {
	tf := r.URL.Query().Get("tf")
	if tf == "" {
		tf = "1m"
	}
	count := candle.DefaultCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "count must be a non-negative integer", http.StatusBadRequest)
			return
		}
		count = n
	}

	series, err := s.Candles(chi.URLParam(r, "assetID"), tf, count)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// GetPrice handles GET /api/v1/assets/{assetID}/price?at=<unix ms>
// Without at, the current clock time is used.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	ts := s.clock.Now().UnixMilli()
	if raw := r.URL.Query().Get("at"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, "at must be a unix timestamp in milliseconds", http.StatusBadRequest)
			return
		}
		ts = n
	}

	quote, err := s.PriceAt(chi.URLParam(r, "assetID"), ts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// --- Trading and accounts ---

// CreateTrade handles POST /api/v1/trades
func (s *Service) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req PlaceTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	placed, err := s.PlaceTrade(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, placed)
}

// ListTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.TradesFor(chi.URLParam(r, "userID")))
}

// GetBalances handles GET /api/v1/users/{userID}/balances
// The account is opened with the demo starting balance on first access.
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.OpenAccount(chi.URLParam(r, "userID")))
}

// PutAccountType handles PUT /api/v1/users/{userID}/account-type
func (s *Service) PutAccountType(w http.ResponseWriter, r *http.Request) {
	var req AccountTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	b, err := s.SelectAccount(chi.URLParam(r, "userID"), req.AccountType)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CreateTransaction handles POST /api/v1/users/{userID}/transactions
func (s *Service) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tx, err := s.SubmitTransaction(chi.URLParam(r, "userID"), req.Type, req.Method, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// ListTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Transactions(chi.URLParam(r, "userID")))
}

// --- Administration ---

// ListPendingDeposits handles GET /api/v1/admin/deposits/pending
func (s *Service) ListPendingDeposits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.PendingDeposits())
}

// ListPendingWithdrawals handles GET /api/v1/admin/withdrawals/pending
func (s *Service) ListPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.PendingWithdrawals())
}

// reviewHandler serves POST /api/v1/admin/{deposits,withdrawals}/{txID}/{approve,reject}
func (s *Service) reviewHandler(review func(txID string) (model.Transaction, bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, applied, err := review(chi.URLParam(r, "txID"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ReviewResponse{Transaction: tx, Applied: applied})
	}
}

// GetUserBalances handles GET /api/v1/admin/users/{userID}/balances
// Unlike the user route it never opens an account: unknown users are 404.
func (s *Service) GetUserBalances(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.Balances(chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// PostBalanceAdjustment handles POST /api/v1/admin/balances
func (s *Service) PostBalanceAdjustment(w http.ResponseWriter, r *http.Request) {
	var req BalanceAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	b, err := s.AdjustBalance(req.UserID, req.AccountType, req.Delta)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// PutOverride handles PUT /api/v1/admin/overrides/{assetID}
func (s *Service) PutOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	assetID := chi.URLParam(r, "assetID")
	if err := s.SetOverride(assetID, req.Regime); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.MarketOverride{AssetID: assetID, Regime: s.overrides.Regime(assetID)})
}

// ListOverrides handles GET /api/v1/admin/overrides
func (s *Service) ListOverrides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.overrides.List())
}

// GetStats handles GET /api/v1/admin/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Stats())
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps a domain error onto an HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrAssetNotFound),
		errors.Is(err, ledger.ErrTradeNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, correlation.ErrPerAssetLimitExceeded),
		errors.Is(err, correlation.ErrCorrelatedLimitExceeded):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidTrade),
		errors.Is(err, ledger.ErrInvalidTransaction):
		status = http.StatusBadRequest
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
