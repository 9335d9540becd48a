// Package trade provides the HTTP handlers for market management, quoting,
// trade execution, calibration, and settlement.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/engine"
	"github.com/papertrade/market-engine/internal/ledger"
	"github.com/papertrade/market-engine/internal/metrics"
	"github.com/papertrade/market-engine/internal/model"
	"github.com/papertrade/market-engine/internal/store"
)

// Defaults applied when a create request omits the field.
var (
	DefaultStartingBalance = decimal.NewFromInt(1000)
	DefaultLiquidity       = decimal.NewFromInt(100)
)

// Service handles market operations over a Store and Ledger.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, led *ledger.Ledger, hub *WSHub) *Service {
	return &Service{
		store:  st,
		ledger: led,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. Markets are
// created in draft; outcomes are fixed from this point on.
type CreateMarketRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	B           decimal.Decimal `json:"liquidity_param"` // 0 → default 100
	Outcomes    []string        `json:"outcomes"`
}

// TradeRequest is the JSON body for POST /markets/{marketID}/trade.
type TradeRequest struct {
	UserID    string          `json:"user_id"`
	OutcomeID string          `json:"outcome_id"`
	Side      string          `json:"side"`   // "buy" or "sell"
	Shares    decimal.Decimal `json:"shares"` // always positive
}

// OddsRequest is the JSON body for POST /markets/{marketID}/odds.
// Prices are matched to outcomes by ID and need not sum to 1.
type OddsRequest struct {
	Odds []struct {
		OutcomeID string          `json:"outcome_id"`
		Price     decimal.Decimal `json:"price"`
	} `json:"odds"`
}

// StatusRequest is the JSON body for POST /markets/{marketID}/status.
type StatusRequest struct {
	Status string `json:"status"` // "open" or "paused"
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	WinningOutcomeID string `json:"winning_outcome_id"`
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Name            string          `json:"name"`
	StartingBalance decimal.Decimal `json:"starting_balance"` // 0 → default
}

// MarketView is a market with its live price vector attached.
type MarketView struct {
	model.Market
	Prices []ledger.OutcomePrice `json:"prices"`
}

// UserView is a user with their positions attached.
type UserView struct {
	model.User
	Positions []model.Position `json:"positions"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	b := req.B
	if b.IsZero() {
		b = DefaultLiquidity
	}

	if err := model.ValidateDefinition(req.Name, b, req.Outcomes); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Status:      model.StatusDraft,
		B:           b,
		CreatedAt:   time.Now().UTC(),
	}
	for i, name := range req.Outcomes {
		market.Outcomes = append(market.Outcomes, model.Outcome{
			ID:           uuid.New().String(),
			MarketID:     market.ID,
			Name:         name,
			DisplayOrder: i,
		})
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("market created",
		"id", market.ID,
		"name", market.Name,
		"outcomes", len(market.Outcomes),
		"b", b.String(),
	)

	writeJSON(w, http.StatusCreated, market)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	prices, err := s.ledger.CurrentPrices(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to price market", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, MarketView{Market: *market, Prices: prices})
}

// Quote handles GET /api/v1/markets/{marketID}/quote
// Query: outcome_id, side (buy|sell), and either shares or budget.
// Pure projection: nothing is reserved, locked, or written.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	q := r.URL.Query()

	outcomeID := q.Get("outcome_id")
	side := q.Get("side")
	if side == "" {
		side = model.SideBuy
	}
	if side != model.SideBuy && side != model.SideSell {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	shares := decimal.Zero
	if raw := q.Get("shares"); raw != "" {
		if shares, err = decimal.NewFromString(raw); err != nil {
			writeError(w, "invalid shares", http.StatusBadRequest)
			return
		}
	} else if raw := q.Get("budget"); raw != "" {
		// Size the trade to the budget, then quote that size.
		budget, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, "invalid budget", http.StatusBadRequest)
			return
		}
		if side != model.SideBuy {
			writeError(w, "budget sizing only applies to buys", http.StatusBadRequest)
			return
		}
		shares, err = engine.SharesForBudget(market, outcomeID, budget)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}
	}

	quote, err := engine.QuoteTrade(market, outcomeID, side, shares)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}

	metrics.QuotesTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]*engine.Quote{"quote": quote})
}

// ExecuteTrade handles POST /api/v1/markets/{marketID}/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := s.ledger.ExecuteTrade(r.Context(), req.UserID, marketID, req.OutcomeID, req.Side, req.Shares)
	if err != nil {
		status := statusForError(err)
		if status < http.StatusInternalServerError {
			metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		}
		writeError(w, err.Error(), status)
		return
	}

	metrics.TradesTotal.WithLabelValues(req.Side).Inc()
	metrics.TradeLatency.WithLabelValues(req.Side).Observe(time.Since(start).Seconds())

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: marketID,
			Prices:   result.NewPrices,
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// SetOdds handles POST /api/v1/markets/{marketID}/odds
// Draft markets only: seeds outstanding shares to match target prices.
func (s *Service) SetOdds(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req OddsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	// Match prices to outcomes by ID, in display order.
	targets := make([]decimal.Decimal, len(market.Outcomes))
	matched := 0
	for _, odd := range req.Odds {
		if i := market.OutcomeIndex(odd.OutcomeID); i >= 0 {
			targets[i] = odd.Price
			matched++
		}
	}
	if matched != len(market.Outcomes) || len(req.Odds) != len(market.Outcomes) {
		writeError(w, ledger.ErrOddsMismatch.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.ledger.Calibrate(r.Context(), marketID, targets)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// UpdateStatus handles POST /api/v1/markets/{marketID}/status
// Allowed transitions: draft→open, paused→open, open→paused.
func (s *Service) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var from []string
	switch req.Status {
	case model.StatusOpen:
		from = []string{model.StatusDraft, model.StatusPaused}
	case model.StatusPaused:
		from = []string{model.StatusOpen}
	default:
		writeError(w, "status must be open or paused", http.StatusBadRequest)
		return
	}

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	if err := s.store.UpdateMarketStatus(r.Context(), marketID, from, req.Status, market.Version); err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}

	slog.Info("market status changed", "market", marketID, "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinningOutcomeID == "" {
		writeError(w, "winning_outcome_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.ledger.Resolve(r.Context(), marketID, req.WinningOutcomeID)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}

	metrics.PayoutsTotal.Add(float64(result.PayoutCount))

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:             "market_resolved",
			MarketID:         marketID,
			WinningOutcomeID: result.WinningOutcomeID,
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// MarketTransactions handles GET /api/v1/markets/{marketID}/transactions
func (s *Service) MarketTransactions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	entries, err := s.store.ListTransactionsByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	balance := req.StartingBalance
	if balance.IsZero() {
		balance = DefaultStartingBalance
	}
	if balance.IsNegative() {
		writeError(w, "starting balance must not be negative", http.StatusBadRequest)
		return
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Balance:   balance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	positions, err := s.store.GetPositionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	writeJSON(w, http.StatusOK, UserView{User: *user, Positions: positions})
}

// UserTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) UserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	entries, err := s.store.ListTransactionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Leaderboard handles GET /api/v1/leaderboard
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsersByBalance(r.Context(), 50)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// --- Helpers ---

// statusForError maps engine/ledger/store sentinels to HTTP status codes.
// Validation failures are 4xx and expected; only unknown errors are 500s.
func statusForError(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidOutcome),
		errors.Is(err, engine.ErrZeroSizeTrade):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrMarketNotOpen),
		errors.Is(err, ledger.ErrMarketResolved),
		errors.Is(err, ledger.ErrMarketNotDraft),
		errors.Is(err, ledger.ErrNotResolvable),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrOddsMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTradeContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidOutcome):
		return "invalid_outcome"
	case errors.Is(err, engine.ErrZeroSizeTrade):
		return "zero_size"
	case errors.Is(err, engine.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, engine.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, engine.ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, ledger.ErrMarketResolved):
		return "market_resolved"
	default:
		return "other"
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
