// Package trade provides the HTTP surface of the market engine: order
// entry and cancellation, book and fill queries, account and season
// management, and settlement endpoints.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/engine"
	"github.com/pairmint/market-engine/internal/exposure"
	"github.com/pairmint/market-engine/internal/model"
	"github.com/pairmint/market-engine/internal/settle"
	"github.com/pairmint/market-engine/internal/store"
)

// Service handles HTTP requests, delegating matching to the engine and
// settlement to the calculator/dispatcher pair.
type Service struct {
	store      store.Store
	engine     *engine.Engine
	calculator *settle.Calculator
	dispatcher *settle.Dispatcher
	wsHub      *WSHub // optional hub for real-time fill broadcasts
}

// NewService creates a trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, eng *engine.Engine, calc *settle.Calculator, disp *settle.Dispatcher, hub *WSHub) *Service {
	return &Service{
		store:      st,
		engine:     eng,
		calculator: calc,
		dispatcher: disp,
		wsHub:      hub,
	}
}

// Routes mounts every endpoint on the given router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/orders", s.PlaceOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/book", s.GetOrderBook)
	r.Get("/markets/{marketID}/fills", s.GetMarketFills)

	r.Get("/users/{userID}/account", s.GetAccount)
	r.Post("/users/{userID}/deposit", s.Deposit)
	r.Get("/users/{userID}/ledger", s.GetLedger)
	r.Get("/users/{userID}/positions", s.GetPositions)
	r.Get("/users/{userID}/orders", s.GetUserOrders)

	r.Post("/seasons", s.CreateSeason)
	r.Get("/seasons/{seasonID}", s.GetSeason)
	r.Post("/seasons/{seasonID}/conclude", s.ConcludeSeason)
	r.Post("/seasons/{seasonID}/payouts", s.ComputePayouts)
	r.Get("/seasons/{seasonID}/payouts", s.GetPayouts)
	r.Post("/seasons/{seasonID}/payouts/retry", s.RetryPayouts)
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /orders. Either market_id
// or ticker identifies the market.
type PlaceOrderRequest struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id,omitempty"`
	Ticker   string          `json:"ticker,omitempty"`
	Outcome  string          `json:"outcome"` // "yes" or "no"
	Side     string          `json:"side"`    // "buy" or "sell"
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// PlaceOrderResponse reports the order's state after matching.
type PlaceOrderResponse struct {
	Order *model.Order      `json:"order"`
	Fills []model.OrderFill `json:"fills"`
}

// DepositRequest is the JSON body for POST /users/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateSeasonRequest is the JSON body for POST /seasons.
type CreateSeasonRequest struct {
	SeasonID     string   `json:"season_id"`
	Participants []string `json:"participants"`
}

// CreateSeasonResponse carries the season and its generated markets.
type CreateSeasonResponse struct {
	Season  *model.Season  `json:"season"`
	Markets []model.Market `json:"markets"`
}

// ConcludeSeasonRequest is the JSON body for POST /seasons/{id}/conclude.
type ConcludeSeasonRequest struct {
	WinnerParticipantID string `json:"winner_participant_id"`
}

// ComputePayoutsRequest is the JSON body for POST /seasons/{id}/payouts.
// The winner, if set, must match the one recorded at conclusion.
type ComputePayoutsRequest struct {
	WinnerParticipantID string `json:"winner_participant_id,omitempty"`
}

// --- Order handlers ---

// PlaceOrder handles POST /orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	marketID := req.MarketID
	if marketID == "" {
		if req.Ticker == "" {
			writeError(w, "market_id or ticker is required", http.StatusBadRequest)
			return
		}
		market, err := s.store.GetMarketByTicker(ctx, req.Ticker)
		if err != nil {
			writeError(w, "market not found for ticker: "+req.Ticker, http.StatusNotFound)
			return
		}
		marketID = market.ID
	}

	result, err := s.engine.PlaceOrder(ctx, engine.PlaceOrderRequest{
		MarketID: marketID,
		UserID:   req.UserID,
		Outcome:  model.Outcome(req.Outcome),
		Side:     model.Side(req.Side),
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.wsHub != nil {
		for _, f := range result.Fills {
			s.wsHub.Broadcast(WSMessage{
				Type:      "fill",
				MarketID:  f.MarketID,
				FillType:  string(f.FillType),
				Quantity:  f.Quantity,
				YesPrice:  f.YesPrice.String(),
				NoPrice:   f.NoPrice.String(),
				Timestamp: f.CreatedAt,
			})
		}
	}

	writeJSON(w, http.StatusCreated, PlaceOrderResponse{
		Order: result.Order,
		Fills: result.Fills,
	})
}

// CancelOrder handles DELETE /orders/{orderID}. The caller proves
// ownership via the user_id query parameter.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	order, err := s.engine.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// --- Market handlers ---

// ListMarkets handles GET /markets, optionally filtered by ?season=<id>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var (
		markets []model.Market
		err     error
	)
	if season := r.URL.Query().Get("season"); season != "" {
		markets, err = s.store.ListMarketsBySeason(r.Context(), season)
	} else {
		markets, err = s.store.ListMarkets(r.Context())
	}
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetOrderBook handles GET /markets/{marketID}/book.
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.engine.GetOrderBook(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GetMarketFills handles GET /markets/{marketID}/fills.
func (s *Service) GetMarketFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.store.ListFillsByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to list fills", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []model.OrderFill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// --- User handlers ---

// GetAccount handles GET /users/{userID}/account.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// Deposit handles POST /users/{userID}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := s.engine.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetLedger handles GET /users/{userID}/ledger.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListLedgerByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetPositions handles GET /users/{userID}/positions.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.GetUserPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.MarketPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetUserOrders handles GET /users/{userID}/orders, optionally filtered
// by ?market=<id>.
func (s *Service) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.GetUserOrders(r.Context(),
		chi.URLParam(r, "userID"), r.URL.Query().Get("market"))
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Season handlers ---

// CreateSeason handles POST /seasons.
func (s *Service) CreateSeason(w http.ResponseWriter, r *http.Request) {
	var req CreateSeasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SeasonID == "" {
		writeError(w, "season_id is required", http.StatusBadRequest)
		return
	}

	season, markets, err := s.engine.CreateSeason(r.Context(), req.SeasonID, req.Participants)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, CreateSeasonResponse{Season: season, Markets: markets})
}

// GetSeason handles GET /seasons/{seasonID}.
func (s *Service) GetSeason(w http.ResponseWriter, r *http.Request) {
	season, err := s.store.GetSeason(r.Context(), chi.URLParam(r, "seasonID"))
	if err != nil {
		writeError(w, "season not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, season)
}

// ConcludeSeason handles POST /seasons/{seasonID}/conclude: freezes all
// markets, cancels every resting order, and records the winner.
func (s *Service) ConcludeSeason(w http.ResponseWriter, r *http.Request) {
	var req ConcludeSeasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinnerParticipantID == "" {
		writeError(w, "winner_participant_id is required", http.StatusBadRequest)
		return
	}

	season, err := s.engine.ConcludeSeason(r.Context(), chi.URLParam(r, "seasonID"), req.WinnerParticipantID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, season)
}

// ComputePayouts handles POST /seasons/{seasonID}/payouts. Repeat calls
// return the stored payout set unchanged.
func (s *Service) ComputePayouts(w http.ResponseWriter, r *http.Request) {
	var req ComputePayoutsRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	payouts, err := s.calculator.ComputePayouts(r.Context(),
		chi.URLParam(r, "seasonID"), req.WinnerParticipantID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusCreated, payouts)
}

// GetPayouts handles GET /seasons/{seasonID}/payouts.
func (s *Service) GetPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.store.ListPayoutsBySeason(r.Context(), chi.URLParam(r, "seasonID"))
	if err != nil {
		writeError(w, "failed to load payouts", http.StatusInternalServerError)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// RetryPayouts handles POST /seasons/{seasonID}/payouts/retry, flipping
// failed payouts back to pending for the dispatcher.
func (s *Service) RetryPayouts(w http.ResponseWriter, r *http.Request) {
	n, err := s.dispatcher.Requeue(r.Context(), chi.URLParam(r, "seasonID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// --- helpers ---

// statusFor maps engine and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotOrderOwner):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidDeposit):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrMarketNotActive),
		errors.Is(err, engine.ErrNothingToCancel),
		errors.Is(err, engine.ErrSeasonConcluded),
		errors.Is(err, engine.ErrUnknownParticipant),
		errors.Is(err, engine.ErrOpenOrdersRemain),
		errors.Is(err, exposure.ErrPerMarketLimitExceeded),
		errors.Is(err, exposure.ErrSeasonLimitExceeded),
		errors.Is(err, settle.ErrSeasonNotConcluded),
		errors.Is(err, settle.ErrWinnerMismatch),
		errors.Is(err, settle.ErrOpenOrdersRemain):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

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
