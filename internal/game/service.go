package game

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lemonstand/market-engine/internal/auction"
	"github.com/lemonstand/market-engine/internal/company"
	"github.com/lemonstand/market-engine/internal/ledger"
	"github.com/lemonstand/market-engine/internal/model"
	"github.com/lemonstand/market-engine/internal/orderbook"
	"github.com/lemonstand/market-engine/internal/store"
)

const defaultDepth = 5

// Service exposes a Session over HTTP. Every trade and IPO outcome is
// appended to the store and pushed to the hub after the core has settled
// it; a store failure is logged and never undoes the settlement.
type Service struct {
	session *Session
	store   store.Store
	wsHub   *WSHub // optional
	log     *slog.Logger
}

// NewService creates a service. Pass nil for hub if WebSocket broadcasting
// is not needed.
func NewService(session *Session, st store.Store, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{session: session, store: st, wsHub: hub, log: logger}
}

// Routes registers every game endpoint on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/participants", s.ListParticipants)
	r.Post("/participants", s.Join)
	r.Get("/participants/{participantID}", s.GetParticipant)
	r.Get("/participants/{participantID}/orders", s.OpenOrders)
	r.Get("/participants/{participantID}/trades", s.ParticipantTrades)

	r.Get("/ipo/results", s.ListIPOResults)
	r.Post("/ipo/bids", s.SubmitBid)
	r.Post("/ipo/run", s.RunAllIPOs)
	r.Post("/ipo/{companyID}/run", s.RunIPO)

	r.Post("/trading/open", s.OpenTrading)
	r.Post("/trading/close", s.CloseTrading)

	r.Post("/orders", s.SubmitOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Get("/companies", s.ListCompanies)
	r.Get("/companies/{companyID}/market", s.GetMarketData)
	r.Get("/companies/{companyID}/history", s.GetHistory)

	r.Get("/ledger/{participantID}", s.GetLedger)
	r.Get("/ceos", s.GetCEOs)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/state", s.GetState)

	r.Post("/bots/tick", s.BotTick)
}

// --- Request/Response types ---

// JoinRequest is the JSON body for POST /participants.
type JoinRequest struct {
	Name string `json:"name"`
}

// IPORunResponse is returned from POST /ipo/run.
type IPORunResponse struct {
	Results []auction.Result `json:"results"`
	Errors  []string         `json:"errors,omitempty"`
}

// StateResponse is the JSON body of GET /state.
type StateResponse struct {
	Phase     Phase           `json:"phase"`
	Companies []model.Company `json:"companies"`
}

// TickResponse is returned from POST /bots/tick.
type TickResponse struct {
	Orders int           `json:"orders"`
	Trades []model.Trade `json:"trades"`
}

// --- Participants ---

// Join handles POST /api/v1/participants
func (s *Service) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.session.Join(req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListParticipants handles GET /api/v1/participants
func (s *Service) ListParticipants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Participants())
}

// GetParticipant handles GET /api/v1/participants/{participantID}
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.session.Participant(chi.URLParam(r, "participantID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- IPO ---

// SubmitBid handles POST /api/v1/ipo/bids
func (s *Service) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var bid model.Bid
	if err := json.NewDecoder(r.Body).Decode(&bid); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.session.SubmitBid(bid); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bid)
}

// RunIPO handles POST /api/v1/ipo/{companyID}/run
func (s *Service) RunIPO(w http.ResponseWriter, r *http.Request) {
	before := s.session.CEOs()
	res, err := s.session.RunIPO(chi.URLParam(r, "companyID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.recordIPO(r.Context(), res)
	s.announceCEOs(before)
	writeJSON(w, http.StatusOK, res)
}

// RunAllIPOs handles POST /api/v1/ipo/run
// Partial failures are reported alongside the companies that cleared.
func (s *Service) RunAllIPOs(w http.ResponseWriter, r *http.Request) {
	before := s.session.CEOs()
	results, err := s.session.RunAllIPOs()
	for _, res := range results {
		s.recordIPO(r.Context(), res)
	}
	s.announceCEOs(before)

	resp := IPORunResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []auction.Result{}
	}
	if err != nil {
		if errors.Is(err, ErrWrongPhase) {
			writeErr(w, err)
			return
		}
		resp.Errors = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Phase ---

// OpenTrading handles POST /api/v1/trading/open
func (s *Service) OpenTrading(w http.ResponseWriter, r *http.Request) {
	if err := s.session.OpenTrading(); err != nil {
		writeErr(w, err)
		return
	}
	s.announcePhase()
	writeJSON(w, http.StatusOK, map[string]Phase{"phase": s.session.Phase()})
}

// CloseTrading handles POST /api/v1/trading/close
func (s *Service) CloseTrading(w http.ResponseWriter, r *http.Request) {
	if err := s.session.CloseTrading(); err != nil {
		writeErr(w, err)
		return
	}
	s.announcePhase()
	writeJSON(w, http.StatusOK, map[string]Phase{"phase": s.session.Phase()})
}

// GetState handles GET /api/v1/state
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		Phase:     s.session.Phase(),
		Companies: s.session.Companies(),
	})
}

// --- Orders ---

// SubmitOrder handles POST /api/v1/orders
// The response carries the trades already settled in the ledger.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderbook.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	before := s.session.CEOs()
	res, err := s.session.SubmitOrder(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.recordTrades(r.Context(), res.Trades)
	s.announceCEOs(before)
	writeJSON(w, http.StatusOK, res)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?participant_id=
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("participant_id")
	if pid == "" {
		writeError(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.session.CancelOrder(pid, chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// OpenOrders handles GET /api/v1/participants/{participantID}/orders
func (s *Service) OpenOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.session.OpenOrders(chi.URLParam(r, "participantID"))
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Queries ---

// ListCompanies handles GET /api/v1/companies
func (s *Service) ListCompanies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Companies())
}

// GetMarketData handles GET /api/v1/companies/{companyID}/market?depth=
func (s *Service) GetMarketData(w http.ResponseWriter, r *http.Request) {
	depth := defaultDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "depth must be a positive integer", http.StatusBadRequest)
			return
		}
		depth = n
	}
	md, err := s.session.MarketData(chi.URLParam(r, "companyID"), depth)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// GetHistory handles GET /api/v1/companies/{companyID}/history
// Returns the persisted trades to reconstruct the price history.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTradesByCompany(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, "failed to get company history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ParticipantTrades handles GET /api/v1/participants/{participantID}/trades
func (s *Service) ParticipantTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTradesByParticipant(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListIPOResults handles GET /api/v1/ipo/results
func (s *Service) ListIPOResults(w http.ResponseWriter, r *http.Request) {
	ipos, err := s.store.ListIPOs(r.Context())
	if err != nil {
		writeError(w, "failed to list ipo results", http.StatusInternalServerError)
		return
	}
	if ipos == nil {
		ipos = []model.IPORecord{}
	}
	writeJSON(w, http.StatusOK, ipos)
}

// GetLedger handles GET /api/v1/ledger/{participantID}
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	sum, err := s.session.Summary(chi.URLParam(r, "participantID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetCEOs handles GET /api/v1/ceos
func (s *Service) GetCEOs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.CEOs())
}

// GetLeaderboard handles GET /api/v1/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Leaderboard())
}

// --- Bots ---

// BotTick handles POST /api/v1/bots/tick
func (s *Service) BotTick(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Tick(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Tick runs one bot round and records its trades. The server's background
// ticker and POST /bots/tick share it.
func (s *Service) Tick(ctx context.Context) (TickResponse, error) {
	before := s.session.CEOs()
	results, err := s.session.BotTick()
	if err != nil {
		return TickResponse{}, err
	}
	resp := TickResponse{Orders: len(results), Trades: []model.Trade{}}
	for _, res := range results {
		resp.Trades = append(resp.Trades, res.Trades...)
	}
	s.recordTrades(ctx, resp.Trades)
	s.announceCEOs(before)
	return resp, nil
}

// --- Persistence and broadcast ---

func (s *Service) recordTrades(ctx context.Context, trades []model.Trade) {
	for _, t := range trades {
		rec := &model.TradeRecord{
			ID:        t.ID,
			CompanyID: t.CompanyID,
			BuyerID:   t.BuyerID,
			SellerID:  t.SellerID,
			Shares:    t.Shares,
			Price:     t.Price,
			Timestamp: t.Timestamp,
		}
		if err := s.store.InsertTrade(ctx, rec); err != nil {
			s.log.Error("failed to record trade", "trade_id", t.ID, "company", t.CompanyID, "err", err)
		}
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:      EventTrade,
				CompanyID: t.CompanyID,
				Price:     t.Price.String(),
				Shares:    t.Shares,
				BuyerID:   t.BuyerID,
				SellerID:  t.SellerID,
			})
		}
	}
}

func (s *Service) recordIPO(ctx context.Context, res auction.Result) {
	rec := &model.IPORecord{
		ID:            uuid.New().String(),
		CompanyID:     res.CompanyID,
		ClearingPrice: res.ClearingPrice,
		SharesIssued:  res.SharesIssued,
		Allocations:   res.Allocations,
		ClearedAt:     s.session.now(),
	}
	if err := s.store.SaveIPO(ctx, rec); err != nil {
		s.log.Error("failed to record ipo", "company", res.CompanyID, "err", err)
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      EventIPO,
			CompanyID: res.CompanyID,
			Price:     res.ClearingPrice.String(),
			Shares:    res.SharesAllocated,
		})
	}
}

func (s *Service) announcePhase() {
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: EventPhase, Phase: s.session.Phase()})
	}
}

// announceCEOs broadcasts every company whose CEO changed since before.
// An empty participant id means the seat was vacated.
func (s *Service) announceCEOs(before map[string]string) {
	if s.wsHub == nil {
		return
	}
	after := s.session.CEOs()
	for _, id := range s.session.companies.IDs() {
		if before[id] != after[id] {
			s.wsHub.Broadcast(WSMessage{Type: EventCEO, CompanyID: id, ParticipantID: after[id]})
		}
	}
}

// --- Errors ---

// statusFor maps core sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, orderbook.ErrInvalidOrder),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownParticipant),
		errors.Is(err, ledger.ErrUnknownCompany),
		errors.Is(err, company.ErrUnknownCompany),
		errors.Is(err, orderbook.ErrOrderNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrWrongPhase),
		errors.Is(err, orderbook.ErrTradingClosed),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, auction.ErrAlreadyCleared),
		errors.Is(err, auction.ErrInvariantViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
