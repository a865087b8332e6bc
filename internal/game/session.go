// Package game hosts one game session: who is playing, which phase the game
// is in, the IPO bids collected so far, and the bot turns. It wires the
// company registry, ledger, auction engine and exchange together and
// exposes them over HTTP and WebSocket.
package game

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/auction"
	"github.com/lemonstand/market-engine/internal/bot"
	"github.com/lemonstand/market-engine/internal/company"
	"github.com/lemonstand/market-engine/internal/ledger"
	"github.com/lemonstand/market-engine/internal/model"
	"github.com/lemonstand/market-engine/internal/orderbook"
)

var (
	// ErrWrongPhase is returned for an action the current phase does not
	// allow.
	ErrWrongPhase = errors.New("game: wrong phase")

	// ErrInvalidRequest is returned for malformed joins and bids.
	ErrInvalidRequest = errors.New("game: invalid request")
)

// Phase is the session's lifecycle stage.
type Phase string

const (
	PhaseLobby   Phase = "lobby"
	PhaseIPO     Phase = "ipo"
	PhaseTrading Phase = "trading"
	PhaseClosed  Phase = "closed"
)

// Options configures a session. Zero values fall back to the game defaults.
type Options struct {
	StartingCash     decimal.Decimal
	FloorPrice       decimal.Decimal
	Policy           auction.Policy
	BotCount         int
	BotSeed          uint64
	AllowMultipleCEO bool
	MarketMaker      orderbook.MarketMakerConfig
	Clock            func() time.Time
	Logger           *slog.Logger
}

// Session is one running game.
type Session struct {
	companies *company.Registry
	ledger    *ledger.Ledger
	auction   *auction.Engine
	exchange  *orderbook.Exchange
	cash      decimal.Decimal
	now       func() time.Time
	log       *slog.Logger

	mu           sync.Mutex
	phase        Phase
	participants map[string]*model.Participant
	order        []string
	pending      map[string][]model.Bid // companyID → human bids
	rng          *rand.Rand
}

// NewSession lists the companies, opens the ledger, and seats the bots.
// The bot roster always holds enough scavengers to oversubscribe every IPO.
func NewSession(companyNames []string, sharesPerCompany int64, opts Options) (*Session, error) {
	if opts.StartingCash.IsZero() {
		opts.StartingCash = decimal.NewFromInt(10000)
	}
	if opts.FloorPrice.IsZero() {
		opts.FloorPrice = decimal.NewFromInt(1)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MarketMaker.SpreadPct.IsZero() {
		opts.MarketMaker = orderbook.DefaultMarketMakerConfig()
	}

	reg, err := company.NewRegistry(companyNames, sharesPerCompany)
	if err != nil {
		return nil, err
	}
	l := ledger.New(reg, ledger.Options{
		Clock:            opts.Clock,
		Logger:           opts.Logger,
		AllowMultipleCEO: opts.AllowMultipleCEO,
	})

	s := &Session{
		companies:    reg,
		ledger:       l,
		auction:      auction.NewEngine(reg, l, opts.FloorPrice, opts.Policy, opts.Logger),
		exchange:     orderbook.NewExchange(l, reg, opts.MarketMaker, opts.Clock, opts.Logger),
		cash:         opts.StartingCash,
		now:          opts.Clock,
		log:          opts.Logger,
		phase:        PhaseLobby,
		participants: make(map[string]*model.Participant),
		pending:      make(map[string][]model.Bid),
		rng:          rand.New(rand.NewPCG(opts.BotSeed, opts.BotSeed^0x9e3779b97f4a7c15)),
	}

	required := bot.RequiredScavengers(len(reg.IDs()), sharesPerCompany, opts.StartingCash, opts.FloorPrice)
	for i, p := range bot.Roster(s.rng, opts.BotCount, required) {
		personality := p.Personality
		if _, err := s.seat(fmt.Sprintf("bot-%d", i+1), p.Name, false, &personality); err != nil {
			return nil, err
		}
	}
	s.log.Info("session created",
		"companies", len(reg.IDs()),
		"bots", len(s.order),
		"scavengers", required,
	)
	return s, nil
}

func (s *Session) seat(id, name string, human bool, p *model.Personality) (*model.Participant, error) {
	if _, err := s.ledger.InitializeParticipant(id, name, human, s.cash); err != nil {
		return nil, err
	}
	part := &model.Participant{ID: id, Name: name, IsHuman: human, Personality: p}
	s.participants[id] = part
	s.order = append(s.order, id)
	return part, nil
}

// Join seats a human player. Players can join until trading opens.
func (s *Session) Join(name string) (model.Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Participant{}, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseLobby && s.phase != PhaseIPO {
		return model.Participant{}, fmt.Errorf("%w: cannot join during %s", ErrWrongPhase, s.phase)
	}
	p, err := s.seat(uuid.New().String(), name, true, nil)
	if err != nil {
		return model.Participant{}, err
	}
	s.log.Info("player joined", "participant", p.ID, "name", name)
	return s.view(p), nil
}

// view copies a participant with cash and holdings synced from the ledger.
func (s *Session) view(p *model.Participant) model.Participant {
	v := *p
	v.Cash, _ = s.ledger.Cash(p.ID)
	v.Shares = s.ledger.Holdings(p.ID)
	return v
}

// Participants lists everyone in seating order.
func (s *Session) Participants() []model.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.view(s.participants[id]))
	}
	return out
}

// Participant returns one participant's view.
func (s *Session) Participant(id string) (model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return model.Participant{}, fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, id)
	}
	return s.view(p), nil
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SubmitBid queues a human IPO bid line for a company that has not cleared.
func (s *Session) SubmitBid(b model.Bid) error {
	if b.Shares <= 0 || !b.Price.IsPositive() {
		return fmt.Errorf("%w: shares and price must be positive", ErrInvalidRequest)
	}
	c, err := s.companies.Get(b.CompanyID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseLobby && s.phase != PhaseIPO {
		return fmt.Errorf("%w: bids close when trading opens", ErrWrongPhase)
	}
	if c.IPOComplete {
		return fmt.Errorf("%w: %s", auction.ErrAlreadyCleared, c.ID)
	}
	p, ok := s.participants[b.ParticipantID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, b.ParticipantID)
	}
	if !p.IsHuman {
		return fmt.Errorf("%w: bots bid through their policy", ErrInvalidRequest)
	}
	s.pending[b.CompanyID] = append(s.pending[b.CompanyID], b)
	s.log.Info("ipo bid queued",
		"participant", b.ParticipantID,
		"company", b.CompanyID,
		"shares", b.Shares,
		"price", b.Price.String(),
	)
	return nil
}

// RunIPO clears one company: queued human bids first, in submission order,
// then one policy bid per participating bot sized on its current cash.
func (s *Session) RunIPO(companyID string) (auction.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runIPOLocked(companyID)
}

func (s *Session) runIPOLocked(companyID string) (auction.Result, error) {
	if s.phase != PhaseLobby && s.phase != PhaseIPO {
		return auction.Result{}, fmt.Errorf("%w: ipo is over", ErrWrongPhase)
	}
	c, err := s.companies.Get(companyID)
	if err != nil {
		return auction.Result{}, err
	}
	s.phase = PhaseIPO

	bids := append([]model.Bid(nil), s.pending[companyID]...)
	floor := s.auction.Floor()
	for _, id := range s.order {
		p := s.participants[id]
		if p.IsHuman || p.Personality == nil {
			continue
		}
		cash, _ := s.ledger.Cash(id)
		if b, ok := bot.DecideBid(s.rng, *p.Personality, c, floor, cash); ok {
			b.ParticipantID = id
			bids = append(bids, b)
		}
	}

	res, err := s.auction.ClearCompany(companyID, bids)
	if err != nil {
		return res, err
	}
	delete(s.pending, companyID)
	return res, nil
}

// RunAllIPOs clears every company still waiting, in listing order. A failed
// company does not stop the others; the failures are joined.
func (s *Session) RunAllIPOs() ([]auction.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []auction.Result
	var errs []error
	for _, id := range s.companies.IDs() {
		if s.companies.IPOComplete(id) {
			continue
		}
		res, err := s.runIPOLocked(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// OpenTrading starts continuous trading. Companies whose IPO has not
// cleared stay closed until it does.
func (s *Session) OpenTrading() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIPO {
		return fmt.Errorf("%w: trading opens after the ipo, phase is %s", ErrWrongPhase, s.phase)
	}
	s.phase = PhaseTrading
	s.exchange.Open()
	return nil
}

// CloseTrading ends the game.
func (s *Session) CloseTrading() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseTrading {
		return fmt.Errorf("%w: trading is not open", ErrWrongPhase)
	}
	s.phase = PhaseClosed
	s.exchange.Close()
	return nil
}

// SubmitOrder forwards an order to the exchange. Settlement is complete
// when this returns.
func (s *Session) SubmitOrder(req orderbook.OrderRequest) (orderbook.SubmitResult, error) {
	if phase := s.Phase(); phase != PhaseTrading {
		return orderbook.SubmitResult{}, fmt.Errorf("%w: trading is not open, phase is %s", ErrWrongPhase, phase)
	}
	return s.exchange.SubmitOrder(req)
}

// CancelOrder removes a resting order.
func (s *Session) CancelOrder(participantID, orderID string) (model.Order, error) {
	return s.exchange.CancelOrder(participantID, orderID)
}

// OpenOrders lists a participant's resting orders.
func (s *Session) OpenOrders(participantID string) []model.Order {
	return s.exchange.OpenOrders(participantID)
}

// BotTick gives every bot one decision per company and submits the orders
// it wants. Rejected bot orders are skipped.
func (s *Session) BotTick() ([]orderbook.SubmitResult, error) {
	intents, err := s.botIntents()
	if err != nil {
		return nil, err
	}

	var results []orderbook.SubmitResult
	for _, req := range intents {
		res, err := s.exchange.SubmitOrder(req)
		if err != nil {
			s.log.Debug("bot order rejected",
				"participant", req.ParticipantID,
				"company", req.CompanyID,
				"err", err,
			)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Session) botIntents() ([]orderbook.OrderRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseTrading {
		return nil, fmt.Errorf("%w: trading is not open, phase is %s", ErrWrongPhase, s.phase)
	}

	var out []orderbook.OrderRequest
	listed := s.companies.List()
	for _, id := range s.order {
		p := s.participants[id]
		if p.IsHuman || p.Personality == nil {
			continue
		}
		cash, _ := s.ledger.Cash(id)
		for _, c := range listed {
			if !c.IPOComplete {
				continue
			}
			view := bot.MarketView{
				CompanyID:    c.ID,
				CurrentPrice: c.CurrentPrice,
				IPOPrice:     c.IPOClearingPrice,
				TotalShares:  c.Shares,
			}
			in, ok := bot.DecideTrade(s.rng, *p.Personality, view, cash, s.ledger.GetTotalShares(id, c.ID))
			if !ok {
				continue
			}
			out = append(out, orderbook.OrderRequest{
				ParticipantID: id,
				CompanyID:     in.CompanyID,
				Side:          in.Side,
				Kind:          in.Kind,
				Shares:        in.Shares,
				Price:         in.Price,
			})
		}
	}
	return out, nil
}

// Companies lists every company.
func (s *Session) Companies() []model.Company {
	return s.companies.List()
}

// MarketData snapshots one company's market.
func (s *Session) MarketData(companyID string, depth int) (model.MarketData, error) {
	return s.exchange.GetMarketData(companyID, depth)
}

// Summary is a participant's ledger summary.
func (s *Session) Summary(participantID string) (model.LedgerSummary, error) {
	return s.ledger.Summary(participantID)
}

// CEOs maps company id to CEO participant id.
func (s *Session) CEOs() map[string]string {
	return s.ledger.AllCEOs()
}

// Leaderboard ranks everyone by net worth, highest first. Ties keep
// seating order.
func (s *Session) Leaderboard() []model.LedgerSummary {
	board := s.ledger.Summaries()
	slices.SortStableFunc(board, func(a, b model.LedgerSummary) int {
		return b.TotalNetWorth.Cmp(a.TotalNetWorth)
	})
	return board
}
