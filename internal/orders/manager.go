// Package orders serializes order flow per user and enforces the causal
// chain place -> broker ack -> position book update -> dedup mark. One
// goroutine per user consumes that user's FIFO queue, so a user's orders
// hit the venue strictly in submission order. Brackets are virtual: the
// position monitor enforces stop and target, the venue only ever sees
// MARKET and LIMIT legs.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/allocator"
	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/events"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/positions"
	"zerodha-trading-engine/internal/risk"
	"zerodha-trading-engine/internal/strategy"
	"zerodha-trading-engine/internal/users"
)

const (
	queueDepth    = 16
	submitTimeout = 10 * time.Second

	// Kite caps order tags at 20 characters.
	maxTagLen = 20
)

var (
	ErrNoAllocations   = errors.New("no allocations to place")
	ErrAllOrdersFailed = errors.New("all user orders failed")
	ErrManagerStopped  = errors.New("order manager stopped")
	ErrValidation      = errors.New("order validation failed")
)

// UserOrder is one (user, order) pair emitted by PlaceStrategyOrder.
// Bookkeeping orders were never sent to a venue; they track a follower
// account's pro-rata share.
type UserOrder struct {
	UserID      string              `json:"user_id"`
	OrderID     string              `json:"order_id"`
	Request     broker.OrderRequest `json:"request"`
	Bookkeeping bool                `json:"bookkeeping,omitempty"`
}

// OrderState is the manager's view of one submitted order, reconciled
// against the venue's push stream.
type OrderState struct {
	OrderID  string    `json:"order_id"`
	UserID   string    `json:"user_id"`
	Symbol   string    `json:"symbol"`
	Action   string    `json:"action"`
	Quantity int       `json:"quantity"`
	Status   string    `json:"status"`
	Filled   int       `json:"filled"`
	AvgPrice float64   `json:"avg_price"`
	Entry    bool      `json:"entry"`
	PlacedAt time.Time `json:"placed_at"`
}

// HoursGate applies the session windows to an order. Satisfied by the risk
// manager.
type HoursGate interface {
	ValidateTradingHours(oc risk.OrderContext) error
}

// DedupMarker records an accepted signal so the same setup cannot fire again
// inside the fingerprint window. Satisfied by the signal deduplicator.
type DedupMarker interface {
	MarkAccepted(sig strategy.Signal)
}

type task struct {
	ctx    context.Context
	userID string
	req    broker.OrderRequest
	oc     risk.OrderContext
	reply  chan taskResult
}

type taskResult struct {
	orderID string
	err     error
}

// Manager owns pending-order records until the venue acknowledges a
// terminal state.
type Manager struct {
	registry *users.Registry
	book     *positions.Tracker
	hours    HoursGate
	dedup    DedupMarker
	bus      *events.Bus
	clock    *market.SessionClock
	logger   zerolog.Logger

	mu     sync.Mutex
	queues map[string]chan task
	states map[string]*OrderState

	done     chan struct{}
	stopOnce sync.Once
}

func NewManager(registry *users.Registry, book *positions.Tracker, hours HoursGate, dedup DedupMarker, bus *events.Bus, clock *market.SessionClock, logger zerolog.Logger) *Manager {
	return &Manager{
		registry: registry,
		book:     book,
		hours:    hours,
		dedup:    dedup,
		bus:      bus,
		clock:    clock,
		logger:   logger.With().Str("component", "order_manager").Logger(),
		queues:   make(map[string]chan task),
		states:   make(map[string]*OrderState),
		done:     make(chan struct{}),
	}
}

// PlaceStrategyOrder submits sig across the allocated users and, once at
// least one venue ack is in hand, opens the aggregate position and marks the
// signal accepted. Broker failures propagate to this call and nowhere else;
// per-user failures are logged and skipped as long as one order lands.
func (m *Manager) PlaceStrategyOrder(ctx context.Context, sig strategy.Signal, allocations []allocator.Allocation) ([]UserOrder, error) {
	if len(allocations) == 0 {
		return nil, ErrNoAllocations
	}
	base := m.requestFor(sig)
	oc := contextFor(sig, base.Tag)

	placed := make([]UserOrder, 0, len(allocations))
	var firstErr error
	total := 0
	for _, al := range allocations {
		if al.Quantity <= 0 {
			continue
		}
		req := base
		req.Quantity = al.Quantity
		orderID, err := m.enqueue(ctx, al.UserID, req, oc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn().Err(err).
				Str("user_id", al.UserID).
				Str("symbol", req.Symbol).
				Int("quantity", req.Quantity).
				Msg("user order failed")
			continue
		}
		placed = append(placed, UserOrder{
			UserID:      al.UserID,
			OrderID:     orderID,
			Request:     req,
			Bookkeeping: !m.executesAtVenue(al.UserID),
		})
		total += al.Quantity
	}
	if len(placed) == 0 {
		if firstErr == nil {
			firstErr = ErrNoAllocations
		}
		return nil, fmt.Errorf("%w: %v", ErrAllOrdersFailed, firstErr)
	}

	// Causal chain: venue acks are in hand, so the book update and the dedup
	// mark happen before this call returns. A same-symbol signal in the same
	// tick batch sees both.
	if !oc.IsExit {
		if _, err := m.book.Open(positionFrom(sig, total)); err != nil {
			m.logger.Error().Err(err).
				Str("symbol", sig.Symbol).
				Int("quantity", total).
				Msg("orders placed but book refused position")
			return placed, err
		}
		if m.dedup != nil {
			m.dedup.MarkAccepted(sig)
		}
	}
	return placed, nil
}

// ValidateOrder runs the structural and session checks a single order must
// pass. The reason string is empty when the order is valid.
func (m *Manager) ValidateOrder(userID string, req broker.OrderRequest) (bool, string) {
	if ok, reason := validateStructural(req); !ok {
		return false, reason
	}
	oc := risk.OrderContext{Symbol: req.Symbol, Tag: req.Tag, IsExit: tagMarksExit(req.Tag)}
	if err := m.hours.ValidateTradingHours(oc); err != nil {
		return false, err.Error()
	}
	_ = userID
	return true, ""
}

// Run consumes the master broker's push stream until ctx is done,
// reconciling fills into order state and entry average prices into the
// book. Stopping Run drains and stops every per-user queue.
func (m *Manager) Run(ctx context.Context) error {
	defer m.stopOnce.Do(func() { close(m.done) })

	masterID, err := m.masterID()
	if err != nil {
		return err
	}
	h, err := m.registry.BrokerFor(masterID)
	if err != nil {
		return err
	}
	updates := h.OrderUpdates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			m.applyUpdate(u)
		}
	}
}

// Orders returns a copy of today's order states, newest first.
func (m *Manager) Orders() []OrderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	return out
}

// ResetDay clears order state at the daily rollover.
func (m *Manager) ResetDay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*OrderState)
}

// enqueue places the task on the user's FIFO queue and waits for the
// consumer's reply.
func (m *Manager) enqueue(ctx context.Context, userID string, req broker.OrderRequest, oc risk.OrderContext) (string, error) {
	t := task{ctx: ctx, userID: userID, req: req, oc: oc, reply: make(chan taskResult, 1)}
	select {
	case m.queueFor(userID) <- t:
	case <-m.done:
		return "", ErrManagerStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-t.reply:
		return res.orderID, res.err
	case <-m.done:
		return "", ErrManagerStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) queueFor(userID string) chan task {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[userID]
	if !ok {
		q = make(chan task, queueDepth)
		m.queues[userID] = q
		go m.consume(q)
	}
	return q
}

// consume is one user's order loop. Serializing here gives per-user FIFO
// execution without a lock across the broker round trip.
func (m *Manager) consume(q chan task) {
	for {
		select {
		case <-m.done:
			return
		case t := <-q:
			t.reply <- m.submit(t)
		}
	}
}

func (m *Manager) submit(t task) taskResult {
	if ok, reason := validateStructural(t.req); !ok {
		return taskResult{err: fmt.Errorf("%w: %s", ErrValidation, reason)}
	}
	if err := m.hours.ValidateTradingHours(t.oc); err != nil {
		return taskResult{err: err}
	}

	if !m.executesAtVenue(t.userID) {
		id := "BK-" + uuid.NewString()[:8]
		m.recordState(id, t)
		m.logger.Debug().
			Str("user_id", t.userID).
			Str("order_id", id).
			Str("symbol", t.req.Symbol).
			Int("quantity", t.req.Quantity).
			Msg("bookkeeping allocation recorded")
		return taskResult{orderID: id}
	}

	h, err := m.registry.BrokerFor(t.userID)
	if err != nil {
		return taskResult{err: err}
	}
	ctx, cancel := context.WithTimeout(t.ctx, submitTimeout)
	defer cancel()
	orderID, err := h.PlaceOrder(ctx, t.req)
	if err != nil {
		m.publishOrderEvent(events.EventOrderFailed, "", t, err)
		return taskResult{err: err}
	}
	m.recordState(orderID, t)
	m.publishOrderEvent(events.EventOrderPlaced, orderID, t, nil)
	m.logger.Info().
		Str("user_id", t.userID).
		Str("order_id", orderID).
		Str("symbol", t.req.Symbol).
		Str("action", t.req.Action).
		Int("quantity", t.req.Quantity).
		Str("tag", t.req.Tag).
		Msg("order placed")
	return taskResult{orderID: orderID}
}

// executesAtVenue reports whether this user's orders really go to a broker.
// The master always does; followers only when they carry their own session.
func (m *Manager) executesAtVenue(userID string) bool {
	if acct, ok := m.registry.Master(); ok && acct.UserID == userID {
		return true
	}
	return m.registry.HasOwnBroker(userID)
}

func (m *Manager) masterID() (string, error) {
	acct, ok := m.registry.Master()
	if !ok {
		return "", users.ErrNoMaster
	}
	return acct.UserID, nil
}

func (m *Manager) recordState(orderID string, t task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[orderID] = &OrderState{
		OrderID:  orderID,
		UserID:   t.userID,
		Symbol:   t.req.Symbol,
		Action:   t.req.Action,
		Quantity: t.req.Quantity,
		Status:   broker.StatusOpen,
		Entry:    !t.oc.IsExit,
		PlacedAt: m.clock.Now(),
	}
}

// applyUpdate reconciles a venue push. A completed entry fill corrects the
// book's average price; a rejection surfaces as an error event.
func (m *Manager) applyUpdate(u broker.OrderUpdate) {
	m.mu.Lock()
	st, known := m.states[u.OrderID]
	if known {
		st.Status = u.Status
		st.Filled = u.FilledQuantity
		st.AvgPrice = u.AveragePrice
	}
	m.mu.Unlock()

	switch u.Status {
	case broker.StatusComplete:
		if known && st.Entry && u.AveragePrice > 0 {
			m.book.UpdateAveragePrice(u.Symbol, u.AveragePrice)
		}
		m.logger.Debug().
			Str("order_id", u.OrderID).
			Str("symbol", u.Symbol).
			Int("filled", u.FilledQuantity).
			Float64("avg_price", u.AveragePrice).
			Msg("order complete")
	case broker.StatusRejected, broker.StatusCancelled:
		m.logger.Error().
			Str("order_id", u.OrderID).
			Str("symbol", u.Symbol).
			Str("status", u.Status).
			Msg("order did not fill")
	}
}

func (m *Manager) publishOrderEvent(typ events.EventType, orderID string, t task, err error) {
	if m.bus == nil {
		return
	}
	ev := events.OrderEvent{
		OrderID:  orderID,
		UserID:   t.userID,
		Symbol:   t.req.Symbol,
		Action:   t.req.Action,
		Quantity: t.req.Quantity,
		Price:    t.req.Price,
		Tag:      t.req.Tag,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.bus.Publish(events.Event{Type: typ, Payload: ev})
}

// requestFor builds the venue-neutral order for a strategy signal. MARKET
// unless the signal asks for LIMIT explicitly.
func (m *Manager) requestFor(sig strategy.Signal) broker.OrderRequest {
	orderType := broker.OrderTypeMarket
	var price float64
	if strings.EqualFold(metaString(sig.Metadata, "order_type"), broker.OrderTypeLimit) {
		orderType = broker.OrderTypeLimit
		price = sig.EntryPrice
	}
	return broker.OrderRequest{
		Symbol:    sig.Symbol,
		Action:    sig.Action,
		OrderType: orderType,
		Product:   broker.ProductMIS,
		Price:     price,
		Tag:       orderTag(sig),
	}
}

// orderTag builds the venue tag: an EXIT marker when the signal is an exit,
// the strategy prefix, and a short unique suffix.
func orderTag(sig strategy.Signal) string {
	prefix := strings.ToUpper(sig.Strategy)
	if signalMarksExit(sig) {
		prefix = "EXIT-" + prefix
	}
	suffix := "-" + uuid.NewString()[:8]
	if len(prefix) > maxTagLen-len(suffix) {
		prefix = prefix[:maxTagLen-len(suffix)]
	}
	return prefix + suffix
}

func positionFrom(sig strategy.Signal, qty int) positions.Position {
	side := positions.SideLong
	if sig.Action == broker.ActionSell {
		side = positions.SideShort
	}
	return positions.Position{
		Symbol:         sig.Symbol,
		Side:           side,
		Quantity:       qty,
		AveragePrice:   sig.EntryPrice,
		CurrentPrice:   sig.EntryPrice,
		StopLoss:       sig.StopLoss,
		Target:         sig.Target,
		Strategy:       sig.Strategy,
		HybridMode:     string(sig.HybridMode),
		MaxHoldMinutes: sig.MaxHoldMinutes,
	}
}

func validateStructural(req broker.OrderRequest) (bool, string) {
	if req.Symbol == "" {
		return false, "missing symbol"
	}
	if req.Quantity <= 0 {
		return false, fmt.Sprintf("quantity %d", req.Quantity)
	}
	if req.Action != broker.ActionBuy && req.Action != broker.ActionSell {
		return false, fmt.Sprintf("action %q", req.Action)
	}
	if req.OrderType == broker.OrderTypeLimit && req.Price <= 0 {
		return false, "limit order without price"
	}
	return true, ""
}
