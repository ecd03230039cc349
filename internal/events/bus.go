package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

const (
	EventPositionOpened EventType = "position.opened"
	EventPositionClosed EventType = "position.closed"
	EventEmergencyStop  EventType = "risk.emergency_stop"
	EventBiasChanged    EventType = "bias.changed"
	EventSignalAccepted EventType = "signal.accepted"
	EventSignalRejected EventType = "signal.rejected"
	EventOrderPlaced    EventType = "order.placed"
	EventOrderFailed    EventType = "order.failed"
	EventFeedGap        EventType = "feed.gap"
	EventEngineStarted  EventType = "engine.started"
	EventEngineStopped  EventType = "engine.stopped"
	EventAlert          EventType = "alert"
)

// Severity grades alert events for the control-plane stream.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event is the envelope placed on the bus. Payload is one of the typed
// structs below; subscribers type-switch on it.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// PositionOpened is published by the position tracker when a new position
// enters the book.
type PositionOpened struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   int     `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	Target     float64 `json:"target"`
	Strategy   string  `json:"strategy"`
}

// PositionClosed is published when a position (or part of one) leaves the book.
type PositionClosed struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    int     `json:"quantity"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Strategy    string  `json:"strategy"`
	Reason      string  `json:"reason"`
	Partial     bool    `json:"partial"`
}

// EmergencyStop is published by the risk manager when a hard limit is breached.
type EmergencyStop struct {
	Trigger  string  `json:"trigger"`
	DailyPnL float64 `json:"daily_pnl"`
	Drawdown float64 `json:"drawdown"`
}

// BiasChanged is published by the bias engine on a direction change.
type BiasChanged struct {
	Previous   string  `json:"previous"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Regime     string  `json:"regime"`
	Stability  float64 `json:"stability"`
}

// OrderEvent describes a placed or failed order.
type OrderEvent struct {
	OrderID  string  `json:"order_id,omitempty"`
	UserID   string  `json:"user_id"`
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Tag      string  `json:"tag,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// SignalEvent describes a signal traversing the pipeline.
type SignalEvent struct {
	SignalID   string  `json:"signal_id"`
	Strategy   string  `json:"strategy"`
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Stage      string  `json:"stage"`
	Reason     string  `json:"reason,omitempty"`
}

// Alert is the structured control-plane event the dashboard renders.
// The core populates fields; it never formats display text beyond title
// and description.
type Alert struct {
	Kind          string    `json:"kind"`
	Severity      Severity  `json:"severity"`
	Component     string    `json:"component"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Symbols       []string  `json:"symbols,omitempty"`
	Capital       float64   `json:"capital,omitempty"`
	DailyPnL      float64   `json:"daily_pnl,omitempty"`
	OpenPositions int       `json:"open_positions,omitempty"`
	Timestamp     time.Time `json:"ts"`
}

// Subscriber handles events delivered by the bus.
type Subscriber func(Event)

// Bus fan-outs events to subscribers. Delivery is asynchronous so
// publishers are never blocked by slow consumers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event to all matching subscribers, each in its own
// goroutine.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position.opened event.
func (b *Bus) PublishPositionOpened(p PositionOpened) {
	b.Publish(Event{Type: EventPositionOpened, Payload: p})
}

// PublishPositionClosed publishes a position.closed event.
func (b *Bus) PublishPositionClosed(p PositionClosed) {
	b.Publish(Event{Type: EventPositionClosed, Payload: p})
}

// PublishEmergencyStop publishes a risk.emergency_stop event.
func (b *Bus) PublishEmergencyStop(e EmergencyStop) {
	b.Publish(Event{Type: EventEmergencyStop, Payload: e})
}

// PublishBiasChanged publishes a bias.changed event.
func (b *Bus) PublishBiasChanged(c BiasChanged) {
	b.Publish(Event{Type: EventBiasChanged, Payload: c})
}

// PublishAlert publishes a structured alert for the control-plane stream.
func (b *Bus) PublishAlert(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	b.Publish(Event{Type: EventAlert, Payload: a})
}
