// Package flowtracker is a passive observer of SIP traffic. It does
// not alter message flow and never blocks a caller: every hook append
// appends to an in-memory ladder and bumps a handful of Prometheus
// counters, then returns.
//
// A Tracker is normally attached once to a UserAgent via
// WithFlowTracker and fed by the Client (requests it writes) and the
// Server (requests it dispatches and responses its handlers send).
package flowtracker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction is which way a message crossed the wire relative to this
// UserAgent.
type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	if d == Sent {
		return "sent"
	}
	return "received"
}

// Event is one recorded message crossing. Index is keyed on DialogID
// when the message belongs to an established dialog, falling back to
// TxKey for pre-dialog exchanges (REGISTER, OPTIONS, out-of-dialog
// failures).
type Event struct {
	Time      time.Time
	Direction Direction
	Peer      string
	Method    string
	StatusCode int
	DialogID  string
	TxKey     string
}

// key returns the index this event is filed under: DialogID when
// present, otherwise TxKey.
func (e Event) key() string {
	if e.DialogID != "" {
		return e.DialogID
	}
	return e.TxKey
}

// Tracker records a ladder of Events per flow (bounded only with
// WithMaxEventsPerFlow) and exports
// Prometheus counters for overall traffic volume. The zero value is
// not usable; construct with NewTracker.
type Tracker struct {
	mu      sync.Mutex
	ladders map[string][]Event
	maxPerFlow int

	messagesTotal *prometheus.CounterVec
	activeFlows   prometheus.Gauge
}

// Option customizes a Tracker at construction time.
type Option func(*Tracker)

// WithMaxEventsPerFlow bounds how many events are retained per
// dialog/transaction before the oldest are dropped. Zero (the
// default) means unbounded.
func WithMaxEventsPerFlow(n int) Option {
	return func(t *Tracker) { t.maxPerFlow = n }
}

// WithPrometheusNamespace sets the Namespace/Subsystem used when
// registering the Tracker's metrics, and the registry they land in.
// Each Tracker gets its own registry by default so that constructing
// more than one (e.g. per test) never collides on duplicate metric
// registration; pass a shared *prometheus.Registry to export through
// an existing one instead.
func WithPrometheusNamespace(namespace, subsystem string, reg prometheus.Registerer) Option {
	return func(t *Tracker) {
		factory := promauto.With(reg)
		t.messagesTotal = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Total number of SIP messages observed by direction and method",
		}, []string{"direction", "method"})
		t.activeFlows = factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_flows",
			Help:      "Number of dialogs/transactions currently tracked",
		})
	}
}

// NewTracker builds a Tracker. Without WithPrometheusNamespace it
// registers its metrics under namespace "sipua", subsystem "flow" in
// a registry private to this Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		ladders: make(map[string][]Event),
	}
	WithPrometheusNamespace("sipua", "flow", prometheus.NewRegistry())(t)
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) record(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := e.key()
	_, existed := t.ladders[k]
	events := append(t.ladders[k], e)
	if t.maxPerFlow > 0 && len(events) > t.maxPerFlow {
		events = events[len(events)-t.maxPerFlow:]
	}
	t.ladders[k] = events
	if !existed {
		t.activeFlows.Inc()
	}

	t.messagesTotal.WithLabelValues(e.Direction.String(), e.Method).Inc()
}

// OnSend records a message handed to the transport layer.
func (t *Tracker) OnSend(peer, method string, statusCode int, dialogID, txKey string) {
	t.record(Event{
		Time:       time.Now(),
		Direction:  Sent,
		Peer:       peer,
		Method:     method,
		StatusCode: statusCode,
		DialogID:   dialogID,
		TxKey:      txKey,
	})
}

// OnRecv records a message delivered by the transport layer.
func (t *Tracker) OnRecv(peer, method string, statusCode int, dialogID, txKey string) {
	t.record(Event{
		Time:       time.Now(),
		Direction:  Received,
		Peer:       peer,
		Method:     method,
		StatusCode: statusCode,
		DialogID:   dialogID,
		TxKey:      txKey,
	})
}

// Ladder returns a copy of the recorded events for a flow key
// (dialog-id or transaction key), oldest first.
func (t *Tracker) Ladder(key string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := t.ladders[key]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Forget drops the ladder kept for key, e.g. once a dialog is
// confirmed terminated and its history is no longer needed.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ladders[key]; ok {
		delete(t.ladders, key)
		t.activeFlows.Dec()
	}
}

// Flows returns the set of keys currently tracked.
func (t *Tracker) Flows() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ladders))
	for k := range t.ladders {
		out = append(out, k)
	}
	return out
}
