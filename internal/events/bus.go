// Package events implements the engine's in-process pub/sub bus. Delivery
// is synchronous on the publisher's goroutine, in publish order; handler
// failures are logged and never reach the publisher. A ring buffer keeps
// the most recent events for diagnostics and operator timelines.
package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// EventType classifies bus events. The set is closed: publishing an
// unlisted type is rejected so typos never become silent dead letters.
type EventType string

const (
	DataUploaded  EventType = "data.uploaded"
	DataValidated EventType = "data.validated"
	DataIngested  EventType = "data.ingested"

	BatchJobStarted   EventType = "batch.job.started"
	BatchJobCompleted EventType = "batch.job.completed"
	BatchJobFailed    EventType = "batch.job.failed"

	TransactionMatched      EventType = "transaction.matched"
	VarianceDetected        EventType = "variance.detected"
	ReconciliationCompleted EventType = "reconciliation.completed"

	CaseCreated      EventType = "case.created"
	CaseClosed       EventType = "case.closed"
	EvidenceAdded    EventType = "evidence.added"
	EvidenceVerified EventType = "evidence.verified"

	AnomalyDetected      EventType = "anomaly.detected"
	RiskUpdated          EventType = "risk.updated"
	PatternIdentified    EventType = "pattern.identified"
	HighRiskAlert        EventType = "high_risk.alert"
	CircularFlowDetected EventType = "circular_flow.detected"
	CorrelationFound     EventType = "correlation.found"
	AIInsight            EventType = "ai.insight"
	ProactiveAlert       EventType = "proactive.alert"

	SQLQueryExecuted EventType = "sql.query.executed"
	UserLogin        EventType = "user.login"
	UserLogout       EventType = "user.logout"
	PageViewed       EventType = "page.viewed"
	ActionPerformed  EventType = "action.performed"

	SystemHealthCheck EventType = "system.health_check"
	SystemError       EventType = "system.error"
	SystemPerformance EventType = "system.performance"
)

var validTypes = map[EventType]bool{
	DataUploaded: true, DataValidated: true, DataIngested: true,
	BatchJobStarted: true, BatchJobCompleted: true, BatchJobFailed: true,
	TransactionMatched: true, VarianceDetected: true, ReconciliationCompleted: true,
	CaseCreated: true, CaseClosed: true, EvidenceAdded: true, EvidenceVerified: true,
	AnomalyDetected: true, RiskUpdated: true, PatternIdentified: true,
	HighRiskAlert: true, CircularFlowDetected: true, CorrelationFound: true,
	AIInsight: true, ProactiveAlert: true,
	SQLQueryExecuted: true, UserLogin: true, UserLogout: true,
	PageViewed: true, ActionPerformed: true,
	SystemHealthCheck: true, SystemError: true, SystemPerformance: true,
}

// ErrUnknownEventType rejects publishes outside the closed type set.
var ErrUnknownEventType = errors.New("events: unknown event type")

// Valid reports whether the type belongs to the closed set.
func (t EventType) Valid() bool { return validTypes[t] }

// Event is one bus message. User and Project are optional scope markers;
// Source names the component or relay that produced the event.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Data      map[string]interface{} `json:"data"`
	User      string                 `json:"user,omitempty"`
	Project   string                 `json:"project,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and UTC timestamp.
func NewEvent(t EventType, data map[string]interface{}) *Event {
	return &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes one event. Handlers run synchronously on the
// publisher's goroutine and must not block beyond ~50ms; offload anything
// heavier to your own executor.
type Handler func(ctx context.Context, event *Event) error

// HistorySize is the ring-buffer capacity.
const HistorySize = 1000

// DefaultRecentLimit applies when Recent is called with limit <= 0.
const DefaultRecentLimit = 100

type subscriberEntry struct {
	id      int
	handler Handler
}

// Bus is the in-process event bus. One publish mutex serializes concurrent
// publishers; subscriber tables are copied on write so delivery iterates a
// snapshot without holding the registration lock.
type Bus struct {
	publishMu sync.Mutex

	subMu  sync.RWMutex
	typed  map[EventType][]subscriberEntry
	global []subscriberEntry
	nextID int
	closed bool

	ring  [HistorySize]*Event
	head  int // next write slot
	count int

	logger *log.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		typed:  make(map[EventType][]subscriberEntry),
		logger: log.New(log.Writer(), "[EventBus] ", log.LstdFlags),
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t EventType, handler Handler) (unsubscribe func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextID++
	id := b.nextID

	// Copy-on-write so in-flight publishes keep iterating their snapshot.
	next := make([]subscriberEntry, len(b.typed[t]), len(b.typed[t])+1)
	copy(next, b.typed[t])
	b.typed[t] = append(next, subscriberEntry{id: id, handler: handler})

	return func() { b.removeTyped(t, id) }
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextID++
	id := b.nextID

	next := make([]subscriberEntry, len(b.global), len(b.global)+1)
	copy(next, b.global)
	b.global = append(next, subscriberEntry{id: id, handler: handler})

	return func() { b.removeGlobal(id) }
}

func (b *Bus) removeTyped(t EventType, id int) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	subs := b.typed[t]
	next := make([]subscriberEntry, 0, len(subs))
	for _, e := range subs {
		if e.id != id {
			next = append(next, e)
		}
	}
	b.typed[t] = next
}

func (b *Bus) removeGlobal(id int) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	next := make([]subscriberEntry, 0, len(b.global))
	for _, e := range b.global {
		if e.id != id {
			next = append(next, e)
		}
	}
	b.global = next
}

// Publish delivers an event to every matching subscriber, synchronously and
// in registration order, then records it in the ring. Handler errors and
// panics are logged and swallowed.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	if !event.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt-%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.subMu.RLock()
	if b.closed {
		b.subMu.RUnlock()
		return nil
	}
	typed := b.typed[event.Type]
	global := b.global
	b.subMu.RUnlock()

	for _, entry := range typed {
		b.dispatch(ctx, entry.handler, event)
	}
	for _, entry := range global {
		b.dispatch(ctx, entry.handler, event)
	}

	b.ring[b.head] = event
	b.head = (b.head + 1) % HistorySize
	if b.count < HistorySize {
		b.count++
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("⚠️ handler panic on %s: %v", event.Type, r)
		}
	}()
	if err := h(ctx, event); err != nil {
		b.logger.Printf("⚠️ handler error on %s: %v", event.Type, err)
	}
}

// Emit builds and publishes a project-scoped event.
func (b *Bus) Emit(ctx context.Context, t EventType, project string, data map[string]interface{}) {
	evt := NewEvent(t, data)
	evt.Project = project
	if err := b.Publish(ctx, evt); err != nil {
		b.logger.Printf("❌ emit %s: %v", t, err)
	}
}

// EmitUser builds and publishes a user-scoped event, for telemetry types.
func (b *Bus) EmitUser(ctx context.Context, t EventType, user, project string, data map[string]interface{}) {
	evt := NewEvent(t, data)
	evt.User = user
	evt.Project = project
	if err := b.Publish(ctx, evt); err != nil {
		b.logger.Printf("❌ emit %s: %v", t, err)
	}
}

// RecentFilter narrows Recent results. Zero values match everything.
type RecentFilter struct {
	Types   []EventType
	Project string
	User    string
}

func (f RecentFilter) matches(e *Event) bool {
	if f.Project != "" && e.Project != f.Project {
		return false
	}
	if f.User != "" && e.User != f.User {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Recent returns up to limit matching events, newest first. A non-positive
// limit applies DefaultRecentLimit.
func (b *Bus) Recent(filter RecentFilter, limit int) []*Event {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	out := make([]*Event, 0, limit)
	for i := 0; i < b.count && len(out) < limit; i++ {
		idx := (b.head - 1 - i + HistorySize*2) % HistorySize
		e := b.ring[idx]
		if e == nil {
			break
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	count := len(b.global)
	for _, subs := range b.typed {
		count += len(subs)
	}
	return count
}

// Close stops delivery. Publishes after Close are silently dropped, which
// lets shutdown proceed while stragglers drain.
func (b *Bus) Close() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.closed = true
	b.typed = make(map[EventType][]subscriberEntry)
	b.global = nil
	return nil
}
