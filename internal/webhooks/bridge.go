package webhooks

import (
	"context"

	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/monitor"
)

// busMap translates internal bus events to the outbound classes
// subscribers register for.
var busMap = map[events.EventType]EventType{
	events.AnomalyDetected:         EventAnomalyDetected,
	events.PatternIdentified:       EventPatternIdentified,
	events.ReconciliationCompleted: EventReconcileDone,
	events.CaseCreated:             EventCaseCreated,
	events.CaseClosed:              EventCaseSealed,
	events.EvidenceVerified:        EventEvidenceVerified,
	events.BatchJobFailed:          EventBatchFailed,
}

// Bridge connects the internal bus and the proactive monitor to an
// Emitter. It also satisfies monitor.Sink so accepted alerts go out as
// alert.raised webhooks.
type Bridge struct {
	emitter Emitter
	unsubs  []func()
}

// NewBridge wires the bus events busMap covers into the emitter.
func NewBridge(bus *events.Bus, emitter Emitter) *Bridge {
	b := &Bridge{emitter: emitter}
	for internal, external := range busMap {
		ext := external
		b.unsubs = append(b.unsubs, bus.Subscribe(internal, func(_ context.Context, e *events.Event) error {
			b.emitter.Emit(ext, e.Project, e.Data)
			return nil
		}))
	}
	return b
}

// Notify implements monitor.Sink.
func (b *Bridge) Notify(_ context.Context, a *monitor.Alert) {
	b.emitter.Emit(EventAlertRaised, a.ProjectID, map[string]interface{}{
		"alert_id":   a.ID,
		"alert_type": a.AlertType,
		"severity":   string(a.Severity),
		"title":      a.Title,
		"message":    a.Message,
		"data":       a.Data,
	})
}

// Close detaches the bridge from the bus.
func (b *Bridge) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
}
