package glow

import (
	"context"

	"glowkeeper/logging"
)

const (
	// EventSet is emitted when a viewer starts perceiving an entity as glowing.
	EventSet logging.EventType = "glow.set"
	// EventStopped is emitted when a glow is explicitly cleared.
	EventStopped logging.EventType = "glow.stopped"
	// EventScheduledStop is emitted when a timed glow registers its stop.
	EventScheduledStop logging.EventType = "glow.scheduled_stop"
	// EventExpired is emitted when an idle, offline viewer's glows are evicted.
	EventExpired logging.EventType = "glow.expired"
	// EventRefreshed is emitted when an idle viewer's glows are re-armed
	// because the viewer is still connected.
	EventRefreshed logging.EventType = "glow.refreshed"
	// EventReconciled is emitted when an outbound update had to be corrected.
	EventReconciled logging.EventType = "glow.reconciled"
)

// SetPayload describes an explicit glow state change.
type SetPayload struct {
	Entity string `json:"entity"`
}

// ScheduledStopPayload records when a timed glow will be cleared.
type ScheduledStopPayload struct {
	Entities    []string `json:"entities"`
	DelayMillis int64    `json:"delayMs"`
}

// SweepPayload summarises the entities affected by an expiry decision.
type SweepPayload struct {
	Entities int `json:"entities"`
}

// ReconciledPayload records how an outbound update was corrected.
type ReconciledPayload struct {
	Entity  string `json:"entity"`
	Outcome string `json:"outcome"`
	Flag    string `json:"flag"`
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryGlow
	pub.Publish(ctx, event)
}

// Set publishes a glow.set event.
func Set(ctx context.Context, pub logging.Publisher, viewer, entity string) {
	publish(ctx, pub, logging.Event{
		Type:     EventSet,
		Actor:    logging.ViewerRef(viewer),
		Targets:  []logging.Ref{logging.EntityRef(entity)},
		Severity: logging.SeverityInfo,
		Payload:  SetPayload{Entity: entity},
	})
}

// Stopped publishes a glow.stopped event.
func Stopped(ctx context.Context, pub logging.Publisher, viewer, entity string) {
	publish(ctx, pub, logging.Event{
		Type:     EventStopped,
		Actor:    logging.ViewerRef(viewer),
		Targets:  []logging.Ref{logging.EntityRef(entity)},
		Severity: logging.SeverityInfo,
		Payload:  SetPayload{Entity: entity},
	})
}

// ScheduledStop publishes a glow.scheduled_stop event for one viewer.
func ScheduledStop(ctx context.Context, pub logging.Publisher, viewer string, payload ScheduledStopPayload) {
	targets := make([]logging.Ref, 0, len(payload.Entities))
	for _, entity := range payload.Entities {
		targets = append(targets, logging.EntityRef(entity))
	}
	publish(ctx, pub, logging.Event{
		Type:     EventScheduledStop,
		Actor:    logging.ViewerRef(viewer),
		Targets:  targets,
		Severity: logging.SeverityDebug,
		Payload:  payload,
	})
}

// Expired publishes a glow.expired event.
func Expired(ctx context.Context, pub logging.Publisher, viewer string, entities int) {
	publish(ctx, pub, logging.Event{
		Type:     EventExpired,
		Actor:    logging.ViewerRef(viewer),
		Severity: logging.SeverityInfo,
		Payload:  SweepPayload{Entities: entities},
	})
}

// Refreshed publishes a glow.refreshed event.
func Refreshed(ctx context.Context, pub logging.Publisher, viewer string, entities int) {
	publish(ctx, pub, logging.Event{
		Type:     EventRefreshed,
		Actor:    logging.ViewerRef(viewer),
		Severity: logging.SeverityDebug,
		Payload:  SweepPayload{Entities: entities},
	})
}

// Reconciled publishes a glow.reconciled event. Resends are warnings.
func Reconciled(ctx context.Context, pub logging.Publisher, tick uint64, viewer string, payload ReconciledPayload, resend bool) {
	severity := logging.SeverityDebug
	if resend {
		severity = logging.SeverityWarn
	}
	publish(ctx, pub, logging.Event{
		Type:     EventReconciled,
		Tick:     tick,
		Actor:    logging.ViewerRef(viewer),
		Targets:  []logging.Ref{logging.EntityRef(payload.Entity)},
		Severity: severity,
		Payload:  payload,
	})
}
