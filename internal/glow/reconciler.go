package glow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"glowkeeper/internal/proto"
	"glowkeeper/internal/telemetry"
	"glowkeeper/logging"
	loggingglow "glowkeeper/logging/glow"
)

// Outcome describes what the reconciler did with an outbound update.
type Outcome int

const (
	// OutcomePass forwards the update untouched.
	OutcomePass Outcome = iota
	// OutcomePatched forwards the update with the "on" flag injected.
	OutcomePatched
	// OutcomeResend forwards the update untouched and follows it with an
	// explicit "on" update.
	OutcomeResend
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomePatched:
		return "patched"
	case OutcomeResend:
		return "resend"
	default:
		return "unknown"
	}
}

type glowReader interface {
	IsSet(viewer, entity string) bool
}

// ReconcilerConfig wires optional reporting into a Reconciler.
type ReconcilerConfig struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	// ForeignWarnInterval throttles the log line emitted on resends.
	ForeignWarnInterval time.Duration
}

// Reconciler keeps broadcast entity updates from contradicting the store.
type Reconciler struct {
	store       glowReader
	logger      telemetry.Logger
	publisher   logging.Publisher
	metrics     telemetry.Metrics
	foreignWarn *rate.Sometimes
}

// NewReconciler builds a reconciler reading from store.
func NewReconciler(store glowReader, cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	interval := cfg.ForeignWarnInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		store:       store,
		logger:      logger,
		publisher:   publisher,
		metrics:     metrics,
		foreignWarn: &rate.Sometimes{First: 1, Interval: interval},
	}
}

// Reconcile decides how update must leave the process for viewer. The first
// returned update is always the (possibly patched) original; a resend
// appends an explicit "on" update after it.
//
// In-place fixes are preferred: a missing or canonical "off" flag is
// overwritten with "on", a canonical "on" passes. Only a foreign value in the
// flags slot, which cannot be patched without losing its other bits, costs an
// extra update.
func (r *Reconciler) Reconcile(viewer string, update proto.EntityUpdate) ([]proto.EntityUpdate, Outcome) {
	if !r.store.IsSet(viewer, update.EntityID) {
		return []proto.EntityUpdate{update}, OutcomePass
	}

	switch proto.Highlight(update) {
	case proto.HighlightAbsent, proto.HighlightOff:
		return []proto.EntityUpdate{proto.WithHighlight(update, true)}, OutcomePatched
	case proto.HighlightOn:
		return []proto.EntityUpdate{update}, OutcomePass
	default:
		repair := proto.NewHighlightUpdate(update.EntityID, true)
		repair.Tick = update.Tick
		return []proto.EntityUpdate{update, repair}, OutcomeResend
	}
}

// InterceptUpdate is the contract.Transform registered with the host.
func (r *Reconciler) InterceptUpdate(ctx context.Context, viewer string, update proto.EntityUpdate) []proto.EntityUpdate {
	updates, outcome := r.Reconcile(viewer, update)
	switch outcome {
	case OutcomePass:
		r.metrics.Add(telemetry.MetricReconcilePass, 1)
		return updates
	case OutcomePatched:
		r.metrics.Add(telemetry.MetricReconcilePatched, 1)
	case OutcomeResend:
		r.metrics.Add(telemetry.MetricReconcileResend, 1)
		r.foreignWarn.Do(func() {
			r.logger.Printf("foreign flags on %s for %s, resending explicit glow", update.EntityID, viewer)
		})
	}

	flag := proto.Highlight(update).String()
	trace.SpanFromContext(ctx).AddEvent("glow.reconciled", trace.WithAttributes(
		attribute.String("glow.viewer", viewer),
		attribute.String("glow.entity", update.EntityID),
		attribute.String("glow.outcome", outcome.String()),
		attribute.String("glow.flag", flag),
	))
	loggingglow.Reconciled(ctx, r.publisher, update.Tick, viewer, loggingglow.ReconciledPayload{
		Entity:  update.EntityID,
		Outcome: outcome.String(),
		Flag:    flag,
	}, outcome == OutcomeResend)
	return updates
}
