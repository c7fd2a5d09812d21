package glow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"glowkeeper/internal/contract"
	"glowkeeper/internal/proto"
	"glowkeeper/internal/telemetry"
	"glowkeeper/logging"
	loggingglow "glowkeeper/logging/glow"
)

var (
	// ErrInterceptionUnavailable is returned by New when the host offers no
	// outbound interception point.
	ErrInterceptionUnavailable = errors.New("glow: packet interception unavailable")
	// ErrTransportUnavailable is returned by New without an update transport.
	ErrTransportUnavailable = errors.New("glow: update transport unavailable")
	// ErrLifecycleUnavailable is returned by New without a viewer lifecycle feed.
	ErrLifecycleUnavailable = errors.New("glow: viewer lifecycle feed unavailable")
)

const lockStripes = 64

var tracer = otel.Tracer("glowkeeper/internal/glow")

// Config lists the host collaborators and tuning for New.
type Config struct {
	Transport    contract.Transport
	Interception contract.Interception
	Lifecycle    contract.LifecycleFeed
	Scheduler    Scheduler

	Expiry    time.Duration
	Clock     logging.Clock
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// Controller is the public glow surface. Mutations send an explicit update
// to the viewer and then record it in the store; queries read the store.
type Controller struct {
	store      *Store
	reconciler *Reconciler
	transport  contract.Transport
	scheduler  Scheduler
	logger     telemetry.Logger
	publisher  logging.Publisher
	metrics    telemetry.Metrics

	// Send-then-record for one viewer must not interleave with another
	// mutation for the same viewer.
	stripes [lockStripes]sync.Mutex
}

// New builds the store, registers the reconciler with the host interception
// point and subscribes the store to the lifecycle feed. It fails when a
// collaborator is missing rather than running degraded.
func New(cfg Config) (*Controller, error) {
	if cfg.Interception == nil {
		return nil, ErrInterceptionUnavailable
	}
	if cfg.Transport == nil {
		return nil, ErrTransportUnavailable
	}
	if cfg.Lifecycle == nil {
		return nil, ErrLifecycleUnavailable
	}

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
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = TimerScheduler{}
	}

	store := NewStore(StoreConfig{
		Expiry:    cfg.Expiry,
		Clock:     cfg.Clock,
		Publisher: publisher,
		Metrics:   metrics,
	})
	reconciler := NewReconciler(store, ReconcilerConfig{
		Logger:    logger,
		Publisher: publisher,
		Metrics:   metrics,
	})

	cfg.Lifecycle.OnLifecycle(store)
	cfg.Interception.Intercept(reconciler.InterceptUpdate)

	return &Controller{
		store:      store,
		reconciler: reconciler,
		transport:  cfg.Transport,
		scheduler:  scheduler,
		logger:     logger,
		publisher:  publisher,
		metrics:    metrics,
	}, nil
}

// Store exposes the underlying visibility store.
func (c *Controller) Store() *Store {
	return c.store
}

// Reconciler exposes the registered reconciler.
func (c *Controller) Reconciler() *Reconciler {
	return c.reconciler
}

func (c *Controller) lockViewer(viewer string) func() {
	h := fnv.New32a()
	h.Write([]byte(viewer))
	mu := &c.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// SetGlowing makes every entity glow for every viewer. Pairs whose update
// cannot be delivered are not recorded; their errors are joined.
func (c *Controller) SetGlowing(ctx context.Context, entities []string, viewers ...string) error {
	ctx, span := tracer.Start(ctx, "glow.SetGlowing", trace.WithAttributes(
		attribute.Int("glow.entities", len(entities)),
		attribute.Int("glow.viewers", len(viewers)),
	))
	defer span.End()

	err := c.fanOut(entities, viewers, func(entity, viewer string) error {
		return c.setPair(ctx, entity, viewer)
	})
	recordSpanError(span, err)
	return err
}

// StopGlowing clears every pair that is currently glowing. Pairs that are not
// glowing are skipped without sending anything.
func (c *Controller) StopGlowing(ctx context.Context, entities []string, viewers ...string) error {
	ctx, span := tracer.Start(ctx, "glow.StopGlowing", trace.WithAttributes(
		attribute.Int("glow.entities", len(entities)),
		attribute.Int("glow.viewers", len(viewers)),
	))
	defer span.End()

	err := c.fanOut(entities, viewers, func(entity, viewer string) error {
		return c.stopPair(ctx, entity, viewer)
	})
	recordSpanError(span, err)
	return err
}

// SetTimedGlowing sets the pairs and schedules StopGlowing after delay for
// the pairs that were actually set. A manual stop before then turns the
// scheduled stop into a no-op for the pairs it cleared.
func (c *Controller) SetTimedGlowing(ctx context.Context, delay time.Duration, entities []string, viewers ...string) error {
	ctx, span := tracer.Start(ctx, "glow.SetTimedGlowing", trace.WithAttributes(
		attribute.Int64("glow.delay_ms", delay.Milliseconds()),
		attribute.Int("glow.entities", len(entities)),
		attribute.Int("glow.viewers", len(viewers)),
	))
	defer span.End()

	scheduled := make(map[string][]string, len(viewers))
	var order []string
	err := c.fanOut(entities, viewers, func(entity, viewer string) error {
		if err := c.setPair(ctx, entity, viewer); err != nil {
			return err
		}
		if _, seen := scheduled[viewer]; !seen {
			order = append(order, viewer)
		}
		scheduled[viewer] = append(scheduled[viewer], entity)
		return nil
	})
	recordSpanError(span, err)
	if len(order) == 0 {
		return err
	}

	for _, viewer := range order {
		loggingglow.ScheduledStop(ctx, c.publisher, viewer, loggingglow.ScheduledStopPayload{
			Entities:    scheduled[viewer],
			DelayMillis: delay.Milliseconds(),
		})
	}
	c.scheduler.RunAfter(delay, func() {
		var errs []error
		for _, viewer := range order {
			errs = append(errs, c.StopGlowing(context.Background(), scheduled[viewer], viewer))
		}
		if stopErr := errors.Join(errs...); stopErr != nil {
			c.logger.Printf("timed glow stop: %v", stopErr)
		}
	})
	return err
}

func (c *Controller) fanOut(entities, viewers []string, apply func(entity, viewer string) error) error {
	var errs []error
	for _, viewer := range viewers {
		for _, entity := range entities {
			if err := apply(entity, viewer); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) setPair(ctx context.Context, entity, viewer string) error {
	unlock := c.lockViewer(viewer)
	defer unlock()

	if err := c.send(ctx, viewer, proto.NewHighlightUpdate(entity, true)); err != nil {
		return fmt.Errorf("set glow %s for %s: %w", entity, viewer, err)
	}
	// A disconnect delivered while the update was in flight wins.
	if !c.store.Add(viewer, entity) {
		return fmt.Errorf("set glow %s for %s: disconnected during send: %w", entity, viewer, contract.ErrUnknownViewer)
	}
	loggingglow.Set(ctx, c.publisher, viewer, entity)
	return nil
}

func (c *Controller) stopPair(ctx context.Context, entity, viewer string) error {
	unlock := c.lockViewer(viewer)
	defer unlock()

	if !c.store.IsSet(viewer, entity) {
		return nil
	}
	err := c.send(ctx, viewer, proto.NewHighlightUpdate(entity, false))
	// The viewer no longer perceives the glow either way: it received the
	// "off" update or it is gone.
	c.store.Remove(viewer, entity)
	loggingglow.Stopped(ctx, c.publisher, viewer, entity)
	if err != nil && !errors.Is(err, contract.ErrUnknownViewer) {
		return fmt.Errorf("stop glow %s for %s: %w", entity, viewer, err)
	}
	return nil
}

func (c *Controller) send(ctx context.Context, viewer string, update proto.EntityUpdate) error {
	if err := c.transport.SendUpdate(ctx, viewer, update); err != nil {
		c.metrics.Add(telemetry.MetricExplicitSendFails, 1)
		return err
	}
	c.metrics.Add(telemetry.MetricExplicitSends, 1)
	return nil
}

// IsGlowingFor reports whether viewer perceives entity as glowing.
func (c *Controller) IsGlowingFor(entity, viewer string) bool {
	return c.store.IsSet(viewer, entity)
}

// GetGlowingFor lists the viewers that perceive entity as glowing.
func (c *Controller) GetGlowingFor(entity string) []string {
	return c.store.ViewersFor(entity)
}

// GetGlowingEntities lists the entities glowing for viewer.
func (c *Controller) GetGlowingEntities(viewer string) []string {
	return c.store.EntitiesFor(viewer)
}

// GetGlowingMap returns a copy of the full viewer to entities mapping.
func (c *Controller) GetGlowingMap() map[string][]string {
	return c.store.Snapshot()
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
