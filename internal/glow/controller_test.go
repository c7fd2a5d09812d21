package glow

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"glowkeeper/internal/contract"
	"glowkeeper/internal/proto"
	"glowkeeper/internal/telemetry"
	loggingglow "glowkeeper/logging/glow"
)

type sentUpdate struct {
	viewer string
	update proto.EntityUpdate
}

type fakeHost struct {
	mu         sync.Mutex
	sent       []sentUpdate
	transforms []contract.Transform
	listeners  []contract.LifecycleListener
	unknown    map[string]bool
	failing    map[string]error
	// afterSend runs once an update has been accepted, outside the host lock.
	afterSend  func(viewer string)
}

func newFakeHost() *fakeHost {
	return &fakeHost{unknown: make(map[string]bool), failing: make(map[string]error)}
}

func (h *fakeHost) SendUpdate(_ context.Context, viewer string, update proto.EntityUpdate) error {
	h.mu.Lock()
	if h.unknown[viewer] {
		h.mu.Unlock()
		return contract.ErrUnknownViewer
	}
	if err := h.failing[viewer]; err != nil {
		h.mu.Unlock()
		return err
	}
	h.sent = append(h.sent, sentUpdate{viewer: viewer, update: update})
	afterSend := h.afterSend
	h.mu.Unlock()

	if afterSend != nil {
		afterSend(viewer)
	}
	return nil
}

func (h *fakeHost) Intercept(transform contract.Transform) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transforms = append(h.transforms, transform)
}

func (h *fakeHost) OnLifecycle(listener contract.LifecycleListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, listener)
}

func (h *fakeHost) sentTo(viewer string) []proto.EntityUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	var updates []proto.EntityUpdate
	for _, sent := range h.sent {
		if sent.viewer == viewer {
			updates = append(updates, sent.update)
		}
	}
	return updates
}

func (h *fakeHost) connect(viewer string) {
	h.mu.Lock()
	listeners := append([]contract.LifecycleListener(nil), h.listeners...)
	h.mu.Unlock()
	for _, listener := range listeners {
		listener.ViewerConnected(viewer)
	}
}

func (h *fakeHost) disconnect(viewer string) {
	h.mu.Lock()
	listeners := append([]contract.LifecycleListener(nil), h.listeners...)
	h.mu.Unlock()
	for _, listener := range listeners {
		listener.ViewerDisconnected(viewer)
	}
}

type manualScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (s *manualScheduler) RunAfter(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, fn)
}

func (s *manualScheduler) fire() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func newTestController(t *testing.T, host *fakeHost, scheduler Scheduler) *Controller {
	t.Helper()
	controller, err := New(Config{
		Transport:    host,
		Interception: host,
		Lifecycle:    host,
		Scheduler:    scheduler,
	})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	return controller
}

func TestNewRequiresCollaborators(t *testing.T) {
	host := newFakeHost()
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"interception", Config{Transport: host, Lifecycle: host}, ErrInterceptionUnavailable},
		{"transport", Config{Interception: host, Lifecycle: host}, ErrTransportUnavailable},
		{"lifecycle", Config{Transport: host, Interception: host}, ErrLifecycleUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			controller, err := New(tc.cfg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if controller != nil {
				t.Fatalf("expected no controller on failure")
			}
		})
	}
}

func TestNewRegistersWithHost(t *testing.T) {
	host := newFakeHost()
	newTestController(t, host, nil)

	if len(host.transforms) != 1 {
		t.Fatalf("expected one registered transform, got %d", len(host.transforms))
	}
	if len(host.listeners) != 1 {
		t.Fatalf("expected one lifecycle listener, got %d", len(host.listeners))
	}
}

func TestSetGlowingIsIdempotent(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := controller.SetGlowing(ctx, []string{"e1"}, "v1"); err != nil {
			t.Fatalf("set glowing: %v", err)
		}
	}

	if !controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected e1 glowing for v1")
	}
	if got := controller.GetGlowingEntities("v1"); !reflect.DeepEqual(got, []string{"e1"}) {
		t.Fatalf("expected single logical entry, got %v", got)
	}
	for _, update := range host.sentTo("v1") {
		if proto.Highlight(update) != proto.HighlightOn {
			t.Fatalf("expected only on updates, got %v", update.Metadata)
		}
	}
}

func TestSetThenStopClearsRow(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)
	ctx := context.Background()

	if err := controller.SetGlowing(ctx, []string{"e1"}, "v1"); err != nil {
		t.Fatalf("set glowing: %v", err)
	}
	if err := controller.StopGlowing(ctx, []string{"e1"}, "v1"); err != nil {
		t.Fatalf("stop glowing: %v", err)
	}

	if controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected e1 cleared for v1")
	}
	if _, ok := controller.GetGlowingMap()["v1"]; ok {
		t.Fatalf("expected v1 row removed")
	}

	sent := host.sentTo("v1")
	if len(sent) != 2 {
		t.Fatalf("expected on then off, got %d updates", len(sent))
	}
	if proto.Highlight(sent[0]) != proto.HighlightOn || proto.Highlight(sent[1]) != proto.HighlightOff {
		t.Fatalf("expected on then off, got %v then %v", proto.Highlight(sent[0]), proto.Highlight(sent[1]))
	}
}

func TestStopWithoutSetIsNoop(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)

	if err := controller.StopGlowing(context.Background(), []string{"e1"}, "v1"); err != nil {
		t.Fatalf("stop glowing: %v", err)
	}
	if len(host.sentTo("v1")) != 0 {
		t.Fatalf("expected no packet for a stop without set")
	}
	if len(controller.GetGlowingMap()) != 0 {
		t.Fatalf("expected state unchanged")
	}
}

func TestSetGlowingFansOutToEveryPair(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)

	if err := controller.SetGlowing(context.Background(), []string{"e1", "e2"}, "v1", "v2"); err != nil {
		t.Fatalf("set glowing: %v", err)
	}

	for _, viewer := range []string{"v1", "v2"} {
		for _, entity := range []string{"e1", "e2"} {
			if !controller.IsGlowingFor(entity, viewer) {
				t.Fatalf("expected %s glowing for %s", entity, viewer)
			}
		}
	}
	if got := controller.GetGlowingFor("e2"); !reflect.DeepEqual(got, []string{"v1", "v2"}) {
		t.Fatalf("expected [v1 v2], got %v", got)
	}
}

func TestSetTimedGlowingStopsAfterDelay(t *testing.T) {
	host := newFakeHost()
	scheduler := &manualScheduler{}
	controller := newTestController(t, host, scheduler)

	if err := controller.SetTimedGlowing(context.Background(), 100*time.Millisecond, []string{"e1"}, "v1"); err != nil {
		t.Fatalf("set timed glowing: %v", err)
	}
	if !controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected e1 glowing immediately")
	}
	if len(scheduler.delays) != 1 || scheduler.delays[0] != 100*time.Millisecond {
		t.Fatalf("expected one stop scheduled after 100ms, got %v", scheduler.delays)
	}

	scheduler.fire()

	if controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected e1 cleared after the delay")
	}
}

func TestSetTimedGlowingWithTimerScheduler(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)

	if err := controller.SetTimedGlowing(context.Background(), 20*time.Millisecond, []string{"e1"}, "v1"); err != nil {
		t.Fatalf("set timed glowing: %v", err)
	}
	if !controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected e1 glowing immediately")
	}

	deadline := time.Now().Add(2 * time.Second)
	for controller.IsGlowingFor("e1", "v1") {
		if time.Now().After(deadline) {
			t.Fatalf("expected timed glow to clear")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimedStopAfterManualStopIsNoop(t *testing.T) {
	host := newFakeHost()
	scheduler := &manualScheduler{}
	controller := newTestController(t, host, scheduler)
	ctx := context.Background()

	if err := controller.SetTimedGlowing(ctx, time.Second, []string{"e1"}, "v1"); err != nil {
		t.Fatalf("set timed glowing: %v", err)
	}
	if err := controller.StopGlowing(ctx, []string{"e1"}, "v1"); err != nil {
		t.Fatalf("stop glowing: %v", err)
	}
	before := len(host.sentTo("v1"))

	scheduler.fire()

	if got := len(host.sentTo("v1")); got != before {
		t.Fatalf("expected scheduled stop to send nothing, sent %d more", got-before)
	}
}

func TestSetGlowingUnknownViewerIsNotRecorded(t *testing.T) {
	host := newFakeHost()
	host.unknown["ghost"] = true
	counters := telemetry.NewCounters()
	controller, err := New(Config{Transport: host, Interception: host, Lifecycle: host, Metrics: counters})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}

	err = controller.SetGlowing(context.Background(), []string{"e1"}, "v1", "ghost")
	if !errors.Is(err, contract.ErrUnknownViewer) {
		t.Fatalf("expected ErrUnknownViewer, got %v", err)
	}
	if controller.IsGlowingFor("e1", "ghost") {
		t.Fatalf("expected undelivered pair not recorded")
	}
	if !controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected delivered pair recorded despite sibling failure")
	}
	if got := counters.Load(telemetry.MetricExplicitSendFails); got != 1 {
		t.Fatalf("expected one send failure, got %d", got)
	}
}

func TestStopGlowingClearsEvenWhenSendFails(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)
	ctx := context.Background()

	if err := controller.SetGlowing(ctx, []string{"e1", "e2"}, "v1"); err != nil {
		t.Fatalf("set glowing: %v", err)
	}

	writeErr := errors.New("broken pipe")
	host.failing["v1"] = writeErr
	err := controller.StopGlowing(ctx, []string{"e1"}, "v1")
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected write error surfaced, got %v", err)
	}
	if controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected pair cleared despite failed send")
	}

	delete(host.failing, "v1")
	host.unknown["v1"] = true
	if err := controller.StopGlowing(ctx, []string{"e2"}, "v1"); err != nil {
		t.Fatalf("expected departed viewer stop to succeed, got %v", err)
	}
}

func TestDisconnectClearsControllerState(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)

	if err := controller.SetGlowing(context.Background(), []string{"e1", "e2"}, "v1"); err != nil {
		t.Fatalf("set glowing: %v", err)
	}
	host.disconnect("v1")

	if got := controller.GetGlowingEntities("v1"); len(got) != 0 {
		t.Fatalf("expected no glow after disconnect, got %v", got)
	}
}

func TestDisconnectDuringSetIsNotRecorded(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)
	ctx := context.Background()
	host.connect("v1")
	host.afterSend = func(viewer string) {
		host.disconnect(viewer)
	}

	err := controller.SetGlowing(ctx, []string{"e1"}, "v1")
	if !errors.Is(err, contract.ErrUnknownViewer) {
		t.Fatalf("expected ErrUnknownViewer for a viewer gone mid-send, got %v", err)
	}
	if controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected no glow for a disconnected viewer")
	}
	if got := controller.GetGlowingMap(); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
	if got := controller.GetGlowingFor("e1"); len(got) != 0 {
		t.Fatalf("expected no viewers for e1, got %v", got)
	}

	// Reconnecting under the same id allows glow again.
	host.afterSend = nil
	host.connect("v1")
	if err := controller.SetGlowing(ctx, []string{"e1"}, "v1"); err != nil {
		t.Fatalf("set glowing after reconnect: %v", err)
	}
	if !controller.IsGlowingFor("e1", "v1") {
		t.Fatalf("expected glow after reconnect")
	}
}

func TestSetTimedGlowingSchedulesOnlyDeliveredPairs(t *testing.T) {
	host := newFakeHost()
	host.unknown["ghost"] = true
	scheduler := &manualScheduler{}
	publisher := &recordingPublisher{}
	controller, err := New(Config{
		Transport:    host,
		Interception: host,
		Lifecycle:    host,
		Scheduler:    scheduler,
		Publisher:    publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	ctx := context.Background()

	err = controller.SetTimedGlowing(ctx, time.Second, []string{"e1"}, "ghost")
	if !errors.Is(err, contract.ErrUnknownViewer) {
		t.Fatalf("expected ErrUnknownViewer, got %v", err)
	}
	if len(scheduler.delays) != 0 {
		t.Fatalf("expected nothing scheduled when every pair failed, got %v", scheduler.delays)
	}
	if got := publisher.ofType(loggingglow.EventScheduledStop); len(got) != 0 {
		t.Fatalf("expected no scheduled stop events, got %v", got)
	}

	err = controller.SetTimedGlowing(ctx, time.Second, []string{"e1", "e2"}, "ghost", "v1")
	if !errors.Is(err, contract.ErrUnknownViewer) {
		t.Fatalf("expected ErrUnknownViewer, got %v", err)
	}
	if len(scheduler.delays) != 1 {
		t.Fatalf("expected one scheduled stop, got %v", scheduler.delays)
	}
	events := publisher.ofType(loggingglow.EventScheduledStop)
	if len(events) != 1 || events[0].Actor.ID != "v1" {
		t.Fatalf("expected one scheduled stop event for v1, got %v", events)
	}
	payload, ok := events[0].Payload.(loggingglow.ScheduledStopPayload)
	if !ok || !reflect.DeepEqual(payload.Entities, []string{"e1", "e2"}) {
		t.Fatalf("expected scheduled entities [e1 e2], got %#v", events[0].Payload)
	}

	scheduler.fire()
	if got := controller.GetGlowingEntities("v1"); len(got) != 0 {
		t.Fatalf("expected timed stop to clear v1, got %v", got)
	}
}

func TestRegisteredTransformPatchesBroadcasts(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)
	ctx := context.Background()

	if err := controller.SetGlowing(ctx, []string{"e1"}, "v1"); err != nil {
		t.Fatalf("set glowing: %v", err)
	}

	transform := host.transforms[0]
	out := transform(ctx, "v1", proto.NewEntityUpdate("e1", 4, proto.FlagsEntry(proto.FlagNone)))
	if len(out) != 1 || proto.Highlight(out[0]) != proto.HighlightOn {
		t.Fatalf("expected broadcast patched on, got %v", out)
	}
	out = transform(ctx, "v2", proto.NewEntityUpdate("e1", 4, proto.FlagsEntry(proto.FlagNone)))
	if len(out) != 1 || proto.Highlight(out[0]) != proto.HighlightOff {
		t.Fatalf("expected other viewers unaffected, got %v", out)
	}
}

func TestConcurrentMutationsKeepStoreConsistent(t *testing.T) {
	host := newFakeHost()
	controller := newTestController(t, host, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				controller.SetGlowing(ctx, []string{"e1", "e2"}, "v1", "v2")
				controller.StopGlowing(ctx, []string{"e2"}, "v2")
				controller.GetGlowingMap()
			}
		}()
	}
	wg.Wait()

	if err := controller.SetGlowing(ctx, []string{"e2"}, "v2"); err != nil {
		t.Fatalf("set glowing: %v", err)
	}
	want := map[string][]string{"v1": {"e1", "e2"}, "v2": {"e1", "e2"}}
	if got := controller.GetGlowingMap(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
