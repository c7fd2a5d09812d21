package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/remeh/sizedwaitgroup"

	"glowkeeper/internal/contract"
	"glowkeeper/internal/proto"
	"glowkeeper/internal/telemetry"
	"glowkeeper/internal/world"
	"glowkeeper/logging"
	"glowkeeper/logging/lifecycle"
)

const (
	defaultTickRate         = 15
	defaultHeartbeatTimeout = 6 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultFanOut           = 8
)

// Disconnect reasons reported to the lifecycle log.
const (
	ReasonLeft             = "left"
	ReasonSocketClosed     = "socket_closed"
	ReasonWriteFailed      = "write_failed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
)

// Conn is the subset of *websocket.Conn the hub writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config tunes a Hub.
type Config struct {
	TickRate         int
	HeartbeatTimeout time.Duration
	WriteWait        time.Duration
	// FanOut bounds how many viewers are written to in parallel per tick.
	FanOut int

	Clock     logging.Clock
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		TickRate:         defaultTickRate,
		HeartbeatTimeout: defaultHeartbeatTimeout,
		WriteWait:        defaultWriteWait,
		FanOut:           defaultFanOut,
	}
}

// Hub owns connected viewers, delivers entity updates to them and exposes the
// interception point and lifecycle feed the glow pipeline hooks into.
type Hub struct {
	mu          sync.Mutex
	viewers     map[string]*viewerState
	subscribers map[string]*subscriber
	nextID      atomic.Uint64

	// lifecycleMu is held across a registry change and its listener
	// notification so listeners observe joins and leaves in registry order.
	lifecycleMu sync.Mutex

	hookMu     sync.RWMutex
	transforms []contract.Transform
	listeners  []contract.LifecycleListener

	world     *world.World
	cfg       Config
	clock     logging.Clock
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
}

type viewerState struct {
	lastHeartbeat time.Time
	lastRTT       time.Duration
}

type subscriber struct {
	conn Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte, wait time.Duration) error {
	s.conn.SetWriteDeadline(time.Now().Add(wait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// New creates a hub broadcasting the state of w.
func New(w *world.World, cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.TickRate <= 0 {
		cfg.TickRate = def.TickRate
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = def.FanOut
	}
	h := &Hub{
		viewers:     make(map[string]*viewerState),
		subscribers: make(map[string]*subscriber),
		world:       w,
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		publisher:   cfg.Publisher,
		metrics:     cfg.Metrics,
	}
	if h.clock == nil {
		h.clock = logging.SystemClock{}
	}
	if h.logger == nil {
		h.logger = telemetry.Discard()
	}
	if h.publisher == nil {
		h.publisher = logging.NopPublisher()
	}
	if h.metrics == nil {
		h.metrics = telemetry.NopMetrics()
	}
	return h
}

// World exposes the simulated entity set.
func (h *Hub) World() *world.World {
	return h.world
}

// Intercept registers a transform that runs, in registration order, on every
// broadcast update before it is written.
func (h *Hub) Intercept(transform contract.Transform) {
	if transform == nil {
		return
	}
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.transforms = append(h.transforms, transform)
}

// OnLifecycle registers a listener for viewer connects and disconnects.
func (h *Hub) OnLifecycle(listener contract.LifecycleListener) {
	if listener == nil {
		return
	}
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.listeners = append(h.listeners, listener)
}

func (h *Hub) lifecycleListeners() []contract.LifecycleListener {
	h.hookMu.RLock()
	defer h.hookMu.RUnlock()
	return append([]contract.LifecycleListener(nil), h.listeners...)
}

// Join registers a new viewer and notifies lifecycle listeners.
func (h *Hub) Join(ctx context.Context) proto.JoinResponse {
	id := fmt.Sprintf("viewer-%d", h.nextID.Add(1))

	h.lifecycleMu.Lock()
	h.mu.Lock()
	h.viewers[id] = &viewerState{lastHeartbeat: h.clock.Now()}
	count := len(h.viewers)
	h.mu.Unlock()

	for _, listener := range h.lifecycleListeners() {
		listener.ViewerConnected(id)
	}
	h.lifecycleMu.Unlock()

	h.metrics.Store(telemetry.MetricConnectedViewers, uint64(count))
	lifecycle.ViewerConnected(ctx, h.publisher, id)

	return proto.JoinResponse{Ver: proto.Version, Type: proto.TypeJoin, ID: id, Entities: h.world.Snapshot()}
}

// Subscribe attaches a connection to a joined viewer, replacing any previous
// one, and delivers the current entity snapshot through the transforms.
func (h *Hub) Subscribe(ctx context.Context, viewer string, conn Conn) bool {
	h.mu.Lock()
	state, ok := h.viewers[viewer]
	if !ok {
		h.mu.Unlock()
		return false
	}
	state.lastHeartbeat = h.clock.Now()
	existing := h.subscribers[viewer]
	sub := &subscriber{conn: conn}
	h.subscribers[viewer] = sub
	h.mu.Unlock()

	if existing != nil {
		existing.conn.Close()
	}

	for _, update := range h.world.Snapshot() {
		if err := h.deliver(ctx, viewer, sub, update); err != nil {
			h.logger.Printf("failed to send snapshot to %s: %v", viewer, err)
			h.Disconnect(ctx, viewer, ReasonWriteFailed)
			return false
		}
	}
	return true
}

// Disconnect removes a viewer, closes its connection and notifies lifecycle
// listeners. It reports whether the viewer was known.
func (h *Hub) Disconnect(ctx context.Context, viewer, reason string) bool {
	h.lifecycleMu.Lock()
	h.mu.Lock()
	sub, subOK := h.subscribers[viewer]
	if subOK {
		delete(h.subscribers, viewer)
	}
	_, viewerOK := h.viewers[viewer]
	if viewerOK {
		delete(h.viewers, viewer)
	}
	count := len(h.viewers)
	h.mu.Unlock()

	if viewerOK {
		for _, listener := range h.lifecycleListeners() {
			listener.ViewerDisconnected(viewer)
		}
	}
	h.lifecycleMu.Unlock()

	if subOK {
		sub.conn.Close()
	}
	if !viewerOK {
		return false
	}

	h.metrics.Store(telemetry.MetricConnectedViewers, uint64(count))
	lifecycle.ViewerDisconnected(ctx, h.publisher, viewer, lifecycle.ViewerDisconnectedPayload{Reason: reason})
	return true
}

// DisconnectSession disconnects viewer only while conn is still its current
// connection. A socket replaced by a newer Subscribe is just closed.
func (h *Hub) DisconnectSession(ctx context.Context, viewer string, conn Conn, reason string) bool {
	h.mu.Lock()
	sub, ok := h.subscribers[viewer]
	current := ok && sub.conn == conn
	h.mu.Unlock()

	if !current {
		conn.Close()
		return false
	}
	return h.Disconnect(ctx, viewer, reason)
}

// Heartbeat records a heartbeat and returns the measured round trip time.
func (h *Hub) Heartbeat(viewer string, receivedAt time.Time, clientSent int64) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.viewers[viewer]
	if !ok {
		return 0, false
	}
	state.lastHeartbeat = receivedAt

	if clientSent > 0 {
		clientTime := time.UnixMilli(clientSent)
		if clientTime.Before(receivedAt.Add(5 * time.Second)) {
			state.lastRTT = max(receivedAt.Sub(clientTime), 0)
		}
	}
	return state.lastRTT, true
}

// Connected reports whether viewer has joined and not left.
func (h *Hub) Connected(viewer string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.viewers[viewer]
	return ok
}

// SendUpdate writes update to viewer directly, skipping transforms. A viewer
// that joined but has no connection yet silently drops the update; its
// snapshot on subscribe goes through the transforms.
func (h *Hub) SendUpdate(ctx context.Context, viewer string, update proto.EntityUpdate) error {
	h.mu.Lock()
	_, known := h.viewers[viewer]
	sub := h.subscribers[viewer]
	h.mu.Unlock()

	if !known {
		return fmt.Errorf("send %s to %s: %w", update.EntityID, viewer, contract.ErrUnknownViewer)
	}
	if sub == nil {
		return nil
	}

	data, err := proto.EncodeEntityUpdate(update)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	err = sub.write(data, h.cfg.WriteWait)
	sub.mu.Unlock()
	if err != nil {
		h.Disconnect(ctx, viewer, ReasonWriteFailed)
		return fmt.Errorf("send %s to %s: %w", update.EntityID, viewer, err)
	}
	h.metrics.Add(telemetry.MetricBroadcastBytes, uint64(len(data)))
	return nil
}

// WriteRaw writes an already encoded message to viewer's connection.
func (h *Hub) WriteRaw(viewer string, data []byte) error {
	h.mu.Lock()
	sub := h.subscribers[viewer]
	h.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("write to %s: %w", viewer, contract.ErrUnknownViewer)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.write(data, h.cfg.WriteWait)
}

// deliver runs the transforms on update and writes the result. The viewer's
// write lock is held across both so that the decision and the write are not
// interleaved with another write to the same viewer.
func (h *Hub) deliver(ctx context.Context, viewer string, sub *subscriber, update proto.EntityUpdate) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	outbound := h.transform(ctx, viewer, update)
	for _, out := range outbound {
		data, err := proto.EncodeEntityUpdate(out)
		if err != nil {
			h.logger.Printf("failed to encode update for %s: %v", viewer, err)
			continue
		}
		if err := sub.write(data, h.cfg.WriteWait); err != nil {
			return err
		}
		h.metrics.Add(telemetry.MetricBroadcastBytes, uint64(len(data)))
		h.metrics.Add(telemetry.MetricBroadcastUpdates, 1)
	}
	return nil
}

func (h *Hub) transform(ctx context.Context, viewer string, update proto.EntityUpdate) []proto.EntityUpdate {
	h.hookMu.RLock()
	transforms := h.transforms
	h.hookMu.RUnlock()

	outbound := []proto.EntityUpdate{update}
	for _, transform := range transforms {
		next := make([]proto.EntityUpdate, 0, len(outbound))
		for _, candidate := range outbound {
			next = append(next, transform(ctx, viewer, candidate)...)
		}
		outbound = next
	}
	return outbound
}

// Broadcast delivers updates to every subscribed viewer. Viewers are written
// to in parallel, bounded by the configured fan-out; updates to one viewer
// keep their order.
func (h *Hub) Broadcast(ctx context.Context, updates []proto.EntityUpdate) {
	if len(updates) == 0 {
		return
	}

	h.mu.Lock()
	subs := make(map[string]*subscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs[id] = sub
	}
	h.mu.Unlock()

	swg := sizedwaitgroup.New(h.cfg.FanOut)
	for id, sub := range subs {
		swg.Add()
		go func(viewer string, sub *subscriber) {
			defer swg.Done()
			for _, update := range updates {
				if err := h.deliver(ctx, viewer, sub, update); err != nil {
					h.logger.Printf("failed to send update to %s: %v", viewer, err)
					h.Disconnect(ctx, viewer, ReasonWriteFailed)
					return
				}
			}
		}(id, sub)
	}
	swg.Wait()
}

// expireHeartbeats disconnects viewers whose last heartbeat is too old.
func (h *Hub) expireHeartbeats(ctx context.Context, now time.Time) {
	h.mu.Lock()
	var stale []string
	for id, state := range h.viewers {
		if now.Sub(state.lastHeartbeat) > h.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.logger.Printf("disconnecting %s due to heartbeat timeout", id)
		h.Disconnect(ctx, id, ReasonHeartbeatTimeout)
	}
}

// Step advances the world one tick and broadcasts the resulting updates.
func (h *Hub) Step(ctx context.Context) {
	h.expireHeartbeats(ctx, h.clock.Now())
	h.Broadcast(ctx, h.world.Step())
}

// RunBroadcast drives the fixed-rate tick loop until ctx is cancelled, then
// disconnects every remaining viewer.
func (h *Hub) RunBroadcast(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(h.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll(ReasonShutdown)
			return
		case <-ticker.C:
			h.Step(ctx)
		}
	}
}

func (h *Hub) disconnectAll(reason string) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.viewers))
	for id := range h.viewers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(context.Background(), id, reason)
	}
}

// ViewerDiagnostics is the per-viewer heartbeat view served by diagnostics.
type ViewerDiagnostics struct {
	ID            string `json:"id"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	RTTMillis     int64  `json:"rttMillis"`
	Subscribed    bool   `json:"subscribed"`
}

// Diagnostics lists every joined viewer sorted by id.
func (h *Hub) Diagnostics() []ViewerDiagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()

	viewers := make([]ViewerDiagnostics, 0, len(h.viewers))
	for id, state := range h.viewers {
		_, subscribed := h.subscribers[id]
		viewers = append(viewers, ViewerDiagnostics{
			ID:            id,
			LastHeartbeat: state.lastHeartbeat.UnixMilli(),
			RTTMillis:     state.lastRTT.Milliseconds(),
			Subscribed:    subscribed,
		})
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].ID < viewers[j].ID })
	return viewers
}

// TickRate reports the broadcast rate in ticks per second.
func (h *Hub) TickRate() int {
	return h.cfg.TickRate
}
