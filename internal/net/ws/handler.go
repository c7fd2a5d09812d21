package ws

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"glowkeeper/internal/hub"
	"glowkeeper/internal/proto"
	"glowkeeper/internal/telemetry"
)

type HandlerConfig struct {
	Logger telemetry.Logger
}

// Handler upgrades viewer connections and runs their read loop.
type Handler struct {
	hub      *hub.Hub
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

func NewHandler(h *hub.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:      h,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handle serves /ws?id=<viewer>. The viewer must have joined first.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	viewer := r.URL.Query().Get("id")
	if viewer == "" {
		nethttp.Error(w, "missing id", nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", viewer, err)
		return
	}

	// The request context ends with the handler; the session outlives it.
	ctx := context.WithoutCancel(r.Context())
	if !h.hub.Connected(viewer) {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown viewer")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}
	if !h.hub.Subscribe(ctx, viewer, conn) {
		conn.Close()
		return
	}

	h.serve(ctx, viewer, conn)
}

func (h *Handler) serve(ctx context.Context, viewer string, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.hub.DisconnectSession(ctx, viewer, conn, hub.ReasonSocketClosed)
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", viewer, err)
			continue
		}

		switch msg.Type {
		case proto.TypeClientHeartbeat:
			now := time.Now()
			rtt, ok := h.hub.Heartbeat(viewer, now, msg.SentAt)
			if !ok {
				continue
			}
			ack := proto.HeartbeatMessage{
				Ver:        proto.Version,
				Type:       proto.TypeHeartbeat,
				ServerTime: now.UnixMilli(),
				ClientTime: msg.SentAt,
				RTTMillis:  rtt.Milliseconds(),
			}
			data, err := json.Marshal(ack)
			if err != nil {
				h.logger.Printf("failed to marshal heartbeat ack for %s: %v", viewer, err)
				continue
			}
			if err := h.hub.WriteRaw(viewer, data); err != nil {
				h.hub.DisconnectSession(ctx, viewer, conn, hub.ReasonWriteFailed)
				return
			}
		case proto.TypeClientLeave:
			h.hub.DisconnectSession(ctx, viewer, conn, hub.ReasonLeft)
			return
		default:
			h.logger.Printf("unknown message type %q from %s", msg.Type, viewer)
		}
	}
}
