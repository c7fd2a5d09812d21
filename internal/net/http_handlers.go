package net

import (
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"
	"time"

	"github.com/dustin/go-humanize"

	"glowkeeper/internal/contract"
	"glowkeeper/internal/glow"
	"glowkeeper/internal/hub"
	"glowkeeper/internal/net/ws"
	"glowkeeper/internal/telemetry"
	"glowkeeper/logging"
)

const maxGlowRequestBytes = 1 << 16

// HTTPHandlerConfig carries the optional collaborators of the HTTP surface.
type HTTPHandlerConfig struct {
	Logger   telemetry.Logger
	Counters *telemetry.Counters
	Router   *logging.Router
}

type glowRequest struct {
	Entities   []string `json:"entities"`
	Viewers    []string `json:"viewers"`
	DurationMs int64    `json:"durationMs,omitempty"`
}

type glowResponse struct {
	Status string   `json:"status"`
	Errors []string `json:"errors,omitempty"`
}

type viewerGlowStat struct {
	Viewer     string `json:"viewer"`
	Entities   int    `json:"entities"`
	Online     bool   `json:"online"`
	LastAccess string `json:"lastAccess"`
}

// NewHTTPHandler wires the health, diagnostics, viewer and glow endpoints.
func NewHTTPHandler(h *hub.Hub, controller *glow.Controller, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/join", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, nethttp.StatusOK, h.Join(r.Context()))
	})

	mux.HandleFunc("/ws", ws.NewHandler(h, ws.HandlerConfig{Logger: logger}).Handle)

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		now := time.Now()
		stats := controller.Store().Stats()
		glowing := make([]viewerGlowStat, 0, len(stats))
		for _, stat := range stats {
			glowing = append(glowing, viewerGlowStat{
				Viewer:     stat.Viewer,
				Entities:   stat.Entities,
				Online:     stat.Online,
				LastAccess: humanize.RelTime(stat.LastAccess, now, "ago", "from now"),
			})
		}

		counters := cfg.Counters.Snapshot()
		payload := struct {
			Status     string               `json:"status"`
			ServerTime int64                `json:"serverTime"`
			TickRate   int                  `json:"tickRate"`
			Viewers    any                  `json:"viewers"`
			Glowing    []viewerGlowStat     `json:"glowing"`
			Expiry     string               `json:"expiry"`
			Telemetry  map[string]uint64    `json:"telemetry"`
			Sent       string               `json:"sent"`
			Logging    *logging.RouterStats `json:"logging,omitempty"`
		}{
			Status:     "ok",
			ServerTime: now.UnixMilli(),
			TickRate:   h.TickRate(),
			Viewers:    h.Diagnostics(),
			Glowing:    glowing,
			Expiry:     controller.Store().Expiry().String(),
			Telemetry:  counters,
			Sent:       humanize.Bytes(counters[telemetry.MetricBroadcastBytes]),
		}
		if cfg.Router != nil {
			routerStats := cfg.Router.Stats()
			payload.Logging = &routerStats
		}
		writeJSON(w, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("/glow", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		switch r.Method {
		case nethttp.MethodGet:
			writeJSON(w, nethttp.StatusOK, controller.GetGlowingMap())
		case nethttp.MethodPost:
			req, ok := decodeGlowRequest(w, r)
			if !ok {
				return
			}
			var err error
			if req.DurationMs > 0 {
				delay := time.Duration(req.DurationMs) * time.Millisecond
				err = controller.SetTimedGlowing(r.Context(), delay, req.Entities, req.Viewers...)
			} else {
				err = controller.SetGlowing(r.Context(), req.Entities, req.Viewers...)
			}
			writeGlowResult(w, logger, err)
		default:
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/glow/stop", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		req, ok := decodeGlowRequest(w, r)
		if !ok {
			return
		}
		writeGlowResult(w, logger, controller.StopGlowing(r.Context(), req.Entities, req.Viewers...))
	})

	mux.HandleFunc("/glow/entity", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			httpError(w, "missing id", nethttp.StatusBadRequest)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"entity": id, "viewers": controller.GetGlowingFor(id)})
	})

	mux.HandleFunc("/glow/viewer", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			httpError(w, "missing id", nethttp.StatusBadRequest)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"viewer": id, "entities": controller.GetGlowingEntities(id)})
	})

	mux.HandleFunc("/glow/check", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		query := r.URL.Query()
		entity, viewer := query.Get("entity"), query.Get("viewer")
		if entity == "" || viewer == "" {
			httpError(w, "missing entity or viewer", nethttp.StatusBadRequest)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"entity":  entity,
			"viewer":  viewer,
			"glowing": controller.IsGlowingFor(entity, viewer),
		})
	})

	return mux
}

func decodeGlowRequest(w nethttp.ResponseWriter, r *nethttp.Request) (glowRequest, bool) {
	var req glowRequest
	if r.Body == nil {
		httpError(w, "missing payload", nethttp.StatusBadRequest)
		return req, false
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxGlowRequestBytes))
	if err := decoder.Decode(&req); err != nil {
		httpError(w, "invalid payload", nethttp.StatusBadRequest)
		return req, false
	}
	if len(req.Entities) == 0 || len(req.Viewers) == 0 {
		httpError(w, "entities and viewers are required", nethttp.StatusBadRequest)
		return req, false
	}
	if req.DurationMs < 0 {
		httpError(w, "durationMs must not be negative", nethttp.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeGlowResult(w nethttp.ResponseWriter, logger telemetry.Logger, err error) {
	if err == nil {
		writeJSON(w, nethttp.StatusOK, glowResponse{Status: "ok"})
		return
	}
	logger.Printf("glow request: %v", err)
	status := nethttp.StatusBadGateway
	if errors.Is(err, contract.ErrUnknownViewer) {
		status = nethttp.StatusNotFound
	}
	writeJSON(w, status, glowResponse{Status: "error", Errors: splitJoined(err)})
}

func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		messages := make([]string, 0, len(errs))
		for _, e := range errs {
			messages = append(messages, e.Error())
		}
		return messages
	}
	return []string{err.Error()}
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
