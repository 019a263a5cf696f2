package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
	"github.com/datecs-gw/fiscalgw/pkg/fiscal"
	"github.com/datecs-gw/fiscalgw/pkg/mqtt"
)

// LogHandler serves the persisted log trail.
type LogHandler struct {
	store *store.GORMStore
}

func NewLogHandler(s *store.GORMStore) *LogHandler {
	return &LogHandler{store: s}
}

func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, &fiscal.ValidationError{Detail: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := h.store.ListLogs(r.Context(), limit, r.URL.Query().Get("level"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// MQTTHandler exposes bridge state and a test publish. A nil bridge means
// the feature is disabled in configuration.
type MQTTHandler struct {
	bridge *mqtt.Bridge
}

func NewMQTTHandler(bridge *mqtt.Bridge) *MQTTHandler {
	return &MQTTHandler{bridge: bridge}
}

func (h *MQTTHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "connected": false})
		return
	}
	writeJSON(w, http.StatusOK, h.bridge.Status())
}

func (h *MQTTHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Topic == "" {
		writeError(w, &fiscal.ValidationError{Detail: "topic is required"})
		return
	}
	if h.bridge == nil {
		writeDetail(w, http.StatusConflict, "mqtt bridge is disabled")
		return
	}
	if err := h.bridge.Publish(req.Topic, req.Payload); err != nil {
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"published": true})
}
