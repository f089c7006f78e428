package api

import (
	"net/http"
	"strings"

	"github.com/dkess/unified-ingestor/internal/registry"
)

// DeviceHandler serves device registry lookups and edits.
type DeviceHandler struct {
	registry *registry.Registry
}

func NewDeviceHandler(reg *registry.Registry) *DeviceHandler {
	return &DeviceHandler{registry: reg}
}

// List returns registered devices, optionally filtered by ?topic= or ?table=.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		devices []registry.Device
		err     error
	)
	switch {
	case r.URL.Query().Get("topic") != "":
		devices, err = h.registry.FindByTopic(r.Context(), r.URL.Query().Get("topic"))
	case r.URL.Query().Get("table") != "":
		devices, err = h.registry.FindByTable(r.Context(), r.URL.Query().Get("table"))
	default:
		devices, err = h.registry.ListAll(r.Context())
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "device query failed")
		return
	}
	if devices == nil {
		devices = []registry.Device{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// Stats returns registry-wide aggregate counts.
func (h *DeviceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

type setNameRequest struct {
	Topic    string `json:"topic"`
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

// SetName assigns a human-readable name to a registered device. The device is
// keyed by (topic, device_id) in the body; topics may contain slashes, which
// rules out path parameters.
func (h *DeviceHandler) SetName(w http.ResponseWriter, r *http.Request) {
	var req setNameRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Topic == "" || req.DeviceID == "" || req.Name == "" {
		WriteError(w, http.StatusBadRequest, "topic, device_id, and name are required")
		return
	}

	updated, err := h.registry.SetName(r.Context(), req.Topic, req.DeviceID, req.Name)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "update failed")
		return
	}
	if !updated {
		WriteError(w, http.StatusNotFound, "device not found")
		return
	}

	device, err := h.registry.Find(r.Context(), req.Topic, req.DeviceID)
	if err != nil || device == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"updated": true})
		return
	}
	WriteJSON(w, http.StatusOK, device)
}
