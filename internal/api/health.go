package api

import (
	"net/http"
	"time"

	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/database"
	"github.com/dkess/unified-ingestor/internal/mqtthub"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	MQTTClients   int               `json:"mqtt_clients"`
	MQTTConnected int               `json:"mqtt_connected"`
	ConfigReloads int64             `json:"config_reloads"`
}

type HealthHandler struct {
	db        *database.DB
	hub       *mqtthub.Hub
	loader    *config.Loader
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, hub *mqtthub.Hub, loader *config.Loader, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		hub:       hub,
		loader:    loader,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// MQTT check. A client pool with no live connections means every broker
	// is unreachable; the process can still serve registry reads.
	clients := h.hub.ClientCount()
	connected := h.hub.ConnectedCount()
	switch {
	case clients == 0:
		checks["mqtt"] = "not_configured"
	case connected == 0:
		checks["mqtt"] = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	case connected < clients:
		checks["mqtt"] = "partial"
		if status == "healthy" {
			status = "degraded"
		}
	default:
		checks["mqtt"] = "ok"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		MQTTClients:   clients,
		MQTTConnected: connected,
		ConfigReloads: h.loader.Reloads(),
	})
}
