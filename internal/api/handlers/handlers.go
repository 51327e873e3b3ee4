// Package handlers implements the HTTP handlers for the bridge API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/otbridge/otbridge/internal/bridge"
	"github.com/otbridge/otbridge/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Bridge *bridge.Bridge
}

// New creates a Handlers instance bound to the bridge.
func New(b *bridge.Bridge) *Handlers {
	return &Handlers{Bridge: b}
}

// ── Bridge lifecycle ─────────────────────────────────────────

func (h *Handlers) StartBridge(w http.ResponseWriter, r *http.Request) {
	if err := h.Bridge.StartBridge(r.Context()); err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Bridge.Status())
}

func (h *Handlers) StopBridge(w http.ResponseWriter, r *http.Request) {
	if err := h.Bridge.StopBridge(); err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Bridge.Status())
}

func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Bridge.Status())
}

func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	// Prometheus exposition on request; JSON counters map otherwise.
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		h.Bridge.Metrics().Handler().ServeHTTP(w, r)
		return
	}
	snap, err := h.Bridge.MetricsSnapshot()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) GetPipelineDiagnostics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Bridge.DiagnosticsPipeline())
}

// ── Source handlers ──────────────────────────────────────────

func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	sources := h.Bridge.Sources()
	if sources == nil {
		sources = []models.SourceConfig{}
	}
	respondJSON(w, http.StatusOK, sources)
}

func (h *Handlers) AddSource(w http.ResponseWriter, r *http.Request) {
	var req models.SourceConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Bridge.AddSource(req); err != nil {
		respondKindError(w, err)
		return
	}
	log.Info().Str("source", req.Name).Str("protocol", string(req.ProtocolType)).Msg("source added")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sourceName")
	cfg, ok := h.Bridge.GetSource(name)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown source "+name)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) UpdateSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sourceName")
	var req models.SourceConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Bridge.UpdateSource(name, req); err != nil {
		respondKindError(w, err)
		return
	}
	cfg, _ := h.Bridge.GetSource(name)
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) DeleteSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sourceName")
	if err := h.Bridge.DeleteSource(name); err != nil {
		respondKindError(w, err)
		return
	}
	log.Info().Str("source", name).Msg("source deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) StartSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sourceName")
	if err := h.Bridge.StartSource(name); err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handlers) StopSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sourceName")
	if err := h.Bridge.StopSource(name); err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ── Zerobus handlers ─────────────────────────────────────────

func (h *Handlers) GetZerobusConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Bridge.ZerobusConfig())
}

func (h *Handlers) SetZerobusConfig(w http.ResponseWriter, r *http.Request) {
	var req models.ZerobusConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Bridge.SetZerobusConfig(r.Context(), req); err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Bridge.ZerobusConfig())
}

func (h *Handlers) StartZerobus(w http.ResponseWriter, r *http.Request) {
	if err := h.Bridge.StartIngest(r.Context()); err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Bridge.IngestSnapshot())
}

func (h *Handlers) StopZerobus(w http.ResponseWriter, r *http.Request) {
	if err := h.Bridge.StopIngest(); err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Bridge.IngestSnapshot())
}

func (h *Handlers) GetZerobusStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Bridge.IngestSnapshot())
}

func (h *Handlers) GetZerobusDiagnostics(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep") == "true"
	respondJSON(w, http.StatusOK, h.Bridge.IngestDiagnostics(r.Context(), deep))
}

// ── Discovery handlers ───────────────────────────────────────

func (h *Handlers) ScanNetwork(w http.ResponseWriter, r *http.Request) {
	var req models.DiscoveryScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	servers, err := h.Bridge.Scanner().Scan(r.Context(), req)
	if err != nil {
		respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, servers)
}

func (h *Handlers) ListDiscoveredServers(w http.ResponseWriter, r *http.Request) {
	servers := h.Bridge.Scanner().Servers()
	if servers == nil {
		servers = []models.DiscoveredServer{}
	}
	respondJSON(w, http.StatusOK, servers)
}

func (h *Handlers) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectionTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondJSON(w, http.StatusOK, h.Bridge.Scanner().Test(r.Context(), req))
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error bodies are always {error: <short code>, message: <human text>} so
// API consumers can branch on the code without parsing messages.
func respondError(w http.ResponseWriter, status int, message string) {
	code := strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	respondJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// respondKindError maps the error taxonomy onto HTTP status codes, with
// the kind as the error code.
func respondKindError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case models.KindConfigInvalid, models.KindTargetInvalid:
		status = http.StatusBadRequest
	case models.KindAuthFailed, models.KindTLSFailed:
		status = http.StatusUnauthorized
	case models.KindQueueFull, models.KindSpoolFull:
		status = http.StatusTooManyRequests
	case models.KindNetworkUnreachable, models.KindProtocolError:
		status = http.StatusBadGateway
	case models.KindBreakerOpen:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{
		"error":   string(kind),
		"message": err.Error(),
	})
}
