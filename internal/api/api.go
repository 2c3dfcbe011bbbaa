// Package api exposes the session over a local HTTP control surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"satlink/internal/journal"
	"satlink/internal/session"
	"satlink/internal/transport"
)

// Handler handles all satlink endpoints.
type Handler struct {
	session      *session.Session
	journal      *journal.Journal
	historyLimit int
	log          zerolog.Logger
}

// NewHandler creates a new API handler. journal may be nil when history
// persistence is disabled; historyLimit is the default page size for
// history queries when the request does not carry one.
func NewHandler(s *session.Session, j *journal.Journal, historyLimit int, log zerolog.Logger) *Handler {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Handler{session: s, journal: j, historyLimit: historyLimit, log: log}
}

// Router builds the chi router for the control surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.Health)

	r.Route("/satlink", func(r chi.Router) {
		r.Post("/power/on", h.PowerOn)
		r.Post("/power/off", h.PowerOff)
		r.Get("/state", h.GetState)
		r.Get("/status", h.GetStatus)
		r.Get("/location", h.GetLocation)
		r.Put("/config", h.Reconfigure)

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", h.ListMessages)
			r.Post("/mo", h.SubmitMO)
			r.Get("/mo/{id}", h.GetMOStatus)
			r.Get("/mt", h.ListMT)
			r.Post("/mt/{id}/retrieve", h.RetrieveMT)
			r.Get("/history", h.GetHistory)
		})
	})

	return r
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

// statusFor maps the session error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transport.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotRegistered),
		errors.Is(err, session.ErrPoweredOff),
		errors.Is(err, session.ErrPoweredOn),
		errors.Is(err, session.ErrUnavailable):
		return http.StatusConflict
	case errors.Is(err, transport.ErrRejected), errors.Is(err, session.ErrConfig):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// Health reports daemon liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"state":  h.session.CurrentState().String(),
	})
}

// ============================================================================
// Power and session state
// ============================================================================

// PowerOn boots the modem and starts acquisition.
func (h *Handler) PowerOn(w http.ResponseWriter, r *http.Request) {
	if err := h.session.PowerOn(r.Context()); err != nil {
		errorResponse(w, statusFor(err), "power on failed: "+err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"state":  h.session.CurrentState().String(),
	})
}

// PowerOff shuts the session down. Always succeeds.
func (h *Handler) PowerOff(w http.ResponseWriter, r *http.Request) {
	h.session.PowerOff(r.Context())
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"state":  h.session.CurrentState().String(),
	})
}

// GetState returns just the top-level session state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"state": h.session.CurrentState().String(),
	})
}

// GetStatus returns the full session snapshot.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.session.CurrentStatus())
}

// GetLocation queries the modem's GNSS solution.
func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := h.session.LocationQuery(r.Context())
	if err != nil {
		errorResponse(w, statusFor(err), "location query failed: "+err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, loc)
}

// Reconfigure applies a new wakeup period and power mode.
func (h *Handler) Reconfigure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WakeupPeriod int `json:"wakeup_period"`
		PowerMode    int `json:"power_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.session.Reconfigure(r.Context(), req.WakeupPeriod, req.PowerMode); err != nil {
		errorResponse(w, statusFor(err), "reconfigure failed: "+err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"wakeup_period": req.WakeupPeriod,
		"power_mode":    req.PowerMode,
	})
}

// ============================================================================
// Message operations
// ============================================================================

// SubmitMO submits a mobile-originated message. The payload arrives
// base64-encoded inside a JSON body.
func (h *Handler) SubmitMO(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload []byte `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		errorResponse(w, http.StatusBadRequest, "payload required")
		return
	}

	msg, err := h.session.SubmitMO(r.Context(), req.Payload)
	if err != nil {
		errorResponse(w, statusFor(err), "submit failed: "+err.Error())
		return
	}
	jsonResponse(w, http.StatusAccepted, msg)
}

// GetMOStatus returns the tracked state of one MO message.
func (h *Handler) GetMOStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, ok := h.session.MOMessage(id)
	if !ok {
		errorResponse(w, http.StatusNotFound, "message not tracked: "+id)
		return
	}
	jsonResponse(w, http.StatusOK, msg)
}

// ListMessages snapshots both queues.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	mo, mt := h.session.PendingMessages()
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"mo": mo,
		"mt": mt,
	})
}

// ListMT lists MT messages announced by the modem and awaiting retrieval.
func (h *Handler) ListMT(w http.ResponseWriter, r *http.Request) {
	sums, err := h.session.PollMT(r.Context())
	if err != nil {
		errorResponse(w, statusFor(err), "mt poll failed: "+err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"messages": sums,
		"count":    len(sums),
	})
}

// RetrieveMT fetches one MT payload and acknowledges it to the modem.
func (h *Handler) RetrieveMT(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.session.RetrieveMT(r.Context(), id)
	if err != nil {
		errorResponse(w, statusFor(err), "retrieve failed: "+err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, msg)
}

// GetHistory returns journalled message events, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		errorResponse(w, http.StatusNotFound, "history persistence disabled")
		return
	}
	limit := h.historyLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			errorResponse(w, http.StatusBadRequest, "invalid limit: "+s)
			return
		}
		limit = v
	}
	entries, err := h.journal.History(limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "history read failed: "+err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
