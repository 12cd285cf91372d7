// Package webhook is the HTTP receiver feeding the Release Reconciler:
// telephony provider status callbacks and media-stream disconnect
// notifications. Grounded on the teacher's chi + httprate middleware stack,
// generalized from its REST-API rate limiting to this narrower surface.
package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/campaign/reconciler"
	"github.com/voxcampaign/dispatcher/internal/campaign/telephony"
)

// Config controls the webhook server's rate limiting.
type Config struct {
	RequestsPerMinute int
	StreamGrace       time.Duration // HandleStreamDisconnect's "after" threshold
}

// Handler wires the reconciler to HTTP routes.
type Handler struct {
	reconciler *reconciler.Reconciler
	cfg        Config
	log        zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(r *reconciler.Reconciler, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.StreamGrace <= 0 {
		cfg.StreamGrace = 30 * time.Second
	}
	return &Handler{reconciler: r, cfg: cfg, log: logger}
}

// Routes returns the mountable chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httprate.Limit(h.cfg.RequestsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Post("/telephony/status", h.handleStatus)
	r.Post("/stream/disconnect", h.handleStreamDisconnect)
	return r
}

type statusPayload struct {
	ProviderCallID string `json:"providerCallId"`
	CallID         string `json:"callId"`
	Status         string `json:"status"`
	Failure        string `json:"failure,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	event := telephony.StatusEvent{
		ProviderCallID: payload.ProviderCallID,
		CallID:         payload.CallID,
		Status:         model.CallState(payload.Status),
		Failure:        model.FailureKind(payload.Failure),
		ReceivedAt:     time.Now(),
	}

	if err := h.reconciler.HandleStatus(r.Context(), event); err != nil {
		h.log.Error().Err(err).Str("call_id", event.CallID).Msg("webhook: status reconcile failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type streamDisconnectPayload struct {
	CampaignID string `json:"campaignId"`
	CallID     string `json:"callId"`
}

func (h *Handler) handleStreamDisconnect(w http.ResponseWriter, r *http.Request) {
	var payload streamDisconnectPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.reconciler.HandleStreamDisconnect(r.Context(), payload.CampaignID, payload.CallID, h.cfg.StreamGrace); err != nil {
		h.log.Error().Err(err).Str("call_id", payload.CallID).Msg("webhook: stream disconnect reconcile failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
