package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/gateway"
	"github.com/ashureev/sam-relay/internal/poller"
	"github.com/go-chi/chi/v5"
)

// Gateway accepts submissions and issues sessions.
type Gateway interface {
	Submit(ctx context.Context, sessionID, text string) (gateway.Submission, error)
	Bootstrap(ctx context.Context, secret, oldSessionID string) (string, error)
}

// Poller resolves job handles.
type Poller interface {
	Poll(ctx context.Context, jobID int64, sessionID string) (poller.Result, error)
}

// RelayHandler serves the bootstrap, submit and poll endpoints.
type RelayHandler struct {
	gateway Gateway
	poller  Poller
	maxBody int64
	log     *slog.Logger
}

// NewRelayHandler creates the relay endpoints. maxBody caps JSON bodies.
func NewRelayHandler(gw Gateway, p Poller, maxBody int64, logger *slog.Logger) *RelayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHandler{
		gateway: gw,
		poller:  p,
		maxBody: maxBody,
		log:     logger.With("component", "api"),
	}
}

// RegisterRoutes registers relay routes.
func (h *RelayHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/bootstrap", h.Bootstrap)
		r.Post("/submit", h.Submit)
		r.Get("/poll", h.Poll)
	})
}

type bootstrapRequest struct {
	Secret    string `json:"secret"`
	SessionID string `json:"session_id,omitempty"`
}

type bootstrapResponse struct {
	SessionID string `json:"session_id"`
}

type submitRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type pendingResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// completeResponse always carries both reply fields, even when empty.
type completeResponse struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	TextDisplay string `json:"text_display"`
	TextSAM     string `json:"text_sam"`
}

// Bootstrap issues a session for a client presenting the shared secret.
func (h *RelayHandler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.fail(w, err, "")
		return
	}

	id, err := h.gateway.Bootstrap(r.Context(), req.Secret, req.SessionID)
	if err != nil {
		h.fail(w, err, "")
		return
	}
	JSON(w, http.StatusOK, bootstrapResponse{SessionID: id})
}

// Submit records a message and returns the pending job handle.
func (h *RelayHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		h.fail(w, err, "")
		return
	}

	sub, err := h.gateway.Submit(r.Context(), req.SessionID, req.Text)
	if err != nil {
		h.fail(w, err, req.SessionID)
		return
	}
	JSON(w, http.StatusOK, sub)
}

// Poll reports a job's status and, once done, its reply.
func (h *RelayHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	jobID, err := parseJobID(r.URL.Query().Get("job_id"))
	if err != nil {
		h.fail(w, err, sessionID)
		return
	}

	res, err := h.poller.Poll(r.Context(), jobID, sessionID)
	if err != nil {
		h.fail(w, err, sessionID)
		return
	}

	if res.Status != domain.StatusComplete {
		JSON(w, http.StatusOK, pendingResponse{SessionID: sessionID, Status: string(res.Status)})
		return
	}
	JSON(w, http.StatusOK, completeResponse{
		SessionID:   sessionID,
		Status:      string(res.Status),
		TextDisplay: res.Reply.TextDisplay,
		TextSAM:     res.Reply.TextSAM,
	})
}

func (h *RelayHandler) fail(w http.ResponseWriter, err error, sessionID string) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "session_id", sessionID, "error", err)
	} else {
		h.log.Debug("Request rejected", "status", status, "error", err)
	}
	if status == http.StatusForbidden {
		Error(w, status, publicMessage(err))
		return
	}
	SessionError(w, status, publicMessage(err), sessionID)
}

func parseJobID(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: job_id is required", domain.ErrValidation)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: job_id must be a positive integer", domain.ErrValidation)
	}
	return id, nil
}
