package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"magicwork-backend/internal/middleware"
	"magicwork-backend/internal/models"
	"magicwork-backend/internal/services"
)

const maxBodyBytes = 64 << 10

// UsageTrackingHandler serves the single /usage-tracking resource. The
// action query parameter selects the operation.
type UsageTrackingHandler struct {
	presence *services.PresenceService
}

func NewUsageTrackingHandler(presence *services.PresenceService) *UsageTrackingHandler {
	return &UsageTrackingHandler{presence: presence}
}

// Post dispatches the mutating actions: start, heartbeat and complete.
func (h *UsageTrackingHandler) Post(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "start":
		h.start(w, r)
	case "heartbeat":
		h.heartbeat(w, r)
	case "complete":
		h.complete(w, r)
	default:
		writeJSON(w, http.StatusBadRequest, errorResp("Invalid action", r))
	}
}

// Get dispatches the read actions. These never answer 500.
func (h *UsageTrackingHandler) Get(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "live-count":
		h.liveCount(w, r)
	case "live-counts":
		h.liveCounts(w, r)
	case "history":
		h.history(w, r)
	default:
		writeJSON(w, http.StatusBadRequest, errorResp("Invalid action", r))
	}
}

func (h *UsageTrackingHandler) start(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.UserID = withContextUser(req.UserID, r)

	if err := h.presence.Start(r.Context(), &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": req.SessionID,
	})
}

func (h *UsageTrackingHandler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ok, err := h.presence.Heartbeat(r.Context(), req.SessionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (h *UsageTrackingHandler) complete(w http.ResponseWriter, r *http.Request) {
	var req models.CompleteSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.UserID = withContextUser(req.UserID, r)

	if _, err := h.presence.Complete(r.Context(), &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *UsageTrackingHandler) liveCount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	space := q.Get("space")
	cardParam, hasCard := q["card"]
	if space == "" || !hasCard || len(cardParam) == 0 || cardParam[0] == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("Missing space or card parameter", r))
		return
	}

	card, err := strconv.Atoi(cardParam[0])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("Invalid card parameter", r))
		return
	}
	if card < 0 || card >= services.NumCards {
		writeJSON(w, http.StatusBadRequest, errorResp(fmt.Sprintf("card must be between 0 and %d", services.NumCards-1), r))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]int{"count": h.presence.LiveCount(r.Context(), space, card)})
}

func (h *UsageTrackingHandler) liveCounts(w http.ResponseWriter, r *http.Request) {
	space := r.URL.Query().Get("space")
	if space == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("Missing space parameter", r))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, services.StringKeyed(h.presence.LiveCounts(r.Context(), space)))
}

func (h *UsageTrackingHandler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		userID = middleware.GetUserID(r.Context())
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResp("Invalid limit parameter", r))
			return
		}
		limit = n
	}

	records, err := h.presence.History(r.Context(), userID, q.Get("space"), limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}

// MethodNotAllowed answers any verb other than GET, POST or OPTIONS.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResp("Method not allowed", r))
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResp("Not found", r))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("Invalid request body", r))
		return false
	}
	return true
}

func withContextUser(userID *string, r *http.Request) *string {
	if userID != nil && strings.TrimSpace(*userID) != "" {
		return userID
	}
	if id := middleware.GetUserID(r.Context()); id != "" {
		return &id
	}
	return userID
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error:     message,
		RequestID: r.Header.Get(middleware.RequestIDHeader),
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorResp(verr.Message, r))
		return
	}

	resp := errorResp("Internal server error", r)
	resp.Details = err.Error()
	writeJSON(w, http.StatusInternalServerError, resp)
}
