package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
	"github.com/dronehub/telemetry-scheduler/internal/notification"
)

// NotificationHandler serves notification history, stats, and test sends.
type NotificationHandler struct {
	engine *notification.Engine
	logger *zap.Logger
}

func NewNotificationHandler(engine *notification.Engine, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{engine: engine, logger: logger}
}

// History handles GET /api/v1/notifications/history?limit=N.
func (h *NotificationHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)

	history, err := h.engine.History(r.Context(), limit)
	if err != nil {
		h.logger.Error("notification history failed", zap.Error(err))
		mapError(w, err)
		return
	}
	if history == nil {
		history = []domain.NotificationMessage{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"notifications": history,
		"count":         len(history),
	})
}

// Stats handles GET /api/v1/notifications/stats.
func (h *NotificationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, depth := h.engine.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"total":       stats.Total,
		"sent":        stats.Sent,
		"failed":      stats.Failed,
		"queue_depth": depth,
	})
}

type testSendRequest struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients,omitempty"`
}

// TestSend handles POST /api/v1/notifications/test. The message bypasses
// rules and cooldowns and is dispatched inline.
func (h *NotificationHandler) TestSend(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.engine.TestSend(r.Context(), domain.Channel(req.Channel), req.Recipients)
	if err != nil {
		mapError(w, err)
		return
	}

	h.logger.Info("test notification dispatched",
		zap.String("notification_id", msg.ID),
		zap.String("channel", req.Channel),
		zap.String("status", string(msg.Status)),
	)
	respondJSON(w, http.StatusOK, msg)
}
