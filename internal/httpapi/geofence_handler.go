package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"wisefido-geofence/internal/models"
	"wisefido-geofence/internal/monitor"
	"wisefido-geofence/internal/repository"
)

// MonitorAPI Handler 使用的 Monitor 能力
type MonitorAPI interface {
	Stats() monitor.Stats
	Subscribe() *monitor.Subscription
	ProcessPosition(fix models.PositionFix)
	Sweep() error
}

// EventQuery 事件查询
type EventQuery interface {
	ListGeofenceEvents(ctx context.Context, userID string, filters repository.GeofenceEventFilters, page, size int) ([]*models.GeofenceEvent, int, error)
}

// GeofenceHandler 围栏监控 Handler
type GeofenceHandler struct {
	monitor MonitorAPI
	events  EventQuery
	userID  string
	logger  *zap.Logger
}

// NewGeofenceHandler 创建围栏监控 Handler，events 为 nil 时不提供历史查询
func NewGeofenceHandler(m MonitorAPI, events EventQuery, userID string, logger *zap.Logger) *GeofenceHandler {
	return &GeofenceHandler{
		monitor: m,
		events:  events,
		userID:  userID,
		logger:  logger,
	}
}

// Health 运行中返回 200，否则 503
func (h *GeofenceHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.monitor.Stats()
	body := map[string]any{
		"status": stats.Status.String(),
		"states": stats.States,
	}
	if stats.Status != monitor.StatusRunning {
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// GetStats 诊断信息
func (h *GeofenceHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.monitor.Stats()
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"status":              stats.Status.String(),
		"user_id":             stats.UserID,
		"states":              stats.States,
		"geofences":           stats.Geofences,
		"pending_throttled":   stats.PendingThrottled,
		"queue_depth":         stats.QueueDepth,
		"persist_queue_depth": stats.PersistQueueDepth,
		"subscribers":         stats.Subscribers,
		"optimizer":           stats.Optimizer,
	}))
}

// ListEvents 查询历史围栏事件
func (h *GeofenceHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, Fail("event history is not enabled"))
		return
	}

	q := r.URL.Query()
	page := parseInt(q.Get("page"), 1)
	size := parseInt(q.Get("size"), 20)
	if size > 100 {
		size = 100
	}

	var filters repository.GeofenceEventFilters
	var err error
	if filters.StartTime, err = parseTimeQuery(r, "start_time"); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid start_time"))
		return
	}
	if filters.EndTime, err = parseTimeQuery(r, "end_time"); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid end_time"))
		return
	}
	if v := strings.TrimSpace(q.Get("device_id")); v != "" {
		filters.DeviceID = &v
	}
	if v := strings.TrimSpace(q.Get("geofence_id")); v != "" {
		filters.GeofenceID = &v
	}
	if v := strings.TrimSpace(q.Get("event_type")); v != "" {
		t := models.EventType(v)
		switch t {
		case models.EventEnter, models.EventExit, models.EventDwell:
			filters.EventType = &t
		default:
			writeJSON(w, http.StatusOK, Fail("invalid event_type"))
			return
		}
	}

	items, total, err := h.events.ListGeofenceEvents(r.Context(), h.userID, filters, page, size)
	if err != nil {
		h.logger.Error("Failed to list geofence events", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to list geofence events"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": total,
		"page":  page,
		"size":  size,
	}))
}

// PostPosition 推送单个定位点（与订阅源并行的输入）
func (h *GeofenceHandler) PostPosition(w http.ResponseWriter, r *http.Request) {
	var fix models.PositionFix
	if err := readBodyJSON(r, 1<<16, &fix); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	if err := fix.Validate(); err != nil {
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	h.monitor.ProcessPosition(fix)
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// TriggerSweep 手动触发一次清理
func (h *GeofenceHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Sweep(); err != nil {
		if errors.Is(err, monitor.ErrNotRunning) {
			writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// StreamEvents 以 Server-Sent Events 推送实时事件
func (h *GeofenceHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sub := h.monitor.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("Failed to marshal event", zap.String("event_id", event.EventID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
