package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wisefido-geofence/internal/models"
)

// GeofenceEventsRepository 围栏事件仓库
type GeofenceEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGeofenceEventsRepository 创建围栏事件仓库
func NewGeofenceEventsRepository(db *sql.DB, logger *zap.Logger) *GeofenceEventsRepository {
	return &GeofenceEventsRepository{
		db:     db,
		logger: logger,
	}
}

// GeofenceEventFilters 围栏事件过滤条件
type GeofenceEventFilters struct {
	StartTime  *time.Time // occurred_at >= StartTime
	EndTime    *time.Time // occurred_at <= EndTime
	DeviceID   *string
	GeofenceID *string
	EventType  *models.EventType
}

// CreateGeofenceEvent 写入围栏事件，event_id 重复时忽略（幂等）
func (r *GeofenceEventsRepository) CreateGeofenceEvent(ctx context.Context, event *models.GeofenceEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" || event.UserID == "" {
		return fmt.Errorf("event_id and user_id are required")
	}

	query := `
		INSERT INTO geofence_events (
			event_id,
			user_id,
			device_id,
			geofence_id,
			geofence_version,
			event_type,
			occurred_at,
			latitude,
			longitude,
			dwell_duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`

	var dwell sql.NullInt64
	if event.DwellDurationMs != nil {
		dwell = sql.NullInt64{Int64: *event.DwellDurationMs, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.UserID,
		event.DeviceID,
		event.GeofenceID,
		event.GeofenceVersion,
		string(event.Type),
		event.OccurredAt,
		event.Position.Latitude,
		event.Position.Longitude,
		dwell,
	)
	if err != nil {
		return fmt.Errorf("failed to create geofence event: %w", err)
	}
	return nil
}

// ListGeofenceEvents 分页查询用户的围栏事件，按 occurred_at 倒序
func (r *GeofenceEventsRepository) ListGeofenceEvents(
	ctx context.Context,
	userID string,
	filters GeofenceEventFilters,
	page, size int,
) ([]*models.GeofenceEvent, int, error) {
	if userID == "" {
		return []*models.GeofenceEvent{}, 0, nil
	}
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}

	args := []interface{}{userID}
	argN := 2
	where := []string{"user_id = $1"}

	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("occurred_at >= $%d", argN))
		args = append(args, *filters.StartTime)
		argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("occurred_at <= $%d", argN))
		args = append(args, *filters.EndTime)
		argN++
	}
	if filters.DeviceID != nil {
		where = append(where, fmt.Sprintf("device_id = $%d", argN))
		args = append(args, *filters.DeviceID)
		argN++
	}
	if filters.GeofenceID != nil {
		where = append(where, fmt.Sprintf("geofence_id = $%d", argN))
		args = append(args, *filters.GeofenceID)
		argN++
	}
	if filters.EventType != nil {
		where = append(where, fmt.Sprintf("event_type = $%d", argN))
		args = append(args, string(*filters.EventType))
		argN++
	}
	whereClause := strings.Join(where, " AND ")

	// 总数
	var total int
	countQuery := `SELECT COUNT(*) FROM geofence_events WHERE ` + whereClause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count geofence events: %w", err)
	}

	listQuery := fmt.Sprintf(`
		SELECT
			event_id,
			user_id,
			device_id,
			geofence_id,
			geofence_version,
			event_type,
			occurred_at,
			latitude,
			longitude,
			dwell_duration_ms
		FROM geofence_events
		WHERE %s
		ORDER BY occurred_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argN, argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list geofence events: %w", err)
	}
	defer rows.Close()

	events := []*models.GeofenceEvent{}
	for rows.Next() {
		var event models.GeofenceEvent
		var eventType string
		var dwell sql.NullInt64
		if err := rows.Scan(
			&event.EventID,
			&event.UserID,
			&event.DeviceID,
			&event.GeofenceID,
			&event.GeofenceVersion,
			&eventType,
			&event.OccurredAt,
			&event.Position.Latitude,
			&event.Position.Longitude,
			&dwell,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan geofence event: %w", err)
		}
		event.Type = models.EventType(eventType)
		if dwell.Valid {
			event.DwellDurationMs = &dwell.Int64
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate geofence events: %w", err)
	}
	return events, total, nil
}
