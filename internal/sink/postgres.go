package sink

import (
	"context"

	"wisefido-geofence/internal/models"
)

// EventWriter 事件入库接口（*repository.GeofenceEventsRepository 实现）
type EventWriter interface {
	CreateGeofenceEvent(ctx context.Context, event *models.GeofenceEvent) error
}

// PostgresSink 写入 geofence_events 表，event_id 幂等
type PostgresSink struct {
	repo EventWriter
}

// NewPostgresSink 创建 PostgreSQL Sink
func NewPostgresSink(repo EventWriter) *PostgresSink {
	return &PostgresSink{repo: repo}
}

func (s *PostgresSink) Record(ctx context.Context, event models.GeofenceEvent) error {
	return s.repo.CreateGeofenceEvent(ctx, &event)
}
