package evaluator

import (
	"time"

	"github.com/google/uuid"

	"wisefido-geofence/internal/models"
)

// EventBuilder 围栏事件构建器
type EventBuilder struct {
	userID string
}

// NewEventBuilder 创建事件构建器
func NewEventBuilder(userID string) *EventBuilder {
	return &EventBuilder{userID: userID}
}

// Build 构建围栏事件，dwell 仅对 Dwell 事件非 nil
func (b *EventBuilder) Build(
	eventType models.EventType,
	fix models.PositionFix,
	geofence *models.Geofence,
	dwell *time.Duration,
) models.GeofenceEvent {
	event := models.GeofenceEvent{
		EventID:         uuid.New().String(),
		UserID:          b.userID,
		DeviceID:        fix.DeviceID,
		GeofenceID:      geofence.GeofenceID,
		GeofenceVersion: geofence.Version,
		Type:            eventType,
		OccurredAt:      fix.Timestamp,
		Position:        fix.Position(),
	}
	if eventType == models.EventDwell && dwell != nil {
		ms := dwell.Milliseconds()
		event.DwellDurationMs = &ms
	}
	return event
}
