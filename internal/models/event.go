package models

import "time"

// EventType 围栏事件类型
type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
	EventDwell EventType = "dwell"
)

// GeofenceEvent 围栏事件（对应 geofence_events 表）
type GeofenceEvent struct {
	EventID         string     `json:"event_id" db:"event_id"`
	UserID          string     `json:"user_id" db:"user_id"`
	DeviceID        string     `json:"device_id" db:"device_id"`
	GeofenceID      string     `json:"geofence_id" db:"geofence_id"`
	GeofenceVersion int64      `json:"geofence_version" db:"geofence_version"`
	Type            EventType  `json:"type" db:"event_type"`
	OccurredAt      time.Time  `json:"occurred_at" db:"occurred_at"`
	Position        Coordinate `json:"position" db:"position"`
	DwellDurationMs *int64     `json:"dwell_duration_ms,omitempty" db:"dwell_duration_ms"` // 仅 Dwell
}
