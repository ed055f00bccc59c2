package monitor

import (
	"context"
	"time"

	"wisefido-geofence/internal/models"
	"wisefido-geofence/internal/state"
)

// GeofenceSnapshot 启用围栏的完整集合（geofenceId -> Geofence），每次推送整体替换
type GeofenceSnapshot map[string]models.Geofence

// GeofenceSource 围栏定义订阅
// 返回的 channel 在 ctx 取消或上游断开时关闭
type GeofenceSource interface {
	WatchEnabledGeofences(ctx context.Context, userID string) (<-chan GeofenceSnapshot, error)
}

// PositionSource 定位点订阅
type PositionSource interface {
	Fixes(ctx context.Context) (<-chan models.PositionFix, error)
}

// MotionSource 加速度样本订阅
type MotionSource interface {
	Motion(ctx context.Context) (<-chan models.MotionSample, error)
}

// BatterySource 电量读取（由 Monitor 定时轮询）
type BatterySource interface {
	ReadBattery(ctx context.Context) (models.BatteryReading, error)
}

// EventSink 事件持久化（异步调用，重试由 sink 自己负责）
type EventSink interface {
	Record(ctx context.Context, event models.GeofenceEvent) error
}

// StateExporter 转移状态导出
type StateExporter interface {
	WriteAll(ctx context.Context, userID string, entries []state.Entry, ttl time.Duration) error
}
