package sink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wisefido-geofence/internal/models"
)

// Sink 事件落地（实现 monitor.EventSink）
type Sink interface {
	Record(ctx context.Context, event models.GeofenceEvent) error
}

// Named 带名称的 Sink，用于日志
type Named struct {
	Name string
	Sink Sink
}

// Multi 扇出到多个 Sink：单个失败不影响其余，返回合并错误
type Multi struct {
	sinks  []Named
	logger *zap.Logger
}

// NewMulti 创建扇出 Sink
func NewMulti(logger *zap.Logger, sinks ...Named) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

// Len 已配置的 Sink 数量
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Record 依次写入所有 Sink，失败只在 Debug 级别记录，由调用方统一记录合并错误
func (m *Multi) Record(ctx context.Context, event models.GeofenceEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Record(ctx, event); err != nil {
			m.logger.Debug("Sink record failed",
				zap.String("sink", s.Name),
				zap.String("event_id", event.EventID),
				zap.String("device_id", event.DeviceID),
				zap.String("geofence_id", event.GeofenceID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
