package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 状态不存在
var ErrCacheMiss = errors.New("state cache miss")

// DefaultKeyPrefix 状态导出键前缀
const DefaultKeyPrefix = "geofence:state:"

// SnapshotWriter 将内存中的转移状态导出到 Redis，供宿主应用查看
// 只写不读：重启后所有对仍从 Outside 开始
type SnapshotWriter struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewSnapshotWriter 创建快照写入器
func NewSnapshotWriter(client *redis.Client, keyPrefix string, logger *zap.Logger) *SnapshotWriter {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &SnapshotWriter{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// StateKey 构建状态键 geofence:state:{user}:{device}:{geofence}
func (w *SnapshotWriter) StateKey(userID, deviceID, geofenceID string) string {
	return fmt.Sprintf("%s%s:%s:%s", w.keyPrefix, userID, deviceID, geofenceID)
}

// WriteAll 通过 pipeline 批量写入（带 TTL）
func (w *SnapshotWriter) WriteAll(ctx context.Context, userID string, entries []Entry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for _, e := range entries {
		data, err := json.Marshal(e.State)
		if err != nil {
			w.logger.Warn("Failed to marshal transition state",
				zap.String("device_id", e.DeviceID),
				zap.String("geofence_id", e.GeofenceID),
				zap.Error(err),
			)
			continue
		}
		pipe.Set(ctx, w.StateKey(userID, e.DeviceID, e.GeofenceID), data, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write state snapshot: %w", err)
	}

	w.logger.Debug("State snapshot written",
		zap.String("user_id", userID),
		zap.Int("count", len(entries)),
	)
	return nil
}

// GetState 读取单个导出状态
func (w *SnapshotWriter) GetState(ctx context.Context, userID, deviceID, geofenceID string, dest interface{}) error {
	key := w.StateKey(userID, deviceID, geofenceID)
	val, err := w.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrCacheMiss, key)
		}
		return fmt.Errorf("failed to get state: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return nil
}
