package consumer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"wisefido-geofence/internal/models"
	"wisefido-geofence/internal/monitor"
)

// GeofenceLister 围栏查询
type GeofenceLister interface {
	ListEnabledGeofences(ctx context.Context, userID string) ([]models.Geofence, error)
}

// GeofencePoller 定时轮询 PostgreSQL 中的启用围栏，集合变化时推送完整快照
type GeofencePoller struct {
	repo     GeofenceLister
	interval time.Duration
	logger   *zap.Logger
}

// NewGeofencePoller 创建围栏轮询器
func NewGeofencePoller(repo GeofenceLister, interval time.Duration, logger *zap.Logger) *GeofencePoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &GeofencePoller{
		repo:     repo,
		interval: interval,
		logger:   logger,
	}
}

// WatchEnabledGeofences 实现 monitor.GeofenceSource
// 首次查询失败返回错误；之后的失败只记录日志，保留上一次快照
func (p *GeofencePoller) WatchEnabledGeofences(ctx context.Context, userID string) (<-chan monitor.GeofenceSnapshot, error) {
	geofences, err := p.repo.ListEnabledGeofences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load geofences for %s: %w", userID, err)
	}

	out := newFeed[monitor.GeofenceSnapshot](ctx, 1)
	snapshot, fingerprint := buildSnapshot(geofences)
	out.send(snapshot)

	go func() {
		defer out.close()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				geofences, err := p.repo.ListEnabledGeofences(ctx, userID)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					failures++
					p.logger.Warn("Failed to poll geofences, keeping last snapshot",
						zap.String("user_id", userID),
						zap.Int("consecutive_failures", failures),
						zap.Error(err),
					)
					continue
				}
				failures = 0

				next, nextFingerprint := buildSnapshot(geofences)
				if nextFingerprint == fingerprint {
					continue
				}
				fingerprint = nextFingerprint
				p.logger.Debug("Geofence set changed",
					zap.String("user_id", userID),
					zap.Int("count", len(next)),
				)
				if !out.send(next) {
					return
				}
			}
		}
	}()

	return out.ch, nil
}

// buildSnapshot 构建快照与指纹（id:version 排序拼接）
func buildSnapshot(geofences []models.Geofence) (monitor.GeofenceSnapshot, string) {
	snapshot := make(monitor.GeofenceSnapshot, len(geofences))
	keys := make([]string, 0, len(geofences))
	for _, g := range geofences {
		if !g.Enabled {
			continue
		}
		snapshot[g.GeofenceID] = g
		keys = append(keys, fmt.Sprintf("%s:%d", g.GeofenceID, g.Version))
	}
	sort.Strings(keys)
	return snapshot, strings.Join(keys, ",")
}
