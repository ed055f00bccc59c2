package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wisefido-geofence/internal/models"
)

// ErrGeofenceNotFound 围栏不存在
var ErrGeofenceNotFound = errors.New("geofence not found")

// GeofenceRepository 围栏定义仓库（只读）
type GeofenceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGeofenceRepository 创建围栏仓库
func NewGeofenceRepository(db *sql.DB, logger *zap.Logger) *GeofenceRepository {
	return &GeofenceRepository{
		db:     db,
		logger: logger,
	}
}

const geofenceColumns = `
			geofence_id,
			user_id,
			name,
			shape,
			trigger_config,
			enabled,
			version`

// ListEnabledGeofences 查询用户的全部启用围栏
// 单条记录 JSON 解析失败时记录日志并跳过
func (r *GeofenceRepository) ListEnabledGeofences(ctx context.Context, userID string) ([]models.Geofence, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT` + geofenceColumns + `
		FROM geofences
		WHERE user_id = $1
		  AND enabled = TRUE
		ORDER BY geofence_id
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences: %w", err)
	}
	defer rows.Close()

	var geofences []models.Geofence
	for rows.Next() {
		g, err := scanGeofence(rows)
		if err != nil {
			r.logger.Warn("Skipping malformed geofence row",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		geofences = append(geofences, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate geofences: %w", err)
	}
	return geofences, nil
}

// GetGeofence 根据 geofence_id 获取围栏（需验证 user_id）
func (r *GeofenceRepository) GetGeofence(ctx context.Context, userID, geofenceID string) (*models.Geofence, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if geofenceID == "" {
		return nil, fmt.Errorf("geofence_id is required")
	}

	query := `
		SELECT` + geofenceColumns + `
		FROM geofences
		WHERE geofence_id = $1
		  AND user_id = $2
	`

	g, err := scanGeofence(r.db.QueryRowContext(ctx, query, geofenceID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: geofence_id=%s, user_id=%s", ErrGeofenceNotFound, geofenceID, userID)
		}
		return nil, fmt.Errorf("failed to get geofence: %w", err)
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGeofence(row rowScanner) (*models.Geofence, error) {
	var g models.Geofence
	var name sql.NullString
	var shape, trigger []byte

	if err := row.Scan(
		&g.GeofenceID,
		&g.UserID,
		&name,
		&shape,
		&trigger,
		&g.Enabled,
		&g.Version,
	); err != nil {
		return nil, err
	}
	if name.Valid {
		g.Name = name.String
	}

	// 处理 JSONB 字段
	if err := json.Unmarshal(shape, &g.Shape); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shape for %s: %w", g.GeofenceID, err)
	}
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &g.Trigger); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger_config for %s: %w", g.GeofenceID, err)
		}
	}
	return &g, nil
}
