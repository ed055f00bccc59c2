package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidShape 地理围栏形状非法（半径<=0、多边形顶点不足、坐标越界等）
var ErrInvalidShape = errors.New("invalid geofence shape")

// Coordinate WGS84 坐标（度）
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Valid 坐标是否有限且在合法范围内
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) ||
		math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// ShapeType 围栏形状类型
type ShapeType string

const (
	ShapeCircle  ShapeType = "circle"
	ShapePolygon ShapeType = "polygon"
)

// Shape 围栏形状：Circle 使用 Center + RadiusMeters，Polygon 使用 Vertices（有序，>=3 个点）
type Shape struct {
	Type         ShapeType    `json:"type"`
	Center       Coordinate   `json:"center,omitempty"`
	RadiusMeters float64      `json:"radius_meters,omitempty"`
	Vertices     []Coordinate `json:"vertices,omitempty"`
}

// Circle 构造圆形
func Circle(center Coordinate, radiusMeters float64) Shape {
	return Shape{Type: ShapeCircle, Center: center, RadiusMeters: radiusMeters}
}

// Polygon 构造多边形
func Polygon(vertices ...Coordinate) Shape {
	return Shape{Type: ShapePolygon, Vertices: vertices}
}

// Validate 校验形状是否可用于包含判断
func (s Shape) Validate() error {
	switch s.Type {
	case ShapeCircle:
		if !s.Center.Valid() {
			return fmt.Errorf("%w: circle center out of range", ErrInvalidShape)
		}
		if math.IsNaN(s.RadiusMeters) || s.RadiusMeters <= 0 {
			return fmt.Errorf("%w: circle radius must be > 0", ErrInvalidShape)
		}
	case ShapePolygon:
		if len(s.Vertices) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 vertices, got %d", ErrInvalidShape, len(s.Vertices))
		}
		for i, v := range s.Vertices {
			if !v.Valid() {
				return fmt.Errorf("%w: polygon vertex %d out of range", ErrInvalidShape, i)
			}
		}
	default:
		return fmt.Errorf("%w: unknown shape type %q", ErrInvalidShape, s.Type)
	}
	return nil
}

// TriggerConfig 触发配置
// DwellSeconds 为 nil 表示不触发 Dwell
type TriggerConfig struct {
	OnEnter      bool    `json:"on_enter"`
	OnExit       bool    `json:"on_exit"`
	DwellSeconds *uint32 `json:"dwell_seconds,omitempty"`
}

// Geofence 地理围栏定义（按版本不可变，编辑时整体替换）
type Geofence struct {
	GeofenceID string        `json:"geofence_id" db:"geofence_id"`
	UserID     string        `json:"user_id" db:"user_id"`
	Name       string        `json:"name" db:"name"`
	Shape      Shape         `json:"shape" db:"shape"` // JSONB
	Trigger    TriggerConfig `json:"trigger" db:"trigger_config"` // JSONB
	Enabled    bool          `json:"enabled" db:"enabled"`
	Version    int64         `json:"version" db:"version"`
}
