// Package geometry 提供围栏包含判断（纯函数，无状态）
package geometry

import (
	"math"

	"wisefido-geofence/internal/models"
)

// EarthRadiusMeters 平均地球半径
const EarthRadiusMeters = 6371000.0

// HaversineMeters 两点间大圆距离（米）
func HaversineMeters(a, b models.Coordinate) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Validate 校验形状，非法形状在 Contains 中始终返回 false
func Validate(shape models.Shape) error {
	return shape.Validate()
}

// Contains 判断点是否在形状内
// 圆形：边界包含；多边形：(lat, lon) 平面上的奇偶规则射线法
// 任何非法输入（NaN、越界、退化多边形）返回 false
func Contains(shape models.Shape, point models.Coordinate) bool {
	if !point.Valid() {
		return false
	}
	switch shape.Type {
	case models.ShapeCircle:
		return containsCircle(shape, point)
	case models.ShapePolygon:
		return containsPolygon(shape.Vertices, point)
	default:
		return false
	}
}

func containsCircle(shape models.Shape, point models.Coordinate) bool {
	if !shape.Center.Valid() || math.IsNaN(shape.RadiusMeters) || shape.RadiusMeters <= 0 {
		return false
	}
	return HaversineMeters(shape.Center, point) <= shape.RadiusMeters
}

func containsPolygon(vertices []models.Coordinate, point models.Coordinate) bool {
	n := len(vertices)
	if n < 3 {
		return false
	}

	x, y := point.Longitude, point.Latitude
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := vertices[i], vertices[j]
		if !vi.Valid() || !vj.Valid() {
			return false
		}
		xi, yi := vi.Longitude, vi.Latitude
		xj, yj := vj.Longitude, vj.Latitude
		if (yi > y) != (yj > y) {
			crossX := (xj-xi)*(y-yi)/(yj-yi) + xi
			if x < crossX {
				inside = !inside
			}
		}
	}
	return inside
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
