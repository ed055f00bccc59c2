package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"wisefido-geofence/internal/models"
)

// metersNorth 在赤道附近向北偏移 meters 米
func metersNorth(meters float64) models.Coordinate {
	return models.Coordinate{Latitude: meters / EarthRadiusMeters * 180 / math.Pi, Longitude: 0}
}

func TestHaversineMeters(t *testing.T) {
	origin := models.Coordinate{}
	assert.InDelta(t, 0, HaversineMeters(origin, origin), 1e-9)
	assert.InDelta(t, 100, HaversineMeters(origin, metersNorth(100)), 0.01)

	// 赤道上 1 度经度约 111.195km
	oneDegree := HaversineMeters(origin, models.Coordinate{Latitude: 0, Longitude: 1})
	assert.InDelta(t, 111195, oneDegree, 1)

	// 对称
	a := models.Coordinate{Latitude: 31.23, Longitude: 121.47}
	b := models.Coordinate{Latitude: 39.90, Longitude: 116.40}
	assert.InDelta(t, HaversineMeters(a, b), HaversineMeters(b, a), 1e-6)
}

func TestContains_Circle(t *testing.T) {
	circle := models.Circle(models.Coordinate{}, 100)

	assert.True(t, Contains(circle, models.Coordinate{}))
	assert.True(t, Contains(circle, metersNorth(50)))
	assert.True(t, Contains(circle, metersNorth(99.9)))
	assert.False(t, Contains(circle, metersNorth(200)))
	assert.False(t, Contains(circle, metersNorth(100.5)))
}

func TestContains_Polygon(t *testing.T) {
	square := models.Polygon(
		models.Coordinate{Latitude: 0, Longitude: 0},
		models.Coordinate{Latitude: 0, Longitude: 1},
		models.Coordinate{Latitude: 1, Longitude: 1},
		models.Coordinate{Latitude: 1, Longitude: 0},
	)

	assert.True(t, Contains(square, models.Coordinate{Latitude: 0.5, Longitude: 0.5}))
	assert.False(t, Contains(square, models.Coordinate{Latitude: 1.5, Longitude: 0.5}))
	assert.False(t, Contains(square, models.Coordinate{Latitude: 0.5, Longitude: -0.1}))

	// 凹多边形（U 形），缺口处在外部
	u := models.Polygon(
		models.Coordinate{Latitude: 0, Longitude: 0},
		models.Coordinate{Latitude: 0, Longitude: 3},
		models.Coordinate{Latitude: 3, Longitude: 3},
		models.Coordinate{Latitude: 3, Longitude: 2},
		models.Coordinate{Latitude: 1, Longitude: 2},
		models.Coordinate{Latitude: 1, Longitude: 1},
		models.Coordinate{Latitude: 3, Longitude: 1},
		models.Coordinate{Latitude: 3, Longitude: 0},
	)
	assert.True(t, Contains(u, models.Coordinate{Latitude: 2, Longitude: 0.5}))
	assert.True(t, Contains(u, models.Coordinate{Latitude: 2, Longitude: 2.5}))
	assert.False(t, Contains(u, models.Coordinate{Latitude: 2, Longitude: 1.5}))
	assert.True(t, Contains(u, models.Coordinate{Latitude: 0.5, Longitude: 1.5}))
}

func TestContains_InvalidInput(t *testing.T) {
	circle := models.Circle(models.Coordinate{}, 100)

	assert.False(t, Contains(circle, models.Coordinate{Latitude: math.NaN(), Longitude: 0}))
	assert.False(t, Contains(circle, models.Coordinate{Latitude: 0, Longitude: math.Inf(-1)}))
	assert.False(t, Contains(circle, models.Coordinate{Latitude: 95, Longitude: 0}))
	assert.False(t, Contains(models.Circle(models.Coordinate{}, 0), models.Coordinate{}))
	assert.False(t, Contains(models.Circle(models.Coordinate{}, math.NaN()), models.Coordinate{}))

	degenerate := models.Polygon(models.Coordinate{}, models.Coordinate{Latitude: 1})
	assert.False(t, Contains(degenerate, models.Coordinate{Latitude: 0.5}))
	assert.Error(t, Validate(degenerate))

	assert.False(t, Contains(models.Shape{Type: "unknown"}, models.Coordinate{}))
}
