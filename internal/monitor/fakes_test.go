package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"wisefido-geofence/internal/evaluator"
	"wisefido-geofence/internal/geometry"
	"wisefido-geofence/internal/models"
	"wisefido-geofence/internal/state"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeGeofenceSource 每次订阅返回新 channel；failFirst 次订阅直接失败
type fakeGeofenceSource struct {
	mu        sync.Mutex
	ch        chan GeofenceSnapshot
	calls     int
	failFirst int
}

func newFakeGeofenceSource() *fakeGeofenceSource { return &fakeGeofenceSource{} }

func (f *fakeGeofenceSource) WatchEnabledGeofences(ctx context.Context, userID string) (<-chan GeofenceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errors.New("geofence backend unavailable")
	}
	f.ch = make(chan GeofenceSnapshot, 8)
	return f.ch, nil
}

func (f *fakeGeofenceSource) Push(gs ...models.Geofence) {
	snapshot := make(GeofenceSnapshot, len(gs))
	for _, g := range gs {
		snapshot[g.GeofenceID] = g
	}
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- snapshot
}

func (f *fakeGeofenceSource) Subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch != nil
}

func (f *fakeGeofenceSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePositionSource struct {
	ch chan models.PositionFix
}

func (f *fakePositionSource) Fixes(ctx context.Context) (<-chan models.PositionFix, error) {
	return f.ch, nil
}

type fakeMotionSource struct {
	ch chan models.MotionSample
}

func (f *fakeMotionSource) Motion(ctx context.Context) (<-chan models.MotionSample, error) {
	return f.ch, nil
}

type fakeBatterySource struct {
	mu      sync.Mutex
	reading models.BatteryReading
	err     error
}

func (f *fakeBatterySource) ReadBattery(ctx context.Context) (models.BatteryReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, f.err
}

type fakeSink struct {
	mu     sync.Mutex
	events []models.GeofenceEvent
	err    error
	delay  time.Duration
}

func (f *fakeSink) Record(ctx context.Context, event models.GeofenceEvent) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSink) Events() []models.GeofenceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.GeofenceEvent(nil), f.events...)
}

type fakeExporter struct {
	mu      sync.Mutex
	entries []state.Entry
	writes  int
}

func (f *fakeExporter) WriteAll(ctx context.Context, userID string, entries []state.Entry, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
	f.writes++
	return nil
}

func (f *fakeExporter) Last() []state.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries
}

type corruptEvaluator struct{}

func (corruptEvaluator) Evaluate(models.PositionFix, []evaluator.Target) ([]models.GeofenceEvent, error) {
	return nil, models.ErrStateCorrupted
}

func metersNorth(meters float64) models.Coordinate {
	return models.Coordinate{Latitude: meters / geometry.EarthRadiusMeters * 180 / math.Pi}
}

func fixAt(device string, meters float64, offset time.Duration) models.PositionFix {
	c := metersNorth(meters)
	return models.PositionFix{DeviceID: device, Latitude: c.Latitude, Longitude: c.Longitude, Timestamp: t0.Add(offset)}
}

// circleAt 以赤道上经度 lon 为中心、半径 100m 的圆
func circleAt(id string, lon float64) models.Geofence {
	return models.Geofence{
		GeofenceID: id,
		UserID:     "user1",
		Shape:      models.Circle(models.Coordinate{Longitude: lon}, 100),
		Trigger:    models.TriggerConfig{OnEnter: true, OnExit: true},
		Enabled:    true,
		Version:    1,
	}
}
