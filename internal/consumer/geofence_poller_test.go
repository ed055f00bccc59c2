package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-geofence/internal/models"
)

type fakeLister struct {
	mu      sync.Mutex
	results [][]models.Geofence
	errs    []error
	calls   int
}

func (f *fakeLister) ListEnabledGeofences(_ context.Context, _ string) ([]models.Geofence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.results) {
		return f.results[len(f.results)-1], nil
	}
	return f.results[i], nil
}

func gf(id string, version int64) models.Geofence {
	return models.Geofence{
		GeofenceID: id,
		UserID:     "user-1",
		Shape:      models.Circle(models.Coordinate{Latitude: 1, Longitude: 1}, 100),
		Trigger:    models.TriggerConfig{OnEnter: true, OnExit: true},
		Enabled:    true,
		Version:    version,
	}
}

func TestGeofencePoller_InitialSnapshotAndChanges(t *testing.T) {
	lister := &fakeLister{
		results: [][]models.Geofence{
			{gf("a", 1)},
			{gf("a", 1)}, // 未变化，不推送
			{gf("a", 2), gf("b", 1)},
		},
	}
	poller := NewGeofencePoller(lister, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := poller.WatchEnabledGeofences(ctx, "user-1")
	require.NoError(t, err)

	first := <-ch
	require.Len(t, first, 1)
	assert.Equal(t, int64(1), first["a"].Version)

	select {
	case next := <-ch:
		require.Len(t, next, 2)
		assert.Equal(t, int64(2), next["a"].Version)
		assert.Contains(t, next, "b")
	case <-time.After(2 * time.Second):
		t.Fatal("expected changed snapshot")
	}

	cancel()
	for range ch {
	}
}

func TestGeofencePoller_InitialErrorReturned(t *testing.T) {
	lister := &fakeLister{errs: []error{errors.New("db down")}, results: [][]models.Geofence{nil}}
	poller := NewGeofencePoller(lister, time.Second, zap.NewNop())

	_, err := poller.WatchEnabledGeofences(context.Background(), "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestGeofencePoller_PollFailureKeepsLastSnapshot(t *testing.T) {
	lister := &fakeLister{
		results: [][]models.Geofence{{gf("a", 1)}, nil, {gf("b", 1)}},
		errs:    []error{nil, errors.New("timeout")},
	}
	poller := NewGeofencePoller(lister, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := poller.WatchEnabledGeofences(ctx, "user-1")
	require.NoError(t, err)
	<-ch

	select {
	case next := <-ch:
		require.Len(t, next, 1)
		assert.Contains(t, next, "b")
	case <-time.After(2 * time.Second):
		t.Fatal("expected snapshot after recovery")
	}
}

func TestBuildSnapshot_SkipsDisabled(t *testing.T) {
	disabled := gf("b", 1)
	disabled.Enabled = false

	snapshot, fingerprint := buildSnapshot([]models.Geofence{gf("c", 3), disabled, gf("a", 1)})
	assert.Len(t, snapshot, 2)
	assert.Equal(t, "a:1,c:3", fingerprint)
}
