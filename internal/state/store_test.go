package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-geofence/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

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

func TestStore_GetCreatesOutsideDefault(t *testing.T) {
	s := NewStore(nil)

	st := s.Get("dev1", "gf1")
	assert.Equal(t, models.StatusOutside, st.Status)
	assert.True(t, st.Fresh())
	assert.Equal(t, 1, s.Len())

	// 再次获取不重复创建
	_ = s.Get("dev1", "gf1")
	assert.Equal(t, 1, s.Len())
}

func TestStore_PutAndGet(t *testing.T) {
	s := NewStore(nil)
	now := time.Now()

	err := s.Put("dev1", "gf1", models.TransitionState{
		Status:          models.StatusInside,
		EnteredAt:       &now,
		LastEvaluatedAt: now,
	})
	require.NoError(t, err)

	st := s.Get("dev1", "gf1")
	assert.Equal(t, models.StatusInside, st.Status)
	require.NotNil(t, st.EnteredAt)
	assert.True(t, st.EnteredAt.Equal(now))
}

func TestStore_PutRejectsCorruptedState(t *testing.T) {
	s := NewStore(nil)

	err := s.Put("dev1", "gf1", models.TransitionState{Status: models.StatusDwelling})
	assert.ErrorIs(t, err, models.ErrStateCorrupted)
	assert.Equal(t, 0, s.Len())
}

func TestStore_PruneIdleSince(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(clock.Now)

	require.NoError(t, s.Put("dev1", "gf1", models.TransitionState{Status: models.StatusOutside, LastEvaluatedAt: clock.Now()}))
	clock.Advance(10 * time.Minute)
	require.NoError(t, s.Put("dev2", "gf1", models.TransitionState{Status: models.StatusOutside, LastEvaluatedAt: clock.Now()}))

	clock.Advance(6 * time.Minute)
	removed := s.PruneIdleSince(15 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())

	// 被删除的对重新从 Outside 开始
	st := s.Get("dev1", "gf1")
	assert.True(t, st.Fresh())
	assert.Equal(t, models.StatusOutside, st.Status)
}

func TestStore_DeleteGeofence(t *testing.T) {
	s := NewStore(nil)
	now := time.Now()
	for _, dev := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(dev, "gf1", models.TransitionState{Status: models.StatusOutside, LastEvaluatedAt: now}))
		require.NoError(t, s.Put(dev, "gf2", models.TransitionState{Status: models.StatusOutside, LastEvaluatedAt: now}))
	}

	assert.Equal(t, 3, s.DeleteGeofence("gf1"))
	assert.Equal(t, 3, s.Len())
	assert.Len(t, s.Snapshot(), 3)
}

func TestStore_PeekAndDelete(t *testing.T) {
	s := NewStore(nil)

	_, ok := s.Peek("dev1", "gf1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "Peek must not create a default")

	now := time.Now()
	require.NoError(t, s.Put("dev1", "gf1", models.TransitionState{Status: models.StatusOutside, LastEvaluatedAt: now}))
	require.NoError(t, s.Put("dev1", "gf2", models.TransitionState{Status: models.StatusOutside, LastEvaluatedAt: now}))

	st, ok := s.Peek("dev1", "gf1")
	require.True(t, ok)
	assert.False(t, st.Fresh())

	s.Delete("dev1", "gf1")
	_, ok = s.Peek("dev1", "gf1")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	// 删除不存在的对无副作用
	s.Delete("dev9", "gf1")
	assert.Equal(t, 1, s.Len())
}

func TestStore_SnapshotSkipsFreshEntries(t *testing.T) {
	s := NewStore(nil)
	_ = s.Get("dev1", "gf1")
	require.NoError(t, s.Put("dev1", "gf2", models.TransitionState{Status: models.StatusOutside, LastEvaluatedAt: time.Now()}))

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "gf2", entries[0].GeofenceID)
}

func TestStore_ConcurrentDevices(t *testing.T) {
	s := NewStore(nil)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dev := fmt.Sprintf("dev-%d", i)
			for j := 0; j < 20; j++ {
				gf := fmt.Sprintf("gf-%d", j)
				_ = s.Get(dev, gf)
				_ = s.Put(dev, gf, models.TransitionState{Status: models.StatusOutside, LastEvaluatedAt: now})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, s.Len())
}
