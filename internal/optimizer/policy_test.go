package optimizer

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

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

func newTestPolicy() (*Policy, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.SmoothingWindow = 3
	return NewPolicy(cfg, clock.Now), clock
}

func still(ts time.Time) models.MotionSample {
	return models.MotionSample{Magnitude: StandardGravity + 0.05, Timestamp: ts}
}

func moving(ts time.Time) models.MotionSample {
	return models.MotionSample{Magnitude: StandardGravity + 4, Timestamp: ts}
}

func TestPolicy_DefaultActive(t *testing.T) {
	p, clock := newTestPolicy()

	assert.Equal(t, models.ModeActive, p.Mode())
	assert.True(t, p.ShouldEvaluate("dev1", clock.Now()))
	assert.False(t, p.ShouldEvaluate("dev1", clock.Now().Add(10*time.Second)))
	assert.True(t, p.ShouldEvaluate("dev1", clock.Now().Add(30*time.Second)))

	// 不同设备独立计时
	assert.True(t, p.ShouldEvaluate("dev2", clock.Now().Add(10*time.Second)))

	st := p.State()
	assert.Equal(t, int64(3), st.TotalEvaluations)
	assert.Equal(t, int64(1), st.ThrottledCount)
	assert.Equal(t, 30.0, st.CurrentIntervalSeconds)
}

func TestPolicy_EnterIdleAfterStationaryTimeout(t *testing.T) {
	p, clock := newTestPolicy()

	for i := 0; i < 4; i++ {
		p.ObserveMotion(still(clock.Now()))
		clock.Advance(time.Minute)
	}
	assert.Equal(t, models.ModeIdle, p.Mode())
	assert.True(t, p.State().IsStationary)
	assert.Equal(t, 180.0, p.State().CurrentIntervalSeconds)
}

func TestPolicy_NotIdleBeforeTimeout(t *testing.T) {
	p, clock := newTestPolicy()

	p.ObserveMotion(still(clock.Now()))
	p.ObserveMotion(still(clock.Now().Add(2 * time.Minute)))
	assert.Equal(t, models.ModeActive, p.Mode())
}

func TestPolicy_MotionRecoversImmediately(t *testing.T) {
	p, clock := newTestPolicy()

	for i := 0; i < 4; i++ {
		p.ObserveMotion(still(clock.Now()))
		clock.Advance(time.Minute)
	}
	assert.True(t, p.ShouldEvaluate("dev1", clock.Now()))
	assert.False(t, p.ShouldEvaluate("dev1", clock.Now().Add(time.Minute)))

	// 一个强运动样本把平滑值拉过阈值
	p.ObserveMotion(moving(clock.Now()))
	assert.Equal(t, models.ModeActive, p.Mode())
	// 恢复后闸门立即放开
	assert.True(t, p.ShouldEvaluate("dev1", clock.Now().Add(time.Minute)))
}

func TestPolicy_DisplacementRecovers(t *testing.T) {
	p, clock := newTestPolicy()
	for i := 0; i < 4; i++ {
		p.ObserveMotion(still(clock.Now()))
		clock.Advance(time.Minute)
	}
	assert.Equal(t, models.ModeIdle, p.Mode())

	p.ObserveDisplacement(10)
	assert.Equal(t, models.ModeIdle, p.Mode())

	p.ObserveDisplacement(120)
	assert.Equal(t, models.ModeActive, p.Mode())
}

func TestPolicy_BatterySaver(t *testing.T) {
	p, clock := newTestPolicy()

	p.ObserveBattery(models.BatteryReading{LevelPercent: 15, IsCharging: false})
	// 去抖期内仍为 Active
	assert.Equal(t, models.ModeActive, p.Mode())

	clock.Advance(time.Minute)
	p.ObserveBattery(models.BatteryReading{LevelPercent: 14, IsCharging: false})
	assert.Equal(t, models.ModeBatterySaver, p.Mode())
	assert.Equal(t, 180.0, p.State().CurrentIntervalSeconds)

	// 开始充电立即恢复
	p.ObserveBattery(models.BatteryReading{LevelPercent: 14, IsCharging: true})
	assert.Equal(t, models.ModeActive, p.Mode())
	assert.True(t, p.State().IsCharging)
}

func TestPolicy_BatterySaverViaTick(t *testing.T) {
	p, clock := newTestPolicy()

	p.ObserveBattery(models.BatteryReading{LevelPercent: 10})
	clock.Advance(2 * time.Minute)
	p.Tick()
	assert.Equal(t, models.ModeBatterySaver, p.Mode())
}

func TestPolicy_BatteryOverridesIdle(t *testing.T) {
	p, clock := newTestPolicy()
	for i := 0; i < 4; i++ {
		p.ObserveMotion(still(clock.Now()))
		clock.Advance(time.Minute)
	}
	assert.Equal(t, models.ModeIdle, p.Mode())

	p.ObserveBattery(models.BatteryReading{LevelPercent: 5})
	clock.Advance(time.Minute)
	p.Tick()
	assert.Equal(t, models.ModeBatterySaver, p.Mode())

	// 电量恢复后回到 Idle（仍然静止）
	p.ObserveBattery(models.BatteryReading{LevelPercent: 80})
	assert.Equal(t, models.ModeIdle, p.Mode())
}

func TestPolicy_IdleThrottleWindow(t *testing.T) {
	p, clock := newTestPolicy()
	for i := 0; i < 4; i++ {
		p.ObserveMotion(still(clock.Now()))
		clock.Advance(time.Minute)
	}
	start := clock.Now()

	// 10 分钟内每 5 秒一个定位点
	var allowed []time.Duration
	for s := 0; s < 600; s += 5 {
		ts := start.Add(time.Duration(s) * time.Second)
		if p.ShouldEvaluate("dev1", ts) {
			allowed = append(allowed, ts.Sub(start))
		}
	}
	assert.Equal(t, []time.Duration{0, 180 * time.Second, 360 * time.Second, 540 * time.Second}, allowed)
	assert.Equal(t, models.ModeIdle, p.Mode())
}

func TestPolicy_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	p := NewPolicy(cfg, nil)

	assert.Equal(t, models.ModeDisabled, p.Mode())
	now := time.Now()
	assert.True(t, p.ShouldEvaluate("dev1", now))
	assert.True(t, p.ShouldEvaluate("dev1", now))

	// 信号不会把 Disabled 切换到其他模式
	p.ObserveBattery(models.BatteryReading{LevelPercent: 1})
	p.ObserveMotion(moving(now))
	assert.Equal(t, models.ModeDisabled, p.Mode())
	assert.Equal(t, 0.0, p.State().CurrentIntervalSeconds)
}

func TestPolicy_NextAllowedAndPrune(t *testing.T) {
	p, clock := newTestPolicy()

	assert.True(t, p.NextAllowed("dev1").IsZero())
	assert.True(t, p.ShouldEvaluate("dev1", clock.Now()))
	assert.True(t, p.NextAllowed("dev1").Equal(clock.Now().Add(30*time.Second)))

	clock.Advance(time.Hour)
	assert.Equal(t, 1, p.PruneIdleSince(30*time.Minute))
	assert.True(t, p.NextAllowed("dev1").IsZero())
}

func TestPolicy_IgnoresInvalidMotion(t *testing.T) {
	p, _ := newTestPolicy()
	p.ObserveMotion(models.MotionSample{Magnitude: math.NaN()})
	assert.Equal(t, models.ModeActive, p.Mode())
}
