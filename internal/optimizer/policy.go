// Package optimizer 根据运动与电量信号决定评估频率
package optimizer

import (
	"math"
	"sync"
	"time"

	"wisefido-geofence/internal/models"
)

// StandardGravity 标准重力加速度（m/s²）
const StandardGravity = 9.80665

// Config 优化器配置
type Config struct {
	Enabled             bool
	BaseInterval        time.Duration // Active 模式评估间隔
	IdleInterval        time.Duration // Idle / BatterySaver 模式评估间隔
	StationaryThreshold float64       // 去重力后的平滑加速度阈值（m/s²）
	StationaryTimeout   time.Duration // 低于阈值持续多久进入 Idle
	SmoothingWindow     int           // 平滑窗口样本数
	BatteryLowPercent   float64       // 低电量阈值
	BatteryDebounce     time.Duration // 低电量持续多久进入 BatterySaver
	MovementMeters      float64       // 两次定位位移超过该值视为运动
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		BaseInterval:        30 * time.Second,
		IdleInterval:        180 * time.Second,
		StationaryThreshold: 0.3,
		StationaryTimeout:   3 * time.Minute,
		SmoothingWindow:     10,
		BatteryLowPercent:   20,
		BatteryDebounce:     time.Minute,
		MovementMeters:      50,
	}
}

// Policy 评估频率策略
// 模式对所有设备共享，间隔闸门按设备独立
type Policy struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	mode         models.OptimizerMode
	batteryLevel float64
	isCharging   bool
	stationary   bool

	samples    []float64 // 环形缓冲
	sampleNext int
	sampleFull bool
	quietSince *time.Time
	lowSince   *time.Time

	lastEvaluated map[string]time.Time

	totalEvaluations int64
	throttledCount   int64
}

// NewPolicy 创建策略，now 为 nil 时使用 time.Now
func NewPolicy(cfg Config, now func() time.Time) *Policy {
	if now == nil {
		now = time.Now
	}
	if cfg.SmoothingWindow <= 0 {
		cfg.SmoothingWindow = 1
	}
	p := &Policy{
		cfg:           cfg,
		now:           now,
		mode:          models.ModeActive,
		batteryLevel:  100,
		samples:       make([]float64, cfg.SmoothingWindow),
		lastEvaluated: make(map[string]time.Time),
	}
	if !cfg.Enabled {
		p.mode = models.ModeDisabled
	}
	return p
}

// ShouldEvaluate 按设备执行间隔闸门，允许时记录本次评估时间
func (p *Policy) ShouldEvaluate(deviceID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	interval := p.intervalLocked()
	last, ok := p.lastEvaluated[deviceID]
	if ok && now.Sub(last) < interval {
		p.throttledCount++
		return false
	}
	p.lastEvaluated[deviceID] = now
	p.totalEvaluations++
	return true
}

// NextAllowed 设备下次允许评估的时间
func (p *Policy) NextAllowed(deviceID string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.lastEvaluated[deviceID]
	if !ok {
		return time.Time{}
	}
	return last.Add(p.intervalLocked())
}

// ObserveMotion 处理加速度样本
func (p *Policy) ObserveMotion(sample models.MotionSample) {
	if math.IsNaN(sample.Magnitude) || math.IsInf(sample.Magnitude, 0) {
		return
	}
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples[p.sampleNext] = math.Abs(sample.Magnitude - StandardGravity)
	p.sampleNext = (p.sampleNext + 1) % len(p.samples)
	if p.sampleNext == 0 {
		p.sampleFull = true
	}

	if p.smoothedLocked() >= p.cfg.StationaryThreshold {
		p.markMovingLocked()
		return
	}

	if p.quietSince == nil {
		p.quietSince = &ts
	}
	if !p.stationary && ts.Sub(*p.quietSince) >= p.cfg.StationaryTimeout {
		p.stationary = true
		p.updateModeLocked()
	}
}

// ObserveDisplacement 定位位移检查，超过阈值视为运动
func (p *Policy) ObserveDisplacement(meters float64) {
	if p.cfg.MovementMeters <= 0 || meters < p.cfg.MovementMeters {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markMovingLocked()
}

// ObserveBattery 处理电量读数
func (p *Policy) ObserveBattery(reading models.BatteryReading) {
	ts := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	startedCharging := reading.IsCharging && !p.isCharging
	p.batteryLevel = reading.LevelPercent
	p.isCharging = reading.IsCharging

	if startedCharging {
		// 开始充电立即恢复 Active，静止计时重新开始
		p.lowSince = nil
		p.stationary = false
		p.quietSince = nil
		p.updateModeLocked()
		return
	}

	if p.batteryLevel < p.cfg.BatteryLowPercent && !p.isCharging {
		if p.lowSince == nil {
			p.lowSince = &ts
		}
	} else {
		p.lowSince = nil
	}
	p.updateModeLocked()
}

// Tick 周期性重新评估模式（低电量去抖到期）
func (p *Policy) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateModeLocked()
}

// Mode 当前模式
func (p *Policy) Mode() models.OptimizerMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// State 状态快照
func (p *Policy) State() models.OptimizerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.OptimizerState{
		Mode:                   p.mode,
		BatteryLevelPercent:    p.batteryLevel,
		IsCharging:             p.isCharging,
		IsStationary:           p.stationary,
		CurrentIntervalSeconds: p.intervalLocked().Seconds(),
		TotalEvaluations:       p.totalEvaluations,
		ThrottledCount:         p.throttledCount,
	}
}

// PruneIdleSince 清理超过 threshold 未评估设备的闸门记录，返回清理数量
func (p *Policy) PruneIdleSince(threshold time.Duration) int {
	cutoff := p.now().Add(-threshold)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for device, last := range p.lastEvaluated {
		if last.Before(cutoff) {
			delete(p.lastEvaluated, device)
			removed++
		}
	}
	return removed
}

func (p *Policy) markMovingLocked() {
	p.quietSince = nil
	if p.stationary {
		p.stationary = false
		p.updateModeLocked()
	}
}

func (p *Policy) smoothedLocked() float64 {
	n := p.sampleNext
	if p.sampleFull {
		n = len(p.samples)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += p.samples[i]
	}
	return sum / float64(n)
}

// updateModeLocked 电量优先于静止；进入节流模式前的去抖由 lowSince / quietSince 完成
func (p *Policy) updateModeLocked() {
	if p.mode == models.ModeDisabled {
		return
	}

	previous := p.mode
	switch {
	case p.lowSince != nil && p.now().Sub(*p.lowSince) >= p.cfg.BatteryDebounce:
		p.mode = models.ModeBatterySaver
	case p.stationary:
		p.mode = models.ModeIdle
	default:
		p.mode = models.ModeActive
	}

	if p.mode == models.ModeActive && previous != models.ModeActive {
		// 恢复时立即放开所有闸门
		for device := range p.lastEvaluated {
			delete(p.lastEvaluated, device)
		}
	}
}

func (p *Policy) intervalLocked() time.Duration {
	switch p.mode {
	case models.ModeActive:
		return p.cfg.BaseInterval
	case models.ModeIdle, models.ModeBatterySaver:
		return p.cfg.IdleInterval
	default:
		return 0
	}
}
