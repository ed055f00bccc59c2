package models

import "time"

// OptimizerMode 评估频率模式
type OptimizerMode string

const (
	ModeDisabled     OptimizerMode = "disabled"
	ModeActive       OptimizerMode = "active"
	ModeIdle         OptimizerMode = "idle"
	ModeBatterySaver OptimizerMode = "battery_saver"
)

// MotionSample 加速度计样本，Magnitude 为含重力的合加速度（m/s²）
type MotionSample struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Magnitude float64   `json:"magnitude"`
	Timestamp time.Time `json:"timestamp"`
}

// BatteryReading 电量读数
type BatteryReading struct {
	LevelPercent float64   `json:"level_percent"`
	IsCharging   bool      `json:"is_charging"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// OptimizerState 优化器状态快照
// TotalEvaluations / ThrottledCount 仅用于诊断
type OptimizerState struct {
	Mode                   OptimizerMode `json:"mode"`
	BatteryLevelPercent    float64       `json:"battery_level_percent"`
	IsCharging             bool          `json:"is_charging"`
	IsStationary           bool          `json:"is_stationary"`
	CurrentIntervalSeconds float64       `json:"current_interval_seconds"`
	TotalEvaluations       int64         `json:"total_evaluations"`
	ThrottledCount         int64         `json:"throttled_count"`
}
