package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidFix 定位点非法（缺少设备ID、坐标 NaN/越界、缺少时间戳）
var ErrInvalidFix = errors.New("invalid position fix")

// PositionFix 设备定位点
// UserID 可选：多用户共享的输入流中用于过滤，为空表示属于当前监控用户
type PositionFix struct {
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id,omitempty"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// Position 返回定位坐标
func (f PositionFix) Position() Coordinate {
	return Coordinate{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Validate 在边界处校验一次
func (f PositionFix) Validate() error {
	if f.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidFix)
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidFix)
	}
	if !f.Position().Valid() {
		return fmt.Errorf("%w: coordinate (%v, %v) out of range", ErrInvalidFix, f.Latitude, f.Longitude)
	}
	return nil
}
