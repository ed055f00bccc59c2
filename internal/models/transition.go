package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrStateCorrupted 转移状态违反不变量（不可恢复）
var ErrStateCorrupted = errors.New("transition state corrupted")

// TransitionStatus 设备相对围栏的状态
type TransitionStatus string

const (
	StatusOutside  TransitionStatus = "outside"
	StatusInside   TransitionStatus = "inside"
	StatusDwelling TransitionStatus = "dwelling"
)

// TransitionState (deviceId, geofenceId) 对的转移状态
type TransitionState struct {
	Status          TransitionStatus `json:"status"`
	EnteredAt       *time.Time       `json:"entered_at,omitempty"`
	DwellFired      bool             `json:"dwell_fired"`
	LastEvaluatedAt time.Time        `json:"last_evaluated_at"`
	LastPosition    *Coordinate      `json:"last_position,omitempty"`

	// ExitPendingSince 开启退出防抖时，首次观察到在外部的时间
	ExitPendingSince *time.Time `json:"exit_pending_since,omitempty"`
	// Baseline 会话由基线建立（未发出 Enter），该会话内不发 Dwell/Exit
	Baseline bool `json:"baseline,omitempty"`
}

// NewOutsideState 默认状态
func NewOutsideState() TransitionState {
	return TransitionState{Status: StatusOutside}
}

// Fresh 从未被评估过
func (s TransitionState) Fresh() bool {
	return s.LastEvaluatedAt.IsZero()
}

// CheckInvariants 校验状态不变量
func (s TransitionState) CheckInvariants() error {
	switch s.Status {
	case StatusOutside:
		if s.EnteredAt != nil || s.DwellFired || s.ExitPendingSince != nil || s.Baseline {
			return fmt.Errorf("%w: outside state carries session data", ErrStateCorrupted)
		}
	case StatusInside:
		if s.EnteredAt == nil {
			return fmt.Errorf("%w: inside without entered_at", ErrStateCorrupted)
		}
	case StatusDwelling:
		if s.EnteredAt == nil || !s.DwellFired {
			return fmt.Errorf("%w: dwelling without entered_at/dwell_fired", ErrStateCorrupted)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrStateCorrupted, s.Status)
	}
	return nil
}
