// Package evaluator 对单个定位点计算围栏转移与事件
package evaluator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-geofence/internal/geometry"
	"wisefido-geofence/internal/models"
	"wisefido-geofence/internal/state"
)

// Config 评估器配置
type Config struct {
	// ExitDebounce 在外部持续多久才计为 Exit，0 表示不防抖
	ExitDebounce time.Duration
}

// Target 一个待评估的围栏
type Target struct {
	Geofence *models.Geofence
	// Baseline 为 true 时，对从未评估过的对只建立基线，不发 Enter（会话中途启用的围栏）
	Baseline bool
}

func (t Target) geofenceID() string {
	if t.Geofence == nil {
		return ""
	}
	return t.Geofence.GeofenceID
}

// Evaluator 围栏评估器
type Evaluator struct {
	store   *state.Store
	builder *EventBuilder
	config  Config
	logger  *zap.Logger

	// 已记录过的非法形状（geofence_id@version），每个版本只记录一次
	invalidShapes sync.Map
}

// NewEvaluator 创建评估器
func NewEvaluator(userID string, store *state.Store, cfg Config, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:   store,
		builder: NewEventBuilder(userID),
		config:  cfg,
		logger:  logger,
	}
}

// Evaluate 对一个定位点评估全部目标围栏
// 单个围栏的失败只记录日志并跳过；只有 ErrStateCorrupted 作为致命错误返回
func (e *Evaluator) Evaluate(fix models.PositionFix, targets []Target) ([]models.GeofenceEvent, error) {
	if err := fix.Validate(); err != nil {
		return nil, err
	}

	var events []models.GeofenceEvent
	for _, target := range targets {
		event, err := e.evaluateOne(fix, target)
		if err != nil {
			if errors.Is(err, models.ErrStateCorrupted) {
				return events, err
			}
			e.logger.Error("Failed to evaluate geofence",
				zap.String("device_id", fix.DeviceID),
				zap.String("geofence_id", target.geofenceID()),
				zap.Error(err),
			)
			continue
		}
		if event != nil {
			events = append(events, *event)
		}
	}
	return events, nil
}

func (e *Evaluator) evaluateOne(fix models.PositionFix, target Target) (event *models.GeofenceEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			event = nil
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
	}()

	g := target.Geofence
	if g == nil {
		return nil, errors.New("nil geofence")
	}
	if err := geometry.Validate(g.Shape); err != nil {
		e.logInvalidShapeOnce(g, err)
		return nil, nil
	}

	s := e.store.Get(fix.DeviceID, g.GeofenceID)
	if !s.Fresh() && fix.Timestamp.Before(s.LastEvaluatedAt) {
		// 乱序到达的旧定位点不改变状态
		e.logger.Debug("Stale fix ignored",
			zap.String("device_id", fix.DeviceID),
			zap.String("geofence_id", g.GeofenceID),
			zap.Time("fix_time", fix.Timestamp),
			zap.Time("last_evaluated_at", s.LastEvaluatedAt),
		)
		return nil, nil
	}

	inside := geometry.Contains(g.Shape, fix.Position())
	next, event := e.transition(s, inside, fix, target)

	pos := fix.Position()
	next.LastEvaluatedAt = fix.Timestamp
	next.LastPosition = &pos

	if err := e.store.Put(fix.DeviceID, g.GeofenceID, next); err != nil {
		return nil, err
	}
	return event, nil
}

// transition 转移表
func (e *Evaluator) transition(
	s models.TransitionState,
	inside bool,
	fix models.PositionFix,
	target Target,
) (models.TransitionState, *models.GeofenceEvent) {
	g := target.Geofence
	ts := fix.Timestamp
	next := s

	switch s.Status {
	case models.StatusOutside:
		if !inside {
			return next, nil
		}
		next.Status = models.StatusInside
		next.EnteredAt = &ts
		next.DwellFired = false
		next.ExitPendingSince = nil
		if target.Baseline && s.Fresh() {
			next.Baseline = true
			return next, nil
		}
		if g.Trigger.OnEnter {
			ev := e.builder.Build(models.EventEnter, fix, g, nil)
			return next, &ev
		}
		return next, nil

	case models.StatusInside, models.StatusDwelling:
		if inside {
			next.ExitPendingSince = nil
			if s.Status == models.StatusDwelling || s.DwellFired || s.Baseline || g.Trigger.DwellSeconds == nil {
				return next, nil
			}
			elapsed := ts.Sub(*s.EnteredAt)
			if elapsed < time.Duration(*g.Trigger.DwellSeconds)*time.Second {
				return next, nil
			}
			next.Status = models.StatusDwelling
			next.DwellFired = true
			ev := e.builder.Build(models.EventDwell, fix, g, &elapsed)
			return next, &ev
		}

		if e.config.ExitDebounce > 0 {
			if s.ExitPendingSince == nil {
				next.ExitPendingSince = &ts
				return next, nil
			}
			if ts.Sub(*s.ExitPendingSince) < e.config.ExitDebounce {
				return next, nil
			}
		}

		next = models.NewOutsideState()
		// 基线会话没有 Enter，因此也不发 Exit
		if g.Trigger.OnExit && !s.Baseline {
			ev := e.builder.Build(models.EventExit, fix, g, nil)
			return next, &ev
		}
		return next, nil
	}

	// 未知状态已被 Store.Put 的不变量校验拦截
	return next, nil
}

func (e *Evaluator) logInvalidShapeOnce(g *models.Geofence, err error) {
	key := fmt.Sprintf("%s@%d", g.GeofenceID, g.Version)
	if _, loaded := e.invalidShapes.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	e.logger.Warn("Invalid geofence shape, skipping",
		zap.String("geofence_id", g.GeofenceID),
		zap.Int64("version", g.Version),
		zap.String("shape_type", string(g.Shape.Type)),
		zap.Error(err),
	)
}
