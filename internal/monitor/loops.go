package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errSubscriptionClosed = errors.New("subscription closed")

func (m *Monitor) startLoops(s *session) {
	s.loopsWG.Add(1)
	go m.runSubscription(s, "geofences", func(ctx context.Context) error {
		ch, err := m.deps.Geofences.WatchEnabledGeofences(ctx, s.userID)
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case snapshot, ok := <-ch:
				if !ok {
					return errSubscriptionClosed
				}
				m.applyGeofences(s, snapshot)
			}
		}
	})

	if m.deps.Positions != nil {
		s.loopsWG.Add(1)
		go m.runSubscription(s, "positions", func(ctx context.Context) error {
			ch, err := m.deps.Positions.Fixes(ctx)
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case fix, ok := <-ch:
					if !ok {
						return errSubscriptionClosed
					}
					m.ProcessPosition(fix)
				}
			}
		})
	}

	if m.deps.Motion != nil {
		s.loopsWG.Add(1)
		go m.runSubscription(s, "motion", func(ctx context.Context) error {
			ch, err := m.deps.Motion.Motion(ctx)
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case sample, ok := <-ch:
					if !ok {
						return errSubscriptionClosed
					}
					s.policy.ObserveMotion(sample)
				}
			}
		})
	}

	if m.deps.Battery != nil && m.cfg.BatteryPollInterval > 0 {
		s.loopsWG.Add(1)
		go m.runBatteryPoll(s)
	}

	if m.cfg.SweepInterval > 0 {
		s.loopsWG.Add(1)
		go m.runSweeper(s)
	}
}

// runSubscription 订阅失败或断开时按指数退避重新订阅，期间沿用最后一次快照
func (m *Monitor) runSubscription(s *session, source string, consume func(ctx context.Context) error) {
	defer s.loopsWG.Done()

	backoff := m.cfg.ResubscribeMin
	for {
		started := m.now()
		err := consume(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errSubscriptionClosed
		}
		m.degraded(source, err)

		// 订阅维持过一段时间则重置退避
		if m.now().Sub(started) > m.cfg.ResubscribeMax {
			backoff = m.cfg.ResubscribeMin
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > m.cfg.ResubscribeMax {
			backoff = m.cfg.ResubscribeMax
		}
	}
}

func (m *Monitor) runBatteryPoll(s *session) {
	defer s.loopsWG.Done()

	m.pollBattery(s)

	ticker := time.NewTicker(m.cfg.BatteryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			m.pollBattery(s)
		}
	}
}

func (m *Monitor) pollBattery(s *session) {
	reading, err := m.deps.Battery.ReadBattery(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			m.degraded("battery", err)
		}
		s.policy.Tick()
		return
	}
	s.policy.ObserveBattery(reading)
}

func (m *Monitor) runSweeper(s *session) {
	defer s.loopsWG.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(s)
		}
	}
}

func (m *Monitor) sweep(s *session) {
	if m.cfg.IdleTTL > 0 {
		if pruned := s.store.PruneIdleSince(m.cfg.IdleTTL); pruned > 0 {
			m.metrics.PrunedStates.Add(float64(pruned))
			m.logger.Debug("Pruned idle transition states",
				zap.String("user_id", s.userID),
				zap.Int("count", pruned),
			)
		}
		s.policy.PruneIdleSince(m.cfg.IdleTTL)
		s.pruneLastSeen(m.now().Add(-m.cfg.IdleTTL))
	}
	s.policy.Tick()
	m.submitTrailing(s)
	m.exportState(s.ctx, s)
}

// submitTrailing 闸门已打开的被节流设备，提交其最新定位点补评估
func (m *Monitor) submitTrailing(s *session) {
	now := m.now()
	for _, deviceID := range s.pendingDevices() {
		if now.Before(s.policy.NextAllowed(deviceID)) {
			continue
		}
		q := s.queues[shardIndex(deviceID, len(s.queues))]
		select {
		case q <- job{deviceID: deviceID, trailing: true}:
		default:
			// 队列满时下一轮再试
		}
	}
}

func (m *Monitor) exportState(ctx context.Context, s *session) {
	if m.deps.Exporter == nil {
		return
	}
	entries := s.store.Snapshot()
	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ExportTimeout)
	defer cancel()

	if err := m.deps.Exporter.WriteAll(ctx, s.userID, entries, m.cfg.IdleTTL); err != nil {
		m.logger.Warn("Failed to export transition states",
			zap.String("user_id", s.userID),
			zap.Int("count", len(entries)),
			zap.Error(err),
		)
	}
}

func (m *Monitor) applyGeofences(s *session, snapshot GeofenceSnapshot) {
	added, removed := s.applyGeofences(snapshot)
	for _, id := range removed {
		s.store.DeleteGeofence(id)
	}
	if len(added) > 0 || len(removed) > 0 {
		m.logger.Info("Geofence set updated",
			zap.String("user_id", s.userID),
			zap.Int("active", len(s.currentTargets())),
			zap.Strings("added", added),
			zap.Strings("removed", removed),
		)
	}
}

// degraded 上游失败不致命，按来源限频记录警告
func (m *Monitor) degraded(source string, err error) {
	m.metrics.SourceErrors.WithLabelValues(source).Inc()

	m.degradedMu.Lock()
	sometimes, ok := m.degradedLog[source]
	if !ok {
		sometimes = &rate.Sometimes{First: 1, Interval: m.cfg.DegradedLogInterval}
		m.degradedLog[source] = sometimes
	}
	m.degradedMu.Unlock()

	sometimes.Do(func() {
		m.logger.Warn("Upstream source degraded, continuing with last known data",
			zap.String("source", source),
			zap.Error(err),
		)
	})
}
