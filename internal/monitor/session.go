package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"wisefido-geofence/internal/evaluator"
	"wisefido-geofence/internal/models"
	"wisefido-geofence/internal/optimizer"
	"wisefido-geofence/internal/state"
)

type fixEvaluator interface {
	Evaluate(fix models.PositionFix, targets []evaluator.Target) ([]models.GeofenceEvent, error)
}

type job struct {
	fix      models.PositionFix
	deviceID string
	trailing bool // 评估该设备被节流的最新定位点
}

type seenPosition struct {
	position models.Coordinate
	at       time.Time
}

// session 一次监控会话，Stop 后整体丢弃
type session struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc

	store  *state.Store
	policy *optimizer.Policy
	eval   fixEvaluator

	queues        []chan job
	persistCh     chan models.GeofenceEvent
	persistCtx    context.Context
	persistCancel context.CancelFunc
	persistDone   chan struct{}

	loopsWG   sync.WaitGroup
	workersWG sync.WaitGroup

	gfMu     sync.RWMutex
	targets  []evaluator.Target
	baseline map[string]bool // 当前集合中的围栏 -> 是否为会话中途加入
	gfReady  bool
	// 中途加入的围栏 -> 已完成基线评估的设备；仅在围栏被移除时清除
	baselineUsed map[string]map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]models.PositionFix
	lastSeen  map[string]seenPosition

	teardownOnce sync.Once
	teardownDone chan struct{}
}

func (s *session) currentTargets() []evaluator.Target {
	s.gfMu.RLock()
	defer s.gfMu.RUnlock()
	return s.targets
}

// targetsFor 返回该设备的评估目标，已建立过基线的对不再按基线处理
func (s *session) targetsFor(deviceID string) []evaluator.Target {
	s.gfMu.RLock()
	defer s.gfMu.RUnlock()

	var out []evaluator.Target
	for i, t := range s.targets {
		if !t.Baseline {
			continue
		}
		if _, used := s.baselineUsed[t.Geofence.GeofenceID][deviceID]; !used {
			continue
		}
		if out == nil {
			out = append(make([]evaluator.Target, 0, len(s.targets)), s.targets...)
		}
		out[i].Baseline = false
	}
	if out == nil {
		return s.targets
	}
	return out
}

// settle 评估结束后调用：清理评估期间被移除围栏的状态，记录已消耗的基线
func (s *session) settle(deviceID string, targets []evaluator.Target) {
	hasBaseline := false
	s.gfMu.RLock()
	for _, t := range targets {
		id := t.Geofence.GeofenceID
		if _, ok := s.baseline[id]; !ok {
			// 移除方在替换集合后才删除状态，这里兜底评估中写入的孤立对
			s.store.Delete(deviceID, id)
			continue
		}
		if t.Baseline {
			hasBaseline = true
		}
	}
	s.gfMu.RUnlock()
	if !hasBaseline {
		return
	}

	s.gfMu.Lock()
	defer s.gfMu.Unlock()
	for _, t := range targets {
		if !t.Baseline {
			continue
		}
		id := t.Geofence.GeofenceID
		if _, ok := s.baseline[id]; !ok {
			continue
		}
		// 形状无效等情况未真正评估，基线保留到首次有效评估
		if st, ok := s.store.Peek(deviceID, id); !ok || st.Fresh() {
			continue
		}
		devices := s.baselineUsed[id]
		if devices == nil {
			devices = make(map[string]struct{})
			s.baselineUsed[id] = devices
		}
		devices[deviceID] = struct{}{}
	}
}

// applyGeofences 整体替换围栏集合，返回新加入与被移除的围栏ID
// 首个快照中的围栏正常评估；之后新加入的围栏只对每个设备的首次评估建立基线
func (s *session) applyGeofences(snapshot GeofenceSnapshot) (added, removed []string) {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.gfMu.Lock()
	defer s.gfMu.Unlock()

	targets := make([]evaluator.Target, 0, len(ids))
	next := make(map[string]bool, len(ids))
	for _, id := range ids {
		g := snapshot[id]
		if !g.Enabled || (g.UserID != "" && g.UserID != s.userID) {
			continue
		}
		if g.GeofenceID == "" {
			g.GeofenceID = id
		}

		baseline, known := s.baseline[g.GeofenceID]
		if !known {
			baseline = s.gfReady
			added = append(added, g.GeofenceID)
		}
		next[g.GeofenceID] = baseline
		targets = append(targets, evaluator.Target{Geofence: &g, Baseline: baseline})
	}

	for id := range s.baseline {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
			delete(s.baselineUsed, id)
		}
	}
	sort.Strings(removed)

	s.targets = targets
	s.baseline = next
	s.gfReady = true
	return added, removed
}

// recordThrottled 保存被节流设备的最新定位点
func (s *session) recordThrottled(fix models.PositionFix) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if prev, ok := s.pending[fix.DeviceID]; ok && fix.Timestamp.Before(prev.Timestamp) {
		return
	}
	s.pending[fix.DeviceID] = fix
}

func (s *session) takePending(deviceID string) (models.PositionFix, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	fix, ok := s.pending[deviceID]
	if ok {
		delete(s.pending, deviceID)
	}
	return fix, ok
}

func (s *session) clearPending(deviceID string) {
	s.pendingMu.Lock()
	delete(s.pending, deviceID)
	s.pendingMu.Unlock()
}

func (s *session) pendingDevices() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	devices := make([]string, 0, len(s.pending))
	for d := range s.pending {
		devices = append(devices, d)
	}
	return devices
}

// displacement 记录最新位置，返回与上一个位置的距离（首次为 0）
func (s *session) displacement(fix models.PositionFix, distance func(a, b models.Coordinate) float64) float64 {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	pos := fix.Position()
	prev, ok := s.lastSeen[fix.DeviceID]
	s.lastSeen[fix.DeviceID] = seenPosition{position: pos, at: fix.Timestamp}
	if !ok {
		return 0
	}
	return distance(prev.position, pos)
}

func (s *session) pruneLastSeen(cutoff time.Time) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for d, seen := range s.lastSeen {
		if seen.at.Before(cutoff) {
			delete(s.lastSeen, d)
		}
	}
}

func (s *session) queueDepth() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}
