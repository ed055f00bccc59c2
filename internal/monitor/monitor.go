// Package monitor 编排一次用户监控会话：订阅围栏与定位、节流、评估、广播与持久化
package monitor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wisefido-geofence/internal/evaluator"
	"wisefido-geofence/internal/geometry"
	"wisefido-geofence/internal/models"
	"wisefido-geofence/internal/optimizer"
	"wisefido-geofence/internal/state"
)

var (
	// ErrNotRunning Monitor 未运行
	ErrNotRunning = errors.New("monitor is not running")
	// ErrAlreadyRunning Monitor 已在运行
	ErrAlreadyRunning = errors.New("monitor is already running")
	// ErrFailed Monitor 已进入终止状态
	ErrFailed = errors.New("monitor has failed")
)

// Status 生命周期状态
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Config Monitor 配置
type Config struct {
	Workers             int
	QueueSize           int // 每个 worker 的队列长度
	PersistQueueSize    int
	SubscriberBuffer    int
	SweepInterval       time.Duration
	IdleTTL             time.Duration
	BatteryPollInterval time.Duration
	FlushTimeout        time.Duration
	ExportTimeout       time.Duration
	ResubscribeMin      time.Duration
	ResubscribeMax      time.Duration
	DegradedLogInterval time.Duration
	ExitDebounce        time.Duration
	Optimizer           optimizer.Config
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Workers:             runtime.NumCPU(),
		QueueSize:           256,
		PersistQueueSize:    1024,
		SubscriberBuffer:    64,
		SweepInterval:       time.Minute,
		IdleTTL:             30 * time.Minute,
		BatteryPollInterval: time.Minute,
		FlushTimeout:        5 * time.Second,
		ExportTimeout:       5 * time.Second,
		ResubscribeMin:      time.Second,
		ResubscribeMax:      30 * time.Second,
		DegradedLogInterval: 30 * time.Second,
		Optimizer:           optimizer.DefaultConfig(),
	}
}

// Dependencies 外部协作方，只有 Geofences 必需
type Dependencies struct {
	Geofences GeofenceSource
	Positions PositionSource
	Motion    MotionSource
	Battery   BatterySource
	Sink      EventSink
	Exporter  StateExporter
	Metrics   *Metrics
	Clock     func() time.Time
}

// Stats 诊断信息
type Stats struct {
	Status            Status                `json:"status"`
	UserID            string                `json:"user_id,omitempty"`
	States            int                   `json:"states"`
	Geofences         int                   `json:"geofences"`
	PendingThrottled  int                   `json:"pending_throttled"`
	QueueDepth        int                   `json:"queue_depth"`
	PersistQueueDepth int                   `json:"persist_queue_depth"`
	Subscribers       int                   `json:"subscribers"`
	Optimizer         models.OptimizerState `json:"optimizer"`
}

// Monitor 地理围栏监控器，每个活跃用户会话一个实例
type Monitor struct {
	cfg     Config
	deps    Dependencies
	metrics *Metrics
	now     func() time.Time
	logger  *zap.Logger

	broadcaster  *Broadcaster
	newEvaluator func(userID string, store *state.Store) fixEvaluator

	lifecycleMu sync.Mutex   // 串行化 Start/Stop
	intakeMu    sync.RWMutex // 保护 session 指针与状态切换
	status      atomic.Int32
	session     *session

	failOnce      sync.Once
	failed        chan struct{}
	failErr       error
	failedSession *session

	degradedMu  sync.Mutex
	degradedLog map[string]*rate.Sometimes
}

// New 创建 Monitor
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Monitor, error) {
	if deps.Geofences == nil {
		return nil, errors.New("geofence source is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = 1
	}
	if cfg.ResubscribeMin <= 0 {
		cfg.ResubscribeMin = time.Second
	}
	if cfg.ResubscribeMax < cfg.ResubscribeMin {
		cfg.ResubscribeMax = cfg.ResubscribeMin
	}
	if cfg.DegradedLogInterval <= 0 {
		cfg.DegradedLogInterval = 30 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 5 * time.Second
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	m := &Monitor{
		cfg:         cfg,
		deps:        deps,
		metrics:     metrics,
		now:         now,
		logger:      logger,
		failed:      make(chan struct{}),
		degradedLog: make(map[string]*rate.Sometimes),
	}
	m.broadcaster = NewBroadcaster(cfg.SubscriberBuffer, func() { metrics.DroppedBroadcast.Inc() }, logger)
	m.newEvaluator = func(userID string, store *state.Store) fixEvaluator {
		return evaluator.NewEvaluator(userID, store, evaluator.Config{ExitDebounce: cfg.ExitDebounce}, logger)
	}
	return m, nil
}

// Status 当前状态
func (m *Monitor) Status() Status {
	return Status(m.status.Load())
}

// Done 进入 Failed 终止状态时关闭
func (m *Monitor) Done() <-chan struct{} {
	return m.failed
}

// Err 终止原因
func (m *Monitor) Err() error {
	select {
	case <-m.failed:
		return m.failErr
	default:
		return nil
	}
}

// Subscribe 订阅事件流（跨会话有效）
func (m *Monitor) Subscribe() *Subscription {
	return m.broadcaster.Subscribe()
}

// Start 为 userID 开始监控，创建新的状态存储与优化器
func (m *Monitor) Start(ctx context.Context, userID string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	switch m.Status() {
	case StatusStopped:
	case StatusFailed:
		return ErrFailed
	default:
		return ErrAlreadyRunning
	}
	if userID == "" {
		return errors.New("user id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.status.Store(int32(StatusStarting))
	s := m.newSession(context.WithoutCancel(ctx), userID)

	s.workersWG.Add(len(s.queues))
	for _, q := range s.queues {
		go m.runWorker(s, q)
	}
	if m.deps.Sink != nil {
		go m.runPersister(s)
	} else {
		close(s.persistDone)
	}

	m.intakeMu.Lock()
	m.session = s
	m.status.Store(int32(StatusRunning))
	m.intakeMu.Unlock()

	m.startLoops(s)

	m.logger.Info("Geofence monitor started",
		zap.String("user_id", userID),
		zap.Int("workers", len(s.queues)),
		zap.String("optimizer_mode", string(s.policy.Mode())),
	)
	return nil
}

// Stop 停止监控：关闭输入、排空队列、停止定时器、刷新持久化、导出最终状态
// 返回后不会再发出任何事件
func (m *Monitor) Stop(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	switch m.Status() {
	case StatusRunning:
	case StatusFailed:
		if s := m.failedSession; s != nil {
			<-s.teardownDone
		}
		return m.Err()
	default:
		return ErrNotRunning
	}

	m.intakeMu.RLock()
	s := m.session
	m.intakeMu.RUnlock()

	m.shutdown(ctx, s, StatusStopped)
	m.logger.Info("Geofence monitor stopped", zap.String("user_id", s.userID))
	return nil
}

// ProcessPosition 接收一个定位点
// 未运行时直接丢弃；同一设备的定位点按到达顺序处理
func (m *Monitor) ProcessPosition(fix models.PositionFix) {
	m.intakeMu.RLock()
	defer m.intakeMu.RUnlock()

	s := m.session
	if m.Status() != StatusRunning || s == nil {
		m.metrics.DroppedFixes.Inc()
		return
	}
	if fix.UserID != "" && fix.UserID != s.userID {
		return
	}
	if err := fix.Validate(); err != nil {
		m.metrics.DroppedFixes.Inc()
		m.logger.Warn("Invalid position fix dropped",
			zap.String("device_id", fix.DeviceID),
			zap.Error(err),
		)
		return
	}

	q := s.queues[shardIndex(fix.DeviceID, len(s.queues))]
	select {
	case q <- job{fix: fix, deviceID: fix.DeviceID}:
	case <-s.ctx.Done():
		m.metrics.DroppedFixes.Inc()
	}
}

// Sweep 执行一次周期性清理：剪枝空闲状态、节流尾评估、导出状态
// 由内部定时器调用，也可由宿主手动触发
func (m *Monitor) Sweep() error {
	m.intakeMu.RLock()
	defer m.intakeMu.RUnlock()

	s := m.session
	if m.Status() != StatusRunning || s == nil {
		return ErrNotRunning
	}
	m.sweep(s)
	return nil
}

// Stats 诊断信息
func (m *Monitor) Stats() Stats {
	m.intakeMu.RLock()
	defer m.intakeMu.RUnlock()

	stats := Stats{
		Status:      m.Status(),
		Subscribers: m.broadcaster.Len(),
	}
	s := m.session
	if s == nil {
		return stats
	}
	stats.UserID = s.userID
	stats.States = s.store.Len()
	stats.Geofences = len(s.currentTargets())
	stats.PendingThrottled = len(s.pendingDevices())
	stats.QueueDepth = s.queueDepth()
	stats.PersistQueueDepth = len(s.persistCh)
	stats.Optimizer = s.policy.State()
	return stats
}

func (m *Monitor) newSession(parent context.Context, userID string) *session {
	ctx, cancel := context.WithCancel(parent)
	persistCtx, persistCancel := context.WithCancel(parent)

	store := state.NewStore(m.now)
	s := &session{
		userID:        userID,
		ctx:           ctx,
		cancel:        cancel,
		store:         store,
		policy:        optimizer.NewPolicy(m.cfg.Optimizer, m.now),
		eval:          m.newEvaluator(userID, store),
		queues:        make([]chan job, m.cfg.Workers),
		persistCh:     make(chan models.GeofenceEvent, m.cfg.PersistQueueSize),
		persistCtx:    persistCtx,
		persistCancel: persistCancel,
		persistDone:   make(chan struct{}),
		baseline:      make(map[string]bool),
		baselineUsed:  make(map[string]map[string]struct{}),
		pending:       make(map[string]models.PositionFix),
		lastSeen:      make(map[string]seenPosition),
		teardownDone:  make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = make(chan job, m.cfg.QueueSize)
	}
	return s
}

func (m *Monitor) runWorker(s *session, q <-chan job) {
	defer s.workersWG.Done()
	for j := range q {
		m.handleJob(s, j)
	}
}

func (m *Monitor) handleJob(s *session, j job) {
	if m.Status() == StatusFailed {
		return
	}

	fix := j.fix
	if j.trailing {
		pending, ok := s.takePending(j.deviceID)
		if !ok {
			return
		}
		fix = pending
	}

	if !j.trailing {
		s.policy.ObserveDisplacement(s.displacement(fix, geometry.HaversineMeters))
	}

	if !s.policy.ShouldEvaluate(fix.DeviceID, m.now()) {
		s.recordThrottled(fix)
		m.metrics.Throttled.Inc()
		return
	}
	s.clearPending(fix.DeviceID)

	targets := s.targetsFor(fix.DeviceID)
	events, err := s.eval.Evaluate(fix, targets)
	m.metrics.Evaluations.Inc()
	s.settle(fix.DeviceID, targets)
	if err != nil {
		if errors.Is(err, models.ErrStateCorrupted) {
			m.fail(s, err)
			return
		}
		m.logger.Warn("Failed to evaluate position fix",
			zap.String("device_id", fix.DeviceID),
			zap.Error(err),
		)
		return
	}

	for _, event := range events {
		m.emit(s, event)
	}
}

// emit 先广播，再入队异步持久化；持久化不阻塞广播
func (m *Monitor) emit(s *session, event models.GeofenceEvent) {
	m.broadcaster.Publish(event)
	m.metrics.Events.WithLabelValues(string(event.Type)).Inc()

	m.logger.Info("Geofence event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.Type)),
		zap.String("device_id", event.DeviceID),
		zap.String("geofence_id", event.GeofenceID),
		zap.Time("occurred_at", event.OccurredAt),
	)

	if m.deps.Sink == nil {
		return
	}
	select {
	case s.persistCh <- event:
	default:
		m.metrics.SinkFailures.Inc()
		m.logger.Warn("Persist queue full, event not recorded",
			zap.String("event_id", event.EventID),
			zap.String("device_id", event.DeviceID),
		)
	}
}

func (m *Monitor) runPersister(s *session) {
	defer close(s.persistDone)
	for event := range s.persistCh {
		if err := m.deps.Sink.Record(s.persistCtx, event); err != nil {
			m.metrics.SinkFailures.Inc()
			m.logger.Error("Failed to record geofence event",
				zap.String("event_id", event.EventID),
				zap.String("event_type", string(event.Type)),
				zap.String("device_id", event.DeviceID),
				zap.Error(err),
			)
		}
	}
}

// fail 不变量被破坏，进入终止状态并异步拆除会话
func (m *Monitor) fail(s *session, err error) {
	m.failOnce.Do(func() {
		m.failErr = fmt.Errorf("%w: %w", ErrFailed, err)
		m.failedSession = s
		m.status.Store(int32(StatusFailed))
		close(m.failed)

		m.logger.Error("Geofence monitor failed",
			zap.String("user_id", s.userID),
			zap.Error(err),
		)
		go m.shutdown(context.Background(), s, StatusFailed)
	})
}

func (m *Monitor) shutdown(ctx context.Context, s *session, final Status) {
	s.teardownOnce.Do(func() {
		defer close(s.teardownDone)

		m.intakeMu.Lock()
		if final == StatusStopped {
			m.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping))
		}
		m.intakeMu.Unlock()

		// 先停止订阅与定时器，它们可能还会向队列提交任务
		s.cancel()
		s.loopsWG.Wait()

		for _, q := range s.queues {
			close(q)
		}
		s.workersWG.Wait()

		close(s.persistCh)
		m.flush(ctx, s)

		m.exportState(ctx, s)

		m.intakeMu.Lock()
		m.session = nil
		if final == StatusStopped {
			// 拆除期间若已 Failed 则保持终止状态
			m.status.CompareAndSwap(int32(StatusStopping), int32(StatusStopped))
		}
		m.intakeMu.Unlock()
	})
}

func (m *Monitor) flush(ctx context.Context, s *session) {
	timer := time.NewTimer(m.cfg.FlushTimeout)
	defer timer.Stop()

	select {
	case <-s.persistDone:
	case <-timer.C:
		m.logger.Warn("Flush timeout, abandoning pending event writes",
			zap.Int("pending", len(s.persistCh)),
		)
	case <-ctx.Done():
		m.logger.Warn("Flush cancelled, abandoning pending event writes",
			zap.Int("pending", len(s.persistCh)),
		)
	}
	s.persistCancel()
	<-s.persistDone
}

func shardIndex(deviceID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(n))
}
