package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wisefido-geofence/internal/common/database"
	mqttcommon "wisefido-geofence/internal/common/mqtt"
	rediscommon "wisefido-geofence/internal/common/redis"
	"wisefido-geofence/internal/config"
	"wisefido-geofence/internal/consumer"
	"wisefido-geofence/internal/monitor"
	"wisefido-geofence/internal/optimizer"
	"wisefido-geofence/internal/repository"
	"wisefido-geofence/internal/sink"
	"wisefido-geofence/internal/state"
)

// statsInterval 运行状态日志间隔
const statsInterval = time.Minute

// GeofenceService 地理围栏服务
type GeofenceService struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	db           *sql.DB
	redisClient  *redis.Client
	mqttClient   *mqttcommon.Client
	mqttConsumer *consumer.MQTTConsumer
	kafka        *consumer.KafkaPositionConsumer
	influx       *sink.InfluxSink

	eventsRepo *repository.GeofenceEventsRepository
	monitor    *monitor.Monitor
}

// NewGeofenceService 创建地理围栏服务
func NewGeofenceService(cfg *config.Config, logger *zap.Logger) (*GeofenceService, error) {
	s := &GeofenceService{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		s.closeClients()
		return nil, err
	}

	deps, err := s.buildDependencies()
	if err != nil {
		s.closeClients()
		return nil, err
	}

	m, err := monitor.New(s.monitorConfig(), deps, logger)
	if err != nil {
		s.closeClients()
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	s.monitor = m
	return s, nil
}

// connect 初始化外部连接
func (s *GeofenceService) connect(ctx context.Context) error {
	cfg := s.config

	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db

	// 初始化Redis
	s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.UsesMQTT() {
		client, err := mqttcommon.NewClient(&cfg.MQTT, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		s.mqttClient = client
		s.mqttConsumer = consumer.NewMQTTConsumer(client, consumer.MQTTTopics{
			Position: cfg.Geofence.Topics.Position,
			Motion:   cfg.Geofence.Topics.Motion,
			Battery:  cfg.Geofence.Topics.Battery,
		}, cfg.MQTT.QoS, cfg.Geofence.QueueSize, s.logger)
	}

	if cfg.Geofence.PositionSource == config.PositionSourceKafka {
		kafka, err := consumer.NewKafkaPositionConsumer(&cfg.Kafka, cfg.Geofence.QueueSize, s.logger)
		if err != nil {
			return err
		}
		s.kafka = kafka
	}

	if cfg.InfluxDB.Enabled {
		influx, err := sink.NewInfluxSink(ctx, &cfg.InfluxDB.InfluxDBConfig)
		if err != nil {
			return err
		}
		s.influx = influx
	}
	return nil
}

// buildDependencies 组装 Monitor 的输入源与输出
func (s *GeofenceService) buildDependencies() (monitor.Dependencies, error) {
	cfg := s.config

	geofences := repository.NewGeofenceRepository(s.db, s.logger)
	s.eventsRepo = repository.NewGeofenceEventsRepository(s.db, s.logger)

	deps := monitor.Dependencies{
		Geofences: consumer.NewGeofencePoller(geofences, cfg.Geofence.PollInterval, s.logger),
		Metrics:   monitor.NewMetrics(s.registry),
	}

	switch cfg.Geofence.PositionSource {
	case config.PositionSourceRedis:
		deps.Positions = consumer.NewPositionStreamConsumer(s.redisClient, consumer.StreamConfig{
			Stream:    cfg.Geofence.Stream.Input,
			Group:     cfg.Geofence.Stream.ConsumerGroup,
			Consumer:  cfg.Geofence.Stream.ConsumerName,
			BatchSize: cfg.Geofence.Stream.BatchSize,
			Buffer:    cfg.Geofence.QueueSize,
		}, s.logger)
	case config.PositionSourceMQTT:
		deps.Positions = s.mqttConsumer
	case config.PositionSourceKafka:
		deps.Positions = s.kafka
	default:
		return deps, fmt.Errorf("unsupported position source %q", cfg.Geofence.PositionSource)
	}

	if cfg.Geofence.MQTTSignals && s.mqttConsumer != nil {
		deps.Motion = s.mqttConsumer
		deps.Battery = s.mqttConsumer
	}

	var sinks []sink.Named
	if cfg.Geofence.Sinks.Postgres {
		sinks = append(sinks, sink.Named{Name: "postgres", Sink: sink.NewPostgresSink(s.eventsRepo)})
	}
	if cfg.Geofence.Sinks.Stream {
		sinks = append(sinks, sink.Named{
			Name: "redis_stream",
			Sink: sink.NewStreamSink(s.redisClient, cfg.Geofence.Stream.Events, cfg.Geofence.Stream.EventsMaxLen),
		})
	}
	if s.influx != nil {
		sinks = append(sinks, sink.Named{Name: "influxdb", Sink: s.influx})
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, sink.Named{Name: "webhook", Sink: sink.NewWebhookSink(sink.WebhookConfig{
			URL:        cfg.Webhook.URL,
			Path:       cfg.Webhook.Path,
			Token:      cfg.Webhook.Token,
			Timeout:    cfg.Webhook.Timeout,
			RetryCount: cfg.Webhook.RetryCount,
		})})
	}
	if len(sinks) > 0 {
		deps.Sink = sink.NewMulti(s.logger, sinks...)
	}

	if cfg.Geofence.State.Export {
		deps.Exporter = state.NewSnapshotWriter(s.redisClient, cfg.Geofence.State.KeyPrefix, s.logger)
	}

	names := make([]string, 0, len(sinks))
	for _, n := range sinks {
		names = append(names, n.Name)
	}
	s.logger.Info("Geofence service dependencies ready",
		zap.String("position_source", cfg.Geofence.PositionSource),
		zap.Bool("mqtt_signals", deps.Motion != nil),
		zap.Strings("sinks", names),
		zap.Bool("state_export", deps.Exporter != nil),
	)
	return deps, nil
}

func (s *GeofenceService) monitorConfig() monitor.Config {
	cfg := s.config
	mc := monitor.DefaultConfig()
	if cfg.Geofence.Workers > 0 {
		mc.Workers = cfg.Geofence.Workers
	}
	mc.QueueSize = cfg.Geofence.QueueSize
	mc.PersistQueueSize = cfg.Geofence.PersistQueueSize
	mc.SubscriberBuffer = cfg.Geofence.SubscriberBuffer
	mc.SweepInterval = cfg.Geofence.SweepInterval
	mc.IdleTTL = cfg.Geofence.IdleTTL
	mc.BatteryPollInterval = cfg.Geofence.BatteryPollInterval
	mc.FlushTimeout = cfg.Geofence.FlushTimeout
	mc.ExitDebounce = cfg.Geofence.ExitDebounce
	mc.Optimizer = optimizer.Config{
		Enabled:             cfg.Optimizer.Enabled,
		BaseInterval:        cfg.Optimizer.BaseInterval,
		IdleInterval:        cfg.Optimizer.IdleInterval,
		StationaryThreshold: cfg.Optimizer.StationaryThreshold,
		StationaryTimeout:   cfg.Optimizer.StationaryTimeout,
		SmoothingWindow:     cfg.Optimizer.SmoothingWindow,
		BatteryLowPercent:   cfg.Optimizer.BatteryLowPercent,
		BatteryDebounce:     cfg.Optimizer.BatteryDebounce,
		MovementMeters:      cfg.Optimizer.MovementMeters,
	}
	return mc
}

// Registry Prometheus 注册表（供 /metrics 使用）
func (s *GeofenceService) Registry() *prometheus.Registry {
	return s.registry
}

// Monitor 围栏监控器
func (s *GeofenceService) Monitor() *monitor.Monitor {
	return s.monitor
}

// Events 事件查询仓库
func (s *GeofenceService) Events() *repository.GeofenceEventsRepository {
	return s.eventsRepo
}

// Start 启动服务，阻塞直到 ctx 取消或 Monitor 进入 Failed
func (s *GeofenceService) Start(ctx context.Context) error {
	s.logger.Info("Starting geofence service components")

	if s.mqttConsumer != nil && s.config.Geofence.MQTTSignals {
		if err := s.mqttConsumer.StartBattery(ctx); err != nil {
			return fmt.Errorf("failed to subscribe battery topic: %w", err)
		}
	}

	if err := s.monitor.Start(ctx, s.config.Geofence.UserID); err != nil {
		return fmt.Errorf("failed to start geofence monitor: %w", err)
	}

	s.logger.Info("Geofence service started successfully",
		zap.String("user_id", s.config.Geofence.UserID),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.monitor.Done():
			return fmt.Errorf("geofence monitor failed: %w", s.monitor.Err())
		}
	})
	g.Go(func() error {
		s.reportStats(gctx)
		return nil
	})
	return g.Wait()
}

// reportStats 定期输出运行状态
func (s *GeofenceService) reportStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.monitor.Done():
			return
		case <-ticker.C:
			stats := s.monitor.Stats()
			s.logger.Info("Geofence monitor stats",
				zap.String("status", stats.Status.String()),
				zap.Int("states", stats.States),
				zap.Int("geofences", stats.Geofences),
				zap.Int("pending_throttled", stats.PendingThrottled),
				zap.Int("queue_depth", stats.QueueDepth),
				zap.String("optimizer_mode", string(stats.Optimizer.Mode)),
				zap.Int64("total_evaluations", stats.Optimizer.TotalEvaluations),
				zap.Int64("throttled_count", stats.Optimizer.ThrottledCount),
			)
		}
	}
}

// Stop 停止服务：先停 Monitor（刷新事件、导出状态），再关闭连接
func (s *GeofenceService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping geofence service")

	var errs []error
	if err := s.monitor.Stop(ctx); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		errs = append(errs, err)
	}
	s.closeClients()

	s.logger.Info("Geofence service stopped")
	return errors.Join(errs...)
}

func (s *GeofenceService) closeClients() {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("Error closing Kafka consumer group", zap.Error(err))
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.influx != nil {
		s.influx.Close()
	}

	// 关闭Redis
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}

	// 关闭数据库
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}
}
