package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-geofence/internal/common/config"
)

// 定位输入源
const (
	PositionSourceRedis = "redis"
	PositionSourceMQTT  = "mqtt"
	PositionSourceKafka = "kafka"
)

// Config 地理围栏服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Kafka    config.KafkaConfig
	InfluxDB struct {
		config.InfluxDBConfig
		Enabled bool
	}

	Webhook struct {
		URL        string
		Path       string
		Token      string
		Timeout    time.Duration
		RetryCount int
	}

	// 围栏引擎配置
	Geofence struct {
		UserID         string // 监控的用户（必填）
		PositionSource string // redis / mqtt / kafka
		MQTTSignals    bool   // 通过 MQTT 接收运动与电量信号

		// Redis Streams 配置
		Stream struct {
			Input         string // 定位输入流，如 "geofence:positions:stream"
			Events        string // 事件输出流，如 "geofence:events:stream"
			EventsMaxLen  int64
			ConsumerGroup string
			ConsumerName  string
			BatchSize     int64
		}

		// MQTT 主题
		Topics struct {
			Position string
			Motion   string
			Battery  string
		}

		// 事件落地
		Sinks struct {
			Postgres bool
			Stream   bool
		}

		// Redis 状态导出
		State struct {
			KeyPrefix string
			Export    bool
		}

		PollInterval        time.Duration // 围栏定义轮询间隔
		SweepInterval       time.Duration
		IdleTTL             time.Duration
		ExitDebounce        time.Duration
		FlushTimeout        time.Duration
		BatteryPollInterval time.Duration
		Workers             int
		QueueSize           int
		PersistQueueSize    int
		SubscriberBuffer    int
	}

	Optimizer struct {
		Enabled             bool
		BaseInterval        time.Duration
		IdleInterval        time.Duration
		StationaryThreshold float64
		StationaryTimeout   time.Duration
		SmoothingWindow     int
		BatteryLowPercent   float64
		BatteryDebounce     time.Duration
		MovementMeters      float64
	}

	HTTP struct {
		Addr string // 为空则不启动 /metrics /healthz
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "owlrd",
		SSLMode:  "disable",
		MaxConns: 10,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "wisefido-geofence",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Kafka = config.KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "geofence-positions",
		GroupID: "wisefido-geofence",
	}
	cfg.Kafka.LoadFromEnv("KAFKA")
	cfg.Kafka.Brokers = getEnvStringSlice("KAFKA_BROKERS", cfg.Kafka.Brokers) // 去除空白项

	cfg.InfluxDB.URL = "http://localhost:8086"
	cfg.InfluxDB.Org = "wisefido"
	cfg.InfluxDB.Bucket = "geofence"
	cfg.InfluxDB.LoadFromEnv("INFLUXDB")
	cfg.InfluxDB.Enabled = getEnvBool("INFLUXDB_ENABLED", false)

	cfg.Webhook.URL = getEnv("WEBHOOK_URL", "")
	cfg.Webhook.Path = getEnv("WEBHOOK_PATH", "/")
	cfg.Webhook.Token = getEnv("WEBHOOK_TOKEN", "")
	cfg.Webhook.Timeout = getEnvDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	cfg.Webhook.RetryCount = getEnvInt("WEBHOOK_RETRY_COUNT", 3)

	// 围栏引擎配置
	cfg.Geofence.UserID = getEnv("GEOFENCE_USER_ID", "")
	cfg.Geofence.PositionSource = strings.ToLower(getEnv("GEOFENCE_POSITION_SOURCE", PositionSourceRedis))
	cfg.Geofence.MQTTSignals = getEnvBool("GEOFENCE_MQTT_SIGNALS", false)

	cfg.Geofence.Stream.Input = getEnv("GEOFENCE_STREAM_INPUT", "geofence:positions:stream")
	cfg.Geofence.Stream.Events = getEnv("GEOFENCE_STREAM_EVENTS", "geofence:events:stream")
	cfg.Geofence.Stream.EventsMaxLen = int64(getEnvInt("GEOFENCE_STREAM_EVENTS_MAXLEN", 100000))
	cfg.Geofence.Stream.ConsumerGroup = getEnv("GEOFENCE_CONSUMER_GROUP", "geofence-monitor-group")
	cfg.Geofence.Stream.ConsumerName = getEnv("GEOFENCE_CONSUMER_NAME", "geofence-monitor-1")
	cfg.Geofence.Stream.BatchSize = int64(getEnvInt("GEOFENCE_BATCH_SIZE", 100))

	cfg.Geofence.Topics.Position = getEnv("GEOFENCE_TOPIC_POSITION", "geofence/+/position")
	cfg.Geofence.Topics.Motion = getEnv("GEOFENCE_TOPIC_MOTION", "geofence/+/motion")
	cfg.Geofence.Topics.Battery = getEnv("GEOFENCE_TOPIC_BATTERY", "geofence/+/battery")

	cfg.Geofence.Sinks.Postgres = getEnvBool("GEOFENCE_SINK_POSTGRES", true)
	cfg.Geofence.Sinks.Stream = getEnvBool("GEOFENCE_SINK_STREAM", true)

	cfg.Geofence.State.KeyPrefix = getEnv("GEOFENCE_STATE_PREFIX", "geofence:state:")
	cfg.Geofence.State.Export = getEnvBool("GEOFENCE_STATE_EXPORT", true)

	cfg.Geofence.PollInterval = getEnvDuration("GEOFENCE_POLL_INTERVAL", 30*time.Second)
	cfg.Geofence.SweepInterval = getEnvDuration("GEOFENCE_SWEEP_INTERVAL", time.Minute)
	cfg.Geofence.IdleTTL = getEnvDuration("GEOFENCE_IDLE_TTL", 30*time.Minute)
	cfg.Geofence.ExitDebounce = getEnvDuration("GEOFENCE_EXIT_DEBOUNCE", 0)
	cfg.Geofence.FlushTimeout = getEnvDuration("GEOFENCE_FLUSH_TIMEOUT", 5*time.Second)
	cfg.Geofence.BatteryPollInterval = getEnvDuration("GEOFENCE_BATTERY_POLL_INTERVAL", time.Minute)
	cfg.Geofence.Workers = getEnvInt("GEOFENCE_WORKERS", 0) // 0 表示 NumCPU
	cfg.Geofence.QueueSize = getEnvInt("GEOFENCE_QUEUE_SIZE", 256)
	cfg.Geofence.PersistQueueSize = getEnvInt("GEOFENCE_PERSIST_QUEUE_SIZE", 1024)
	cfg.Geofence.SubscriberBuffer = getEnvInt("GEOFENCE_SUBSCRIBER_BUFFER", 64)

	cfg.Optimizer.Enabled = getEnvBool("OPTIMIZER_ENABLED", true)
	cfg.Optimizer.BaseInterval = getEnvDuration("OPTIMIZER_BASE_INTERVAL", 30*time.Second)
	cfg.Optimizer.IdleInterval = getEnvDuration("OPTIMIZER_IDLE_INTERVAL", 180*time.Second)
	cfg.Optimizer.StationaryThreshold = getEnvFloat("OPTIMIZER_STATIONARY_THRESHOLD", 0.3)
	cfg.Optimizer.StationaryTimeout = getEnvDuration("OPTIMIZER_STATIONARY_TIMEOUT", 3*time.Minute)
	cfg.Optimizer.SmoothingWindow = getEnvInt("OPTIMIZER_SMOOTHING_WINDOW", 10)
	cfg.Optimizer.BatteryLowPercent = getEnvFloat("OPTIMIZER_BATTERY_LOW_PERCENT", 20)
	cfg.Optimizer.BatteryDebounce = getEnvDuration("OPTIMIZER_BATTERY_DEBOUNCE", time.Minute)
	cfg.Optimizer.MovementMeters = getEnvFloat("OPTIMIZER_MOVEMENT_METERS", 50)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":9102")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验必填项与取值范围
func (c *Config) Validate() error {
	var errs []error
	if c.Geofence.UserID == "" {
		errs = append(errs, errors.New("GEOFENCE_USER_ID is required"))
	}
	switch c.Geofence.PositionSource {
	case PositionSourceRedis, PositionSourceMQTT, PositionSourceKafka:
	default:
		errs = append(errs, fmt.Errorf("unsupported GEOFENCE_POSITION_SOURCE %q", c.Geofence.PositionSource))
	}
	if c.Geofence.PositionSource == PositionSourceKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required for kafka position source"))
	}
	if c.Optimizer.BaseInterval <= 0 || c.Optimizer.IdleInterval < c.Optimizer.BaseInterval {
		errs = append(errs, errors.New("OPTIMIZER_IDLE_INTERVAL must be >= OPTIMIZER_BASE_INTERVAL > 0"))
	}
	if c.Geofence.ExitDebounce < 0 {
		errs = append(errs, errors.New("GEOFENCE_EXIT_DEBOUNCE must not be negative"))
	}
	return errors.Join(errs...)
}

// UsesMQTT 是否需要 MQTT 连接
func (c *Config) UsesMQTT() bool {
	return c.Geofence.PositionSource == PositionSourceMQTT || c.Geofence.MQTTSignals
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return config.EnvDuration(key, defaultValue)
}

// getEnvStringSlice 逗号分隔，忽略空项
func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
