package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	mqttcommon "wisefido-geofence/internal/common/mqtt"
	"wisefido-geofence/internal/models"
)

// ErrNoBatteryReading 尚未收到电量读数
var ErrNoBatteryReading = errors.New("no battery reading received yet")

// Subscriber MQTT 订阅接口（*mqttcommon.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTTopics 订阅主题（支持 + 通配符，格式 geofence/{device_id}/{kind}）
type MQTTTopics struct {
	Position string
	Motion   string
	Battery  string
}

// DefaultMQTTTopics 默认主题
func DefaultMQTTTopics() MQTTTopics {
	return MQTTTopics{
		Position: "geofence/+/position",
		Motion:   "geofence/+/motion",
		Battery:  "geofence/+/battery",
	}
}

// MQTTConsumer 通过 MQTT 接收定位、运动、电量信号
// 分别实现 monitor.PositionSource / MotionSource / BatterySource
type MQTTConsumer struct {
	client Subscriber
	topics MQTTTopics
	qos    byte
	buffer int
	logger *zap.Logger

	batteryMu sync.RWMutex
	battery   *models.BatteryReading
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(client Subscriber, topics MQTTTopics, qos byte, buffer int, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		client: client,
		topics: topics,
		qos:    qos,
		buffer: buffer,
		logger: logger,
	}
}

// Fixes 实现 monitor.PositionSource
func (c *MQTTConsumer) Fixes(ctx context.Context) (<-chan models.PositionFix, error) {
	out := newFeed[models.PositionFix](ctx, c.buffer)
	err := c.subscribe(ctx, c.topics.Position, out.close, func(topic string, payload []byte) error {
		var fix models.PositionFix
		if err := json.Unmarshal(payload, &fix); err != nil {
			return fmt.Errorf("failed to unmarshal position: %w", err)
		}
		if fix.DeviceID == "" {
			fix.DeviceID = deviceIDFromTopic(topic)
		}
		out.send(fix)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.ch, nil
}

// Motion 实现 monitor.MotionSource
func (c *MQTTConsumer) Motion(ctx context.Context) (<-chan models.MotionSample, error) {
	out := newFeed[models.MotionSample](ctx, c.buffer)
	err := c.subscribe(ctx, c.topics.Motion, out.close, func(topic string, payload []byte) error {
		var sample models.MotionSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			return fmt.Errorf("failed to unmarshal motion sample: %w", err)
		}
		if sample.DeviceID == "" {
			sample.DeviceID = deviceIDFromTopic(topic)
		}
		out.send(sample)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.ch, nil
}

// StartBattery 订阅电量主题，缓存最新读数供 ReadBattery 轮询
func (c *MQTTConsumer) StartBattery(ctx context.Context) error {
	return c.subscribe(ctx, c.topics.Battery, func() {}, func(topic string, payload []byte) error {
		var reading models.BatteryReading
		if err := json.Unmarshal(payload, &reading); err != nil {
			return fmt.Errorf("failed to unmarshal battery reading: %w", err)
		}
		c.batteryMu.Lock()
		c.battery = &reading
		c.batteryMu.Unlock()
		return nil
	})
}

// ReadBattery 实现 monitor.BatterySource
func (c *MQTTConsumer) ReadBattery(ctx context.Context) (models.BatteryReading, error) {
	c.batteryMu.RLock()
	defer c.batteryMu.RUnlock()
	if c.battery == nil {
		return models.BatteryReading{}, ErrNoBatteryReading
	}
	return *c.battery, nil
}

// subscribe 订阅主题，ctx 取消后退订并执行 onDone
func (c *MQTTConsumer) subscribe(ctx context.Context, topic string, onDone func(), handler mqttcommon.MessageHandler) error {
	logged := func(t string, payload []byte) error {
		if err := handler(t, payload); err != nil {
			c.logger.Warn("Failed to handle MQTT message",
				zap.String("topic", t),
				zap.Error(err),
			)
			return err
		}
		return nil
	}
	if err := c.client.Subscribe(topic, c.qos, logged); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	c.logger.Info("Subscribed to MQTT topic", zap.String("topic", topic))

	go func() {
		<-ctx.Done()
		if err := c.client.Unsubscribe(topic); err != nil {
			c.logger.Warn("Failed to unsubscribe MQTT topic", zap.String("topic", topic), zap.Error(err))
		}
		onDone()
	}()
	return nil
}

// deviceIDFromTopic 解析 geofence/{device_id}/{kind}
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[len(parts)-2]
	}
	return ""
}
