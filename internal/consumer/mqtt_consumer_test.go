package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqttcommon "wisefido-geofence/internal/common/mqtt"
)

type fakeSubscriber struct {
	mu           sync.Mutex
	handlers     map[string]mqttcommon.MessageHandler
	unsubscribed []string
	subscribeErr error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]mqttcommon.MessageHandler)}
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqttcommon.MessageHandler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func (f *fakeSubscriber) deliver(pattern, topic string, payload string) error {
	f.mu.Lock()
	handler := f.handlers[pattern]
	f.mu.Unlock()
	if handler == nil {
		return errors.New("not subscribed")
	}
	return handler(topic, []byte(payload))
}

func (f *fakeSubscriber) unsubscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

func TestMQTTConsumer_Fixes(t *testing.T) {
	sub := newFakeSubscriber()
	topics := DefaultMQTTTopics()
	c := NewMQTTConsumer(sub, topics, 1, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Fixes(ctx)
	require.NoError(t, err)

	// device_id 缺省时取自主题
	require.NoError(t, sub.deliver(topics.Position, "geofence/dev-7/position",
		`{"lat":31.2,"lon":121.5,"timestamp":"2026-01-01T08:00:00Z"}`))
	fix := <-ch
	assert.Equal(t, "dev-7", fix.DeviceID)
	assert.InDelta(t, 121.5, fix.Longitude, 1e-9)

	assert.Error(t, sub.deliver(topics.Position, "geofence/dev-7/position", `not-json`))

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Eventually(t, func() bool {
		return len(sub.unsubscribedTopics()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMQTTConsumer_Motion(t *testing.T) {
	sub := newFakeSubscriber()
	topics := DefaultMQTTTopics()
	c := NewMQTTConsumer(sub, topics, 0, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.Motion(ctx)
	require.NoError(t, err)

	require.NoError(t, sub.deliver(topics.Motion, "geofence/dev-2/motion",
		`{"device_id":"dev-9","magnitude":9.9,"timestamp":"2026-01-01T08:00:00Z"}`))
	sample := <-ch
	assert.Equal(t, "dev-9", sample.DeviceID)
	assert.InDelta(t, 9.9, sample.Magnitude, 1e-9)
}

func TestMQTTConsumer_Battery(t *testing.T) {
	sub := newFakeSubscriber()
	topics := DefaultMQTTTopics()
	c := NewMQTTConsumer(sub, topics, 0, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.StartBattery(ctx))

	_, err := c.ReadBattery(ctx)
	assert.ErrorIs(t, err, ErrNoBatteryReading)

	require.NoError(t, sub.deliver(topics.Battery, "geofence/dev-1/battery", `{"level_percent":15,"is_charging":false}`))
	require.NoError(t, sub.deliver(topics.Battery, "geofence/dev-1/battery", `{"level_percent":14,"is_charging":true}`))

	reading, err := c.ReadBattery(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 14, reading.LevelPercent, 1e-9)
	assert.True(t, reading.IsCharging)
}

func TestMQTTConsumer_SubscribeError(t *testing.T) {
	sub := newFakeSubscriber()
	sub.subscribeErr = errors.New("not connected")
	c := NewMQTTConsumer(sub, DefaultMQTTTopics(), 0, 4, zap.NewNop())

	_, err := c.Fixes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geofence/+/position")
}

func TestDeviceIDFromTopic(t *testing.T) {
	assert.Equal(t, "dev-1", deviceIDFromTopic("geofence/dev-1/position"))
	assert.Equal(t, "dev-1", deviceIDFromTopic("tenant/a/geofence/dev-1/position"))
	assert.Equal(t, "", deviceIDFromTopic("position"))
}
