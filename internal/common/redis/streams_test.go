package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPublishJSONToStream_ReadFromStream(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "positions", "geofence-group"))
	// 重复创建不报错
	require.NoError(t, CreateConsumerGroup(ctx, client, "positions", "geofence-group"))

	payload := map[string]interface{}{"device_id": "dev-1", "lat": 1.5}
	id, err := PublishJSONToStream(ctx, client, "positions", payload, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	messages, err := ReadFromStream(ctx, client, "positions", "geofence-group", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)

	data, err := messages[0].Data()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(data), &decoded))
	assert.Equal(t, "dev-1", decoded["device_id"])

	require.NoError(t, Ack(ctx, client, "positions", "geofence-group", messages[0].ID))
	pending, err := client.XPending(ctx, "positions", "geofence-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestPublishToStream_StringifiesValues(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	_, err := PublishToStream(ctx, client, "s", map[string]interface{}{
		"i": 42,
		"f": 1.25,
		"b": true,
		"m": map[string]int{"x": 1},
	}, 0)
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, "s", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].Values["i"])
	assert.Equal(t, "1.25", msgs[0].Values["f"])
	assert.Equal(t, "true", msgs[0].Values["b"])
	assert.Equal(t, `{"x":1}`, msgs[0].Values["m"])
}

func TestStreamMessage_Data_Missing(t *testing.T) {
	_, err := StreamMessage{ID: "1-0", Values: map[string]interface{}{}}.Data()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing data field")

	_, err = StreamMessage{ID: "1-0", Values: map[string]interface{}{"data": 3}}.Data()
	assert.Error(t, err)
}
