package sink

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	rediscommon "wisefido-geofence/internal/common/redis"
	"wisefido-geofence/internal/models"
)

// DefaultEventStream 事件输出流
const DefaultEventStream = "geofence:events:stream"

// StreamSink 发布事件到 Redis Streams，下游（告警、通知服务）以消费者组方式读取
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink 创建 Redis Streams Sink，maxLen <= 0 表示不裁剪
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = DefaultEventStream
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Record(ctx context.Context, event models.GeofenceEvent) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, event, s.maxLen); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", s.stream, err)
	}
	return nil
}
