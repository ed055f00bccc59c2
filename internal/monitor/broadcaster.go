package monitor

import (
	"sync"

	"go.uber.org/zap"

	"wisefido-geofence/internal/models"
)

// Subscription 事件订阅
type Subscription struct {
	C <-chan models.GeofenceEvent

	id uint64
	b  *Broadcaster
}

// Close 取消订阅并关闭 C
func (s *Subscription) Close() {
	s.b.unsubscribe(s.id)
}

// Broadcaster 多订阅者事件广播
// 发布不阻塞：订阅者缓冲区满时丢弃该订阅者的这条事件
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan models.GeofenceEvent
	nextID uint64
	buffer int
	onDrop func()
	logger *zap.Logger
}

// NewBroadcaster 创建广播器
func NewBroadcaster(buffer int, onDrop func(), logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 1
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Broadcaster{
		subs:   make(map[uint64]chan models.GeofenceEvent),
		buffer: buffer,
		onDrop: onDrop,
		logger: logger,
	}
}

// Subscribe 新增订阅者
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan models.GeofenceEvent, b.buffer)
	b.subs[b.nextID] = ch
	return &Subscription{C: ch, id: b.nextID, b: b}
}

// Publish 发布事件
func (b *Broadcaster) Publish(event models.GeofenceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.onDrop()
			b.logger.Warn("Subscriber buffer full, event dropped for subscriber",
				zap.Uint64("subscriber_id", id),
				zap.String("event_id", event.EventID),
			)
		}
	}
}

// Len 订阅者数量
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}
