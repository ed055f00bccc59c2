package consumer

import (
	"context"
	"sync"
)

// feed 回调到 channel 的桥接：关闭后 send 返回 false，且不会向已关闭的 channel 发送
type feed[T any] struct {
	ctx    context.Context
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func newFeed[T any](ctx context.Context, buffer int) *feed[T] {
	if buffer < 0 {
		buffer = 0
	}
	return &feed[T]{ctx: ctx, ch: make(chan T, buffer)}
}

// send 阻塞直到被消费或 ctx 取消
func (f *feed[T]) send(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- v:
		return true
	case <-f.ctx.Done():
		return false
	}
}

func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
