package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-geofence/internal/models"
)

type fakeGroupSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeGroupSession) Context() context.Context { return s.ctx }

func (s *fakeGroupSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeGroupSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeGroupClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeGroupClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestPositionClaimHandler_ConsumeClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := newFeed[models.PositionFix](ctx, 4)
	handler := &positionClaimHandler{out: out, logger: zap.NewNop()}
	session := &fakeGroupSession{ctx: ctx}
	claim := &fakeGroupClaim{messages: make(chan *sarama.ConsumerMessage, 3)}

	claim.messages <- &sarama.ConsumerMessage{
		Topic:  "geofence-positions",
		Key:    []byte("dev-1"),
		Value:  []byte(`{"lat":31.2,"lon":121.5,"timestamp":"2026-01-01T08:00:00Z"}`),
		Offset: 10,
	}
	claim.messages <- &sarama.ConsumerMessage{Value: []byte(`oops`), Offset: 11}
	claim.messages <- &sarama.ConsumerMessage{
		Key:    []byte("dev-1"),
		Value:  []byte(`{"device_id":"dev-2","lat":1,"lon":2,"timestamp":"2026-01-01T08:00:01Z"}`),
		Offset: 12,
	}
	close(claim.messages)

	require.NoError(t, handler.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{10, 11, 12}, session.markedOffsets())

	first := <-out.ch
	assert.Equal(t, "dev-1", first.DeviceID)
	second := <-out.ch
	assert.Equal(t, "dev-2", second.DeviceID)
}

func TestPositionClaimHandler_StopsOnSessionDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := newFeed[models.PositionFix](context.Background(), 0)
	handler := &positionClaimHandler{out: out, logger: zap.NewNop()}
	session := &fakeGroupSession{ctx: ctx}
	claim := &fakeGroupClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- handler.ConsumeClaim(session, claim) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return after session cancel")
	}
	assert.Empty(t, session.markedOffsets())
}
