package distributed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"camgrid/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T, instanceID string) *EventBus {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return NewEventBus(client, "", instanceID, zaptest.NewLogger(t).Sugar())
}

func TestEventBus_DefaultChannel(t *testing.T) {
	bus := newTestBus(t, "node-a")
	assert.Equal(t, DefaultChannel, bus.Channel())
}

func TestEventBus_EncodeStampsInstance(t *testing.T) {
	bus := newTestBus(t, "node-a")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	data, err := bus.encode(domain.StreamEvent{
		Type:     domain.EventStreamAdded,
		StreamID: "cam1",
		Source:   "rtsp://cam/1",
		At:       at,
	})
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "stream.added", wire["type"])
	assert.Equal(t, "cam1", wire["stream_id"])
	assert.Equal(t, "rtsp://cam/1", wire["source"])
	assert.Equal(t, "node-a", wire["instance_id"])
}

func TestEventBus_DecodeSkipsOwnEvents(t *testing.T) {
	a := newTestBus(t, "node-a")
	b := newTestBus(t, "node-b")

	data, err := a.encode(domain.StreamEvent{Type: domain.EventStreamRemoved, StreamID: "cam2"})
	require.NoError(t, err)

	event, remote, err := b.decode(string(data))
	require.NoError(t, err)
	assert.True(t, remote)
	assert.Equal(t, domain.StreamID("cam2"), event.StreamID)
	assert.Equal(t, "node-a", event.InstanceID)

	_, remote, err = a.decode(string(data))
	require.NoError(t, err)
	assert.False(t, remote)

	_, _, err = b.decode("{not json")
	assert.Error(t, err)
}

func TestEventBus_PublishUnreachable(t *testing.T) {
	bus := newTestBus(t, "node-a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := bus.PublishStreamEvent(ctx, domain.StreamEvent{Type: domain.EventStreamStarted, StreamID: "cam1"})
	assert.Error(t, err)
}

func TestEventBus_CloseWithoutSubscribe(t *testing.T) {
	assert.NoError(t, newTestBus(t, "node-a").Close())
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, ClientConfig{Address: "127.0.0.1:1", PoolSize: 1}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
	assert.Nil(t, client)
}
