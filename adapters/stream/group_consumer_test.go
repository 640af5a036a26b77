package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGroupConsumer(t *testing.T) {
	tests := []struct {
		name     string
		client   *redis.Client
		stream   string
		group    string
		consumer string
		wantErr  bool
		errMsg   string
	}{
		{
			name:     "valid configuration",
			client:   redis.NewClient(&redis.Options{}),
			stream:   "payment-results",
			group:    "gavel",
			consumer: "worker-1",
			wantErr:  false,
		},
		{
			name:     "nil client",
			client:   nil,
			stream:   "payment-results",
			group:    "gavel",
			consumer: "worker-1",
			wantErr:  true,
			errMsg:   "redis client cannot be nil",
		},
		{
			name:     "empty group",
			client:   redis.NewClient(&redis.Options{}),
			stream:   "payment-results",
			group:    "",
			consumer: "worker-1",
			wantErr:  true,
			errMsg:   "stream, group and consumer cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gc, err := NewGroupConsumer[TestEvent](tt.client, tt.stream, tt.group, tt.consumer)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, gc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, gc)
			}
			if tt.client != nil {
				tt.client.Close()
			}
		})
	}
}

func publishTestEvent(t *testing.T, client *redis.Client, stream string, event TestEvent) {
	t.Helper()
	values, err := EncodeValues(event)
	require.NoError(t, err)
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err())
}

func TestGroupConsumer_DeliverAndAck(t *testing.T) {
	client := setupMini(t)
	ctx := context.Background()

	gc, err := NewGroupConsumer[TestEvent](client, "payment-results", "gavel", "worker-1",
		WithGroupConsumerBlockTimeout[TestEvent](20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, gc.Start())
	defer gc.Close()

	event := TestEvent{ID: "order-1", Data: "success"}
	publishTestEvent(t, client, "payment-results", event)

	select {
	case delivery := <-gc.Subscribe():
		assert.Equal(t, event, delivery.Data)
		require.NoError(t, delivery.Ack(ctx))
		// 重複Ack是no-op
		require.NoError(t, delivery.Ack(ctx))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Ack之後group沒有pending消息
	pending, err := client.XPending(ctx, "payment-results", "gavel").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

// group 在 Start 時建立，重啟不會因為 BUSYGROUP 失敗
func TestGroupConsumer_Restart(t *testing.T) {
	client := setupMini(t)

	gc, err := NewGroupConsumer[TestEvent](client, "payment-results", "gavel", "worker-1",
		WithGroupConsumerBlockTimeout[TestEvent](20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, gc.Start())
	require.NoError(t, gc.Close())
	require.NoError(t, gc.Start())
	require.NoError(t, gc.Close())
}

// 未確認就關閉的消息留在 pending，閒置夠久後被下一個消費者接手
func TestGroupConsumer_ClaimsIdlePending(t *testing.T) {
	client := setupMini(t)
	ctx := context.Background()

	first, err := NewGroupConsumer[TestEvent](client, "payment-results", "gavel", "worker-1",
		WithGroupConsumerBlockTimeout[TestEvent](20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, first.Start())

	event := TestEvent{ID: "order-2", Data: "failed"}
	publishTestEvent(t, client, "payment-results", event)

	select {
	case delivery := <-first.Subscribe():
		assert.Equal(t, event, delivery.Data)
		// 不Ack，模擬worker處理到一半掛掉
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first delivery")
	}
	require.NoError(t, first.Close())

	second, err := NewGroupConsumer[TestEvent](client, "payment-results", "gavel", "worker-2",
		WithGroupConsumerBlockTimeout[TestEvent](20*time.Millisecond),
		WithGroupConsumerClaimMinIdle[TestEvent](time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, second.Start())
	defer second.Close()

	select {
	case delivery := <-second.Subscribe():
		assert.Equal(t, event, delivery.Data)
		require.NoError(t, delivery.Ack(ctx))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for claimed delivery")
	}
}

func TestDelivery_DeadLetter(t *testing.T) {
	client := setupMini(t)
	ctx := context.Background()

	gc, err := NewGroupConsumer[TestEvent](client, "payment-results", "gavel", "worker-1",
		WithGroupConsumerBlockTimeout[TestEvent](20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, gc.Start())
	defer gc.Close()

	event := TestEvent{ID: "order-3", Data: "garbage"}
	publishTestEvent(t, client, "payment-results", event)

	select {
	case delivery := <-gc.Subscribe():
		require.NoError(t, delivery.DeadLetter(ctx, errors.New("unknown order")))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// 消息進了死信stream並帶上錯誤原因
	messages, err := client.XRange(ctx, "payment-results:dead-letter", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "unknown order", messages[0].Values["error"])

	// 原消息已確認
	pending, err := client.XPending(ctx, "payment-results", "gavel").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

// 解碼不了的消息直接進死信，不會堵住後面的消息
func TestGroupConsumer_UndecodableGoesToDeadLetter(t *testing.T) {
	client := setupMini(t)
	ctx := context.Background()

	gc, err := NewGroupConsumer[TestEvent](client, "payment-results", "gavel", "worker-1",
		WithGroupConsumerBlockTimeout[TestEvent](20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, gc.Start())
	defer gc.Close()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "payment-results",
		Values: map[string]any{"payload": "not-base64!!"},
	}).Err())
	good := TestEvent{ID: "order-4", Data: "success"}
	publishTestEvent(t, client, "payment-results", good)

	select {
	case delivery := <-gc.Subscribe():
		assert.Equal(t, good, delivery.Data)
		require.NoError(t, delivery.Ack(ctx))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	messages, err := client.XRange(ctx, "payment-results:dead-letter", "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}
