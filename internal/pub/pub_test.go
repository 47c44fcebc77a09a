package pub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/pkg/utils/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memWriter struct {
	msgs []kafka.Message
	err  error
}

func (m *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *memWriter) Close() error { return nil }

func sampleEvent() *domain.CommitEvent {
	return domain.NewCommitEvent(&domain.Transaction{
		ID:              "t1",
		FromAccountID:   "acc-s",
		ToAccountID:     "acc-r",
		Amount:          decimal.RequireFromString("30.00"),
		BalanceAfter:    decimal.RequireFromString("70.00"),
		ReferenceNumber: "TXN1",
		Status:          domain.TxCompleted,
	}, "user-s", "user-r")
}

func TestDispatcherPublishesToRedisAndKafka(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := cache.NewCacheFromClient(rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := c.Subscribe(ctx, ChannelTransactions)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	w := &memWriter{}
	d := NewDispatcher(zap.NewNop(), NewRedisPublisher(c, ""), NewKafkaSink(w))
	require.NoError(t, d.Publish(ctx, sampleEvent()))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "new_transaction", got["type"])
	assert.Equal(t, "acc-s", got["fromAccountId"])
	assert.Equal(t, "acc-r", got["toAccountId"])
	assert.NotNil(t, got["transaction"])

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "acc-s", string(w.msgs[0].Key))
	assert.False(t, w.msgs[0].Time.IsZero())
}

func TestDispatcherKeepsGoingAfterSinkFailure(t *testing.T) {
	failing := &memWriter{err: errors.New("broker down")}
	ok := &memWriter{}
	d := NewDispatcher(zap.NewNop(), NewKafkaSink(failing), NewKafkaSink(ok))

	err := d.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.msgs, 1)
}
