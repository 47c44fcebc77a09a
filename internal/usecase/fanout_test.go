package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestFanoutPoolRunsAndDrainsOnStop(t *testing.T) {
	pool := NewFanoutPool(3, 64, time.Second, zap.NewNop())
	pool.Start()

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		ok := pool.Submit(&FanoutTask{Kind: FanoutKindPublish, Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
		assert.True(t, ok)
	}
	pool.Stop()
	assert.Equal(t, int32(50), ran.Load())

	assert.False(t, pool.Submit(&FanoutTask{Kind: FanoutKindPublish, Run: func(context.Context) error { return nil }}))
}

func TestFanoutPoolDropsWhenFull(t *testing.T) {
	pool := NewFanoutPool(1, 1, time.Second, zap.NewNop())
	pool.Start()
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	assert.True(t, pool.Submit(&FanoutTask{Kind: FanoutKindAudit, Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	assert.True(t, pool.Submit(&FanoutTask{Kind: FanoutKindAudit, Run: func(context.Context) error { return nil }}))
	assert.False(t, pool.Submit(&FanoutTask{Kind: FanoutKindAudit, Run: func(context.Context) error { return nil }}))
	close(block)
}

func TestFanoutPoolIsolatesFailures(t *testing.T) {
	pool := NewFanoutPool(1, 8, 20*time.Millisecond, zap.NewNop())
	pool.Start()

	var after atomic.Bool
	pool.Submit(&FanoutTask{Kind: FanoutKindPublish, Run: func(context.Context) error { panic("boom") }})
	pool.Submit(&FanoutTask{Kind: FanoutKindPublish, Run: func(context.Context) error { return errors.New("down") }})
	pool.Submit(&FanoutTask{Kind: FanoutKindPublish, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	pool.Submit(&FanoutTask{Kind: FanoutKindPublish, Run: func(context.Context) error {
		after.Store(true)
		return nil
	}})
	pool.Stop()

	assert.True(t, after.Load())
}
