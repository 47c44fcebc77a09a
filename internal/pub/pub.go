package pub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/pkg/utils/cache"

	"go.uber.org/zap"
)

// ChannelTransactions carries commit events between the ledger and the
// realtime relay.
const ChannelTransactions = "transactions"

// Sink is one destination for commit events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *domain.CommitEvent) error
}

// RedisPublisher publishes commit events on a redis pub/sub channel.
type RedisPublisher struct {
	cache   *cache.Cache
	channel string
}

func NewRedisPublisher(c *cache.Cache, channel string) *RedisPublisher {
	if channel == "" {
		channel = ChannelTransactions
	}
	return &RedisPublisher{cache: c, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, ev *domain.CommitEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode commit event: %w", err)
	}
	return p.cache.Publish(ctx, p.channel, payload)
}

// Dispatcher hands a commit event to every sink. A failing sink is logged and
// does not stop the others; nothing is retried here.
type Dispatcher struct {
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger, now: time.Now}
}

func (d *Dispatcher) Publish(ctx context.Context, ev *domain.CommitEvent) error {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = d.now().UTC()
	}
	var errs []error
	for _, s := range d.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			d.logger.Warn("commit event dispatch failed",
				zap.String("sink", s.Name()),
				zap.String("reference", ev.Transaction.ReferenceNumber),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
