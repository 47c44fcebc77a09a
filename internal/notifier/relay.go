package notifier

import (
	"context"
	"encoding/json"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/notifier/ws"
	"github.com/avu-1/CREDORA/pkg/utils/cache"

	"go.uber.org/zap"
)

const (
	EventTransactionSent     = "transaction:sent"
	EventTransactionReceived = "transaction:received"
)

// Relay subscribes to the commit-event channel and routes each event to the
// websocket rooms of the accounts and users involved.
type Relay struct {
	cache   *cache.Cache
	channel string
	manager *ws.Manager
	logger  *zap.Logger
}

func NewRelay(c *cache.Cache, channel string, manager *ws.Manager, logger *zap.Logger) *Relay {
	return &Relay{cache: c, channel: channel, manager: manager, logger: logger}
}

// Run blocks until ctx is done. ready, when non-nil, is closed once the
// subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.cache.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info("notification relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.CommitEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("dropping malformed commit event", zap.Error(err))
				continue
			}
			r.Route(&ev)
		}
	}
}

// Route delivers ev to the sender and recipient rooms.
func (r *Relay) Route(ev *domain.CommitEvent) {
	if ev.Type != domain.EventNewTransaction || ev.Transaction == nil {
		return
	}
	sent := ws.Message{Type: EventTransactionSent, Data: ev.Transaction}
	received := ws.Message{Type: EventTransactionReceived, Data: ev.Transaction}

	senderRooms := []string{ws.AccountRoom(ev.FromAccountID)}
	if ev.FromUserID != "" {
		senderRooms = append(senderRooms, ws.UserRoom(ev.FromUserID))
	}
	recipientRooms := []string{ws.AccountRoom(ev.ToAccountID)}
	if ev.ToUserID != "" {
		recipientRooms = append(recipientRooms, ws.UserRoom(ev.ToUserID))
	}

	n := r.manager.SendRooms(sent, senderRooms...)
	n += r.manager.SendRooms(received, recipientRooms...)
	r.logger.Debug("commit event relayed",
		zap.String("reference", ev.Transaction.ReferenceNumber),
		zap.Int("deliveries", n))
}
