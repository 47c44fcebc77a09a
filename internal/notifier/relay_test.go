package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/notifier/ws"
	"github.com/avu-1/CREDORA/internal/pub"
	"github.com/avu-1/CREDORA/pkg/utils/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// roomServer upgrades every request and joins it to the rooms named in the
// comma-separated "rooms" query parameter.
func roomServer(t *testing.T, m *ws.Manager) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := m.Add(r.URL.Query().Get("user"), conn, strings.Split(r.URL.Query().Get("rooms"), ",")...)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				m.Remove(c)
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user, rooms string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user + "&rooms=" + rooms
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestRelayRoutesCommitEventsToRooms(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := cache.NewCacheFromClient(rdb)

	logger := zap.NewNop()
	manager := ws.NewManager(logger)
	srv := roomServer(t, manager)

	sender := dial(t, srv, "user-s", "user:user-s,account:acc-s")
	recipient := dial(t, srv, "user-r", "user:user-r,account:acc-r")
	require.Eventually(t, func() bool { return manager.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	relay := NewRelay(c, pub.ChannelTransactions, manager, logger)
	go func() { _ = relay.Run(ctx, ready) }()
	<-ready

	ev := domain.NewCommitEvent(&domain.Transaction{
		ID: "t1", FromAccountID: "acc-s", ToAccountID: "acc-r",
		Amount: decimal.RequireFromString("30.00"), ReferenceNumber: "TXN42", Status: domain.TxCompleted,
	}, "user-s", "user-r")
	require.NoError(t, pub.NewRedisPublisher(c, pub.ChannelTransactions).Publish(ctx, ev))

	got := readMessage(t, sender)
	assert.Equal(t, EventTransactionSent, got["type"])
	assert.Equal(t, "TXN42", got["data"].(map[string]interface{})["reference_number"])

	got = readMessage(t, recipient)
	assert.Equal(t, EventTransactionReceived, got["type"])

	// the sender is in two matching rooms but gets the event once
	_ = sender.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := sender.ReadMessage()
	assert.Error(t, err)
}

func TestRouteIgnoresOtherEvents(t *testing.T) {
	manager := ws.NewManager(zap.NewNop())
	relay := NewRelay(nil, "", manager, zap.NewNop())
	relay.Route(&domain.CommitEvent{Type: "something_else"})
	relay.Route(&domain.CommitEvent{Type: domain.EventNewTransaction})
	assert.Equal(t, 0, manager.Count())
}
