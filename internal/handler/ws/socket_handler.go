package wshandler

import (
	"context"
	"net/http"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/notifier/ws"
	"github.com/avu-1/CREDORA/pkg/auth/middleware"
	"github.com/avu-1/CREDORA/pkg/response"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit = 512
	pongWait  = 60 * time.Second
)

type AccountLister interface {
	Accounts(ctx context.Context, userID string, fresh bool) ([]*domain.Account, error)
}

type WSHandler struct {
	manager  *ws.Manager
	accounts AccountLister
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler builds the socket handler. allowedOrigins empty means any
// origin is accepted.
func NewWSHandler(manager *ws.Manager, accounts AccountLister, allowedOrigins []string, logger *zap.Logger) *WSHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &WSHandler{
		manager:  manager,
		accounts: accounts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// HandleNotifications upgrades the request and joins the caller to its user
// room and one room per owned account.
func (h *WSHandler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.ErrorWithReason(w, http.StatusUnauthorized, "unauthorized", "missing user")
		return
	}

	accounts, err := h.accounts.Accounts(r.Context(), userID, false)
	if err != nil {
		h.logger.Error("ws: failed to load accounts", zap.String("user_id", userID), zap.Error(err))
		response.ErrorWithReason(w, http.StatusInternalServerError, "internal", "could not load accounts")
		return
	}
	rooms := []string{ws.UserRoom(userID)}
	for _, a := range accounts {
		rooms = append(rooms, ws.AccountRoom(a.ID))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := h.manager.Add(userID, conn, rooms...)
	defer h.manager.Remove(c)

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		c.Touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		c.Touch()
	}
}
