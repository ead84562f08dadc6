package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"healthai/internal/pubsub"
	"healthai/internal/service"
	"healthai/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (d Dependencies) upgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(d.CORSOrigins))
	for _, o := range d.CORSOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// wsHandler upgrades an authenticated request. The identity was already
// established by the auth middleware, which accepts ?token= on upgrades.
func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "Live updates are not available", d.Log)
		return
	}
	uid := userID(r)

	conn, err := d.upgrader().Upgrade(w, r, nil)
	if err != nil {
		d.Log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	d.Log.Debug("WebSocket connected", zap.String("user_id", uid), zap.String("remote", r.RemoteAddr))

	wsConn := ws.NewConn(conn, d.Hub, uid)
	d.Hub.Register(wsConn)

	// the request context ends when this handler returns
	ctx := context.WithoutCancel(r.Context())
	go wsConn.WritePump()
	go wsConn.ReadPump(ctx)
}

// ChannelAuthorizer lets a user subscribe to their own user channel and to
// the channels of analyses they own.
func ChannelAuthorizer(analyses *service.AnalysisService) ws.Authorizer {
	return func(ctx context.Context, userID, channel string) bool {
		kind, id, ok := pubsub.ChannelOwner(channel)
		if !ok {
			return false
		}
		switch kind {
		case "user":
			return id == userID
		case "analysis":
			aid, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return false
			}
			_, err = analyses.Get(ctx, userID, aid)
			return err == nil
		}
		return false
	}
}
