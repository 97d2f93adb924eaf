package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler upgrades the request to a websocket and streams status-change
// events as JSON frames. Subscription scope comes from query parameters:
// ?user=<id> or ?instance=<id>.
func StreamHandler(d *Dispatcher) http.HandlerFunc {
	log := logger.New("events-ws")

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		instanceID := r.URL.Query().Get("instance")
		if userID == "" && instanceID == "" {
			http.Error(w, "user or instance query parameter required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("Websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		var sub *Subscription
		if userID != "" {
			sub = d.SubscribeUser(userID)
		} else {
			sub = d.SubscribeInstance(instanceID)
		}
		defer sub.Close()

		// Drain the read side so close frames and pongs are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					sub.Close()
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}
