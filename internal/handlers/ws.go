// internal/handlers/ws.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"liverscan-back/internal/broadcast"
	"liverscan-back/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is handled at the middleware layer; the cookie carries auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ScanStatus upgrades to a WebSocket and streams the scan's status
// events until the client disconnects. Events published before the
// subscription are not replayed; clients poll the task endpoints to
// catch up.
func ScanStatus(db *gorm.DB, hub *broadcast.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		scanID, ok := paramID(c, "id")
		if !ok {
			return
		}
		if _, ok := userScan(c, db, scanID); !ok {
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Uint("scan_id", scanID), zap.Error(err))
			return
		}
		defer conn.Close()

		sub := hub.Subscribe(scanID)
		defer hub.Unsubscribe(sub)

		// reader loop only to observe the close handshake
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}
