package wsapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking beyond "allow all" is out of scope; authentication is
	// handled by a layer in front of this server, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRoutes wires the single /ws endpoint onto engine.
func RegisterRoutes(engine *gin.Engine, hub *Hub) {
	engine.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		hub.HandleConnection(c.Request.Context(), conn)
	})
}
