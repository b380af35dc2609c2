// README: Websocket upgrade handler binding the authenticated caller to a presence session.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rideline/internal/modules/presence"
)

type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, sess presence.Session)
}

type SocketHandler struct {
	server SocketServer
}

func NewSocketHandler(server SocketServer) *SocketHandler {
	return &SocketHandler{server: server}
}

func (h *SocketHandler) Serve(c *gin.Context) {
	h.server.ServeWS(c.Writer, c.Request, presence.Session{
		UserID: callerID(c),
		Role:   callerRole(c),
	})
}
