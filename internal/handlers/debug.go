package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PresenceDump is the registry view used by the debug endpoint.
type PresenceDump interface {
	Snapshot() []int64
	Count() int
}

// ConnectionCounter reports open sockets, superseded ones included.
type ConnectionCounter interface {
	ConnectionCount() int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, presence PresenceDump, conns ConnectionCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/presence", func(c *gin.Context) {
		ids := presence.Snapshot()
		if ids == nil {
			ids = []int64{}
		}
		resp := gin.H{"online": ids, "users": presence.Count()}
		if conns != nil {
			resp["connections"] = conns.ConnectionCount()
		}
		c.JSON(http.StatusOK, resp)
	})
}
