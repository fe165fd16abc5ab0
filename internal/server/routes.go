package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"

	"github.com/openacl/aclsync/internal/bus"
	"github.com/openacl/aclsync/internal/tableacl"
	"github.com/openacl/aclsync/internal/version"
)

func SetupRoutes(mgr *tableacl.Manager, hub *bus.Hub) http.Handler {
	r := gin.New()

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.PureJSON(http.StatusOK, gin.H{"status": "ok", "version": version.Short()})
	})

	aclH := NewACLHandler(mgr)

	v1 := r.Group("/v1")
	{
		v1.GET("/acl/:project", aclH.GetACL)
		v1.POST("/acl/:project/users/:user/tables/:table", aclH.AddEntry)
		v1.DELETE("/acl/:project/users/:user/tables/:table", aclH.DeleteEntry)
		v1.DELETE("/acl/:project/users/:user", aclH.DeleteUser)
		v1.DELETE("/acl/:project/tables/:table", aclH.DeleteTable)

		// websocket relay for peer processes; absent when this server is
		// itself a peer of another relay
		if hub != nil {
			v1.GET("/events", hub.WebsocketHandler)
		}
	}

	return r
}
