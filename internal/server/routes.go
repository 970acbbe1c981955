package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"

	"github.com/syncrelay/syncrelay/internal/server/metrics"
	"github.com/syncrelay/syncrelay/internal/version"
)

type SessionInfo struct {
	ID           string    `json:"id"`
	ConnID       string    `json:"conn_id"`
	Addr         string    `json:"addr"`
	Version      string    `json:"version"`
	RegisteredAt time.Time `json:"registered_at"`
	Pending      int       `json:"pending"`
}

func sessionInfo(s *Session) SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		ConnID:       s.ConnID,
		Addr:         s.Addr,
		Version:      s.Version,
		RegisteredAt: s.RegisteredAt,
		Pending:      s.Pending(),
	}
}

func SetupRoutes(relay *Relay) http.Handler {
	r := gin.New()

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/sessions", func(c *gin.Context) {
			sessions := relay.Registry().Snapshot()
			res := make([]SessionInfo, 0, len(sessions))
			for _, s := range sessions {
				res = append(res, sessionInfo(s))
			}
			c.PureJSON(http.StatusOK, gin.H{
				"sessions": res,
			})
		})

		v1.GET("/sessions/:id", func(c *gin.Context) {
			s, ok := relay.Registry().Get(c.Param("id"))
			if !ok {
				c.PureJSON(http.StatusNotFound, gin.H{
					"error": "session not found",
				})
				return
			}
			c.PureJSON(http.StatusOK, sessionInfo(s))
		})
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler()
}

func IndexHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.DetailedWithApp())
}

func HealthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
