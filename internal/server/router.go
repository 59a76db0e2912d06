// Package server assembles the gateway's HTTP surface: the SSE research
// endpoint, persisted-thread views, websocket session attach, and account
// passthrough.
package server

import (
	"github.com/gin-gonic/gin"

	"github.com/dialectiq/research-gateway/internal/logger"
	"github.com/dialectiq/research-gateway/internal/metrics"
)

// NewRouter builds the gin engine with all gateway routes.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.Default()
	router.Use(requestIDMiddleware())

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	{
		api.POST("/research", h.Research)
		api.POST("/research/session", h.StartSession)
		api.GET("/research/session/:id", h.SessionState)

		api.GET("/chat/:id", h.GetChat)
		api.DELETE("/chat/:id", h.DeleteChat)
		api.GET("/chats", h.ListChats)

		auth := api.Group("/auth")
		{
			auth.POST("/login", h.Login)
			auth.POST("/register", h.Register)
			auth.GET("/check-username", h.CheckUsername)
			auth.GET("/me", h.Me)
		}
	}

	router.GET("/ws/research/:id", h.AttachWS)

	return router
}

// requestIDMiddleware stamps every request context with a request ID so log
// lines from one request correlate.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logger.WithRequestID(c.Request.Context(), logger.GenerateRequestID())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
