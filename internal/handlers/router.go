package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
)

// NewRouter wires the HTTP control API and the events socket.
func NewRouter(cfg *config.Config, api *API) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "agents": api.Agents.Len()})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		calls := apiGroup.Group("/calls", auth)
		calls.POST("", api.StartCall)
		calls.POST("/accept", api.AcceptCall)
		calls.POST("/reject", api.RejectCall)
		calls.POST("/hangup", api.Hangup)
		calls.GET("/current", api.CurrentCall)

		rooms := apiGroup.Group("/rooms/:roomId", auth)
		rooms.POST("/call", api.StartRoomCall)
		rooms.POST("/call/join", api.JoinRoomCall)
		rooms.DELETE("/call", api.LeaveRoomCall)
		rooms.GET("/call", api.GetRoomCall)
		rooms.POST("/screenshare", api.StartRoomShare)
		rooms.POST("/screenshare/join", api.JoinRoomShare)
		rooms.DELETE("/screenshare", api.StopRoomShare)
		rooms.GET("/screenshare", api.GetRoomShare)

		share := apiGroup.Group("/screenshare", auth)
		share.POST("", api.StartShare)
		share.DELETE("", api.StopShare)
	}

	// The browser WebSocket API cannot set headers, so the token comes as
	// ?token=.
	router.GET("/ws/events", auth, api.Events)

	return router
}
