package main

import (
	"net/http"

	"chatcall/internal/httpapi"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Route wiring only. Handlers delegate to the user's call controller.

// registerCORS lets the browser UI on another origin reach the API. No origins, no CORS.
func registerCORS(r *gin.Engine, origins []string) {
	if len(origins) == 0 {
		return
	}
	config := cors.DefaultConfig()
	config.AllowOrigins = origins
	config.AllowHeaders = []string{"Authorization", "Content-Type", "Origin", "Accept", "X-Request-Id"}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.ExposeHeaders = []string{"X-Request-Id"}
	r.Use(cors.New(config))
}

func registerPublicRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func registerAuthRoutes(r *gin.Engine, h httpapi.Handlers) {
	// NOTE: demo token issuance; credentials are not checked.
	r.POST("/v1/auth/login", h.Login)
}

func registerProtectedRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.Use(authMW)

	callsGroup := v1.Group("/calls")
	{
		callsGroup.GET("/state", h.GetCallState)
		callsGroup.POST("", h.StartCall)
		callsGroup.POST("/accept", h.AcceptCall)
		callsGroup.POST("/reject", h.RejectCall)
		callsGroup.POST("/hangup", h.Hangup)
		callsGroup.POST("/mic", h.ToggleMic)
		callsGroup.POST("/speaker", h.SetSpeaker)

		// WebSockets: the access token may travel as ?access_token=.
		callsGroup.GET("/events", h.CallEvents)
		callsGroup.GET("/render/:slot", h.RenderSlot)
		callsGroup.DELETE("/render/:slot", h.DetachSlot)
	}

	presenceGroup := v1.Group("/presence")
	{
		presenceGroup.PUT("/:partner_id", h.EnterChat)
		presenceGroup.DELETE("", h.LeaveChat)
	}

	groups := v1.Group("/groups")
	{
		groups.POST("/:room_id/call", h.StartGroupCall)
		groups.DELETE("/:room_id/call", h.EndGroupCall)
	}
}
