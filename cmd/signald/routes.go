package main

import (
	"voicelink/internal/httpapi"
	"voicelink/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		callRoles := []string{rbac.RoleOwner, rbac.RoleAgent, rbac.RoleOperator, rbac.RoleSuperAdmin}

		calls := v1.Group("/calls")
		calls.Use(httpapi.RequireWorkspaceAndAnyRole(callRoles...)...)
		{
			calls.POST("", h.Initiate)
			calls.GET("/state", h.State)
			calls.POST("/:session_id/answer", h.Answer)
			calls.POST("/:session_id/reject", h.Reject)
			calls.POST("/end", h.End)
		}

		// Terminal call records, visible to anyone who can place calls.
		v1.GET("/calls/history",
			append(httpapi.RequireWorkspaceAndAnyRole(callRoles...), h.ListHistory)...)

		// Live event stream for the caller's endpoint.
		v1.GET("/events",
			append(httpapi.RequireWorkspaceAndAnyRole(callRoles...), h.Events)...)
	}
}
