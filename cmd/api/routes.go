package main

import (
	"consult-platform/internal/httpapi"
	"consult-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW, signalingWS gin.HandlerFunc, checks map[string]httpapi.Check) {
	// public
	r.GET("/healthz", httpapi.Healthz)
	r.GET("/readyz", httpapi.Readyz(checks))

	authGroup := r.Group("/v1/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	// Signaling upgrade. The access token may arrive as ?access_token= because
	// browsers cannot set headers on websocket requests.
	r.GET("/ws/:identity", authMW, rbac.RequireSelf("identity"), signalingWS)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", h.Me)
		v1.PUT("/profile", h.UpdateProfile)
		v1.PUT("/status", h.SetStatus)
		v1.GET("/specialists", h.ListSpecialists)
		v1.GET("/ice-servers", h.GetICEServers)
		v1.GET("/wallet/balance", h.GetWalletBalance)

		calls := v1.Group("/calls")
		{
			calls.POST("", h.InitiateCall)
			calls.GET("", h.ListCalls)
			calls.GET("/summary", h.CallsSummary)
			calls.GET("/:call_id", h.GetCall)
			calls.POST("/:call_id/accept", h.AcceptCall)
			calls.POST("/:call_id/end", h.EndCall)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/wallets/:identity/grant", h.AdminGrant)
		}
	}
}
