package api

import (
	"integrahub/internal/metrics"
	"integrahub/internal/middleware"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Events   *EventHandler
	Webhooks *WebhookHandler
	Admin    *AdminHandler
	Stream   *StreamHandler
}

type Guards struct {
	Auth        middleware.Authenticator
	Secrets     middleware.SecretResolver
	Limiter     *middleware.RateLimiter
	AdminKey    string
	CORSOrigins []string
}

func RegisterRoutes(h Handlers, g Guards) *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.CORS(g.CORSOrigins),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	r.GET("/health", h.Events.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	limit := g.Limiter.Middleware()

	// Producers, identified by API key. The limiter runs after auth so it
	// can key on the client name.
	events := r.Group("/v1/events")
	events.Use(middleware.APIKeyAuth(g.Auth))
	{
		events.POST("", limit, h.Events.Publish)
		events.GET("", h.Events.ListEvents)
		events.GET("/:id", h.Events.GetEvent)
	}

	// Inbound webhooks are limited twice: by caller IP before the signature
	// check, so forged traffic is throttled too, then by source system.
	r.POST("/v1/webhooks/:system", limit, middleware.VerifySignature(g.Secrets), limit, h.Webhooks.Receive)

	admin := r.Group("/v1/admin")
	admin.Use(middleware.AdminAuth(g.AdminKey))
	{
		admin.POST("/endpoints", h.Admin.CreateEndpoint)
		admin.GET("/endpoints", h.Admin.ListEndpoints)
		admin.GET("/endpoints/:id", h.Admin.GetEndpoint)
		admin.PATCH("/endpoints/:id", h.Admin.UpdateEndpoint)
		admin.DELETE("/endpoints/:id", h.Admin.DeleteEndpoint)

		admin.GET("/dead-letters", h.Admin.ListDeadLetters)
		admin.GET("/dead-letters/:id", h.Admin.GetDeadLetter)
		admin.POST("/dead-letters/:id/replay", h.Admin.ReplayDeadLetter)
		admin.DELETE("/dead-letters/:id", h.Admin.DiscardDeadLetter)

		admin.GET("/circuits", h.Admin.ListCircuits)
		admin.GET("/circuits/:service", h.Admin.GetCircuit)
		admin.POST("/circuits/:service/reset", h.Admin.ResetCircuit)

		admin.GET("/dashboard", h.Admin.Dashboard)
		admin.GET("/stream", h.Stream.DashboardWatch)
	}
	return r
}
