package handler

import (
	"payment-orchestrator/internal/adapter/http/middleware"
	"payment-orchestrator/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	PaymentSvc     ports.PaymentService
	TokenSvc       ports.TokenService
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.CorrelationID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check, deep: pings every registered dependency
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	// API v1 routes
	v1 := r.Group("/api/v1")

	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	paymentHandler := NewPaymentHandler(deps.PaymentSvc)

	payments := v1.Group("/payments", jwtAuth)
	{
		payments.POST("", paymentHandler.CreatePayment)
		payments.POST("/:id/process", paymentHandler.ProcessPayment)
		payments.GET("/:id", paymentHandler.GetPayment)
	}

	gateways := v1.Group("/gateways", jwtAuth)
	{
		gateways.GET("/health", paymentHandler.GatewayHealth)
	}

	return r
}
