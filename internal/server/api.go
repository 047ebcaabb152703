// Package server wires the HTTP surface: project-facing bot and webhook
// routes, driver callbacks, credit reads, and the admin boundary.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meetloop/meetloop/internal/apikey"
	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/driver"
	apierrors "github.com/meetloop/meetloop/internal/errors"
	"github.com/meetloop/meetloop/internal/ledger"
	"github.com/meetloop/meetloop/internal/logging"
	"github.com/meetloop/meetloop/internal/middleware"
	"github.com/meetloop/meetloop/internal/monitoring"
	"github.com/meetloop/meetloop/internal/orchestrator"
	"github.com/meetloop/meetloop/internal/webhook"
)

// APIServer represents the main API server
type APIServer struct {
	config       *config.Config
	router       *gin.Engine
	db           *pgxpool.Pool
	orchestrator *orchestrator.Service
	ledger       *ledger.Service
	dispatcher   *webhook.Dispatcher
	apiKeys      *apikey.Service
	driverTokens *driver.TokenIssuer
}

// NewAPIServer creates a new API server instance
func NewAPIServer(
	cfg *config.Config,
	db *pgxpool.Pool,
	orch *orchestrator.Service,
	ledgerSvc *ledger.Service,
	dispatcher *webhook.Dispatcher,
	apiKeys *apikey.Service,
	driverTokens *driver.TokenIssuer,
) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:       cfg,
		router:       router,
		db:           db,
		orchestrator: orch,
		ledger:       ledgerSvc,
		dispatcher:   dispatcher,
		apiKeys:      apiKeys,
		driverTokens: driverTokens,
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Bot lifecycle (project API key scope)
		bots := v1.Group("/bots")
		bots.Use(middleware.APIKeyAuth(s.apiKeys))
		{
			bots.POST("", s.handleJoin)
			bots.GET("/:id", s.handleGetBot)
			bots.POST("/:id/leave", s.handleLeave)
			bots.POST("/:id/recording/start", s.handleStartRecording)
			bots.POST("/:id/heartbeat", s.handleHeartbeat)
		}

		// Driver callbacks (short-lived bot-bound tokens)
		driverGroup := v1.Group("/driver/bots/:id")
		driverGroup.Use(middleware.DriverAuth(s.driverTokens))
		{
			driverGroup.POST("/launched", s.handleDriverLaunched)
			driverGroup.POST("/joined", s.handleDriverJoined)
			driverGroup.POST("/left", s.handleDriverLeft)
			driverGroup.POST("/error", s.handleDriverError)
		}

		// Webhook subscriptions and deliveries (project API key scope)
		webhooks := v1.Group("/webhooks")
		webhooks.Use(middleware.APIKeyAuth(s.apiKeys))
		{
			webhooks.GET("", s.handleListSubscriptions)
			webhooks.POST("", s.handleCreateSubscription)
			webhooks.PUT("/:id", s.handleUpdateSubscription)
			webhooks.DELETE("/:id", s.handleDeactivateSubscription)
			webhooks.GET("/deliveries", s.handleListDeliveries)
			webhooks.GET("/deliveries/:id", s.handleGetDelivery)
			webhooks.POST("/deliveries/:id/retry", s.handleRetryDelivery)
		}

		// Credit reads (project API key scope)
		credits := v1.Group("/credits")
		credits.Use(middleware.APIKeyAuth(s.apiKeys))
		{
			credits.GET("", s.handleGetBalance)
			credits.GET("/history", s.handleCreditHistory)
		}

		// Admin boundary (static admin token)
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(&s.config.Admin))
		{
			admin.POST("/organizations", s.handleCreateOrganization)
			admin.GET("/organizations/:id", s.handleGetOrganization)
			admin.POST("/organizations/:id/credits", s.handleAdjustCredits)
			admin.POST("/organizations/:id/suspend", s.handleSuspendOrganization)
			admin.POST("/organizations/:id/activate", s.handleActivateOrganization)
			admin.POST("/organizations/:id/webhooks", s.handleSetWebhooksEnabled)
			admin.POST("/organizations/:id/projects", s.handleCreateProject)
			admin.POST("/projects/:id/keys", s.handleCreateAPIKey)
			admin.GET("/projects/:id/keys", s.handleListAPIKeys)
			admin.DELETE("/projects/:id/keys/:key_id", s.handleRevokeAPIKey)
		}
	}
}

// healthCheck reports liveness and database reachability
func (s *APIServer) healthCheck(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "meetloop",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "meetloop",
	})
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: middleware.GetRequestID(c),
	})
}
