package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"

	"fieldsync/internal/config"
	"fieldsync/internal/ingest"
	"fieldsync/internal/middleware"
	"fieldsync/internal/observability"
	"fieldsync/internal/version"
)

// Service names reported on /health and /v1/version
const (
	AgentServiceName  = "fieldsync-agent"
	IngestServiceName = "fieldsync-ingest"
)

// NewAgentRouter builds the loopback API the survey UI talks to
func NewAgentRouter(cfg *config.Config, handler *AgentHandler, logger *observability.Logger) *gin.Engine {
	router := newBaseRouter(cfg, AgentServiceName, logger)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": AgentServiceName})
	})

	v1 := router.Group("/v1")
	{
		v1.GET("/version", versionHandler(AgentServiceName))
		v1.GET("/status", handler.GetStatus)
		v1.POST("/session", handler.RestoreSession)

		responses := v1.Group("/responses")
		{
			responses.POST("", handler.CreateOrResumeDraft)
			responses.GET("/drafts", handler.GetDraftResponses)
			responses.GET("/:id", handler.GetResponse)
			responses.DELETE("/:id", handler.DiscardDraft)
			responses.PUT("/:id/answers/:question_id", handler.SaveAnswer)
			responses.POST("/:id/files", handler.AttachFile)
			responses.POST("/:id/submit", handler.SubmitResponse)
		}

		sync := v1.Group("/sync")
		{
			sync.GET("/pending", handler.GetPendingSyncCount)
			sync.GET("/stats", handler.GetSyncStats)
			sync.GET("/entries", handler.GetSyncEntries)
			sync.POST("/trigger", handler.TriggerSync)
			sync.POST("/retry", handler.RetrySync)
			sync.POST("/pause", handler.PauseSync)
			sync.POST("/resume", handler.ResumeSync)
		}
	}

	addRouteListing(router, AgentServiceName)
	return router
}

// NewIngestRouter builds the API devices sync to. Every /v1 route except
// /v1/version requires a device token.
func NewIngestRouter(
	cfg *config.Config,
	handler *IngestHandler,
	verifier middleware.TokenVerifier,
	schemas *middleware.SchemaLoader,
	db Pinger,
	logger *observability.Logger,
) *gin.Engine {
	router := newBaseRouter(cfg, IngestServiceName, logger)

	// Health check endpoint, degraded while the database is unreachable
	router.GET("/health", func(c *gin.Context) {
		if db != nil {
			if err := db.Ping(c.Request.Context()); err != nil {
				logger.Warn(c.Request.Context(), "Ingest database ping failed", map[string]interface{}{"error": err.Error()})
				middleware.ServiceUnavailable(c, "database unavailable")
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": IngestServiceName})
	})

	router.GET("/v1/version", versionHandler(IngestServiceName))

	v1 := router.Group("/v1", middleware.RequireDeviceToken(verifier))
	{
		v1.POST("/submissions",
			middleware.RequestValidationMiddleware(schemas, ingest.SubmissionSchema, config.MaxUploadBytes, logger),
			handler.Submit,
		)
		v1.POST("/files", handler.UploadFile)
		v1.GET("/files/:id", handler.GetFile)
	}

	addRouteListing(router, IngestServiceName)
	return router
}

// newBaseRouter installs the middleware shared by both services
func newBaseRouter(cfg *config.Config, serviceName string, logger *observability.Logger) *gin.Engine {
	// Setup Gin mode
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(middleware.ErrorRecoveryMiddleware(logger))
	router.Use(requestLogger(logger))

	// Add OpenTelemetry middleware for HTTP tracing and context propagation with automatic error attributes
	router.Use(observability.GinMiddlewareWithErrorHandling(serviceName)...)

	// Disable automatic redirection for trailing slashes, which is better for APIs
	router.RedirectTrailingSlash = false

	if len(cfg.Server.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
		corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		router.Use(cors.New(corsConfig))
	}

	// Security middleware
	secureConfig := secure.DefaultConfig()
	secureConfig.SSLRedirect = false
	secureConfig.IsDevelopment = cfg.Server.Debug
	router.Use(secure.New(secureConfig))

	return router
}

// requestLogger logs every request with its status and latency using our observability logger
func requestLogger(logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		statusCode := c.Writer.Status()
		fields := map[string]interface{}{
			"http.method":      c.Request.Method,
			"http.path":        c.Request.URL.Path,
			"http.status_code": statusCode,
			"http.latency_ms":  time.Since(start).Milliseconds(),
			"http.client_ip":   c.ClientIP(),
			"http.user_agent":  c.Request.UserAgent(),
		}
		if len(c.Errors) > 0 {
			fields["http.error"] = c.Errors.String()
		}
		if statusCode >= 400 {
			fields["http.response_size"] = c.Writer.Size()
			fields["http.error_type"] = "client_error"
			if statusCode >= 500 {
				fields["http.error_type"] = "server_error"
			}
		}

		switch {
		case statusCode >= 500:
			logger.Error(c.Request.Context(), "HTTP request failed", nil, fields)
		case statusCode >= 400:
			logger.Warn(c.Request.Context(), "HTTP request warning", fields)
		default:
			logger.Debug(c.Request.Context(), "HTTP request", fields)
		}
	}
}

func versionHandler(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Get(service))
	}
}

// addRouteListing mounts GET /v1/routes; call it after every other route is registered
func addRouteListing(router *gin.Engine, serviceName string) {
	listing := NewRouteListingHandler(serviceName)
	router.GET("/v1/routes", listing.GetRouteListing)
	listing.CollectRoutes(router)
}
