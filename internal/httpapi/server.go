// Package httpapi exposes the studio services over HTTP. Every /api route
// requires a TAuth session; the session user id is the account id.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/internal/observability"
	"github.com/MarkoPoloResearchLab/studio/internal/studio"
	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

// Services are the domain components the API dispatches to.
type Services struct {
	Ledger        *ledger.Service
	Generations   *generation.Tracker
	Conversations *conversation.Service
	Orders        *order.Service
	// Generator is optional; without it requests are only tracked and
	// run=true is rejected.
	Generator *studio.Generator
	// Recorder is optional; it adds request metrics and /metrics.
	Recorder *observability.Recorder
}

func (services Services) validate() error {
	if services.Ledger == nil {
		return fmt.Errorf("%w: ledger service is nil", ledger.ErrInvalidServiceConfig)
	}
	if services.Generations == nil {
		return fmt.Errorf("%w: generation tracker is nil", ledger.ErrInvalidServiceConfig)
	}
	if services.Conversations == nil {
		return fmt.Errorf("%w: conversation service is nil", ledger.ErrInvalidServiceConfig)
	}
	if services.Orders == nil {
		return fmt.Errorf("%w: order service is nil", ledger.ErrInvalidServiceConfig)
	}
	return nil
}

type httpHandler struct {
	logger   *zap.Logger
	services Services
	cfg      Config
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg Config, services Services, validator *sessionvalidator.Validator, logger *zap.Logger) (*gin.Engine, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	if validator == nil {
		return nil, fmt.Errorf("%w: session validator is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{logger: logger, services: services, cfg: cfg}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if services.Recorder != nil {
		router.Use(services.Recorder.GinMiddleware())
	}
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if services.Recorder != nil {
		router.GET("/metrics", gin.WrapH(services.Recorder.Handler()))
	}
	if cfg.StripeWebhookSecret != "" {
		router.POST("/webhooks/stripe", handler.handleStripeWebhook)
	}

	limiter := newAccountLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/account/bootstrap", handler.handleBootstrap)
	api.GET("/account", handler.handleAccount)

	api.POST("/generations", limiter.middleware(), handler.handleCreateGeneration)
	api.GET("/generations", handler.handleListGenerations)
	api.GET("/generations/stats", handler.handleGenerationStats)
	api.GET("/generations/:id", handler.handleGetGeneration)
	api.POST("/generations/:id/processing", handler.handleGenerationProcessing)
	api.POST("/generations/:id/complete", handler.handleGenerationComplete)
	api.POST("/generations/:id/fail", handler.handleGenerationFail)
	api.POST("/generations/:id/like", handler.handleGenerationLike)
	api.POST("/generations/:id/download", handler.handleGenerationDownload)
	api.POST("/generations/:id/visibility", handler.handleGenerationVisibility)
	api.POST("/generations/:id/tags", handler.handleGenerationAddTag)
	api.DELETE("/generations/:id/tags/:tag", handler.handleGenerationRemoveTag)

	api.POST("/conversations", handler.handleCreateConversation)
	api.GET("/conversations", handler.handleListConversations)
	api.PATCH("/conversations/:id", handler.handleRenameConversation)
	api.POST("/conversations/:id/messages", limiter.middleware(), handler.handleAppendMessage)
	api.GET("/conversations/:id/messages", handler.handleMessages)
	api.POST("/conversations/:id/archive", handler.handleArchiveConversation)
	api.POST("/conversations/:id/unarchive", handler.handleUnarchiveConversation)
	api.POST("/conversations/:id/tags", handler.handleConversationAddTag)
	api.DELETE("/conversations/:id/tags/:tag", handler.handleConversationRemoveTag)

	api.POST("/orders", handler.handleCreateOrder)
	api.GET("/orders", handler.handleListOrders)
	api.GET("/orders/:id", handler.handleGetOrder)
	api.POST("/orders/:id/cancel", handler.handleCancelOrder)
	api.POST("/orders/:id/fail", handler.handleFailOrder)

	admin := router.Group("/admin")
	admin.Use(requireAdminToken(cfg.AdminToken))
	admin.GET("/orders/revenue", handler.handleOrderRevenue)
	admin.POST("/orders/:id/pay", handler.handlePayOrder)
	admin.POST("/orders/:id/refund", handler.handleRefundOrder)
	admin.POST("/orders/:id/notes", handler.handleOrderNote)

	return router, nil
}

// Serve runs handler on cfg.ListenAddr until ctx is cancelled, then shuts the
// server down gracefully.
func Serve(ctx context.Context, cfg Config, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("studio api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requireAdminToken(token string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		provided := ctx.GetHeader(adminTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin token required"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// requireAccount resolves the caller's account id or writes a 401.
func requireAccount(ctx *gin.Context) (ledger.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.AccountID{}, false
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user id"))
		return ledger.AccountID{}, false
	}
	return accountID, true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
