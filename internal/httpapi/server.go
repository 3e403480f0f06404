package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/atelierworks/credits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server exposes the credits engine over HTTP. All balance-changing routes
// go through the engine; nothing here writes to storage directly.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	service *credits.Service
	auditor *credits.Auditor
}

// NewServer wires the HTTP surface to an engine and an auditor.
func NewServer(cfg Config, service *credits.Service, auditor *credits.Auditor, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Server{cfg: cfg, logger: logger, service: service, auditor: auditor}, nil
}

// Router builds the gin engine with auth, CORS and all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware(server.cfg))

	api.GET("/balance", server.handleBalance)
	api.POST("/charge", server.handleCharge)
	api.POST("/refund", server.handleRefund)
	api.POST("/purchases", server.handlePurchase)
	api.GET("/transactions", server.handleTransactions)
	api.GET("/audit/consistency", server.handleConsistency)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("credits api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
