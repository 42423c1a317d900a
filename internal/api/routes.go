package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes configures all API routes. metrics may be nil.
func SetupRoutes(handlers *Handlers, metrics http.Handler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	api := router.Group("/api")
	{
		api.GET("/batch", handlers.GetBatchHandler)
		api.POST("/batch", handlers.StartBatchHandler)
		api.DELETE("/batch", handlers.ResetBatchHandler)
		api.POST("/batch/resume", handlers.ResumeBatchHandler)
		api.POST("/batch/cancel", handlers.CancelBatchHandler)
		api.POST("/batch/pause", handlers.PauseBatchHandler)
		api.GET("/progress", handlers.GetProgressHandler)
		api.GET("/history", handlers.HistoryHandler)
		api.GET("/history/failed", handlers.FailedHistoryHandler)
		api.GET("/history/last", handlers.LastSuccessHandler)
		api.GET("/history/tasks/:batchId/:taskId", handlers.OutcomeHandler)
		api.GET("/presets", handlers.PresetsHandler)
	}

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Serve listens on addr until ctx is done, then shuts the server down gracefully
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	return nil
}
