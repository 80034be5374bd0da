// Package server serves the read API, force rebuilds and metrics of the controller.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashworks/aur-ci/logfields"
	"github.com/hashworks/aur-ci/model"
)

type Store interface {
	ListPackages(ctx context.Context) ([]model.PackageState, error)
	GetPackage(ctx context.Context, id int64) (model.PackageState, error)
	ResetLastModified(ctx context.Context, id int64) error
	DeletePackage(ctx context.Context, id int64) error
	BuildResults(ctx context.Context, packageId int64) ([]model.BuildResultRecord, error)
	BuildResult(ctx context.Context, id int64) (model.BuildResultRecord, error)
}

type Server struct {
	Store          Store
	ExitCodes      *model.ExitCodeTable
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Next()
	}
}

func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String(logfields.KeyError, c.Errors.String()))
			logger.Warn("Request failed", attrs...)
			return
		}
		logger.Debug("Request", attrs...)
	}
}

func (s *Server) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(s.Logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(s.MetricsHandler))
	}

	api := router.Group("/api")
	api.Use(CORS())

	apiV1 := api.Group("/v1")
	apiV1.GET("/packages", s.apiV1ListPackages)
	apiV1.GET("/packages/:id", s.apiV1GetPackage)
	apiV1.DELETE("/packages/:id", s.apiV1DeletePackage)
	apiV1.POST("/packages/:id/rebuild", s.apiV1RebuildPackage)
	apiV1.GET("/packages/:id/results", s.apiV1ListBuildResults)
	apiV1.GET("/results/:id", s.apiV1GetBuildResult)

	return router
}
