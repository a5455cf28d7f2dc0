// Package httpapi exposes the transfer coordinator and the account
// registration hook over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// RouterOptions configura o roteador
type RouterOptions struct {
	ServiceName string
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// NewRouter monta as rotas do ledger-service
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "ledger-service"
	}

	r := gin.New()
	r.Use(Recovery(logger))
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(RequestLogger(logger))

	r.GET("/health", h.HealthCheck)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.POST("/transfers", h.CreateTransfer)
	api.POST("/transfers/async", h.SubmitTransfer)
	api.GET("/transfers/:id", h.GetTransfer)
	api.GET("/accounts/:id/balance", h.GetBalance)

	admin := r.Group("/internal")
	admin.POST("/accounts", h.OpenAccount)
	admin.POST("/accounts/:id/freeze", h.FreezeAccount)

	return r
}

// Recovery converte panics em 500
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("🚨 PANIC RECOVERED",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.FullPath() == "/health" || c.FullPath() == "/metrics" {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
