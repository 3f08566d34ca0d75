package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/metrics"
)

// NewRouter mounts the handlers. gatherer backs /metrics.
func NewRouter(h *Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log), m.GinMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.POST("/events", h.PostEvent)

	members := r.Group("/members/:id")
	members.GET("/node", h.GetNode)
	members.GET("/wallet", h.GetWallet)
	members.GET("/wallet/entries", h.GetWalletEntries)
	members.GET("/bonuses", h.GetBonuses)
	members.GET("/rank", h.GetRank)
	members.POST("/deactivate", h.Deactivate)

	r.POST("/nodes/:id/resolve", h.Resolve)
	r.POST("/withdrawals/:id/process", h.ProcessWithdrawal)

	return r
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("http request")
	}
}
