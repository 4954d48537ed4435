package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taskremind/pkg/util"
)

type Router struct {
	Engine *gin.Engine
}

// NewRouter builds the health/metrics router every service exposes. ready is
// probed by readyz with a short deadline (database, redis, broker checks).
func NewRouter(logger *zap.Logger, ready func(ctx context.Context) error) *Router {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if ready != nil {
			if err := ready(ctx); err != nil {
				c.JSON(500, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Router{Engine: r}
}

// AttachTrigger registers the scheduler's trigger endpoint. The cron substrate
// (or an operator) POSTs here to force a due-reminder sweep outside the timer
// cadence; the bearer token keeps it service-to-service only.
func (r *Router) AttachTrigger(jwtSecret string, tick func(ctx context.Context), logger *zap.Logger) {
	r.Engine.POST("/internal/check-reminders", func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		issuer, err := util.ParseServiceJWT(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		logger.Info("Reminder check triggered via HTTP",
			zap.String("issuer", issuer),
		)

		// The sweep runs in the background; overlapping triggers are skipped
		// by the scheduler itself.
		go tick(context.Background())

		c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
	})
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
