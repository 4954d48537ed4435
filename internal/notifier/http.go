package notifier

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mqcontracts "taskremind/contracts/mq"
	"taskremind/internal/httpserver"
	"taskremind/pkg/util"
)

type subscribeRequest struct {
	UserID       string                       `json:"user_id" binding:"required"`
	Subscription mqcontracts.PushSubscription `json:"subscription" binding:"required"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// RegisterRoutes adds the subscription registration endpoints. The API
// gateway fronting the clients forwards register/unsubscribe calls here with
// a service token; browsers never reach this service directly.
func RegisterRoutes(r *httpserver.Router, repo *SubscriptionRepository, jwtSecret string, logger *zap.Logger) {
	authorized := r.Engine.Group("/internal", func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if _, err := util.ParseServiceJWT(token, jwtSecret); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	})

	authorized.POST("/subscriptions", func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.Insert(c.Request.Context(), req.UserID, req.Subscription); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store subscription"})
			return
		}

		logger.Info("Push subscription registered",
			zap.String("user_id", req.UserID),
		)
		c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
	})

	authorized.DELETE("/subscriptions", func(c *gin.Context) {
		var req unsubscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.DeleteByEndpoint(c.Request.Context(), req.Endpoint); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
	})
}
