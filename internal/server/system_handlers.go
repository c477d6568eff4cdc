package server

import (
	"net/http"

	"teketeke/internal/api"
	"teketeke/internal/notify"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Status: "ok"})
}

// TestSMS queues a throwaway message through the notification pipeline
// so operators can verify the SMS gateway wiring without raising a real
// alert.
func TestSMS(notifySvc *notify.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		msisdn := c.Query("msisdn")
		if msisdn == "" {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "msisdn parameter required"})
			return
		}

		notifySvc.Send(c.Request.Context(), "sms", msisdn, "TekeTeke test message. SMS delivery is working.", map[string]string{
			"kind": "test",
		})

		c.JSON(http.StatusOK, api.MessageResponse{Message: "SMS queued successfully"})
	}
}

func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
