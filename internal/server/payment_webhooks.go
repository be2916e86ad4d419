package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
)

const (
	headerStripeSignature = "Stripe-Signature"
	maxWebhookBodyBytes   = 1 << 20
)

// HandleStripeWebhook acknowledges every authenticated delivery with 200 so
// that Stripe stops retrying, including ignored and repeated events.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrBodyTooLarge)
			return
		}
		AbortWithError(c, ErrUnreadableBody)
		return
	}

	result, err := s.webhookSvc.HandleStripeEvent(c.Request.Context(), payload, c.GetHeader(headerStripeSignature))
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
			return
		}
		AbortWithError(c, err)
		return
	}

	if result == nil {
		c.Set("event_type", "ignored")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	c.Set("event_type", "invoice."+result.To)
	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"invoice":  result.InvoiceRef,
		"status":   result.To,
		"applied":  result.Applied,
	})
}
