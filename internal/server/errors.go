package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/paccoastponds/pondops/internal/payment/domain"
)

var (
	ErrNotFound         = errors.New("not_found")
	ErrBodyTooLarge     = errors.New("body_too_large")
	ErrUnreadableBody   = errors.New("unreadable_body")
	errUnclassifiedFail = errors.New("internal_error")
)

type fieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Errors  []fieldError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// errorRule maps a family of errors to one response. Rules are checked in
// order; the first match wins.
type errorRule struct {
	match   []error
	status  int
	kind    string
	message string
	field   string
}

var errorRules = []errorRule{
	{
		match:   []error{paymentdomain.ErrInvalidSignature},
		status:  http.StatusBadRequest,
		kind:    "invalid_signature",
		message: "webhook signature verification failed",
	},
	{
		match:   []error{paymentdomain.ErrInvalidPayload, paymentdomain.ErrInvalidEvent, ErrUnreadableBody},
		status:  http.StatusBadRequest,
		kind:    "validation_error",
		message: "validation error",
		field:   "payload",
	},
	{
		match:   []error{ErrBodyTooLarge},
		status:  http.StatusRequestEntityTooLarge,
		kind:    "validation_error",
		message: "payload too large",
		field:   "payload",
	},
	{
		match:   []error{ErrNotFound},
		status:  http.StatusNotFound,
		kind:    "not_found",
		message: "not found",
	},
	{
		match:   []error{paymentdomain.ErrInvoiceNotRecorded},
		status:  http.StatusConflict,
		kind:    "invoice_not_recorded",
		message: "invoice not recorded yet",
	},
	{
		match:   []error{paymentdomain.ErrProcessorNotConfigured},
		status:  http.StatusServiceUnavailable,
		kind:    "service_unavailable",
		message: "service unavailable",
	},
}

var fallbackRule = errorRule{
	match:   []error{errUnclassifiedFail},
	status:  http.StatusInternalServerError,
	kind:    "internal_error",
	message: "internal server error",
}

func ruleFor(err error) (errorRule, error) {
	for _, rule := range errorRules {
		for _, target := range rule.match {
			if errors.Is(err, target) {
				return rule, target
			}
		}
	}
	return fallbackRule, errUnclassifiedFail
}

// ErrorHandlingMiddleware renders the last handler error as JSON unless the
// handler already wrote a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	rule, matched := ruleFor(err)
	payload := errorPayload{Type: rule.kind, Message: rule.message}
	if rule.field != "" {
		payload.Errors = []fieldError{{Field: rule.field, Code: matched.Error(), Message: "invalid value"}}
	}
	return rule.status, payload
}

// classifyErrorForLog returns the response type and the matched sentinel for
// the request log line.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	rule, matched := ruleFor(err)
	return rule.kind, matched.Error()
}
