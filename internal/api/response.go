package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/instance"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const requestIDKey = "requestId"

// Envelope is the JSON body of every API response
type Envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"requestId"`
}

func requestIDOf(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Envelope{Success: true, Message: message, Data: data, RequestID: requestIDOf(c)})
}

func fail(c *gin.Context, status int, message string, err error) {
	env := Envelope{Success: false, Message: message, RequestID: requestIDOf(c)}
	if err != nil {
		env.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, env)
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, instance.ErrUnknownInstance):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrWatchUnsupported), errors.Is(err, sync.ErrNoAdapter),
		errors.Is(err, instance.ErrInvalidWebhookURL):
		return http.StatusBadRequest
	case errors.Is(err, instance.ErrTopicMismatch), errors.Is(err, sync.ErrInactiveAccount):
		return http.StatusConflict
	case auth.RequiresReAuth(err):
		return http.StatusUnauthorized
	}
	switch sync.KindOf(err) {
	case sync.KindAuth:
		return http.StatusUnauthorized
	case sync.KindRateLimit:
		return http.StatusTooManyRequests
	case sync.KindNotFound:
		return http.StatusNotFound
	case sync.KindForbidden:
		return http.StatusForbidden
	case sync.KindTransient:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// queryInt reads a non-negative integer query parameter
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
