package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// successEnvelope and errorEnvelope are the response framing of the emulated
// API: a status discriminator plus the payload or the error message.
type successEnvelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SuccessEnvelope wraps an installed data string (itself JSON) in the success
// envelope, re-parsed so it nests as a value rather than a quoted string.
func SuccessEnvelope(data string) (any, error) {
	var value any
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return nil, fmt.Errorf("parse response data: %w", err)
	}
	return successEnvelope{Status: "success", Data: value}, nil
}

// ErrorEnvelope wraps a message in the error envelope.
func ErrorEnvelope(message string) any {
	return errorEnvelope{Status: "error", Message: message}
}

// JSON writes value pretty-printed with two-space indent, the framing both
// listeners use for JSON bodies.
func JSON(c *gin.Context, status int, value any) {
	body, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		c.Data(http.StatusInternalServerError, "text/plain; charset=utf-8", []byte("Internal server error"))
		return
	}
	c.Data(status, "application/json", body)
}

// Text writes a plain-text diagnostic body.
func Text(c *gin.Context, status int, message string) {
	c.Data(status, "text/plain; charset=utf-8", []byte(message))
}

// AccessLog routes gin request logging through the zap sink.
func AccessLog(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("request served",
			"method", c.Request.Method,
			"path", c.Request.URL.RequestURI(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}
