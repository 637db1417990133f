package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const ExecutionTimeHeader = "X-Execution-Time"

// executionTimeWriter 在写入响应头前补上耗时
type executionTimeWriter struct {
	gin.ResponseWriter
	start   time.Time
	written bool
}

func (w *executionTimeWriter) setHeader() {
	if w.written {
		return
	}
	w.written = true
	w.Header().Set(ExecutionTimeHeader, fmt.Sprintf("%dms", time.Since(w.start).Milliseconds()))
}

func (w *executionTimeWriter) WriteHeader(code int) {
	w.setHeader()
	w.ResponseWriter.WriteHeader(code)
}

func (w *executionTimeWriter) Write(data []byte) (int, error) {
	w.setHeader()
	return w.ResponseWriter.Write(data)
}

func (w *executionTimeWriter) WriteString(s string) (int, error) {
	w.setHeader()
	return w.ResponseWriter.WriteString(s)
}

// LogTime 记录请求耗时并通过 X-Execution-Time 返回
func LogTime() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Writer = &executionTimeWriter{ResponseWriter: c.Writer, start: start}

		c.Next()

		userID, _ := GetUserID(c)
		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("user_id", userID).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
