package main

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// RequestLogger attaches a request-scoped zerolog logger to the request
// context, logs the outcome and counts requests by status class.
func RequestLogger(metrics *Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid := req.Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, rid)

			logger := log.With().
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("remote_ip", c.RealIP()).
				Logger()
			c.SetRequest(req.WithContext(logger.WithContext(req.Context())))

			err := next(c)
			if err != nil {
				// let echo write the error response so the status is known
				c.Error(err)
			}

			status := c.Response().Status
			metrics.Inc(c.Request().Context(), "http_requests_total", map[string]string{
				"method": req.Method,
				"status": statusClass(status),
			}, 1)

			ev := logger.Info()
			if status >= 500 {
				ev = logger.Error().Err(err)
			}
			ev.Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("http request served")
			return nil
		}
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "0"
	}
	return strconv.Itoa(code/100) + "xx"
}
