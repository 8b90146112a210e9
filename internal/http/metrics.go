package http

import (
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/overseer/internal/http"

// requestMetrics records one data point per control API request.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// newRequestMetrics creates the instruments on meter. Instruments that fail
// to register are logged and then skipped.
func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	m := &requestMetrics{}
	var errs []error
	var err error

	m.requests, err = meter.Int64Counter("overseer.http.requests",
		metric.WithDescription("Control API requests by route, method, status and resource"),
		metric.WithUnit("{request}"),
	)
	errs = append(errs, err)

	// Control calls are small; anything past a second is a stuck store lock.
	m.duration, err = meter.Float64Histogram("overseer.http.request.duration",
		metric.WithDescription("Control API request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	errs = append(errs, err)

	m.inFlight, err = meter.Int64UpDownCounter("overseer.http.requests.in_flight",
		metric.WithDescription("Control API requests being served"),
		metric.WithUnit("{request}"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil && logger != nil {
		logger.Warn("registering http instruments", zap.Error(err))
	}
	return m
}

// middleware records the request after the handler and any error handling
// have set the final status.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo write the error so the status is final.
				c.Error(err)
			}

			route := routeLabel(c.Path())
			set := metric.WithAttributeSet(attribute.NewSet(
				attribute.String("http.route", route),
				attribute.String("http.method", c.Request().Method),
				attribute.Int("http.status_code", c.Response().Status),
				attribute.String("resource", resourceOf(route)),
			))
			if m.requests != nil {
				m.requests.Add(ctx, 1, set)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), set)
			}
			return nil
		}
	}
}

// routeLabel is the matched route template, so execution ids never become
// label values. Unmatched requests share one label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

// resourceOf reports which aggregate a route acts on.
func resourceOf(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/v1/goals"):
		return "goal"
	case strings.HasPrefix(route, "/api/v1/plans"):
		return "plan"
	}
	return "system"
}
