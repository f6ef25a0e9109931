// Package echoext exposes a rabbitkit.Container to echo handlers and mounts a
// health endpoint.
package echoext

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/health"
	"github.com/glimte/rabbitkit/rabbitmq"
)

// ContainerKey is the echo.Context key holding the container
const ContainerKey = "rabbitkit"

// DefaultHealthTimeout bounds one health request
const DefaultHealthTimeout = 5 * time.Second

// Middleware stores the container in every request context.
func Middleware(container *rabbitkit.Container) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ContainerKey, container)
			return next(c)
		}
	}
}

// Container returns the container set by Middleware, or nil.
func Container(c echo.Context) *rabbitkit.Container {
	container, _ := c.Get(ContainerKey).(*rabbitkit.Container)
	return container
}

// Producer resolves a named producer from the request's container.
func Producer(c echo.Context, name string) (*rabbitmq.Producer, error) {
	container := Container(c)
	if container == nil {
		return nil, fmt.Errorf("%w: no container in context, register echoext.Middleware", rabbitkit.ErrNotFound)
	}
	return container.Producer(c.Request().Context(), name)
}

// RegisterHealth mounts GET path answering the aggregated health as JSON:
// 200 for healthy or degraded, 503 for unhealthy.
func RegisterHealth(e *echo.Echo, path string, checkers ...health.Checker) *echo.Route {
	return e.GET(path, func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), DefaultHealthTimeout)
		defer cancel()

		overall := health.Run(ctx, checkers...)
		status := http.StatusOK
		if overall.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, overall)
	})
}
