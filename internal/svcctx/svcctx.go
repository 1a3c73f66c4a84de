// Package svcctx carries the process-wide services through request
// contexts so handlers do not need their own wiring.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/providers"
	"github.com/corpusqa/corpusqa/internal/tasks"
)

// Services holds the core services available to request handlers.
type Services struct {
	Store      *tasks.Store
	Supervisor *tasks.Supervisor
	Registry   *providers.Registry
	ConfigMgr  *config.Manager
	Logger     *slog.Logger
}

type servicesKey struct{}

// WithServices returns a context carrying the services.
func WithServices(ctx context.Context, services *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, services)
}

// ServicesFrom retrieves the services from the context. Returns nil if
// the context was never enriched.
func ServicesFrom(ctx context.Context) *Services {
	services, ok := ctx.Value(servicesKey{}).(*Services)
	if !ok {
		return nil
	}
	return services
}
