// Package bootstrap resolves which site configuration a request runs with.
// Requests carrying a sandbox clone id get that sandbox's configuration;
// everything else gets the live one.
package bootstrap

import (
	"context"
	"net/http"

	"github.com/mpataki/conflictscan/internal/clone"
	"github.com/mpataki/conflictscan/internal/host"
)

type ctxKey struct{}

// ConfigSource loads the configuration for a sandbox clone.
type ConfigSource interface {
	LoadSiteConfig(ctx context.Context, cloneID string) (host.SiteConfig, error)
}

// LiveSource loads the live site configuration.
type LiveSource interface {
	SiteConfig(ctx context.Context) (host.SiteConfig, error)
}

// WithSiteConfig returns a context carrying cfg.
func WithSiteConfig(ctx context.Context, cfg host.SiteConfig) context.Context {
	return context.WithValue(ctx, ctxKey{}, cfg)
}

// FromContext returns the configuration attached by Middleware.
func FromContext(ctx context.Context) (host.SiteConfig, bool) {
	cfg, ok := ctx.Value(ctxKey{}).(host.SiteConfig)
	return cfg, ok
}

// CloneID returns the clone id a request asks for, if any.
func CloneID(r *http.Request) (string, bool) {
	id := r.URL.Query().Get(clone.QueryParam)
	return id, id != ""
}

// Middleware attaches the effective site configuration to each request.
// A malformed clone id is rejected with 400 before anything is read. A
// well-formed id whose sandbox no longer exists falls back to the live
// configuration.
func Middleware(clones ConfigSource, live LiveSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if id, ok := CloneID(r); ok {
				if !clone.ValidID(id) {
					http.Error(w, "invalid clone id", http.StatusBadRequest)
					return
				}
				if cfg, err := clones.LoadSiteConfig(ctx, id); err == nil {
					next.ServeHTTP(w, r.WithContext(WithSiteConfig(ctx, cfg)))
					return
				}
			}

			cfg, err := live.SiteConfig(ctx)
			if err != nil {
				http.Error(w, "site configuration unavailable", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSiteConfig(ctx, cfg)))
		})
	}
}
