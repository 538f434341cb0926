package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/astroshop/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	cart     RouteRegistrar
	orders   RouteRegistrar
	webhooks RouteRegistrar
	internal RouteRegistrar

	webhookMiddlewares  []func(http.Handler) http.Handler
	internalMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix   = "/api/v1"
	defaultTimeout     = 60 * time.Second
	errorNotFoundCode  = "route_not_found"
	maxWebhookBodySize = 64 * 1024
)

// routeGroup is one storefront surface mounted under the API prefix.
type routeGroup struct {
	path        string
	name        string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

// groups lists the storefront surfaces. Shopper responses carry carts, orders and download
// links, so they are never cached by intermediaries; payment operator bodies are capped.
func (cfg routerConfig) groups() []routeGroup {
	private := middleware.SetHeader("Cache-Control", "private, no-store")
	webhookMW := append([]func(http.Handler) http.Handler{middleware.RequestSize(maxWebhookBodySize)}, cfg.webhookMiddlewares...)
	return []routeGroup{
		{path: "/cart", name: "cart", registrar: cfg.cart, middlewares: []func(http.Handler) http.Handler{private}},
		{path: "/orders", name: "orders", registrar: cfg.orders, middlewares: []func(http.Handler) http.Handler{private}},
		{path: "/webhooks", name: "webhooks", registrar: cfg.webhooks, middlewares: webhookMW},
		{path: "/internal", name: "internal", registrar: cfg.internal, middlewares: cfg.internalMiddlewares},
	}
}

// NewRouter constructs the chi router with shared middleware and expected route groups.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	r := chi.NewRouter()

	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range cfg.groups() {
			api.Route(group.path, func(sub chi.Router) {
				for _, mw := range group.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if group.registrar == nil {
					registerUnavailable(sub, group.name)
					return
				}
				group.registrar(sub)
			})
		}
	})

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithCartRoutes configures the registrar responsible for cart endpoints.
func WithCartRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.cart = reg
	}
}

// WithOrderRoutes configures the registrar responsible for order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orders = reg
	}
}

// WithWebhookRoutes configures the registrar responsible for webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks = reg
	}
}

// WithWebhookMiddlewares configures middlewares applied to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.webhookMiddlewares = append(cfg.webhookMiddlewares, mw...)
	}
}

// WithInternalRoutes configures the registrar responsible for internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal = reg
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}

// registerUnavailable answers every request to a group whose service was not wired with the
// same 503 envelope the handlers use when their service is missing.
func registerUnavailable(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(name+"_service_unavailable", fmt.Sprintf("%s service is unavailable", name), http.StatusServiceUnavailable))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
