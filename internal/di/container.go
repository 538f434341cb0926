package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/astroshop/api/internal/platform/config"
	"github.com/astroshop/api/internal/platform/observability"
	"github.com/astroshop/api/internal/repositories"
	"github.com/astroshop/api/internal/services"
)

// checkoutStoreCheck is the health check name of the Firestore probe registered in cmd/api.
const checkoutStoreCheck = "firestore"

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Cart        services.CartService
	Orders      services.OrderService
	Fulfillment services.FulfillmentService
	System      services.SystemService
}

// Collaborators are the non-repository dependencies the services share. Downloads is
// required; a nil Events publisher disables order events.
type Collaborators struct {
	Events    services.OrderEventPublisher
	Downloads services.DownloadLinkIssuer
	Telemetry *services.Telemetry
	Logger    *zap.Logger
	Build     services.BuildInfo
	Clock     func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Resolver     *services.CatalogResolver
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(cfg config.Config, reg repositories.Registry, collab Collaborators) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if collab.Clock == nil {
		collab.Clock = time.Now
	}
	if collab.Logger == nil {
		collab.Logger = zap.NewNop()
	}

	resolver := services.NewCatalogResolver(services.CatalogResolverDeps{
		Products: reg.Products(),
		SoftFail: services.SoftFailPolicy{
			Name:      cfg.Checkout.FallbackName,
			UnitPrice: cfg.Checkout.FallbackPrice,
			ImageURL:  cfg.Checkout.GenericImage,
		},
		GenericImage: cfg.Checkout.GenericImage,
		Telemetry:    collab.Telemetry,
		Logger:       observability.NewEventLogger(collab.Logger.Named("catalog")),
	})

	svc, err := buildServices(cfg, reg, resolver, collab)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Resolver:     resolver,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, resolver *services.CatalogResolver, collab Collaborators) (Services, error) {
	var svc Services

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Repository: reg.Carts(),
		Resolver:   resolver,
		UnitOfWork: reg,
		Clock:      collab.Clock,
		Logger:     observability.NewEventLogger(collab.Logger.Named("cart")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:              reg.Orders(),
		Stock:               reg.Stock(),
		Counters:            reg.Counters(),
		UnitOfWork:          reg,
		Resolver:            resolver,
		VerifyDynamicPrices: cfg.Checkout.VerifyDynamicPrices,
		OrderNumberPrefix:   cfg.Checkout.OrderNumberPrefix,
		Clock:               collab.Clock,
		Events:              collab.Events,
		Telemetry:           collab.Telemetry,
		Logger:              observability.NewEventLogger(collab.Logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	fulfillmentSvc, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Orders:     reg.Orders(),
		Stock:      reg.Stock(),
		UnitOfWork: reg,
		Downloads:  collab.Downloads,
		GrantTTL:   cfg.Checkout.DownloadGrantTTL,
		Clock:      collab.Clock,
		Events:     collab.Events,
		Telemetry:  collab.Telemetry,
		Logger:     observability.NewEventLogger(collab.Logger.Named("fulfillment")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment service: %w", err)
	}
	svc.Fulfillment = fulfillmentSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository:     healthRepo,
			Clock:                collab.Clock,
			Build:                collab.Build,
			CheckoutDependencies: []string{checkoutStoreCheck},
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
