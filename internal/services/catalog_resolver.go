package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/repositories"
)

const (
	defaultPlaceholderName  = "Miscellaneous Service"
	defaultPlaceholderPrice = int64(1000)
	defaultGenericImage     = "/images/sample.jpg"
)

// SoftFailPolicy supplies the placeholder returned for references no strategy recognizes.
type SoftFailPolicy struct {
	Name      string
	UnitPrice int64
	ImageURL  string
}

// DefaultSoftFailPolicy is the placeholder used when none is configured.
func DefaultSoftFailPolicy() SoftFailPolicy {
	return SoftFailPolicy{Name: defaultPlaceholderName, UnitPrice: defaultPlaceholderPrice, ImageURL: defaultGenericImage}
}

func (p SoftFailPolicy) normalised() SoftFailPolicy {
	def := DefaultSoftFailPolicy()
	if strings.TrimSpace(p.Name) == "" {
		p.Name = def.Name
	}
	if p.UnitPrice <= 0 {
		p.UnitPrice = def.UnitPrice
	}
	if strings.TrimSpace(p.ImageURL) == "" {
		p.ImageURL = def.ImageURL
	}
	return p
}

// Placeholder builds the fallback resolution for reference.
func (p SoftFailPolicy) Placeholder(reference string) Resolution {
	return Resolution{
		Reference: reference,
		Source:    domain.ResolutionFallback,
		Name:      p.Name,
		UnitPrice: p.UnitPrice,
		ImageURL:  p.ImageURL,
	}
}

// ResolverStrategy resolves one form of catalog reference. ok is false when the reference is
// not of the strategy's form (or not present in its store), letting the next strategy try.
type ResolverStrategy interface {
	Resolve(ctx context.Context, reference string) (res Resolution, ok bool, err error)
}

// StaticCodeStrategy matches exact codes from the fixed service table.
type StaticCodeStrategy struct {
	services map[string]domain.StaticService
}

// NewStaticCodeStrategy indexes the supplied services by code.
func NewStaticCodeStrategy(services []domain.StaticService) StaticCodeStrategy {
	index := make(map[string]domain.StaticService, len(services))
	for _, svc := range services {
		index[svc.Code] = svc
	}
	return StaticCodeStrategy{services: index}
}

func (s StaticCodeStrategy) Resolve(_ context.Context, reference string) (Resolution, bool, error) {
	svc, ok := s.services[reference]
	if !ok {
		return Resolution{}, false, nil
	}
	return Resolution{
		Reference: reference,
		Source:    domain.ResolutionStatic,
		Name:      svc.Name,
		UnitPrice: svc.Price,
		ImageURL:  svc.ImageURL,
	}, true, nil
}

// DynamicNamespaceStrategy prices "<prefix><remainder>" codes by namespace rules.
type DynamicNamespaceStrategy struct {
	namespaces []domain.ServiceNamespace
}

// NewDynamicNamespaceStrategy keeps namespaces in the given match order.
func NewDynamicNamespaceStrategy(namespaces []domain.ServiceNamespace) DynamicNamespaceStrategy {
	return DynamicNamespaceStrategy{namespaces: namespaces}
}

func (s DynamicNamespaceStrategy) Resolve(_ context.Context, reference string) (Resolution, bool, error) {
	for _, ns := range s.namespaces {
		if ns.Prefix == "" || !strings.HasPrefix(reference, ns.Prefix) {
			continue
		}
		remainder := strings.TrimPrefix(reference, ns.Prefix)
		if strings.Trim(remainder, "-_ ") == "" {
			return Resolution{}, false, nil
		}
		return Resolution{
			Reference: reference,
			Source:    domain.ResolutionDynamic,
			Name:      ns.Label + ": " + humanize(remainder),
			UnitPrice: ns.PriceFor(remainder),
			ImageURL:  ns.ImageURL,
		}, true, nil
	}
	return Resolution{}, false, nil
}

// humanize turns "birth-chart" into "Birth Chart". A Caser holds state, so one is built per call.
func humanize(remainder string) string {
	words := strings.Fields(strings.NewReplacer("-", " ", "_", " ").Replace(remainder))
	return cases.Title(language.English).String(strings.Join(words, " "))
}

// DatabaseIDStrategy resolves any other reference as a catalog product document id.
type DatabaseIDStrategy struct {
	products     repositories.ProductRepository
	genericImage string
}

// NewDatabaseIDStrategy wires the catalog store lookup.
func NewDatabaseIDStrategy(products repositories.ProductRepository, genericImage string) DatabaseIDStrategy {
	if strings.TrimSpace(genericImage) == "" {
		genericImage = defaultGenericImage
	}
	return DatabaseIDStrategy{products: products, genericImage: genericImage}
}

// Resolve treats a missing document and a malformed id alike as "not applicable"; store
// outages are returned as errors.
func (s DatabaseIDStrategy) Resolve(ctx context.Context, reference string) (Resolution, bool, error) {
	if s.products == nil {
		return Resolution{}, false, nil
	}
	product, err := s.products.FindByID(ctx, reference)
	if err != nil {
		if repositories.IsNotFound(err) || repositories.IsInvalid(err) {
			return Resolution{}, false, nil
		}
		return Resolution{}, false, fmt.Errorf("catalog: lookup %q: %w", reference, err)
	}
	image := s.genericImage
	for _, candidate := range product.Images {
		if strings.TrimSpace(candidate) != "" {
			image = candidate
			break
		}
	}
	id := product.ID
	if id == "" {
		id = reference
	}
	return Resolution{
		Reference:        reference,
		Source:           domain.ResolutionCatalog,
		Name:             product.Name,
		UnitPrice:        product.EffectivePrice(),
		ImageURL:         image,
		CatalogProductID: id,
	}, true, nil
}

// CatalogResolverDeps configures the resolver chain.
type CatalogResolverDeps struct {
	Products     repositories.ProductRepository
	Static       []domain.StaticService
	Namespaces   []domain.ServiceNamespace
	SoftFail     SoftFailPolicy
	GenericImage string
	Telemetry    *Telemetry
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// CatalogResolver tries StaticCode, DynamicNamespace and DatabaseID strategies in order.
type CatalogResolver struct {
	strategies []ResolverStrategy
	softFail   SoftFailPolicy
	telemetry  *Telemetry
	logger     func(context.Context, string, map[string]any)
}

// NewCatalogResolver builds the chain. Nil Static/Namespaces fall back to the built-in tables.
func NewCatalogResolver(deps CatalogResolverDeps) *CatalogResolver {
	static := deps.Static
	if static == nil {
		static = domain.StaticServices()
	}
	namespaces := deps.Namespaces
	if namespaces == nil {
		namespaces = domain.DynamicNamespaces()
	}
	softFail := deps.SoftFail
	if strings.TrimSpace(softFail.ImageURL) == "" {
		softFail.ImageURL = deps.GenericImage
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = defaultTelemetry()
	}
	return &CatalogResolver{
		strategies: []ResolverStrategy{
			NewStaticCodeStrategy(static),
			NewDynamicNamespaceStrategy(namespaces),
			NewDatabaseIDStrategy(deps.Products, softFail.normalised().ImageURL),
		},
		softFail:  softFail.normalised(),
		telemetry: telemetry,
		logger:    logger,
	}
}

// Match runs the strategy chain without the soft-fail policy. ok is false for unrecognized
// references.
func (r *CatalogResolver) Match(ctx context.Context, reference string) (Resolution, bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Resolution{}, false, nil
	}
	for _, strategy := range r.strategies {
		res, ok, err := strategy.Resolve(ctx, reference)
		if err != nil {
			return Resolution{}, false, err
		}
		if ok {
			return res, true, nil
		}
	}
	return Resolution{}, false, nil
}

// Resolve returns the canonical tuple for reference, degrading unrecognized references to the
// soft-fail placeholder.
func (r *CatalogResolver) Resolve(ctx context.Context, reference string) (Resolution, error) {
	res, ok, err := r.Match(ctx, reference)
	if err != nil {
		return Resolution{}, err
	}
	if ok {
		return res, nil
	}
	r.telemetry.softFail(ctx)
	r.logger(ctx, "catalog.soft_fail", map[string]any{"reference": reference})
	return r.softFail.Placeholder(strings.TrimSpace(reference)), nil
}

// SoftFailPolicy exposes the configured placeholder.
func (r *CatalogResolver) SoftFailPolicy() SoftFailPolicy {
	return r.softFail
}

var errResolverRequired = errors.New("catalog resolver is required")
