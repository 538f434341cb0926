package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidFilter    = errors.New("pagination: invalid filter")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params bundles the paging and equality filters extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    *Cursor
	Filters   map[string]string
}

// Filter returns the value for field, or "" when the filter is absent.
func (p Params) Filter(field string) string {
	return p.Filters[field]
}

// Options control how Parse behaves for a given listing.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// AllowedFilters maps a query parameter to its accepted values. A nil slice accepts any
	// non-empty value.
	AllowedFilters map[string][]string
}

// Parse reads pageSize, pageToken and the allowed equality filters from values. Oversized
// page sizes are clamped rather than rejected.
func Parse(values url.Values, opts Options) (Params, error) {
	pageSize, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: pageSize}

	if raw := strings.TrimSpace(values.Get("pageToken")); raw != "" {
		cursor, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = raw
		params.Cursor = &cursor
	}

	for field, accepted := range opts.AllowedFilters {
		raw := strings.TrimSpace(values.Get(field))
		if raw == "" {
			continue
		}
		if accepted != nil && !contains(accepted, raw) {
			return Params{}, fmt.Errorf("%w: %s must be one of %s", ErrInvalidFilter, field, strings.Join(accepted, ", "))
		}
		if params.Filters == nil {
			params.Filters = make(map[string]string)
		}
		params.Filters[field] = raw
	}
	return params, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 || defaultPageSize > maxPageSize {
		defaultPageSize = min(DefaultPageSize, maxPageSize)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPageSize, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return min(value, maxPageSize), nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
