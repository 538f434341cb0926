package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// MaxDownloadExpiry is the longest lifetime a V4 signed URL may have.
const MaxDownloadExpiry = 7 * 24 * time.Hour

var (
	errNoSigner      = errors.New("storage: signer is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errExpiryTooLong = errors.New("storage: expiry exceeds the V4 maximum of 7 days")
)

// Client issues V4 signed GET URLs for objects in a single downloads bucket.
type Client struct {
	bucket string
	signer Signer
	now    func() time.Time
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithClock injects the clock used for SignedURL.ExpiresAt. The signature date and
// X-Goog-Expires are still computed by the storage library from the wall clock.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient constructs a signed URL client for bucket.
func NewClient(bucket string, signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	client := &Client{bucket: bucket, signer: signer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// DownloadOptions tune a single signed download URL.
type DownloadOptions struct {
	ExpiresIn   time.Duration
	Disposition string
	// Query is signed into the URL; grant tokens travel here so each grant gets a distinct URL.
	Query map[string]string
}

// SignedURL describes an issued download URL.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// SignDownload signs a GET URL for object.
func (c *Client) SignDownload(ctx context.Context, object string, opts DownloadOptions) (SignedURL, error) {
	if c == nil {
		return SignedURL{}, errNoSigner
	}
	object = strings.TrimLeft(strings.TrimSpace(object), "/")
	if object == "" {
		return SignedURL{}, errInvalidObject
	}
	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = MaxDownloadExpiry
	}
	if expiry > MaxDownloadExpiry {
		return SignedURL{}, errExpiryTooLong
	}

	query := make(map[string]string, len(opts.Query)+1)
	for key, value := range opts.Query {
		if value = strings.TrimSpace(value); value != "" {
			query[key] = value
		}
	}
	if opts.Disposition != "" {
		query["response-content-disposition"] = opts.Disposition
	}

	expiresAt := c.now().UTC().Add(expiry)
	urlOpts := &storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	}
	if len(query) > 0 {
		urlOpts.QueryParameters = sortedValues(query)
	}

	signed, err := storage.SignedURL(c.bucket, object, urlOpts)
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: signed, ExpiresAt: expiresAt}, nil
}

func sortedValues(values map[string]string) url.Values {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(url.Values, len(values))
	for _, key := range keys {
		out.Add(key, values[key])
	}
	return out
}
