package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/giantswarm/oidc-engine/internal/util"
)

const (
	// DefaultFetchTimeout bounds a single JWK Set retrieval.
	DefaultFetchTimeout = 10 * time.Second

	// maxLoggedURLLength keeps log lines short for long jwks_uri values.
	maxLoggedURLLength = 80
)

// Fetcher retrieves a JWK Set from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (*jose.JSONWebKeySet, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, uri string) (*jose.JSONWebKeySet, error)

func (f FetcherFunc) Fetch(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	return f(ctx, uri)
}

// RemoteFetcherConfig configures a RemoteFetcher.
type RemoteFetcherConfig struct {
	// HTTPClient is used for retrieval (default: a client with DefaultFetchTimeout).
	HTTPClient *http.Client

	// AllowInsecure permits http URLs and internal addresses. Only for tests
	// and local development.
	AllowInsecure bool

	Logger *slog.Logger
}

// RemoteFetcher fetches JWK Sets over HTTP and caches them. Sets are refreshed
// in the background for as long as the context given to NewRemoteFetcher
// lives.
type RemoteFetcher struct {
	cache         *jwk.Cache
	allowInsecure bool
	logger        *slog.Logger

	mu         sync.Mutex
	registered map[string]bool
}

// NewRemoteFetcher creates a fetcher whose background refresh stops when ctx
// is cancelled.
func NewRemoteFetcher(ctx context.Context, cfg RemoteFetcherConfig) (*RemoteFetcher, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultFetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &RemoteFetcher{
		cache:         cache,
		allowInsecure: cfg.AllowInsecure,
		logger:        logger,
		registered:    make(map[string]bool),
	}, nil
}

// Fetch returns the JWK Set published at uri.
func (f *RemoteFetcher) Fetch(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	if err := util.ValidateFetchURL(uri, f.allowInsecure); err != nil {
		return nil, fmt.Errorf("refusing to fetch JWKS: %w", err)
	}
	if err := f.ensureRegistered(ctx, uri); err != nil {
		return nil, err
	}

	set, err := f.cache.Lookup(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	return toJoseKeySet(set)
}

func (f *RemoteFetcher) ensureRegistered(ctx context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.registered[uri] {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()

	if err := f.cache.Register(regCtx, uri); err != nil {
		f.logger.Warn("Failed to register JWKS URL",
			"jwks_uri", util.SafeTruncate(uri, maxLoggedURLLength),
			"error", err)
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	f.registered[uri] = true
	return nil
}

// toJoseKeySet converts a jwx set through its JSON form.
func toJoseKeySet(set jwk.Set) (*jose.JSONWebKeySet, error) {
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JWKS: %w", err)
	}
	var out jose.JSONWebKeySet
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &out, nil
}
