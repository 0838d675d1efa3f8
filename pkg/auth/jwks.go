// Package auth validates the bearer tokens that guard the management admin routes.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	jwksFetchTimeout = 10 * time.Second
)

// KeySource resolves a signing key by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// JWK is one RSA entry of a JSON Web Key Set.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []JWK `json:"keys"`
}

// JWKSClient fetches a key set over HTTP and caches it for a TTL. An unknown
// kid forces a refresh so rotated keys are picked up before the TTL expires.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time
	log        logger.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

// NewJWKSClient creates a client for url. A zero ttl means DefaultCacheTTL.
func NewJWKSClient(url string, ttl time.Duration, log logger.Logger) *JWKSClient {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: jwksFetchTimeout},
		now:        time.Now,
		log:        log,
		keys:       map[string]*rsa.PublicKey{},
	}
}

// Key returns the public key for kid.
func (c *JWKSClient) Key(ctx context.Context, kid string) (any, error) {
	if key := c.cached(kid); key != nil {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key := c.cached(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("signing key %q not found", kid)
}

func (c *JWKSClient) cached(kid string) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.now().After(c.expiresAt) {
		return nil
	}
	return c.keys[kid]
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		key, err := parseRSAKey(jwk)
		if err != nil {
			c.log.Warn("skipping jwk", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks at %s has no usable RSA keys", c.url)
	}

	c.mu.Lock()
	c.keys = keys
	c.expiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()
	c.log.Debug("jwks refreshed", "keys", len(keys))
	return nil
}

func parseRSAKey(jwk JWK) (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exponent := new(big.Int).SetBytes(e)
	if !exponent.IsInt64() || exponent.Int64() < 3 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exponent.Int64())}, nil
}
