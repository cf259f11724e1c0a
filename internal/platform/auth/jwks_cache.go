package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/ehr/ehrlink/internal/platform/outbound"
)

// defaultJWKSCacheTTL is the default time-to-live for cached vendor keys.
const defaultJWKSCacheTTL = 5 * time.Minute

// JWKSCache caches a vendor's signing keys with a TTL. Keys are refetched on
// expiry or when an unknown kid is requested.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]interface{}
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *outbound.Client
}

// NewJWKSCache creates a cache for the key set at jwksURL.
func NewJWKSCache(jwksURL string, client *outbound.Client, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	if client == nil {
		client = outbound.New()
	}
	return &JWKSCache{
		keys:    make(map[string]interface{}),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  client,
	}
}

// GetKey returns the public key for kid. An empty kid matches the only key
// of a single-key set.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (interface{}, error) {
	c.mu.RLock()
	key, ok := c.lookup(kid)
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := c.fetch(ctx); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.lookup(kid)
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) lookup(kid string) (interface{}, bool) {
	if kid == "" && len(c.keys) == 1 {
		for _, k := range c.keys {
			return k, true
		}
	}
	k, ok := c.keys[kid]
	return k, ok
}

func (c *JWKSCache) fetch(ctx context.Context) error {
	resp, err := c.client.Send(ctx, outbound.Request{
		Op:     "jwks.fetch",
		Method: http.MethodGet,
		URL:    c.jwksURL,
		Header: http.Header{"Accept": []string{"application/json"}},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(resp.Body, &set); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]interface{}, len(set.Keys))
	for _, k := range set.Keys {
		if !k.Valid() || !k.IsPublic() {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		keys[k.KeyID] = k.Key
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	return nil
}
