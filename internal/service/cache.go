package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"integrahub/internal/model"
	"integrahub/internal/repository"
)

type cachedClient struct {
	client  *model.APIClient
	expires time.Time
}

// ClientCache resolves producer identities with a short TTL so the hot publish
// path does not hit MySQL on every request. Disabled clients fall out when
// their entry expires.
type ClientCache struct {
	repo repository.ClientInterface
	ttl  time.Duration
	now  func() time.Time

	mu     sync.RWMutex
	byKey  map[string]cachedClient
	byName map[string]cachedClient
}

func NewClientCache(repo repository.ClientInterface, ttl time.Duration) *ClientCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ClientCache{
		repo:   repo,
		ttl:    ttl,
		now:    time.Now,
		byKey:  make(map[string]cachedClient),
		byName: make(map[string]cachedClient),
	}
}

// Authenticate resolves an API key. Unknown or disabled keys return ErrUnauthorized.
func (c *ClientCache) Authenticate(ctx context.Context, apiKey string) (*model.APIClient, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	if client, ok := c.lookup(c.byKey, apiKey); ok {
		return client, nil
	}

	client, err := c.repo.FindByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("find client by key: %w", err)
	}
	if client == nil {
		return nil, ErrUnauthorized
	}
	c.store(client)
	return client, nil
}

// WebhookSecret returns the inbound signing secret of the named system.
func (c *ClientCache) WebhookSecret(ctx context.Context, system string) (string, error) {
	client, ok := c.lookup(c.byName, system)
	if !ok {
		var err error
		client, err = c.repo.FindByName(ctx, system)
		if err != nil {
			return "", fmt.Errorf("find client by name: %w", err)
		}
		if client == nil {
			return "", ErrUnknownSystem
		}
		c.store(client)
	}
	if client.WebhookSecret == "" {
		return "", ErrUnknownSystem
	}
	return client.WebhookSecret, nil
}

func (c *ClientCache) lookup(m map[string]cachedClient, k string) (*model.APIClient, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := m[k]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.client, true
}

func (c *ClientCache) store(client *model.APIClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cachedClient{client: client, expires: c.now().Add(c.ttl)}
	c.byKey[client.APIKey] = e
	c.byName[client.Name] = e
}
