package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 5 * time.Minute

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DefinitionCache serves workflow definitions from Redis and falls back to
// the wrapped reader on a miss. Redis failures are logged and never fail a
// lookup.
type DefinitionCache struct {
	client *redis.Client
	next   storage.WorkflowReader
	ttl    time.Duration
	prefix string
	logger Logger
}

var _ storage.WorkflowReader = (*DefinitionCache)(nil)

func New(client *redis.Client, next storage.WorkflowReader, ttl time.Duration, logger Logger) *DefinitionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DefinitionCache{
		client: client,
		next:   next,
		ttl:    ttl,
		prefix: "flowq:workflow:",
		logger: logger,
	}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// WithPrefix namespaces keys, e.g. per tenant.
func (c *DefinitionCache) WithPrefix(prefix string) *DefinitionCache {
	cp := *c
	cp.prefix = prefix
	return &cp
}

func (c *DefinitionCache) key(id string) string {
	return c.prefix + id
}

func (c *DefinitionCache) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var wf models.Workflow
		jerr := json.Unmarshal(raw, &wf)
		if jerr == nil {
			return wf, nil
		}
		c.logger.Errorf("Discarding corrupt cached workflow %s: %v", id, jerr)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Errorf("Redis get for workflow %s failed: %v", id, err)
	}

	wf, err := c.next.GetWorkflow(ctx, id)
	if err != nil {
		return models.Workflow{}, err
	}
	if b, err := json.Marshal(wf); err == nil {
		if err := c.client.Set(ctx, c.key(id), b, c.ttl).Err(); err != nil {
			c.logger.Errorf("Redis set for workflow %s failed: %v", id, err)
		}
	}
	return wf, nil
}

// Invalidate drops the cached copy after a definition changes.
func (c *DefinitionCache) Invalidate(ctx context.Context, id string) error {
	return errors.Wrapf(c.client.Del(ctx, c.key(id)).Err(), "invalidate workflow %s", id)
}
