package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	// InvalidationChannel is the Redis Pub/Sub channel used for cache
	// invalidation signals. When one gateway node invalidates a path or a
	// tag (e.g. after /_rari/revalidate/path) it publishes an
	// InvalidationMessage to this channel. Every subscribed node evicts the
	// matching entries from its own L1 cache, giving cross-instance
	// consistency without waiting for TTL expiry.
	InvalidationChannel = "rari:cache:invalidate"
)

// InvalidationKind distinguishes a path-scoped invalidation from a
// tag-scoped one.
type InvalidationKind string

const (
	InvalidateKindPath InvalidationKind = "path"
	InvalidateKindTag  InvalidationKind = "tag"
)

// InvalidationMessage is the Pub/Sub payload. Generalized from a single
// cache key (the domain stack's original design) to a {kind, value} pair so
// a tag invalidation fans out to every matching entry on every node, not
// just one key.
type InvalidationMessage struct {
	Kind  InvalidationKind `json:"kind"`
	Value string           `json:"value"`
}

// Invalidatable is implemented by a local cache store that can evict by
// path or by tag. ResponseCache implements it.
type Invalidatable interface {
	InvalidateLocalPath(path string)
	InvalidateLocalTag(tag string)
}

// CacheInvalidator listens for invalidation signals over Redis Pub/Sub and
// applies them to a local Invalidatable store (typically the L1 Response
// Cache in a tiered setup).
type CacheInvalidator struct {
	local  Invalidatable
	client *redis.Client
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewCacheInvalidator creates a cache invalidator that subscribes to Redis
// Pub/Sub and invalidates entries in the local store when signals arrive.
func NewCacheInvalidator(local Invalidatable, client *redis.Client) *CacheInvalidator {
	return &CacheInvalidator{
		local:  local,
		client: client,
	}
}

// Start begins listening for invalidation signals. It blocks until the
// context is cancelled or Close is called.
func (ci *CacheInvalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	ci.mu.Lock()
	ci.cancel = cancel
	ci.mu.Unlock()

	pubsub := ci.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m InvalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				continue
			}
			switch m.Kind {
			case InvalidateKindPath:
				ci.local.InvalidateLocalPath(m.Value)
			case InvalidateKindTag:
				ci.local.InvalidateLocalTag(m.Value)
			}
		}
	}
}

// PublishPathInvalidation publishes a path-scoped invalidation signal.
func (ci *CacheInvalidator) PublishPathInvalidation(ctx context.Context, path string) error {
	return ci.publish(ctx, InvalidationMessage{Kind: InvalidateKindPath, Value: path})
}

// PublishTagInvalidation publishes a tag-scoped invalidation signal.
func (ci *CacheInvalidator) PublishTagInvalidation(ctx context.Context, tag string) error {
	return ci.publish(ctx, InvalidationMessage{Kind: InvalidateKindTag, Value: tag})
}

func (ci *CacheInvalidator) publish(ctx context.Context, m InvalidationMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return ci.client.Publish(ctx, InvalidationChannel, data).Err()
}

// Close stops the invalidation listener.
func (ci *CacheInvalidator) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.closed {
		return nil
	}
	ci.closed = true
	if ci.cancel != nil {
		ci.cancel()
	}
	return nil
}
