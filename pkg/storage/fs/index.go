package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/policy"
)

const keyPrefix = "trove:"

// Document is one indexed entry: its record projection plus the
// denormalized policy tags the read path filters on.
type Document struct {
	Record   model.Record `json:"record"`
	Policies []string     `json:"query_policies"`
	ViewACL  []string     `json:"view_acl,omitempty"`
}

// Index is the Redis inverted index over the on-disk tree. It holds no
// authoritative state; FlushSpace plus a reindex walk rebuilds it.
type Index struct {
	client *redis.Client
}

// IndexOptions configures the Redis connection.
type IndexOptions struct {
	URL      string
	Password string
	DB       int
}

// NewIndex connects to Redis and verifies the connection; an unreachable
// index is a startup failure, not a degraded mode.
func NewIndex(opts IndexOptions) (*Index, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.DB >= 0 {
		redisOpts.DB = opts.DB
	}
	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Index{client: client}, nil
}

func docKey(space, subpath string, rt model.ResourceType, shortname string) string {
	return fmt.Sprintf("%sentry:%s:%s:%s:%s", keyPrefix, space, policy.Normalize(subpath), rt, shortname)
}

func subpathKey(space, subpath string) string {
	return fmt.Sprintf("%ssubpath:%s:%s", keyPrefix, space, policy.Normalize(subpath))
}

func spaceKey(space string) string {
	return fmt.Sprintf("%sspace:%s", keyPrefix, space)
}

func subpathsKey(space string) string {
	return fmt.Sprintf("%ssubpaths:%s", keyPrefix, space)
}

func lockKey(space, subpath, shortname string) string {
	return fmt.Sprintf("%slock:%s:%s:%s", keyPrefix, space, policy.Normalize(subpath), shortname)
}

// Put indexes one entry, replacing any previous document at the same
// identity.
func (idx *Index) Put(ctx context.Context, space, subpath string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal index document: %w", err)
	}
	key := docKey(space, subpath, doc.Record.ResourceType, doc.Record.Shortname)
	pipe := idx.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, subpathKey(space, subpath), key)
	pipe.SAdd(ctx, spaceKey(space), key)
	pipe.SAdd(ctx, subpathsKey(space), subpathKey(space, subpath))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to index entry: %w", err)
	}
	return nil
}

// Remove drops one entry from the index.
func (idx *Index) Remove(ctx context.Context, space, subpath string, rt model.ResourceType, shortname string) error {
	key := docKey(space, subpath, rt, shortname)
	pipe := idx.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, subpathKey(space, subpath), key)
	pipe.SRem(ctx, spaceKey(space), key)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to deindex entry: %w", err)
	}
	return nil
}

// DocsBySubpath fetches every indexed document directly under a subpath.
func (idx *Index) DocsBySubpath(ctx context.Context, space, subpath string) ([]Document, error) {
	return idx.docsOf(ctx, subpathKey(space, subpath))
}

// DocsBySpace fetches every indexed document in a space.
func (idx *Index) DocsBySpace(ctx context.Context, space string) ([]Document, error) {
	return idx.docsOf(ctx, spaceKey(space))
}

func (idx *Index) docsOf(ctx context.Context, setKey string) ([]Document, error) {
	keys, err := idx.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list index set: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := idx.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch index documents: %w", err)
	}
	docs := make([]Document, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Stale member whose document key expired or was deleted.
			idx.client.SRem(ctx, setKey, keys[i])
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			idx.client.Del(ctx, keys[i])
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// FlushSpace drops every index key belonging to a space ahead of a rebuild.
func (idx *Index) FlushSpace(ctx context.Context, space string) error {
	keys, err := idx.client.SMembers(ctx, spaceKey(space)).Result()
	if err != nil {
		return fmt.Errorf("failed to list space index: %w", err)
	}
	subpathSets, err := idx.client.SMembers(ctx, subpathsKey(space)).Result()
	if err != nil {
		return fmt.Errorf("failed to list subpath sets: %w", err)
	}
	all := append(keys, subpathSets...)
	all = append(all, spaceKey(space), subpathsKey(space))
	if err := idx.client.Del(ctx, all...).Err(); err != nil {
		return fmt.Errorf("failed to flush space index: %w", err)
	}
	return nil
}

// LockGet fetches a lease, nil on absence.
func (idx *Index) LockGet(ctx context.Context, space, subpath, shortname string) (*model.Lock, error) {
	data, err := idx.client.Get(ctx, lockKey(space, subpath, shortname)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch lock: %w", err)
	}
	var lock model.Lock
	if err := json.Unmarshal([]byte(data), &lock); err != nil {
		return nil, fmt.Errorf("failed to decode lock: %w", err)
	}
	return &lock, nil
}

// LockSet writes a lease. The Redis expiry mirrors the lease TTL so an
// abandoned lock disappears on its own.
func (idx *Index) LockSet(ctx context.Context, space, subpath, shortname string, lock *model.Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}
	return idx.client.Set(ctx, lockKey(space, subpath, shortname), data, lock.TTL).Err()
}

// LockDel removes a lease; absence is not an error.
func (idx *Index) LockDel(ctx context.Context, space, subpath, shortname string) error {
	return idx.client.Del(ctx, lockKey(space, subpath, shortname)).Err()
}

// Ping probes the connection.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (idx *Index) Close() error {
	return idx.client.Close()
}
