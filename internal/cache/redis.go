package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// DefaultKeyPrefix namespaces realtime state hashes ("gs:<user_id>").
const DefaultKeyPrefix = "gs:"

// restoreAttempts bounds the optimistic WATCH loop in Restore.
const restoreAttempts = 8

// Hash fields of a cached record.
const (
	fieldData      = "data"
	fieldVersion   = "version"
	fieldUpdatedAt = "updated_at"
)

// RedisOptions configures a Redis-backed store.
type RedisOptions struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a Store backed by one Redis hash per user.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, opts.KeyPrefix), nil
}

// NewRedis wraps an existing client. An empty prefix selects DefaultKeyPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Key returns the hash key holding id's record.
func (r *Redis) Key(id state.UserID) string {
	return r.prefix + id.String()
}

func (r *Redis) Get(ctx context.Context, id state.UserID) (state.Record, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.Key(id)).Result()
	if err != nil {
		return state.Record{}, false, fmt.Errorf("cache get: %w", err)
	}
	return decodeRecord(id, fields)
}

func (r *Redis) Set(ctx context.Context, rec state.Record) error {
	values, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	// A single HSET replaces every field at once, so readers never see a
	// data/version pair from different merges.
	if err := r.client.HSet(ctx, r.Key(rec.UserID), values...).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (r *Redis) Take(ctx context.Context, id state.UserID) (state.Record, bool, error) {
	key := r.Key(id)

	pipe := r.client.TxPipeline()
	get := pipe.HGetAll(ctx, key)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return state.Record{}, false, fmt.Errorf("cache take: %w", err)
	}
	return decodeRecord(id, get.Val())
}

func (r *Redis) Restore(ctx context.Context, rec state.Record) error {
	key := r.Key(rec.UserID)

	restore := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current, ok, err := decodeRecord(rec.UserID, fields)
		if err != nil {
			return err
		}
		next := rec
		if ok {
			next = state.Overlay(rec, current)
		}
		values, err := encodeRecord(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, values...)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < restoreAttempts; attempt++ {
		err := r.client.Watch(ctx, restore, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cache restore: %w", err)
		}
		return nil
	}
	return fmt.Errorf("cache restore: key %s kept changing after %d attempts", key, restoreAttempts)
}

func (r *Redis) Delete(ctx context.Context, id state.UserID) error {
	if err := r.client.Del(ctx, r.Key(id)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func encodeRecord(rec state.Record) ([]any, error) {
	data, err := jsondoc.MarshalString(rec.Data)
	if err != nil {
		return nil, err
	}
	return []any{
		fieldData, data,
		fieldVersion, rec.Version,
		fieldUpdatedAt, rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeRecord(id state.UserID, fields map[string]string) (state.Record, bool, error) {
	if len(fields) == 0 {
		return state.Record{}, false, nil
	}

	rec := state.Record{UserID: id, Data: jsondoc.Document{}}

	if raw, ok := fields[fieldData]; ok && raw != "" {
		doc, err := jsondoc.DecodeBytes([]byte(raw))
		if err != nil {
			return state.Record{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, fieldData, err)
		}
		rec.Data = doc
	}

	if raw, ok := fields[fieldVersion]; ok && raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return state.Record{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, fieldVersion, err)
		}
		rec.Version = v
	}

	if raw, ok := fields[fieldUpdatedAt]; ok && raw != "" {
		// Older writers stored naive timestamps; an unparsable value is not
		// worth failing a read over.
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.UpdatedAt = ts
		}
	}

	return rec, true, nil
}
