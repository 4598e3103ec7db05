package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"longterm/internal/codec"
	"longterm/internal/domain"
)

// ByTimeKey is the sorted set holding every pending id, scored by quantized
// due time. It is persisted; renaming it needs a data migration.
const ByTimeKey = "scheduled_task_id_by_time"

// redisStore keeps one string key per task id plus membership in ByTimeKey.
//
// Without AtomicWrites the two writes of Set and Delete are separate
// commands. A crash between them leaves a value without index membership
// (never swept) or an index member without a value (skipped by sweeps).
type redisStore struct {
	client *redis.Client
	atomic bool
}

func openRedis(ctx context.Context, url string, opts Options) (Store, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %w", domain.ErrInvalidArgument, err)
	}
	if opts.MaxConnections > 0 {
		ro.PoolSize = opts.MaxConnections
	}
	if opts.SocketTimeout > 0 {
		ro.ReadTimeout = opts.SocketTimeout
		ro.WriteTimeout = opts.SocketTimeout
	}
	if opts.ConnectTimeout > 0 {
		ro.DialTimeout = opts.ConnectTimeout
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", ro.Addr, err)
	}
	return NewRedis(client, opts.AtomicWrites), nil
}

// NewRedis wraps an existing client. The store takes ownership and closes it
// on Close.
func NewRedis(client *redis.Client, atomic bool) Store {
	return &redisStore{client: client, atomic: atomic}
}

func (r *redisStore) Set(ctx context.Context, dueAt time.Time, id string, p codec.Payload) error {
	if err := checkSet(dueAt, id); err != nil {
		return err
	}
	data, err := codec.Encode(p)
	if err != nil {
		return err
	}
	member := redis.Z{Score: float64(domain.Quantize(dueAt)), Member: id}

	if r.atomic {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, id, data, 0)
			pipe.ZAdd(ctx, ByTimeKey, member)
			return nil
		})
		return err
	}

	if err := r.client.Set(ctx, id, data, 0).Err(); err != nil {
		return err
	}
	if err := r.client.ZAdd(ctx, ByTimeKey, member).Err(); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("value stored but time index write failed")
		return fmt.Errorf("%w: set %s: index: %w", domain.ErrPartialWrite, id, err)
	}
	return nil
}

func (r *redisStore) Get(ctx context.Context, id string) (codec.Payload, error) {
	data, err := r.client.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return codec.Payload{}, notFound(id)
	}
	if err != nil {
		return codec.Payload{}, err
	}
	return codec.Decode(data)
}

func (r *redisStore) Delete(ctx context.Context, id string) error {
	var values, members int64
	if r.atomic {
		var del, zrem *redis.IntCmd
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, id)
			zrem = pipe.ZRem(ctx, ByTimeKey, id)
			return nil
		})
		if err != nil {
			return err
		}
		values, members = del.Val(), zrem.Val()
	} else {
		var err error
		if values, err = r.client.Del(ctx, id).Result(); err != nil {
			return err
		}
		if members, err = r.client.ZRem(ctx, ByTimeKey, id).Result(); err != nil {
			if values == 0 {
				return err
			}
			log.Error().Err(err).Str("task_id", id).Msg("value deleted but time index removal failed")
			return fmt.Errorf("%w: delete %s: index: %w", domain.ErrPartialWrite, id, err)
		}
	}

	switch {
	case values == 1 && members == 1:
		return nil
	case values == 0 && members == 0:
		return notFound(id)
	}
	log.Error().
		Str("task_id", id).
		Int64("values_removed", values).
		Int64("index_removed", members).
		Msg("half-deleted task entry")
	return fmt.Errorf("%w: delete %s removed %d value(s) and %d index member(s)", domain.ErrPartialWrite, id, values, members)
}

func (r *redisStore) GetOlderThan(ctx context.Context, before time.Time) (iter.Seq2[domain.Entry, error], error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, ByTimeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(domain.Quantize(before), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	snap := make([]indexed, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		snap = append(snap, indexed{id: id, due: int64(z.Score)})
	}
	return lazyEntries(ctx, snap, r.Get), nil
}

func (r *redisStore) Close() error { return r.client.Close() }
