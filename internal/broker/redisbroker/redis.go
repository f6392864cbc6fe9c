// Package redisbroker implements broker.Broker on Redis: a list for the task
// queue, hashes with expiry for result records and expiring keys for worker
// heartbeats.
package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskrelay/internal/broker"
	"taskrelay/internal/domain"
)

const DefaultPrefix = "taskrelay"

// storeResult refuses to replace a terminal record.
var storeResult = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'terminal') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'body', ARGV[1], 'terminal', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type Options struct {
	Prefix      string
	DialTimeout time.Duration
}

type Broker struct {
	client *redis.Client
	prefix string
}

var _ broker.Broker = (*Broker)(nil)

// Dial builds a client for d. Reachability is checked by the caller's Ping.
func Dial(d broker.ConnectionDescriptor, opts Options) (*Broker, error) {
	tlsCfg, err := broker.TLSConfig(d)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        d.Addr(),
		Username:    d.Username,
		Password:    d.Password,
		DB:          d.DB,
		TLSConfig:   tlsCfg,
		DialTimeout: opts.DialTimeout,
	})
	return New(client, opts.Prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Broker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Broker{client: client, prefix: prefix}
}

func (b *Broker) queueKey() string           { return b.prefix + ":queue" }
func (b *Broker) resultKey(id string) string { return b.prefix + ":result:" + id }
func (b *Broker) workerKey(id string) string { return b.prefix + ":worker:" + id }
func (b *Broker) workerPattern() string      { return b.prefix + ":worker:*" }

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Enqueue(ctx context.Context, body []byte) error {
	return b.client.LPush(ctx, b.queueKey(), body).Err()
}

func (b *Broker) Dequeue(ctx context.Context, wait time.Duration) ([]byte, error) {
	if wait <= 0 {
		v, err := b.client.RPop(ctx, b.queueKey()).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, broker.ErrNoMessage
		}
		return v, err
	}
	res, err := b.client.BRPop(ctx, wait, b.queueKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrNoMessage
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("brpop: unexpected reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

func (b *Broker) StoreResult(ctx context.Context, id string, body []byte, terminal bool, ttl time.Duration) error {
	flag := "0"
	if terminal {
		flag = "1"
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	n, err := storeResult.Run(ctx, b.client, []string{b.resultKey(id)}, body, flag, ms).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return broker.ErrAlreadyFinalized
	}
	return nil
}

func (b *Broker) LoadResult(ctx context.Context, id string) ([]byte, error) {
	v, err := b.client.HGet(ctx, b.resultKey(id), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrNoResult
	}
	return v, err
}

func (b *Broker) Heartbeat(ctx context.Context, hb domain.WorkerHeartbeat, ttl time.Duration) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.workerKey(hb.WorkerID), data, ttl).Err()
}

func (b *Broker) Heartbeats(ctx context.Context) ([]domain.WorkerHeartbeat, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, b.workerPattern(), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkerHeartbeat, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var hb domain.WorkerHeartbeat
		if err := json.Unmarshal([]byte(s), &hb); err != nil {
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}
