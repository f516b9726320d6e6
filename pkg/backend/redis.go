// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"tsk/pkg/keypkg"
)

// RedisBackend is the fourth, non-spec-mandated write destination: it turns
// the same idempotent commit-then-apply pattern the rate limiter's Redis
// persister uses for distributed counters into a time-series sink, keyed by
// hash "ts:<key>" field "<time>". Applying the same (key, time, value) twice
// is a no-op, so a retried flush after a partial failure never double-counts.
type RedisBackend struct {
	enabled bool

	client    redis.Cmdable
	markerTTL time.Duration
}

// NewRedis returns a disabled Redis backend instance.
func NewRedis() *RedisBackend { return &RedisBackend{markerTTL: 24 * time.Hour} }

func (b *RedisBackend) Identifier() keypkg.Identifier { return keypkg.Redis }
func (b *RedisBackend) Name() string                  { return "redis" }
func (b *RedisBackend) Enabled() bool                  { return b.enabled }

// Init parses "-addr <host:port> -db <n> -ttl <seconds>".
func (b *RedisBackend) Init(args []string) error {
	fs := flag.NewFlagSet("redis", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", "127.0.0.1:6379", "redis server address")
	db := fs.Int("db", 0, "redis logical db")
	ttl := fs.Int("ttl", int(24*time.Hour/time.Second), "idempotency marker TTL in seconds")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("backend redis: parse options: %w", err)
	}
	b.client = redis.NewClient(&redis.Options{Addr: *addr, DB: *db})
	b.markerTTL = time.Duration(*ttl) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.client = nil
		return fmt.Errorf("backend redis: connect to %s: %w", *addr, err)
	}
	b.enabled = true
	return nil
}

func (b *RedisBackend) Free() error {
	b.enabled = false
	if c, ok := b.client.(*redis.Client); ok && c != nil {
		return c.Close()
	}
	return nil
}

// redisWriteScript mirrors the rate limiter's idempotent-apply pattern: a
// SETNX-guarded marker per (key, time) gates the write so a retried flush
// after a partial failure never applies the same value twice.
const redisWriteScript = `
local dataKey = KEYS[1]
local markerKey = KEYS[2]
local field = ARGV[1]
local value = ARGV[2]
local ttlSeconds = tonumber(ARGV[3])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('HSET', dataKey, field, value)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  return 1
else
  return 0
end
`

func dataKey(key string) string             { return "ts:" + key }
func markerKey(key string, t uint32) string { return fmt.Sprintf("ts-marker:%s:%d", key, t) }

func (b *RedisBackend) SetSingle(key string, value uint64, t uint32) error {
	ctx := context.Background()
	keys := []string{dataKey(key), markerKey(key, t)}
	args := []interface{}{t, value, int(b.markerTTL.Seconds())}
	if err := b.client.Eval(ctx, redisWriteScript, keys, args...).Err(); err != nil {
		return fmt.Errorf("backend redis: eval key=%s: %w", key, err)
	}
	return nil
}

// ResolveKey is identity: the backend addresses records by the key string
// itself.
func (b *RedisBackend) ResolveKey(key string) ([]byte, error) { return []byte(key), nil }

func (b *RedisBackend) ResolveKeyBulk(keys []string) ([][]byte, bool, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, false, nil
}

func (b *RedisBackend) SetSingleByID(id []byte, value uint64, t uint32) error {
	return b.SetSingle(string(id), value, t)
}

func (b *RedisBackend) SetBulkInit(keyCount int, t uint32) error {
	return fmt.Errorf("%w: redis backend has no bulk path", keypkg.ErrNotImplemented)
}

func (b *RedisBackend) SetBulkByID(id []byte, value uint64) error {
	return fmt.Errorf("%w: redis backend has no bulk path", keypkg.ErrNotImplemented)
}

func (b *RedisBackend) KPInit(kp *keypkg.KP) (any, error)     { return nil, nil }
func (b *RedisBackend) KPFree(kp *keypkg.KP, state any) error { return nil }

func (b *RedisBackend) KPKeyInfoUpdate(kp *keypkg.KP) error {
	for _, i := range kp.UnresolvedIndices(keypkg.Redis) {
		kp.SetBackendKey(i, keypkg.Redis, []byte(kp.Key(i)))
	}
	return nil
}

func (b *RedisBackend) KPKeyInfoFree(kp *keypkg.KP, i int, state any) error { return nil }

// KPFlush pipelines one EVAL per enabled key via a single pipeline round
// trip, preserving insertion order.
func (b *RedisBackend) KPFlush(kp *keypkg.KP, t uint32) error {
	n := kp.EnabledSize()
	err := b.kpFlush(kp, t)
	observeFlush(b.Name(), n, err)
	return err
}

func (b *RedisBackend) kpFlush(kp *keypkg.KP, t uint32) error {
	pipe := b.client.Pipeline()
	var keys []string
	for i := 0; i < kp.Size(); i++ {
		if !kp.Enabled(i) {
			continue
		}
		key := kp.Key(i)
		keys = append(keys, key)
		redisKeys := []string{dataKey(key), markerKey(key, t)}
		args := []interface{}{t, kp.Value(i), int(b.markerTTL.Seconds())}
		pipe.Eval(context.Background(), redisWriteScript, redisKeys, args...)
	}
	if len(keys) == 0 {
		return nil
	}
	_, err := pipe.Exec(context.Background())
	if err != nil {
		return fmt.Errorf("backend redis: pipeline exec: %w", err)
	}
	return nil
}
