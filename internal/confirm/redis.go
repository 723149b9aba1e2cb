package confirm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "spinegate:confirm:"

// Each token is a hash with fields "status" and "record" (JSON). Status
// transitions run as Lua scripts so concurrent processes see one winner.

// KEYS[1] = token key, ARGV[1] = record json, ARGV[2] = ttl ms (0 = none)
var issueScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status == "claimed" or status == "consumed" then
  return 0
end
redis.call("HSET", KEYS[1], "status", "pending", "record", ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
else
  redis.call("PERSIST", KEYS[1])
end
return 1
`)

// KEYS[1] = token key, ARGV[1] = record json used when the key is absent
var claimScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status and status ~= "pending" then
  return 0
end
if not status then
  redis.call("HSET", KEYS[1], "record", ARGV[1])
end
redis.call("HSET", KEYS[1], "status", "claimed")
redis.call("PERSIST", KEYS[1])
return 1
`)

// KEYS[1] = token key, ARGV[1] = target status, ARGV[2] = ttl ms for the new status (0 = none)
var transitionScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "claimed" then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`)

// RedisLedger shares the ledger across processes through Redis. Pending
// tokens expire after the window and consumed tokens after the retention
// period. Claimed tokens never expire.
type RedisLedger struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisLedger wraps an existing client.
func NewRedisLedger(client redis.UniversalClient, opts ...Option) *RedisLedger {
	return &RedisLedger{client: client, opts: buildOptions(opts)}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, opts ...Option) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisLedger(rdb, opts...), nil
}

// Close closes the underlying client.
func (r *RedisLedger) Close() error { return r.client.Close() }

func (r *RedisLedger) key(token string) string { return redisPrefix + token }

func (r *RedisLedger) ttlMillis() int64 { return r.opts.window.Milliseconds() }

func (r *RedisLedger) retentionMillis() int64 { return r.opts.retention.Milliseconds() }

func (r *RedisLedger) Issue(ctx context.Context, rec Record) error {
	if err := validateToken(rec.Token); err != nil {
		return fmt.Errorf("invalid confirmation token: %w", err)
	}
	rec = r.opts.issued(rec, nil)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := issueScript.Run(ctx, r.client, []string{r.key(rec.Token)}, string(data), r.ttlMillis()).Err(); err != nil {
		return fmt.Errorf("redis issue: %w", err)
	}
	return nil
}

func (r *RedisLedger) Claim(ctx context.Context, token string) error {
	if err := validateToken(token); err != nil {
		return fmt.Errorf("invalid confirmation token: %w", err)
	}
	now := r.opts.now().UTC()
	data, err := json.Marshal(Record{Token: token, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return err
	}
	ok, err := claimScript.Run(ctx, r.client, []string{r.key(token)}, string(data)).Int64()
	if err != nil {
		return fmt.Errorf("redis claim: %w", err)
	}
	if ok != 1 {
		return ErrTokenUsed
	}
	return nil
}

func (r *RedisLedger) Release(ctx context.Context, token string) error {
	return r.transition(ctx, token, StatusPending, r.ttlMillis())
}

func (r *RedisLedger) Consume(ctx context.Context, token string) error {
	return r.transition(ctx, token, StatusConsumed, r.retentionMillis())
}

func (r *RedisLedger) transition(ctx context.Context, token string, to Status, ttl int64) error {
	ok, err := transitionScript.Run(ctx, r.client, []string{r.key(token)}, string(to), ttl).Int64()
	if err != nil {
		return fmt.Errorf("redis %s: %w", to, err)
	}
	if ok != 1 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisLedger) List(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := r.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list: %w", err)
		}
		if Status(fields["status"]) != StatusPending {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(fields["record"]), &rec); err != nil {
			continue
		}
		rec.Status = StatusPending
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sortRecords(out)
	return out, nil
}

