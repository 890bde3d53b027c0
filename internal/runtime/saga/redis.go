package saga

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/eventflow/internal/runtime/codec"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// DefaultRedisPrefix namespaces every key of a RedisStore.
const DefaultRedisPrefix = "eventflow:saga"

// saveScript compares the stored version with ARGV[1] and, when they match,
// writes the document and replaces the instance members of the timeout set.
// It returns -1 on success or the current version on conflict.
//
// KEYS[1] instance hash, KEYS[2] due timeout zset, KEYS[3] instance member set
// ARGV[1] expected version, ARGV[2] new version, ARGV[3] document,
// ARGV[4..] score/member pairs
var saveScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
if current ~= tonumber(ARGV[1]) then
	return current
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "document", ARGV[3])
local old = redis.call("SMEMBERS", KEYS[3])
for _, member in ipairs(old) do
	redis.call("ZREM", KEYS[2], member)
end
redis.call("DEL", KEYS[3])
for i = 4, #ARGV, 2 do
	redis.call("ZADD", KEYS[2], ARGV[i], ARGV[i + 1])
	redis.call("SADD", KEYS[3], ARGV[i + 1])
end
return -1
`)

// RedisStore keeps instances in hashes and all pending timeouts in one sorted
// set scored by fire time in milliseconds. Writes go through a compare-and-set
// script on the version field.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// OpenRedisStore connects to the redis:// URL and pings it.
func OpenRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, prefix)
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) instanceKey(processType string, id uuid.UUID) string {
	return s.prefix + ":instance:" + processType + ":" + id.String()
}

func (s *RedisStore) membersKey(processType string, id uuid.UUID) string {
	return s.instanceKey(processType, id) + ":timeouts"
}

func (s *RedisStore) timeoutsKey() string {
	return s.prefix + ":timeouts"
}

func (s *RedisStore) Load(ctx context.Context, processType string, id uuid.UUID) (*Instance, error) {
	doc, err := s.client.HGet(ctx, s.instanceKey(processType, id), "document").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errspkg.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var inst Instance
	if err := codec.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode process instance: %w", err)
	}
	return &inst, nil
}

func (s *RedisStore) Save(ctx context.Context, inst *Instance, expectedVersion int) error {
	if inst == nil {
		return errspkg.ErrProcessRequired
	}
	if strings.Contains(inst.ProcessType, "|") {
		return fmt.Errorf("saga: process type %q must not contain '|'", inst.ProcessType)
	}
	doc, err := codec.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode process instance: %w", err)
	}

	args := make([]any, 0, 3+2*len(inst.PendingTimeouts))
	args = append(args, expectedVersion, inst.Version, doc)
	for _, t := range inst.PendingTimeouts {
		args = append(args, t.FireAt.UnixMilli(), timeoutMember(inst.ProcessType, inst.ProcessID, t))
	}

	keys := []string{
		s.instanceKey(inst.ProcessType, inst.ProcessID),
		s.timeoutsKey(),
		s.membersKey(inst.ProcessType, inst.ProcessID),
	}
	res, err := saveScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	if res >= 0 {
		return conflict(inst, expectedVersion, int(res))
	}
	return nil
}

func (s *RedisStore) DueTimeouts(ctx context.Context, now time.Time, limit int) ([]DueTimeout, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.timeoutsKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	due := make([]DueTimeout, 0, len(entries))
	for _, z := range entries {
		member, _ := z.Member.(string)
		d, err := parseTimeoutMember(member)
		if err != nil {
			return nil, err
		}
		d.FireAt = time.UnixMilli(int64(z.Score)).UTC()
		due = append(due, d)
	}
	return due, nil
}

// timeoutMember encodes a timeout as "type|id|token|name". Names may contain
// '|' since they come last.
func timeoutMember(processType string, id uuid.UUID, t Timeout) string {
	return strings.Join([]string{processType, id.String(), t.Token, t.Name}, "|")
}

func parseTimeoutMember(member string) (DueTimeout, error) {
	parts := strings.SplitN(member, "|", 4)
	if len(parts) != 4 {
		return DueTimeout{}, fmt.Errorf("saga: malformed timeout entry %q", member)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return DueTimeout{}, fmt.Errorf("saga: malformed timeout entry %q: %w", member, err)
	}
	return DueTimeout{
		ProcessType: parts[0],
		ProcessID:   id,
		Timeout:     Timeout{Token: parts[2], Name: parts[3]},
	}, nil
}
