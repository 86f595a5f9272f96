// Package redisstore keeps identifier records in Redis. Each record is a
// hash; membership sets per status let Count and Find avoid scanning, and
// Reserved ids live in a sorted set scored by their reservation time so
// the expiry sweep is a range query. Every mutation runs as one Lua script.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"backfeed.org/internal/reserve"
)

const (
	DefaultPrefix = "idpool:"

	insertChunk = 500

	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 2 * time.Second
)

// insertScript: KEYS = available, reserved, used; ARGV = record key prefix,
// then (id, status, reserved_at ms) triples. Existing ids are left alone.
var insertScript = redis.NewScript(`
local n = 0
for i = 2, #ARGV, 3 do
  local id, st, ms = ARGV[i], ARGV[i + 1], ARGV[i + 2]
  local key = ARGV[1] .. id
  if redis.call('HSETNX', key, 'status', st) == 1 then
    if st == 'reserved' then
      redis.call('HSET', key, 'reserved_at', ms)
      redis.call('ZADD', KEYS[2], ms, id)
    elseif st == 'available' then
      redis.call('SADD', KEYS[1], id)
    else
      redis.call('SADD', KEYS[3], id)
    end
    n = n + 1
  end
end
return n
`)

// casScript: KEYS = record, available, reserved, used;
// ARGV = id, expected status, next status, reserved_at ms.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= ARGV[2] then
  return 0
end
local sets = {available = KEYS[2], used = KEYS[4]}
if cur == 'reserved' then
  redis.call('ZREM', KEYS[3], ARGV[1])
else
  redis.call('SREM', sets[cur], ARGV[1])
end
redis.call('HSET', KEYS[1], 'status', ARGV[3])
if ARGV[3] == 'reserved' then
  redis.call('HSET', KEYS[1], 'reserved_at', ARGV[4])
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('HDEL', KEYS[1], 'reserved_at')
  redis.call('SADD', sets[ARGV[3]], ARGV[1])
end
return 1
`)

// releaseScript: KEYS = reserved, available; ARGV = record key prefix, cutoff ms.
var releaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', key, 'status', 'available')
  redis.call('HDEL', key, 'reserved_at')
  redis.call('SADD', KEYS[2], id)
end
return #ids
`)

// Store implements reserve.Store on a single Redis node.
type Store struct {
	client *redis.Client
	prefix string
}

var _ reserve.Store = (*Store)(nil)

// Open parses url, tunes the pool and pings the server.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxIdleConns = 5
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	s := New(redis.NewClient(opts), prefix)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps client. An empty prefix means DefaultPrefix. The Lua scripts
// derive record keys from the prefix at run time, so cluster clients are
// not supported.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	return nil
}

func (s *Store) recPrefix() string { return s.prefix + "rec:" }

func (s *Store) recKey(id string) string { return s.recPrefix() + id }

func (s *Store) statusKey(st reserve.Status) string { return s.prefix + string(st) }

func (s *Store) InsertMany(ctx context.Context, records []reserve.Record) (int, error) {
	keys := []string{
		s.statusKey(reserve.StatusAvailable),
		s.statusKey(reserve.StatusReserved),
		s.statusKey(reserve.StatusUsed),
	}
	total := 0
	for start := 0; start < len(records); start += insertChunk {
		chunk := records[start:min(start+insertChunk, len(records))]
		args := make([]any, 0, 1+len(chunk)*3)
		args = append(args, s.recPrefix())
		for _, r := range chunk {
			args = append(args, r.ID, string(r.Status), reservedAtArg(r.Status, r.ReservedAt))
		}
		n, err := insertScript.Run(ctx, s.client, keys, args...).Int()
		if err != nil {
			return total, fmt.Errorf("redis insert: %w", err)
		}
		total += n
	}
	return total, nil
}

func (s *Store) CompareAndSet(ctx context.Context, id string, expected reserve.Status, next reserve.Update) (bool, error) {
	keys := []string{
		s.recKey(id),
		s.statusKey(reserve.StatusAvailable),
		s.statusKey(reserve.StatusReserved),
		s.statusKey(reserve.StatusUsed),
	}
	at := next.ReservedAt
	n, err := casScript.Run(ctx, s.client, keys, id, string(expected), string(next.Status), reservedAtArg(next.Status, &at)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Count(ctx context.Context, status reserve.Status) (int, error) {
	var (
		n   int64
		err error
	)
	if status == reserve.StatusReserved {
		n, err = s.client.ZCard(ctx, s.statusKey(status)).Result()
	} else {
		n, err = s.client.SCard(ctx, s.statusKey(status)).Result()
	}
	return int(n), err
}

// Find samples Available and Used ids at random, so concurrent allocators
// rarely start on the same candidates. Reserved ids come oldest first.
func (s *Store) Find(ctx context.Context, status reserve.Status, limit int) ([]reserve.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	if status == reserve.StatusReserved {
		zs, err := s.client.ZRangeWithScores(ctx, s.statusKey(status), 0, int64(limit-1)).Result()
		if err != nil {
			return nil, err
		}
		res := make([]reserve.Record, 0, len(zs))
		for _, z := range zs {
			at := time.UnixMilli(int64(z.Score)).UTC()
			res = append(res, reserve.Record{ID: fmt.Sprint(z.Member), Status: status, ReservedAt: &at})
		}
		return res, nil
	}
	members, err := s.client.SRandMemberN(ctx, s.statusKey(status), int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	res := make([]reserve.Record, 0, len(members))
	for _, id := range members {
		res = append(res, reserve.Record{ID: id, Status: status})
	}
	return res, nil
}

func (s *Store) Get(ctx context.Context, id string) (reserve.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recKey(id)).Result()
	if err != nil {
		return reserve.Record{}, err
	}
	if len(fields) == 0 {
		return reserve.Record{}, reserve.ErrNotFound
	}
	return decodeRecord(id, fields)
}

func (s *Store) Existing(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	cmds := make([]*redis.IntCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.Exists(ctx, s.recKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			out[ids[i]] = true
		}
	}
	return out, nil
}

func (s *Store) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	keys := []string{s.statusKey(reserve.StatusReserved), s.statusKey(reserve.StatusAvailable)}
	return releaseScript.Run(ctx, s.client, keys, s.recPrefix(), cutoff.UnixMilli()).Int()
}

// Flush deletes every key under the store's prefix.
func (s *Store) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.client.Del(ctx, batch...).Err()
	}
	return nil
}

// --- helpers ---

func reservedAtArg(status reserve.Status, at *time.Time) string {
	if status != reserve.StatusReserved || at == nil {
		return ""
	}
	return strconv.FormatInt(at.UnixMilli(), 10)
}

var errCorruptRecord = errors.New("corrupt record")

func decodeRecord(id string, fields map[string]string) (reserve.Record, error) {
	st, err := reserve.ParseStatus(fields["status"])
	if err != nil {
		return reserve.Record{}, fmt.Errorf("%w %s: %v", errCorruptRecord, id, err)
	}
	rec := reserve.Record{ID: id, Status: st}
	if raw, ok := fields["reserved_at"]; ok && st == reserve.StatusReserved {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return reserve.Record{}, fmt.Errorf("%w %s: reserved_at %q", errCorruptRecord, id, raw)
		}
		at := time.UnixMilli(ms).UTC()
		rec.ReservedAt = &at
	}
	if !rec.Valid() {
		return reserve.Record{}, fmt.Errorf("%w %s: status %s with reserved_at %q", errCorruptRecord, id, st, fields["reserved_at"])
	}
	return rec, nil
}
