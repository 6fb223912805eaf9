package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisAdapter stores four keys per subject: profile, provenance, meta
// (version counter) and history (a sorted set scored by timestamp). The
// conditional write runs as a single server-side script so version check
// and writes cannot interleave with another writer.
type redisAdapter struct {
	rdb        *redis.Client
	prefix     string
	maxHistory int
	ttlMillis  int64
}

func isRedisClient(conn any) bool {
	_, ok := conn.(*redis.Client)
	return ok
}

func newRedisAdapter(conn any, opts Options) (Adapter, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "factsheet"
	}
	return &redisAdapter{
		rdb:        conn.(*redis.Client),
		prefix:     prefix,
		maxHistory: opts.maxHistory(),
		ttlMillis:  opts.TTLMillis,
	}, nil
}

// setScript reads the current version, rejects on mismatch, otherwise writes
// all four keys. TTLs are refreshed only here, on successful write.
var setScript = redis.NewScript(`
local current = redis.call('GET', KEYS[3])
if not current then current = '0' end
if ARGV[2] ~= '1' and current ~= ARGV[1] then
  return {'CONFLICT', current}
end
local version = tonumber(current) + 1
redis.call('SET', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[4])
redis.call('SET', KEYS[3], tostring(version))
local n = tonumber(ARGV[5])
for i = 0, n - 1 do
  redis.call('ZADD', KEYS[4], tonumber(ARGV[6 + i*2]), ARGV[7 + i*2])
end
local maxh = tonumber(ARGV[6 + n*2])
if maxh > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[4], 0, -(maxh + 1))
end
local ttl = tonumber(ARGV[7 + n*2])
if ttl > 0 then
  for k = 1, 4 do
    redis.call('PEXPIRE', KEYS[k], ttl)
  end
end
return {'OK', tostring(version)}
`)

func (a *redisAdapter) Dialect() string               { return "redis" }
func (a *redisAdapter) Migrate(context.Context) error { return nil }

func (a *redisAdapter) key(subject, part string) string {
	return a.prefix + ":" + subject + ":" + part
}

func (a *redisAdapter) keys(subject string) []string {
	return []string{
		a.key(subject, "profile"),
		a.key(subject, "provenance"),
		a.key(subject, "meta"),
		a.key(subject, "history"),
	}
}

// historyMember wraps a journal entry with a unique id so identical entries
// never collapse into one sorted-set member.
type historyMember struct {
	ID    string       `json:"id"`
	Entry HistoryEntry `json:"entry"`
}

func (a *redisAdapter) Get(ctx context.Context, subject string) (*Record, error) {
	ks := a.keys(subject)
	vals, err := a.rdb.MGet(ctx, ks[0], ks[1], ks[2]).Result()
	if err != nil {
		return nil, err
	}
	if vals[2] == nil {
		return nil, nil
	}

	rec := &Record{
		Profile:    map[string]any{},
		Provenance: map[string]ProvenanceEntry{},
		ETag:       fmt.Sprint(vals[2]),
	}
	if s, ok := vals[0].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &rec.Profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	if s, ok := vals[1].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &rec.Provenance); err != nil {
			return nil, fmt.Errorf("decode provenance: %w", err)
		}
	}
	return rec, nil
}

func (a *redisAdapter) Set(ctx context.Context, subject string, profile map[string]any, provenance map[string]ProvenanceEntry, opts SetOptions, history []HistoryEntry) (string, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	provJSON, err := json.Marshal(provenance)
	if err != nil {
		return "", err
	}

	expected := opts.ETag
	if expected == "" {
		expected = "0"
	}
	force := "0"
	if opts.Force {
		force = "1"
	}

	argv := []any{expected, force, string(profileJSON), string(provJSON), strconv.Itoa(len(history))}
	for _, e := range history {
		member, err := json.Marshal(historyMember{ID: uuid.New().String(), Entry: e})
		if err != nil {
			return "", err
		}
		argv = append(argv, strconv.FormatInt(e.TimestampMS, 10), string(member))
	}
	argv = append(argv, strconv.Itoa(a.maxHistory), strconv.FormatInt(a.ttlMillis, 10))

	res, err := setScript.Run(ctx, a.rdb, a.keys(subject), argv...).Result()
	if err != nil {
		return "", err
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return "", fmt.Errorf("unexpected script reply: %v", res)
	}
	if fmt.Sprint(reply[0]) == "CONFLICT" {
		return "", ErrConflict
	}
	return fmt.Sprint(reply[1]), nil
}

func (a *redisAdapter) AppendHistory(ctx context.Context, subject string, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		member, err := json.Marshal(historyMember{ID: uuid.New().String(), Entry: e})
		if err != nil {
			return err
		}
		members = append(members, redis.Z{Score: float64(e.TimestampMS), Member: string(member)})
	}
	key := a.key(subject, "history")
	pipe := a.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, members...)
	if a.maxHistory > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-(a.maxHistory + 1)))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// History pages by sorted-set score plus member id. A whole batch lands with
// one timestamp, so the score alone cannot break ties: the cursor is
// "<score>:<member id>", the scan resumes at the cursor score inclusively,
// and entries up to and including the cursor member are skipped. Within one
// score redis orders members lexicographically, which is stable across pages.
func (a *redisAdapter) History(ctx context.Context, subject string, q HistoryQuery) (*HistoryPage, error) {
	min := "-inf"
	var cursorTS int64
	var cursorID string
	if q.Cursor != "" {
		ts, id, err := parseHistoryCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		cursorTS, cursorID = ts, id
		min = strconv.FormatInt(ts, 10)
	}
	limit := historyLimit(q)

	raw, err := a.rdb.ZRangeByScore(ctx, a.key(subject, "history"), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{}
	skipping := cursorID != ""
	for _, m := range raw {
		var member historyMember
		if err := json.Unmarshal([]byte(m), &member); err != nil {
			continue
		}
		if skipping {
			switch {
			case member.Entry.TimestampMS > cursorTS:
				skipping = false
			case member.ID == cursorID:
				skipping = false
				continue
			default:
				continue
			}
		}
		if q.Field != "" && member.Entry.Field != q.Field {
			continue
		}
		page.Entries = append(page.Entries, member.Entry)
		if len(page.Entries) >= limit {
			page.NextCursor = strconv.FormatInt(member.Entry.TimestampMS, 10) + ":" + member.ID
			break
		}
	}
	return page, nil
}

func parseHistoryCursor(c string) (int64, string, error) {
	ts, id, ok := strings.Cut(c, ":")
	if !ok {
		return 0, "", fmt.Errorf("bad history cursor %q", c)
	}
	v, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad history cursor %q: %w", c, err)
	}
	return v, id, nil
}

func (a *redisAdapter) Delete(ctx context.Context, subject string) error {
	ks := a.keys(subject)
	return a.rdb.Del(ctx, ks...).Err()
}

func (a *redisAdapter) ListSubjects(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	pattern := a.prefix + ":*:meta"
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			trimmed := strings.TrimPrefix(k, a.prefix+":")
			trimmed = strings.TrimSuffix(trimmed, ":meta")
			out = append(out, trimmed)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (a *redisAdapter) HealthCheck(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}
