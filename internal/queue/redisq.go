package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/textlens/internal/domain"
)

var _ Queue = (*RedisQ)(nil)

// RedisQ stores each job as a hash and tracks it through sorted sets:
// ready (score = priority, then sequence), delayed and leased (score =
// due time in ms), completed and dead (score = finish time in ms).
type RedisQ struct {
	rdb    r.UniversalClient
	prefix string
}

type RedisOption func(*RedisQ)

// WithPrefix namespaces every key, e.g. per environment or per test.
func WithPrefix(p string) RedisOption {
	return func(q *RedisQ) { q.prefix = p }
}

func New(rdb r.UniversalClient, opts ...RedisOption) *RedisQ {
	q := &RedisQ{rdb: rdb, prefix: "textlens:q:"}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQ) key(name string) string  { return q.prefix + name }
func (q *RedisQ) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *RedisQ) jobPrefix() string       { return q.prefix + "job:" }
func (q *RedisQ) readyKey() string        { return q.key("ready") }
func (q *RedisQ) delayedKey() string      { return q.key("delayed") }
func (q *RedisQ) leasedKey() string       { return q.key("leased") }
func (q *RedisQ) completedKey() string    { return q.key("completed") }
func (q *RedisQ) deadKey() string         { return q.key("dead") }

func readyScore(priority int, seq int64) float64 {
	return float64(priority)*1e13 + float64(seq)
}

// leaseScript promotes due delayed jobs, then pops the most urgent ready job.
var leaseScript = r.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local score = redis.call('HGET', ARGV[2] .. id, 'score')
  if score then
    redis.call('ZADD', KEYS[1], score, id)
  end
  redis.call('ZREM', KEYS[2], id)
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local key = ARGV[2] .. id
local leaseMs = tonumber(redis.call('HGET', key, 'lease_ms') or '30000')
local expires = now + leaseMs
redis.call('ZADD', KEYS[3], expires, id)
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'leased', 'token', ARGV[3], 'lease_expires', expires)
return id
`)

var ackScript = r.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'leased' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[1], 'state', 'acked', 'token', '', 'finished_at', ARGV[2])
return 1
`)

var nackScript = r.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'leased' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[3])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[3])
  redis.call('HSET', KEYS[1], 'state', 'enqueued', 'token', '', 'last_error', ARGV[6])
  return 1
end
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[1], 'state', 'dead', 'token', '', 'last_error', ARGV[6], 'finished_at', ARGV[2])
return 2
`)

var releaseScript = r.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'leased' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], redis.call('HGET', KEYS[1], 'score'), ARGV[2])
redis.call('HINCRBY', KEYS[1], 'attempts', -1)
redis.call('HSET', KEYS[1], 'state', 'enqueued', 'token', '')
return 1
`)

var extendScript = r.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'leased' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then return 0 end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('HSET', KEYS[1], 'lease_expires', ARGV[3])
return 1
`)

var removeScript = r.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'leased' then return 0 end
for i = 2, #KEYS do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
redis.call('DEL', KEYS[1])
return 1
`)

// progressScript writes progress only onto a job hash that still exists.
var progressScript = r.NewScript(`
if not redis.call('HGET', KEYS[1], 'state') then return 0 end
redis.call('HSET', KEYS[1], 'progress', ARGV[1])
return 1
`)

var recoverScript = r.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
local requeued, dead = {}, {}
for _, id in ipairs(expired) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', key) == 1 then
    local stalled = redis.call('HINCRBY', key, 'stalled_count', 1)
    local maxStalled = tonumber(redis.call('HGET', key, 'max_stalled') or '0')
    if stalled > maxStalled then
      redis.call('ZADD', KEYS[3], now, id)
      redis.call('HSET', key, 'state', 'dead', 'token', '', 'last_error', ARGV[3], 'finished_at', now)
      table.insert(dead, id)
    else
      redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'score'), id)
      redis.call('HINCRBY', key, 'attempts', -1)
      redis.call('HSET', key, 'state', 'enqueued', 'token', '')
      table.insert(requeued, id)
    end
  end
end
return {requeued, dead}
`)

func (q *RedisQ) Enqueue(ctx context.Context, j *Job, opts Options) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	key := q.jobKey(j.ID)

	created, err := q.rdb.HSetNX(ctx, key, "id", j.ID).Result()
	if err != nil {
		return errors.Wrap(err, "queue: reserve job")
	}
	if !created {
		return ErrDuplicate
	}

	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		q.rdb.Del(ctx, key)
		return errors.Wrap(err, "queue: next sequence")
	}
	now := time.Now()
	j.Seq = seq
	j.EnqueuedAt = now
	j.State = StateEnqueued
	j.Attempts = 0
	j.StalledCount = 0
	j.Options = opts.withDefaults()

	fields, err := jobToMap(j)
	if err != nil {
		q.rdb.Del(ctx, key)
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(), r.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: j.ID})
	} else {
		pipe.ZAdd(ctx, q.readyKey(), r.Z{Score: readyScore(j.Priority, seq), Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.rdb.Del(ctx, key)
		return errors.Wrap(err, "queue: enqueue")
	}
	return nil
}

func (q *RedisQ) Lease(ctx context.Context) (*Leased, error) {
	token := uuid.NewString()
	id, err := leaseScript.Run(ctx, q.rdb,
		[]string{q.readyKey(), q.delayedKey(), q.leasedKey()},
		time.Now().UnixMilli(), q.jobPrefix(), token,
	).Text()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "queue: lease")
	}

	j, expires, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Leased{Job: j, Token: token, ExpiresAt: expires}, nil
}

// scriptResult maps the -1/0 conventions of the token-checked scripts.
func scriptResult(n int, err error, op string) (int, error) {
	if err != nil {
		return 0, errors.Wrap(err, "queue: "+op)
	}
	switch n {
	case -1:
		return n, ErrNotFound
	case 0:
		return n, ErrLeaseLost
	}
	return n, nil
}

func (q *RedisQ) Ack(ctx context.Context, id, token string) error {
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.leasedKey(), q.completedKey()},
		token, time.Now().UnixMilli(), id,
	).Int()
	_, err = scriptResult(n, err, "ack")
	return err
}

func (q *RedisQ) Nack(ctx context.Context, id, token string, cause error) (NackResult, error) {
	j, err := q.Get(ctx, id)
	if err != nil {
		return NackResult{}, err
	}

	now := time.Now()
	retry := j.Attempts < j.Options.MaxAttempts
	retryAt := now.Add(j.Options.Backoff.NextDelay(j.Attempts))
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	flag := "0"
	if retry {
		flag = "1"
	}

	n, err := nackScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.leasedKey(), q.delayedKey(), q.deadKey()},
		token, now.UnixMilli(), id, flag, retryAt.UnixMilli(), msg,
	).Int()
	if n, err = scriptResult(n, err, "nack"); err != nil {
		return NackResult{}, err
	}
	if n == 1 {
		return NackResult{Retry: true, RetryAt: retryAt}, nil
	}
	return NackResult{Dead: true}, nil
}

func (q *RedisQ) Release(ctx context.Context, id, token string) error {
	n, err := releaseScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.leasedKey(), q.readyKey()},
		token, id,
	).Int()
	_, err = scriptResult(n, err, "release")
	return err
}

func (q *RedisQ) Extend(ctx context.Context, id, token string, d time.Duration) error {
	n, err := extendScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.leasedKey()},
		token, id, time.Now().Add(d).UnixMilli(),
	).Int()
	_, err = scriptResult(n, err, "extend")
	return err
}

func (q *RedisQ) Progress(ctx context.Context, id string, pct int) error {
	n, err := progressScript.Run(ctx, q.rdb, []string{q.jobKey(id)}, pct).Int()
	if err != nil {
		return errors.Wrap(err, "queue: progress")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisQ) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.readyKey(), q.delayedKey(), q.completedKey(), q.deadKey()},
		id,
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "queue: remove")
	}
	return n == 1, nil
}

func (q *RedisQ) Position(ctx context.Context, id string) (int, error) {
	rank, err := q.rdb.ZRank(ctx, q.readyKey(), id).Result()
	if errors.Is(err, r.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "queue: position")
	}
	return int(rank) + 1, nil
}

func (q *RedisQ) Get(ctx context.Context, id string) (*Job, error) {
	j, _, err := q.load(ctx, id)
	return j, err
}

func (q *RedisQ) RecoverStalled(ctx context.Context) (StallReport, error) {
	res, err := recoverScript.Run(ctx, q.rdb,
		[]string{q.leasedKey(), q.readyKey(), q.deadKey()},
		time.Now().UnixMilli(), q.jobPrefix(), StalledError,
	).Slice()
	if err != nil {
		return StallReport{}, errors.Wrap(err, "queue: recover stalled")
	}

	var rep StallReport
	if len(res) != 2 {
		return rep, nil
	}
	rep.Requeued = toStrings(res[0])
	for _, id := range toStrings(res[1]) {
		j, err := q.Get(ctx, id)
		if err != nil {
			return rep, err
		}
		rep.Dead = append(rep.Dead, j)
	}
	return rep, nil
}

func (q *RedisQ) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := strconv.FormatInt(olderThan.UnixMilli(), 10)
	total := 0
	for _, set := range []string{q.completedKey(), q.deadKey()} {
		ids, err := q.rdb.ZRangeByScore(ctx, set, &r.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
		if err != nil {
			return total, errors.Wrap(err, "queue: purge scan")
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, q.jobKey(id))
			pipe.ZRem(ctx, set, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return total, errors.Wrap(err, "queue: purge")
		}
		total += len(ids)
	}
	return total, nil
}

func (q *RedisQ) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.ZCard(ctx, q.leasedKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "queue: stats")
	}
	return Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *RedisQ) load(ctx context.Context, id string) (*Job, time.Time, error) {
	vals, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "queue: get job")
	}
	if len(vals) == 0 {
		return nil, time.Time{}, ErrNotFound
	}
	return mapToJob(vals)
}

func jobToMap(j *Job) (map[string]interface{}, error) {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return nil, errors.Wrap(err, "queue: encode options")
	}
	return map[string]interface{}{
		"id":            j.ID,
		"entity_id":     j.EntityID,
		"owner_id":      j.OwnerID,
		"kind":          string(j.Kind),
		"payload":       string(j.Payload),
		"fingerprint":   j.Fingerprint,
		"priority":      j.Priority,
		"seq":           j.Seq,
		"score":         strconv.FormatFloat(readyScore(j.Priority, j.Seq), 'f', -1, 64),
		"enqueued_at":   j.EnqueuedAt.UnixMilli(),
		"attempts":      j.Attempts,
		"stalled_count": j.StalledCount,
		"state":         string(j.State),
		"progress":      j.Progress,
		"last_error":    j.LastError,
		"token":         "",
		"options":       string(opts),
		"lease_ms":      j.Options.LeaseDuration.Milliseconds(),
		"max_stalled":   j.Options.MaxStalledCount,
	}, nil
}

// mapToJob parses trusted hash data; malformed numeric fields read as zero.
func mapToJob(m map[string]string) (*Job, time.Time, error) {
	atoi := func(k string) int { n, _ := strconv.Atoi(m[k]); return n }
	atoi64 := func(k string) int64 { n, _ := strconv.ParseInt(m[k], 10, 64); return n }
	millis := func(k string) time.Time {
		if n := atoi64(k); n > 0 {
			return time.UnixMilli(n)
		}
		return time.Time{}
	}

	j := &Job{
		ID:           m["id"],
		EntityID:     m["entity_id"],
		OwnerID:      m["owner_id"],
		Kind:         domain.Kind(m["kind"]),
		Payload:      json.RawMessage(m["payload"]),
		Fingerprint:  m["fingerprint"],
		Priority:     atoi("priority"),
		Seq:          atoi64("seq"),
		EnqueuedAt:   millis("enqueued_at"),
		Attempts:     atoi("attempts"),
		StalledCount: atoi("stalled_count"),
		State:        State(m["state"]),
		Progress:     atoi("progress"),
		LastError:    m["last_error"],
		FinishedAt:   millis("finished_at"),
	}
	if err := json.Unmarshal([]byte(m["options"]), &j.Options); err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "queue: decode options of %s", j.ID)
	}
	return j, millis("lease_expires"), nil
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
