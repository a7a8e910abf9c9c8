package redisbackend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"github.com/ggoodman/topicsync/backend"
)

const replayBatch = 100

// Config for the Redis backend. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: TOPICSYNC_KEY_PREFIX
	KeyPrefix string `env:"TOPICSYNC_KEY_PREFIX,default=topicsync:"`
	// NodeID of this process; generated when empty. ENV: TOPICSYNC_NODE_ID
	NodeID string `env:"TOPICSYNC_NODE_ID"`
	// ReadBlock bounds each blocking XREAD. ENV: TOPICSYNC_READ_BLOCK
	ReadBlock time.Duration `env:"TOPICSYNC_READ_BLOCK,default=500ms"`
	// TrimOnSnapshot discards a topic's history older than its previous
	// snapshot whenever a new one is submitted. ENV: TOPICSYNC_TRIM_ON_SNAPSHOT
	TrimOnSnapshot bool `env:"TOPICSYNC_TRIM_ON_SNAPSHOT,default=false"`
}

// Backend is a backend.Backend over a Redis client.
type Backend struct {
	client    *redis.Client
	keyPrefix string
	nodeID    string
	readBlock time.Duration
	trim      bool
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Backend, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newBackend(cl, cfg), nil
}

// NewWithClient wraps an existing client. Close on the returned backend
// closes client.
func NewWithClient(client *redis.Client, cfg Config) *Backend {
	return newBackend(client, cfg)
}

func newBackend(cl *redis.Client, cfg Config) *Backend {
	b := &Backend{
		client:    cl,
		keyPrefix: cfg.KeyPrefix,
		nodeID:    cfg.NodeID,
		readBlock: cfg.ReadBlock,
		trim:      cfg.TrimOnSnapshot,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "topicsync:"
	}
	if b.nodeID == "" {
		b.nodeID = uuid.NewString()
	}
	if b.readBlock <= 0 {
		b.readBlock = 500 * time.Millisecond
	}
	return b
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	var cfg Config
	// Defaults come from struct tags; an unset environment is not an error.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) NodeID() string { return b.nodeID }

// --- Key helpers ---

func (b *Backend) streamKey(name string) string   { return b.keyPrefix + "log:" + name }
func (b *Backend) idsKey(name string) string      { return b.keyPrefix + "log:" + name + ":ids" }
func (b *Backend) snapshotKey(name string) string { return b.keyPrefix + "snapshot:" + name }

// markKey holds the stream id of the latest snapshot's event, floorKey the
// stream id below which history was trimmed.
func (b *Backend) markKey(name string) string  { return b.keyPrefix + "log:" + name + ":mark" }
func (b *Backend) floorKey(name string) string { return b.keyPrefix + "log:" + name + ":floor" }

// The membership log is never trimmed: every node folds it from the start.
func (b *Backend) MembershipLog() backend.EventLog {
	return &eventLog{b: b, stream: b.streamKey("m/" + backend.MembershipLogName), ids: b.idsKey("m/" + backend.MembershipLogName)}
}

func (b *Backend) OpenEventLog(topicID string) backend.EventLog {
	name := "t/" + topicID
	return &eventLog{b: b, stream: b.streamKey(name), ids: b.idsKey(name), floor: b.floorKey(name)}
}

// --- Snapshots ---

func (b *Backend) LoadLatestSnapshot(ctx context.Context, name string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, b.snapshotKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// SubmitSnapshot stores payload. With TrimOnSnapshot set, the topic's
// stream is trimmed up to the previous snapshot's event, so a node that
// bootstrapped from that snapshot can still resume.
func (b *Backend) SubmitSnapshot(ctx context.Context, name string, payload []byte) error {
	trackingID := ""
	if b.trim {
		trackingID = gjson.GetBytes(payload, "trackingId").String()
	}
	ln := "t/" + name
	keys := []string{b.snapshotKey(name), b.streamKey(ln), b.idsKey(ln), b.markKey(ln), b.floorKey(ln)}
	return snapshotScript.Run(ctx, b.client, keys, payload, trackingID).Err()
}

// snapshotScript stores a snapshot and, given the tracking id it reflects,
// trims the stream below the previous snapshot's event together with the
// tracking ids of the trimmed entries.
var snapshotScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[2] == '' then
  return 0
end
local sid = redis.call('HGET', KEYS[3], ARGV[2])
if not sid then
  return 0
end
local function less(a, b)
  local ams, aseq = string.match(a, '(%d+)-(%d+)')
  local bms, bseq = string.match(b, '(%d+)-(%d+)')
  ams, aseq, bms, bseq = tonumber(ams), tonumber(aseq), tonumber(bms), tonumber(bseq)
  return ams < bms or (ams == bms and aseq < bseq)
end
local prev = redis.call('GET', KEYS[4])
if prev and not less(prev, sid) then
  return 0
end
redis.call('SET', KEYS[4], sid)
if not prev then
  return 0
end
local trimmed = redis.call('XTRIM', KEYS[2], 'MINID', prev)
local all = redis.call('HGETALL', KEYS[3])
for i = 1, #all, 2 do
  if less(all[i + 1], prev) then
    redis.call('HDEL', KEYS[3], all[i])
  end
end
redis.call('SET', KEYS[5], prev)
return trimmed
`)

// --- Event logs via Redis Streams ---

var submitScript = redis.NewScript(`
local stream = KEYS[1]
local ids = KEYS[2]
local tid = ARGV[1]
if redis.call('HEXISTS', ids, tid) == 1 then
  return 0
end
local sid = redis.call('XADD', stream, '*', 't', tid, 'd', ARGV[2])
redis.call('HSET', ids, tid, sid)
return 1
`)

type eventLog struct {
	b      *Backend
	stream string
	ids    string
	floor  string // empty for logs that are never trimmed
}

func (l *eventLog) SubmitEvent(ctx context.Context, trackingID string, payload []byte) error {
	if trackingID == "" {
		return fmt.Errorf("redisbackend: empty tracking id")
	}
	return submitScript.Run(ctx, l.b.client, []string{l.stream, l.ids}, trackingID, payload).Err()
}

// checkGap fails when history after cursor may have been trimmed before it
// was read. next is the first id read after cursor.
func (l *eventLog) checkGap(ctx context.Context, cursor, next string) error {
	if l.floor == "" {
		return nil
	}
	floor, err := l.b.client.Get(ctx, l.floor).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if streamIDLess(cursor, floor) && !streamIDLess(next, floor) {
		return fmt.Errorf("%w: history after %s was trimmed", backend.ErrUnknownTrackingID, cursor)
	}
	return nil
}

func (l *eventLog) Subscribe(ctx context.Context, newerThan string, consumer backend.Consumer) (backend.Subscription, error) {
	cursor := "0-0"
	if newerThan != "" {
		sid, err := l.b.client.HGet(ctx, l.ids, newerThan).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, fmt.Errorf("%w: %s", backend.ErrUnknownTrackingID, newerThan)
			}
			return nil, err
		}
		cursor = sid
	}

	subCtx, cancel := context.WithCancel(ctx)
	for {
		msgs, err := l.b.client.XRangeN(subCtx, l.stream, "("+cursor, "+", replayBatch).Result()
		if err != nil {
			cancel()
			return nil, err
		}
		if len(msgs) > 0 {
			if err := l.checkGap(subCtx, cursor, msgs[0].ID); err != nil {
				cancel()
				return nil, err
			}
		}
		for _, m := range msgs {
			cursor = m.ID
			if err := deliver(subCtx, consumer, m); err != nil {
				cancel()
				return nil, err
			}
		}
		if len(msgs) < replayBatch {
			break
		}
	}

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	go sub.run(subCtx, l, cursor, consumer)
	return sub, nil
}

func deliver(ctx context.Context, consumer backend.Consumer, m redis.XMessage) error {
	return consumer(ctx, field(m.Values["t"]), []byte(field(m.Values["d"])))
}

// field accepts string or []byte stream values.
func field(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

type subscription struct {
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) run(ctx context.Context, l *eventLog, cursor string, consumer backend.Consumer) {
	var err error
	defer func() { s.finish(err) }()
	for {
		if err = ctx.Err(); err != nil {
			return
		}
		res, rerr := l.b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{l.stream, cursor},
			Count:   replayBatch,
			Block:   l.b.readBlock,
		}).Result()
		if rerr != nil {
			if errors.Is(rerr, redis.Nil) {
				continue
			}
			err = rerr
			return
		}
		for _, stream := range res {
			if len(stream.Messages) > 0 {
				if err = l.checkGap(ctx, cursor, stream.Messages[0].ID); err != nil {
					return
				}
			}
			for _, m := range stream.Messages {
				cursor = m.ID
				if err = ctx.Err(); err != nil {
					return
				}
				if err = deliver(ctx, consumer, m); err != nil {
					return
				}
			}
		}
	}
}

func (s *subscription) finish(err error) {
	s.cancel()
	if s.closed.Load() {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) Close() error {
	s.closed.Store(true)
	s.cancel()
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// streamIDLess orders Redis stream ids ("<ms>-<seq>").
func streamIDLess(a, b string) bool {
	ams, aseq := splitStreamID(a)
	bms, bseq := splitStreamID(b)
	return ams < bms || (ams == bms && aseq < bseq)
}

func splitStreamID(id string) (ms, seq uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ = strconv.ParseUint(msPart, 10, 64)
	seq, _ = strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}

// Interface compliance
var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.EventLog     = (*eventLog)(nil)
	_ backend.Subscription = (*subscription)(nil)
)
