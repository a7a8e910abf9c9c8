// Package redisbackend implements backend.Backend on Redis so that topics
// can be synchronized across horizontally scaled processes.
//
// Design Notes
//   - Event logs: one stream per topic (XADD), replayed with XRANGE and
//     followed with blocking XREAD; every subscription owns one goroutine
//   - Tracking ids: a hash next to each stream maps tracking id to stream id;
//     a Lua script makes "append unless present" atomic
//   - Snapshots: latest payload stored at a plain key
//   - Trimming: with TrimOnSnapshot, submitting a topic snapshot trims the
//     topic stream below the previous snapshot's event (XTRIM MINID, Redis
//     6.2+) and prunes the trimmed tracking ids in the same script; resuming
//     from trimmed history fails with backend.ErrUnknownTrackingID. The
//     membership stream is never trimmed
//
// Trade-offs
//
//	Pros: durability, multi-process coordination, simple operational model
//	Cons: polling latency bounded by ReadBlock, trimmed topics resume only from recent snapshots
//
// Example:
//
//	b, _ := redisbackend.New(redisbackend.Config{RedisAddr: "localhost:6379"})
//	defer b.Close()
//
// Use memorybackend for tests and single-process deployments.
package redisbackend
