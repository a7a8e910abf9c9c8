// Package memorybackend provides an in-memory backend.Backend suitable for
// tests, development, and single-process deployments. A Cluster holds the
// shared logs and snapshots; every Backend created from the same Cluster acts
// as a separate node, which makes multi-node behavior testable in one
// process. All state is discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local; nodes share one Cluster)
//	Ordering          : total per log, submission order
//	Event delivery    : exactly once per subscription, one goroutine each
//	Concurrency       : safe (mutex per log, queue per subscription)
//
// Example:
//
//	cluster := memorybackend.NewCluster()
//	a, b := cluster.NewNode(), cluster.NewNode()
//	// each node wires its backend into topicsync.New(ctx, a) / (ctx, b)
//
// For production multi-node deployments prefer a shared backend like
// redisbackend.
package memorybackend
