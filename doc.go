// Package topicsync keeps small shared data structures in sync between the
// sessions of one process and, through a pluggable backend, between
// processes.
//
// A topic holds named maps and lists of JSON values. Sessions reach a topic
// through a Connection obtained from Engine.OpenConnection. Every
// connection belongs to a ConnectionContext supplied by the host; the
// context decides when the connection is active and where its callbacks
// run. While a context is inactive, mutations and subscriptions issued on
// its connection wait in the context's queue.
//
// # Replication
//
// Changes are applied to the local topic at once and then appended to the
// topic's event log (see package backend). Every node, including the
// writer, folds the log in order, so all nodes converge on the log order:
// the last write to a key in the log wins. A node joining late loads the
// latest snapshot and replays the log after it. The leader, the
// earliest-joined node still present according to the membership log,
// periodically submits snapshots.
//
// # Admission
//
// WithAdmission gates OpenConnection on a per-user check such as
// license.Handler. A refused user gets a Registration whose
// OnConnectionFailed handlers fire instead of the connection activating.
//
// # Quick start
//
//	e, err := topicsync.New(ctx, memorybackend.New())
//	if err != nil { /* handle */ }
//	defer e.Close(ctx)
//
//	cc := topicsync.NewActiveQueueContext()
//	reg, err := e.OpenConnection(ctx, cc, "room-1", "user-1", func(c *topicsync.Connection) func() {
//		c.Map("presence").Put(c.ID(), "online", topicsync.WithConnectionScope())
//		return nil
//	})
//	if err != nil { /* handle */ }
//	defer reg.Remove()
package topicsync
