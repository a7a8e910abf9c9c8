package topicsync

import "sync"

// QueueContext is a ConnectionContext for connections without a host of
// their own: background jobs, services, tests. Actions are queued in FIFO
// order and run on the goroutine that activates the context or dispatches
// to it while it is active.
type QueueContext struct {
	mu       sync.Mutex
	handler  ActivationHandler
	gen      uint64
	detached bool
	active   bool
	draining bool
	queue    []func()
}

// NewQueueContext returns an inactive context.
func NewQueueContext() *QueueContext { return &QueueContext{} }

// NewActiveQueueContext returns a context that is already active.
func NewActiveQueueContext() *QueueContext { return &QueueContext{active: true} }

// SetActivationHandler attaches h, replacing any previous handler, and tells
// it immediately when the context is already active. Queued actions start
// draining when the context is active. The returned remove detaches h and
// drops pending actions; it is a no-op once another handler was set.
func (q *QueueContext) SetActivationHandler(h ActivationHandler) (remove func()) {
	q.mu.Lock()
	q.gen++
	gen := q.gen
	q.handler = h
	q.detached = false
	active := q.active
	start := active && !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if active && h != nil {
		h.SetActive(true)
	}
	if start {
		q.drain()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.gen != gen {
				return
			}
			q.handler = nil
			q.detached = true
			q.queue = nil
		})
	}
}

// DispatchAction queues action to run in dispatch order. Actions run only
// while the context is active and are dropped after the handler detaches.
func (q *QueueContext) DispatchAction(action func()) {
	q.mu.Lock()
	if q.detached || action == nil {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, action)
	if !q.active || q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	q.drain()
}

// Activate marks the context active, notifies the handler and runs every
// queued action before returning.
func (q *QueueContext) Activate() {
	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		return
	}
	q.active = true
	h := q.handler
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if h != nil {
		h.SetActive(true)
	}
	if start {
		q.drain()
	}
}

// Deactivate marks the context inactive. Later actions are queued until the
// next Activate.
func (q *QueueContext) Deactivate() {
	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return
	}
	q.active = false
	h := q.handler
	q.mu.Unlock()

	if h != nil {
		h.SetActive(false)
	}
}

// Active reports whether the context is active.
func (q *QueueContext) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Pending reports how many actions wait for the context to run them.
func (q *QueueContext) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *QueueContext) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 || !q.active {
			q.draining = false
			q.mu.Unlock()
			return
		}
		action := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()
		action()
	}
}

var _ ConnectionContext = (*QueueContext)(nil)
