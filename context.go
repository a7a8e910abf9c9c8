package topicsync

// ConnectionContext is supplied by the host and decides when a connection is
// active and where its work runs. A UI would tie it to a component being
// attached, a server to a client socket being open.
type ConnectionContext interface {
	// SetActivationHandler installs h. The context calls h.SetActive(true)
	// and h.SetActive(false) alternately whenever its activity changes,
	// including immediately if it is already active. The returned function
	// uninstalls h; actions dispatched afterwards are discarded.
	SetActivationHandler(h ActivationHandler) (remove func())
	// DispatchAction runs action on the context. Actions run one at a time
	// in dispatch order; while the context is inactive they are queued.
	DispatchAction(action func())
}

// ActivationHandler receives activity changes from a ConnectionContext.
type ActivationHandler interface {
	SetActive(active bool)
}

// ActivationFunc is called on the connection's context every time the
// connection becomes active. The returned function, if any, runs once when
// that activation ends.
type ActivationFunc func(c *Connection) (deactivate func())
