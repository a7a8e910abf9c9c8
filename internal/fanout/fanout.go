// Package fanout invokes a set of listeners so that one failing listener
// never prevents the others from running.
package fanout

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

// Error is returned by Fire when at least one listener failed. Err is the
// first failure in invocation order; later failures are kept in Suppressed.
type Error struct {
	Err        error
	Suppressed []error
}

func (e *Error) Error() string {
	if len(e.Suppressed) == 0 {
		return e.Err.Error()
	}
	var b strings.Builder
	b.WriteString(e.Err.Error())
	fmt.Fprintf(&b, " (%d suppressed: ", len(e.Suppressed))
	for i, s := range e.Suppressed {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(s.Error())
	}
	b.WriteString(")")
	return b.String()
}

// Unwrap exposes the first error followed by the suppressed ones so that
// errors.Is and errors.As see every failure.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 1+len(e.Suppressed))
	out = append(out, e.Err)
	return append(out, e.Suppressed...)
}

// PanicError wraps a value recovered from a panicking listener.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("listener panicked: %v", p.Value) }

// Set is a live, concurrency-safe collection of listeners. The zero value is
// ready to use.
type Set[L any] struct {
	mu      sync.Mutex
	entries []*entry[L]
}

type entry[L any] struct {
	l L
}

// Add registers l and returns a function that removes it. The returned
// function is idempotent.
func (s *Set[L]) Add(l L) (remove func()) {
	e := &entry[L]{l: l}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return func() { s.remove(e) }
}

// Len reports the number of registered listeners.
func (s *Set[L]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear removes every listener.
func (s *Set[L]) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Snapshot returns the listeners registered at call time.
func (s *Set[L]) Snapshot() []L {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]L, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.l
	}
	return out
}

func (s *Set[L]) remove(target *entry[L]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e == target {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// Fire invokes every listener registered at call time. Listeners added or
// removed while firing do not affect the current pass. A listener that
// returns an error or panics does not stop the others; when removeFailing is
// set it is also removed from the set. The returned error is nil or an *Error.
func (s *Set[L]) Fire(invoke func(L) error, removeFailing bool) error {
	s.mu.Lock()
	snapshot := append([]*entry[L](nil), s.entries...)
	s.mu.Unlock()

	var first error
	var suppressed []error
	for _, e := range snapshot {
		err := call(invoke, e.l)
		if err == nil {
			continue
		}
		if removeFailing {
			s.remove(e)
		}
		if first == nil {
			first = err
		} else {
			suppressed = append(suppressed, err)
		}
	}
	if first == nil {
		return nil
	}
	return &Error{Err: first, Suppressed: suppressed}
}

// Fire invokes each element of listeners with the same isolation guarantees
// as Set.Fire. The slice is copied before the first invocation.
func Fire[L any](listeners []L, invoke func(L) error) error {
	var s Set[L]
	for _, l := range listeners {
		s.Add(l)
	}
	return s.Fire(invoke, false)
}

// Merge combines errs the way Fire does: nil entries are skipped, the first
// failure becomes Err and the rest are suppressed. An *Error among errs is
// flattened. The result is nil or an *Error.
func Merge(errs ...error) error {
	var out Error
	for _, err := range errs {
		if err == nil {
			continue
		}
		var parts []error
		if fe, ok := err.(*Error); ok {
			parts = append([]error{fe.Err}, fe.Suppressed...)
		} else {
			parts = []error{err}
		}
		for _, p := range parts {
			if out.Err == nil {
				out.Err = p
			} else {
				out.Suppressed = append(out.Suppressed, p)
			}
		}
	}
	if out.Err == nil {
		return nil
	}
	return &out
}

func call[L any](invoke func(L) error, l L) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return invoke(l)
}
