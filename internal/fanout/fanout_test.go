package fanout

import (
	"errors"
	"testing"
)

type listener struct {
	name string
	fail error
}

func TestFireInvokesEveryListenerDespiteFailures(t *testing.T) {
	errA := errors.New("a failed")
	errC := errors.New("c failed")

	var s Set[*listener]
	s.Add(&listener{name: "a", fail: errA})
	s.Add(&listener{name: "b"})
	s.Add(&listener{name: "c", fail: errC})
	s.Add(&listener{name: "d"})

	var called []string
	err := s.Fire(func(l *listener) error {
		called = append(called, l.name)
		return l.fail
	}, false)

	if len(called) != 4 {
		t.Fatalf("expected 4 invocations, got %v", called)
	}
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if fe.Err != errA {
		t.Fatalf("expected first error to be errA, got %v", fe.Err)
	}
	if len(fe.Suppressed) != 1 || fe.Suppressed[0] != errC {
		t.Fatalf("expected errC suppressed, got %v", fe.Suppressed)
	}
	if !errors.Is(err, errC) {
		t.Fatalf("errors.Is should see suppressed errors")
	}
	if s.Len() != 4 {
		t.Fatalf("listeners must stay registered without removeFailing, got %d", s.Len())
	}
}

func TestFireRemovesFailingListeners(t *testing.T) {
	var s Set[*listener]
	s.Add(&listener{name: "ok"})
	s.Add(&listener{name: "bad", fail: errors.New("boom")})
	s.Add(&listener{name: "worse", fail: errors.New("bang")})

	if err := s.Fire(func(l *listener) error { return l.fail }, true); err == nil {
		t.Fatalf("expected error")
	}
	remaining := s.Snapshot()
	if len(remaining) != 1 || remaining[0].name != "ok" {
		t.Fatalf("expected only ok listener to remain, got %d", len(remaining))
	}
}

func TestFireUsesPointInTimeSnapshot(t *testing.T) {
	var s Set[func() error]
	var removeSecond func()
	invoked := 0

	s.Add(func() error {
		// Mutations during firing must not affect the current pass.
		s.Add(func() error { invoked += 100; return nil })
		removeSecond()
		return nil
	})
	removeSecond = s.Add(func() error { invoked++; return nil })

	if err := s.Fire(func(f func() error) error { return f() }, false); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if invoked != 1 {
		t.Fatalf("expected removed listener to still run once and added one to be skipped, got %d", invoked)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 listeners after firing, got %d", s.Len())
	}
}

func TestFireRecoversPanics(t *testing.T) {
	var s Set[string]
	s.Add("panic")
	s.Add("after")

	var ran []string
	err := s.Fire(func(l string) error {
		ran = append(ran, l)
		if l == "panic" {
			panic("kaboom")
		}
		return nil
	}, true)

	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if len(ran) != 2 {
		t.Fatalf("listener after panic did not run: %v", ran)
	}
	if s.Len() != 1 {
		t.Fatalf("panicking listener should have been removed")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	var s Set[int]
	remove := s.Add(1)
	s.Add(2)
	remove()
	remove()
	if got := s.Snapshot(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("unexpected listeners %v", got)
	}
}

func TestPackageFireCopiesSlice(t *testing.T) {
	ls := []int{1, 2, 3}
	sum := 0
	err := Fire(ls, func(i int) error {
		sum += i
		ls[len(ls)-1] = 100
		if i == 2 {
			return errors.New("two")
		}
		return nil
	})
	if sum != 6 {
		t.Fatalf("expected listeners from the copy, sum=%d", sum)
	}
	if err == nil || err.Error() != "two" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestMergeFlattensFireErrors(t *testing.T) {
	errA, errB, errC := errors.New("a"), errors.New("b"), errors.New("c")
	if Merge(nil, nil) != nil {
		t.Fatalf("merging nils must be nil")
	}
	err := Merge(nil, &Error{Err: errA, Suppressed: []error{errB}}, errC)
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fe.Err != errA || len(fe.Suppressed) != 2 || fe.Suppressed[0] != errB || fe.Suppressed[1] != errC {
		t.Fatalf("unexpected merge result %v", fe)
	}
}
