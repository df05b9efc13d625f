package tracker

import "sync"

// ChangeKind tells what happened to a task
type ChangeKind int

// change kinds
const (
	ChangeNone ChangeKind = iota
	ChangeNew
	ChangeLog
	ChangeProgress
	ChangeResult
	ChangeRemoved
)

var changeNames = []string{"none", "new", "log", "progress", "result", "removed"}

func (k ChangeKind) String() string {
	if k < 0 || int(k) >= len(changeNames) {
		return "unknown"
	}
	return changeNames[k]
}

// Change is a notification about a single task mutation
type Change struct {
	ID   int
	Kind ChangeKind
}

// listeners is an ordered set of callbacks, safe for concurrent use
type listeners[T any] struct {
	mu   sync.Mutex
	seq  int
	list []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a function removing it. Removing twice is a no-op.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := l.seq
	l.list = append(l.list, listener[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, ls := range l.list {
			if ls.id == id {
				l.list = append(l.list[:i:i], l.list[i+1:]...)
				return
			}
		}
	}
}

// emit calls listeners in registration order. The list is copied first, so a listener
// may register or remove listeners without deadlock.
func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.list))
	for i, ls := range l.list {
		fns[i] = ls.fn
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
