// Package crash keeps the process-wide crash handler. Go has no global
// uncaught-panic callback, so goroutines opt in with Guard or Go: a recovered
// panic is passed to the installed handler and then re-raised.
package crash

import (
	"runtime/debug"
	"sync"
)

// Report describes one panic.
type Report struct {
	Value any
	Stack []byte
}

type Handler func(Report)

var (
	mu      sync.Mutex
	current Handler
	wrapped bool
)

// Install replaces the handler and returns the previous one.
func Install(h Handler) Handler {
	mu.Lock()
	defer mu.Unlock()
	prev := current
	current = h

	return prev
}

// Wrap installs the handler built from the current one, atomically, so the
// new handler can chain to whatever was registered before it.
func Wrap(build func(prev Handler) Handler) {
	mu.Lock()
	defer mu.Unlock()
	current = build(current)
}

// WrapOnce is Wrap that takes effect only for the first call until Reset. It
// reports whether build was installed.
func WrapOnce(build func(prev Handler) Handler) bool {
	mu.Lock()
	defer mu.Unlock()
	if wrapped {
		return false
	}
	wrapped = true
	current = build(current)
	return true
}

func Current() Handler {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// Reset removes any installed handler and rearms WrapOnce.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = nil
	wrapped = false
}

// Guard must be deferred directly. It reports a panic in flight to the
// installed handler and re-panics with the same value.
func Guard() {
	v := recover()
	if v == nil {
		return
	}
	Dispatch(Report{Value: v, Stack: debug.Stack()})
	panic(v)
}

// Dispatch passes r to the installed handler, if any.
func Dispatch(r Report) {
	if h := Current(); h != nil {
		h(r)
	}
}

// Go runs fn on a new goroutine under Guard.
func Go(fn func()) {
	go func() {
		defer Guard()
		fn()
	}()
}
