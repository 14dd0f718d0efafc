package client

import (
	"runtime/debug"

	"github.com/inspectlink/inspectlink/internal/crash"
)

// GuardCrash must be deferred directly at the top of a goroutine. A panic is
// reported to the crash hooks installed by LogCrashes and then re-raised.
//
//	go func() {
//		defer client.GuardCrash()
//		...
//	}()
func GuardCrash() {
	v := recover()
	if v == nil {
		return
	}
	crash.Dispatch(crash.Report{Value: v, Stack: debug.Stack()})
	panic(v)
}

// Go runs fn on a new goroutine guarded by GuardCrash.
func Go(fn func()) {
	crash.Go(fn)
}
