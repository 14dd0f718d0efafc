package crash

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardReportsAndRepanics(t *testing.T) {
	t.Cleanup(Reset)

	var reports []Report
	Install(func(r Report) { reports = append(reports, r) })

	require.PanicsWithValue(t, "boom", func() {
		defer Guard()
		panic("boom")
	})
	require.Len(t, reports, 1)
	require.Equal(t, "boom", reports[0].Value)
	require.NotEmpty(t, reports[0].Stack)
}

func TestGuardWithoutPanicIsNoop(t *testing.T) {
	t.Cleanup(Reset)

	called := false
	Install(func(Report) { called = true })
	func() {
		defer Guard()
	}()
	require.False(t, called)
}

func TestWrapChainsPrevious(t *testing.T) {
	t.Cleanup(Reset)

	var order []string
	Install(func(Report) { order = append(order, "first") })
	Wrap(func(prev Handler) Handler {
		return func(r Report) {
			order = append(order, "second")
			prev(r)
		}
	})

	Dispatch(Report{Value: 1})
	require.Equal(t, []string{"second", "first"}, order)
}

func TestWrapOnceInstallsUntilReset(t *testing.T) {
	t.Cleanup(Reset)

	calls := 0
	build := func(prev Handler) Handler {
		return func(Report) { calls++ }
	}
	require.True(t, WrapOnce(build))
	require.False(t, WrapOnce(build))
	Dispatch(Report{Value: 1})
	require.Equal(t, 1, calls)

	Reset()
	require.Nil(t, Current())
	require.True(t, WrapOnce(build))
}

func TestGoReportsPanicBeforeCrashing(t *testing.T) {
	t.Cleanup(Reset)
	require.Nil(t, Current())

	got := make(chan Report, 1)
	Install(func(r Report) {
		got <- r
		// End the goroutine before the re-panic takes the test binary down.
		runtime.Goexit()
	})

	Go(func() { panic("worker failed") })
	r := <-got
	require.Equal(t, "worker failed", r.Value)
}
