package transmitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/domain"
)

type disconnectCall struct {
	code    int
	message string
}

type fakeLink struct {
	connected atomic.Bool

	mu          sync.Mutex
	sent        []string
	failures    int
	disconnects []disconnectCall
}

func (l *fakeLink) Connected() bool { return l.connected.Load() }

func (l *fakeLink) SendFrame(_ context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected.Load() {
		return errors.New("not connected")
	}
	if l.failures > 0 {
		l.failures--
		return errors.New("write failed")
	}
	l.sent = append(l.sent, string(payload))

	return nil
}

func (l *fakeLink) SendDisconnect(_ context.Context, code int, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects = append(l.disconnects, disconnectCall{code: code, message: message})
	l.connected.Store(false)
}

func (l *fakeLink) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

type fakeAuth struct {
	authorized atomic.Bool
	cleared    atomic.Int32
}

func (a *fakeAuth) IsAuthorized() bool { return a.authorized.Load() }

func (a *fakeAuth) Clear() {
	a.cleared.Add(1)
	a.authorized.Store(false)
}

type fakeEncoder struct {
	fail map[uint64]bool
}

func (e fakeEncoder) EncodeRecord(rec domain.LogRecord) ([]byte, error) {
	if e.fail[rec.Sequence] {
		return nil, errors.New("unencodable")
	}

	return []byte(frameID(rec.SessionID, rec.Sequence)), nil
}

func frameID(session string, seq uint64) string {
	return fmt.Sprintf("%s/%d", session, seq)
}

type fixture struct {
	tx      *Transmitter
	link    *fakeLink
	auth    *fakeAuth
	metrics *Metrics
}

func newFixture(t *testing.T, opts Options, encoder RecordEncoder) *fixture {
	t.Helper()

	f := &fixture{link: &fakeLink{}, auth: &fakeAuth{}, metrics: NewMetrics(prometheus.NewRegistry())}
	opts.Metrics = f.metrics
	f.tx = New(f.link, f.auth, encoder, opts)

	return f
}

func (f *fixture) authorize() {
	f.link.connected.Store(true)
	f.auth.authorized.Store(true)
}

func expectedIDs(session string, seqs ...uint64) []string {
	out := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, frameID(session, seq))
	}

	return out
}

func TestRecordsQueuedBeforeAuthorizationFlushInOrder(t *testing.T) {
	f := newFixture(t, Options{}, fakeEncoder{})

	info := f.tx.StartSession(false)
	require.False(t, info.Authorized)
	for i := range 5 {
		env := f.tx.LogGenericLog(domain.LogTypeInfo, "tag", fmt.Sprintf("msg %d", i), nil)
		require.Equal(t, info.ID, env.SessionID)
		require.Equal(t, uint64(i+1), env.Sequence)
	}
	require.NoError(t, f.tx.Flush(context.Background()))
	require.Empty(t, f.link.Sent(), "nothing may leave before authorization")

	f.authorize()
	resumed := f.tx.StartSession(true)
	require.Equal(t, info.ID, resumed.ID)
	require.True(t, resumed.Authorized)
	require.True(t, resumed.Resumed)
	require.NoError(t, f.tx.Flush(context.Background()))

	if diff := cmp.Diff(expectedIDs(info.ID, 1, 2, 3, 4, 5), f.link.Sent()); diff != "" {
		t.Fatalf("sent records mismatch (-want +got):\n%s", diff)
	}
	require.Zero(t, f.tx.Pending())
	require.Equal(t, float64(5), testutil.ToFloat64(f.metrics.Sent))
	require.Equal(t, float64(5), testutil.ToFloat64(f.metrics.Enqueued.WithLabelValues("generic_log")))
}

func TestFreshSessionDiscardsPreviousQueue(t *testing.T) {
	f := newFixture(t, Options{}, fakeEncoder{})

	first := f.tx.StartSession(false)
	f.tx.LogAnalyticsEvent("firebase", "open", map[string]any{"a": 1})
	f.tx.LogAnalyticsEvent("firebase", "close", nil)

	second := f.tx.StartSession(false)
	require.NotEqual(t, first.ID, second.ID)
	require.Zero(t, second.Pending)
	f.tx.LogException(domain.Throwable{Type: "E", Message: "x"})

	f.authorize()
	f.tx.StartSession(true)
	require.NoError(t, f.tx.Flush(context.Background()))

	require.Equal(t, expectedIDs(second.ID, 1), f.link.Sent())
	require.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(connectors.DropReasonSessionReplaced)))
}

func TestDisconnectWithoutProcessingDiscards(t *testing.T) {
	f := newFixture(t, Options{}, fakeEncoder{})
	f.tx.StartSession(false)
	for range 3 {
		f.tx.LogGenericLog(domain.LogTypeDebug, "t", "m", nil)
	}
	f.authorize()

	f.tx.Disconnect(context.Background(), connectors.CodeUnauthorized, "rejected", false)

	require.Empty(t, f.link.Sent())
	require.Zero(t, f.tx.Pending())
	require.Equal(t, []disconnectCall{{code: connectors.CodeUnauthorized, message: "rejected"}}, f.link.disconnects)
	require.Equal(t, int32(1), f.auth.cleared.Load())
	require.Equal(t, float64(3), testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(connectors.DropReasonDisconnect)))
}

func TestDisconnectProcessingQueue(t *testing.T) {
	t.Run("authorized channel drains first", func(t *testing.T) {
		f := newFixture(t, Options{}, fakeEncoder{})
		info := f.tx.StartSession(false)
		for range 3 {
			f.tx.LogGenericLog(domain.LogTypeDebug, "t", "m", nil)
		}
		f.authorize()
		f.tx.StartSession(true)

		f.tx.Disconnect(context.Background(), connectors.CodeNormal, "bye", true)

		require.Equal(t, expectedIDs(info.ID, 1, 2, 3), f.link.Sent())
		require.Zero(t, f.tx.Pending())
		require.Len(t, f.link.disconnects, 1)
	})

	t.Run("unavailable channel sends nothing", func(t *testing.T) {
		f := newFixture(t, Options{}, fakeEncoder{})
		f.tx.StartSession(false)
		for range 3 {
			f.tx.LogGenericLog(domain.LogTypeDebug, "t", "m", nil)
		}

		f.tx.Disconnect(context.Background(), connectors.CodeNormal, "bye", true)

		require.Empty(t, f.link.Sent())
		require.Zero(t, f.tx.Pending())
	})
}

func TestSendFailureKeepsRecordQueued(t *testing.T) {
	f := newFixture(t, Options{}, fakeEncoder{})
	f.authorize()
	info := f.tx.StartSession(false)
	require.True(t, info.Authorized, "a session started on an authorized link is authorized")

	f.tx.LogGenericLog(domain.LogTypeInfo, "t", "a", nil)
	f.tx.LogGenericLog(domain.LogTypeInfo, "t", "b", nil)
	f.link.failures = 1

	require.Error(t, f.tx.Flush(context.Background()))
	require.Equal(t, 2, f.tx.Pending())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SendFailures))

	require.NoError(t, f.tx.Flush(context.Background()))
	require.Equal(t, expectedIDs(info.ID, 1, 2), f.link.Sent())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	f := newFixture(t, Options{MaxQueue: 2}, fakeEncoder{})
	info := f.tx.StartSession(false)
	for range 4 {
		f.tx.LogGenericLog(domain.LogTypeWarn, "t", "m", nil)
	}
	require.Equal(t, 2, f.tx.Pending())

	f.authorize()
	f.tx.StartSession(true)
	require.NoError(t, f.tx.Flush(context.Background()))
	require.Equal(t, expectedIDs(info.ID, 3, 4), f.link.Sent())
	require.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(connectors.DropReasonQueueOverflow)))
}

func TestEncodeFailureDropsOnlyThatRecord(t *testing.T) {
	f := newFixture(t, Options{}, fakeEncoder{fail: map[uint64]bool{2: true}})
	f.authorize()
	info := f.tx.StartSession(false)
	for range 3 {
		f.tx.LogGenericLog(domain.LogTypeInfo, "t", "m", nil)
	}

	require.NoError(t, f.tx.Flush(context.Background()))
	require.Equal(t, expectedIDs(info.ID, 1, 3), f.link.Sent())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(connectors.DropReasonEncode)))
}

func TestEndSessionThenImplicitSession(t *testing.T) {
	f := newFixture(t, Options{}, fakeEncoder{})
	first := f.tx.StartSession(false)
	f.tx.LogGenericLog(domain.LogTypeInfo, "t", "pending", nil)

	f.tx.EndSession(context.Background())
	closed := f.tx.Session()
	require.True(t, closed.Closed)
	require.Zero(t, closed.Pending)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(connectors.DropReasonSessionEnded)))

	env := f.tx.LogGenericLog(domain.LogTypeInfo, "t", "after", nil)
	require.NotEqual(t, first.ID, env.SessionID)
	require.Equal(t, uint64(1), env.Sequence)
	require.False(t, f.tx.Session().Authorized)
}

func TestEndSessionFlushesAuthorizedQueue(t *testing.T) {
	f := newFixture(t, Options{}, fakeEncoder{})
	f.authorize()
	info := f.tx.StartSession(false)
	f.tx.LogGenericLog(domain.LogTypeInfo, "t", "a", nil)

	f.tx.EndSession(context.Background())
	require.Equal(t, expectedIDs(info.ID, 1), f.link.Sent())
}

func TestRunDeliversConcurrentEnqueuesInOrder(t *testing.T) {
	f := newFixture(t, Options{}, fakeEncoder{})
	info := f.tx.StartSession(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.tx.Run(ctx)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				f.tx.LogGenericLog(domain.LogTypeInfo, "w", fmt.Sprintf("%d-%d", w, i), nil)
				if w == 0 && i == perWriter/2 {
					f.authorize()
					f.tx.StartSession(true)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(f.link.Sent()) == writers*perWriter
	}, 5*time.Second, 5*time.Millisecond)

	want := make([]uint64, 0, writers*perWriter)
	for seq := uint64(1); seq <= writers*perWriter; seq++ {
		want = append(want, seq)
	}
	require.Equal(t, expectedIDs(info.ID, want...), f.link.Sent())
}

type capturingEncoder struct {
	mu    sync.Mutex
	names []any
}

func (e *capturingEncoder) EncodeRecord(rec domain.LogRecord) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	user, _ := rec.AnalyticsEvent.Data["user"].(map[string]any)
	e.names = append(e.names, user["name"])
	return []byte(frameID(rec.SessionID, rec.Sequence)), nil
}

func TestQueuedRecordIgnoresLaterCallerWrites(t *testing.T) {
	enc := &capturingEncoder{}
	f := newFixture(t, Options{}, enc)

	f.tx.StartSession(false)
	user := map[string]any{"name": "alice"}
	f.tx.LogAnalyticsEvent("dest", "login", map[string]any{"user": user})
	user["name"] = "mallory"

	f.authorize()
	f.tx.StartSession(true)
	require.NoError(t, f.tx.Flush(context.Background()))

	enc.mu.Lock()
	defer enc.mu.Unlock()
	require.Equal(t, []any{"alice"}, enc.names)
}

// stallingLink blocks every send until its context ends.
type stallingLink struct {
	fakeLink
	started chan struct{}
	aborted chan error
}

func (l *stallingLink) SendFrame(ctx context.Context, _ []byte) error {
	select {
	case l.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	l.aborted <- ctx.Err()
	return ctx.Err()
}

func TestDisconnectDuringStalledSendHonoursFlushTimeout(t *testing.T) {
	link := &stallingLink{started: make(chan struct{}, 1), aborted: make(chan error, 4)}
	auth := &fakeAuth{}
	metrics := NewMetrics(prometheus.NewRegistry())
	tx := New(link, auth, fakeEncoder{}, Options{
		SendTimeout:  5 * time.Second,
		FlushTimeout: 100 * time.Millisecond,
		Metrics:      metrics,
	})
	link.connected.Store(true)
	auth.authorized.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tx.Run(ctx)

	require.True(t, tx.StartSession(false).Authorized)
	tx.LogGenericLog(domain.LogTypeInfo, "tag", "stuck", nil)
	select {
	case <-link.started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer flushCancel()
	require.ErrorIs(t, tx.Flush(flushCtx), context.DeadlineExceeded)

	start := time.Now()
	tx.Disconnect(context.Background(), connectors.CodeNormal, "bye", true)
	require.Less(t, time.Since(start), time.Second)
	require.Zero(t, tx.Pending())

	select {
	case err := <-link.aborted:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("in-flight send was not cancelled")
	}
	link.mu.Lock()
	require.Equal(t, []disconnectCall{{code: connectors.CodeNormal, message: "bye"}}, link.disconnects)
	link.mu.Unlock()
	require.Zero(t, testutil.ToFloat64(metrics.SendFailures))
}
