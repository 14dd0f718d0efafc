package domain

import (
	"errors"
	"fmt"
	"time"
)

type RecordKind int

const (
	RecordKindNetworkCall RecordKind = iota + 1
	RecordKindCrashReport
	RecordKindAnalyticsEvent
	RecordKindGenericLog
	RecordKindException
)

func (k RecordKind) String() string {
	switch k {
	case RecordKindNetworkCall:
		return "network_call"
	case RecordKindCrashReport:
		return "crash_report"
	case RecordKindAnalyticsEvent:
		return "analytics_event"
	case RecordKindGenericLog:
		return "generic_log"
	case RecordKindException:
		return "exception"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Generic log priorities, numbered like the platform logger the inspector mirrors.
const (
	LogTypeVerbose = 2
	LogTypeDebug   = 3
	LogTypeInfo    = 4
	LogTypeWarn    = 5
	LogTypeError   = 6
	LogTypeAssert  = 7
)

// Envelope is stamped by the transmitter when a record is enqueued.
type Envelope struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// LogRecord is a tagged variant: Kind selects which payload pointer is set.
type LogRecord struct {
	Envelope

	Kind           RecordKind      `json:"kind"`
	NetworkCall    *NetworkCall    `json:"network_call,omitempty"`
	CrashReport    *CrashReport    `json:"crash_report,omitempty"`
	AnalyticsEvent *AnalyticsEvent `json:"analytics_event,omitempty"`
	GenericLog     *GenericLog     `json:"generic_log,omitempty"`
	Exception      *Exception      `json:"exception,omitempty"`
}

type NetworkCall struct {
	Method          string              `json:"method"`
	URL             string              `json:"url"`
	RequestHeaders  map[string][]string `json:"request_headers,omitempty"`
	RequestBody     []byte              `json:"request_body,omitempty"`
	StatusCode      int                 `json:"status_code,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    []byte              `json:"response_body,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	Duration        time.Duration       `json:"duration"`
	Error           string              `json:"error,omitempty"`
}

// Throwable is a serializable description of an error or panic value.
type Throwable struct {
	Type    string     `json:"type"`
	Message string     `json:"message"`
	Stack   string     `json:"stack,omitempty"`
	Cause   *Throwable `json:"cause,omitempty"`
}

type CrashReport struct {
	Throwable Throwable `json:"throwable"`
}

type Exception struct {
	Throwable Throwable `json:"throwable"`
}

type AnalyticsEvent struct {
	Destination string         `json:"destination"`
	Name        string         `json:"name"`
	Data        map[string]any `json:"data,omitempty"`
}

type GenericLog struct {
	Type    int            `json:"type"`
	Tag     string         `json:"tag"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Validate checks that exactly the payload selected by Kind is present.
func (r LogRecord) Validate() error {
	set := 0
	for _, present := range []bool{r.NetworkCall != nil, r.CrashReport != nil, r.AnalyticsEvent != nil, r.GenericLog != nil, r.Exception != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("record must carry exactly one payload, got %d", set)
	}

	var ok bool
	switch r.Kind {
	case RecordKindNetworkCall:
		ok = r.NetworkCall != nil
	case RecordKindCrashReport:
		ok = r.CrashReport != nil
	case RecordKindAnalyticsEvent:
		ok = r.AnalyticsEvent != nil
	case RecordKindGenericLog:
		ok = r.GenericLog != nil
	case RecordKindException:
		ok = r.Exception != nil
	}
	if !ok {
		return fmt.Errorf("record payload does not match kind %s", r.Kind)
	}

	return nil
}

func NewNetworkCallRecord(call NetworkCall) LogRecord {
	call.RequestHeaders = cloneHeaders(call.RequestHeaders)
	call.ResponseHeaders = cloneHeaders(call.ResponseHeaders)
	call.RequestBody = append([]byte(nil), call.RequestBody...)
	call.ResponseBody = append([]byte(nil), call.ResponseBody...)

	return LogRecord{Kind: RecordKindNetworkCall, NetworkCall: &call}
}

func NewCrashReportRecord(t Throwable) LogRecord {
	t = cloneThrowable(t)
	return LogRecord{Kind: RecordKindCrashReport, CrashReport: &CrashReport{Throwable: t}}
}

func NewExceptionRecord(t Throwable) LogRecord {
	t = cloneThrowable(t)
	return LogRecord{Kind: RecordKindException, Exception: &Exception{Throwable: t}}
}

func NewAnalyticsEventRecord(destination, name string, data map[string]any) LogRecord {
	return LogRecord{
		Kind:           RecordKindAnalyticsEvent,
		AnalyticsEvent: &AnalyticsEvent{Destination: destination, Name: name, Data: cloneData(data)},
	}
}

func NewGenericLogRecord(logType int, tag, message string, data map[string]any) LogRecord {
	return LogRecord{
		Kind:       RecordKindGenericLog,
		GenericLog: &GenericLog{Type: logType, Tag: tag, Message: message, Data: cloneData(data)},
	}
}

func cloneHeaders(h map[string][]string) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}

	return out
}

const maxCauseDepth = 8

// ThrowableFromError describes err and up to eight wrapped causes.
func ThrowableFromError(err error) Throwable {
	if err == nil {
		return Throwable{Type: "<nil>"}
	}

	root := Throwable{Type: fmt.Sprintf("%T", err), Message: err.Error()}
	cur := &root
	next := errors.Unwrap(err)
	for depth := 0; next != nil && depth < maxCauseDepth; depth++ {
		cur.Cause = &Throwable{Type: fmt.Sprintf("%T", next), Message: next.Error()}
		cur = cur.Cause
		next = errors.Unwrap(next)
	}

	return root
}

// ThrowableFromPanic describes a recovered panic value and its stack.
func ThrowableFromPanic(v any, stack []byte) Throwable {
	var t Throwable
	if err, ok := v.(error); ok {
		t = ThrowableFromError(err)
	} else {
		t = Throwable{Type: fmt.Sprintf("%T", v), Message: fmt.Sprint(v)}
	}
	t.Stack = string(stack)

	return t
}

// ReceivedRecord is published by the inspector for every accepted record.
type ReceivedRecord struct {
	Record     LogRecord
	DeviceID   string
	ReceivedAt time.Time
}

// SessionInfo summarizes one logging session as seen by the inspector.
type SessionInfo struct {
	ID          string
	DeviceID    string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	RecordCount int
}

// Summary renders a one-line description of rec for listings.
func Summary(rec LogRecord) string {
	switch {
	case rec.NetworkCall != nil:
		c := rec.NetworkCall
		if c.Error != "" {
			return fmt.Sprintf("%s %s failed: %s", c.Method, c.URL, c.Error)
		}
		return fmt.Sprintf("%s %s -> %d (%s)", c.Method, c.URL, c.StatusCode, c.Duration)
	case rec.CrashReport != nil:
		return fmt.Sprintf("crash %s: %s", rec.CrashReport.Throwable.Type, rec.CrashReport.Throwable.Message)
	case rec.Exception != nil:
		return fmt.Sprintf("exception %s: %s", rec.Exception.Throwable.Type, rec.Exception.Throwable.Message)
	case rec.AnalyticsEvent != nil:
		return fmt.Sprintf("%s/%s", rec.AnalyticsEvent.Destination, rec.AnalyticsEvent.Name)
	case rec.GenericLog != nil:
		return fmt.Sprintf("[%d] %s: %s", rec.GenericLog.Type, rec.GenericLog.Tag, rec.GenericLog.Message)
	default:
		return rec.Kind.String()
	}
}
