package domain

import (
	"context"
	"sort"
	"sync"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/connectors"
)

const defaultRecentRecordsKept = 200

// SessionStore keeps the sessions seen by the inspector and their latest
// records in memory.
type SessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]SessionInfo
	records    map[string][]LogRecord
	maxRecords int
	changes    chan struct{}
}

// NewSessionStore keeps at most maxRecords records per session; zero selects
// the default.
func NewSessionStore(maxRecords int) *SessionStore {
	if maxRecords <= 0 {
		maxRecords = defaultRecentRecordsKept
	}

	return &SessionStore{
		sessions:   make(map[string]SessionInfo),
		records:    make(map[string][]LogRecord),
		maxRecords: maxRecords,
		changes:    make(chan struct{}, 1),
	}
}

func (s *SessionStore) Load(sessions []SessionInfo, records map[string][]LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range sessions {
		s.sessions[info.ID] = info
	}
	for id, recs := range records {
		s.records[id] = s.trim(append([]LogRecord(nil), recs...))
	}
	s.notify()
}

func (s *SessionStore) Start(ctx context.Context, b bus.MessageBus) {
	sub := b.Subscribe(connectors.TopicRecordIn)
	go func() {
		defer b.Unsubscribe(sub, connectors.TopicRecordIn)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				received, ok := msg.(ReceivedRecord)
				if !ok {
					continue
				}
				s.Append(received)
			}
		}
	}()
}

// Append adds a received record. A sequence already held for the session is
// ignored, matching the persisted view.
func (s *SessionStore) Append(rec ReceivedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.Record.SessionID
	recs := s.records[id]
	for _, held := range recs {
		if held.Sequence == rec.Record.Sequence {
			return
		}
	}
	recs = append(recs, rec.Record)
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Sequence < recs[j].Sequence
	})
	s.records[id] = s.trim(recs)

	info, ok := s.sessions[id]
	if !ok {
		info = SessionInfo{ID: id, DeviceID: rec.DeviceID, FirstSeenAt: rec.ReceivedAt}
	}
	if rec.ReceivedAt.After(info.LastSeenAt) {
		info.LastSeenAt = rec.ReceivedAt
	}
	if info.DeviceID == "" {
		info.DeviceID = rec.DeviceID
	}
	info.RecordCount++
	s.sessions[id] = info
	s.notify()
}

// SnapshotSorted returns the sessions, most recently active first.
func (s *SessionStore) SnapshotSorted() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})

	return out
}

func (s *SessionStore) Get(sessionID string) (SessionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.sessions[sessionID]

	return info, ok
}

// Records returns the held records of a session in sequence order.
func (s *SessionStore) Records(sessionID string) []LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogRecord(nil), s.records[sessionID]...)
}

func (s *SessionStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *SessionStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]SessionInfo)
	s.records = make(map[string][]LogRecord)
	s.notify()
}

func (s *SessionStore) trim(recs []LogRecord) []LogRecord {
	if over := len(recs) - s.maxRecords; over > 0 {
		return append([]LogRecord(nil), recs[over:]...)
	}

	return recs
}

func (s *SessionStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
