package connectors

import "time"

// RecordEvent reports the fate of one outbound log record.
type RecordEvent struct {
	SessionID string
	Sequence  uint64
	Kind      string
	Reason    string
	Timestamp time.Time
}

// Reasons attached to RecordEvent on TopicRecordDropped.
const (
	DropReasonQueueOverflow   = "queue_overflow"
	DropReasonSessionReplaced = "session_replaced"
	DropReasonSessionEnded    = "session_ended"
	DropReasonDisconnect      = "disconnect"
	DropReasonEncode          = "encode_failed"
)
