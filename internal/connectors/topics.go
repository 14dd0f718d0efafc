package connectors

const (
	TopicConnStatus    = "conn.status"
	TopicRawFrameIn    = "raw.frame.in"
	TopicRawFrameOut   = "raw.frame.out"
	TopicRecordSent    = "record.sent"
	TopicRecordDropped = "record.dropped"
	TopicRecordIn      = "record.in"
)
