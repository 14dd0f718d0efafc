package notifications

// Payload is one desktop notification about a received record.
type Payload struct {
	Title   string
	Content string
	// SessionID names the logging session the notification refers to, if any.
	SessionID string
}

type Sender interface {
	Send(payload Payload)
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(Payload)

func (f SenderFunc) Send(payload Payload) {
	f(payload)
}
