package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/domain"
)

const (
	titleCrashReport = "App crashed"
	maxContentRunes  = 200
)

// StartCrashNotifier sends a notification for every crash report the
// inspector receives, until ctx ends.
func StartCrashNotifier(ctx context.Context, b bus.MessageBus, sender Sender, logger *slog.Logger) {
	if b == nil || sender == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notifications.crash")

	sub := b.Subscribe(connectors.TopicRecordIn)
	go func() {
		defer b.Unsubscribe(sub, connectors.TopicRecordIn)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				received, ok := raw.(domain.ReceivedRecord)
				if !ok || received.Record.CrashReport == nil {
					continue
				}
				payload := crashPayload(received)
				logger.Debug("sending notification", "title", payload.Title, "session_id", received.Record.SessionID)
				sender.Send(payload)
			}
		}
	}()
}

func crashPayload(received domain.ReceivedRecord) Payload {
	t := received.Record.CrashReport.Throwable
	content := strings.TrimSpace(t.Message)
	if content == "" {
		content = "(no message)"
	}
	if typ := strings.TrimSpace(t.Type); typ != "" {
		content = fmt.Sprintf("%s: %s", typ, content)
	}
	if r := []rune(content); len(r) > maxContentRunes {
		content = string(r[:maxContentRunes-1]) + "…"
	}

	title := titleCrashReport
	if device := strings.TrimSpace(received.DeviceID); device != "" {
		title = fmt.Sprintf("%s (%s)", titleCrashReport, shortID(device))
	}

	return Payload{Title: title, Content: content, SessionID: received.Record.SessionID}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}

	return id[:8]
}
