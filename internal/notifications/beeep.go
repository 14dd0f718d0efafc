package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"

	"github.com/inspectlink/inspectlink/internal/resources"
)

// BeeepSender raises desktop notifications through the OS notification daemon.
type BeeepSender struct {
	logger *slog.Logger
	icon   []byte
	notify func(title, message string, icon any) error
}

func NewBeeepSender(appName string, logger *slog.Logger) *BeeepSender {
	if logger == nil {
		logger = slog.Default()
	}
	if name := strings.TrimSpace(appName); name != "" {
		beeep.AppName = name
	}

	return &BeeepSender{
		logger: logger.With("component", "notifications"),
		icon:   resources.AppIcon(),
		notify: beeep.Notify,
	}
}

func (s *BeeepSender) Send(payload Payload) {
	if err := s.notify(payload.Title, payload.Content, s.icon); err != nil {
		s.logger.Warn("desktop notification failed", "title", payload.Title, "session_id", payload.SessionID, "error", err)
	}
}
