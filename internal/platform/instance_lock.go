// Package platform holds OS-specific helpers for the inspector daemon.
package platform

import (
	"errors"
	"strings"
)

// ErrInstanceAlreadyRunning reports that another daemon already serves the same address.
var ErrInstanceAlreadyRunning = errors.New("instance already running")

var ErrInstanceLockUnsupported = errors.New("instance lock unsupported")

// InstanceLock is held for the lifetime of a running daemon.
type InstanceLock interface {
	Release() error
}

// AcquireInstanceLock takes the lock named after appID and the listen address,
// so daemons on different addresses can run side by side.
func AcquireInstanceLock(appID, address string) (InstanceLock, error) {
	name := lockComponent(appID, "app")
	if addr := lockComponent(address, ""); addr != "" {
		name += "-" + addr
	}

	return acquireInstanceLock(name)
}

func lockComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
