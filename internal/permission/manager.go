// Package permission holds the client's authorization state: the auth token
// returned by the inspector and the device identity it is bound to.
package permission

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrTokenMissing   = errors.New("auth token missing")
	ErrTokenInvalid   = errors.New("auth token could not be decrypted")
	ErrTokenExpired   = errors.New("auth token expired")
	ErrDeviceMismatch = errors.New("device identifier mismatch")
)

type Manager struct {
	opener              TokenOpener
	ownDeviceID         string
	ignoreDeviceIDCheck bool
	logger              *slog.Logger
	now                 func() time.Time

	mu         sync.RWMutex
	token      string
	deviceID   string
	authorized bool
}

func New(opener TokenOpener, ownDeviceID string, ignoreDeviceIDCheck bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "permission")
	}
	if ignoreDeviceIDCheck {
		logger.Warn("device identifier check disabled: any device holding a valid token will be authorized",
			"own_device_id", ownDeviceID,
		)
	}

	return &Manager{
		opener:              opener,
		ownDeviceID:         ownDeviceID,
		ignoreDeviceIDCheck: ignoreDeviceIDCheck,
		logger:              logger,
		now:                 time.Now,
	}
}

// SetAuthToken validates token against deviceID and this device's own
// identifier. A nil result authorizes the manager; any error leaves it
// unauthorized and its text is suitable for a disconnect message.
func (m *Manager) SetAuthToken(token, deviceID string) error {
	err := m.validate(token, deviceID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.token, m.deviceID, m.authorized = "", "", false
		return err
	}
	m.token, m.deviceID, m.authorized = token, deviceID, true

	return nil
}

func (m *Manager) validate(token, deviceID string) error {
	if token == "" {
		return ErrTokenMissing
	}

	claims, err := openClaims(m.opener, token)
	if err != nil {
		m.logger.Debug("auth token rejected", "error", err)
		return ErrTokenInvalid
	}
	if deviceID == "" || claims.DeviceIdentifier != deviceID {
		return fmt.Errorf("%w: token is not bound to the reported device", ErrDeviceMismatch)
	}
	if claims.Expired(m.now()) {
		return ErrTokenExpired
	}

	if deviceID != m.ownDeviceID {
		if !m.ignoreDeviceIDCheck {
			return fmt.Errorf("%w: inspector reported %q", ErrDeviceMismatch, deviceID)
		}
		m.logger.Warn("device identifier mismatch tolerated by configuration",
			"own_device_id", m.ownDeviceID,
			"reported_device_id", deviceID,
		)
	}

	return nil
}

func (m *Manager) IsAuthorized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authorized
}

// Clear drops the held token.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.deviceID, m.authorized = "", "", false
}

func (m *Manager) Token() (token, deviceID string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.deviceID, m.authorized
}

func (m *Manager) OwnDeviceID() string {
	return m.ownDeviceID
}
