// Package device probes a stable raw identity for the local machine. The
// SDK never sends it as is; it is keyed through the cipher first.
package device

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// RawIdentity prefers the machine id and falls back to platform host data.
func RawIdentity() (string, error) {
	return probe(machineIDPaths, platformIdentity)
}

func probe(paths []string, fallback func() (string, error)) (string, error) {
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(raw)); id != "" {
			return "machine-id:" + id, nil
		}
	}

	id, err := fallback()
	if err != nil {
		return "", fmt.Errorf("probe device identity: %w", err)
	}
	if strings.TrimSpace(id) == "" {
		return "", errors.New("probe device identity: empty host identity")
	}

	return "host:" + id, nil
}
