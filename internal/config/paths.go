package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	AppName        = "inspectlink"
	SocketFilename = "inspector.sock"
)

// RuntimeDir prefers XDG_RUNTIME_DIR and falls back to a per-user temp dir.
func RuntimeDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, AppName)
	}

	return filepath.Join(os.TempDir(), AppName+"-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath is where the inspector listens when no socket path is configured.
func DefaultSocketPath() string {
	return filepath.Join(RuntimeDir(), SocketFilename)
}
