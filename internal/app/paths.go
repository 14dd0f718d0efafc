package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/inspectlink/inspectlink/internal/config"
)

// Paths stores resolved runtime file locations for config, data, logs and the socket.
type Paths struct {
	RootDir    string
	ConfigFile string
	DBFile     string
	LogFile    string
	RuntimeDir string
	SocketFile string
}

func ResolvePaths() (Paths, error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}

	root := filepath.Join(cfgRoot, Name)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app config dir: %w", err)
	}
	runtimeDir := config.RuntimeDir()
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return Paths{}, fmt.Errorf("create app runtime dir: %w", err)
	}

	return Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		DBFile:     filepath.Join(root, DBFilename),
		LogFile:    filepath.Join(root, LogFilename),
		RuntimeDir: runtimeDir,
		SocketFile: filepath.Join(runtimeDir, SocketFilename),
	}, nil
}
