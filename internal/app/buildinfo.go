package app

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/inspectlink/inspectlink/internal/wire"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
)

// BuildVersion falls back to the module version stamped by `go install`.
func BuildVersion() string {
	if version := strings.TrimSpace(Version); version != "" {
		return version
	}

	return moduleVersion()
}

func moduleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	v := strings.TrimSpace(info.Main.Version)
	if v == "" || v == "(devel)" {
		return "dev"
	}

	return v
}

func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		return ""
	}

	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.Format("2006-01-02")
	}

	if len(raw) >= len("2006-01-02") {
		date := raw[:len("2006-01-02")]
		if _, err := time.Parse("2006-01-02", date); err == nil {
			return date
		}
	}

	return raw
}

// VersionLine is printed by `version` commands: build, date and wire protocol.
func VersionLine(program string) string {
	version := BuildVersion()
	if buildDate := BuildDateYMD(); buildDate != "" {
		version = fmt.Sprintf("%s (%s)", version, buildDate)
	}

	return fmt.Sprintf("%s %s, protocol %s", program, version, wire.ProtocolVersion)
}
