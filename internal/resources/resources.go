// Package resources embeds the static assets shipped with the daemon.
package resources

import (
	_ "embed"
)

//go:embed icons/app_64.png
var appIcon64 []byte

// AppIcon returns the 64x64 PNG used for desktop notifications.
func AppIcon() []byte {
	return appIcon64
}
