//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package device

import (
	"os"
	"runtime"
)

func platformIdentity() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}

	return host + "/" + runtime.GOARCH, nil
}
