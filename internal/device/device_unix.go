//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package device

import "golang.org/x/sys/unix"

func platformIdentity() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}

	return unix.ByteSliceToString(uts.Nodename[:]) + "/" + unix.ByteSliceToString(uts.Machine[:]), nil
}
