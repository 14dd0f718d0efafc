package wire

import "golang.org/x/mod/semver"

// ProtocolVersion is advertised in both halves of the handshake. Peers are
// compatible when their major versions match.
const ProtocolVersion = "v1.2.0"

func Compatible(peer string) bool {
	if !semver.IsValid(peer) {
		return false
	}

	return semver.Major(peer) == semver.Major(ProtocolVersion)
}
