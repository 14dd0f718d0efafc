// Package wire encodes the messages exchanged between the SDK and the
// inspector.
//
// Each transport frame carries one CBOR envelope whose header (version, kind,
// session, sequence, compression flag) is authenticated as additional data
// for the sealed body. Bodies are CBOR too; record bodies above the
// compression threshold are zstd-compressed before sealing.
package wire
