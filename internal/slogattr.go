// Package internal holds small helpers shared by the conn and broker
// packages that don't belong on the public API.
package internal

import (
	"encoding/binary"
	"log/slog"
)

// SlogAddr4 returns a slog.Attr for a 4-byte IPv4 address packed into
// a uint64, so logging an endpoint's address doesn't allocate a
// string on the hot path.
func SlogAddr4(key string, addr *[4]byte) slog.Attr {
	u64Addr := uint64(binary.BigEndian.Uint32(addr[:]))
	return slog.Uint64(key, u64Addr)
}
