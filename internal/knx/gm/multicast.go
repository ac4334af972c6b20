package gm

import (
	"encoding/binary"
	"net/netip"
)

// Multicast scopes a group address is subscribed/sent at: link-local
// and site-local, per the s-mode outbound contract.
const (
	ScopeLinkLocal byte = 2
	ScopeSiteLocal byte = 5
)

// MulticastGroupAddress derives the IPv6 multicast address a group
// address is reachable at: FF3{scope}:0030:<iid low 32 bits>:0:0:<ga>.
func MulticastGroupAddress(iid uint64, ga uint32, scope byte) netip.Addr {
	var b [16]byte
	b[0] = 0xFF
	b[1] = 0x30 | scope
	b[2] = 0x00
	b[3] = 0x30
	b[4] = byte(iid >> 24)
	b[5] = byte(iid >> 16)
	b[6] = byte(iid >> 8)
	b[7] = byte(iid)
	b[12] = byte(ga >> 24)
	b[13] = byte(ga >> 16)
	b[14] = byte(ga >> 8)
	b[15] = byte(ga)
	return netip.AddrFrom16(b)
}

// GroupIDForGA derives the OSCORE group identifier for a group address:
// its big-endian 4-byte encoding, matching the group context this
// device's s-mode multicast sends and receives are provisioned under.
func GroupIDForGA(ga uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, ga)
	return b
}
