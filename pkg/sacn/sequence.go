package sacn

import (
	"net"

	"github.com/google/uuid"
)

// NetworkDataLossTimeout is the E1.31 window after which a silent source is lost.
const NetworkDataLossTimeout = 2500 // milliseconds

// SequenceOK reports whether next should be accepted after last. Packets within
// 20 behind the last accepted one, or equal to it, are out of order.
func SequenceOK(last, next uint8) bool {
	diff := int8(next - last)
	return !(diff <= 0 && diff > -20)
}

// MulticastAddr returns the multicast group carrying a universe.
func MulticastAddr(universe uint16) net.IP {
	return net.IPv4(239, 255, byte(universe>>8), byte(universe))
}

// MulticastUDPAddr returns the multicast endpoint for a universe.
func MulticastUDPAddr(universe uint16) *net.UDPAddr {
	return &net.UDPAddr{IP: MulticastAddr(universe), Port: DefaultPort}
}

// SourceKey formats a CID as the stable identity used for merging.
func SourceKey(cid [16]byte) string {
	return "sacn:" + uuid.UUID(cid).String()
}
