package rdm

import "fmt"

const (
	discoveryPreamble  byte = 0xFE
	discoverySeparator byte = 0xAA
	discoveryEUIDSize       = 12
	discoveryChecksum       = 4
)

// Discovery parameter ids.
const (
	PIDDiscUniqueBranch uint16 = 0x0001
	PIDDiscMute         uint16 = 0x0002
	PIDDiscUnMute       uint16 = 0x0003
)

// EncodeDiscoveryResponse builds a DISC_UNIQUE_BRANCH answer: seven preamble
// bytes, separator, the UID and its checksum each byte split into |0xAA and |0x55.
func EncodeDiscoveryResponse(u UID) []byte {
	buf := make([]byte, 0, 8+discoveryEUIDSize+discoveryChecksum)
	for i := 0; i < 7; i++ {
		buf = append(buf, discoveryPreamble)
	}
	buf = append(buf, discoverySeparator)

	var raw [6]byte
	putUID(raw[:], u)
	for _, b := range raw {
		buf = append(buf, b|0xAA, b|0x55)
	}
	sum := Checksum(buf[8:])
	buf = append(buf, byte(sum>>8)|0xAA, byte(sum>>8)|0x55, byte(sum)|0xAA, byte(sum)|0x55)
	return buf
}

// DecodeDiscoveryResponse recovers the UID from a DISC_UNIQUE_BRANCH answer.
// A collision between responders shows up as ErrChecksumMismatch.
func DecodeDiscoveryResponse(b []byte) (UID, error) {
	i := 0
	for i < len(b) && i < 7 && b[i] == discoveryPreamble {
		i++
	}
	if i >= len(b) || b[i] != discoverySeparator {
		return 0, fmt.Errorf("%w: missing discovery separator", ErrMalformedFrame)
	}
	body := b[i+1:]
	if len(body) < discoveryEUIDSize+discoveryChecksum {
		return 0, fmt.Errorf("%w: discovery response %d bytes", ErrMalformedFrame, len(body))
	}

	var raw [6]byte
	for j := range raw {
		raw[j] = body[2*j] & body[2*j+1]
	}
	c := body[discoveryEUIDSize:]
	want := uint16(c[0]&c[1])<<8 | uint16(c[2]&c[3])
	if got := Checksum(body[:discoveryEUIDSize]); got != want {
		return 0, fmt.Errorf("%w: discovery got 0x%04x, frame says 0x%04x", ErrChecksumMismatch, got, want)
	}
	return readUID(raw[:]), nil
}

// IsDiscoveryResponse reports whether b looks like a DUB answer rather than a
// start-code framed message.
func IsDiscoveryResponse(b []byte) bool {
	return len(b) > 0 && (b[0] == discoveryPreamble || b[0] == discoverySeparator)
}
