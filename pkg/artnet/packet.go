// Package artnet provides Art-Net protocol packet building and parsing.
package artnet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// OpCodePoll is the Art-Net operation code for node discovery.
	OpCodePoll uint16 = 0x2000
	// OpCodePollReply is the Art-Net operation code for a discovery reply.
	OpCodePollReply uint16 = 0x2100
	// OpCodeDMX is the Art-Net operation code for DMX data.
	OpCodeDMX uint16 = 0x5000
	// OpCodeSync is the Art-Net operation code for synchronous output release.
	OpCodeSync uint16 = 0x5200
	// ProtocolVersion is the Art-Net protocol version.
	ProtocolVersion uint16 = 14
	// DMXDataLength is the number of DMX channels per universe.
	DMXDataLength uint16 = 512
	// HeaderSize is the size of the ArtDMX header preceding slot data.
	HeaderSize = 18
	// PacketSize is the total size of an Art-Net DMX packet.
	PacketSize = HeaderSize + DMXDataLength // Header (18) + Data (512)
	// DefaultPort is the standard Art-Net UDP port.
	DefaultPort = 6454
	// MaxUniverse is the largest 15-bit port address.
	MaxUniverse = 0x7FFF
)

// ArtNetID is the Art-Net packet identifier.
var ArtNetID = []byte{'A', 'r', 't', '-', 'N', 'e', 't', 0x00}

// ErrMalformedPacket is the root of every decode failure in this package.
var ErrMalformedPacket = errors.New("malformed Art-Net packet")

// ParseError reports where decoding stopped.
type ParseError struct {
	Message string
	Offset  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("artnet: %s at offset %d", e.Message, e.Offset)
}

func (e *ParseError) Unwrap() error { return ErrMalformedPacket }

// DMXPacket is a decoded ArtDMX packet. Data always holds 512 slots; slots past
// Length are zero.
type DMXPacket struct {
	Sequence uint8
	Physical uint8
	Universe uint16
	Length   uint16
	Data     [DMXDataLength]byte
}

// BuildDMXPacket creates an Art-Net DMX packet for the specified 15-bit port address.
// Channels beyond 512 are ignored; fewer are zero padded.
// Sequence should increment for each packet (1-255, wraps around) to enable receivers
// to detect and handle out-of-order UDP packets. Zero disables sequencing.
func BuildDMXPacket(universe uint16, physical byte, channels []byte, sequence byte) []byte {
	packet := make([]byte, PacketSize)

	copy(packet[0:8], ArtNetID)                                        // ID (8 bytes): "Art-Net\0"
	binary.LittleEndian.PutUint16(packet[8:10], OpCodeDMX)             // OpCode (2 bytes): 0x5000 for DMX
	binary.BigEndian.PutUint16(packet[10:12], ProtocolVersion)         // Protocol version (2 bytes): 14
	packet[12] = sequence                                              // Sequence (1 byte)
	packet[13] = physical                                              // Physical input port (1 byte)
	binary.LittleEndian.PutUint16(packet[14:16], universe&MaxUniverse) // Port address (2 bytes)
	binary.BigEndian.PutUint16(packet[16:18], DMXDataLength)           // Data length (2 bytes): 512

	if len(channels) >= int(DMXDataLength) {
		copy(packet[HeaderSize:], channels[:DMXDataLength])
	} else {
		copy(packet[HeaderSize:HeaderSize+len(channels)], channels)
	}

	return packet
}

// OpCode validates the common Art-Net header and returns the operation code.
func OpCode(data []byte) (uint16, error) {
	if len(data) < 10 {
		return 0, &ParseError{Message: "packet shorter than header", Offset: len(data)}
	}
	for i, b := range ArtNetID {
		if data[i] != b {
			return 0, &ParseError{Message: "bad Art-Net identifier", Offset: i}
		}
	}
	return binary.LittleEndian.Uint16(data[8:10]), nil
}

func checkVersion(data []byte) error {
	if len(data) < 12 {
		return &ParseError{Message: "missing protocol version", Offset: len(data)}
	}
	if v := binary.BigEndian.Uint16(data[10:12]); v < ProtocolVersion {
		return &ParseError{Message: fmt.Sprintf("protocol version %d not supported", v), Offset: 10}
	}
	return nil
}

// ParseDMXPacket decodes an ArtDMX packet. The length field is checked against
// the datagram size and the 2..512 range rather than trusted.
func ParseDMXPacket(data []byte) (*DMXPacket, error) {
	op, err := OpCode(data)
	if err != nil {
		return nil, err
	}
	if op != OpCodeDMX {
		return nil, &ParseError{Message: fmt.Sprintf("opcode 0x%04x is not ArtDMX", op), Offset: 8}
	}
	if err := checkVersion(data); err != nil {
		return nil, err
	}
	if len(data) < HeaderSize {
		return nil, &ParseError{Message: "truncated ArtDMX header", Offset: len(data)}
	}

	pkt := &DMXPacket{
		Sequence: data[12],
		Physical: data[13],
		Universe: binary.LittleEndian.Uint16(data[14:16]) & MaxUniverse,
		Length:   binary.BigEndian.Uint16(data[16:18]),
	}
	if pkt.Length < 1 || pkt.Length > DMXDataLength {
		return nil, &ParseError{Message: fmt.Sprintf("data length %d out of range", pkt.Length), Offset: 16}
	}
	if HeaderSize+int(pkt.Length) > len(data) {
		return nil, &ParseError{Message: fmt.Sprintf("data length %d exceeds datagram", pkt.Length), Offset: 16}
	}
	copy(pkt.Data[:], data[HeaderSize:HeaderSize+int(pkt.Length)])
	return pkt, nil
}

// ParseSync validates an ArtSync packet.
func ParseSync(data []byte) error {
	op, err := OpCode(data)
	if err != nil {
		return err
	}
	if op != OpCodeSync {
		return &ParseError{Message: fmt.Sprintf("opcode 0x%04x is not ArtSync", op), Offset: 8}
	}
	if err := checkVersion(data); err != nil {
		return err
	}
	if len(data) < 14 {
		return &ParseError{Message: "truncated ArtSync", Offset: len(data)}
	}
	return nil
}

// BuildSyncPacket creates an ArtSync packet.
func BuildSyncPacket() []byte {
	packet := make([]byte, 14)
	copy(packet[0:8], ArtNetID)
	binary.LittleEndian.PutUint16(packet[8:10], OpCodeSync)
	binary.BigEndian.PutUint16(packet[10:12], ProtocolVersion)
	return packet
}

// Address splits a 15-bit port address into net, sub-net and universe nibble.
func Address(universe uint16) (net, subNet, uni uint8) {
	universe &= MaxUniverse
	return uint8(universe >> 8), uint8(universe>>4) & 0x0F, uint8(universe) & 0x0F
}
