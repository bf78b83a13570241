// Package sacn provides E1.31 (streaming ACN) packet building and parsing.
package sacn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultPort is the standard sACN UDP port.
	DefaultPort = 5568
	// HeaderSize is the size of a data packet preceding slot data.
	HeaderSize = 126
	// SyncPacketSize is the size of a universe synchronization packet.
	SyncPacketSize = 49
	// MaxSlots is the number of DMX slots per universe.
	MaxSlots = 512
	// MinUniverse and MaxUniverse bound the universes valid for data.
	MinUniverse = 1
	MaxUniverse = 63999
	// MaxPriority is the highest priority a source may declare.
	MaxPriority = 200
	// DefaultPriority is used when a source does not care.
	DefaultPriority = 100

	vectorRootData         uint32 = 0x00000004
	vectorRootExtended     uint32 = 0x00000008
	vectorFramingData      uint32 = 0x00000002
	vectorFramingSync      uint32 = 0x00000001
	vectorDMPSetProperty   byte   = 0x02
	dmpAddressAndDataType  byte   = 0xa1
	optionPreviewData      byte   = 0x80
	optionStreamTerminated byte   = 0x40
	optionForceSync        byte   = 0x20
)

// ACNPacketIdentifier is the fixed identifier at the start of every root layer.
var ACNPacketIdentifier = []byte{'A', 'S', 'C', '-', 'E', '1', '.', '1', '7', 0x00, 0x00, 0x00}

// ErrMalformedPacket is the root of every decode failure in this package.
var ErrMalformedPacket = errors.New("malformed sACN packet")

// ParseError reports where decoding stopped.
type ParseError struct {
	Message string
	Offset  int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sacn: %s at offset %d", e.Message, e.Offset)
}

func (e *ParseError) Unwrap() error { return ErrMalformedPacket }

// Kind identifies the framing layer carried by a packet.
type Kind int

const (
	KindUnknown Kind = iota
	KindData
	KindSync
)

// DataPacket is a decoded E1.31 data packet.
type DataPacket struct {
	CID              [16]byte
	SourceName       string
	Priority         uint8
	SyncAddress      uint16
	Sequence         uint8
	Preview          bool
	StreamTerminated bool
	ForceSync        bool
	Universe         uint16
	StartCode        uint8
	// Slots holds the number of data slots present; Data past Slots is zero.
	Slots int
	Data  [MaxSlots]byte
}

// SyncPacket is a decoded E1.31 universe synchronization packet.
type SyncPacket struct {
	CID         [16]byte
	Sequence    uint8
	SyncAddress uint16
}

func checkRoot(data []byte) (uint32, error) {
	if len(data) < 38 {
		return 0, &ParseError{Message: "packet shorter than root layer", Offset: len(data)}
	}
	if binary.BigEndian.Uint16(data[0:2]) != 0x0010 {
		return 0, &ParseError{Message: "bad preamble size", Offset: 0}
	}
	if !bytes.Equal(data[4:16], ACNPacketIdentifier) {
		return 0, &ParseError{Message: "bad ACN packet identifier", Offset: 4}
	}
	if pduLength(data[16:18]) != len(data)-16 {
		return 0, &ParseError{Message: "root layer length mismatch", Offset: 16}
	}
	return binary.BigEndian.Uint32(data[18:22]), nil
}

func pduLength(b []byte) int {
	return int(binary.BigEndian.Uint16(b) & 0x0FFF)
}

func putFlagsLength(b []byte, length int) {
	binary.BigEndian.PutUint16(b, 0x7000|uint16(length&0x0FFF))
}

// Detect validates the root layer and reports the packet kind.
func Detect(data []byte) (Kind, error) {
	vector, err := checkRoot(data)
	if err != nil {
		return KindUnknown, err
	}
	switch vector {
	case vectorRootData:
		return KindData, nil
	case vectorRootExtended:
		if len(data) >= 44 && binary.BigEndian.Uint32(data[40:44]) == vectorFramingSync {
			return KindSync, nil
		}
	}
	return KindUnknown, nil
}

// ParseDataPacket decodes an E1.31 data packet. Every layer length is checked
// against the datagram size.
func ParseDataPacket(data []byte) (*DataPacket, error) {
	vector, err := checkRoot(data)
	if err != nil {
		return nil, err
	}
	if vector != vectorRootData {
		return nil, &ParseError{Message: fmt.Sprintf("root vector 0x%08x is not data", vector), Offset: 18}
	}
	if len(data) < HeaderSize {
		return nil, &ParseError{Message: "truncated data packet header", Offset: len(data)}
	}
	if pduLength(data[38:40]) != len(data)-38 {
		return nil, &ParseError{Message: "framing layer length mismatch", Offset: 38}
	}
	if v := binary.BigEndian.Uint32(data[40:44]); v != vectorFramingData {
		return nil, &ParseError{Message: fmt.Sprintf("framing vector 0x%08x is not data", v), Offset: 40}
	}
	if pduLength(data[115:117]) != len(data)-115 {
		return nil, &ParseError{Message: "DMP layer length mismatch", Offset: 115}
	}
	if data[117] != vectorDMPSetProperty {
		return nil, &ParseError{Message: "bad DMP vector", Offset: 117}
	}
	if data[118] != dmpAddressAndDataType {
		return nil, &ParseError{Message: "bad DMP address and data type", Offset: 118}
	}

	count := int(binary.BigEndian.Uint16(data[123:125]))
	if count < 1 || count > MaxSlots+1 {
		return nil, &ParseError{Message: fmt.Sprintf("property value count %d out of range", count), Offset: 123}
	}
	if 125+count != len(data) {
		return nil, &ParseError{Message: "property value count disagrees with datagram", Offset: 123}
	}

	pkt := &DataPacket{
		SourceName:  strings.TrimRight(string(data[44:108]), "\x00"),
		Priority:    data[108],
		SyncAddress: binary.BigEndian.Uint16(data[109:111]),
		Sequence:    data[111],
		Universe:    binary.BigEndian.Uint16(data[113:115]),
		StartCode:   data[125],
		Slots:       count - 1,
	}
	copy(pkt.CID[:], data[22:38])
	options := data[112]
	pkt.Preview = options&optionPreviewData != 0
	pkt.StreamTerminated = options&optionStreamTerminated != 0
	pkt.ForceSync = options&optionForceSync != 0
	copy(pkt.Data[:], data[HeaderSize:])

	if pkt.Priority > MaxPriority {
		return nil, &ParseError{Message: fmt.Sprintf("priority %d above %d", pkt.Priority, MaxPriority), Offset: 108}
	}
	if pkt.Universe < MinUniverse || pkt.Universe > MaxUniverse {
		return nil, &ParseError{Message: fmt.Sprintf("universe %d out of range", pkt.Universe), Offset: 113}
	}
	return pkt, nil
}

// ParseSyncPacket decodes an E1.31 universe synchronization packet.
func ParseSyncPacket(data []byte) (*SyncPacket, error) {
	vector, err := checkRoot(data)
	if err != nil {
		return nil, err
	}
	if vector != vectorRootExtended {
		return nil, &ParseError{Message: fmt.Sprintf("root vector 0x%08x is not extended", vector), Offset: 18}
	}
	if len(data) < SyncPacketSize {
		return nil, &ParseError{Message: "truncated sync packet", Offset: len(data)}
	}
	if v := binary.BigEndian.Uint32(data[40:44]); v != vectorFramingSync {
		return nil, &ParseError{Message: fmt.Sprintf("framing vector 0x%08x is not sync", v), Offset: 40}
	}
	pkt := &SyncPacket{
		Sequence:    data[44],
		SyncAddress: binary.BigEndian.Uint16(data[45:47]),
	}
	copy(pkt.CID[:], data[22:38])
	return pkt, nil
}

// DataOptions describes an outbound data packet.
type DataOptions struct {
	CID              [16]byte
	SourceName       string
	Priority         uint8
	SyncAddress      uint16
	Sequence         uint8
	StreamTerminated bool
	Universe         uint16
}

// BuildDataPacket encodes a data packet with start code 0 and the given slots
// (at most 512).
func BuildDataPacket(opts DataOptions, slots []byte) []byte {
	if len(slots) > MaxSlots {
		slots = slots[:MaxSlots]
	}
	size := HeaderSize + len(slots)
	packet := make([]byte, size)

	binary.BigEndian.PutUint16(packet[0:2], 0x0010)
	copy(packet[4:16], ACNPacketIdentifier)
	putFlagsLength(packet[16:18], size-16)
	binary.BigEndian.PutUint32(packet[18:22], vectorRootData)
	copy(packet[22:38], opts.CID[:])

	putFlagsLength(packet[38:40], size-38)
	binary.BigEndian.PutUint32(packet[40:44], vectorFramingData)
	copy(packet[44:107], opts.SourceName)
	packet[108] = opts.Priority
	binary.BigEndian.PutUint16(packet[109:111], opts.SyncAddress)
	packet[111] = opts.Sequence
	if opts.StreamTerminated {
		packet[112] |= optionStreamTerminated
	}
	binary.BigEndian.PutUint16(packet[113:115], opts.Universe)

	putFlagsLength(packet[115:117], size-115)
	packet[117] = vectorDMPSetProperty
	packet[118] = dmpAddressAndDataType
	binary.BigEndian.PutUint16(packet[121:123], 1)
	binary.BigEndian.PutUint16(packet[123:125], uint16(len(slots)+1))
	copy(packet[HeaderSize:], slots)
	return packet
}

// BuildSyncPacket encodes a universe synchronization packet.
func BuildSyncPacket(cid [16]byte, sequence uint8, syncAddress uint16) []byte {
	packet := make([]byte, SyncPacketSize)
	binary.BigEndian.PutUint16(packet[0:2], 0x0010)
	copy(packet[4:16], ACNPacketIdentifier)
	putFlagsLength(packet[16:18], SyncPacketSize-16)
	binary.BigEndian.PutUint32(packet[18:22], vectorRootExtended)
	copy(packet[22:38], cid[:])
	putFlagsLength(packet[38:40], SyncPacketSize-38)
	binary.BigEndian.PutUint32(packet[40:44], vectorFramingSync)
	packet[44] = sequence
	binary.BigEndian.PutUint16(packet[45:47], syncAddress)
	return packet
}
