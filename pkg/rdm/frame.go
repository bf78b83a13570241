// Package rdm provides RDM (ANSI E1.20) frame encoding and decoding.
package rdm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// StartCode is the DMX alternate start code for RDM.
	StartCode byte = 0xCC
	// SubStartCode follows the start code in every RDM message.
	SubStartCode byte = 0x01
	// HeaderSize is the number of bytes before parameter data.
	HeaderSize = 24
	// MaxParameterData is the largest PDL.
	MaxParameterData = 231
	// ChecksumSize is the size of the trailing additive checksum.
	ChecksumSize = 2
)

// CommandClass is the RDM command class byte.
type CommandClass byte

const (
	DiscoveryCommand         CommandClass = 0x10
	DiscoveryCommandResponse CommandClass = 0x11
	GetCommand               CommandClass = 0x20
	GetCommandResponse       CommandClass = 0x21
	SetCommand               CommandClass = 0x30
	SetCommandResponse       CommandClass = 0x31
)

// Response reports whether cc is a responder-to-controller class.
func (cc CommandClass) Response() bool { return cc&0x01 != 0 }

// ResponseClass returns the class a responder answers cc with.
func (cc CommandClass) ResponseClass() CommandClass { return cc | 0x01 }

func (cc CommandClass) String() string {
	switch cc {
	case DiscoveryCommand:
		return "DISCOVERY"
	case DiscoveryCommandResponse:
		return "DISCOVERY_RESPONSE"
	case GetCommand:
		return "GET"
	case GetCommandResponse:
		return "GET_RESPONSE"
	case SetCommand:
		return "SET"
	case SetCommandResponse:
		return "SET_RESPONSE"
	}
	return fmt.Sprintf("CC(0x%02x)", byte(cc))
}

// Response types carried in the port id field of responses.
const (
	ResponseTypeAck         byte = 0x00
	ResponseTypeAckTimer    byte = 0x01
	ResponseTypeNackReason  byte = 0x02
	ResponseTypeAckOverflow byte = 0x03
)

var (
	// ErrMalformedFrame is the root of every frame decode failure.
	ErrMalformedFrame = errors.New("malformed RDM frame")
	// ErrChecksumMismatch is returned when the trailing checksum is wrong.
	ErrChecksumMismatch = errors.New("RDM checksum mismatch")
)

// UID is a 48-bit RDM unique id: 16-bit manufacturer, 32-bit device.
type UID uint64

// BroadcastUID addresses every device.
const BroadcastUID UID = 0xFFFFFFFFFFFF

// NewUID builds a UID from its parts.
func NewUID(manufacturer uint16, device uint32) UID {
	return UID(uint64(manufacturer)<<32 | uint64(device))
}

// Manufacturer returns the ESTA manufacturer id.
func (u UID) Manufacturer() uint16 { return uint16(u >> 32) }

// Device returns the device id.
func (u UID) Device() uint32 { return uint32(u) }

func (u UID) String() string {
	return fmt.Sprintf("%04x:%08x", u.Manufacturer(), u.Device())
}

// ParseUID accepts the "mmmm:dddddddd" hex form.
func ParseUID(s string) (UID, error) {
	man, dev, ok := strings.Cut(s, ":")
	if !ok || len(man) != 4 || len(dev) != 8 {
		return 0, fmt.Errorf("invalid UID %q", s)
	}
	m, err := strconv.ParseUint(man, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid UID manufacturer %q: %w", man, err)
	}
	d, err := strconv.ParseUint(dev, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid UID device %q: %w", dev, err)
	}
	return NewUID(uint16(m), uint32(d)), nil
}

func putUID(b []byte, u UID) {
	binary.BigEndian.PutUint16(b[0:2], u.Manufacturer())
	binary.BigEndian.PutUint32(b[2:6], u.Device())
}

func readUID(b []byte) UID {
	return NewUID(binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint32(b[2:6]))
}

// Frame is a validated RDM message.
type Frame struct {
	Destination  UID
	Source       UID
	Transaction  uint8
	PortID       uint8 // response type in responses
	MessageCount uint8
	SubDevice    uint16
	CommandClass CommandClass
	PID          uint16
	Data         []byte
}

// Checksum is the 16-bit additive sum of b.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return sum
}

// Encode serializes the frame including start code and checksum.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Data) > MaxParameterData {
		return nil, fmt.Errorf("%w: parameter data length %d", ErrMalformedFrame, len(f.Data))
	}
	length := HeaderSize + len(f.Data)
	buf := make([]byte, length+ChecksumSize)
	buf[0] = StartCode
	buf[1] = SubStartCode
	buf[2] = byte(length)
	putUID(buf[3:9], f.Destination)
	putUID(buf[9:15], f.Source)
	buf[15] = f.Transaction
	buf[16] = f.PortID
	buf[17] = f.MessageCount
	binary.BigEndian.PutUint16(buf[18:20], f.SubDevice)
	buf[20] = byte(f.CommandClass)
	binary.BigEndian.PutUint16(buf[21:23], f.PID)
	buf[23] = byte(len(f.Data))
	copy(buf[HeaderSize:], f.Data)
	binary.BigEndian.PutUint16(buf[length:], Checksum(buf[:length]))
	return buf, nil
}

// Decode validates and decodes a frame starting with the RDM start code.
// Length fields are checked against the buffer, never trusted.
func Decode(b []byte) (*Frame, error) {
	if len(b) < HeaderSize+ChecksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	if b[0] != StartCode || b[1] != SubStartCode {
		return nil, fmt.Errorf("%w: start code %02x/%02x", ErrMalformedFrame, b[0], b[1])
	}
	length := int(b[2])
	if length < HeaderSize || length+ChecksumSize > len(b) {
		return nil, fmt.Errorf("%w: message length %d", ErrMalformedFrame, length)
	}
	pdl := int(b[23])
	if HeaderSize+pdl != length {
		return nil, fmt.Errorf("%w: parameter data length %d disagrees with message length %d", ErrMalformedFrame, pdl, length)
	}
	want := binary.BigEndian.Uint16(b[length : length+ChecksumSize])
	if got := Checksum(b[:length]); got != want {
		return nil, fmt.Errorf("%w: got 0x%04x, frame says 0x%04x", ErrChecksumMismatch, got, want)
	}
	f := &Frame{
		Destination:  readUID(b[3:9]),
		Source:       readUID(b[9:15]),
		Transaction:  b[15],
		PortID:       b[16],
		MessageCount: b[17],
		SubDevice:    binary.BigEndian.Uint16(b[18:20]),
		CommandClass: CommandClass(b[20]),
		PID:          binary.BigEndian.Uint16(b[21:23]),
	}
	if pdl > 0 {
		f.Data = append([]byte(nil), b[HeaderSize:length]...)
	}
	return f, nil
}

// SetTransaction rewrites the transaction number of an encoded frame in place
// and fixes up the checksum.
func SetTransaction(b []byte, tn uint8) error {
	if len(b) < HeaderSize+ChecksumSize || b[0] != StartCode {
		return fmt.Errorf("%w: not an RDM frame", ErrMalformedFrame)
	}
	length := int(b[2])
	if length < HeaderSize || length+ChecksumSize > len(b) {
		return fmt.Errorf("%w: message length %d", ErrMalformedFrame, length)
	}
	b[15] = tn
	binary.BigEndian.PutUint16(b[length:], Checksum(b[:length]))
	return nil
}
