package rdm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// NackReason is an E1.20 NACK reason code.
type NackReason uint16

const (
	NackUnknownPID              NackReason = 0x0000
	NackFormatError             NackReason = 0x0001
	NackHardwareFault           NackReason = 0x0002
	NackProxyReject             NackReason = 0x0003
	NackWriteProtect            NackReason = 0x0004
	NackUnsupportedCommandClass NackReason = 0x0005
	NackDataOutOfRange          NackReason = 0x0006
	NackBufferFull              NackReason = 0x0007
	NackPacketSizeUnsupported   NackReason = 0x0008
	NackSubDeviceOutOfRange     NackReason = 0x0009
	NackProxyBufferFull         NackReason = 0x000A
)

// Standard parameter ids handled by the responder.
const (
	PIDSupportedParameters  uint16 = 0x0050
	PIDParameterDescription uint16 = 0x0051
	PIDDeviceLabel          uint16 = 0x0082
	PIDDMXPersonality       uint16 = 0x00E0
	PIDIdentifyDevice       uint16 = 0x1000
)

// Manufacturer specific parameter ids for pixel outputs.
const (
	PIDPixelType  uint16 = 0x8500
	PIDPixelCount uint16 = 0x8501
)

// Parameter data types (E1.20 table A-15).
const (
	DataTypeNotDefined uint8 = 0x00
	DataTypeASCII      uint8 = 0x02
	DataTypeUnsigned8  uint8 = 0x03
	DataTypeUnsigned32 uint8 = 0x07
)

// Command class support bits for a parameter description.
const (
	CCGet    uint8 = 0x01
	CCSet    uint8 = 0x02
	CCGetSet uint8 = 0x03
)

var (
	// ErrUnknownPid is returned for a PID missing from the table.
	ErrUnknownPid = errors.New("unknown RDM parameter id")
	// ErrUnsupportedCommandClass is returned when a PID has no handler for the class.
	ErrUnsupportedCommandClass = errors.New("unsupported RDM command class")
)

// NackError carries the NACK reason to send back.
type NackError struct {
	Reason NackReason
	Err    error
}

func (e *NackError) Error() string {
	return fmt.Sprintf("nack 0x%04x: %v", uint16(e.Reason), e.Err)
}

func (e *NackError) Unwrap() error { return e.Err }

// Nack wraps err with a reason.
func Nack(reason NackReason, err error) error {
	return &NackError{Reason: reason, Err: err}
}

// ParameterDescription is the PARAMETER_DESCRIPTION payload for a PID.
type ParameterDescription struct {
	PID          uint16
	PDLSize      uint8
	DataType     uint8
	CommandClass uint8
	Unit         uint8
	Prefix       uint8
	Min          uint32
	Max          uint32
	Default      uint32
	Description  string
}

// Encode serializes the description as sent in a GET_RESPONSE.
func (d ParameterDescription) Encode() []byte {
	desc := d.Description
	if len(desc) > 32 {
		desc = desc[:32]
	}
	buf := make([]byte, 20, 20+len(desc))
	binary.BigEndian.PutUint16(buf[0:2], d.PID)
	buf[2] = d.PDLSize
	buf[3] = d.DataType
	buf[4] = d.CommandClass
	buf[5] = 0 // type, unused
	buf[6] = d.Unit
	buf[7] = d.Prefix
	binary.BigEndian.PutUint32(buf[8:12], d.Min)
	binary.BigEndian.PutUint32(buf[12:16], d.Max)
	binary.BigEndian.PutUint32(buf[16:20], d.Default)
	return append(buf, desc...)
}

// Getter returns the parameter data for a GET.
type Getter func() ([]byte, error)

// Setter applies the parameter data of a SET.
type Setter func(data []byte) error

// Parameter binds a PID to its metadata and accessors.
type Parameter struct {
	Description ParameterDescription
	Get         Getter
	Set         Setter
}

// Table is a pluggable PID lookup.
type Table struct {
	mu     sync.RWMutex
	params map[uint16]Parameter
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{params: make(map[uint16]Parameter)}
}

// Register adds or replaces a parameter.
func (t *Table) Register(p Parameter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[p.Description.PID] = p
}

// Lookup returns the parameter for pid if it supports cc. Unknown PIDs fail with
// ErrUnknownPid and reason NackUnknownPID.
func (t *Table) Lookup(pid uint16, cc CommandClass) (Parameter, error) {
	t.mu.RLock()
	p, ok := t.params[pid]
	t.mu.RUnlock()
	if !ok {
		return Parameter{}, Nack(NackUnknownPID, fmt.Errorf("%w: 0x%04x", ErrUnknownPid, pid))
	}
	switch cc {
	case GetCommand:
		if p.Get == nil {
			return Parameter{}, Nack(NackUnsupportedCommandClass, fmt.Errorf("%w: GET 0x%04x", ErrUnsupportedCommandClass, pid))
		}
		return p, nil
	case SetCommand:
		if p.Set == nil {
			return Parameter{}, Nack(NackUnsupportedCommandClass, fmt.Errorf("%w: SET 0x%04x", ErrUnsupportedCommandClass, pid))
		}
		return p, nil
	}
	return Parameter{}, Nack(NackUnsupportedCommandClass, fmt.Errorf("%w: %s", ErrUnsupportedCommandClass, cc))
}

// Description returns the metadata for pid.
func (t *Table) Description(pid uint16) (ParameterDescription, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.params[pid]
	if !ok {
		return ParameterDescription{}, Nack(NackUnknownPID, fmt.Errorf("%w: 0x%04x", ErrUnknownPid, pid))
	}
	return p.Description, nil
}

// PIDs returns the registered ids in ascending order.
func (t *Table) PIDs() []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pids := make([]uint16, 0, len(t.params))
	for pid := range t.params {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// PixelInfo supplies the values behind the manufacturer pixel PIDs.
type PixelInfo interface {
	PixelType() string
	PixelCount() uint32
}

// RegisterPixelPIDs adds the manufacturer pixel type and count parameters.
func RegisterPixelPIDs(t *Table, info PixelInfo) {
	t.Register(Parameter{
		Description: ParameterDescription{
			PID:          PIDPixelType,
			PDLSize:      32,
			DataType:     DataTypeASCII,
			CommandClass: CCGet,
			Description:  "Pixel type",
		},
		Get: func() ([]byte, error) {
			return []byte(info.PixelType()), nil
		},
	})
	t.Register(Parameter{
		Description: ParameterDescription{
			PID:          PIDPixelCount,
			PDLSize:      4,
			DataType:     DataTypeUnsigned32,
			CommandClass: CCGet,
			Min:          1,
			Max:          680,
			Default:      170,
			Description:  "Pixel count",
		},
		Get: func() ([]byte, error) {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, info.PixelCount())
			return buf, nil
		},
	})
}
