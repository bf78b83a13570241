package rdm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	wire "github.com/bbernstein/lacylights-node/pkg/rdm"
)

// MaxLabelLength is the longest DEVICE_LABEL accepted.
const MaxLabelLength = 32

// DeviceConfig is the persisted responder state.
type DeviceConfig struct {
	Label         string
	Personality   int
	Personalities int
}

// Responder answers requests addressed to this node's UID from a PID table.
type Responder struct {
	mu            sync.Mutex
	uid           wire.UID
	table         *wire.Table
	log           logrus.FieldLogger
	label         string
	personality   int
	personalities int
	identify      bool
	muted         bool
	onChange      func(DeviceConfig)
}

// NewResponder creates a responder for uid. Standard parameters are added to
// table; manufacturer parameters may be registered before or after.
func NewResponder(uid wire.UID, table *wire.Table, cfg DeviceConfig, log logrus.FieldLogger) *Responder {
	if table == nil {
		table = wire.NewTable()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Personalities < 1 {
		cfg.Personalities = 1
	}
	if cfg.Personality < 1 || cfg.Personality > cfg.Personalities {
		cfg.Personality = 1
	}
	if len(cfg.Label) > MaxLabelLength {
		cfg.Label = cfg.Label[:MaxLabelLength]
	}
	r := &Responder{
		uid:           uid,
		table:         table,
		log:           log.WithField("component", "rdm-responder"),
		label:         cfg.Label,
		personality:   cfg.Personality,
		personalities: cfg.Personalities,
	}
	r.registerStandard()
	return r
}

// UID returns the responder's unique id.
func (r *Responder) UID() wire.UID { return r.uid }

// Table returns the PID table.
func (r *Responder) Table() *wire.Table { return r.table }

// OnChange registers a callback for SET requests that change persisted state.
func (r *Responder) OnChange(fn func(DeviceConfig)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Config returns the persisted state.
func (r *Responder) Config() DeviceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configLocked()
}

// SetConfig replaces label and personality without notifying OnChange.
// Out-of-range values keep the current setting.
func (r *Responder) SetConfig(cfg DeviceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(cfg.Label) > MaxLabelLength {
		cfg.Label = cfg.Label[:MaxLabelLength]
	}
	r.label = cfg.Label
	if cfg.Personality >= 1 && cfg.Personality <= r.personalities {
		r.personality = cfg.Personality
	}
}

func (r *Responder) configLocked() DeviceConfig {
	return DeviceConfig{Label: r.label, Personality: r.personality, Personalities: r.personalities}
}

// Identify reports whether IDENTIFY_DEVICE is on.
func (r *Responder) Identify() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identify
}

// Muted reports whether discovery is muted.
func (r *Responder) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

func (r *Responder) changed() {
	r.mu.Lock()
	fn := r.onChange
	cfg := r.configLocked()
	r.mu.Unlock()
	if fn != nil {
		fn(cfg)
	}
}

func (r *Responder) registerStandard() {
	r.table.Register(wire.Parameter{
		Description: wire.ParameterDescription{PID: wire.PIDSupportedParameters, CommandClass: wire.CCGet, Description: "Supported parameters"},
		Get: func() ([]byte, error) {
			pids := r.table.PIDs()
			buf := make([]byte, 0, 2*len(pids))
			for _, pid := range pids {
				buf = binary.BigEndian.AppendUint16(buf, pid)
			}
			return buf, nil
		},
	})
	r.table.Register(wire.Parameter{
		Description: wire.ParameterDescription{
			PID:          wire.PIDDeviceLabel,
			PDLSize:      MaxLabelLength,
			DataType:     wire.DataTypeASCII,
			CommandClass: wire.CCGetSet,
			Description:  "Device label",
		},
		Get: func() ([]byte, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			return []byte(r.label), nil
		},
		Set: func(data []byte) error {
			if len(data) > MaxLabelLength {
				return wire.Nack(wire.NackFormatError, fmt.Errorf("label of %d bytes", len(data)))
			}
			r.mu.Lock()
			r.label = string(data)
			r.mu.Unlock()
			r.changed()
			return nil
		},
	})
	r.table.Register(wire.Parameter{
		Description: wire.ParameterDescription{
			PID:          wire.PIDDMXPersonality,
			PDLSize:      2,
			DataType:     wire.DataTypeUnsigned8,
			CommandClass: wire.CCGetSet,
			Min:          1,
			Max:          uint32(r.personalities),
			Default:      1,
			Description:  "DMX personality",
		},
		Get: func() ([]byte, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			return []byte{byte(r.personality), byte(r.personalities)}, nil
		},
		Set: func(data []byte) error {
			if len(data) != 1 {
				return wire.Nack(wire.NackFormatError, errors.New("personality takes one byte"))
			}
			r.mu.Lock()
			if int(data[0]) < 1 || int(data[0]) > r.personalities {
				r.mu.Unlock()
				return wire.Nack(wire.NackDataOutOfRange, fmt.Errorf("personality %d", data[0]))
			}
			r.personality = int(data[0])
			r.mu.Unlock()
			r.changed()
			return nil
		},
	})
	r.table.Register(wire.Parameter{
		Description: wire.ParameterDescription{
			PID:          wire.PIDIdentifyDevice,
			PDLSize:      1,
			DataType:     wire.DataTypeUnsigned8,
			CommandClass: wire.CCGetSet,
			Max:          1,
			Description:  "Identify device",
		},
		Get: func() ([]byte, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.identify {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		Set: func(data []byte) error {
			if len(data) != 1 {
				return wire.Nack(wire.NackFormatError, errors.New("identify takes one byte"))
			}
			if data[0] > 1 {
				return wire.Nack(wire.NackDataOutOfRange, fmt.Errorf("identify %d", data[0]))
			}
			r.mu.Lock()
			r.identify = data[0] == 1
			r.mu.Unlock()
			r.log.WithField("identify", data[0] == 1).Info("Identify changed")
			return nil
		},
	})
}

func (r *Responder) addressed(dest wire.UID) bool {
	if dest == r.uid || dest == wire.BroadcastUID {
		return true
	}
	return dest.Device() == 0xFFFFFFFF && dest.Manufacturer() == r.uid.Manufacturer()
}

func broadcast(dest wire.UID) bool {
	return dest.Device() == 0xFFFFFFFF
}

// HandleRaw answers an encoded request. A nil answer means nothing is sent:
// the request is for another device, was broadcast, or is a discovery branch
// this node stays silent for. Discovery answers are sent without a break.
func (r *Responder) HandleRaw(raw []byte) (resp []byte, withBreak bool, err error) {
	req, err := wire.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	if req.CommandClass.Response() || !r.addressed(req.Destination) {
		return nil, false, nil
	}
	if req.CommandClass == wire.DiscoveryCommand {
		return r.discovery(req)
	}
	f := r.Handle(req)
	if broadcast(req.Destination) {
		return nil, false, nil
	}
	out, err := f.Encode()
	return out, true, err
}

func (r *Responder) discovery(req *wire.Frame) ([]byte, bool, error) {
	switch req.PID {
	case wire.PIDDiscUniqueBranch:
		if len(req.Data) != 12 {
			return nil, false, nil
		}
		lower := wire.NewUID(binary.BigEndian.Uint16(req.Data[0:2]), binary.BigEndian.Uint32(req.Data[2:6]))
		upper := wire.NewUID(binary.BigEndian.Uint16(req.Data[6:8]), binary.BigEndian.Uint32(req.Data[8:12]))
		if r.Muted() || r.uid < lower || r.uid > upper {
			return nil, false, nil
		}
		return wire.EncodeDiscoveryResponse(r.uid), false, nil
	case wire.PIDDiscMute, wire.PIDDiscUnMute:
		r.mu.Lock()
		r.muted = req.PID == wire.PIDDiscMute
		r.mu.Unlock()
		if broadcast(req.Destination) {
			return nil, false, nil
		}
		resp := r.response(req)
		resp.Data = []byte{0x00, 0x00}
		out, err := resp.Encode()
		return out, true, err
	}
	return nil, false, nil
}

func (r *Responder) response(req *wire.Frame) *wire.Frame {
	return &wire.Frame{
		Destination:  req.Source,
		Source:       r.uid,
		Transaction:  req.Transaction,
		PortID:       wire.ResponseTypeAck,
		SubDevice:    req.SubDevice,
		CommandClass: req.CommandClass.ResponseClass(),
		PID:          req.PID,
	}
}

// Handle answers a decoded GET or SET. Failures become NACK responses carrying
// the E1.20 reason; an unknown PID is answered with NR_UNKNOWN_PID.
func (r *Responder) Handle(req *wire.Frame) *wire.Frame {
	resp := r.response(req)
	data, err := r.dispatch(req)
	if err != nil {
		reason := wire.NackHardwareFault
		var nack *wire.NackError
		if errors.As(err, &nack) {
			reason = nack.Reason
		}
		r.log.WithError(err).WithField("pid", fmt.Sprintf("0x%04x", req.PID)).Debug("NACK")
		resp.PortID = wire.ResponseTypeNackReason
		resp.Data = binary.BigEndian.AppendUint16(nil, uint16(reason))
		return resp
	}
	resp.Data = data
	return resp
}

func (r *Responder) dispatch(req *wire.Frame) ([]byte, error) {
	if req.SubDevice != 0 && req.SubDevice != 0xFFFF {
		return nil, wire.Nack(wire.NackSubDeviceOutOfRange, fmt.Errorf("sub-device %d", req.SubDevice))
	}
	if req.PID == wire.PIDParameterDescription && req.CommandClass == wire.GetCommand {
		if len(req.Data) != 2 {
			return nil, wire.Nack(wire.NackFormatError, errors.New("parameter description takes a PID"))
		}
		d, err := r.table.Description(binary.BigEndian.Uint16(req.Data))
		if err != nil {
			return nil, wire.Nack(wire.NackDataOutOfRange, err)
		}
		return d.Encode(), nil
	}
	p, err := r.table.Lookup(req.PID, req.CommandClass)
	if err != nil {
		return nil, err
	}
	if req.CommandClass == wire.GetCommand {
		return p.Get()
	}
	return nil, p.Set(req.Data)
}
