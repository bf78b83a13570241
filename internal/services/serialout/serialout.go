// Package serialout sends merged universes to a USB DMX interface speaking the
// Enttec DMX USB Pro widget protocol.
package serialout

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

const (
	startDelimiter = 0x7E
	endDelimiter   = 0xE7
	// labelSendDMX is the "Output Only Send DMX Packet" request.
	labelSendDMX = 6
	// DefaultBaud is accepted by every widget; the USB side ignores it.
	DefaultBaud = 57600
)

// ErrFrameTooLong is returned for more than 512 slots.
var ErrFrameTooLong = errors.New("frame longer than 512 slots")

// Config selects the device and the bridge port it carries.
type Config struct {
	Device string
	Baud   int
	Port   int
}

// Output writes one bridge port to a widget.
type Output struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	cfg Config
	log logrus.FieldLogger

	running     bool
	synchronous bool
	staged      []byte
	pending     bool
	sent        bool
	packets     uint64
}

// Open opens the serial device and returns an output writing to it.
func Open(cfg Config, log logrus.FieldLogger) (*Output, error) {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	o := New(port, cfg, log)
	o.c = port
	o.log.Infof("🔌 DMX widget on %s carries port %d", cfg.Device, cfg.Port)
	return o, nil
}

// New returns an output writing widget packets to w.
func New(w io.Writer, cfg Config, log logrus.FieldLogger) *Output {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Output{
		w:   w,
		cfg: cfg,
		log: log.WithFields(logrus.Fields{"component": "serialout", "port": cfg.Port}),
	}
}

// Encode wraps a DMX frame, start code included, in a widget packet.
func Encode(frame []byte) ([]byte, error) {
	if len(frame) > 513 {
		return nil, ErrFrameTooLong
	}
	pkt := make([]byte, 0, len(frame)+5)
	pkt = append(pkt, startDelimiter, labelSendDMX, byte(len(frame)), byte(len(frame)>>8))
	pkt = append(pkt, frame...)
	return append(pkt, endDelimiter), nil
}

// SetData sends the frame when it changed, or when nothing was sent yet.
func (o *Output) SetData(port int, data []byte, changed bool) {
	if port != o.cfg.Port {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || (!changed && o.sent) {
		return
	}
	if len(data) > 512 {
		o.log.WithField("slots", len(data)).Warn("Frame too long, dropped")
		return
	}
	o.staged = append(o.staged[:0], 0x00)
	o.staged = append(o.staged, data...)
	if o.synchronous {
		o.pending = true
		return
	}
	o.writeLocked()
}

func (o *Output) writeLocked() {
	pkt, err := Encode(o.staged)
	if err != nil {
		o.log.WithError(err).Warn("Encode failed")
		return
	}
	if _, err := o.w.Write(pkt); err != nil {
		o.log.WithError(err).Warn("Widget write failed")
		return
	}
	o.pending = false
	o.sent = true
	o.packets++
}

func (o *Output) Start(port int) {
	if port != o.cfg.Port {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = true
	o.sent = false
}

// Stop sends a blackout before going quiet.
func (o *Output) Stop(port int) {
	if port != o.cfg.Port {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	o.staged = make([]byte, 513)
	o.writeLocked()
}

// SetSynchronous holds frames until Sync.
func (o *Output) SetSynchronous(on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.synchronous = on
	if !on && o.pending {
		o.writeLocked()
	}
}

func (o *Output) Sync() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending {
		o.writeLocked()
	}
}

// Packets counts widget packets written.
func (o *Output) Packets() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.packets
}

// Close closes the serial device when Open created it.
func (o *Output) Close() error {
	if o.c == nil {
		return nil
	}
	return o.c.Close()
}
