// Package forward re-transmits merged port output to Art-Net nodes discovered
// by an Art-Net controller.
package forward

import (
	"fmt"
	"net"
	"sync"

	"github.com/Haba1234/go-artnet"
	"github.com/sirupsen/logrus"
)

// Sender sends a universe to every node listening on an address.
// *artnet.Controller satisfies it.
type Sender interface {
	SendDMXToAddress(dmx [512]byte, address artnet.Address)
}

// Config maps bridge ports to Art-Net port addresses.
type Config struct {
	Name  string
	IP    net.IP
	Ports map[int]uint16
	// MaxFPS caps the controller's refresh of unchanged universes.
	MaxFPS int
}

// Output forwards port frames through a Sender.
type Output struct {
	mu     sync.Mutex
	cfg    Config
	sender Sender
	stop   func()
	log    logrus.FieldLogger

	running     map[int]bool
	synchronous bool
	staged      map[int][512]byte
	sent        uint64
}

// Start creates and starts a go-artnet controller bound to cfg.IP.
func Start(cfg Config, log logrus.FieldLogger) (*Output, error) {
	if cfg.MaxFPS <= 0 {
		cfg.MaxFPS = 40
	}
	c := artnet.NewController(cfg.Name, cfg.IP, artnet.NewDefaultLogger("info"), artnet.MaxFPS(cfg.MaxFPS))
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start Art-Net controller: %w", err)
	}
	o := New(cfg, c, log)
	o.stop = c.Stop
	o.log.WithField("ports", len(cfg.Ports)).Infof("📡 Forwarding to Art-Net nodes from %s", cfg.IP)
	return o, nil
}

// New returns an output sending through s.
func New(cfg Config, s Sender, log logrus.FieldLogger) *Output {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Output{
		cfg:     cfg,
		sender:  s,
		log:     log.WithField("component", "forward"),
		running: make(map[int]bool),
		staged:  make(map[int][512]byte),
	}
}

// Address splits a 15-bit port address the way go-artnet expects: net in the
// high byte, sub-net and universe in the low byte.
func Address(universe uint16) artnet.Address {
	return artnet.Address{Net: uint8(universe>>8) & 0x7F, SubUni: uint8(universe)}
}

func (o *Output) SetData(port int, data []byte, changed bool) {
	universe, ok := o.cfg.Ports[port]
	if !ok || !changed {
		return
	}
	var frame [512]byte
	copy(frame[:], data)

	o.mu.Lock()
	if !o.running[port] {
		o.mu.Unlock()
		return
	}
	if o.synchronous {
		o.staged[port] = frame
		o.mu.Unlock()
		return
	}
	o.sent++
	o.mu.Unlock()
	o.sender.SendDMXToAddress(frame, Address(universe))
}

func (o *Output) Start(port int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.cfg.Ports[port]; ok {
		o.running[port] = true
	}
}

func (o *Output) Stop(port int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, port)
	delete(o.staged, port)
}

// SetSynchronous holds frames until Sync.
func (o *Output) SetSynchronous(on bool) {
	o.mu.Lock()
	o.synchronous = on
	o.mu.Unlock()
	if !on {
		o.Sync()
	}
}

// Sync sends every staged frame.
func (o *Output) Sync() {
	o.mu.Lock()
	staged := o.staged
	o.staged = make(map[int][512]byte)
	o.sent += uint64(len(staged))
	o.mu.Unlock()
	for port, frame := range staged {
		o.sender.SendDMXToAddress(frame, Address(o.cfg.Ports[port]))
	}
}

// Sent counts forwarded frames.
func (o *Output) Sent() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}

// Close stops the controller started by Start.
func (o *Output) Close() {
	if o.stop != nil {
		o.stop()
	}
}
