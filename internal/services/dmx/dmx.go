// Package dmx drives DMX512 ports: transmit and receive timing, port
// direction, output style and per-port statistics.
package dmx

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
)

// MaxPorts is the largest number of ports a node drives.
const MaxPorts = 32

// Config holds DMX service configuration.
type Config struct {
	Ports []PortConfig
	// Synchronous holds frames until Sync releases them.
	Synchronous bool
}

// DefaultConfig returns a single continuous output port with typical timing.
func DefaultConfig() Config {
	return Config{
		Ports: []PortConfig{{
			Direction: Output,
			Style:     Continuous,
			Timing:    DefaultTiming(),
		}},
	}
}

// Service owns every port. It satisfies the output sink contract used by the
// protocol bridge (SetData, Start, Stop, Sync).
type Service struct {
	mu          sync.RWMutex
	ports       []*Port
	sched       *scheduler.Scheduler
	log         logrus.FieldLogger
	synchronous bool
}

// NewService creates the ports. Timing values outside protocol limits are
// clamped and logged; the service is still usable.
func NewService(cfg Config, sched *scheduler.Scheduler, log logrus.FieldLogger) (*Service, error) {
	if len(cfg.Ports) > MaxPorts {
		return nil, fmt.Errorf("%d ports configured, at most %d supported", len(cfg.Ports), MaxPorts)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Service{
		sched:       sched,
		log:         log.WithField("component", "dmx"),
		synchronous: cfg.Synchronous,
	}
	for i, pc := range cfg.Ports {
		if pc.Timing == (Timing{}) {
			pc.Timing = DefaultTiming()
		}
		p, err := newPort(i, pc, sched, s.log)
		if err != nil {
			s.log.WithError(err).WithField("port", i).Warn("Port timing clamped")
		}
		p.synchronous = cfg.Synchronous
		s.ports = append(s.ports, p)
	}
	s.log.Infof("🎭 DMX service initialized with %d ports", len(s.ports))
	return s, nil
}

// Port returns a port by index.
func (s *Service) Port(i int) (*Port, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.ports) {
		return nil, fmt.Errorf("port %d out of range 0-%d", i, len(s.ports)-1)
	}
	return s.ports[i], nil
}

// Ports returns every port.
func (s *Service) Ports() []*Port {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Port(nil), s.ports...)
}

// OnFrame registers the consumer of frames received on input ports.
func (s *Service) OnFrame(fn func(port int, f Frame, changed bool)) {
	for _, p := range s.Ports() {
		p.mu.Lock()
		p.onFrame = fn
		p.mu.Unlock()
	}
}

// OnRDM registers the consumer of RDM messages received on a suspended port.
func (s *Service) OnRDM(fn func(port int, raw []byte)) {
	for _, p := range s.Ports() {
		p.mu.Lock()
		p.onRDM = fn
		p.mu.Unlock()
	}
}

// SetData stages a frame for an output port.
func (s *Service) SetData(port int, data []byte, changed bool) {
	p, err := s.Port(port)
	if err != nil {
		s.log.WithError(err).Debug("SetData ignored")
		return
	}
	if err := p.SetFrame(data, changed); err != nil {
		s.log.WithError(err).WithField("port", port).Warn("SetData rejected")
	}
}

// Start starts one port's role.
func (s *Service) Start(port int) {
	if p, err := s.Port(port); err == nil {
		p.Start()
	}
}

// Stop stops one port's role.
func (s *Service) Stop(port int) {
	if p, err := s.Port(port); err == nil {
		p.Stop()
	}
}

// StartAll starts every port.
func (s *Service) StartAll() {
	for _, p := range s.Ports() {
		p.Start()
	}
}

// StopAll stops every port.
func (s *Service) StopAll() {
	for _, p := range s.Ports() {
		p.Stop()
	}
	s.log.Info("🎭 DMX service stopped")
}

// SetSynchronous turns frame holding on or off for every port. Turning it off
// releases anything held.
func (s *Service) SetSynchronous(on bool) {
	s.mu.Lock()
	s.synchronous = on
	s.mu.Unlock()
	for _, p := range s.Ports() {
		p.setSynchronous(on)
	}
}

// Synchronous reports whether frames are held until Sync.
func (s *Service) Synchronous() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synchronous
}

// Sync releases held frames on every port together; each goes out at its
// port's next frame boundary.
func (s *Service) Sync() {
	for _, p := range s.Ports() {
		p.release()
	}
}

// Blackout sets every slot of every output port to 0 and transmits at once,
// regardless of output style.
func (s *Service) Blackout() {
	s.fillOutputs(0x00)
	s.log.Warn("Blackout")
}

// FullOn sets every slot of every output port to 255 and transmits at once.
func (s *Service) FullOn() {
	s.fillOutputs(0xFF)
	s.log.Warn("Full on")
}

func (s *Service) fillOutputs(v byte) {
	for _, p := range s.Ports() {
		if p.Direction() == Output {
			p.fill(v)
		}
	}
}

// SetPortDirection requests a direction change; see Port.SetDirection.
func (s *Service) SetPortDirection(port int, d Direction) error {
	p, err := s.Port(port)
	if err != nil {
		return err
	}
	p.SetDirection(d)
	return nil
}

// GetPortDirection returns the direction in effect on a port.
func (s *Service) GetPortDirection(port int) (Direction, error) {
	p, err := s.Port(port)
	if err != nil {
		return Output, err
	}
	return p.Direction(), nil
}

// GetActiveInputPorts counts running input ports.
func (s *Service) GetActiveInputPorts() int {
	return s.countActive(Input)
}

// GetActiveOutputPorts counts running output ports.
func (s *Service) GetActiveOutputPorts() int {
	return s.countActive(Output)
}

func (s *Service) countActive(d Direction) int {
	n := 0
	for _, p := range s.Ports() {
		if p.Running() && p.Direction() == d {
			n++
		}
	}
	return n
}

// Status returns a snapshot of every port.
func (s *Service) Status() []Status {
	ports := s.Ports()
	out := make([]Status, 0, len(ports))
	for _, p := range ports {
		out = append(out, p.Status())
	}
	return out
}

// Run performs per-port deadline checks; timed transitions themselves run
// from the scheduler. Receive errors from every port are joined.
func (s *Service) Run(now time.Time) error {
	var errs []error
	for _, p := range s.Ports() {
		if err := p.Run(now); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", p.Index(), err))
		}
	}
	return errors.Join(errs...)
}
