// Package monitor is an output that publishes merged frames for observation:
// in-process through pubsub and, when configured, to an MQTT broker.
package monitor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/services/pubsub"
	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
)

// Publisher sends a payload to a broker topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Config holds monitor settings.
type Config struct {
	// TopicPrefix is prepended to broker topics: <prefix>/port/<n>/frame.
	TopicPrefix string
	// MinInterval limits broker publishes per port; pubsub sees every change.
	MinInterval time.Duration
}

// Message is the broker payload for one frame.
type Message struct {
	Port  int       `json:"port"`
	Slots []int     `json:"slots"`
	At    time.Time `json:"at"`
}

// Monitor implements the bridge output capability without driving hardware.
type Monitor struct {
	cfg   Config
	bus   *pubsub.PubSub
	pub   Publisher
	clock scheduler.Clock
	log   logrus.FieldLogger

	mu      sync.Mutex
	running map[int]bool
	last    map[int]time.Time
	pending map[int][]byte
	errors  uint64
}

// New creates a monitor. bus and pub may each be nil.
func New(cfg Config, bus *pubsub.PubSub, pub Publisher, clock scheduler.Clock, log logrus.FieldLogger) *Monitor {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "lacylights"
	}
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		cfg:     cfg,
		bus:     bus,
		pub:     pub,
		clock:   clock,
		log:     log.WithField("component", "monitor"),
		running: make(map[int]bool),
		last:    make(map[int]time.Time),
		pending: make(map[int][]byte),
	}
}

// FrameTopic is the broker topic for a port.
func (m *Monitor) FrameTopic(port int) string {
	return fmt.Sprintf("%s/port/%d/frame", m.cfg.TopicPrefix, port)
}

// SetData publishes changed frames of running ports.
func (m *Monitor) SetData(port int, data []byte, changed bool) {
	if !changed {
		return
	}
	m.mu.Lock()
	if !m.running[port] {
		m.mu.Unlock()
		return
	}
	frame := append([]byte(nil), data...)
	now := m.clock.Now()
	send := m.pub != nil
	if send && m.cfg.MinInterval > 0 {
		if last, ok := m.last[port]; ok && now.Sub(last) < m.cfg.MinInterval {
			m.pending[port] = frame
			send = false
		}
	}
	if send {
		m.last[port] = now
		delete(m.pending, port)
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(pubsub.TopicPortFrame, strconv.Itoa(port), pubsub.FrameEvent{Port: port, Data: frame})
	}
	if send {
		m.publish(port, frame, now)
	}
}

// Run publishes frames held back by the rate limit once it allows.
func (m *Monitor) Run(now time.Time) {
	m.mu.Lock()
	var due []int
	for port := range m.pending {
		if now.Sub(m.last[port]) >= m.cfg.MinInterval {
			due = append(due, port)
		}
	}
	frames := make(map[int][]byte, len(due))
	for _, port := range due {
		frames[port] = m.pending[port]
		delete(m.pending, port)
		m.last[port] = now
	}
	m.mu.Unlock()
	for port, frame := range frames {
		m.publish(port, frame, now)
	}
}

func (m *Monitor) publish(port int, frame []byte, at time.Time) {
	slots := make([]int, len(frame))
	for i, v := range frame {
		slots[i] = int(v)
	}
	payload, err := json.Marshal(Message{Port: port, Slots: slots, At: at.UTC()})
	if err != nil {
		return
	}
	if err := m.pub.Publish(m.FrameTopic(port), payload); err != nil {
		m.mu.Lock()
		m.errors++
		m.mu.Unlock()
		m.log.WithError(err).WithField("port", port).Debug("Monitor publish failed")
	}
}

func (m *Monitor) Start(port int) {
	m.mu.Lock()
	m.running[port] = true
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(pubsub.TopicPortStatus, strconv.Itoa(port), map[string]interface{}{"port": port, "running": true})
	}
}

func (m *Monitor) Stop(port int) {
	m.mu.Lock()
	delete(m.running, port)
	delete(m.pending, port)
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(pubsub.TopicPortStatus, strconv.Itoa(port), map[string]interface{}{"port": port, "running": false})
	}
}

// Sync is a no-op; the monitor reports frames as they are staged.
func (m *Monitor) Sync() {}

// Errors counts failed broker publishes.
func (m *Monitor) Errors() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors
}
