// Package node builds a running DMX node from configuration: ports, line
// drivers, the RDM layer, the network bridge and its outputs.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/config"
	"github.com/bbernstein/lacylights-node/internal/services/bridge"
	"github.com/bbernstein/lacylights-node/internal/services/dmx"
	"github.com/bbernstein/lacylights-node/internal/services/forward"
	"github.com/bbernstein/lacylights-node/internal/services/merge"
	"github.com/bbernstein/lacylights-node/internal/services/monitor"
	"github.com/bbernstein/lacylights-node/internal/services/network"
	"github.com/bbernstein/lacylights-node/internal/services/pixel"
	"github.com/bbernstein/lacylights-node/internal/services/pubsub"
	"github.com/bbernstein/lacylights-node/internal/services/rdm"
	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
	"github.com/bbernstein/lacylights-node/internal/services/serialout"
	"github.com/bbernstein/lacylights-node/internal/services/uart"
	"github.com/bbernstein/lacylights-node/internal/services/version"
	"github.com/bbernstein/lacylights-node/pkg/identity"
	wire "github.com/bbernstein/lacylights-node/pkg/rdm"
)

// devicePersonalities is the number of RDM personalities the node offers.
const devicePersonalities = 1

// Store persists parameter documents.
type Store interface {
	SaveProperties(ctx context.Context, name string, props config.Properties) error
}

// Options configure New.
type Options struct {
	Config *config.Config
	Params config.NodeParams
	// Layout defaults to config.DefaultLayout.
	Layout *config.Layout
	// Store may be nil; parameter changes are then kept in memory only.
	Store Store
	Clock scheduler.Clock
	Bus   *pubsub.PubSub
	Log   logrus.FieldLogger
}

// Node owns every component of a running node. Protocol handling, port timing
// and RDM all run on the goroutine calling Run.
type Node struct {
	cfg     *config.Config
	layout  *config.Layout
	store   Store
	clock   scheduler.Clock
	log     logrus.FieldLogger
	binding network.Binding

	sched     *scheduler.Scheduler
	bus       *pubsub.PubSub
	dmx       *dmx.Service
	lines     []*uart.Driver
	rdm       *rdm.Layer
	responder *rdm.Responder
	outputs   *bridge.Fanout
	pixel     *pixel.Driver
	monitor   *monitor.Monitor
	bridge    *bridge.Bridge
	transport *bridge.Transport

	mu       sync.Mutex
	params   config.NodeParams
	updateMu sync.Mutex

	closers      []func() error
	shutdownOnce sync.Once
}

// New builds the node. Nothing is transmitted until Start.
func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("node needs a config")
	}
	if opts.Layout == nil {
		opts.Layout = config.DefaultLayout()
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Bus == nil {
		opts.Bus = pubsub.New()
	}

	n := &Node{
		cfg:    opts.Config,
		layout: opts.Layout,
		store:  opts.Store,
		clock:  opts.Clock,
		log:    opts.Log.WithField("component", "node"),
		bus:    opts.Bus,
		params: opts.Params,
		sched:  scheduler.New(opts.Clock),
	}

	binding, err := network.Resolve(n.cfg.NodeInterface)
	if err != nil {
		n.log.WithError(err).Warn("Falling back to loopback")
		binding = network.Loopback
	}
	n.binding = binding

	if err := n.build(ctx, opts.Log); err != nil {
		n.closeAll()
		return nil, err
	}
	n.log.WithFields(logrus.Fields{
		"interface": binding.Interface,
		"ip":        binding.IP.String(),
		"ports":     len(n.layout.Ports),
	}).Info("🚀 Node ready")
	return n, nil
}

func (n *Node) build(ctx context.Context, log logrus.FieldLogger) error {
	if err := n.buildPorts(log); err != nil {
		return err
	}
	if err := n.buildRDM(log); err != nil {
		return err
	}
	if err := n.buildOutputs(ctx, log); err != nil {
		return err
	}
	if err := n.buildBridge(log); err != nil {
		return err
	}

	n.dmx.OnRDM(n.rdm.Deliver)
	n.dmx.OnFrame(n.inputFrame)
	return nil
}

func (n *Node) buildPorts(log logrus.FieldLogger) error {
	timing := sendTiming(n.params.Send)
	ports := make([]dmx.PortConfig, len(n.layout.Ports))
	n.lines = make([]*uart.Driver, len(n.layout.Ports))
	for i, pl := range n.layout.Ports {
		dir, _ := dmx.ParseDirection(pl.Direction)
		if pl.Direction == "" {
			dir = dmx.Output
		}
		style, _ := dmx.ParseOutputStyle(pl.Style)
		if pl.Style == "" && (n.params.E131.DirectUpdate || n.params.ArtNet.DirectUpdate) {
			style = dmx.OnChange
		}
		pc := dmx.PortConfig{Direction: dir, Style: style, Timing: timing, Line: dmx.NopLine{}}

		if pl.Driver == "uart" {
			de := -1
			if pl.DEPin != nil {
				de = *pl.DEPin
			}
			line, err := uart.Open(uart.Config{Device: pl.Device, DEPin: de, DEActiveLow: pl.DEActiveLow}, n.clock, log)
			if err != nil {
				return fmt.Errorf("port %d: %w", i, err)
			}
			n.lines[i] = line
			n.closers = append(n.closers, line.Close)
			pc.Line = line
		}
		ports[i] = pc
	}

	svc, err := dmx.NewService(dmx.Config{Ports: ports}, n.sched, log)
	if err != nil {
		return err
	}
	n.dmx = svc
	return nil
}

func (n *Node) buildRDM(log logrus.FieldLogger) error {
	uid, err := wire.ParseUID(n.cfg.NodeUID)
	if err != nil {
		return fmt.Errorf("node UID: %w", err)
	}
	n.rdm = rdm.NewLayer(rdm.Config{Source: uid}, n.sched, log)
	for _, p := range n.dmx.Ports() {
		n.rdm.Attach(p.Index(), p)
	}

	table := wire.NewTable()
	if pl := n.layout.Pixel; pl != nil {
		if err := n.openPixel(pl, log); err != nil {
			return err
		}
		wire.RegisterPixelPIDs(table, n.pixel)
	}
	n.responder = rdm.NewResponder(uid, table, rdm.DeviceConfig{
		Label:         n.params.Device.Label,
		Personality:   n.params.Device.Personality,
		Personalities: devicePersonalities,
	}, log)
	n.responder.OnChange(n.deviceChanged)
	n.rdm.SetResponder(n.responder)
	return nil
}

func (n *Node) openPixel(pl *config.PixelLayout, log logrus.FieldLogger) error {
	typ, err := pixel.ParseType(pl.Type)
	if err != nil {
		return err
	}
	pattern, err := pixel.ParsePattern(pl.TestPattern)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(pl.Device, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open pixel device: %w", err)
	}
	n.closers = append(n.closers, f.Close)
	d, err := pixel.New(f, pixel.Config{
		Type:        typ,
		Map:         pixel.Map(pl.Map),
		Count:       pl.Count,
		Ports:       pl.Ports,
		Brightness:  pl.Brightness,
		TestPattern: pattern,
	}, log)
	if err != nil {
		return err
	}
	n.pixel = d
	return nil
}

func (n *Node) buildOutputs(ctx context.Context, log logrus.FieldLogger) error {
	n.outputs = bridge.NewFanout(n.dmx)
	if n.pixel != nil {
		n.outputs.Add(n.pixel)
	}

	if sl := n.layout.Serial; sl != nil {
		out, err := serialout.Open(serialout.Config{Device: sl.Device, Baud: sl.Baud, Port: sl.Port}, log)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, out.Close)
		n.outputs.Add(out)
	}

	var pub monitor.Publisher
	if n.cfg.MQTTEnabled {
		mq, err := monitor.DialMQTT(ctx, monitor.MQTTConfig{
			Broker:   n.cfg.MQTTBroker,
			Username: n.cfg.MQTTUsername,
			Password: n.cfg.MQTTPassword,
		}, log)
		if err != nil {
			n.log.WithError(err).Warn("MQTT monitor disabled")
		} else {
			pub = mq
			n.closers = append(n.closers, func() error { mq.Close(); return nil })
		}
	}
	n.monitor = monitor.New(monitor.Config{TopicPrefix: n.cfg.MQTTTopicPrefix, MinInterval: n.cfg.MQTTInterval}, n.bus, pub, n.clock, log)
	n.outputs.Add(n.monitor)

	if n.cfg.ForwardEnabled && len(n.layout.Forward) > 0 {
		ip := n.binding.IP
		if n.cfg.ForwardIP != "" {
			if ip = net.ParseIP(n.cfg.ForwardIP); ip == nil {
				return fmt.Errorf("forward IP %q is not an address", n.cfg.ForwardIP)
			}
		}
		ports := make(map[int]uint16, len(n.layout.Forward))
		for _, f := range n.layout.Forward {
			ports[f.Port] = f.Universe
		}
		fwd, err := forward.Start(forward.Config{Name: n.cfg.NodeShortName, IP: ip, Ports: ports, MaxFPS: n.cfg.ForwardMaxFPS}, log)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, func() error { fwd.Close(); return nil })
		n.outputs.Add(fwd)
	}
	return nil
}

func (n *Node) buildBridge(log logrus.FieldLogger) error {
	bindings := make([]bridge.Binding, 0, len(n.layout.Bindings))
	for _, bl := range n.layout.Bindings {
		proto, err := bridge.ParseProtocol(bl.Protocol)
		if err != nil {
			return err
		}
		policy, err := merge.ParsePolicy(n.networkParams(proto).MergeModeFor(bl.Port))
		if err != nil {
			return err
		}
		bindings = append(bindings, bridge.Binding{
			Port:     bl.Port,
			Protocol: proto,
			Universe: bl.Universe,
			Input:    bl.Input,
			Policy:   policy,
		})
	}

	cid, err := n.cid()
	if err != nil {
		return err
	}
	e131 := n.params.E131
	mcfg := merge.DefaultConfig()
	mcfg.Timeout = n.cfg.MergeTimeout
	if e131.DataLossTimeout > 0 {
		mcfg.Timeout = e131.DataLossTimeout
	}
	mcfg.DisableTimeout = e131.DisableMergeTimeout

	var sender bridge.Sender
	if n.cfg.ArtNetEnabled || n.cfg.SACNEnabled {
		tcfg := bridge.DefaultTransportConfig()
		tcfg.ArtNetEnabled = n.cfg.ArtNetEnabled
		tcfg.ArtNetPort = n.cfg.ArtNetPort
		tcfg.SACNEnabled = n.cfg.SACNEnabled
		tcfg.SACNPort = n.cfg.SACNPort
		tcfg.BroadcastAddr = n.cfg.ArtNetBroadcast
		if tcfg.BroadcastAddr == "" {
			tcfg.BroadcastAddr = n.binding.Broadcast.String()
		}
		if n.binding.Interface != network.Loopback.Interface {
			tcfg.Interface = n.binding.Interface
		}
		t, err := bridge.Listen(tcfg, n.clock, log)
		if err != nil {
			return err
		}
		n.transport = t
		n.closers = append(n.closers, t.Close)
		sender = t
	}

	b, err := bridge.New(bridge.Config{
		Bindings:    bindings,
		Merge:       mcfg,
		SyncTimeout: e131.SyncTimeout,
		CID:         cid,
		SourceName:  n.cfg.NodeShortName,
		Priority:    uint8(e131.Priority),
		ShortName:   n.cfg.NodeShortName,
		LongName:    n.cfg.NodeLongName,
		Firmware:    version.Get().Firmware,
		IP:          n.binding.IP,
		MAC:         n.binding.MAC,
	}, n.outputs, sender, log)
	if err != nil {
		return err
	}
	n.bridge = b

	if n.transport != nil {
		if err := n.transport.JoinUniverses(b.Universes(bridge.SACN)); err != nil {
			n.log.WithError(err).Warn("sACN multicast join failed")
		}
	}
	return nil
}

// cid is the configured component identifier, or one derived from the
// interface MAC and the RDM UID so it survives restarts.
func (n *Node) cid() (identity.ID, error) {
	if n.cfg.NodeCID != "" {
		id, err := identity.Parse(n.cfg.NodeCID)
		if err != nil {
			return identity.Nil, fmt.Errorf("node CID: %w", err)
		}
		return id, nil
	}
	seed := append(append([]byte(nil), n.binding.MAC...), n.cfg.NodeUID...)
	return identity.ID(uuid.NewSHA1(uuid.NameSpaceOID, seed)), nil
}

func (n *Node) networkParams(p bridge.Protocol) config.NetworkParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p == bridge.SACN {
		return n.params.E131
	}
	return n.params.ArtNet
}

func sendTiming(s config.SendParams) dmx.Timing {
	return dmx.Timing{
		Break:  s.BreakTime,
		MAB:    s.MabTime,
		Period: dmx.PeriodForRate(s.RefreshRate),
		Slots:  s.Slots,
	}
}

// inputFrame bridges frames received on input ports to the network.
func (n *Node) inputFrame(port int, f dmx.Frame, changed bool) {
	n.bridge.HandleInput(port, f.Data[:f.Slots])
	if changed {
		data := append([]byte(nil), f.Data[:f.Slots]...)
		n.bus.Publish(pubsub.TopicInputFrame, strconv.Itoa(port), pubsub.FrameEvent{Port: port, Data: data})
	}
}

func (n *Node) closeAll() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.log.WithError(err).Warn("Close failed")
		}
	}
	n.closers = nil
}

// DMX returns the port service.
func (n *Node) DMX() *dmx.Service { return n.dmx }

// Outputs returns every sink fed by the bridge.
func (n *Node) Outputs() bridge.Output { return n.outputs }

// Bridge returns the network bridge.
func (n *Node) Bridge() *bridge.Bridge { return n.bridge }

// Bus returns the event bus.
func (n *Node) Bus() *pubsub.PubSub { return n.bus }

// RDM returns the transaction layer.
func (n *Node) RDM() *rdm.Layer { return n.rdm }

// Responder returns the node's own RDM responder.
func (n *Node) Responder() *rdm.Responder { return n.responder }

// Params returns a copy of the parameters in effect.
func (n *Node) Params() config.NodeParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params
}
