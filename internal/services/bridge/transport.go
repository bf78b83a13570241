package bridge

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
	"github.com/bbernstein/lacylights-node/pkg/artnet"
	"github.com/bbernstein/lacylights-node/pkg/sacn"
)

// DefaultQueueSize bounds datagrams waiting for the run loop.
const DefaultQueueSize = 256

// maxDatagram covers the largest Art-Net and E1.31 packets.
const maxDatagram = 1144

// TransportConfig holds socket settings.
type TransportConfig struct {
	ArtNetEnabled bool
	ArtNetPort    int
	// BroadcastAddr receives outbound ArtDMX.
	BroadcastAddr string
	SACNEnabled   bool
	SACNPort      int
	// Interface names the NIC used for multicast joins; empty lets the kernel pick.
	Interface string
	QueueSize int
}

// DefaultTransportConfig listens on the standard ports.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ArtNetEnabled: true,
		ArtNetPort:    artnet.DefaultPort,
		BroadcastAddr: "255.255.255.255",
		SACNEnabled:   true,
		SACNPort:      sacn.DefaultPort,
		QueueSize:     DefaultQueueSize,
	}
}

// Packet is a received datagram waiting to be dispatched.
type Packet struct {
	Protocol Protocol
	Data     []byte
	From     *net.UDPAddr
	At       time.Time
}

// Transport owns the UDP sockets. Readers queue datagrams; the run loop
// dispatches them with Poll so protocol handling stays on one goroutine.
type Transport struct {
	cfg   TransportConfig
	clock scheduler.Clock
	log   logrus.FieldLogger

	art       *net.UDPConn
	sacnConn  *net.UDPConn
	sacnGroup *ipv4.PacketConn
	iface     *net.Interface
	broadcast *net.UDPAddr
	joined    map[uint16]bool

	packets chan Packet
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Listen opens the enabled sockets and starts their readers.
func Listen(cfg TransportConfig, clock scheduler.Clock, log logrus.FieldLogger) (*Transport, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Transport{
		cfg:     cfg,
		clock:   clock,
		log:     log.WithField("component", "transport"),
		joined:  make(map[uint16]bool),
		packets: make(chan Packet, cfg.QueueSize),
		done:    make(chan struct{}),
	}

	if cfg.Interface != "" {
		iface, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", cfg.Interface, err)
		}
		t.iface = iface
	}

	if cfg.ArtNetEnabled {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.BroadcastAddr, strconv.Itoa(artnet.DefaultPort)))
		if err != nil {
			return nil, fmt.Errorf("resolve broadcast address: %w", err)
		}
		t.broadcast = addr
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.ArtNetPort})
		if err != nil {
			return nil, fmt.Errorf("listen Art-Net: %w", err)
		}
		t.art = conn
		t.start(conn, ArtNet)
		t.log.Infof("📡 Art-Net listening on %s, broadcasting to %s", conn.LocalAddr(), addr)
	}

	if cfg.SACNEnabled {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.SACNPort})
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("listen sACN: %w", err)
		}
		t.sacnConn = conn
		t.sacnGroup = ipv4.NewPacketConn(conn)
		_ = t.sacnGroup.SetMulticastTTL(16)
		if t.iface != nil {
			_ = t.sacnGroup.SetMulticastInterface(t.iface)
		}
		t.start(conn, SACN)
		t.log.Infof("📡 sACN listening on %s", conn.LocalAddr())
	}
	return t, nil
}

func (t *Transport) start(conn *net.UDPConn, p Protocol) {
	t.wg.Add(1)
	go t.readLoop(conn, p)
}

func (t *Transport) readLoop(conn *net.UDPConn, p Protocol) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.WithError(err).WithField("protocol", p).Warn("UDP read error")
			continue
		}
		pkt := Packet{Protocol: p, Data: append([]byte(nil), buf[:n]...), From: from, At: t.clock.Now()}
		select {
		case t.packets <- pkt:
		case <-t.done:
			return
		default:
			t.dropped.Add(1)
		}
	}
}

// JoinUniverses joins the sACN multicast group of each universe.
func (t *Transport) JoinUniverses(universes []uint16) error {
	if t.sacnGroup == nil {
		return nil
	}
	for _, u := range universes {
		if t.joined[u] {
			continue
		}
		if err := t.sacnGroup.JoinGroup(t.iface, &net.UDPAddr{IP: sacn.MulticastAddr(u)}); err != nil {
			return fmt.Errorf("join universe %d: %w", u, err)
		}
		t.joined[u] = true
	}
	t.log.WithField("universes", universes).Debug("Joined sACN multicast groups")
	return nil
}

// Poll dispatches up to max queued datagrams to b and returns how many it
// handled. It never blocks.
func (t *Transport) Poll(b *Bridge, max int) int {
	handled := 0
	for handled < max {
		select {
		case pkt := <-t.packets:
			t.dispatch(b, pkt)
			handled++
		default:
			return handled
		}
	}
	return handled
}

func (t *Transport) dispatch(b *Bridge, pkt Packet) {
	switch pkt.Protocol {
	case ArtNet:
		var ip net.IP
		if pkt.From != nil {
			ip = pkt.From.IP
		}
		reply, err := b.HandleArtNet(pkt.Data, ip, pkt.At)
		if err != nil {
			t.log.WithError(err).Debug("Art-Net packet dropped")
			return
		}
		if reply != nil && t.art != nil && pkt.From != nil {
			to := &net.UDPAddr{IP: pkt.From.IP, Port: artnet.DefaultPort}
			if _, err := t.art.WriteToUDP(reply, to); err != nil {
				t.log.WithError(err).Debug("ArtPollReply send failed")
			}
		}
	case SACN:
		if err := b.HandleSACN(pkt.Data, pkt.At); err != nil {
			t.log.WithError(err).Debug("sACN packet dropped")
		}
	}
}

// Send implements Sender: ArtDMX goes to the broadcast address, E1.31 to the
// universe's multicast group.
func (t *Transport) Send(p Protocol, universe uint16, packet []byte) error {
	switch p {
	case ArtNet:
		if t.art == nil {
			return errors.New("art-net disabled")
		}
		_, err := t.art.WriteToUDP(packet, t.broadcast)
		return err
	case SACN:
		if t.sacnConn == nil {
			return errors.New("sACN disabled")
		}
		_, err := t.sacnConn.WriteToUDP(packet, sacn.MulticastUDPAddr(universe))
		return err
	}
	return fmt.Errorf("unknown protocol %d", p)
}

// ArtNetAddr returns the local Art-Net socket address.
func (t *Transport) ArtNetAddr() *net.UDPAddr {
	if t.art == nil {
		return nil
	}
	return t.art.LocalAddr().(*net.UDPAddr)
}

// Dropped counts datagrams discarded because the queue was full.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}

// Close stops the readers and closes the sockets.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	var errs []error
	if t.art != nil {
		errs = append(errs, t.art.Close())
	}
	if t.sacnConn != nil {
		errs = append(errs, t.sacnConn.Close())
	}
	t.wg.Wait()
	return errors.Join(errs...)
}
