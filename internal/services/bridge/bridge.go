// Package bridge connects Art-Net and sACN to the merge engines and the output
// ports, and sends DMX received on input ports back to the network.
package bridge

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/services/merge"
	"github.com/bbernstein/lacylights-node/pkg/artnet"
	"github.com/bbernstein/lacylights-node/pkg/identity"
	"github.com/bbernstein/lacylights-node/pkg/sacn"
)

// DefaultSyncTimeout is how long synchronous output survives without a sync packet.
const DefaultSyncTimeout = 4 * time.Second

// ArtNetPriority is the merge priority given to Art-Net sources, which carry none.
const ArtNetPriority uint8 = sacn.DefaultPriority

// Protocol is a network protocol carrying DMX.
type Protocol int

const (
	ArtNet Protocol = iota
	SACN
)

func (p Protocol) String() string {
	if p == SACN {
		return "sacn"
	}
	return "artnet"
}

// ParseProtocol accepts "artnet", "sacn" or "e131".
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "artnet", "art-net", "":
		return ArtNet, nil
	case "sacn", "e131", "e1.31":
		return SACN, nil
	}
	return ArtNet, fmt.Errorf("unknown protocol %q", s)
}

// Binding maps a universe of one protocol to a port.
type Binding struct {
	Port     int
	Protocol Protocol
	Universe int
	// Input ports send what they receive to the network instead of merging.
	Input  bool
	Policy merge.Policy
}

// Config holds bridge settings.
type Config struct {
	Bindings []Binding
	Merge    merge.Config
	// SyncUniverse is the E1.31 sync address honoured; zero accepts any.
	SyncUniverse uint16
	SyncTimeout  time.Duration

	// Outbound identity and ArtPollReply contents.
	CID        identity.ID
	SourceName string
	Priority   uint8
	ShortName  string
	LongName   string
	Firmware   uint16
	IP         net.IP
	MAC        net.HardwareAddr
}

// Counters are bridge diagnostics. Dropped input is counted, never logged per packet.
type Counters struct {
	ArtNetPackets      uint64 `json:"artnetPackets"`
	SACNPackets        uint64 `json:"sacnPackets"`
	Malformed          uint64 `json:"malformed"`
	Ignored            uint64 `json:"ignored"`
	Unbound            uint64 `json:"unbound"`
	OutOfSequence      uint64 `json:"outOfSequence"`
	Preview            uint64 `json:"preview"`
	AlternateStartCode uint64 `json:"alternateStartCode"`
	Terminated         uint64 `json:"terminated"`
	Rejected           uint64 `json:"rejected"`
	DataLoss           uint64 `json:"dataLoss"`
	Syncs              uint64 `json:"syncs"`
	Polls              uint64 `json:"polls"`
	Sent               uint64 `json:"sent"`
	SendErrors         uint64 `json:"sendErrors"`
}

// Sender transmits outbound packets.
type Sender interface {
	Send(p Protocol, universe uint16, packet []byte) error
}

type key struct {
	proto    Protocol
	universe int
}

type seqState struct {
	last uint8
	seen time.Time
}

type outbound struct {
	proto    Protocol
	universe uint16
	packet   []byte
}

// Bridge decodes network packets into merge commits and pushes merged frames
// to the output.
type Bridge struct {
	mu       sync.Mutex
	cfg      Config
	out      Output
	sender   Sender
	log      logrus.FieldLogger
	engines  [2]*merge.Engine
	outputs  map[key][]int
	inputs   map[int][]Binding
	outPorts []int

	seq    map[string]seqState
	outSeq map[key]uint8
	lost   map[key]bool

	syncActive bool
	lastSync   time.Time
	pending    map[int]bool

	counters Counters
}

// New validates the bindings and creates the merge engines.
func New(cfg Config, out Output, sender Sender, log logrus.FieldLogger) (*Bridge, error) {
	if out == nil {
		return nil, errors.New("bridge needs an output")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.Priority == 0 {
		cfg.Priority = sacn.DefaultPriority
	}
	if cfg.SourceName == "" {
		cfg.SourceName = "lacylights-node"
	}
	if cfg.CID == identity.Nil {
		cfg.CID = identity.New()
	}

	artCfg := cfg.Merge
	artCfg.MinUniverse, artCfg.MaxUniverse = 0, artnet.MaxUniverse
	sacnCfg := cfg.Merge
	sacnCfg.MinUniverse, sacnCfg.MaxUniverse = sacn.MinUniverse, sacn.MaxUniverse

	b := &Bridge{
		cfg:     cfg,
		out:     out,
		sender:  sender,
		log:     log.WithField("component", "bridge"),
		outputs: make(map[key][]int),
		inputs:  make(map[int][]Binding),
		seq:     make(map[string]seqState),
		outSeq:  make(map[key]uint8),
		lost:    make(map[key]bool),
		pending: make(map[int]bool),
	}
	b.engines[ArtNet] = merge.NewEngine(artCfg, log)
	b.engines[SACN] = merge.NewEngine(sacnCfg, log)

	seen := make(map[int]bool)
	for _, bd := range cfg.Bindings {
		if bd.Input {
			b.inputs[bd.Port] = append(b.inputs[bd.Port], bd)
			continue
		}
		if err := b.engines[bd.Protocol].SetPolicy(bd.Universe, bd.Policy); err != nil {
			return nil, fmt.Errorf("bind port %d to %s universe %d: %w", bd.Port, bd.Protocol, bd.Universe, err)
		}
		k := key{bd.Protocol, bd.Universe}
		b.outputs[k] = append(b.outputs[k], bd.Port)
		if !seen[bd.Port] {
			seen[bd.Port] = true
			b.outPorts = append(b.outPorts, bd.Port)
		}
	}
	for _, bd := range cfg.Bindings {
		if !bd.Input {
			continue
		}
		if err := checkOutboundUniverse(bd.Protocol, bd.Universe); err != nil {
			return nil, fmt.Errorf("bind input port %d: %w", bd.Port, err)
		}
	}
	sort.Ints(b.outPorts)
	return b, nil
}

func checkOutboundUniverse(p Protocol, u int) error {
	lo, hi := 0, artnet.MaxUniverse
	if p == SACN {
		lo, hi = sacn.MinUniverse, sacn.MaxUniverse
	}
	if u < lo || u > hi {
		return fmt.Errorf("%w: %s universe %d outside %d-%d", merge.ErrInvalidUniverse, p, u, lo, hi)
	}
	return nil
}

// Start starts every bound output port.
func (b *Bridge) Start() {
	for _, p := range b.outPorts {
		b.out.Start(p)
	}
	b.log.WithField("ports", len(b.outPorts)).Info("📡 Bridge started")
}

// Stop stops every bound output port.
func (b *Bridge) Stop() {
	for _, p := range b.outPorts {
		b.out.Stop(p)
	}
}

// HandleArtNet processes one Art-Net datagram from ip. It returns a packet to
// send back to the sender, if any.
func (b *Bridge) HandleArtNet(data []byte, from net.IP, now time.Time) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.ArtNetPackets++

	op, err := artnet.OpCode(data)
	if err != nil {
		b.counters.Malformed++
		return nil, err
	}
	switch op {
	case artnet.OpCodeDMX:
		pkt, err := artnet.ParseDMXPacket(data)
		if err != nil {
			b.counters.Malformed++
			return nil, err
		}
		return nil, b.commitLocked(ArtNet, "artnet:"+from.String(), int(pkt.Universe), ArtNetPriority, pkt.Data[:], now)
	case artnet.OpCodePoll:
		if _, err := artnet.ParsePoll(data); err != nil {
			b.counters.Malformed++
			return nil, err
		}
		b.counters.Polls++
		return b.pollReplyLocked(), nil
	case artnet.OpCodeSync:
		if err := artnet.ParseSync(data); err != nil {
			b.counters.Malformed++
			return nil, err
		}
		b.syncLocked(now)
		return nil, nil
	}
	b.counters.Ignored++
	return nil, nil
}

// HandleSACN processes one E1.31 datagram.
func (b *Bridge) HandleSACN(data []byte, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.SACNPackets++

	kind, err := sacn.Detect(data)
	if err != nil {
		b.counters.Malformed++
		return err
	}
	switch kind {
	case sacn.KindData:
		pkt, err := sacn.ParseDataPacket(data)
		if err != nil {
			b.counters.Malformed++
			return err
		}
		return b.handleDataLocked(pkt, now)
	case sacn.KindSync:
		pkt, err := sacn.ParseSyncPacket(data)
		if err != nil {
			b.counters.Malformed++
			return err
		}
		if b.cfg.SyncUniverse == 0 || pkt.SyncAddress == b.cfg.SyncUniverse {
			b.syncLocked(now)
		}
		return nil
	}
	b.counters.Ignored++
	return nil
}

func (b *Bridge) handleDataLocked(pkt *sacn.DataPacket, now time.Time) error {
	if pkt.Preview {
		b.counters.Preview++
		return nil
	}
	if pkt.StartCode != 0x00 {
		b.counters.AlternateStartCode++
		return nil
	}
	id := sacn.SourceKey(pkt.CID)
	u := int(pkt.Universe)
	seqKey := fmt.Sprintf("%s/%d", id, u)
	if st, ok := b.seq[seqKey]; ok && !sacn.SequenceOK(st.last, pkt.Sequence) {
		b.counters.OutOfSequence++
		return nil
	}

	if pkt.StreamTerminated {
		delete(b.seq, seqKey)
		b.counters.Terminated++
		if res, ok := b.engines[SACN].Remove(id, u); ok {
			b.applyLocked(SACN, res)
		}
		return nil
	}
	b.seq[seqKey] = seqState{last: pkt.Sequence, seen: now}
	return b.commitLocked(SACN, id, u, pkt.Priority, pkt.Data[:], now)
}

func (b *Bridge) commitLocked(p Protocol, sourceID string, u int, priority uint8, slots []byte, now time.Time) error {
	if len(b.outputs[key{p, u}]) == 0 {
		b.counters.Unbound++
		return nil
	}
	res, err := b.engines[p].Commit(sourceID, u, priority, slots, now)
	if err != nil {
		b.counters.Rejected++
		return err
	}
	b.applyLocked(p, res)
	return nil
}

// applyLocked pushes a merge result to the bound ports. A universe whose last
// source went away keeps its last output.
func (b *Bridge) applyLocked(p Protocol, res merge.Result) {
	k := key{p, res.Universe}
	ports := b.outputs[k]
	if len(ports) == 0 {
		return
	}
	if res.Sources == 0 {
		if !b.lost[k] {
			b.lost[k] = true
			b.counters.DataLoss++
			b.log.WithFields(logrus.Fields{"protocol": p, "universe": res.Universe}).Warn("Data loss, holding last look")
		}
		return
	}
	if b.lost[k] {
		delete(b.lost, k)
		b.log.WithFields(logrus.Fields{"protocol": p, "universe": res.Universe}).Info("Data restored")
	}
	for _, port := range ports {
		b.out.SetData(port, res.Frame[:], res.Changed)
		if b.syncActive {
			b.pending[port] = true
		}
	}
	if b.syncActive && len(b.pending) >= len(b.outPorts) {
		b.releaseLocked()
	}
}

func (b *Bridge) syncLocked(now time.Time) {
	b.lastSync = now
	b.counters.Syncs++
	if !b.syncActive {
		b.syncActive = true
		b.setSynchronousLocked(true)
		b.log.Info("Synchronous output enabled")
	}
	b.releaseLocked()
}

func (b *Bridge) releaseLocked() {
	b.out.Sync()
	for p := range b.pending {
		delete(b.pending, p)
	}
}

func (b *Bridge) setSynchronousLocked(on bool) {
	if s, ok := b.out.(Synchronizer); ok {
		s.SetSynchronous(on)
	}
}

// Run expires stale sources and ends synchronous output once sync packets stop.
func (b *Bridge) Run(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range []Protocol{ArtNet, SACN} {
		for _, res := range b.engines[p].Expire(now) {
			b.applyLocked(p, res)
		}
	}
	if b.syncActive && now.Sub(b.lastSync) > b.cfg.SyncTimeout {
		b.syncActive = false
		b.setSynchronousLocked(false)
		for p := range b.pending {
			delete(b.pending, p)
		}
		b.log.Info("Sync timeout, reverting to immediate output")
	}
	horizon := 2 * b.cfg.Merge.Timeout
	if horizon <= 0 {
		horizon = 2 * merge.DefaultTimeout
	}
	for k, st := range b.seq {
		if now.Sub(st.seen) > horizon {
			delete(b.seq, k)
		}
	}
}

// HandleInput sends a frame received on an input port to every network
// universe bound to it.
func (b *Bridge) HandleInput(port int, data []byte) {
	b.mu.Lock()
	bindings := b.inputs[port]
	if len(bindings) == 0 || b.sender == nil {
		b.mu.Unlock()
		return
	}
	pkts := make([]outbound, 0, len(bindings))
	for _, bd := range bindings {
		k := key{bd.Protocol, bd.Universe}
		seq := b.outSeq[k] + 1
		if seq == 0 && bd.Protocol == ArtNet {
			seq = 1 // zero disables Art-Net sequencing
		}
		b.outSeq[k] = seq
		pkts = append(pkts, outbound{bd.Protocol, uint16(bd.Universe), b.buildLocked(bd, data, seq, false)})
	}
	b.mu.Unlock()
	b.send(pkts)
}

func (b *Bridge) buildLocked(bd Binding, data []byte, seq uint8, terminated bool) []byte {
	if bd.Protocol == ArtNet {
		return artnet.BuildDMXPacket(uint16(bd.Universe), byte(bd.Port), data, seq)
	}
	return sacn.BuildDataPacket(sacn.DataOptions{
		CID:              [16]byte(b.cfg.CID),
		SourceName:       b.cfg.SourceName,
		Priority:         b.cfg.Priority,
		Sequence:         seq,
		StreamTerminated: terminated,
		Universe:         uint16(bd.Universe),
	}, data)
}

func (b *Bridge) send(pkts []outbound) {
	var sent, failed uint64
	for _, o := range pkts {
		if err := b.sender.Send(o.proto, o.universe, o.packet); err != nil {
			failed++
			continue
		}
		sent++
	}
	b.mu.Lock()
	b.counters.Sent += sent
	b.counters.SendErrors += failed
	b.mu.Unlock()
}

// Terminate tells sACN receivers that outbound streams end, three times as
// E1.31 asks.
func (b *Bridge) Terminate() {
	if b.sender == nil {
		return
	}
	b.mu.Lock()
	var pkts []outbound
	for _, bindings := range b.inputs {
		for _, bd := range bindings {
			if bd.Protocol != SACN {
				continue
			}
			k := key{bd.Protocol, bd.Universe}
			for i := 0; i < 3; i++ {
				b.outSeq[k]++
				pkts = append(pkts, outbound{SACN, uint16(bd.Universe), b.buildLocked(bd, nil, b.outSeq[k], true)})
			}
		}
	}
	b.mu.Unlock()
	b.send(pkts)
}

func (b *Bridge) pollReplyLocked() []byte {
	var ports []artnet.ReplyPort
	for _, bd := range b.cfg.Bindings {
		if bd.Protocol != ArtNet {
			continue
		}
		hasSources := len(b.engines[ArtNet].Sources(bd.Universe)) > 0
		ports = append(ports, artnet.ReplyPort{
			Universe: uint16(bd.Universe),
			Input:    bd.Input,
			Active:   bd.Input || hasSources,
			LTP:      bd.Policy == merge.LTP,
		})
	}
	return artnet.BuildPollReply(artnet.PollReply{
		IP:         b.cfg.IP,
		MAC:        b.cfg.MAC,
		ShortName:  b.cfg.ShortName,
		LongName:   b.cfg.LongName,
		NodeReport: fmt.Sprintf("#0001 [%04d] Power On Tests successful", b.counters.Polls%10000),
		Firmware:   b.cfg.Firmware,
		Ports:      ports,
	})
}

// SetPolicy changes the merge policy of a bound universe.
func (b *Bridge) SetPolicy(p Protocol, u int, policy merge.Policy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.engines[p].SetPolicy(u, policy); err != nil {
		return err
	}
	if res, ok := b.engines[p].Result(u); ok {
		res.Changed = true
		b.applyLocked(p, res)
	}
	return nil
}

// Sources lists the live sources of a universe.
func (b *Bridge) Sources(p Protocol, u int) []merge.SourceInfo {
	return b.engines[p].Sources(u)
}

// MergeCounters returns the merge diagnostics of one protocol.
func (b *Bridge) MergeCounters(p Protocol) merge.Counters {
	return b.engines[p].Counters()
}

// Counters returns a snapshot of the bridge diagnostics.
func (b *Bridge) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// SyncActive reports whether output is held for sync packets.
func (b *Bridge) SyncActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncActive
}

// Bindings returns the configured bindings.
func (b *Bridge) Bindings() []Binding {
	return append([]Binding(nil), b.cfg.Bindings...)
}

// Universes returns the universes of p bound to output ports, used for multicast joins.
func (b *Bridge) Universes(p Protocol) []uint16 {
	var out []uint16
	for k := range b.outputs {
		if k.proto == p {
			out = append(out, uint16(k.universe))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
