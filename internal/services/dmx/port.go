package dmx

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
)

// OutputStyle selects when an output port transmits.
type OutputStyle int

const (
	// Continuous retransmits the current frame every period.
	Continuous OutputStyle = iota
	// OnChange transmits only when the frame changed or output is forced.
	OnChange
)

func (s OutputStyle) String() string {
	if s == OnChange {
		return "onchange"
	}
	return "continuous"
}

// ParseOutputStyle accepts "continuous", "onchange" or "delta".
func ParseOutputStyle(s string) (OutputStyle, bool) {
	switch s {
	case "continuous", "":
		return Continuous, true
	case "onchange", "delta":
		return OnChange, true
	}
	return Continuous, false
}

// TxState is the transmit state of a port.
type TxState int

const (
	TxIdle TxState = iota
	TxBreak
	TxMarkAfterBreak
	TxSlots
	TxInterFrameGap
	// TxSuspended means the line has been handed to RDM.
	TxSuspended
)

func (s TxState) String() string {
	switch s {
	case TxBreak:
		return "break"
	case TxMarkAfterBreak:
		return "mark-after-break"
	case TxSlots:
		return "transmit-slots"
	case TxInterFrameGap:
		return "inter-frame-gap"
	case TxSuspended:
		return "suspended"
	}
	return "idle"
}

var (
	// ErrInvalidSlot is returned for writes outside the 512-slot frame.
	ErrInvalidSlot = errors.New("slot out of range")
	// ErrNotOutput is returned when an output-only operation targets an input port.
	ErrNotOutput = errors.New("port is not an output")
	// ErrPortBusy is returned when the line is already handed over or switching.
	ErrPortBusy = errors.New("port busy")
	// ErrNotSuspended is returned when raw access is attempted without Suspend.
	ErrNotSuspended = errors.New("port not suspended")
	// ErrNotInput is returned when a responder answer targets a port that is not receiving.
	ErrNotInput = errors.New("port is not a running input")
)

// PortConfig is the startup configuration of one port.
type PortConfig struct {
	Direction   Direction
	Style       OutputStyle
	Timing      Timing
	SlotTimeout time.Duration
	Line        Line
}

// Port is one physical DMX port with its transmit and receive state machines.
// All timed transitions run from the shared scheduler.
type Port struct {
	mu    sync.Mutex
	index int
	line  Line
	sched *scheduler.Scheduler
	log   logrus.FieldLogger

	direction  Direction
	pendingDir *Direction
	style      OutputStyle
	timing     Timing
	running    bool

	txState    TxState
	txEvent    scheduler.EventID
	txGen      uint64
	txDeadline time.Time
	wire       [UniverseSize + 1]byte
	next       [UniverseSize]byte
	dirty      bool
	force      bool
	lastBreak  time.Time
	breakEnd   time.Time
	sentFrame  bool
	suspendCb  func(time.Time)

	synchronous bool
	held        [UniverseSize]byte
	holding     bool
	heldChanged bool

	rdmOwned     bool
	rdmListening bool
	raw          []byte
	rawSent      func(time.Time)
	responding   bool

	rx      receiver
	onFrame func(port int, f Frame, changed bool)
	onRDM   func(port int, raw []byte)

	txStats    Statistics
	rxStats    Statistics
	totals     TotalStatistics
	counters   Counters
	lineFailed bool
}

func newPort(index int, cfg PortConfig, sched *scheduler.Scheduler, log logrus.FieldLogger) (*Port, error) {
	if cfg.Line == nil {
		cfg.Line = NopLine{}
	}
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = DefaultSlotTimeout
	}
	timing, err := cfg.Timing.Normalize()
	p := &Port{
		index:     index,
		line:      cfg.Line,
		sched:     sched,
		log:       log.WithField("port", index),
		direction: cfg.Direction,
		style:     cfg.Style,
		timing:    timing,
	}
	p.rx.timeout = cfg.SlotTimeout
	return p, err
}

// Index returns the port number.
func (p *Port) Index() int { return p.index }

func (p *Port) lineErr(err error) {
	if err == nil {
		if p.lineFailed {
			p.lineFailed = false
			p.log.Info("Line driver recovered")
		}
		return
	}
	p.counters.LineErrors++
	if !p.lineFailed {
		p.lineFailed = true
		p.log.WithError(err).Warn("Line driver error")
	}
}

// txHandler runs a transmit transition with p.mu held. The returned func, if
// any, runs after p.mu is released.
type txHandler func(now time.Time) func()

// cancelTxLocked drops the pending transition. A handler already taken off the
// queue but still waiting for p.mu is dropped by the generation check.
func (p *Port) cancelTxLocked() {
	p.txGen++
	if p.txEvent != 0 {
		p.sched.Cancel(p.txEvent)
		p.txEvent = 0
	}
}

func (p *Port) scheduleTxLocked(at time.Time, h txHandler) {
	p.txGen++
	gen := p.txGen
	p.txDeadline = at
	p.txEvent = p.sched.At(at, func(now time.Time) {
		p.mu.Lock()
		if gen != p.txGen {
			p.mu.Unlock()
			return
		}
		p.txEvent = 0
		after := h(now)
		p.mu.Unlock()
		if after != nil {
			after()
		}
	})
}

// Timing returns the transmit timing in effect.
func (p *Port) Timing() Timing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timing
}

// SetTiming applies t, clamping to protocol limits. A clamped value is applied
// and reported with ErrConfigClamped. Changes take effect at the next frame.
func (p *Port) SetTiming(t Timing) error {
	normalized, err := t.Normalize()
	p.mu.Lock()
	p.timing = normalized
	p.mu.Unlock()
	if err != nil {
		p.log.WithError(err).Warn("Transmit timing clamped")
	}
	return err
}

// SetBreakTime sets the break duration.
func (p *Port) SetBreakTime(d time.Duration) error {
	t := p.Timing()
	t.Break = d
	return p.SetTiming(t)
}

// SetMabTime sets the mark-after-break duration.
func (p *Port) SetMabTime(d time.Duration) error {
	t := p.Timing()
	t.MAB = d
	return p.SetTiming(t)
}

// SetPeriodTime sets the break-to-break period; zero means as fast as possible.
func (p *Port) SetPeriodTime(d time.Duration) error {
	t := p.Timing()
	t.Period = d
	return p.SetTiming(t)
}

// SetRefreshRate sets the period from a frame rate; zero means as fast as possible.
func (p *Port) SetRefreshRate(hz int) error {
	return p.SetPeriodTime(PeriodForRate(hz))
}

// SetSlots sets the number of data slots transmitted per frame.
func (p *Port) SetSlots(n int) error {
	t := p.Timing()
	t.Slots = n
	return p.SetTiming(t)
}

// SetOutputStyle switches between continuous and on-change output.
func (p *Port) SetOutputStyle(s OutputStyle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.style = s
	if s == Continuous {
		p.kickLocked(p.sched.Now(), false)
	}
}

// OutputStyle returns the configured output style.
func (p *Port) OutputStyle() OutputStyle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.style
}

// Direction returns the direction in effect.
func (p *Port) Direction() Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.direction
}

// Running reports whether the port's role is started.
func (p *Port) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// TxState returns the transmit state.
func (p *Port) TxState() TxState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txState
}

// SetFrame replaces the frame to transmit. Frames longer than 512 slots are
// rejected; shorter ones are zero filled. In synchronous mode the frame is held
// until Sync.
func (p *Port) SetFrame(data []byte, changed bool) error {
	if len(data) > UniverseSize {
		return fmt.Errorf("%w: %d slots", ErrInvalidSlot, len(data))
	}
	var buf [UniverseSize]byte
	copy(buf[:], data)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.synchronous {
		p.held = buf
		p.holding = true
		p.heldChanged = p.heldChanged || changed
		return nil
	}
	p.stageLocked(buf, changed)
	return nil
}

// SetSlot changes one slot of the frame to transmit.
func (p *Port) SetSlot(slot int, value byte) error {
	if slot < 0 || slot >= UniverseSize {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.next
	buf[slot] = value
	p.stageLocked(buf, buf != p.next)
	return nil
}

// Frame returns the frame that will be transmitted next.
func (p *Port) Frame() [UniverseSize]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

func (p *Port) stageLocked(buf [UniverseSize]byte, changed bool) {
	p.next = buf
	if changed {
		p.dirty = true
		if p.style == OnChange {
			p.kickLocked(p.sched.Now(), false)
		}
	}
}

// fill sets every slot to v and forces one transmission now.
func (p *Port) fill(v byte) {
	var buf [UniverseSize]byte
	for i := range buf {
		buf[i] = v
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = buf
	p.holding = false
	p.next = buf
	p.dirty = true
	p.force = true
	p.kickLocked(p.sched.Now(), true)
}

// setSynchronous switches frame holding on or off.
func (p *Port) setSynchronous(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synchronous = on
	if !on && p.holding {
		p.releaseLocked()
	}
}

// release moves a held frame into the transmit path.
func (p *Port) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holding {
		p.releaseLocked()
	}
}

func (p *Port) releaseLocked() {
	p.holding = false
	changed := p.heldChanged
	p.heldChanged = false
	p.stageLocked(p.held, changed)
}

// kickLocked brings the next break forward. Unless immediate, the period since
// the last break is respected.
func (p *Port) kickLocked(now time.Time, immediate bool) {
	if !p.running || p.direction != Output || p.rdmOwned || p.suspendCb != nil {
		return
	}
	if p.txState != TxIdle && p.txState != TxInterFrameGap {
		return
	}
	at := now
	if !immediate && p.sentFrame {
		if t := p.lastBreak.Add(p.timing.EffectivePeriod()); t.After(now) {
			at = t
		}
	}
	if p.txEvent != 0 && !at.Before(p.txDeadline) {
		return
	}
	p.cancelTxLocked()
	p.scheduleTxLocked(at, p.onBreak)
}

func (p *Port) onBreak(now time.Time) func() {
	if !p.running || p.direction != Output {
		p.txState = TxIdle
		return nil
	}
	if p.style == OnChange && !p.dirty && !p.force {
		p.txState = TxIdle
		p.counters.SkippedFrames++
		return nil
	}

	p.wire[0] = 0x00
	copy(p.wire[1:], p.next[:])
	p.dirty = false
	p.force = false

	if p.sentFrame {
		p.txStats.BreakToBreak = now.Sub(p.lastBreak)
	}
	p.lastBreak = now
	p.sentFrame = true

	p.txState = TxBreak
	p.lineErr(p.line.SetBreak(true))
	p.scheduleTxLocked(now.Add(p.timing.Break), p.onMarkAfterBreak)
	return nil
}

func (p *Port) onMarkAfterBreak(now time.Time) func() {
	p.txState = TxMarkAfterBreak
	p.lineErr(p.line.SetBreak(false))
	p.breakEnd = now
	p.scheduleTxLocked(now.Add(p.timing.MAB), p.onSlots)
	return nil
}

func (p *Port) onSlots(now time.Time) func() {
	slots := p.timing.Slots
	p.txState = TxSlots
	p.txStats.MarkAfterBreak = now.Sub(p.breakEnd)
	p.txStats.SlotsInPacket = slots
	p.txStats.SlotToSlot = SlotTime
	p.lineErr(p.line.Write(p.wire[:slots+1]))
	p.scheduleTxLocked(now.Add(time.Duration(slots+1)*SlotTime), p.onFrameEnd)
	return nil
}

func (p *Port) onFrameEnd(now time.Time) func() {
	p.totals.DmxPackets++

	if cb := p.suspendCb; cb != nil {
		p.suspendCb = nil
		p.txState = TxSuspended
		return func() { cb(now) }
	}
	if !p.running || p.direction != Output {
		p.txState = TxIdle
		return nil
	}
	p.txState = TxInterFrameGap
	next := p.lastBreak.Add(p.timing.EffectivePeriod())
	if next.Before(now) {
		next = now
	}
	p.scheduleTxLocked(next, p.onBreak)
	return nil
}

// requestSuspendLocked hands the line over at the next frame boundary, or at
// once when no frame is in flight. cb runs from the scheduler without p.mu.
func (p *Port) requestSuspendLocked(cb func(time.Time)) {
	switch p.txState {
	case TxBreak, TxMarkAfterBreak, TxSlots:
		p.suspendCb = cb
	default:
		p.cancelTxLocked()
		p.txState = TxSuspended
		p.scheduleTxLocked(p.sched.Now(), func(now time.Time) func() {
			return func() { cb(now) }
		})
	}
}

// Suspend stops DMX output at the next frame boundary and reserves the line
// for one RDM exchange. onIdle runs once no DMX frame is on the wire.
func (p *Port) Suspend(onIdle func(now time.Time)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.direction != Output {
		return ErrNotOutput
	}
	if p.rdmOwned || p.suspendCb != nil || p.pendingDir != nil || p.raw != nil {
		return ErrPortBusy
	}
	p.rdmOwned = true
	p.requestSuspendLocked(onIdle)
	return nil
}

// SendRaw transmits an RDM frame (start code included) with break and MAB on a
// suspended port, then turns the line around to listen. onSent runs once the
// last byte is out.
func (p *Port) SendRaw(frame []byte, onSent func(now time.Time)) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrInvalidSlot)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rdmOwned || p.txState != TxSuspended || p.raw != nil {
		return ErrNotSuspended
	}
	p.raw = append([]byte(nil), frame...)
	p.rawSent = onSent
	p.rdmListening = false
	p.totals.RdmPackets++

	brk := p.timing.Break
	if brk < DefaultBreakTime {
		brk = DefaultBreakTime
	}
	now := p.sched.Now()
	p.lineErr(p.line.SetDirection(Output))
	p.lineErr(p.line.SetBreak(true))
	p.scheduleTxLocked(now.Add(brk), p.onRawBreakEnd)
	return nil
}

func (p *Port) onRawBreakEnd(now time.Time) func() {
	p.lineErr(p.line.SetBreak(false))
	p.scheduleTxLocked(now.Add(p.timing.MAB), p.onRawMabEnd)
	return nil
}

func (p *Port) onRawMabEnd(now time.Time) func() {
	p.lineErr(p.line.Write(p.raw))
	p.scheduleTxLocked(now.Add(time.Duration(len(p.raw))*SlotTime), p.onRawDone)
	return nil
}

func (p *Port) onRawDone(now time.Time) func() {
	p.raw = nil
	if !p.rdmOwned {
		// resumed while the request was on the wire
		p.resumeLocked(now)
		return nil
	}
	p.rdmListening = true
	p.rx.reset()
	p.lineErr(p.line.SetDirection(Input))
	cb := p.rawSent
	p.rawSent = nil
	if cb == nil {
		return nil
	}
	return func() { cb(now) }
}

// Resume returns a suspended port to DMX output, starting with a full frame.
// A direction change requested during the RDM exchange is applied instead.
// An RDM frame still being sent is completed first.
func (p *Port) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rdmOwned {
		return ErrNotSuspended
	}
	p.rdmOwned = false
	p.rdmListening = false
	p.rawSent = nil

	if p.suspendCb != nil {
		// never granted; the frame in flight continues
		p.suspendCb = nil
		if p.pendingDir != nil {
			p.suspendCb = p.applyPendingDirection
		}
		return nil
	}
	if p.txState != TxSuspended || p.raw != nil {
		return nil
	}
	p.cancelTxLocked()
	p.resumeLocked(p.sched.Now())
	return nil
}

func (p *Port) resumeLocked(now time.Time) {
	p.lineErr(p.line.SetBreak(false))
	if p.pendingDir != nil {
		p.applyDirectionLocked(now)
		return
	}
	p.lineErr(p.line.SetDirection(Output))
	p.rx.reset()
	p.txState = TxIdle
	if p.running {
		p.scheduleTxLocked(now, p.onBreak)
	}
}

// Respond transmits a responder answer on a running input port and turns the
// line back to receive afterwards. Discovery answers go out without a break.
func (p *Port) Respond(frame []byte, withBreak bool) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrInvalidSlot)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.direction != Input || !p.running {
		return ErrNotInput
	}
	if p.responding {
		return ErrPortBusy
	}
	p.responding = true
	p.totals.RdmPackets++
	data := append([]byte(nil), frame...)

	now := p.sched.Now()
	p.lineErr(p.line.SetDirection(Output))
	if !withBreak {
		p.writeResponseLocked(now, data)
		return nil
	}
	p.lineErr(p.line.SetBreak(true))
	p.sched.At(now.Add(DefaultBreakTime), func(now time.Time) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.lineErr(p.line.SetBreak(false))
		p.sched.At(now.Add(p.timing.MAB), func(now time.Time) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.writeResponseLocked(now, data)
		})
	})
	return nil
}

func (p *Port) writeResponseLocked(now time.Time, data []byte) {
	p.lineErr(p.line.Write(data))
	p.sched.At(now.Add(time.Duration(len(data))*SlotTime), func(time.Time) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.responding = false
		p.rx.reset()
		p.lineErr(p.line.SetDirection(Input))
	})
}

// RdmActive reports whether the line is reserved for RDM.
func (p *Port) RdmActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rdmOwned
}

// SetDirection switches the port role. In-flight frames finish and an RDM
// exchange in progress completes (or times out) before the line is turned
// around; until then Direction reports the old role.
func (p *Port) SetDirection(d Direction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingDir == nil && p.direction == d {
		return
	}
	dir := d
	p.pendingDir = &dir
	if p.rdmOwned {
		p.log.WithField("direction", d).Info("Direction change deferred until RDM transaction completes")
		return
	}
	if p.suspendCb != nil || p.raw != nil {
		return
	}
	if p.direction == Output {
		switch p.txState {
		case TxBreak, TxMarkAfterBreak, TxSlots:
			p.suspendCb = p.applyPendingDirection
			return
		}
	}
	p.applyDirectionLocked(p.sched.Now())
}

// PendingDirection returns a requested but not yet applied direction.
func (p *Port) PendingDirection() (Direction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingDir == nil {
		return Output, false
	}
	return *p.pendingDir, true
}

func (p *Port) applyPendingDirection(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingDir != nil {
		p.applyDirectionLocked(now)
	}
}

// applyDirectionLocked stops the active role, turns the line around and
// starts the new role.
func (p *Port) applyDirectionLocked(now time.Time) {
	d := *p.pendingDir
	p.pendingDir = nil
	prev := p.direction

	p.cancelTxLocked()
	p.txState = TxIdle
	p.rx.reset()

	p.direction = d
	p.lineErr(p.line.SetDirection(d))
	if d == Output && p.running {
		p.force = true
		p.scheduleTxLocked(now, p.onBreak)
	}
	p.log.WithFields(logrus.Fields{"from": prev, "to": d}).Info("Port direction changed")
}

// Start begins the port's role.
func (p *Port) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	if p.direction == Input {
		p.rx.reset()
		return
	}
	if p.txState == TxIdle && p.txEvent == 0 && !p.rdmOwned {
		p.force = true
		p.scheduleTxLocked(p.sched.Now(), p.onBreak)
	}
}

// Stop ends the port's role. A frame on the wire is completed first.
func (p *Port) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	switch p.txState {
	case TxIdle, TxInterFrameGap:
		p.cancelTxLocked()
		p.txState = TxIdle
	}
	p.rx.reset()
}

// Statistics returns the last observed transmit and receive statistics.
func (p *Port) Statistics() (transmit, receive Statistics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txStats, p.rxStats
}

// TotalStatistics returns frame totals.
func (p *Port) TotalStatistics() TotalStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals
}

// ClearStatistics resets statistics, totals and counters.
func (p *Port) ClearStatistics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txStats = Statistics{}
	p.rxStats = Statistics{}
	p.totals = TotalStatistics{}
	p.counters = Counters{}
	p.rx.lastErr = nil
}

// Status returns a diagnostics snapshot.
func (p *Port) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Index:         p.index,
		Direction:     p.direction.String(),
		Style:         p.style.String(),
		Running:       p.running,
		TransmitState: p.txState.String(),
		ReceiveState:  p.rx.state.String(),
		RdmActive:     p.rdmOwned,
		BreakTime:     p.timing.Break,
		MabTime:       p.timing.MAB,
		Period:        p.timing.EffectivePeriod(),
		Slots:         p.timing.Slots,
		Transmit:      p.txStats,
		Receive:       p.rxStats,
		Totals:        p.totals,
		Counters:      p.counters,
	}
	if p.pendingDir != nil {
		s.PendingDirection = p.pendingDir.String()
	}
	if p.rx.lastErr != nil {
		s.ReceiveError = p.rx.lastErr.Error()
	}
	return s
}
