package dmx

import (
	"fmt"
	"time"
)

// RDMStartCode is the alternate start code carrying RDM messages.
const RDMStartCode byte = 0xCC

// RxState is the receive state of a port.
type RxState int

const (
	RxWaitBreak RxState = iota
	RxValidateMab
	RxSlots
	RxFrameComplete
)

func (s RxState) String() string {
	switch s {
	case RxValidateMab:
		return "validate-mab"
	case RxSlots:
		return "receive-slots"
	case RxFrameComplete:
		return "frame-complete"
	}
	return "wait-break"
}

// Frame is a received DMX frame. Data past Slots is zero.
type Frame struct {
	StartCode byte
	Slots     int
	Data      [UniverseSize]byte
}

type receiver struct {
	state      RxState
	timeout    time.Duration
	breakStart time.Time
	breakEnd   time.Time
	lastSlot   time.Time
	haveBreak  bool
	slotGap    time.Duration
	mab        time.Duration
	buf        [UniverseSize + 1]byte
	n          int

	latest     Frame
	haveLatest bool
	fresh      bool
	changed    bool

	// err is held until the next Run; lastErr stays for diagnostics.
	err     error
	lastErr error
}

func (r *receiver) reset() {
	r.state = RxWaitBreak
	r.n = 0
	r.haveBreak = false
}

// delivery carries completed input to callbacks outside the port lock.
type delivery struct {
	frame   *Frame
	changed bool
	rdm     []byte
}

func (p *Port) rxEnabledLocked() bool {
	return (p.running && p.direction == Input) || p.rdmListening
}

// ReceiveBreak reports a low period on the line from start to end. Breaks
// shorter than the receive minimum are framing errors.
func (p *Port) ReceiveBreak(start, end time.Time) {
	p.mu.Lock()
	if !p.rxEnabledLocked() {
		p.mu.Unlock()
		return
	}
	var d delivery
	if end.Sub(start) < ReceiveMinBreak {
		p.counters.FramingErrors++
		p.rx.reset()
		p.mu.Unlock()
		return
	}
	if p.rx.state == RxSlots {
		d = p.completeLocked()
	}
	if p.rx.haveBreak {
		p.rxStats.BreakToBreak = start.Sub(p.rx.breakStart)
	}
	p.rx.haveBreak = true
	p.rx.breakStart = start
	p.rx.breakEnd = end
	p.rx.n = 0
	p.rx.state = RxValidateMab
	p.mu.Unlock()
	p.deliver(d)
}

// ReceiveSlot reports one byte whose start bit began at at.
func (p *Port) ReceiveSlot(at time.Time, b byte) {
	p.mu.Lock()
	if !p.rxEnabledLocked() {
		p.mu.Unlock()
		return
	}
	var d delivery
	switch p.rx.state {
	case RxValidateMab:
		mab := at.Sub(p.rx.breakEnd)
		if mab < ReceiveMinMab {
			p.counters.ShortMab++
			p.rx.reset()
			break
		}
		p.rx.mab = mab
		p.rx.buf[0] = b
		p.rx.n = 1
		p.rx.lastSlot = at
		p.rx.state = RxSlots
	case RxSlots:
		gap := at.Sub(p.rx.lastSlot)
		if gap > p.rx.timeout {
			p.truncateLocked()
			break
		}
		p.rx.buf[p.rx.n] = b
		p.rx.n++
		p.rx.slotGap = gap
		p.rx.lastSlot = at
		if p.rx.n == len(p.rx.buf) || p.rdmCompleteLocked() {
			d = p.completeLocked()
		}
	}
	p.mu.Unlock()
	p.deliver(d)
}

// ReceiveRaw hands a frame received without a break, such as a discovery
// response, to the RDM consumer.
func (p *Port) ReceiveRaw(data []byte) {
	p.mu.Lock()
	if !p.rdmListening || len(data) == 0 {
		p.mu.Unlock()
		return
	}
	p.totals.RdmPackets++
	d := delivery{rdm: append([]byte(nil), data...)}
	p.mu.Unlock()
	p.deliver(d)
}

// rdmCompleteLocked reports whether the buffer holds a whole RDM message,
// which ends at its message length plus checksum rather than at a break.
func (p *Port) rdmCompleteLocked() bool {
	return p.rx.buf[0] == RDMStartCode && p.rx.n >= 3 && p.rx.n == int(p.rx.buf[2])+2
}

func (p *Port) truncateLocked() {
	p.counters.Truncated++
	p.log.WithField("slots", p.rx.n).Debug("Frame truncated by slot timeout")
	p.rx.err = fmt.Errorf("%w after %d slots", ErrFrameTruncated, p.rx.n)
	p.rx.lastErr = p.rx.err
	p.rx.n = 0
	p.rx.state = RxWaitBreak
}

func (p *Port) completeLocked() delivery {
	var d delivery
	n := p.rx.n
	p.rx.state = RxFrameComplete
	p.rx.n = 0
	if n == 0 {
		return d
	}

	switch sc := p.rx.buf[0]; sc {
	case 0x00:
		f := Frame{StartCode: sc, Slots: n - 1}
		copy(f.Data[:], p.rx.buf[1:n])
		changed := !p.rx.haveLatest || f != p.rx.latest
		p.rx.latest = f
		p.rx.haveLatest = true
		p.rx.fresh = true
		p.rx.changed = p.rx.changed || changed

		p.rxStats.SlotsInPacket = n - 1
		p.rxStats.SlotToSlot = p.rx.slotGap
		p.rxStats.MarkAfterBreak = p.rx.mab
		p.totals.DmxPackets++
		d.frame = &f
		d.changed = changed
	case RDMStartCode:
		p.totals.RdmPackets++
		if p.rdmListening || p.direction == Input {
			d.rdm = append([]byte(nil), p.rx.buf[:n]...)
		}
	default:
		p.counters.AlternateStartCodes++
	}
	return d
}

func (p *Port) deliver(d delivery) {
	if d.frame != nil && p.onFrame != nil {
		p.onFrame(p.index, *d.frame, d.changed)
	}
	if d.rdm != nil && p.onRDM != nil {
		p.onRDM(p.index, d.rdm)
	}
}

// Run performs the receive-side deadline checks. It returns ErrFrameTruncated
// when a frame was discarded since the previous call, whether by this check or
// by a late slot.
func (p *Port) Run(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rx.state == RxSlots && now.Sub(p.rx.lastSlot) > p.rx.timeout {
		p.truncateLocked()
	}
	err := p.rx.err
	p.rx.err = nil
	return err
}

// GetDmxAvailable returns the latest frame once per received frame.
func (p *Port) GetDmxAvailable() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rx.fresh {
		return Frame{}, false
	}
	p.rx.fresh = false
	return p.rx.latest, true
}

// GetDmxChanged returns the latest frame only if its content changed since
// the last call.
func (p *Port) GetDmxChanged() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rx.changed {
		return Frame{}, false
	}
	p.rx.changed = false
	p.rx.fresh = false
	return p.rx.latest, true
}

// GetDmxCurrentData returns the latest frame without consuming it.
func (p *Port) GetDmxCurrentData() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rx.latest, p.rx.haveLatest
}

// ReceiveState returns the receive state.
func (p *Port) ReceiveState() RxState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rx.state
}
