package dmx

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// UniverseSize is the number of data slots in a DMX frame.
	UniverseSize = 512
	// SlotTime is the duration of one 11-bit slot at 250 kbaud.
	SlotTime = 44 * time.Microsecond

	MinBreakTime     = 92 * time.Microsecond
	DefaultBreakTime = 176 * time.Microsecond
	MinMabTime       = 12 * time.Microsecond
	DefaultMabTime   = 12 * time.Microsecond
	MaxMabTime       = time.Second
	DefaultPeriod    = 25 * time.Millisecond

	// Receivers accept slightly shorter preambles than transmitters may send.
	ReceiveMinBreak = 88 * time.Microsecond
	ReceiveMinMab   = 8 * time.Microsecond
	// DefaultSlotTimeout is the longest gap allowed between slots of one frame.
	DefaultSlotTimeout = time.Second
)

var (
	// ErrConfigClamped is returned when a timing value was raised or lowered to
	// the nearest legal value. The clamped value is in effect.
	ErrConfigClamped = errors.New("timing configuration clamped")
	// ErrFrameTruncated is reported by Run for a frame discarded on a
	// slot-to-slot timeout.
	ErrFrameTruncated = errors.New("frame truncated")
)

// Timing holds the transmit timing of a port.
type Timing struct {
	Break time.Duration
	MAB   time.Duration
	// Period is the break-to-break interval; zero selects the shortest legal period.
	Period time.Duration
	// Slots is the number of data slots sent after the start code.
	Slots int
}

// DefaultTiming returns the typical transmit timing.
func DefaultTiming() Timing {
	return Timing{
		Break:  DefaultBreakTime,
		MAB:    DefaultMabTime,
		Period: DefaultPeriod,
		Slots:  UniverseSize,
	}
}

// PacketLength is the time needed for break, MAB, start code and slots.
func (t Timing) PacketLength() time.Duration {
	return t.Break + t.MAB + time.Duration(t.Slots+1)*SlotTime
}

// MinPeriod is the shortest legal break-to-break interval.
func (t Timing) MinPeriod() time.Duration {
	return t.PacketLength()
}

// EffectivePeriod is the break-to-break interval actually used.
func (t Timing) EffectivePeriod() time.Duration {
	if t.Period < t.MinPeriod() {
		return t.MinPeriod()
	}
	return t.Period
}

// InterFrameGap is the idle time between the last slot and the next break.
func (t Timing) InterFrameGap() time.Duration {
	return t.EffectivePeriod() - t.PacketLength()
}

// RefreshRate returns frames per second for the effective period.
func (t Timing) RefreshRate() float64 {
	return float64(time.Second) / float64(t.EffectivePeriod())
}

// PeriodForRate converts a refresh rate to a period; zero means as fast as possible.
func PeriodForRate(hz int) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Second / time.Duration(hz)
}

// Normalize returns t with every field inside protocol limits. When anything
// had to change the error wraps ErrConfigClamped and names each change.
func (t Timing) Normalize() (Timing, error) {
	var notes []string
	if t.Break < MinBreakTime {
		notes = append(notes, fmt.Sprintf("break %v raised to %v", t.Break, MinBreakTime))
		t.Break = MinBreakTime
	}
	if t.MAB < MinMabTime {
		notes = append(notes, fmt.Sprintf("mab %v raised to %v", t.MAB, MinMabTime))
		t.MAB = MinMabTime
	}
	if t.MAB > MaxMabTime {
		notes = append(notes, fmt.Sprintf("mab %v lowered to %v", t.MAB, MaxMabTime))
		t.MAB = MaxMabTime
	}
	if t.Slots < 1 || t.Slots > UniverseSize {
		clamped := UniverseSize
		if t.Slots < 1 {
			clamped = 1
		}
		notes = append(notes, fmt.Sprintf("slots %d clamped to %d", t.Slots, clamped))
		t.Slots = clamped
	}
	if t.Period != 0 && t.Period < t.MinPeriod() {
		notes = append(notes, fmt.Sprintf("period %v raised to %v", t.Period, t.MinPeriod()))
		t.Period = t.MinPeriod()
	}
	if len(notes) > 0 {
		return t, fmt.Errorf("%w: %s", ErrConfigClamped, strings.Join(notes, ", "))
	}
	return t, nil
}
