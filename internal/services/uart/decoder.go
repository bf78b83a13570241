// Package uart drives a DMX512 line through a UART and an RS485 transceiver.
package uart

import (
	"time"

	"github.com/bbernstein/lacylights-node/internal/services/dmx"
)

// Sink receives decoded line events. *dmx.Port satisfies it.
type Sink interface {
	ReceiveBreak(start, end time.Time)
	ReceiveSlot(at time.Time, b byte)
}

// Decoder turns a byte stream read with PARMRK set into breaks and slots.
// A break arrives as 0xFF 0x00 0x00, a literal 0xFF as 0xFF 0xFF. The UART
// cannot measure the break, so it is reported with nominal timing ending one
// mark-after-break before the next slot.
type Decoder struct {
	escape int
	next   time.Time
}

type event struct {
	brk  bool
	skip bool
	b    byte
}

func (e event) span() time.Duration {
	if e.brk {
		return dmx.DefaultBreakTime + dmx.DefaultMabTime
	}
	return dmx.SlotTime
}

// Feed decodes one chunk read at at. The chunk is assumed to have just
// finished arriving; events are laid out backwards from at, never earlier than
// the end of the previous chunk.
func (d *Decoder) Feed(at time.Time, data []byte, sink Sink) {
	events := d.decode(data)
	var total time.Duration
	for _, e := range events {
		total += e.span()
	}
	t := at.Add(-total)
	if t.Before(d.next) {
		t = d.next
	}
	for _, e := range events {
		switch {
		case e.brk:
			sink.ReceiveBreak(t, t.Add(dmx.DefaultBreakTime))
		case !e.skip:
			sink.ReceiveSlot(t, e.b)
		}
		t = t.Add(e.span())
	}
	d.next = t
}

func (d *Decoder) decode(data []byte) []event {
	events := make([]event, 0, len(data))
	for _, b := range data {
		switch d.escape {
		case 0:
			if b == 0xFF {
				d.escape = 1
				continue
			}
			events = append(events, event{b: b})
		case 1:
			switch b {
			case 0xFF:
				d.escape = 0
				events = append(events, event{b: 0xFF})
			case 0x00:
				d.escape = 2
			default:
				d.escape = 0
				events = append(events, event{b: b})
			}
		case 2:
			d.escape = 0
			if b == 0x00 {
				events = append(events, event{brk: true})
				continue
			}
			// a parity or framing error on a data byte; the byte is unusable
			events = append(events, event{skip: true})
		}
	}
	return events
}
