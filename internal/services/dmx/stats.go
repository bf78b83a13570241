package dmx

import "time"

// Statistics are the last observed values for one direction of a port.
type Statistics struct {
	SlotsInPacket  int           `json:"slotsInPacket"`
	SlotToSlot     time.Duration `json:"slotToSlot"`
	MarkAfterBreak time.Duration `json:"markAfterBreak"`
	BreakToBreak   time.Duration `json:"breakToBreak"`
}

// TotalStatistics counts frames on the wire in either direction.
type TotalStatistics struct {
	DmxPackets uint64 `json:"dmxPackets"`
	RdmPackets uint64 `json:"rdmPackets"`
}

// Counters are diagnostics for dropped or unusual input.
type Counters struct {
	Truncated           uint64 `json:"truncated"`
	FramingErrors       uint64 `json:"framingErrors"`
	ShortMab            uint64 `json:"shortMab"`
	AlternateStartCodes uint64 `json:"alternateStartCodes"`
	SkippedFrames       uint64 `json:"skippedFrames"`
	LineErrors          uint64 `json:"lineErrors"`
}

// Status is a snapshot of a port for diagnostics.
type Status struct {
	Index            int             `json:"index"`
	Direction        string          `json:"direction"`
	PendingDirection string          `json:"pendingDirection,omitempty"`
	Style            string          `json:"style"`
	Running          bool            `json:"running"`
	TransmitState    string          `json:"transmitState"`
	ReceiveState     string          `json:"receiveState"`
	RdmActive        bool            `json:"rdmActive"`
	BreakTime        time.Duration   `json:"breakTime"`
	MabTime          time.Duration   `json:"mabTime"`
	Period           time.Duration   `json:"period"`
	Slots            int             `json:"slots"`
	Transmit         Statistics      `json:"transmit"`
	Receive          Statistics      `json:"receive"`
	Totals           TotalStatistics `json:"totals"`
	Counters         Counters        `json:"counters"`
	ReceiveError     string          `json:"receiveError,omitempty"`
}
