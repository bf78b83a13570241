package dmx

import "sync"

// Direction is the role of a port on its half-duplex line.
type Direction int

const (
	Output Direction = iota
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// ParseDirection accepts "input" or "output".
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "output", "OUTPUT", "out":
		return Output, true
	case "input", "INPUT", "in":
		return Input, true
	}
	return Output, false
}

// Line is the physical line driver behind a port.
type Line interface {
	// SetDirection switches the RS485 driver between transmit and receive.
	SetDirection(d Direction) error
	// SetBreak holds the line low while on is true.
	SetBreak(on bool) error
	// Write sends slots, start code first.
	Write(p []byte) error
}

// NopLine discards everything; it backs ports without hardware.
type NopLine struct{}

func (NopLine) SetDirection(Direction) error { return nil }
func (NopLine) SetBreak(bool) error          { return nil }
func (NopLine) Write([]byte) error           { return nil }

// LineEvent is one call recorded by a RecordingLine.
type LineEvent struct {
	Kind      string
	Direction Direction
	Break     bool
	Data      []byte
}

// RecordingLine keeps every call for inspection.
type RecordingLine struct {
	mu     sync.Mutex
	Events []LineEvent
}

func (l *RecordingLine) SetDirection(d Direction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Events = append(l.Events, LineEvent{Kind: "direction", Direction: d})
	return nil
}

func (l *RecordingLine) SetBreak(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Events = append(l.Events, LineEvent{Kind: "break", Break: on})
	return nil
}

func (l *RecordingLine) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Events = append(l.Events, LineEvent{Kind: "write", Data: append([]byte(nil), p...)})
	return nil
}

// Writes returns the payloads written so far.
func (l *RecordingLine) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out [][]byte
	for _, e := range l.Events {
		if e.Kind == "write" {
			out = append(out, e.Data)
		}
	}
	return out
}

// Reset forgets recorded events.
func (l *RecordingLine) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Events = nil
}
