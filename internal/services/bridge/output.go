package bridge

import "sync"

// Output is the capability the bridge drives: a DMX port manager, pixel
// driver, serial driver or monitor. Ports are output indexes of the sink.
type Output interface {
	SetData(port int, data []byte, changed bool)
	Start(port int)
	Stop(port int)
	// Sync releases frames staged since the last Sync together.
	Sync()
}

// Synchronizer is implemented by outputs that can hold frames until Sync.
type Synchronizer interface {
	SetSynchronous(on bool)
}

// Fanout drives several outputs as one.
type Fanout struct {
	mu      sync.RWMutex
	outputs []Output
}

// NewFanout combines outputs; nil entries are skipped.
func NewFanout(outputs ...Output) *Fanout {
	f := &Fanout{}
	for _, o := range outputs {
		if o != nil {
			f.outputs = append(f.outputs, o)
		}
	}
	return f
}

// Add appends an output.
func (f *Fanout) Add(o Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, o)
}

func (f *Fanout) each(fn func(Output)) {
	f.mu.RLock()
	outputs := f.outputs
	f.mu.RUnlock()
	for _, o := range outputs {
		fn(o)
	}
}

func (f *Fanout) SetData(port int, data []byte, changed bool) {
	f.each(func(o Output) { o.SetData(port, data, changed) })
}

func (f *Fanout) Start(port int) { f.each(func(o Output) { o.Start(port) }) }

func (f *Fanout) Stop(port int) { f.each(func(o Output) { o.Stop(port) }) }

func (f *Fanout) Sync() { f.each(func(o Output) { o.Sync() }) }

// SetSynchronous forwards to every output that can hold frames.
func (f *Fanout) SetSynchronous(on bool) {
	f.each(func(o Output) {
		if s, ok := o.(Synchronizer); ok {
			s.SetSynchronous(on)
		}
	})
}
