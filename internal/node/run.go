package node

import (
	"context"
	"time"

	"github.com/bbernstein/lacylights-node/internal/services/dmx"
)

const (
	// tick is the run loop granularity. Port timing is driven by the
	// scheduler; the tick bounds how late an event can fire.
	tick = time.Millisecond
	// maxPackets bounds network datagrams handled per step.
	maxPackets = 64
	// maxChunks bounds UART reads decoded per port per step.
	maxChunks = 16
	// blackoutDrain bounds how long Shutdown waits for the blackout frame.
	blackoutDrain = 100 * time.Millisecond
)

// Start starts every port and the bridge outputs.
func (n *Node) Start() {
	for _, p := range n.dmx.Ports() {
		n.outputs.Start(p.Index())
	}
	n.bridge.Start()
	n.log.Info("▶️  Node started")
}

// Run drives the node until ctx is done. Every component is touched only from
// this goroutine, apart from the locked accessors the API uses.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.Step(n.clock.Now())
		}
	}
}

// Step performs one pass of the run loop at now.
func (n *Node) Step(now time.Time) {
	if n.transport != nil {
		n.transport.Poll(n.bridge, maxPackets)
	}
	for i, line := range n.lines {
		if line == nil {
			continue
		}
		if p, err := n.dmx.Port(i); err == nil {
			line.Poll(p, maxChunks)
		}
	}
	n.sched.Run()
	n.bridge.Run(now)
	if err := n.dmx.Run(now); err != nil {
		n.log.WithError(err).Debug("DMX receive error")
	}
	if n.pixel != nil {
		n.pixel.Run(now)
	}
	n.monitor.Run(now)
}

// Shutdown terminates outbound streams, blacks out every output port, stops
// all ports and releases devices and sockets. Call it after Run has returned.
func (n *Node) Shutdown(ctx context.Context) {
	n.shutdownOnce.Do(func() {
		n.log.Info("🛑 Shutting down node")
		n.bridge.Terminate()
		n.rdm.CancelAll()
		n.blackout(ctx)
		n.bridge.Stop()
		for _, p := range n.dmx.Ports() {
			n.outputs.Stop(p.Index())
		}
		n.closeAll()
	})
}

// blackout sends a zero frame on every running output and waits until it has
// left the line. A frame already on the wire finishes first and the zeros
// follow in the next one.
func (n *Node) blackout(ctx context.Context) {
	want := make(map[int]uint64)
	for _, p := range n.dmx.Ports() {
		if !p.Running() || p.Direction() != dmx.Output {
			continue
		}
		frames := uint64(1)
		switch p.TxState() {
		case dmx.TxBreak, dmx.TxMarkAfterBreak, dmx.TxSlots:
			frames = 2
		}
		want[p.Index()] = p.TotalStatistics().DmxPackets + frames
	}
	n.dmx.Blackout()

	timeout := time.NewTimer(blackoutDrain)
	defer timeout.Stop()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for len(want) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			n.log.Warn("Blackout frame not confirmed before stop")
			return
		case <-ticker.C:
		}
		n.sched.Run()
		for i, target := range want {
			if p, err := n.dmx.Port(i); err == nil && p.TotalStatistics().DmxPackets >= target {
				delete(want, i)
			}
		}
	}
}
