package uart

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/services/dmx"
	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
)

// Baud is the DMX512 line rate.
const Baud = 250000

// ErrUnsupported is returned on platforms without a UART backend.
var ErrUnsupported = errors.New("uart not supported on this platform")

// tty is the serial device underneath a Driver.
type tty interface {
	setBreak(on bool) error
	write(p []byte) error
	// drain blocks until everything written has left the shift register.
	drain() error
	// read returns 0 bytes and no error when nothing arrived within its timeout.
	read(p []byte) (int, error)
	close() error
}

// Config describes one UART line.
type Config struct {
	Device string
	// DEPin is the GPIO driving the transceiver's DE/RE pair; negative when the
	// direction is fixed in hardware.
	DEPin       int
	DEActiveLow bool
	GPIORoot    string
	QueueSize   int
}

type chunk struct {
	at   time.Time
	data []byte
}

// Driver is a dmx.Line backed by a UART. Received bytes are queued by a reader
// goroutine and decoded on the caller's goroutine by Poll.
type Driver struct {
	tty   tty
	pin   *Pin
	clock scheduler.Clock
	log   logrus.FieldLogger

	mu  sync.Mutex
	dir dmx.Direction
	dec Decoder

	chunks  chan chunk
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
}

// Open configures the device for 250 kbaud 8N2 with break marking and starts
// reading.
func Open(cfg Config, clock scheduler.Clock, log logrus.FieldLogger) (*Driver, error) {
	t, err := openTTY(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	var pin *Pin
	if cfg.DEPin >= 0 {
		pin, err = OpenPin(cfg.GPIORoot, cfg.DEPin, cfg.DEActiveLow)
		if err != nil {
			_ = t.close()
			return nil, err
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := newDriver(t, pin, clock, cfg.QueueSize, log.WithField("device", cfg.Device))
	d.log.Info("🔌 UART line opened")
	return d, nil
}

func newDriver(t tty, pin *Pin, clock scheduler.Clock, queue int, log logrus.FieldLogger) *Driver {
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	if queue <= 0 {
		queue = 64
	}
	d := &Driver{
		tty:    t,
		pin:    pin,
		clock:  clock,
		log:    log,
		dir:    dmx.Input,
		chunks: make(chan chunk, queue),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

// SetDirection turns the transceiver around. Switching to input waits for the
// last byte to leave the line first.
func (d *Driver) SetDirection(dir dmx.Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dir == dmx.Input {
		if err := d.tty.drain(); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}
	if d.pin != nil {
		if err := d.pin.Transmit(dir == dmx.Output); err != nil {
			return err
		}
	}
	d.dir = dir
	return nil
}

// SetBreak asserts or releases a break on the line.
func (d *Driver) SetBreak(on bool) error {
	if !on {
		return d.tty.setBreak(false)
	}
	// a break must not start while the previous frame is still shifting out
	if err := d.tty.drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return d.tty.setBreak(true)
}

// Write queues slots for transmission.
func (d *Driver) Write(p []byte) error {
	return d.tty.write(p)
}

// Direction returns the transceiver direction last set.
func (d *Driver) Direction() dmx.Direction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dir
}

func (d *Driver) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, 1024)
	for !d.closed.Load() {
		n, err := d.tty.read(buf)
		if err != nil {
			if d.closed.Load() {
				return
			}
			d.log.WithError(err).Warn("UART read error")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}
		c := chunk{at: d.clock.Now(), data: append([]byte(nil), buf[:n]...)}
		select {
		case d.chunks <- c:
		case <-d.done:
			return
		default:
			d.dropped.Add(1)
		}
	}
}

// Poll decodes up to max queued chunks into sink without blocking and returns
// how many it handled.
func (d *Driver) Poll(sink Sink, max int) int {
	handled := 0
	for handled < max {
		select {
		case c := <-d.chunks:
			d.dec.Feed(c.at, c.data, sink)
			handled++
		default:
			return handled
		}
	}
	return handled
}

// Dropped counts chunks lost to a full queue.
func (d *Driver) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops the reader and releases the device and pin.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.done)
	d.wg.Wait()
	var errs []error
	errs = append(errs, d.tty.close())
	if d.pin != nil {
		errs = append(errs, d.pin.Close())
	}
	return errors.Join(errs...)
}
