// Package pixel renders DMX universes onto addressable LED strips.
package pixel

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type is an LED controller family.
type Type int

const (
	WS2811 Type = iota
	WS2812
	WS2812B
	SK6812
	SK6812W
	APA102
)

var typeNames = map[Type]string{
	WS2811:  "WS2811",
	WS2812:  "WS2812",
	WS2812B: "WS2812B",
	SK6812:  "SK6812",
	SK6812W: "SK6812W",
	APA102:  "APA102",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType accepts a controller name, case insensitive.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return WS2811, fmt.Errorf("unknown pixel type %q", s)
}

// Channels returns the colour components per pixel.
func (t Type) Channels() int {
	if t == SK6812W {
		return 4
	}
	return 3
}

// Map is the order the strip expects colour components in.
type Map string

const (
	RGB Map = "RGB"
	RBG Map = "RBG"
	GRB Map = "GRB"
	GBR Map = "GBR"
	BRG Map = "BRG"
	BGR Map = "BGR"
)

// DefaultMap returns the component order a controller uses out of the box.
func (t Type) DefaultMap() Map {
	switch t {
	case WS2812, WS2812B, SK6812, SK6812W:
		return GRB
	case APA102:
		return BGR
	}
	return RGB
}

// ErrInvalidConfig is returned for impossible strip layouts.
var ErrInvalidConfig = errors.New("invalid pixel configuration")

// Config describes one strip.
type Config struct {
	Type  Type
	Map   Map
	Count int
	// Ports lists the bridge ports feeding the strip, in order; each carries as
	// many whole pixels as fit in 512 slots.
	Ports []int
	// MinInterval limits how often the strip is refreshed.
	MinInterval time.Duration
	// Brightness is the APA102 global brightness, 0-31.
	Brightness uint8
	// TestPattern, when set, drives the strip instead of network data.
	TestPattern Pattern
}

// Driver is a bridge output writing pixel data to an SPI device.
type Driver struct {
	mu  sync.Mutex
	cfg Config
	w   io.Writer
	log logrus.FieldLogger

	perPort     int
	index       map[int]int
	pixels      []byte
	dirty       bool
	running     map[int]bool
	synchronous bool
	lastRender  time.Time
	frames      uint64
	pattern     Pattern
	step        int
}

// New validates cfg and returns a driver writing to w.
func New(w io.Writer, cfg Config, log logrus.FieldLogger) (*Driver, error) {
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("%w: pixel count %d", ErrInvalidConfig, cfg.Count)
	}
	if cfg.Map == "" {
		cfg.Map = cfg.Type.DefaultMap()
	}
	if _, err := order(cfg.Map); err != nil {
		return nil, err
	}
	if cfg.Brightness == 0 || cfg.Brightness > 31 {
		cfg.Brightness = 31
	}
	perPort := 512 / cfg.Type.Channels()
	if need := (cfg.Count + perPort - 1) / perPort; len(cfg.Ports) < need {
		return nil, fmt.Errorf("%w: %d pixels need %d ports, %d configured", ErrInvalidConfig, cfg.Count, need, len(cfg.Ports))
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Driver{
		cfg:     cfg,
		w:       w,
		log:     log.WithField("component", "pixel"),
		perPort: perPort,
		index:   make(map[int]int),
		pixels:  make([]byte, cfg.Count*cfg.Type.Channels()),
		running: make(map[int]bool),
		pattern: cfg.TestPattern,
	}
	for i, p := range cfg.Ports {
		d.index[p] = i
	}
	d.log.WithFields(logrus.Fields{"type": cfg.Type, "count": cfg.Count, "map": cfg.Map}).Info("💡 Pixel driver ready")
	if d.pattern != PatternNone {
		d.log.WithField("pattern", d.pattern).Info("🌈 Pixel test pattern running")
	}
	return d, nil
}

// SetTestPattern starts a test pattern, or returns the strip to network data
// with PatternNone.
func (d *Driver) SetTestPattern(p Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p == d.pattern {
		return
	}
	d.pattern = p
	d.step = 0
	d.lastRender = time.Time{}
	for i := range d.pixels {
		d.pixels[i] = 0
	}
	d.dirty = true
	d.log.WithField("pattern", p).Info("Pixel test pattern changed")
}

// TestPattern returns the pattern in effect.
func (d *Driver) TestPattern() Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pattern
}

// PixelType reports the controller name.
func (d *Driver) PixelType() string { return d.cfg.Type.String() }

// PixelCount reports the number of pixels on the strip.
func (d *Driver) PixelCount() uint32 { return uint32(d.cfg.Count) }

// SetData copies the part of a universe that maps onto the strip. Ports that
// do not feed this strip are ignored.
func (d *Driver) SetData(port int, data []byte, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[port]
	if !ok || !d.running[port] || d.pattern != PatternNone {
		return
	}
	ch := d.cfg.Type.Channels()
	off := i * d.perPort * ch
	if off >= len(d.pixels) {
		return
	}
	n := copy(d.pixels[off:min(len(d.pixels), off+d.perPort*ch)], data)
	if changed && n > 0 {
		d.dirty = true
	}
}

func (d *Driver) Start(port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.index[port]; ok {
		d.running[port] = true
	}
}

// Stop blanks the strip once its last port stops.
func (d *Driver) Stop(port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running[port] {
		return
	}
	delete(d.running, port)
	if len(d.running) > 0 {
		return
	}
	for i := range d.pixels {
		d.pixels[i] = 0
	}
	d.renderLocked(time.Time{})
}

// SetSynchronous holds rendering until Sync.
func (d *Driver) SetSynchronous(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.synchronous = on
}

// Sync renders staged data immediately.
func (d *Driver) Sync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dirty && d.pattern == PatternNone {
		d.renderLocked(time.Time{})
	}
}

// Run refreshes the strip when data changed and the refresh interval allows.
// A test pattern advances one step per PatternInterval while any port runs.
func (d *Driver) Run(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pattern != PatternNone {
		d.runPatternLocked(now)
		return
	}
	if !d.dirty || d.synchronous {
		return
	}
	if !d.lastRender.IsZero() && now.Sub(d.lastRender) < d.cfg.MinInterval {
		return
	}
	d.renderLocked(now)
}

func (d *Driver) runPatternLocked(now time.Time) {
	if len(d.running) == 0 {
		return
	}
	interval := max(PatternInterval, d.cfg.MinInterval)
	if !d.lastRender.IsZero() && now.Sub(d.lastRender) < interval {
		return
	}
	d.pattern.render(d.pixels, d.cfg.Type.Channels(), d.cfg.Count, d.step)
	d.step++
	d.renderLocked(now)
}

// Frames counts strip refreshes.
func (d *Driver) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *Driver) renderLocked(now time.Time) {
	buf, err := Encode(d.cfg.Type, d.cfg.Map, d.cfg.Brightness, d.pixels)
	if err != nil {
		d.log.WithError(err).Warn("Pixel encode failed")
		return
	}
	if _, err := d.w.Write(buf); err != nil {
		d.log.WithError(err).Warn("Pixel write failed")
		return
	}
	d.dirty = false
	if !now.IsZero() {
		d.lastRender = now
	}
	d.frames++
}
