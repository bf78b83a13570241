package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MaxLayoutPorts matches the largest port count the DMX service accepts.
const MaxLayoutPorts = 32

// ErrInvalidLayout is returned when a layout file does not describe a usable node.
var ErrInvalidLayout = errors.New("invalid port layout")

// Layout is the product wiring: ports, their drivers and universe bindings.
type Layout struct {
	Ports    []PortLayout    `toml:"ports" yaml:"ports"`
	Bindings []BindingLayout `toml:"bindings" yaml:"bindings"`
	Pixel    *PixelLayout    `toml:"pixel" yaml:"pixel"`
	Serial   *SerialLayout   `toml:"serial" yaml:"serial"`
	Forward  []ForwardLayout `toml:"forward" yaml:"forward"`
}

// PortLayout describes one physical DMX port. Driver is "uart" or "none".
type PortLayout struct {
	Direction string `toml:"direction" yaml:"direction"`
	Style     string `toml:"style" yaml:"style"`
	Driver    string `toml:"driver" yaml:"driver"`
	Device    string `toml:"device" yaml:"device"`
	// DEPin is the transceiver direction GPIO; omitted when fixed in hardware.
	DEPin       *int `toml:"de_pin" yaml:"de_pin"`
	DEActiveLow bool `toml:"de_active_low" yaml:"de_active_low"`
}

// BindingLayout connects a network universe to a port.
type BindingLayout struct {
	Port     int    `toml:"port" yaml:"port"`
	Protocol string `toml:"protocol" yaml:"protocol"`
	Universe int    `toml:"universe" yaml:"universe"`
	// Input sends what the port receives to the network.
	Input bool `toml:"input" yaml:"input"`
}

// PixelLayout drives an LED strip from one or more ports.
type PixelLayout struct {
	Device     string `toml:"device" yaml:"device"`
	Type       string `toml:"type" yaml:"type"`
	Map        string `toml:"map" yaml:"map"`
	Count      int    `toml:"count" yaml:"count"`
	Ports      []int  `toml:"ports" yaml:"ports"`
	Brightness uint8  `toml:"brightness" yaml:"brightness"`
	// TestPattern names a built-in pattern that replaces network data.
	TestPattern string `toml:"test_pattern" yaml:"test_pattern"`
}

// SerialLayout mirrors one port to a USB DMX widget.
type SerialLayout struct {
	Device string `toml:"device" yaml:"device"`
	Baud   int    `toml:"baud" yaml:"baud"`
	Port   int    `toml:"port" yaml:"port"`
}

// ForwardLayout re-transmits a port as an Art-Net universe.
type ForwardLayout struct {
	Port     int    `toml:"port" yaml:"port"`
	Universe uint16 `toml:"universe" yaml:"universe"`
}

// DefaultLayout is a single output port fed by sACN universe 1.
func DefaultLayout() *Layout {
	return &Layout{
		Ports:    []PortLayout{{Direction: "output", Style: "continuous", Driver: "none"}},
		Bindings: []BindingLayout{{Port: 0, Protocol: "sacn", Universe: 1}},
	}
}

// LoadLayout reads a layout file, choosing the decoder by extension.
// An empty path returns DefaultLayout.
func LoadLayout(path string) (*Layout, error) {
	if path == "" {
		return DefaultLayout(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	return ParseLayout(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParseLayout decodes a layout in the given format ("toml", "yaml" or "yml").
func ParseLayout(data []byte, format string) (*Layout, error) {
	var l Layout
	switch strings.ToLower(format) {
	case "toml":
		if _, err := toml.Decode(string(data), &l); err != nil {
			return nil, fmt.Errorf("decode toml layout: %w", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&l); err != nil {
			return nil, fmt.Errorf("decode yaml layout: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidLayout, format)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks port references and enumerated values.
func (l *Layout) Validate() error {
	if len(l.Ports) == 0 {
		return fmt.Errorf("%w: no ports", ErrInvalidLayout)
	}
	if len(l.Ports) > MaxLayoutPorts {
		return fmt.Errorf("%w: %d ports, at most %d", ErrInvalidLayout, len(l.Ports), MaxLayoutPorts)
	}
	for i, p := range l.Ports {
		switch p.Direction {
		case "", "output", "input":
		default:
			return fmt.Errorf("%w: port %d direction %q", ErrInvalidLayout, i, p.Direction)
		}
		switch p.Style {
		case "", "continuous", "onchange", "delta":
		default:
			return fmt.Errorf("%w: port %d style %q", ErrInvalidLayout, i, p.Style)
		}
		switch p.Driver {
		case "", "none":
		case "uart":
			if p.Device == "" {
				return fmt.Errorf("%w: port %d uart driver needs a device", ErrInvalidLayout, i)
			}
		default:
			return fmt.Errorf("%w: port %d driver %q", ErrInvalidLayout, i, p.Driver)
		}
	}

	for _, b := range l.Bindings {
		if err := l.checkPort(b.Port); err != nil {
			return err
		}
		switch strings.ToLower(b.Protocol) {
		case "artnet", "art-net":
			if b.Universe < 0 || b.Universe > 0x7FFF {
				return fmt.Errorf("%w: Art-Net universe %d", ErrInvalidLayout, b.Universe)
			}
		case "sacn", "e131", "e1.31":
			if b.Universe < 1 || b.Universe > 63999 {
				return fmt.Errorf("%w: sACN universe %d", ErrInvalidLayout, b.Universe)
			}
		default:
			return fmt.Errorf("%w: protocol %q", ErrInvalidLayout, b.Protocol)
		}
	}

	if l.Pixel != nil {
		if l.Pixel.Count < 1 {
			return fmt.Errorf("%w: pixel count %d", ErrInvalidLayout, l.Pixel.Count)
		}
		for _, p := range l.Pixel.Ports {
			if err := l.checkPort(p); err != nil {
				return err
			}
		}
	}
	if l.Serial != nil {
		if err := l.checkPort(l.Serial.Port); err != nil {
			return err
		}
	}
	for _, f := range l.Forward {
		if err := l.checkPort(f.Port); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) checkPort(i int) error {
	if i < 0 || i >= len(l.Ports) {
		return fmt.Errorf("%w: port %d not defined", ErrInvalidLayout, i)
	}
	return nil
}
