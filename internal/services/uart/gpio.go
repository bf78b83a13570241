package uart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultGPIORoot is the sysfs GPIO class directory.
const DefaultGPIORoot = "/sys/class/gpio"

// Pin is a sysfs GPIO output driving the transceiver's DE/RE pair.
type Pin struct {
	num       int
	activeLow bool
	value     *os.File
}

// OpenPin exports num under root if needed, makes it an output and drives it
// to receive.
func OpenPin(root string, num int, activeLow bool) (*Pin, error) {
	if root == "" {
		root = DefaultGPIORoot
	}
	dir := filepath.Join(root, "gpio"+strconv.Itoa(num))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := writeFile(filepath.Join(root, "export"), strconv.Itoa(num)); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", num, err)
		}
		// udev needs a moment to create the attribute files
		for i := 0; i < 20; i++ {
			if _, err := os.Stat(filepath.Join(dir, "direction")); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if err := writeFile(filepath.Join(dir, "direction"), "out"); err != nil {
		return nil, fmt.Errorf("gpio %d direction: %w", num, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "value"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("gpio %d value: %w", num, err)
	}
	p := &Pin{num: num, activeLow: activeLow, value: f}
	if err := p.Transmit(false); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func writeFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Transmit enables the driver when on is true and the receiver otherwise.
func (p *Pin) Transmit(on bool) error {
	level := on != p.activeLow
	v := "0"
	if level {
		v = "1"
	}
	if _, err := p.value.WriteAt([]byte(v), 0); err != nil {
		return fmt.Errorf("gpio %d write %s: %w", p.num, v, err)
	}
	return nil
}

// Close releases the value file, leaving the pin in receive.
func (p *Pin) Close() error {
	_ = p.Transmit(false)
	return p.value.Close()
}
