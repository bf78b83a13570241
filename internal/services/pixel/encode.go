package pixel

import "fmt"

// order returns the source component index for each output position.
func order(m Map) ([3]int, error) {
	var idx [3]int
	if len(m) != 3 {
		return idx, fmt.Errorf("%w: colour map %q", ErrInvalidConfig, m)
	}
	seen := 0
	for i, c := range string(m) {
		switch c {
		case 'R':
			idx[i] = 0
		case 'G':
			idx[i] = 1
		case 'B':
			idx[i] = 2
		default:
			return idx, fmt.Errorf("%w: colour map %q", ErrInvalidConfig, m)
		}
		seen |= 1 << idx[i]
	}
	if seen != 0b111 {
		return idx, fmt.Errorf("%w: colour map %q", ErrInvalidConfig, m)
	}
	return idx, nil
}

// spiBits expands one data bit into three SPI bits at 2.4 MHz: 110 for a one
// and 100 for a zero, which meets WS28xx and SK6812 high-time limits.
func spiBits(b byte) [3]byte {
	var v uint32
	for i := 7; i >= 0; i-- {
		v <<= 3
		if b&(1<<uint(i)) != 0 {
			v |= 0b110
		} else {
			v |= 0b100
		}
	}
	return [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

// resetBytes is at least 80 µs of low line at 2.4 MHz.
const resetBytes = 30

// Encode turns pixel data, in RGB(W) order as it arrives over DMX, into the
// byte stream for the controller.
func Encode(t Type, m Map, brightness uint8, pixels []byte) ([]byte, error) {
	idx, err := order(m)
	if err != nil {
		return nil, err
	}
	ch := t.Channels()
	count := len(pixels) / ch

	if t == APA102 {
		out := make([]byte, 0, 4+count*4+(count+15)/16)
		out = append(out, 0, 0, 0, 0)
		for p := 0; p < count; p++ {
			px := pixels[p*ch:]
			out = append(out, 0xE0|brightness&0x1F, px[idx[0]], px[idx[1]], px[idx[2]])
		}
		// one clock edge per two pixels pushes the data through
		for i := 0; i < (count+15)/16; i++ {
			out = append(out, 0xFF)
		}
		return out, nil
	}

	out := make([]byte, 0, count*ch*3+resetBytes)
	for p := 0; p < count; p++ {
		px := pixels[p*ch:]
		comps := []byte{px[idx[0]], px[idx[1]], px[idx[2]]}
		if ch == 4 {
			comps = append(comps, px[3])
		}
		for _, c := range comps {
			b := spiBits(c)
			out = append(out, b[:]...)
		}
	}
	out = append(out, make([]byte, resetBytes)...)
	return out, nil
}
