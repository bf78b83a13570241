package pixel

import (
	"fmt"
	"strings"
	"time"
)

// Pattern is a built-in test pattern. While one runs it owns the strip and
// network data is ignored.
type Pattern int

const (
	PatternNone Pattern = iota
	PatternRainbow
	PatternTheaterChase
	PatternColourWipe
	PatternScanner
	PatternFade
)

// PatternInterval is the time between pattern steps.
const PatternInterval = 40 * time.Millisecond

var patternNames = []string{"none", "rainbow", "theater_chase", "colour_wipe", "scanner", "fade"}

func (p Pattern) String() string {
	if p >= 0 && int(p) < len(patternNames) {
		return patternNames[p]
	}
	return "unknown"
}

// ParsePattern accepts a pattern name; the empty string is PatternNone.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return PatternNone, nil
	}
	for i, name := range patternNames {
		if strings.EqualFold(s, name) {
			return Pattern(i), nil
		}
	}
	return PatternNone, fmt.Errorf("%w: test pattern %q", ErrInvalidConfig, s)
}

// wheel maps 0-255 onto a red, green, blue colour circle.
func wheel(pos byte) (r, g, b byte) {
	pos = 255 - pos
	switch {
	case pos < 85:
		return 255 - pos*3, 0, pos * 3
	case pos < 170:
		pos -= 85
		return 0, pos * 3, 255 - pos*3
	}
	pos -= 170
	return pos * 3, 255 - pos*3, 0
}

var wipeColours = [3][3]byte{{255, 0, 0}, {0, 255, 0}, {0, 0, 255}}

// render fills px (count pixels of ch components) with step of the pattern.
func (p Pattern) render(px []byte, ch, count, step int) {
	set := func(i int, r, g, b byte) {
		o := i * ch
		px[o], px[o+1], px[o+2] = r, g, b
		if ch == 4 {
			px[o+3] = 0
		}
	}
	for i := 0; i < count; i++ {
		switch p {
		case PatternRainbow:
			r, g, b := wheel(byte(i*256/count + step))
			set(i, r, g, b)
		case PatternTheaterChase:
			if (i+step)%3 == 0 {
				r, g, b := wheel(byte(step))
				set(i, r, g, b)
			} else {
				set(i, 0, 0, 0)
			}
		case PatternColourWipe:
			lap := step / count
			c := wipeColours[lap%3]
			if i > step%count {
				c = wipeColours[(lap+2)%3]
			}
			set(i, c[0], c[1], c[2])
		case PatternScanner:
			pos := 0
			if count > 1 {
				period := 2 * (count - 1)
				pos = step % period
				if pos >= count {
					pos = period - pos
				}
			}
			if i == pos {
				set(i, 255, 0, 0)
			} else {
				set(i, 0, 0, 0)
			}
		case PatternFade:
			level := step % 512
			if level > 255 {
				level = 511 - level
			}
			v := byte(level)
			set(i, v, v, v)
		}
	}
}
