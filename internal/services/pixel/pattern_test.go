package pixel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("")
	require.NoError(t, err)
	assert.Equal(t, PatternNone, p)

	p, err = ParsePattern("Theater_Chase")
	require.NoError(t, err)
	assert.Equal(t, PatternTheaterChase, p)
	assert.Equal(t, "theater_chase", p.String())

	_, err = ParsePattern("strobe")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWheel(t *testing.T) {
	r, g, b := wheel(0)
	assert.Equal(t, [3]byte{255, 0, 0}, [3]byte{r, g, b})
	r, g, b = wheel(85)
	assert.Equal(t, [3]byte{0, 255, 0}, [3]byte{r, g, b})
	r, g, b = wheel(170)
	assert.Equal(t, [3]byte{0, 0, 255}, [3]byte{r, g, b})
}

func TestScannerBounces(t *testing.T) {
	px := make([]byte, 3*3)
	for step, want := range []int{0, 1, 2, 1, 0, 1} {
		PatternScanner.render(px, 3, 3, step)
		for i := 0; i < 3; i++ {
			lit := px[i*3] == 255
			assert.Equal(t, i == want, lit, "step %d pixel %d", step, i)
		}
	}
}

func TestColourWipeAndFade(t *testing.T) {
	px := make([]byte, 4*4)
	PatternColourWipe.render(px, 4, 4, 1)
	assert.Equal(t, []byte{255, 0, 0, 0}, px[0:4])
	assert.Equal(t, []byte{255, 0, 0, 0}, px[4:8])
	assert.Equal(t, []byte{0, 0, 255, 0}, px[8:12])

	PatternColourWipe.render(px, 4, 4, 4)
	assert.Equal(t, []byte{0, 255, 0, 0}, px[0:4])
	assert.Equal(t, []byte{255, 0, 0, 0}, px[4:8])

	PatternFade.render(px, 4, 4, 300)
	assert.Equal(t, []byte{211, 211, 211, 0}, px[12:16])
}

func TestTestPatternOwnsStrip(t *testing.T) {
	w := &recordingWriter{}
	d, err := New(w, Config{Type: APA102, Map: RGB, Count: 3, Ports: []int{0}, TestPattern: PatternScanner}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, PatternScanner, d.TestPattern())

	d.Run(epoch)
	assert.Empty(t, w.writes, "no port running")

	d.Start(0)
	d.SetData(0, []byte{9, 9, 9}, true)
	d.Run(epoch)
	require.Len(t, w.writes, 1)
	assert.Equal(t, []byte{0xFF, 255, 0, 0}, w.last()[4:8])
	assert.Equal(t, []byte{0xFF, 0, 0, 0}, w.last()[8:12])

	d.Run(epoch.Add(10 * time.Millisecond))
	assert.Len(t, w.writes, 1)
	d.Run(epoch.Add(PatternInterval))
	require.Len(t, w.writes, 2)
	assert.Equal(t, []byte{0xFF, 0, 0, 0}, w.last()[4:8])
	assert.Equal(t, []byte{0xFF, 255, 0, 0}, w.last()[8:12])

	d.SetTestPattern(PatternNone)
	d.SetData(0, []byte{1, 2, 3}, true)
	d.Run(epoch.Add(50 * time.Millisecond))
	require.Len(t, w.writes, 3)
	assert.Equal(t, []byte{0xFF, 1, 2, 3}, w.last()[4:8])
	assert.Equal(t, uint64(3), d.Frames())
}
