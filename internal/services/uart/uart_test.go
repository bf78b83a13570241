package uart

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-node/internal/services/dmx"
	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type lineEvent struct {
	brk   bool
	start time.Time
	end   time.Time
	b     byte
}

type recordingSink struct {
	events []lineEvent
}

func (s *recordingSink) ReceiveBreak(start, end time.Time) {
	s.events = append(s.events, lineEvent{brk: true, start: start, end: end})
}

func (s *recordingSink) ReceiveSlot(at time.Time, b byte) {
	s.events = append(s.events, lineEvent{start: at, b: b})
}

func (s *recordingSink) slots() []byte {
	var out []byte
	for _, e := range s.events {
		if !e.brk {
			out = append(out, e.b)
		}
	}
	return out
}

func TestDecoderBreakAndSlots(t *testing.T) {
	var d Decoder
	sink := &recordingSink{}
	at := epoch.Add(time.Second)
	d.Feed(at, []byte{0xFF, 0x00, 0x00, 0x00, 0x10, 0x20}, sink)

	require.Len(t, sink.events, 4)
	brk := sink.events[0]
	assert.True(t, brk.brk)
	assert.Equal(t, dmx.DefaultBreakTime, brk.end.Sub(brk.start))
	assert.Equal(t, dmx.DefaultMabTime, sink.events[1].start.Sub(brk.end))
	assert.Equal(t, []byte{0x00, 0x10, 0x20}, sink.slots())
	assert.Equal(t, at, sink.events[3].start.Add(dmx.SlotTime))
}

func TestDecoderEscapes(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
		brk   int
	}{
		{"literal 0xFF", []byte{0x01, 0xFF, 0xFF, 0x02}, []byte{0x01, 0xFF, 0x02}, 0},
		{"parity error dropped", []byte{0x01, 0xFF, 0x00, 0x55, 0x02}, []byte{0x01, 0x02}, 0},
		{"two breaks", []byte{0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			sink := &recordingSink{}
			d.Feed(epoch, tt.input, sink)
			assert.Equal(t, tt.want, sink.slots())
			n := 0
			for _, e := range sink.events {
				if e.brk {
					n++
				}
			}
			assert.Equal(t, tt.brk, n)
		})
	}
}

func TestDecoderEscapeSplitAcrossChunks(t *testing.T) {
	var d Decoder
	sink := &recordingSink{}
	d.Feed(epoch, []byte{0x05, 0xFF}, sink)
	d.Feed(epoch.Add(time.Millisecond), []byte{0x00}, sink)
	d.Feed(epoch.Add(2*time.Millisecond), []byte{0x00, 0x00, 0x07}, sink)

	require.Len(t, sink.events, 4)
	assert.True(t, sink.events[1].brk)
	assert.Equal(t, []byte{0x05, 0x00, 0x07}, sink.slots())
}

func TestDecoderTimesNeverRunBackwards(t *testing.T) {
	var d Decoder
	sink := &recordingSink{}
	d.Feed(epoch, []byte{1, 2, 3}, sink)
	// a second chunk stamped too early still follows the first
	d.Feed(epoch, []byte{4}, sink)
	for i := 1; i < len(sink.events); i++ {
		assert.False(t, sink.events[i].start.Before(sink.events[i-1].start))
	}
	assert.Equal(t, epoch, sink.events[3].start)
}

func TestDecoderFeedsPort(t *testing.T) {
	clock := scheduler.NewFakeClock(epoch)
	sched := scheduler.New(clock)
	log := logrus.New()
	log.SetOutput(io.Discard)
	svc, err := dmx.NewService(dmx.Config{Ports: []dmx.PortConfig{{Direction: dmx.Input}}}, sched, log)
	require.NoError(t, err)
	svc.Start(0)
	port, err := svc.Port(0)
	require.NoError(t, err)

	var d Decoder
	frame := []byte{0xFF, 0x00, 0x00, 0x00, 1, 2, 3}
	d.Feed(epoch.Add(10*time.Millisecond), frame, port)
	d.Feed(epoch.Add(20*time.Millisecond), []byte{0xFF, 0x00, 0x00}, port)

	f, ok := port.GetDmxAvailable()
	require.True(t, ok)
	assert.Equal(t, 3, f.Slots)
	assert.Equal(t, []byte{1, 2, 3}, f.Data[:3])
}

type fakeTTY struct {
	mu     sync.Mutex
	calls  []string
	writes [][]byte
	reads  chan []byte
	closed bool
}

func newFakeTTY() *fakeTTY {
	return &fakeTTY{reads: make(chan []byte, 8)}
}

func (f *fakeTTY) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeTTY) setBreak(on bool) error {
	if on {
		f.record("break-on")
	} else {
		f.record("break-off")
	}
	return nil
}

func (f *fakeTTY) write(p []byte) error {
	f.record("write")
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
	return nil
}

func (f *fakeTTY) drain() error {
	f.record("drain")
	return nil
}

func (f *fakeTTY) read(p []byte) (int, error) {
	select {
	case b := <-f.reads:
		return copy(p, b), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeTTY) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTTY) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDriverLineOperations(t *testing.T) {
	tty := newFakeTTY()
	d := newDriver(tty, nil, scheduler.NewFakeClock(epoch), 4, quietLogger())
	defer d.Close()

	require.NoError(t, d.SetDirection(dmx.Output))
	require.NoError(t, d.SetBreak(true))
	require.NoError(t, d.SetBreak(false))
	require.NoError(t, d.Write([]byte{0, 1, 2}))
	require.NoError(t, d.SetDirection(dmx.Input))

	assert.Equal(t, []string{"drain", "break-on", "break-off", "write", "drain"}, tty.history())
	assert.Equal(t, dmx.Input, d.Direction())
}

func TestDriverPollDecodesQueuedChunks(t *testing.T) {
	tty := newFakeTTY()
	d := newDriver(tty, nil, scheduler.NewFakeClock(epoch), 4, quietLogger())
	defer d.Close()

	tty.reads <- []byte{0xFF, 0x00, 0x00, 0x00, 9}
	sink := &recordingSink{}
	require.Eventually(t, func() bool {
		d.Poll(sink, 4)
		return len(sink.events) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0x00, 9}, sink.slots())
}

func TestDriverCloseIsIdempotent(t *testing.T) {
	tty := newFakeTTY()
	d := newDriver(tty, nil, nil, 0, quietLogger())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, tty.closed)
}

func TestPinDrivesValueFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "gpio17")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "direction"), []byte("in"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "value"), []byte("1"), 0o644))

	pin, err := OpenPin(root, 17, false)
	require.NoError(t, err)

	read := func() string {
		b, err := os.ReadFile(filepath.Join(dir, "value"))
		require.NoError(t, err)
		return string(b)
	}
	dirb, err := os.ReadFile(filepath.Join(dir, "direction"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(dirb))
	assert.Equal(t, "0", read())

	require.NoError(t, pin.Transmit(true))
	assert.Equal(t, "1", read())
	require.NoError(t, pin.Close())
	assert.Equal(t, "0", read())
}

func TestPinActiveLow(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "gpio3")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "direction"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "value"), nil, 0o644))

	pin, err := OpenPin(root, 3, true)
	require.NoError(t, err)
	defer pin.Close()
	b, _ := os.ReadFile(filepath.Join(dir, "value"))
	assert.Equal(t, "1", string(b))
}
