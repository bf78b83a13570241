package forward

import (
	"io"
	"sync"
	"testing"

	"github.com/Haba1234/go-artnet"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	frame [512]byte
	addr  artnet.Address
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSender) SendDMXToAddress(dmx [512]byte, address artnet.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{dmx, address})
}

func newOutput() (*Output, *fakeSender) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	s := &fakeSender{}
	return New(Config{Ports: map[int]uint16{0: 1, 1: 0x0123}}, s, l), s
}

func TestAddress(t *testing.T) {
	assert.Equal(t, artnet.Address{Net: 0x01, SubUni: 0x23}, Address(0x0123))
	assert.Equal(t, artnet.Address{Net: 0x7F, SubUni: 0xFF}, Address(0xFFFF))
}

func TestForwardChangedFrames(t *testing.T) {
	o, s := newOutput()
	o.SetData(0, []byte{1}, true)
	assert.Empty(t, s.sent, "port not started")

	o.Start(0)
	o.Start(5)
	o.SetData(0, []byte{1, 2}, true)
	o.SetData(0, []byte{1, 2}, false)
	o.SetData(5, []byte{1}, true)
	require.Len(t, s.sent, 1)
	assert.Equal(t, artnet.Address{Net: 0, SubUni: 1}, s.sent[0].addr)
	assert.Equal(t, byte(2), s.sent[0].frame[1])
	assert.Equal(t, uint64(1), o.Sent())
}

func TestForwardSynchronous(t *testing.T) {
	o, s := newOutput()
	o.Start(0)
	o.Start(1)
	o.SetSynchronous(true)
	o.SetData(0, []byte{1}, true)
	o.SetData(1, []byte{2}, true)
	assert.Empty(t, s.sent)

	o.Sync()
	assert.Len(t, s.sent, 2)
	o.Sync()
	assert.Len(t, s.sent, 2)

	o.SetData(1, []byte{3}, true)
	o.SetSynchronous(false)
	assert.Len(t, s.sent, 3)
	assert.Equal(t, uint64(3), o.Sent())
}

func TestForwardStopDropsStaged(t *testing.T) {
	o, s := newOutput()
	o.Start(0)
	o.SetSynchronous(true)
	o.SetData(0, []byte{1}, true)
	o.Stop(0)
	o.Sync()
	assert.Empty(t, s.sent)
	o.Close()
}
