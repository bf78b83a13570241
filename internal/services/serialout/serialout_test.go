package serialout

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOutput(buf *bytes.Buffer) *Output {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(buf, Config{Port: 2}, l)
}

func TestEncode(t *testing.T) {
	pkt, err := Encode([]byte{0x00, 0x10, 0x20})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7E, 0x06, 0x03, 0x00, 0x00, 0x10, 0x20, 0xE7}, pkt)

	full, err := Encode(make([]byte, 513))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, full[2:4])

	_, err = Encode(make([]byte, 514))
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestSetDataOnlyWhenRunningAndChanged(t *testing.T) {
	var buf bytes.Buffer
	o := newOutput(&buf)

	o.SetData(2, []byte{1}, true)
	assert.Zero(t, buf.Len(), "not started")

	o.Start(2)
	o.SetData(2, []byte{1}, false)
	assert.Equal(t, uint64(1), o.Packets(), "first frame goes out even unchanged")
	o.SetData(2, []byte{1}, false)
	assert.Equal(t, uint64(1), o.Packets())
	o.SetData(2, []byte{5}, true)
	assert.Equal(t, uint64(2), o.Packets())

	o.SetData(3, []byte{9}, true)
	assert.Equal(t, uint64(2), o.Packets(), "other ports ignored")
	assert.Equal(t, []byte{0x7E, 0x06, 0x02, 0x00, 0x00, 0x05, 0xE7}, buf.Bytes()[7:])
}

func TestSynchronousOutput(t *testing.T) {
	var buf bytes.Buffer
	o := newOutput(&buf)
	o.Start(2)
	o.SetSynchronous(true)
	o.SetData(2, []byte{1}, true)
	assert.Zero(t, o.Packets())
	o.Sync()
	assert.Equal(t, uint64(1), o.Packets())

	o.SetData(2, []byte{2}, true)
	o.SetSynchronous(false)
	assert.Equal(t, uint64(2), o.Packets(), "leaving sync flushes the staged frame")
}

func TestStopSendsBlackout(t *testing.T) {
	var buf bytes.Buffer
	o := newOutput(&buf)
	o.Start(2)
	o.SetData(2, []byte{0xFF, 0xFF}, true)
	buf.Reset()
	o.Stop(2)
	require.Equal(t, 518, buf.Len())
	assert.Equal(t, make([]byte, 513), buf.Bytes()[4:517])
	o.Stop(2)
	assert.Equal(t, 518, buf.Len())
	assert.NoError(t, o.Close())
}
