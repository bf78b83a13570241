package sacn

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCID = [16]byte{0x55, 0x0e, 0x84, 0x00, 0xe2, 0x9b, 0x41, 0xd4, 0xa7, 0x16, 0x44, 0x66, 0x55, 0x44, 0x00, 0x00}

func buildTestPacket(universe uint16, priority uint8, slots []byte) []byte {
	return BuildDataPacket(DataOptions{
		CID:        testCID,
		SourceName: "console",
		Priority:   priority,
		Sequence:   9,
		Universe:   universe,
	}, slots)
}

func TestParseDataPacket_RoundTrip(t *testing.T) {
	slots := make([]byte, MaxSlots)
	for i := range slots {
		slots[i] = byte(i * 3)
	}

	raw := buildTestPacket(7, 150, slots)
	require.Len(t, raw, HeaderSize+MaxSlots)

	kind, err := Detect(raw)
	require.NoError(t, err)
	assert.Equal(t, KindData, kind)

	pkt, err := ParseDataPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, testCID, pkt.CID)
	assert.Equal(t, "console", pkt.SourceName)
	assert.Equal(t, uint8(150), pkt.Priority)
	assert.Equal(t, uint8(9), pkt.Sequence)
	assert.Equal(t, uint16(7), pkt.Universe)
	assert.Equal(t, uint8(0), pkt.StartCode)
	assert.Equal(t, MaxSlots, pkt.Slots)
	assert.Equal(t, slots, pkt.Data[:])
	assert.False(t, pkt.Preview)
	assert.False(t, pkt.StreamTerminated)
}

func TestParseDataPacket_ShortFrame(t *testing.T) {
	pkt, err := ParseDataPacket(buildTestPacket(1, 100, []byte{9, 8, 7}))
	require.NoError(t, err)
	assert.Equal(t, 3, pkt.Slots)
	assert.Equal(t, byte(7), pkt.Data[2])
	assert.Equal(t, byte(0), pkt.Data[3])
}

func TestParseDataPacket_StreamTerminated(t *testing.T) {
	raw := BuildDataPacket(DataOptions{CID: testCID, Universe: 2, StreamTerminated: true}, make([]byte, 512))
	pkt, err := ParseDataPacket(raw)
	require.NoError(t, err)
	assert.True(t, pkt.StreamTerminated)
}

func TestParseDataPacket_Rejects(t *testing.T) {
	valid := buildTestPacket(1, 100, make([]byte, 512))

	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), valid...))
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad preamble", mutate(func(b []byte) []byte { b[1] = 0x11; return b })},
		{"bad identifier", mutate(func(b []byte) []byte { b[4] = 'X'; return b })},
		{"truncated", mutate(func(b []byte) []byte { return b[:200] })},
		{"wrong framing vector", mutate(func(b []byte) []byte { b[43] = 0x03; return b })},
		{"bad dmp vector", mutate(func(b []byte) []byte { b[117] = 0x01; return b })},
		{"priority above 200", mutate(func(b []byte) []byte { b[108] = 201; return b })},
		{"universe zero", mutate(func(b []byte) []byte { binary.BigEndian.PutUint16(b[113:115], 0); return b })},
		{"universe 64000", mutate(func(b []byte) []byte { binary.BigEndian.PutUint16(b[113:115], 64000); return b })},
		{"count lies", mutate(func(b []byte) []byte { binary.BigEndian.PutUint16(b[123:125], 100); return b })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDataPacket(tt.data)
			assert.True(t, errors.Is(err, ErrMalformedPacket), "got %v", err)
		})
	}
}

func TestSyncPacket_RoundTrip(t *testing.T) {
	raw := BuildSyncPacket(testCID, 4, 100)

	kind, err := Detect(raw)
	require.NoError(t, err)
	assert.Equal(t, KindSync, kind)

	pkt, err := ParseSyncPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), pkt.Sequence)
	assert.Equal(t, uint16(100), pkt.SyncAddress)
	assert.Equal(t, testCID, pkt.CID)

	_, err = ParseSyncPacket(buildTestPacket(1, 100, nil))
	assert.Error(t, err)
}

func TestSequenceOK(t *testing.T) {
	tests := []struct {
		last, next uint8
		want       bool
	}{
		{10, 11, true},
		{10, 10, false},
		{10, 9, false},
		{10, 250, false},
		{10, 200, true},
		{255, 0, true},
		{30, 11, false},
		{30, 10, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SequenceOK(tt.last, tt.next), "last=%d next=%d", tt.last, tt.next)
	}
}

func TestMulticastAddr(t *testing.T) {
	assert.Equal(t, "239.255.1.2", MulticastAddr(0x0102).String())
	assert.Equal(t, DefaultPort, MulticastUDPAddr(1).Port)
}

func TestSourceKey(t *testing.T) {
	assert.Equal(t, "sacn:550e8400-e29b-41d4-a716-446655440000", SourceKey(testCID))
}
