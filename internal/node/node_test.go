package node

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-node/internal/config"
	"github.com/bbernstein/lacylights-node/internal/services/dmx"
	"github.com/bbernstein/lacylights-node/internal/services/pixel"
	"github.com/bbernstein/lacylights-node/internal/services/pubsub"
	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
	"github.com/bbernstein/lacylights-node/pkg/identity"
	wire "github.com/bbernstein/lacylights-node/pkg/rdm"
	"github.com/bbernstein/lacylights-node/pkg/sacn"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type memStore struct {
	mu   sync.Mutex
	docs map[string]config.Properties
	err  error
}

func (s *memStore) SaveProperties(_ context.Context, name string, props config.Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.docs == nil {
		s.docs = make(map[string]config.Properties)
	}
	s.docs[name] = props
	return nil
}

func (s *memStore) get(name string) config.Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[name]
}

func testConfig() *config.Config {
	return &config.Config{
		NodeInterface: "localhost",
		NodeShortName: "test node",
		NodeUID:       "4c4c:00000001",
		MergeTimeout:  2500 * time.Millisecond,
	}
}

func testLayout() *config.Layout {
	return &config.Layout{
		Ports: []config.PortLayout{
			{Direction: "output", Driver: "none"},
			{Direction: "input", Driver: "none"},
		},
		Bindings: []config.BindingLayout{
			{Port: 0, Protocol: "sacn", Universe: 1},
			{Port: 1, Protocol: "sacn", Universe: 2, Input: true},
		},
	}
}

type harness struct {
	node  *Node
	clock *scheduler.FakeClock
	store *memStore
}

func newHarness(t *testing.T, params config.NodeParams) *harness {
	t.Helper()
	h := &harness{clock: scheduler.NewFakeClock(epoch), store: &memStore{}}
	n, err := New(context.Background(), Options{
		Config: testConfig(),
		Params: params,
		Layout: testLayout(),
		Store:  h.store,
		Clock:  h.clock,
		Log:    quietLogger(),
	})
	require.NoError(t, err)
	h.node = n
	return h
}

func (h *harness) port(t *testing.T, i int) *dmx.Port {
	t.Helper()
	p, err := h.node.DMX().Port(i)
	require.NoError(t, err)
	return p
}

func TestNew_BuildsPortsFromLayout(t *testing.T) {
	params := config.DefaultNodeParams()
	params.Send.BreakTime = 200 * time.Microsecond
	params.Send.RefreshRate = 30
	h := newHarness(t, params)

	require.Len(t, h.node.DMX().Ports(), 2)
	out := h.port(t, 0)
	assert.Equal(t, dmx.Output, out.Direction())
	assert.Equal(t, dmx.Continuous, out.OutputStyle())
	assert.Equal(t, 200*time.Microsecond, out.Timing().Break)
	assert.Equal(t, time.Second/30, out.Timing().Period)
	assert.Equal(t, dmx.Input, h.port(t, 1).Direction())

	assert.Len(t, h.node.Bridge().Bindings(), 2)
	assert.Equal(t, "LacyLights Node", h.node.Responder().Config().Label)
}

func TestNew_DirectUpdateSelectsOnChange(t *testing.T) {
	params := config.DefaultNodeParams()
	params.E131.DirectUpdate = true
	h := newHarness(t, params)
	assert.Equal(t, dmx.OnChange, h.port(t, 0).OutputStyle())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.NodeUID = "not-a-uid"
	_, err = New(context.Background(), Options{Config: cfg, Params: config.DefaultNodeParams(), Layout: testLayout(), Log: quietLogger()})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.NodeCID = "nope"
	_, err = New(context.Background(), Options{Config: cfg, Params: config.DefaultNodeParams(), Layout: testLayout(), Log: quietLogger()})
	assert.ErrorIs(t, err, identity.ErrParseFailure)

	bad := testLayout()
	bad.Bindings[0].Port = 7
	_, err = New(context.Background(), Options{Config: testConfig(), Params: config.DefaultNodeParams(), Layout: bad, Log: quietLogger()})
	assert.ErrorIs(t, err, config.ErrInvalidLayout)
}

func TestNew_PixelTestPattern(t *testing.T) {
	device := filepath.Join(t.TempDir(), "spidev")
	require.NoError(t, os.WriteFile(device, nil, 0o600))

	layout := testLayout()
	layout.Pixel = &config.PixelLayout{Device: device, Type: "apa102", Count: 4, Ports: []int{0}, TestPattern: "scanner"}
	n, err := New(context.Background(), Options{Config: testConfig(), Params: config.DefaultNodeParams(), Layout: layout, Log: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(n.closeAll)
	assert.Equal(t, pixel.PatternScanner, n.pixel.TestPattern())

	layout.Pixel.TestPattern = "strobe"
	_, err = New(context.Background(), Options{Config: testConfig(), Params: config.DefaultNodeParams(), Layout: layout, Log: quietLogger()})
	assert.ErrorIs(t, err, pixel.ErrInvalidConfig)
}

func TestCID(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())
	a, err := h.node.cid()
	require.NoError(t, err)
	b, err := h.node.cid()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, identity.Nil, a)

	h.node.cfg.NodeCID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	c, err := h.node.cid()
	require.NoError(t, err)
	assert.Equal(t, identity.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), c)
}

func TestNetworkDataReachesPort(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())
	sub := h.node.Bus().Subscribe(pubsub.TopicPortFrame, "0", 4)
	defer h.node.Bus().Unsubscribe(sub)
	h.node.Start()

	pkt := sacn.BuildDataPacket(sacn.DataOptions{
		CID: [16]byte(identity.New()), SourceName: "console", Priority: 100, Sequence: 1, Universe: 1,
	}, []byte{10, 20, 30})
	require.NoError(t, h.node.Bridge().HandleSACN(pkt, h.clock.Now()))
	h.node.Step(h.clock.Now())

	frame := h.port(t, 0).Frame()
	assert.Equal(t, byte(10), frame[0])
	assert.Equal(t, byte(30), frame[2])

	select {
	case msg := <-sub.Channel:
		ev, ok := msg.(pubsub.FrameEvent)
		require.True(t, ok)
		assert.Equal(t, 0, ev.Port)
		assert.Equal(t, byte(20), ev.Data[1])
	default:
		t.Fatal("no frame published")
	}
}

func TestInputFramePublished(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())
	sub := h.node.Bus().Subscribe(pubsub.TopicInputFrame, "1", 4)
	defer h.node.Bus().Unsubscribe(sub)
	h.node.Start()

	p := h.port(t, 1)
	start := h.clock.Now()
	breakEnd := start.Add(100 * time.Microsecond)
	p.ReceiveBreak(start, breakEnd)
	at := breakEnd.Add(12 * time.Microsecond)
	slots := make([]byte, dmx.UniverseSize+1)
	slots[1] = 0x7F
	for _, b := range slots {
		p.ReceiveSlot(at, b)
		at = at.Add(dmx.SlotTime)
	}

	select {
	case msg := <-sub.Channel:
		ev, ok := msg.(pubsub.FrameEvent)
		require.True(t, ok)
		assert.Equal(t, 1, ev.Port)
		require.Len(t, ev.Data, dmx.UniverseSize)
		assert.Equal(t, byte(0x7F), ev.Data[0])
	default:
		t.Fatal("no input frame published")
	}
}

func TestUpdateDocument_SendTiming(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())

	err := h.node.UpdateDocument(context.Background(), config.DocDMXSend, config.Properties{"break_time": "300", "slots": "24"})
	require.NoError(t, err)

	tm := h.port(t, 0).Timing()
	assert.Equal(t, 300*time.Microsecond, tm.Break)
	assert.Equal(t, 24, tm.Slots)
	assert.Equal(t, "300", h.store.get(config.DocDMXSend)["break_time"])
	assert.Equal(t, "12", h.store.get(config.DocDMXSend)["mab_time"])

	doc, err := h.node.Document(config.DocDMXSend)
	require.NoError(t, err)
	assert.Equal(t, "24", doc["slots"])
}

func TestUpdateDocument_RejectsInvalid(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())

	err := h.node.UpdateDocument(context.Background(), config.DocE131, config.Properties{"priority": "250"})
	require.Error(t, err)
	assert.Nil(t, h.store.get(config.DocE131))
	assert.Equal(t, 100, h.node.Params().E131.Priority)

	err = h.node.UpdateDocument(context.Background(), "nope.txt", config.Properties{})
	assert.ErrorIs(t, err, config.ErrUnknownDocument)
}

func TestUpdateDocument_StoreFailureKeepsParams(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())
	h.store.err = assert.AnError

	err := h.node.UpdateDocument(context.Background(), config.DocE131, config.Properties{"merge_mode": "ltp"})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "htp", h.node.Params().E131.MergeMode)
}

func TestUpdateDocument_MergeMode(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())

	err := h.node.UpdateDocument(context.Background(), config.DocE131, config.Properties{"merge_mode_port_0": "ltp"})
	require.NoError(t, err)
	assert.Equal(t, "ltp", h.node.Params().E131.MergeModeFor(0))
	assert.Equal(t, "ltp", h.store.get(config.DocE131)["merge_mode_port_0"])
}

func TestUpdateDocument_Device(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())

	err := h.node.UpdateDocument(context.Background(), config.DocRDMDevice, config.Properties{"label": "truss"})
	require.NoError(t, err)
	assert.Equal(t, "truss", h.node.Responder().Config().Label)
}

func TestDeviceLabelSetOverRDMIsPersisted(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())
	uid, err := wire.ParseUID(testConfig().NodeUID)
	require.NoError(t, err)

	resp := h.node.Responder().Handle(&wire.Frame{
		Source:       wire.NewUID(0x7a70, 1),
		Destination:  uid,
		CommandClass: wire.SetCommand,
		PID:          wire.PIDDeviceLabel,
		Data:         []byte("balcony"),
	})
	require.NotNil(t, resp)
	assert.Equal(t, wire.ResponseTypeAck, resp.PortID)

	assert.Equal(t, "balcony", h.node.Params().Device.Label)
	assert.Equal(t, "balcony", h.store.get(config.DocRDMDevice)["label"])
}

func TestTransactUnknownPort(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())
	_, err := h.node.Transact(context.Background(), 9, wire.Frame{Destination: wire.NewUID(0x7a70, 1), CommandClass: wire.GetCommand, PID: wire.PIDDeviceLabel})
	assert.Error(t, err)
}

func TestShutdownStopsPorts(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())
	h.node.Start()
	require.True(t, h.port(t, 0).Running())
	require.True(t, h.port(t, 1).Running())

	h.node.Shutdown(context.Background())
	assert.False(t, h.port(t, 0).Running())
	assert.False(t, h.port(t, 1).Running())
	assert.Equal(t, byte(0), h.port(t, 0).Frame()[0])

	// second call is a no-op
	h.node.Shutdown(context.Background())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, config.DefaultNodeParams())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.node.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
