package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parameter document names.
const (
	DocDMXSend   = "dmxsend.txt"
	DocE131      = "e131.txt"
	DocArtNet    = "artnet.txt"
	DocRDMDevice = "rdm_device.txt"
)

// ErrUnknownDocument is returned for a document name the node does not keep.
var ErrUnknownDocument = errors.New("unknown parameter document")

// Documents lists every parameter document in load order.
func Documents() []string {
	return []string{DocDMXSend, DocE131, DocArtNet, DocRDMDevice}
}

// SendParams is dmxsend.txt. Times are in microseconds on disk.
type SendParams struct {
	BreakTime   time.Duration
	MabTime     time.Duration
	RefreshRate int
	Slots       int
}

// NetworkParams is e131.txt or artnet.txt.
type NetworkParams struct {
	MergeMode string
	// PortMergeModes overrides MergeMode for individual ports.
	PortMergeModes map[int]string
	Priority       int
	// DataLossTimeout is stored in seconds; zero disables the data loss check.
	DataLossTimeout     time.Duration
	DisableMergeTimeout bool
	// DirectUpdate keeps retransmitting unchanged frames.
	DirectUpdate bool
	SyncTimeout  time.Duration
}

// DeviceParams is rdm_device.txt.
type DeviceParams struct {
	Label       string
	Personality int
}

// NodeParams is the typed view of every persisted document.
type NodeParams struct {
	Send   SendParams
	E131   NetworkParams
	ArtNet NetworkParams
	Device DeviceParams
}

// DefaultNodeParams returns the values used when a document is missing.
func DefaultNodeParams() NodeParams {
	network := NetworkParams{
		MergeMode:       "htp",
		PortMergeModes:  map[int]string{},
		Priority:        100,
		DataLossTimeout: 2500 * time.Millisecond,
		SyncTimeout:     4 * time.Second,
	}
	artnet := network
	artnet.PortMergeModes = map[int]string{}
	return NodeParams{
		Send: SendParams{
			BreakTime:   176 * time.Microsecond,
			MabTime:     12 * time.Microsecond,
			RefreshRate: 40,
			Slots:       512,
		},
		E131:   network,
		ArtNet: artnet,
		Device: DeviceParams{Label: "LacyLights Node", Personality: 1},
	}
}

// Apply decodes one document into p. Keys that are absent keep their value.
func (p *NodeParams) Apply(name string, props Properties) error {
	switch name {
	case DocDMXSend:
		return p.applySend(props)
	case DocE131:
		return applyNetwork(&p.E131, props)
	case DocArtNet:
		return applyNetwork(&p.ArtNet, props)
	case DocRDMDevice:
		return p.applyDevice(props)
	}
	return fmt.Errorf("%w: %s", ErrUnknownDocument, name)
}

// Document encodes one document from p.
func (p *NodeParams) Document(name string) (Properties, error) {
	props := make(Properties)
	switch name {
	case DocDMXSend:
		props.SetInt("break_time", int(p.Send.BreakTime/time.Microsecond))
		props.SetInt("mab_time", int(p.Send.MabTime/time.Microsecond))
		props.SetInt("refresh_rate", p.Send.RefreshRate)
		props.SetInt("slots", p.Send.Slots)
	case DocE131:
		networkDocument(&p.E131, props)
	case DocArtNet:
		networkDocument(&p.ArtNet, props)
	case DocRDMDevice:
		props["label"] = p.Device.Label
		props.SetInt("personality", p.Device.Personality)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, name)
	}
	return props, nil
}

// MergeModeFor returns the merge mode of port under n.
func (n NetworkParams) MergeModeFor(port int) string {
	if m, ok := n.PortMergeModes[port]; ok {
		return m
	}
	return n.MergeMode
}

func (p *NodeParams) applySend(props Properties) error {
	s := p.Send
	br, err := props.Int("break_time", int(s.BreakTime/time.Microsecond))
	if err != nil {
		return err
	}
	mab, err := props.Int("mab_time", int(s.MabTime/time.Microsecond))
	if err != nil {
		return err
	}
	if s.RefreshRate, err = props.Int("refresh_rate", s.RefreshRate); err != nil {
		return err
	}
	if s.Slots, err = props.Int("slots", s.Slots); err != nil {
		return err
	}
	if s.RefreshRate < 0 {
		return fmt.Errorf("refresh_rate: %d is negative", s.RefreshRate)
	}
	s.BreakTime = time.Duration(br) * time.Microsecond
	s.MabTime = time.Duration(mab) * time.Microsecond
	p.Send = s
	return nil
}

func applyNetwork(n *NetworkParams, props Properties) error {
	out := *n
	out.PortMergeModes = make(map[int]string, len(n.PortMergeModes))
	for k, v := range n.PortMergeModes {
		out.PortMergeModes[k] = v
	}

	if v, ok := props["merge_mode"]; ok {
		m, err := mergeMode(v)
		if err != nil {
			return fmt.Errorf("merge_mode: %w", err)
		}
		out.MergeMode = m
	}
	for k, v := range props {
		rest, ok := strings.CutPrefix(k, "merge_mode_port_")
		if !ok {
			continue
		}
		port, err := strconv.Atoi(rest)
		if err != nil || port < 0 {
			return fmt.Errorf("%s: bad port index", k)
		}
		m, err := mergeMode(v)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		out.PortMergeModes[port] = m
	}

	var err error
	if out.Priority, err = props.Int("priority", out.Priority); err != nil {
		return err
	}
	if out.Priority < 1 || out.Priority > 200 {
		return fmt.Errorf("priority: %d outside 1-200", out.Priority)
	}
	if v, ok := props["network_data_loss_timeout"]; ok && v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return fmt.Errorf("network_data_loss_timeout: bad value %q", v)
		}
		out.DataLossTimeout = time.Duration(secs * float64(time.Second))
	}
	if out.DisableMergeTimeout, err = props.Bool("disable_merge_timeout", out.DisableMergeTimeout); err != nil {
		return err
	}
	if out.DirectUpdate, err = props.Bool("direct_update", out.DirectUpdate); err != nil {
		return err
	}
	if v, ok := props["sync_timeout"]; ok && v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("sync_timeout: bad value %q", v)
		}
		out.SyncTimeout = time.Duration(secs * float64(time.Second))
	}
	*n = out
	return nil
}

func networkDocument(n *NetworkParams, props Properties) {
	props["merge_mode"] = n.MergeMode
	for port, m := range n.PortMergeModes {
		props[fmt.Sprintf("merge_mode_port_%d", port)] = m
	}
	props.SetInt("priority", n.Priority)
	props["network_data_loss_timeout"] = strconv.FormatFloat(n.DataLossTimeout.Seconds(), 'f', -1, 64)
	props.SetBool("disable_merge_timeout", n.DisableMergeTimeout)
	props.SetBool("direct_update", n.DirectUpdate)
	props["sync_timeout"] = strconv.FormatFloat(n.SyncTimeout.Seconds(), 'f', -1, 64)
}

func (p *NodeParams) applyDevice(props Properties) error {
	d := p.Device
	if v, ok := props["label"]; ok {
		d.Label = v
	}
	var err error
	if d.Personality, err = props.Int("personality", d.Personality); err != nil {
		return err
	}
	if d.Personality < 1 {
		return fmt.Errorf("personality: %d is below 1", d.Personality)
	}
	p.Device = d
	return nil
}

func mergeMode(v string) (string, error) {
	switch strings.ToLower(v) {
	case "htp":
		return "htp", nil
	case "ltp":
		return "ltp", nil
	}
	return "", fmt.Errorf("unknown merge mode %q", v)
}
