package node

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/config"
	"github.com/bbernstein/lacylights-node/internal/services/bridge"
	"github.com/bbernstein/lacylights-node/internal/services/merge"
	"github.com/bbernstein/lacylights-node/internal/services/rdm"
)

// Document encodes one parameter document from the parameters in effect.
func (n *Node) Document(name string) (config.Properties, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params.Document(name)
}

// UpdateDocument validates props against the current parameters, stores the
// resulting document and applies what can change while running. Nothing is
// applied when validation or storage fails.
func (n *Node) UpdateDocument(ctx context.Context, name string, props config.Properties) error {
	n.updateMu.Lock()
	defer n.updateMu.Unlock()

	next := n.Params()
	if err := next.Apply(name, props); err != nil {
		return err
	}
	doc, err := next.Document(name)
	if err != nil {
		return err
	}
	if n.store != nil {
		if err := n.store.SaveProperties(ctx, name, doc); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}

	n.mu.Lock()
	n.params = next
	n.mu.Unlock()
	n.apply(name, next)
	n.log.WithField("document", name).Info("⚙️  Parameters updated")
	return nil
}

func (n *Node) apply(name string, p config.NodeParams) {
	switch name {
	case config.DocDMXSend:
		timing := sendTiming(p.Send)
		for _, port := range n.dmx.Ports() {
			// clamps are logged by the port and the clamped value is in effect
			_ = port.SetTiming(timing)
		}
	case config.DocE131:
		n.applyPolicies(bridge.SACN, p.E131)
	case config.DocArtNet:
		n.applyPolicies(bridge.ArtNet, p.ArtNet)
	case config.DocRDMDevice:
		n.responder.SetConfig(rdm.DeviceConfig{Label: p.Device.Label, Personality: p.Device.Personality})
	}
}

// applyPolicies switches merge modes live; timeouts and priority are read at
// startup.
func (n *Node) applyPolicies(proto bridge.Protocol, np config.NetworkParams) {
	for _, b := range n.bridge.Bindings() {
		if b.Protocol != proto || b.Input {
			continue
		}
		policy, err := merge.ParsePolicy(np.MergeModeFor(b.Port))
		if err != nil {
			continue
		}
		if err := n.bridge.SetPolicy(proto, b.Universe, policy); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{"protocol": proto, "universe": b.Universe}).Warn("Merge policy not applied")
		}
	}
	n.log.WithField("protocol", proto).Info("Merge timeout, priority and sync timeout changes take effect after restart")
}

// deviceChanged persists label and personality set over RDM.
func (n *Node) deviceChanged(c rdm.DeviceConfig) {
	n.mu.Lock()
	n.params.Device = config.DeviceParams{Label: c.Label, Personality: c.Personality}
	doc, err := n.params.Document(config.DocRDMDevice)
	n.mu.Unlock()
	if err != nil || n.store == nil {
		return
	}
	if err := n.store.SaveProperties(context.Background(), config.DocRDMDevice, doc); err != nil {
		n.log.WithError(err).Warn("Failed to persist RDM device settings")
	}
}
