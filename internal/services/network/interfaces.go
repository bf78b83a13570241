// Package network enumerates the host's interfaces and resolves the one the
// node announces itself on.
package network

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoInterface is returned when a named interface is missing or has no
// usable IPv4 address.
var ErrNoInterface = errors.New("no usable network interface")

// InterfaceOption represents a network interface option for DMX over IP.
type InterfaceOption struct {
	Name          string
	Interface     string
	Address       string
	Broadcast     string
	MAC           string
	Description   string
	InterfaceType string // "ethernet", "wifi", "other", "localhost", "global"
}

// Binding is the resolved address set a node announces in poll replies and
// broadcasts to.
type Binding struct {
	Interface string
	IP        net.IP
	MAC       net.HardwareAddr
	Broadcast net.IP
}

// Loopback is used when nothing else is up.
var Loopback = Binding{
	Interface: "lo",
	IP:        net.IPv4(127, 0, 0, 1).To4(),
	MAC:       make(net.HardwareAddr, 6),
	Broadcast: net.IPv4(127, 0, 0, 1).To4(),
}

// GetInterfaceType guesses the type of network interface from its name.
func GetInterfaceType(ifaceName string) string {
	return getFallbackInterfaceType(ifaceName)
}

// getFallbackInterfaceType uses naming patterns to guess interface type
func getFallbackInterfaceType(ifaceName string) string {
	name := strings.ToLower(ifaceName)

	// en0 is typically WiFi on macOS
	if name == "en0" {
		return "wifi"
	}

	if strings.HasPrefix(name, "eth") ||
		strings.HasPrefix(name, "en") ||
		strings.HasPrefix(name, "enp") ||
		strings.HasPrefix(name, "eno") {
		return "ethernet"
	}

	if strings.HasPrefix(name, "wlan") ||
		strings.HasPrefix(name, "wl") ||
		strings.Contains(name, "wifi") ||
		strings.Contains(name, "wireless") {
		return "wifi"
	}

	return "other"
}

// getTypeIcon returns an emoji for the interface type
func getTypeIcon(interfaceType string) string {
	switch interfaceType {
	case "wifi":
		return "📶"
	case "ethernet":
		return "🌐"
	case "localhost":
		return "🏠"
	case "global":
		return "🌍"
	default:
		return "📡"
	}
}

func capitalize(s string) string {
	if len(s) == 0 {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// calculateBroadcast computes the broadcast address from IP and netmask
func calculateBroadcast(ip net.IP, mask net.IPMask) net.IP {
	if ip == nil || mask == nil {
		return nil
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}

	if len(mask) == 16 {
		mask = mask[12:16]
	}
	if len(mask) != 4 {
		return nil
	}

	broadcast := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		broadcast[i] = ip4[i] | ^mask[i]
	}

	return broadcast
}

// candidates lists every up, non-loopback IPv4 binding, ethernet first.
func candidates() ([]Binding, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var ethernet, wifi, other []Binding
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			broadcast := calculateBroadcast(ip4, ipNet.Mask)
			// point-to-point links have nothing to broadcast to
			if broadcast == nil || broadcast.Equal(ip4) {
				continue
			}

			b := Binding{Interface: iface.Name, IP: ip4, MAC: iface.HardwareAddr, Broadcast: broadcast}
			switch GetInterfaceType(iface.Name) {
			case "ethernet":
				ethernet = append(ethernet, b)
			case "wifi":
				wifi = append(wifi, b)
			default:
				other = append(other, b)
			}
		}
	}

	out := make([]Binding, 0, len(ethernet)+len(wifi)+len(other))
	out = append(out, ethernet...)
	out = append(out, wifi...)
	return append(out, other...), nil
}

// GetNetworkInterfaces returns all available network interfaces plus the
// localhost and global broadcast options.
func GetNetworkInterfaces() ([]InterfaceOption, error) {
	bindings, err := candidates()
	if err != nil {
		return nil, err
	}

	options := make([]InterfaceOption, 0, len(bindings)+2)
	for _, b := range bindings {
		interfaceType := GetInterfaceType(b.Interface)
		broadcastStr := b.Broadcast.String()
		options = append(options, InterfaceOption{
			Name:          fmt.Sprintf("%s-broadcast", b.Interface),
			Interface:     b.Interface,
			Address:       b.IP.String(),
			Broadcast:     broadcastStr,
			MAC:           b.MAC.String(),
			Description:   fmt.Sprintf("%s %s - %s Broadcast (%s)", getTypeIcon(interfaceType), b.Interface, capitalize(interfaceType), broadcastStr),
			InterfaceType: interfaceType,
		})
	}

	options = append(options, InterfaceOption{
		Name:          "localhost",
		Interface:     Loopback.Interface,
		Address:       "127.0.0.1",
		Broadcast:     "127.0.0.1",
		Description:   fmt.Sprintf("%s Localhost (for testing only)", getTypeIcon("localhost")),
		InterfaceType: "localhost",
	})

	options = append(options, InterfaceOption{
		Name:          "global-broadcast",
		Address:       "0.0.0.0",
		Broadcast:     "255.255.255.255",
		Description:   fmt.Sprintf("%s Global Broadcast (255.255.255.255)", getTypeIcon("global")),
		InterfaceType: "global",
	})

	return options, nil
}

// Resolve picks the binding for name. An empty name selects the first
// usable interface and falls back to loopback; "localhost" always resolves
// to loopback. Option names such as "eth0-broadcast" are accepted too.
func Resolve(name string) (Binding, error) {
	if name == "localhost" {
		return Loopback, nil
	}
	bindings, err := candidates()
	if err != nil {
		return Binding{}, err
	}
	return selectBinding(bindings, name)
}

func selectBinding(bindings []Binding, name string) (Binding, error) {
	name = strings.TrimSuffix(name, "-broadcast")
	if name == "" {
		if len(bindings) == 0 {
			return Loopback, nil
		}
		return bindings[0], nil
	}
	for _, b := range bindings {
		if b.Interface == name {
			return b, nil
		}
	}
	return Binding{}, fmt.Errorf("%w: %s", ErrNoInterface, name)
}
