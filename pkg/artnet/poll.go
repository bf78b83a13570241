package artnet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// PollReplySize is the size of an ArtPollReply packet.
const PollReplySize = 239

// Port type and status bits used in ArtPollReply.
const (
	PortTypeDMX    byte = 0x00
	PortTypeOutput byte = 0x80
	PortTypeInput  byte = 0x40

	GoodOutputTransmitting byte = 0x80
	GoodOutputLTP          byte = 0x02
	GoodInputReceived      byte = 0x80

	StyleNode byte = 0x00
)

// Poll is a decoded ArtPoll packet.
type Poll struct {
	Flags        uint8
	DiagPriority uint8
}

// ParsePoll decodes an ArtPoll packet.
func ParsePoll(data []byte) (*Poll, error) {
	op, err := OpCode(data)
	if err != nil {
		return nil, err
	}
	if op != OpCodePoll {
		return nil, &ParseError{Message: fmt.Sprintf("opcode 0x%04x is not ArtPoll", op), Offset: 8}
	}
	if err := checkVersion(data); err != nil {
		return nil, err
	}
	if len(data) < 14 {
		return nil, &ParseError{Message: "truncated ArtPoll", Offset: len(data)}
	}
	return &Poll{Flags: data[12], DiagPriority: data[13]}, nil
}

// BuildPollPacket creates an ArtPoll packet.
func BuildPollPacket() []byte {
	packet := make([]byte, 14)
	copy(packet[0:8], ArtNetID)
	binary.LittleEndian.PutUint16(packet[8:10], OpCodePoll)
	binary.BigEndian.PutUint16(packet[10:12], ProtocolVersion)
	return packet
}

// ReplyPort describes one port in an ArtPollReply.
type ReplyPort struct {
	Universe uint16
	Input    bool
	Active   bool
	LTP      bool
}

// PollReply holds the node description sent in answer to ArtPoll.
type PollReply struct {
	IP         net.IP
	MAC        net.HardwareAddr
	ShortName  string
	LongName   string
	NodeReport string
	Firmware   uint16
	BindIndex  uint8
	Ports      []ReplyPort
}

// BuildPollReply encodes up to four ports. All ports share the net and sub-net
// of the first port, as a single reply page can only carry one of each.
func BuildPollReply(r PollReply) []byte {
	packet := make([]byte, PollReplySize)
	copy(packet[0:8], ArtNetID)
	binary.LittleEndian.PutUint16(packet[8:10], OpCodePollReply)
	if ip4 := r.IP.To4(); ip4 != nil {
		copy(packet[10:14], ip4)
		copy(packet[207:211], ip4)
	}
	binary.LittleEndian.PutUint16(packet[14:16], DefaultPort)
	binary.BigEndian.PutUint16(packet[16:18], r.Firmware)

	ports := r.Ports
	if len(ports) > 4 {
		ports = ports[:4]
	}
	if len(ports) > 0 {
		netSw, subSw, _ := Address(ports[0].Universe)
		packet[18] = netSw
		packet[19] = subSw
	}
	packet[23] = 0xD0 // indicators normal, addresses set by network

	copy(packet[26:43], r.ShortName)
	copy(packet[44:107], r.LongName)
	copy(packet[108:171], r.NodeReport)
	binary.BigEndian.PutUint16(packet[172:174], uint16(len(ports)))

	for i, p := range ports {
		_, _, uni := Address(p.Universe)
		if p.Input {
			packet[174+i] = PortTypeDMX | PortTypeInput
			packet[186+i] = uni
			if p.Active {
				packet[178+i] = GoodInputReceived
			}
			continue
		}
		packet[174+i] = PortTypeDMX | PortTypeOutput
		packet[190+i] = uni
		if p.Active {
			packet[182+i] = GoodOutputTransmitting
		}
		if p.LTP {
			packet[182+i] |= GoodOutputLTP
		}
	}

	packet[200] = StyleNode
	if len(r.MAC) == 6 {
		copy(packet[201:207], r.MAC)
	}
	packet[211] = r.BindIndex
	packet[212] = 0x08 // supports 15-bit port addresses
	return packet
}
