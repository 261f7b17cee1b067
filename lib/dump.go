package lib

import (
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Debug frame tracing. The original tool chain carried hand-written
// per-protocol dump functions; gopacket decodes everything the stack
// speaks, so the dumps lean on it instead.

// dumpFrame decodes and logs a whole Ethernet frame.
func dumpFrame(dev *Device, dir string, frame []byte) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	log.Printf("%s %s:\n%s", dev.Name, dir, packet.String())
}

// dumpPacket decodes and logs a device-level packet by its EtherType.
// Devices without link-layer framing (loopback, dummy) pass bare
// network-layer packets through here.
func dumpPacket(dev *Device, dir string, etype uint16, data []byte) {
	var first gopacket.LayerType
	switch etype {
	case EtherTypeIP:
		first = layers.LayerTypeIPv4
	case EtherTypeARP:
		first = layers.LayerTypeARP
	default:
		log.Printf("%s %s: type=0x%04x, len=%d", dev.Name, dir, etype, len(data))
		return
	}
	packet := gopacket.NewPacket(data, first, gopacket.Default)
	log.Printf("%s %s:\n%s", dev.Name, dir, packet.String())
}
