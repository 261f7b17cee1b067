package lib

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Shared fixtures for the protocol tests: a captured in-memory Ethernet
// device standing in for the tap, and gopacket as the independent frame
// builder/decoder so the stack's own codecs never verify themselves.

var (
	testOurMAC  = EtherAddr{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb}
	testPeerMAC = EtherAddr{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}

	testOurIP  = net.IPv4(192, 0, 2, 2).To4()
	testPeerIP = net.IPv4(192, 0, 2, 1).To4()
)

// memDevice is an Ethernet device whose transmissions land on a channel.
type memDevice struct {
	tx chan []byte
}

func (m *memDevice) Open(dev *Device) error  { return nil }
func (m *memDevice) Close(dev *Device) error { return nil }

func (m *memDevice) Transmit(dev *Device, etype uint16, data []byte, dst []byte) error {
	return etherTransmit(dev, etype, data, dst, m.write)
}

func (m *memDevice) write(dev *Device, frame []byte) error {
	select {
	case m.tx <- frame:
	default:
	}
	return nil
}

func (m *memDevice) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-m.tx:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transmitted frame")
		return nil
	}
}

func (m *memDevice) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-m.tx:
		t.Fatalf("unexpected frame transmitted (%d bytes)", len(frame))
	case <-time.After(d):
	}
}

// resetStack reinitializes all module-scope stack state so each test
// runs against a fresh fixture.
func resetStack(t *testing.T) {
	t.Helper()
	if intrActive {
		t.Fatal("previous test left the worker running")
	}
	devices = nil
	protocols = nil
	ipProtocols = nil
	timers = nil
	eventSubscribers = nil
	ifaces = nil
	routes = nil
	irqs = nil
	arpCache = [arpCacheSize]arpCacheEntry{}
	udpPCBs = [udpPCBCount]udpPCB{}
	tcpPCBs = [tcpPCBCount]tcpPCB{}
	ipIDCounter = 128
	if err := NetInit(); err != nil {
		t.Fatalf("NetInit: %s", err)
	}
}

// newTestStack brings up a running stack on a captured Ethernet device
// with unicast 192.0.2.2/24 and default gateway 192.0.2.1.
func newTestStack(t *testing.T) (*Device, *memDevice, *IPIface) {
	t.Helper()
	resetStack(t)
	m := &memDevice{tx: make(chan []byte, 32)}
	dev := &Device{ops: m, priv: m}
	etherSetup(dev)
	copy(dev.Addr[:], testOurMAC[:])
	if err := NetDeviceRegister(dev); err != nil {
		t.Fatalf("NetDeviceRegister: %s", err)
	}
	iface, err := NewIPIface("192.0.2.2", "255.255.255.0")
	if err != nil {
		t.Fatalf("NewIPIface: %s", err)
	}
	if err := IPIfaceRegister(dev, iface); err != nil {
		t.Fatalf("IPIfaceRegister: %s", err)
	}
	if err := IPRouteSetDefaultGateway(iface, "192.0.2.1"); err != nil {
		t.Fatalf("IPRouteSetDefaultGateway: %s", err)
	}
	if err := NetRun(); err != nil {
		t.Fatalf("NetRun: %s", err)
	}
	t.Cleanup(NetShutdown)
	return dev, m, iface
}

// inject delivers a frame to the device as if its ISR had read it.
func inject(t *testing.T, dev *Device, frame []byte) {
	t.Helper()
	if err := etherInput(dev, frame, NetInputHandler); err != nil {
		t.Fatalf("etherInput: %s", err)
	}
}

func mustParseIPAddr(t *testing.T, s string) IPAddr {
	t.Helper()
	addr, err := ParseIPAddr(s)
	if err != nil {
		t.Fatalf("ParseIPAddr(%q): %s", s, err)
	}
	return addr
}

func net4(b []byte) net.IP {
	return net.IP(b)
}

func payloadLayer(s string) gopacket.Payload {
	return gopacket.Payload([]byte(s))
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers: %s", err)
	}
	return buf.Bytes()
}

func decodeFrame(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
}

func etherLayer(etype layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(testPeerMAC[:]),
		DstMAC:       net.HardwareAddr(testOurMAC[:]),
		EthernetType: etype,
	}
}

func ipv4Layer(protocol layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: protocol,
		SrcIP:    testPeerIP,
		DstIP:    testOurIP,
	}
}

// verifyIPChecksum recomputes the IPv4 header checksum of an emitted
// packet; a valid header sums to zero.
func verifyIPChecksum(t *testing.T, ip *layers.IPv4) {
	t.Helper()
	hdr := append([]byte(nil), ip.Contents...)
	if CalculateChecksum(hdr) != 0 {
		t.Errorf("emitted IPv4 header checksum does not verify")
	}
}

// verifyTransportChecksum recomputes a UDP/TCP checksum with the
// pseudo-header; a valid segment sums to zero.
func verifyTransportChecksum(t *testing.T, ip *layers.IPv4, protocol uint8, segment []byte) {
	t.Helper()
	scratch := make([]byte, pseudoHeaderLength+len(segment))
	src := IPAddr(uint32(ip.SrcIP[0])<<24 | uint32(ip.SrcIP[1])<<16 | uint32(ip.SrcIP[2])<<8 | uint32(ip.SrcIP[3]))
	dst := IPAddr(uint32(ip.DstIP[0])<<24 | uint32(ip.DstIP[1])<<16 | uint32(ip.DstIP[2])<<8 | uint32(ip.DstIP[3]))
	if err := assemblePseudoHeader(scratch[:pseudoHeaderLength], src, dst, protocol, uint16(len(segment))); err != nil {
		t.Fatalf("assemblePseudoHeader: %s", err)
	}
	copy(scratch[pseudoHeaderLength:], segment)
	if CalculateChecksum(scratch) != 0 {
		t.Errorf("emitted transport checksum does not verify (protocol=%d)", protocol)
	}
}
