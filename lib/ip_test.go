package lib

import (
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
)

func TestIPAddrRoundTrip(t *testing.T) {
	// parse . format is the identity on valid dotted quads
	strs := []string{"0.0.0.0", "127.0.0.1", "192.0.2.2", "255.255.255.255", "10.1.2.3"}
	for _, s := range strs {
		addr, err := ParseIPAddr(s)
		if err != nil {
			t.Errorf("ParseIPAddr(%q): %s", s, err)
			continue
		}
		if got := addr.String(); got != s {
			t.Errorf("round trip of %q produced %q", s, got)
		}
	}
	// format . parse is the identity on binary values
	vals := []uint32{0, 1, 0x7f000001, 0xc0000202, 0x80000000, 0xfffffffe, 0xffffffff}
	for _, v := range vals {
		back, err := ParseIPAddr(IPAddr(v).String())
		if err != nil {
			t.Errorf("reparse of %#08x: %s", v, err)
			continue
		}
		if uint32(back) != v {
			t.Errorf("round trip of %#08x produced %#08x", v, uint32(back))
		}
	}
	for _, s := range []string{"", "1.2.3", "1.2.3.4.5", "::1", "hosts"} {
		if _, err := ParseIPAddr(s); err == nil {
			t.Errorf("ParseIPAddr accepted %q", s)
		}
	}
}

func TestIPEndpointRoundTrip(t *testing.T) {
	ep, err := ParseIPEndpoint("192.0.2.1:40000")
	if err != nil {
		t.Fatalf("ParseIPEndpoint: %s", err)
	}
	if ep.Addr != mustParseIPAddr(t, "192.0.2.1") || ep.Port != 40000 {
		t.Errorf("parsed %v", ep)
	}
	if got := ep.String(); got != "192.0.2.1:40000" {
		t.Errorf("formatted %q", got)
	}
	for _, s := range []string{"192.0.2.1", "192.0.2.1:99999", ":7", "a:b"} {
		if _, err := ParseIPEndpoint(s); err == nil {
			t.Errorf("ParseIPEndpoint accepted %q", s)
		}
	}
}

func TestIPIfaceBroadcast(t *testing.T) {
	testCases := []struct {
		unicast, netmask, broadcast string
	}{
		{"192.0.2.2", "255.255.255.0", "192.0.2.255"},
		{"10.0.0.1", "255.0.0.0", "10.255.255.255"},
		{"172.16.5.9", "255.255.0.0", "172.16.255.255"},
		{"192.0.2.2", "255.255.255.252", "192.0.2.3"},
	}
	for _, tc := range testCases {
		iface, err := NewIPIface(tc.unicast, tc.netmask)
		if err != nil {
			t.Fatalf("NewIPIface(%s, %s): %s", tc.unicast, tc.netmask, err)
		}
		if want := mustParseIPAddr(t, tc.broadcast); iface.broadcast != want {
			t.Errorf("broadcast of %s/%s = %s, want %s", tc.unicast, tc.netmask, iface.broadcast, tc.broadcast)
		}
	}
}

func TestIPIfaceDuplicateFamily(t *testing.T) {
	resetStack(t)
	dev, err := DummyInit()
	if err != nil {
		t.Fatalf("DummyInit: %s", err)
	}
	first, _ := NewIPIface("10.0.0.1", "255.0.0.0")
	if err := IPIfaceRegister(dev, first); err != nil {
		t.Fatalf("first register: %s", err)
	}
	second, _ := NewIPIface("10.0.0.2", "255.0.0.0")
	if err := IPIfaceRegister(dev, second); err == nil {
		t.Error("second IP interface on one device was accepted")
	}
}

func TestIPRouteLongestPrefix(t *testing.T) {
	resetStack(t)
	devA, _ := DummyInit()
	ifaceA, _ := NewIPIface("10.0.0.1", "255.0.0.0")
	if err := IPIfaceRegister(devA, ifaceA); err != nil {
		t.Fatalf("register A: %s", err)
	}
	devB, _ := DummyInit()
	ifaceB, _ := NewIPIface("192.0.2.2", "255.255.255.0")
	if err := IPIfaceRegister(devB, ifaceB); err != nil {
		t.Fatalf("register B: %s", err)
	}
	if err := IPRouteSetDefaultGateway(ifaceA, "10.0.0.254"); err != nil {
		t.Fatalf("default gateway: %s", err)
	}

	if got := IPRouteGetIface(mustParseIPAddr(t, "192.0.2.77")); got != ifaceB {
		t.Error("on-link /24 lost to a shorter prefix")
	}
	if got := IPRouteGetIface(mustParseIPAddr(t, "10.9.9.9")); got != ifaceA {
		t.Error("/8 route not selected")
	}
	if got := IPRouteGetIface(mustParseIPAddr(t, "8.8.8.8")); got != ifaceA {
		t.Error("default route not selected for an off-link destination")
	}

	// equal prefixes resolve to the most recently inserted route
	dup := IPRouteAdd(mustParseIPAddr(t, "192.0.2.0"), mustParseIPAddr(t, "255.255.255.0"), IPAddrAny, ifaceA)
	if got := ipRouteLookup(mustParseIPAddr(t, "192.0.2.77")); got != dup {
		t.Error("tie did not resolve to the most recently inserted route")
	}
}

func TestIPRouteNoMatch(t *testing.T) {
	resetStack(t)
	dev, _ := DummyInit()
	iface, _ := NewIPIface("192.0.2.2", "255.255.255.0")
	if err := IPIfaceRegister(dev, iface); err != nil {
		t.Fatalf("register: %s", err)
	}
	if got := ipRouteLookup(mustParseIPAddr(t, "8.8.8.8")); got != nil {
		t.Error("off-link destination matched without a default route")
	}
	err := IPOutput(IPProtocolICMP, make([]byte, 8), IPAddrAny, mustParseIPAddr(t, "8.8.8.8"))
	if !errors.Is(err, ErrNotRouted) {
		t.Errorf("IPOutput returned %v, want ErrNotRouted", err)
	}
}

func TestIPInputValidation(t *testing.T) {
	dev, m, _ := newTestStack(t)
	_ = m

	udpQueueLen := func() int {
		udpMutex.Lock()
		defer udpMutex.Unlock()
		return len(udpPCBs[0].queue)
	}

	id, err := UDPOpen()
	if err != nil {
		t.Fatalf("UDPOpen: %s", err)
	}
	if err := UDPBind(id, IPEndpoint{Addr: IPAddrAny, Port: 7}); err != nil {
		t.Fatalf("UDPBind: %s", err)
	}

	build := func(mutate func(ip *layers.IPv4)) []byte {
		ip := ipv4Layer(layers.IPProtocolUDP)
		if mutate != nil {
			mutate(ip)
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: 7}
		udp.SetNetworkLayerForChecksum(ip)
		return serialize(t, ip, udp, payloadLayer("hi"))
	}

	// fragments are rejected on input
	ipInput(build(func(ip *layers.IPv4) { ip.Flags = layers.IPv4MoreFragments }), dev)
	if udpQueueLen() != 0 {
		t.Fatal("fragmented datagram was delivered")
	}
	ipInput(build(func(ip *layers.IPv4) { ip.FragOffset = 8 }), dev)
	if udpQueueLen() != 0 {
		t.Fatal("offset fragment was delivered")
	}

	// truncated datagrams are rejected
	whole := build(nil)
	ipInput(whole[:len(whole)-1], dev)
	if udpQueueLen() != 0 {
		t.Fatal("truncated datagram was delivered")
	}

	// corrupted header checksum is rejected
	bad := append([]byte(nil), whole...)
	bad[10] ^= 0xff
	ipInput(bad, dev)
	if udpQueueLen() != 0 {
		t.Fatal("datagram with a bad header checksum was delivered")
	}

	// for-other-host destinations are ignored
	otherIP := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: testPeerIP, DstIP: []byte{192, 0, 2, 9},
	}
	otherUDP := &layers.UDP{SrcPort: 40000, DstPort: 7}
	otherUDP.SetNetworkLayerForChecksum(otherIP)
	ipInput(serialize(t, otherIP, otherUDP, payloadLayer("hi")), dev)
	if udpQueueLen() != 0 {
		t.Fatal("datagram for another host was delivered")
	}

	// the intact datagram is delivered
	ipInput(whole, dev)
	deadline := time.Now().Add(time.Second)
	for udpQueueLen() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("intact datagram was not delivered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIPGenerateID(t *testing.T) {
	resetStack(t)
	first := ipGenerateID()
	if first != 128 {
		t.Errorf("first id %d, want 128", first)
	}
	if second := ipGenerateID(); second != first+1 {
		t.Errorf("ids not monotonic: %d then %d", first, second)
	}
	ipIDCounter = 0xffff
	if got := ipGenerateID(); got != 0xffff {
		t.Errorf("id before wrap %d, want 65535", got)
	}
	if got := ipGenerateID(); got != 0 {
		t.Errorf("id after wrap %d, want 0", got)
	}
}
