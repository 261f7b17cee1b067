package lib

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
)

func peerARPRequest(t *testing.T) []byte {
	return serialize(t,
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr(testPeerMAC[:]),
			DstMAC:       net.HardwareAddr(EtherAddrBroadcast[:]),
			EthernetType: layers.EthernetTypeARP,
		},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   testPeerMAC[:],
			SourceProtAddress: testPeerIP,
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    testOurIP,
		},
	)
}

// exchangeARP runs the request/reply handshake from the peer's side and
// leaves the peer resolved in our cache.
func exchangeARP(t *testing.T, dev *Device, m *memDevice) {
	t.Helper()
	inject(t, dev, peerARPRequest(t))
	m.nextFrame(t) // the reply
}

func TestARPRequestReply(t *testing.T) {
	dev, m, _ := newTestStack(t)

	inject(t, dev, peerARPRequest(t))
	frame := m.nextFrame(t)
	pkt := decodeFrame(frame)

	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth == nil {
		t.Fatal("reply does not decode as Ethernet")
	}
	if diff := cmp.Diff([]byte(testPeerMAC[:]), []byte(eth.DstMAC)); diff != "" {
		t.Errorf("reply is not unicast to the requester (-want +got):\n%s", diff)
	}

	arp, _ := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if arp == nil {
		t.Fatal("reply does not decode as ARP")
	}
	if arp.Operation != layers.ARPReply {
		t.Fatalf("opcode %d, want reply", arp.Operation)
	}
	if diff := cmp.Diff([]byte(testOurMAC[:]), arp.SourceHwAddress); diff != "" {
		t.Errorf("sha mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte(testOurIP), arp.SourceProtAddress); diff != "" {
		t.Errorf("spa mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte(testPeerMAC[:]), arp.DstHwAddress); diff != "" {
		t.Errorf("tha mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte(testPeerIP), arp.DstProtAddress); diff != "" {
		t.Errorf("tpa mismatch (-want +got):\n%s", diff)
	}

	// the requester's mapping must have been merged into the cache
	arpMutex.Lock()
	entry := arpCacheSelect(mustParseIPAddr(t, "192.0.2.1"))
	if entry == nil || entry.state != arpCacheStateResolved {
		t.Error("requester not recorded as RESOLVED in the cache")
	} else if entry.ha != testPeerMAC {
		t.Errorf("cached hardware address %s, want %s", entry.ha, testPeerMAC)
	}
	arpMutex.Unlock()
}

func TestARPResolveIncompleteEmitsRequest(t *testing.T) {
	_, m, iface := newTestStack(t)

	target := mustParseIPAddr(t, "192.0.2.99")
	_, err := arpResolve(iface, target)
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("arpResolve on a cold cache returned %v, want ErrInProgress", err)
	}

	frame := m.nextFrame(t)
	pkt := decodeFrame(frame)
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth == nil || !cmp.Equal([]byte(eth.DstMAC), EtherAddrBroadcast[:]) {
		t.Error("arp request was not broadcast")
	}
	arp, _ := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if arp == nil || arp.Operation != layers.ARPRequest {
		t.Fatal("no ARP request on the wire")
	}
	if got := IPAddr(uint32(arp.DstProtAddress[0])<<24 | uint32(arp.DstProtAddress[1])<<16 | uint32(arp.DstProtAddress[2])<<8 | uint32(arp.DstProtAddress[3])); got != target {
		t.Errorf("request tpa %s, want %s", got, target)
	}

	// a second attempt on the still-incomplete entry retransmits
	_, err = arpResolve(iface, target)
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("arpResolve on INCOMPLETE returned %v, want ErrInProgress", err)
	}
	m.nextFrame(t)
}

func TestARPCacheEviction(t *testing.T) {
	resetStack(t)

	base := time.Now()
	arpMutex.Lock()
	for i := 0; i < arpCacheSize; i++ {
		pa := IPAddr(0x0a000001 + i) // 10.0.0.1 ...
		entry := arpCacheInsert(pa, EtherAddr{0x02, 0, 0, 0, 0, byte(i)})
		entry.timestamp = base.Add(time.Duration(i) * time.Second)
	}
	// a full cache evicts the entry with the smallest timestamp
	newcomer := IPAddr(0x0a0000ff)
	arpCacheInsert(newcomer, EtherAddr{0x02, 0, 0, 0, 0, 0xff})

	if arpCacheSelect(IPAddr(0x0a000001)) != nil {
		t.Error("oldest entry survived the eviction")
	}
	if arpCacheSelect(newcomer) == nil {
		t.Error("newcomer missing after insert")
	}
	for i := 1; i < arpCacheSize; i++ {
		if arpCacheSelect(IPAddr(0x0a000001+i)) == nil {
			t.Errorf("entry %d evicted unexpectedly", i)
		}
	}
	arpMutex.Unlock()
}

func TestARPInputRejectsUnsupportedMessages(t *testing.T) {
	dev, m, _ := newTestStack(t)

	msg := arpMessageMarshal(arpOpRequest, testPeerMAC, mustParseIPAddr(t, "192.0.2.1"), EtherAddrAny, mustParseIPAddr(t, "192.0.2.2"))
	msg[0] = 0x00
	msg[1] = 0x02 // bogus hardware type
	frame := make([]byte, EtherHdrSize+len(msg))
	copy(frame[0:6], testOurMAC[:])
	copy(frame[6:12], testPeerMAC[:])
	frame[12] = 0x08
	frame[13] = 0x06
	copy(frame[EtherHdrSize:], msg)
	inject(t, dev, frame)
	m.expectSilence(t, 50*time.Millisecond)

	arpMutex.Lock()
	if arpCacheSelect(mustParseIPAddr(t, "192.0.2.1")) != nil {
		t.Error("unsupported message still updated the cache")
	}
	arpMutex.Unlock()
}
