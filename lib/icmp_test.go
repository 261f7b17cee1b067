package lib

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
)

func TestICMPEchoReply(t *testing.T) {
	dev, m, _ := newTestStack(t)
	exchangeARP(t, dev, m)

	ip := ipv4Layer(layers.IPProtocolICMPv4)
	echo := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       0x0001,
		Seq:      0x0001,
	}
	inject(t, dev, serialize(t, etherLayer(layers.EthernetTypeIPv4), ip, echo, payloadLayer("abcd")))

	frame := m.nextFrame(t)
	pkt := decodeFrame(frame)

	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth == nil || !cmp.Equal([]byte(eth.DstMAC), []byte(testPeerMAC[:])) {
		t.Error("echo reply not addressed to the peer's MAC")
	}

	replyIP, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if replyIP == nil {
		t.Fatal("echo reply does not decode as IPv4")
	}
	if !replyIP.SrcIP.Equal(net4(testOurIP)) || !replyIP.DstIP.Equal(net4(testPeerIP)) {
		t.Errorf("reply addressed %s => %s", replyIP.SrcIP, replyIP.DstIP)
	}
	if replyIP.TTL != 255 {
		t.Errorf("reply TTL %d, want 255", replyIP.TTL)
	}
	verifyIPChecksum(t, replyIP)

	reply, _ := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if reply == nil {
		t.Fatal("echo reply does not decode as ICMPv4")
	}
	if reply.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
		t.Fatalf("type %d, want echo reply", reply.TypeCode.Type())
	}
	if reply.Id != 0x0001 || reply.Seq != 0x0001 {
		t.Errorf("id/seq %d/%d, want 1/1", reply.Id, reply.Seq)
	}
	if diff := cmp.Diff([]byte("abcd"), []byte(reply.Payload)); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	icmpBytes := append(append([]byte(nil), reply.Contents...), reply.Payload...)
	if CalculateChecksum(icmpBytes) != 0 {
		t.Error("emitted ICMP checksum does not verify")
	}
}

func TestICMPBadChecksumDropped(t *testing.T) {
	dev, m, _ := newTestStack(t)
	exchangeARP(t, dev, m)

	ip := ipv4Layer(layers.IPProtocolICMPv4)
	echo := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       1,
		Seq:      1,
	}
	frame := serialize(t, etherLayer(layers.EthernetTypeIPv4), ip, echo, payloadLayer("abcd"))
	frame[EtherHdrSize+IPHdrSizeMin+2] ^= 0xff // corrupt the ICMP checksum
	// the IP header checksum is untouched, so only the ICMP layer rejects
	inject(t, dev, frame)
	m.expectSilence(t, 50*time.Millisecond)
}
