package lib

import (
	"encoding/binary"
	"fmt"
	"log"
)

const ICMPHdrSize = 8

const (
	ICMPTypeEchoReply      uint8 = 0
	ICMPTypeDestUnreach    uint8 = 3
	ICMPTypeRedirect       uint8 = 5
	ICMPTypeEcho           uint8 = 8
	ICMPTypeTimeExceeded   uint8 = 11
	ICMPTypeParamProblem   uint8 = 12
	ICMPTypeTimestamp      uint8 = 13
	ICMPTypeTimestampReply uint8 = 14
)

// IcmpOutput emits one ICMP message. values carries the type-specific
// 4-byte "rest of header" field (id+seq for echo).
func IcmpOutput(typ, code uint8, values uint32, payload []byte, src, dst IPAddr) error {
	msg := make([]byte, ICMPHdrSize+len(payload))
	msg[0] = typ
	msg[1] = code
	binary.BigEndian.PutUint32(msg[4:8], values)
	copy(msg[ICMPHdrSize:], payload)
	binary.BigEndian.PutUint16(msg[2:4], CalculateChecksum(msg))
	if Debug {
		log.Printf("icmp: %s => %s, type=%d, len=%d", src, dst, typ, len(msg))
	}
	return IPOutput(IPProtocolICMP, msg, src, dst)
}

// icmpInput answers echo requests; everything else is ignored. The
// reply is always sourced from the receiving interface's unicast, even
// when the request was sent to a broadcast address.
func icmpInput(data []byte, src, dst IPAddr, iface *IPIface) {
	if len(data) < ICMPHdrSize {
		log.Printf("icmp: too short (%d)", len(data))
		return
	}
	if CalculateChecksum(data) != 0 {
		log.Printf("icmp: checksum error, src=%s, dst=%s", src, dst)
		return
	}
	typ := data[0]
	if Debug {
		log.Printf("icmp: %s => %s, type=%d, len=%d", src, dst, typ, len(data))
	}
	switch typ {
	case ICMPTypeEcho:
		err := IcmpOutput(ICMPTypeEchoReply, data[1], binary.BigEndian.Uint32(data[4:8]), data[ICMPHdrSize:], iface.unicast, src)
		if err != nil {
			log.Println("icmp: echo reply failure:", err)
		}
	default:
		// ignore
	}
}

func icmpInit() error {
	if err := IPProtocolRegister("icmp", IPProtocolICMP, icmpInput); err != nil {
		return fmt.Errorf("icmp: %w", err)
	}
	return nil
}
