package lib

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"net"
)

const (
	EtherAddrLen = 6
	EtherHdrSize = 14

	EtherFrameSizeMin = 60   // without FCS
	EtherFrameSizeMax = 1514 // without FCS

	EtherPayloadSizeMin = EtherFrameSizeMin - EtherHdrSize
	EtherPayloadSizeMax = EtherFrameSizeMax - EtherHdrSize
)

const (
	EtherTypeIP   uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86dd
)

type EtherAddr [EtherAddrLen]byte

var (
	EtherAddrAny       = EtherAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	EtherAddrBroadcast = EtherAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// ParseEtherAddr parses a colon-separated hex hardware address.
func ParseEtherAddr(s string) (EtherAddr, error) {
	var addr EtherAddr
	hw, err := net.ParseMAC(s)
	if err != nil {
		return addr, fmt.Errorf("malformed hardware address %q: %w", s, ErrInvalidArgument)
	}
	if len(hw) != EtherAddrLen {
		return addr, fmt.Errorf("hardware address %q is not 48 bits: %w", s, ErrInvalidArgument)
	}
	copy(addr[:], hw)
	return addr, nil
}

func (a EtherAddr) String() string {
	return net.HardwareAddr(a[:]).String()
}

// etherTransmit builds an Ethernet II frame around payload and hands it
// to the driver's frame writer. The payload is padded up to the minimum
// frame size and capped at the device MTU.
func etherTransmit(dev *Device, etype uint16, payload []byte, dst []byte, write func(dev *Device, frame []byte) error) error {
	if len(payload) > dev.MTU {
		return fmt.Errorf("too long, dev=%s, mtu=%d, len=%d: %w", dev.Name, dev.MTU, len(payload), ErrTooLong)
	}
	if len(dst) != EtherAddrLen {
		return fmt.Errorf("bad destination hardware address length %d, dev=%s: %w", len(dst), dev.Name, ErrInvalidArgument)
	}
	size := EtherHdrSize + len(payload)
	if size < EtherFrameSizeMin {
		size = EtherFrameSizeMin // pad with zeros
	}
	frame := make([]byte, size)
	copy(frame[0:EtherAddrLen], dst)
	copy(frame[EtherAddrLen:EtherAddrLen*2], dev.Addr[:EtherAddrLen])
	binary.BigEndian.PutUint16(frame[12:14], etype)
	copy(frame[EtherHdrSize:], payload)
	if Debug {
		log.Printf("dev=%s, type=0x%04x, len=%d", dev.Name, etype, len(frame))
		dumpFrame(dev, "tx", frame)
	}
	return write(dev, frame)
}

// etherInput parses a received frame and, unless it is addressed to
// another station, hands payload and EtherType up to the demux.
func etherInput(dev *Device, frame []byte, input func(ptype uint16, data []byte, dev *Device) error) error {
	if len(frame) < EtherHdrSize {
		return fmt.Errorf("frame too short (%d), dev=%s: %w", len(frame), dev.Name, ErrInvalidArgument)
	}
	dst := frame[0:EtherAddrLen]
	if !bytes.Equal(dst, dev.Addr[:EtherAddrLen]) && !bytes.Equal(dst, EtherAddrBroadcast[:]) {
		// for other host
		return nil
	}
	etype := binary.BigEndian.Uint16(frame[12:14])
	if Debug {
		log.Printf("dev=%s, type=0x%04x, len=%d", dev.Name, etype, len(frame))
		dumpFrame(dev, "rx", frame)
	}
	return input(etype, frame[EtherHdrSize:], dev)
}

// etherSetup fills the Ethernet-invariant device fields; the driver
// init supplies everything else.
func etherSetup(dev *Device) {
	dev.Type = DeviceTypeEthernet
	dev.MTU = EtherPayloadSizeMax
	dev.Flags = DeviceFlagBroadcast | DeviceFlagNeedARP
	dev.HeaderLen = EtherHdrSize
	dev.AddrLen = EtherAddrLen
	copy(dev.Broadcast[:], EtherAddrBroadcast[:])
}
