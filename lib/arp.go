package lib

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"
)

/* see https://www.iana.org/assignments/arp-parameters/arp-parameters.txt */
const (
	arpHrdEther uint16 = 0x0001
	arpProIP    uint16 = EtherTypeIP

	arpOpRequest uint16 = 1
	arpOpReply   uint16 = 2

	// Ethernet/IPv4 message: 8-byte header + sha + spa + tha + tpa
	arpMessageSize = 8 + EtherAddrLen + 4 + EtherAddrLen + 4
)

const arpCacheSize = 32

const (
	arpCacheStateFree = iota
	arpCacheStateIncomplete
	arpCacheStateResolved
	arpCacheStateStatic
)

type arpCacheEntry struct {
	state     int
	pa        IPAddr
	ha        EtherAddr
	timestamp time.Time
}

var (
	arpMutex sync.Mutex
	arpCache [arpCacheSize]arpCacheEntry
)

/*
 * ARP cache. All cache functions must be called with arpMutex held.
 * Invariant: pa is unique across the non-FREE entries.
 */

// arpCacheAlloc returns a FREE entry, or evicts the entry with the
// oldest timestamp when the cache is full.
func arpCacheAlloc() *arpCacheEntry {
	var oldest *arpCacheEntry
	for i := range arpCache {
		entry := &arpCache[i]
		if entry.state == arpCacheStateFree {
			return entry
		}
		if oldest == nil || entry.timestamp.Before(oldest.timestamp) {
			oldest = entry
		}
	}
	*oldest = arpCacheEntry{}
	return oldest
}

func arpCacheSelect(pa IPAddr) *arpCacheEntry {
	for i := range arpCache {
		entry := &arpCache[i]
		if entry.state != arpCacheStateFree && entry.pa == pa {
			return entry
		}
	}
	return nil
}

func arpCacheUpdate(pa IPAddr, ha EtherAddr) *arpCacheEntry {
	entry := arpCacheSelect(pa)
	if entry == nil {
		return nil
	}
	entry.state = arpCacheStateResolved
	entry.ha = ha
	entry.timestamp = time.Now()
	if Debug {
		log.Printf("arp cache update: pa=%s, ha=%s", pa, ha)
	}
	return entry
}

func arpCacheInsert(pa IPAddr, ha EtherAddr) *arpCacheEntry {
	entry := arpCacheAlloc()
	entry.state = arpCacheStateResolved
	entry.pa = pa
	entry.ha = ha
	entry.timestamp = time.Now()
	if Debug {
		log.Printf("arp cache insert: pa=%s, ha=%s", pa, ha)
	}
	return entry
}

/*
 * Message build / parse
 */

func arpMessageMarshal(op uint16, sha EtherAddr, spa IPAddr, tha EtherAddr, tpa IPAddr) []byte {
	msg := make([]byte, arpMessageSize)
	binary.BigEndian.PutUint16(msg[0:2], arpHrdEther)
	binary.BigEndian.PutUint16(msg[2:4], arpProIP)
	msg[4] = EtherAddrLen
	msg[5] = 4 // IPv4 address length
	binary.BigEndian.PutUint16(msg[6:8], op)
	copy(msg[8:14], sha[:])
	binary.BigEndian.PutUint32(msg[14:18], uint32(spa))
	copy(msg[18:24], tha[:])
	binary.BigEndian.PutUint32(msg[24:28], uint32(tpa))
	return msg
}

// arpReply emits an ARP reply, unicast to the requester.
func arpReply(iface *IPIface, tha EtherAddr, tpa IPAddr, dst EtherAddr) error {
	var sha EtherAddr
	copy(sha[:], iface.Device().Addr[:EtherAddrLen])
	reply := arpMessageMarshal(arpOpReply, sha, iface.unicast, tha, tpa)
	if Debug {
		log.Printf("arp reply: dev=%s, spa=%s, tpa=%s", iface.Device().Name, iface.unicast, tpa)
	}
	return NetDeviceOutput(iface.Device(), EtherTypeARP, reply, dst[:])
}

// arpRequest broadcasts "who has tpa".
func arpRequest(iface *IPIface, tpa IPAddr) error {
	var sha EtherAddr
	copy(sha[:], iface.Device().Addr[:EtherAddrLen])
	request := arpMessageMarshal(arpOpRequest, sha, iface.unicast, EtherAddrAny, tpa)
	if Debug {
		log.Printf("arp request: dev=%s, tpa=%s", iface.Device().Name, tpa)
	}
	return NetDeviceOutput(iface.Device(), EtherTypeARP, request, EtherAddrBroadcast[:])
}

// arpInput handles a received ARP message: refresh the cache from the
// sender pair, and answer requests aimed at one of our addresses.
func arpInput(data []byte, dev *Device) {
	if len(data) < arpMessageSize {
		log.Printf("arp: too short (%d), dev=%s", len(data), dev.Name)
		return
	}
	if binary.BigEndian.Uint16(data[0:2]) != arpHrdEther || data[4] != EtherAddrLen {
		log.Printf("arp: unsupported hardware address, dev=%s", dev.Name)
		return
	}
	if binary.BigEndian.Uint16(data[2:4]) != arpProIP || data[5] != 4 {
		log.Printf("arp: unsupported protocol address, dev=%s", dev.Name)
		return
	}
	op := binary.BigEndian.Uint16(data[6:8])
	if op != arpOpRequest && op != arpOpReply {
		log.Printf("arp: unsupported opcode %d, dev=%s", op, dev.Name)
		return
	}
	var sha EtherAddr
	copy(sha[:], data[8:14])
	spa := IPAddr(binary.BigEndian.Uint32(data[14:18]))
	tpa := IPAddr(binary.BigEndian.Uint32(data[24:28]))

	arpMutex.Lock()
	merge := arpCacheUpdate(spa, sha) != nil
	iface, _ := NetDeviceGetIface(dev, IfaceFamilyIP).(*IPIface)
	if iface != nil && iface.unicast == tpa {
		if !merge {
			arpCacheInsert(spa, sha)
		}
		arpMutex.Unlock()
		if op == arpOpRequest {
			if err := arpReply(iface, sha, spa, sha); err != nil {
				log.Println("arp reply failure:", err)
			}
		}
		return
	}
	arpMutex.Unlock()
}

// arpResolve maps an on-link IPv4 address to a hardware address. A miss
// or still-pending entry broadcasts a request and reports ErrInProgress;
// the caller drops its datagram and relies on a later retry.
func arpResolve(iface *IPIface, pa IPAddr) (EtherAddr, error) {
	if iface.Device().Type != DeviceTypeEthernet {
		return EtherAddr{}, fmt.Errorf("arp resolve: unsupported hardware address type, dev=%s: %w", iface.Device().Name, ErrInvalidArgument)
	}
	arpMutex.Lock()
	entry := arpCacheSelect(pa)
	if entry == nil {
		entry = arpCacheAlloc()
		entry.state = arpCacheStateIncomplete
		entry.pa = pa
		entry.timestamp = time.Now()
		arpMutex.Unlock()
		if err := arpRequest(iface, pa); err != nil {
			return EtherAddr{}, fmt.Errorf("arp request: %w", err)
		}
		return EtherAddr{}, fmt.Errorf("arp resolution of %s pending: %w", pa, ErrInProgress)
	}
	if entry.state == arpCacheStateIncomplete {
		arpMutex.Unlock()
		// retransmit the request in case the first one was lost
		if err := arpRequest(iface, pa); err != nil {
			return EtherAddr{}, fmt.Errorf("arp request: %w", err)
		}
		return EtherAddr{}, fmt.Errorf("arp resolution of %s pending: %w", pa, ErrInProgress)
	}
	ha := entry.ha
	arpMutex.Unlock()
	if Debug {
		log.Printf("arp resolved: pa=%s, ha=%s", pa, ha)
	}
	return ha, nil
}

func arpInit() error {
	return NetProtocolRegister(EtherTypeARP, "arp", arpInput)
}
