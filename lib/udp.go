package lib

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"
)

const UDPHdrSize = 8

const udpPCBCount = 16

// Ephemeral source port range for auto-assignment.
const (
	udpSourcePortMin = 49152
	udpSourcePortMax = 65535
)

const (
	udpPCBStateFree = iota
	udpPCBStateOpen
	udpPCBStateClosing
)

type udpQueueEntry struct {
	foreign IPEndpoint
	data    []byte
}

type udpPCB struct {
	state int
	local IPEndpoint
	queue []*udpQueueEntry // receive queue
	ctx   schedCtx
}

var (
	udpMutex sync.Mutex
	udpPCBs  [udpPCBCount]udpPCB
)

/*
 * UDP PCB functions must be called with udpMutex held.
 */

func udpPCBAlloc() *udpPCB {
	for i := range udpPCBs {
		pcb := &udpPCBs[i]
		if pcb.state == udpPCBStateFree {
			pcb.state = udpPCBStateOpen
			schedCtxInit(&pcb.ctx, &udpMutex)
			return pcb
		}
	}
	return nil
}

func udpPCBRelease(pcb *udpPCB) {
	pcb.state = udpPCBStateClosing
	if err := schedCtxDestroy(&pcb.ctx); err != nil {
		// waiters remain: wake them so they observe CLOSING and retry
		schedWakeup(&pcb.ctx)
		return
	}
	pcb.state = udpPCBStateFree
	pcb.local = IPEndpoint{}
	pcb.queue = nil
}

// udpPCBSelect matches an OPEN PCB on (wildcard-or-equal addr, port).
func udpPCBSelect(addr IPAddr, port uint16) *udpPCB {
	for i := range udpPCBs {
		pcb := &udpPCBs[i]
		if pcb.state != udpPCBStateOpen {
			continue
		}
		if (pcb.local.Addr == IPAddrAny || addr == IPAddrAny || pcb.local.Addr == addr) && pcb.local.Port == port {
			return pcb
		}
	}
	return nil
}

func udpPCBGet(id int) *udpPCB {
	if id < 0 || id >= udpPCBCount {
		return nil
	}
	pcb := &udpPCBs[id]
	if pcb.state != udpPCBStateOpen {
		return nil
	}
	return pcb
}

func udpPCBID(pcb *udpPCB) int {
	for i := range udpPCBs {
		if pcb == &udpPCBs[i] {
			return i
		}
	}
	return -1
}

/*
 * Datagram I/O
 */

// udpOutput emits one datagram from src to dst.
func udpOutput(src, dst IPEndpoint, data []byte) (int, error) {
	if UDPHdrSize+len(data) > IPPayloadSizeMax {
		return 0, fmt.Errorf("udp: too long (%d): %w", len(data), ErrTooLong)
	}
	total := UDPHdrSize + len(data)
	// checksum is computed over the pseudo-header and the datagram laid
	// out contiguously in one scratch buffer
	scratch := make([]byte, pseudoHeaderLength+total)
	datagram := scratch[pseudoHeaderLength:]
	binary.BigEndian.PutUint16(datagram[0:2], src.Port)
	binary.BigEndian.PutUint16(datagram[2:4], dst.Port)
	binary.BigEndian.PutUint16(datagram[4:6], uint16(total))
	copy(datagram[UDPHdrSize:], data)
	if err := assemblePseudoHeader(scratch[:pseudoHeaderLength], src.Addr, dst.Addr, IPProtocolUDP, uint16(total)); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(datagram[6:8], CalculateChecksum(scratch))
	if Debug {
		log.Printf("udp: %s => %s, len=%d (payload=%d)", src, dst, total, len(data))
	}
	if err := IPOutput(IPProtocolUDP, datagram, src.Addr, dst.Addr); err != nil {
		return 0, err
	}
	return len(data), nil
}

func udpInput(data []byte, src, dst IPAddr, iface *IPIface) {
	if len(data) < UDPHdrSize {
		log.Printf("udp: too short (%d)", len(data))
		return
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if length != len(data) {
		log.Printf("udp: length mismatch, len=%d, udp.len=%d", len(data), length)
		return
	}
	scratch := make([]byte, pseudoHeaderLength+len(data))
	if err := assemblePseudoHeader(scratch[:pseudoHeaderLength], src, dst, IPProtocolUDP, uint16(len(data))); err != nil {
		log.Println("udp:", err)
		return
	}
	copy(scratch[pseudoHeaderLength:], data)
	if CalculateChecksum(scratch) != 0 {
		log.Printf("udp: checksum error, src=%s, dst=%s", src, dst)
		return
	}
	local := IPEndpoint{Addr: dst, Port: binary.BigEndian.Uint16(data[2:4])}
	foreign := IPEndpoint{Addr: src, Port: binary.BigEndian.Uint16(data[0:2])}
	if Debug {
		log.Printf("udp: %s => %s, len=%d (payload=%d)", foreign, local, len(data), len(data)-UDPHdrSize)
	}
	udpMutex.Lock()
	pcb := udpPCBSelect(local.Addr, local.Port)
	if pcb == nil {
		udpMutex.Unlock()
		// port unreachable; silently discarded
		return
	}
	entry := &udpQueueEntry{
		foreign: foreign,
		data:    append([]byte(nil), data[UDPHdrSize:]...),
	}
	pcb.queue = append(pcb.queue, entry)
	if Debug {
		log.Printf("udp: queue pushed: id=%d, num=%d", udpPCBID(pcb), len(pcb.queue))
	}
	schedWakeup(&pcb.ctx)
	udpMutex.Unlock()
}

/*
 * User API
 */

// UDPOpen allocates a PCB and returns its id.
func UDPOpen() (int, error) {
	udpMutex.Lock()
	defer udpMutex.Unlock()
	pcb := udpPCBAlloc()
	if pcb == nil {
		return -1, fmt.Errorf("udp open: pcb table full: %w", ErrResourceExhausted)
	}
	return udpPCBID(pcb), nil
}

// UDPBind assigns the local endpoint; a tuple already OPEN elsewhere
// (wildcards considered) fails.
func UDPBind(id int, local IPEndpoint) error {
	udpMutex.Lock()
	defer udpMutex.Unlock()
	pcb := udpPCBGet(id)
	if pcb == nil {
		return fmt.Errorf("udp bind: bad id %d: %w", id, ErrInvalidArgument)
	}
	if exist := udpPCBSelect(local.Addr, local.Port); exist != nil && exist != pcb {
		return fmt.Errorf("udp bind: %s already in use: %w", local, ErrInvalidState)
	}
	pcb.local = local
	if Debug {
		log.Printf("udp bind: id=%d, local=%s", id, pcb.local)
	}
	return nil
}

// UDPSendto emits data to foreign, picking the local address by route
// and an ephemeral source port when the PCB has none bound.
func UDPSendto(id int, data []byte, foreign IPEndpoint) (int, error) {
	udpMutex.Lock()
	pcb := udpPCBGet(id)
	if pcb == nil {
		udpMutex.Unlock()
		return 0, fmt.Errorf("udp sendto: bad id %d: %w", id, ErrInvalidArgument)
	}
	local := pcb.local
	if local.Addr == IPAddrAny {
		iface := IPRouteGetIface(foreign.Addr)
		if iface == nil {
			udpMutex.Unlock()
			return 0, fmt.Errorf("udp sendto: no route to %s: %w", foreign.Addr, ErrNotRouted)
		}
		local.Addr = iface.unicast
		if Debug {
			log.Printf("udp sendto: select local address, addr=%s", local.Addr)
		}
	}
	if local.Port == 0 {
		for p := udpSourcePortMin; p <= udpSourcePortMax; p++ {
			if udpPCBSelect(local.Addr, uint16(p)) == nil {
				pcb.local.Port = uint16(p) // record the assignment to the pcb
				local.Port = uint16(p)
				if Debug {
					log.Printf("udp sendto: dynamic assign local port, port=%d", p)
				}
				break
			}
		}
		if local.Port == 0 {
			udpMutex.Unlock()
			return 0, fmt.Errorf("udp sendto: failed to assign local port: %w", ErrResourceExhausted)
		}
	}
	udpMutex.Unlock()
	return udpOutput(local, foreign, data)
}

// UDPRecvfrom blocks until a datagram is queued, then copies up to
// len(buf) of its payload and reports the sender.
func UDPRecvfrom(id int, buf []byte) (int, IPEndpoint, error) {
	udpMutex.Lock()
	pcb := udpPCBGet(id)
	if pcb == nil {
		udpMutex.Unlock()
		return 0, IPEndpoint{}, fmt.Errorf("udp recvfrom: bad id %d: %w", id, ErrInvalidArgument)
	}
	var entry *udpQueueEntry
	for {
		if len(pcb.queue) > 0 {
			entry = pcb.queue[0]
			pcb.queue = pcb.queue[1:]
			break
		}
		if err := schedSleep(&pcb.ctx, time.Time{}); err != nil {
			udpMutex.Unlock()
			return 0, IPEndpoint{}, fmt.Errorf("udp recvfrom: %w", err)
		}
		if pcb.state == udpPCBStateClosing {
			udpPCBRelease(pcb)
			udpMutex.Unlock()
			return 0, IPEndpoint{}, fmt.Errorf("udp recvfrom: pcb is closing: %w", ErrInvalidState)
		}
	}
	udpMutex.Unlock()
	n := copy(buf, entry.data)
	return n, entry.foreign, nil
}

// UDPClose releases the PCB; a sleeping receiver is woken and observes
// the CLOSING state.
func UDPClose(id int) error {
	udpMutex.Lock()
	defer udpMutex.Unlock()
	pcb := udpPCBGet(id)
	if pcb == nil {
		return fmt.Errorf("udp close: bad id %d: %w", id, ErrInvalidArgument)
	}
	udpPCBRelease(pcb)
	return nil
}

// udpEventHandler interrupts every active PCB's context on the
// stack-wide cancellation broadcast.
func udpEventHandler() {
	udpMutex.Lock()
	for i := range udpPCBs {
		if udpPCBs[i].state == udpPCBStateOpen {
			schedInterrupt(&udpPCBs[i].ctx)
		}
	}
	udpMutex.Unlock()
}

func udpInit() error {
	if err := IPProtocolRegister("udp", IPProtocolUDP, udpInput); err != nil {
		return fmt.Errorf("udp: %w", err)
	}
	NetEventSubscribe(udpEventHandler)
	return nil
}
