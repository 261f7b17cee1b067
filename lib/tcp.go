package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"
)

const TCPHdrSizeMin = 20

// TCP flag constants
const (
	TCPFlagFin uint8 = 1 << 0
	TCPFlagSyn uint8 = 1 << 1
	TCPFlagRst uint8 = 1 << 2
	TCPFlagPsh uint8 = 1 << 3
	TCPFlagAck uint8 = 1 << 4
	TCPFlagUrg uint8 = 1 << 5
)

const tcpPCBCount = 16

const (
	tcpPCBStateFree = iota
	tcpPCBStateClosed
	tcpPCBStateListen
	tcpPCBStateSynSent
	tcpPCBStateSynReceived
	tcpPCBStateEstablished
	tcpPCBStateFinWait1
	tcpPCBStateFinWait2
	tcpPCBStateClosing
	tcpPCBStateTimeWait
	tcpPCBStateCloseWait
	tcpPCBStateLastAck
)

var tcpStateNames = map[int]string{
	tcpPCBStateFree:        "FREE",
	tcpPCBStateClosed:      "CLOSED",
	tcpPCBStateListen:      "LISTEN",
	tcpPCBStateSynSent:     "SYN-SENT",
	tcpPCBStateSynReceived: "SYN-RECEIVED",
	tcpPCBStateEstablished: "ESTABLISHED",
	tcpPCBStateFinWait1:    "FIN-WAIT-1",
	tcpPCBStateFinWait2:    "FIN-WAIT-2",
	tcpPCBStateClosing:     "CLOSING",
	tcpPCBStateTimeWait:    "TIME-WAIT",
	tcpPCBStateCloseWait:   "CLOSE-WAIT",
	tcpPCBStateLastAck:     "LAST-ACK",
}

// tcpSegmentInfo is the segment summary used by the arrival processing;
// len counts SYN and FIN as occupying one sequence slot each.
type tcpSegmentInfo struct {
	seq uint32
	ack uint32
	len uint16
	wnd uint16
	up  uint16
}

type tcpPCB struct {
	state   int
	local   IPEndpoint
	foreign IPEndpoint

	snd struct {
		nxt uint32 // send next
		una uint32 // oldest unacknowledged sequence number
		wnd uint16 // send window
		up  uint16 // send urgent pointer
		wl1 uint32 // seq of the segment used for the last window update
		wl2 uint32 // ack of the segment used for the last window update
	}
	iss uint32 // initial send sequence number

	rcv struct {
		nxt uint32 // receive next
		wnd uint16 // receive window
		up  uint16 // receive urgent pointer
	}
	irs uint32 // initial receive sequence number

	mtu uint16
	mss uint16

	buf [65535]byte // receive buffer; buffered bytes live at [0, len(buf)-rcv.wnd)
	ctx schedCtx
}

var (
	tcpMutex sync.Mutex
	tcpPCBs  [tcpPCBCount]tcpPCB
)

func tcpFlagString(flg uint8) string {
	s := []byte("--------")
	if flg&TCPFlagUrg != 0 {
		s[2] = 'U'
	}
	if flg&TCPFlagAck != 0 {
		s[3] = 'A'
	}
	if flg&TCPFlagPsh != 0 {
		s[4] = 'P'
	}
	if flg&TCPFlagRst != 0 {
		s[5] = 'R'
	}
	if flg&TCPFlagSyn != 0 {
		s[6] = 'S'
	}
	if flg&TCPFlagFin != 0 {
		s[7] = 'F'
	}
	return string(s)
}

// generateISS draws a random initial send sequence number.
func generateISS() (uint32, error) {
	var iss uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &iss); err != nil {
		return 0, err
	}
	return iss, nil
}

/*
 * TCP PCB functions must be called with tcpMutex held.
 */

func tcpPCBAlloc() *tcpPCB {
	for i := range tcpPCBs {
		pcb := &tcpPCBs[i]
		if pcb.state == tcpPCBStateFree {
			pcb.state = tcpPCBStateClosed
			schedCtxInit(&pcb.ctx, &tcpMutex)
			return pcb
		}
	}
	return nil
}

func tcpPCBRelease(pcb *tcpPCB) {
	if err := schedCtxDestroy(&pcb.ctx); err != nil {
		// waiters remain: interrupt them so they return ErrInterrupted.
		// An interrupted TCPOpenRFC793 releases the PCB itself; TCPSend
		// and TCPReceive return without releasing it, so the PCB stays
		// allocated until it is released again
		schedInterrupt(&pcb.ctx)
		return
	}
	if Debug {
		log.Printf("tcp: pcb released, local=%s, foreign=%s", pcb.local, pcb.foreign)
	}
	*pcb = tcpPCB{} // state becomes FREE
}

// tcpPCBSelect prefers an exact (local, foreign) match and falls back
// to a LISTEN-state PCB with a wildcard foreign.
func tcpPCBSelect(local, foreign IPEndpoint) *tcpPCB {
	var listener *tcpPCB
	for i := range tcpPCBs {
		pcb := &tcpPCBs[i]
		if (pcb.local.Addr == IPAddrAny || pcb.local.Addr == local.Addr) && pcb.local.Port == local.Port {
			if pcb.foreign == foreign {
				return pcb
			}
			if pcb.state == tcpPCBStateListen && pcb.foreign.Addr == IPAddrAny && pcb.foreign.Port == 0 {
				listener = pcb
			}
		}
	}
	return listener
}

func tcpPCBGet(id int) *tcpPCB {
	if id < 0 || id >= tcpPCBCount {
		return nil
	}
	pcb := &tcpPCBs[id]
	if pcb.state == tcpPCBStateFree {
		return nil
	}
	return pcb
}

func tcpPCBID(pcb *tcpPCB) int {
	for i := range tcpPCBs {
		if pcb == &tcpPCBs[i] {
			return i
		}
	}
	return -1
}

/*
 * Segment output
 */

func tcpOutputSegment(seq, ack uint32, flg uint8, wnd uint16, data []byte, local, foreign IPEndpoint) error {
	total := TCPHdrSizeMin + len(data)
	// checksum is computed over the pseudo-header and the segment laid
	// out contiguously in one scratch buffer
	scratch := make([]byte, pseudoHeaderLength+total)
	segment := scratch[pseudoHeaderLength:]
	binary.BigEndian.PutUint16(segment[0:2], local.Port)
	binary.BigEndian.PutUint16(segment[2:4], foreign.Port)
	binary.BigEndian.PutUint32(segment[4:8], seq)
	binary.BigEndian.PutUint32(segment[8:12], ack)
	segment[12] = (TCPHdrSizeMin >> 2) << 4 // data offset, no options
	segment[13] = flg
	binary.BigEndian.PutUint16(segment[14:16], wnd)
	binary.BigEndian.PutUint16(segment[18:20], 0) // urgent pointer
	copy(segment[TCPHdrSizeMin:], data)
	if err := assemblePseudoHeader(scratch[:pseudoHeaderLength], local.Addr, foreign.Addr, IPProtocolTCP, uint16(total)); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(segment[16:18], CalculateChecksum(scratch))
	if Debug {
		log.Printf("tcp: %s => %s, seq=%d, ack=%d, flg=%s, len=%d (payload=%d)", local, foreign, seq, ack, tcpFlagString(flg), total, len(data))
	}
	return IPOutput(IPProtocolTCP, segment, local.Addr, foreign.Addr)
}

// tcpOutput sends a segment using the PCB's send variables; a SYN uses
// the initial send sequence number.
func tcpOutput(pcb *tcpPCB, flg uint8, data []byte) error {
	seq := pcb.snd.nxt
	if flg&TCPFlagSyn != 0 {
		seq = pcb.iss
	}
	return tcpOutputSegment(seq, pcb.rcv.nxt, flg, pcb.rcv.wnd, data, pcb.local, pcb.foreign)
}

/*
 * rfc793 - section 3.9 [Event Processing > SEGMENT ARRIVES]
 * Must be called with tcpMutex held.
 */

func tcpSegmentArrives(seg *tcpSegmentInfo, flags uint8, data []byte, local, foreign IPEndpoint) {
	pcb := tcpPCBSelect(local, foreign)
	if pcb == nil || pcb.state == tcpPCBStateClosed {
		if flags&TCPFlagRst != 0 {
			return
		}
		// something arrived on an unused port: answer with a reset
		if flags&TCPFlagAck == 0 {
			tcpOutputSegment(0, seqAdd(seg.seq, uint32(seg.len)), TCPFlagRst|TCPFlagAck, 0, nil, local, foreign)
		} else {
			tcpOutputSegment(seg.ack, 0, TCPFlagRst, 0, nil, local, foreign)
		}
		return
	}
	switch pcb.state {
	case tcpPCBStateListen:
		// 1. check RST
		if flags&TCPFlagRst != 0 {
			return
		}
		// 2. check ACK
		if flags&TCPFlagAck != 0 {
			tcpOutputSegment(seg.ack, 0, TCPFlagRst, 0, nil, local, foreign)
			return
		}
		// 3. check SYN
		if flags&TCPFlagSyn != 0 {
			// ignore: security/compartment check
			// ignore: precedence check
			pcb.local = local
			pcb.foreign = foreign
			pcb.rcv.wnd = uint16(len(pcb.buf))
			pcb.rcv.nxt = seqAdd(seg.seq, 1)
			pcb.irs = seg.seq
			iss, err := generateISS()
			if err != nil {
				log.Println("tcp: iss generation failure:", err)
				return
			}
			pcb.iss = iss
			tcpOutput(pcb, TCPFlagSyn|TCPFlagAck, nil)
			pcb.snd.nxt = seqAdd(pcb.iss, 1)
			pcb.snd.una = pcb.iss
			pcb.state = tcpPCBStateSynReceived
			// ignore: any other control or text should be queued for
			// processing later
		}
		return
	case tcpPCBStateSynSent:
		// active open is not implemented; a PCB can never be here
		return
	}

	// Otherwise: first check sequence number
	var acceptable bool
	if seg.len == 0 {
		if pcb.rcv.wnd == 0 {
			acceptable = seg.seq == pcb.rcv.nxt
		} else {
			acceptable = seqLessOrEqual(pcb.rcv.nxt, seg.seq) && seqLess(seg.seq, seqAdd(pcb.rcv.nxt, uint32(pcb.rcv.wnd)))
		}
	} else {
		if pcb.rcv.wnd == 0 {
			acceptable = false
		} else {
			last := seqAdd(seg.seq, uint32(seg.len)-1)
			acceptable = (seqLessOrEqual(pcb.rcv.nxt, seg.seq) && seqLess(seg.seq, seqAdd(pcb.rcv.nxt, uint32(pcb.rcv.wnd)))) ||
				(seqLessOrEqual(pcb.rcv.nxt, last) && seqLess(last, seqAdd(pcb.rcv.nxt, uint32(pcb.rcv.wnd))))
		}
	}
	if !acceptable {
		if flags&TCPFlagRst == 0 {
			tcpOutput(pcb, TCPFlagAck, nil)
		}
		return
	}

	// second: check RST — not handled
	// third: check security/precedence — not handled
	// fourth: check SYN — not handled

	// fifth: check ACK
	if flags&TCPFlagAck == 0 {
		// drop
		return
	}
	switch pcb.state {
	case tcpPCBStateSynReceived:
		if !(seqLessOrEqual(pcb.snd.una, seg.ack) && seqLessOrEqual(seg.ack, pcb.snd.nxt)) {
			tcpOutputSegment(seg.ack, 0, TCPFlagRst, 0, nil, local, foreign)
			return
		}
		pcb.state = tcpPCBStateEstablished
		schedWakeup(&pcb.ctx)
		// data or an ACK piggybacked on the handshake's final ACK must
		// be applied, so processing continues into the ESTABLISHED arm
		fallthrough
	case tcpPCBStateEstablished:
		if seqLess(pcb.snd.una, seg.ack) && seqLessOrEqual(seg.ack, pcb.snd.nxt) {
			pcb.snd.una = seg.ack
			if seqLess(pcb.snd.wl1, seg.seq) || (pcb.snd.wl1 == seg.seq && seqLessOrEqual(pcb.snd.wl2, seg.ack)) {
				pcb.snd.wnd = seg.wnd
				pcb.snd.wl1 = seg.seq
				pcb.snd.wl2 = seg.ack
			}
			schedWakeup(&pcb.ctx) // senders blocked on the window
		} else if seqGreater(seg.ack, pcb.snd.nxt) {
			// ack for something not yet sent
			tcpOutput(pcb, TCPFlagAck, nil)
			return
		}
		// duplicate ack (seg.ack <= snd.una): ignore

		// sixth: check URG — not handled

		// seventh: process the segment text
		if len(data) > 0 {
			offset := len(pcb.buf) - int(pcb.rcv.wnd)
			copy(pcb.buf[offset:], data)
			pcb.rcv.nxt = seqAdd(seg.seq, uint32(seg.len))
			pcb.rcv.wnd -= uint16(len(data))
			tcpOutput(pcb, TCPFlagAck, nil)
			schedWakeup(&pcb.ctx)
		}

		// eighth: check FIN — teardown is RST-only, a FIN is not acted on
	}
}

/*
 * Input
 */

func tcpInput(data []byte, src, dst IPAddr, iface *IPIface) {
	if len(data) < TCPHdrSizeMin {
		log.Printf("tcp: too short (%d)", len(data))
		return
	}
	scratch := make([]byte, pseudoHeaderLength+len(data))
	if err := assemblePseudoHeader(scratch[:pseudoHeaderLength], src, dst, IPProtocolTCP, uint16(len(data))); err != nil {
		log.Println("tcp:", err)
		return
	}
	copy(scratch[pseudoHeaderLength:], data)
	if CalculateChecksum(scratch) != 0 {
		log.Printf("tcp: checksum error, src=%s, dst=%s", src, dst)
		return
	}
	if src == IPAddrBroadcast || src == iface.broadcast || dst == IPAddrBroadcast || dst == iface.broadcast {
		log.Printf("tcp: only supports unicast, src=%s, dst=%s", src, dst)
		return
	}
	hlen := int(data[12]>>4) << 2
	if hlen < TCPHdrSizeMin || hlen > len(data) {
		log.Printf("tcp: bad data offset %d (len=%d)", hlen, len(data))
		return
	}
	local := IPEndpoint{Addr: dst, Port: binary.BigEndian.Uint16(data[2:4])}
	foreign := IPEndpoint{Addr: src, Port: binary.BigEndian.Uint16(data[0:2])}
	flags := data[13]
	seg := &tcpSegmentInfo{
		seq: binary.BigEndian.Uint32(data[4:8]),
		ack: binary.BigEndian.Uint32(data[8:12]),
		len: uint16(len(data) - hlen),
		wnd: binary.BigEndian.Uint16(data[14:16]),
		up:  binary.BigEndian.Uint16(data[18:20]),
	}
	// SYN and FIN each occupy one slot in the sequence space
	if flags&TCPFlagSyn != 0 {
		seg.len++
	}
	if flags&TCPFlagFin != 0 {
		seg.len++
	}
	if Debug {
		log.Printf("tcp: %s => %s, flg=%s, len=%d (payload=%d)", foreign, local, tcpFlagString(flags), len(data), len(data)-hlen)
	}
	tcpMutex.Lock()
	tcpSegmentArrives(seg, flags, data[hlen:], local, foreign)
	tcpMutex.Unlock()
}

/*
 * User API
 */

// TCPOpenRFC793 opens a passive endpoint and blocks until a connection
// is established on it, returning the PCB id. Active open is not
// implemented. The PCB passes through SYN-RECEIVED on its way from
// LISTEN to ESTABLISHED; observing that intermediate state sends the
// opener back to sleep, hence the observation retry loop.
func TCPOpenRFC793(local IPEndpoint, foreign *IPEndpoint, active bool) (int, error) {
	if active {
		return -1, fmt.Errorf("tcp open: active open is not implemented: %w", ErrNotSupported)
	}
	tcpMutex.Lock()
	pcb := tcpPCBAlloc()
	if pcb == nil {
		tcpMutex.Unlock()
		return -1, fmt.Errorf("tcp open: pcb table full: %w", ErrResourceExhausted)
	}
	pcb.local = local
	if foreign != nil {
		pcb.foreign = *foreign
	}
	pcb.state = tcpPCBStateListen
	for {
		state := pcb.state
		// waiting for the state to change
		for pcb.state == state {
			if err := schedSleep(&pcb.ctx, time.Time{}); err != nil {
				if Debug {
					log.Printf("tcp open: interrupted, local=%s", pcb.local)
				}
				pcb.state = tcpPCBStateClosed
				tcpPCBRelease(pcb)
				tcpMutex.Unlock()
				return -1, fmt.Errorf("tcp open: %w", ErrInterrupted)
			}
		}
		if pcb.state == tcpPCBStateEstablished {
			break
		}
		if pcb.state == tcpPCBStateSynReceived {
			continue
		}
		log.Printf("tcp open: failure, state=%s", tcpStateNames[pcb.state])
		pcb.state = tcpPCBStateClosed
		tcpPCBRelease(pcb)
		tcpMutex.Unlock()
		return -1, fmt.Errorf("tcp open: %w", ErrInvalidState)
	}
	id := tcpPCBID(pcb)
	log.Printf("tcp: connection established, local=%s, foreign=%s", pcb.local, pcb.foreign)
	tcpMutex.Unlock()
	return id, nil
}

// TCPSend transmits data over an established connection, segmenting to
// the MSS and honoring the peer's window. Interrupted with bytes
// already out, it reports the partial count.
func TCPSend(id int, data []byte) (int, error) {
	tcpMutex.Lock()
	pcb := tcpPCBGet(id)
	if pcb == nil {
		tcpMutex.Unlock()
		return 0, fmt.Errorf("tcp send: bad id %d: %w", id, ErrInvalidArgument)
	}
	switch pcb.state {
	case tcpPCBStateEstablished:
		iface := IPRouteGetIface(pcb.foreign.Addr)
		if iface == nil {
			tcpMutex.Unlock()
			return 0, fmt.Errorf("tcp send: no route to %s: %w", pcb.foreign.Addr, ErrNotRouted)
		}
		mss := iface.Device().MTU - (IPHdrSizeMin + TCPHdrSizeMin)
		pcb.mtu = uint16(iface.Device().MTU)
		pcb.mss = uint16(mss)
		sent := 0
		for sent < len(data) {
			capacity := int(pcb.snd.wnd) - int(pcb.snd.nxt-pcb.snd.una)
			if capacity <= 0 {
				if err := schedSleep(&pcb.ctx, time.Time{}); err != nil {
					if Debug {
						log.Printf("tcp send: interrupted, sent=%d", sent)
					}
					if sent > 0 {
						break
					}
					tcpMutex.Unlock()
					return 0, fmt.Errorf("tcp send: %w", ErrInterrupted)
				}
				continue
			}
			slen := len(data) - sent
			if slen > mss {
				slen = mss
			}
			if slen > capacity {
				slen = capacity
			}
			if err := tcpOutput(pcb, TCPFlagAck|TCPFlagPsh, data[sent:sent+slen]); err != nil {
				log.Println("tcp send: output failure:", err)
				pcb.state = tcpPCBStateClosed
				tcpPCBRelease(pcb)
				tcpMutex.Unlock()
				return sent, fmt.Errorf("tcp send: %w", err)
			}
			pcb.snd.nxt = seqAdd(pcb.snd.nxt, uint32(slen))
			sent += slen
		}
		tcpMutex.Unlock()
		return sent, nil
	default:
		tcpMutex.Unlock()
		return 0, fmt.Errorf("tcp send: connection not established (state=%s): %w", tcpStateNames[pcb.state], ErrInvalidState)
	}
}

// TCPReceive blocks until buffered data is available, then drains up to
// len(buf) bytes from the head of the receive buffer.
func TCPReceive(id int, buf []byte) (int, error) {
	tcpMutex.Lock()
	pcb := tcpPCBGet(id)
	if pcb == nil {
		tcpMutex.Unlock()
		return 0, fmt.Errorf("tcp receive: bad id %d: %w", id, ErrInvalidArgument)
	}
	switch pcb.state {
	case tcpPCBStateEstablished:
		var remain int
		for {
			remain = len(pcb.buf) - int(pcb.rcv.wnd)
			if remain > 0 {
				break
			}
			if err := schedSleep(&pcb.ctx, time.Time{}); err != nil {
				tcpMutex.Unlock()
				return 0, fmt.Errorf("tcp receive: %w", ErrInterrupted)
			}
		}
		n := len(buf)
		if n > remain {
			n = remain
		}
		copy(buf[:n], pcb.buf[:n])
		copy(pcb.buf[:], pcb.buf[n:remain]) // move the remainder down
		pcb.rcv.wnd += uint16(n)
		tcpMutex.Unlock()
		return n, nil
	default:
		tcpMutex.Unlock()
		return 0, fmt.Errorf("tcp receive: connection not established (state=%s): %w", tcpStateNames[pcb.state], ErrInvalidState)
	}
}

// TCPClose aborts the connection with a reset and releases the PCB.
// RST is the only supported teardown.
func TCPClose(id int) error {
	tcpMutex.Lock()
	defer tcpMutex.Unlock()
	pcb := tcpPCBGet(id)
	if pcb == nil {
		return fmt.Errorf("tcp close: bad id %d: %w", id, ErrInvalidArgument)
	}
	if err := tcpOutput(pcb, TCPFlagRst, nil); err != nil {
		log.Println("tcp close: output failure:", err)
	}
	tcpPCBRelease(pcb)
	return nil
}

// tcpEventHandler interrupts every active PCB's context on the
// stack-wide cancellation broadcast.
func tcpEventHandler() {
	tcpMutex.Lock()
	for i := range tcpPCBs {
		if tcpPCBs[i].state != tcpPCBStateFree {
			schedInterrupt(&tcpPCBs[i].ctx)
		}
	}
	tcpMutex.Unlock()
}

func tcpInit() error {
	if err := IPProtocolRegister("tcp", IPProtocolTCP, tcpInput); err != nil {
		return fmt.Errorf("tcp: %w", err)
	}
	NetEventSubscribe(tcpEventHandler)
	return nil
}
