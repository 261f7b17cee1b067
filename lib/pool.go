package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice []byte
	framePool  *rp.RingPool
)

// frameBufferLength accommodates the largest packet any device can
// deliver (the loopback device carries whole IP datagrams).
const frameBufferLength = 65536

// PayloadPoolSize is the number of frame chunks backing the protocol
// input queues. Settable before NetInit. The pool running empty means
// incoming frames are dropped at the ISR boundary.
var PayloadPoolSize = 256

// PoolDebug enables the ring pool's own tracing.
var PoolDebug = false

func netPoolInit() {
	rp.Debug = PoolDebug
	framePool = rp.NewRingPool("microstack: ", PayloadPoolSize, NewPayload, frameBufferLength)
	framePool.Debug = PoolDebug
}

// Payload represents one frame's bytes held in a ring pool chunk.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a new Payload instance for the ring pool.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: Invalid number of calling parameters. Should be only one: bufferlength")
		return nil
	}

	if len(emptySlice) == 0 { // initialize it
		emptySlice = make([]byte, frameBufferLength)
	}

	return &Payload{
		payloadBytes: make([]byte, frameBufferLength),
	}
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("payload copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// PrintContent prints the content of the payload.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", p.payloadBytes[:p.length])
}
