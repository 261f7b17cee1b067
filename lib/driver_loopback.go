package lib

import (
	"fmt"
	"log"
	"math"
	"sync"
)

const (
	loopbackMTU        = math.MaxUint16
	loopbackIRQ        = IRQBase + 2
	loopbackQueueLimit = 16
)

type loopbackQueueEntry struct {
	etype uint16
	data  []byte
}

// loopbackDriver queues transmitted packets in memory and re-injects
// them as received from its ISR.
type loopbackDriver struct {
	mu    sync.Mutex
	queue []*loopbackQueueEntry
}

func (lo *loopbackDriver) Open(dev *Device) error  { return nil }
func (lo *loopbackDriver) Close(dev *Device) error { return nil }

func (lo *loopbackDriver) Transmit(dev *Device, etype uint16, data []byte, dst []byte) error {
	lo.mu.Lock()
	if len(lo.queue) >= loopbackQueueLimit {
		lo.mu.Unlock()
		return fmt.Errorf("loopback queue is full, dev=%s: %w", dev.Name, ErrResourceExhausted)
	}
	entry := &loopbackQueueEntry{
		etype: etype,
		data:  append([]byte(nil), data...),
	}
	lo.queue = append(lo.queue, entry)
	num := len(lo.queue)
	lo.mu.Unlock()
	if Debug {
		log.Printf("loopback queue pushed (num:%d), dev=%s, type=0x%04x, len=%d", num, dev.Name, etype, len(data))
	}
	RaiseIRQ(loopbackIRQ)
	return nil
}

func loopbackISR(irq uint, dev *Device) error {
	lo := dev.priv.(*loopbackDriver)
	for {
		lo.mu.Lock()
		if len(lo.queue) == 0 {
			lo.mu.Unlock()
			break
		}
		entry := lo.queue[0]
		lo.queue = lo.queue[1:]
		num := len(lo.queue)
		lo.mu.Unlock()
		if Debug {
			log.Printf("loopback queue popped (num:%d), dev=%s, type=0x%04x, len=%d", num, dev.Name, entry.etype, len(entry.data))
		}
		NetInputHandler(entry.etype, entry.data, dev)
	}
	return nil
}

// LoopbackInit registers the loopback device.
func LoopbackInit() (*Device, error) {
	lo := &loopbackDriver{}
	dev := &Device{
		Type:  DeviceTypeLoopback,
		MTU:   loopbackMTU,
		Flags: DeviceFlagLoopback,
		ops:   lo,
		priv:  lo,
	}
	if err := NetDeviceRegister(dev); err != nil {
		return nil, err
	}
	if err := IntrRequestIRQ(loopbackIRQ, loopbackISR, IRQShared, dev.Name, dev); err != nil {
		return nil, err
	}
	return dev, nil
}
