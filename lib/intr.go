package lib

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// IRQ numbers. The original platform delivered these as process
// signals; here they are plain values posted onto the worker's channel.
// Device drivers take numbers from IRQBase upward, the four below are
// reserved for the stack itself.
const (
	IRQSoftIRQ uint = 1 // deferred protocol processing
	IRQEvent   uint = 2 // stack-wide cancellation broadcast
	IRQAlarm   uint = 3 // periodic timers
	IRQHangup  uint = 4 // worker termination

	IRQBase uint = 35
)

// IRQ flags
const (
	IRQShared = 0x0001
)

const intrTimerInterval = time.Millisecond

type irqEntry struct {
	irq     uint
	handler func(irq uint, dev *Device) error
	flags   int
	name    string
	dev     *Device
}

var (
	irqs       []*irqEntry
	irqChan    chan uint
	intrWg     sync.WaitGroup
	intrActive bool
)

// IntrRequestIRQ registers an interrupt handler for a device IRQ
// number. Registration happens during setup, before the worker starts.
func IntrRequestIRQ(irq uint, handler func(irq uint, dev *Device) error, flags int, name string, dev *Device) error {
	for _, entry := range irqs {
		if entry.irq == irq {
			if entry.flags&IRQShared == 0 || flags&IRQShared == 0 {
				return fmt.Errorf("irq %d conflicts with already registered IRQs: %w", irq, ErrInvalidArgument)
			}
		}
	}
	irqs = append(irqs, &irqEntry{
		irq:     irq,
		handler: handler,
		flags:   flags,
		name:    name,
		dev:     dev,
	})
	if Debug {
		log.Printf("irq registered: irq=%d, name=%s", irq, name)
	}
	return nil
}

// RaiseIRQ posts an interrupt to the worker. A full queue drops the
// raise, which mirrors signal coalescing under pressure; drivers keep
// their own frame queues so nothing but the nudge is lost.
func RaiseIRQ(irq uint) {
	select {
	case irqChan <- irq:
	default:
		log.Printf("irq queue overrun, dropping irq=%d", irq)
	}
}

// RaiseEvent fires the stack-wide cancellation broadcast. Every
// transport interrupts its active PCB contexts, unblocking all
// in-flight user API calls.
func RaiseEvent() {
	RaiseIRQ(IRQEvent)
}

func intrThread(ready chan<- struct{}) {
	defer intrWg.Done()

	ticker := time.NewTicker(intrTimerInterval)
	defer ticker.Stop()

	close(ready)
	for {
		select {
		case irq := <-irqChan:
			switch irq {
			case IRQHangup:
				if Debug {
					log.Println("intr worker terminated")
				}
				return
			case IRQSoftIRQ:
				netSoftIRQHandler()
			case IRQEvent:
				netEventHandler()
			case IRQAlarm:
				netTimerHandler()
			default:
				for _, entry := range irqs {
					if entry.irq == irq {
						if Debug {
							log.Printf("irq=%d, name=%s", entry.irq, entry.name)
						}
						if err := entry.handler(entry.irq, entry.dev); err != nil {
							log.Printf("irq handler failure: irq=%d, name=%s: %s", entry.irq, entry.name, err)
						}
					}
				}
			}
		case <-ticker.C:
			netTimerHandler()
		}
	}
}

func intrRun() error {
	if intrActive {
		return fmt.Errorf("intr worker already running: %w", ErrInvalidState)
	}
	ready := make(chan struct{})
	intrWg.Add(1)
	go intrThread(ready)
	<-ready
	intrActive = true
	return nil
}

func intrShutdown() {
	if !intrActive {
		return
	}
	irqChan <- IRQHangup
	intrWg.Wait()
	intrActive = false
}

func intrInit() error {
	irqChan = make(chan uint, 1024)
	return nil
}
