package lib

import (
	"log"
	"math"
)

const (
	dummyMTU = math.MaxUint16
	dummyIRQ = IRQBase + 1
)

// dummyDriver discards every transmitted packet, raising its IRQ so the
// interrupt path is exercised even with no hardware behind it.
type dummyDriver struct{}

func (dummyDriver) Open(dev *Device) error  { return nil }
func (dummyDriver) Close(dev *Device) error { return nil }

func (dummyDriver) Transmit(dev *Device, etype uint16, data []byte, dst []byte) error {
	if Debug {
		log.Printf("dev=%s, type=0x%04x, len=%d (discarded)", dev.Name, etype, len(data))
	}
	RaiseIRQ(dummyIRQ)
	return nil
}

func dummyISR(irq uint, dev *Device) error {
	if Debug {
		log.Printf("irq=%d, dev=%s", irq, dev.Name)
	}
	return nil
}

// DummyInit registers a dummy device.
func DummyInit() (*Device, error) {
	dev := &Device{
		Type: DeviceTypeDummy,
		MTU:  dummyMTU,
		ops:  dummyDriver{},
	}
	if err := NetDeviceRegister(dev); err != nil {
		return nil, err
	}
	if err := IntrRequestIRQ(dummyIRQ, dummyISR, IRQShared, dev.Name, dev); err != nil {
		return nil, err
	}
	return dev, nil
}
