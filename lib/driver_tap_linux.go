package lib

import (
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	tapClonePath = "/dev/net/tun"
	tapIRQ       = IRQBase + 3
	tapQueueSize = 16
)

// tapDriver attaches to a kernel TAP interface. A background goroutine
// performs blocking reads on the tap fd and posts frames onto a bounded
// channel, raising the device IRQ; the ISR drains the channel on the
// worker. FIFO delivery and a bounded queue are preserved from the
// signal-driven original.
type tapDriver struct {
	name   string
	fd     int
	frames chan []byte
	wg     sync.WaitGroup
}

func (t *tapDriver) Open(dev *Device) error {
	fd, err := unix.Open(tapClonePath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", tapClonePath, err)
	}
	ifr, err := unix.NewIfreq(t.name)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("ifreq %q: %w", t.name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ioctl TUNSETIFF %q: %w", t.name, err)
	}
	t.fd = fd

	// adopt the kernel interface's hardware address
	ifi, err := net.InterfaceByName(t.name)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("interface %q: %w", t.name, err)
	}
	if len(ifi.HardwareAddr) == EtherAddrLen {
		copy(dev.Addr[:], ifi.HardwareAddr)
	}
	log.Printf("tap opened: dev=%s, tap=%s, addr=%s", dev.Name, t.name, net.HardwareAddr(dev.Addr[:EtherAddrLen]))

	t.wg.Add(1)
	go t.reader(dev)
	return nil
}

func (t *tapDriver) Close(dev *Device) error {
	// closing the fd unblocks the reader, which then exits
	unix.Close(t.fd)
	t.wg.Wait()
	return nil
}

func (t *tapDriver) reader(dev *Device) {
	defer t.wg.Done()
	buf := make([]byte, dev.HeaderLen+dev.MTU)
	for {
		n, err := unix.Read(t.fd, buf)
		if err != nil || n <= 0 {
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		select {
		case t.frames <- frame:
		default:
			log.Printf("tap frame queue overrun, dropping: dev=%s, len=%d", dev.Name, n)
			continue
		}
		RaiseIRQ(tapIRQ)
	}
}

func (t *tapDriver) Transmit(dev *Device, etype uint16, data []byte, dst []byte) error {
	return etherTransmit(dev, etype, data, dst, t.write)
}

func (t *tapDriver) write(dev *Device, frame []byte) error {
	if _, err := unix.Write(t.fd, frame); err != nil {
		return fmt.Errorf("tap write, dev=%s: %w", dev.Name, err)
	}
	return nil
}

func tapISR(irq uint, dev *Device) error {
	t := dev.priv.(*tapDriver)
	for {
		select {
		case frame := <-t.frames:
			if err := etherInput(dev, frame, NetInputHandler); err != nil {
				log.Println("tap input:", err)
			}
		default:
			return nil
		}
	}
}

// EtherTapInit registers an Ethernet device backed by the named kernel
// TAP interface.
func EtherTapInit(name string) (*Device, error) {
	t := &tapDriver{
		name:   name,
		fd:     -1,
		frames: make(chan []byte, tapQueueSize),
	}
	dev := &Device{
		ops:  t,
		priv: t,
	}
	etherSetup(dev)
	if err := NetDeviceRegister(dev); err != nil {
		return nil, err
	}
	if err := IntrRequestIRQ(tapIRQ, tapISR, IRQShared, dev.Name, dev); err != nil {
		return nil, err
	}
	return dev, nil
}
