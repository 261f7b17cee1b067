package lib

import (
	"fmt"
	"log"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Debug enables the stack's verbose tracing (per-packet dumps, queue
// and irq logs).
var Debug = false

type DeviceType uint16

const (
	DeviceTypeDummy    DeviceType = 0x0000
	DeviceTypeLoopback DeviceType = 0x0001
	DeviceTypeEthernet DeviceType = 0x0002
)

// Device flags
const (
	DeviceFlagUp        uint16 = 0x0001
	DeviceFlagLoopback  uint16 = 0x0010
	DeviceFlagBroadcast uint16 = 0x0020
	DeviceFlagP2P       uint16 = 0x0040
	DeviceFlagNeedARP   uint16 = 0x0100
)

// DeviceAddrLen is the size of the generic hardware address storage; a
// driver uses the first AddrLen bytes of it.
const DeviceAddrLen = 16

// DeviceOps is the driver interface. Transmit is required; Open and
// Close may be no-ops.
type DeviceOps interface {
	Open(dev *Device) error
	Close(dev *Device) error
	Transmit(dev *Device, etype uint16, data []byte, dst []byte) error
}

// Device is one registered network device. Index and Name are assigned
// at registration. Flags changes as the device is opened and closed,
// interfaces are attached after registration, and the tap driver fills
// Addr from the kernel interface when the device is opened.
type Device struct {
	Index     int
	Name      string
	Type      DeviceType
	MTU       int
	Flags     uint16
	HeaderLen int
	AddrLen   int
	Addr      [DeviceAddrLen]byte
	Broadcast [DeviceAddrLen]byte
	Peer      [DeviceAddrLen]byte
	ops       DeviceOps
	priv      interface{}
	ifaces    []NetIface
}

func (d *Device) IsUp() bool {
	return d.Flags&DeviceFlagUp != 0
}

func (d *Device) State() string {
	if d.IsUp() {
		return "up"
	}
	return "down"
}

type IfaceFamily int

const IfaceFamilyIP IfaceFamily = 1

// NetIface is a protocol address bound to a device. A device carries at
// most one interface per family.
type NetIface interface {
	Family() IfaceFamily
	Device() *Device
	setDevice(dev *Device)
}

var devices []*Device

// NetDeviceRegister adds a device to the registry, assigning its index
// and generated name.
func NetDeviceRegister(dev *Device) error {
	dev.Index = len(devices)
	dev.Name = fmt.Sprintf("net%d", dev.Index)
	devices = append(devices, dev)
	log.Printf("device registered, dev=%s, type=0x%04x", dev.Name, uint16(dev.Type))
	return nil
}

func netDeviceOpen(dev *Device) error {
	if dev.IsUp() {
		return fmt.Errorf("already opened, dev=%s: %w", dev.Name, ErrInvalidState)
	}
	if err := dev.ops.Open(dev); err != nil {
		return fmt.Errorf("open failure, dev=%s: %w", dev.Name, err)
	}
	dev.Flags |= DeviceFlagUp
	log.Printf("dev=%s, state=%s", dev.Name, dev.State())
	return nil
}

func netDeviceClose(dev *Device) error {
	if !dev.IsUp() {
		return fmt.Errorf("not opened, dev=%s: %w", dev.Name, ErrInvalidState)
	}
	if err := dev.ops.Close(dev); err != nil {
		return fmt.Errorf("close failure, dev=%s: %w", dev.Name, err)
	}
	dev.Flags &^= DeviceFlagUp
	log.Printf("dev=%s, state=%s", dev.Name, dev.State())
	return nil
}

// NetDeviceAddIface attaches an interface to a device. Registering a
// second interface of the same family fails.
func NetDeviceAddIface(dev *Device, iface NetIface) error {
	for _, entry := range dev.ifaces {
		if entry.Family() == iface.Family() {
			return fmt.Errorf("iface family %d already exists, dev=%s: %w", iface.Family(), dev.Name, ErrInvalidArgument)
		}
	}
	iface.setDevice(dev)
	dev.ifaces = append(dev.ifaces, iface)
	return nil
}

func NetDeviceGetIface(dev *Device, family IfaceFamily) NetIface {
	for _, entry := range dev.ifaces {
		if entry.Family() == family {
			return entry
		}
	}
	return nil
}

// NetDeviceOutput hands a packet to the device driver.
func NetDeviceOutput(dev *Device, etype uint16, data []byte, dst []byte) error {
	if !dev.IsUp() {
		return fmt.Errorf("not opened, dev=%s: %w", dev.Name, ErrInvalidState)
	}
	if len(data) > dev.MTU {
		return fmt.Errorf("too long, dev=%s, mtu=%d, len=%d: %w", dev.Name, dev.MTU, len(data), ErrTooLong)
	}
	if Debug {
		log.Printf("dev=%s, type=0x%04x, len=%d", dev.Name, etype, len(data))
		dumpPacket(dev, "tx", etype, data)
	}
	if err := dev.ops.Transmit(dev, etype, data, dst); err != nil {
		return fmt.Errorf("device transmit failure, dev=%s, len=%d: %w", dev.Name, len(data), err)
	}
	return nil
}

/*
 * Protocol demux
 */

type netProtocolHandler func(data []byte, dev *Device)

type netProtocol struct {
	Type    uint16 // EtherType
	name    string
	mu      sync.Mutex
	queue   []*netProtocolQueueEntry
	handler netProtocolHandler
}

type netProtocolQueueEntry struct {
	dev   *Device
	chunk *rp.Element
	data  []byte
}

var protocols []*netProtocol

// NetProtocolRegister adds a network-layer protocol with its own input
// queue, keyed by EtherType.
func NetProtocolRegister(ptype uint16, name string, handler netProtocolHandler) error {
	for _, proto := range protocols {
		if proto.Type == ptype {
			return fmt.Errorf("protocol 0x%04x already registered: %w", ptype, ErrInvalidArgument)
		}
	}
	protocols = append(protocols, &netProtocol{
		Type:    ptype,
		name:    name,
		handler: handler,
	})
	log.Printf("protocol registered, type=0x%04x (%s)", ptype, name)
	return nil
}

// NetInputHandler runs in ISR context: it performs a bounded copy of
// the frame into a pool chunk, enqueues it on the matching protocol's
// queue and raises the soft-IRQ. All parsing happens later on the
// worker. Unknown types are silently dropped here.
func NetInputHandler(ptype uint16, data []byte, dev *Device) error {
	for _, proto := range protocols {
		if proto.Type != ptype {
			continue
		}
		chunk := framePool.GetElement()
		if chunk == nil {
			log.Printf("frame pool exhausted, dropping: dev=%s, type=0x%04x, len=%d", dev.Name, ptype, len(data))
			return fmt.Errorf("frame pool exhausted: %w", ErrResourceExhausted)
		}
		payload := chunk.Data.(*Payload)
		if err := payload.Copy(data); err != nil {
			framePool.ReturnElement(chunk)
			return fmt.Errorf("frame copy: %w", err)
		}
		entry := &netProtocolQueueEntry{
			dev:   dev,
			chunk: chunk,
			data:  payload.GetSlice(),
		}
		proto.mu.Lock()
		proto.queue = append(proto.queue, entry)
		num := len(proto.queue)
		proto.mu.Unlock()
		if Debug {
			log.Printf("queue pushed (num:%d), dev=%s, type=0x%04x, len=%d", num, dev.Name, ptype, len(data))
		}
		RaiseIRQ(IRQSoftIRQ)
		return nil
	}
	// unsupported protocol
	return nil
}

// netSoftIRQHandler drains every protocol's queue FIFO on the worker.
func netSoftIRQHandler() {
	for _, proto := range protocols {
		for {
			proto.mu.Lock()
			if len(proto.queue) == 0 {
				proto.mu.Unlock()
				break
			}
			entry := proto.queue[0]
			proto.queue = proto.queue[1:]
			num := len(proto.queue)
			proto.mu.Unlock()
			if Debug {
				log.Printf("queue popped (num:%d), dev=%s, type=0x%04x, len=%d", num, entry.dev.Name, proto.Type, len(entry.data))
				dumpPacket(entry.dev, "rx", proto.Type, entry.data)
			}
			proto.handler(entry.data, entry.dev)
			framePool.ReturnElement(entry.chunk)
		}
	}
}

/*
 * Timers
 */

type netTimer struct {
	name     string
	interval time.Duration
	last     time.Time
	handler  func()
}

var timers []*netTimer

// NetTimerRegister adds a periodic timer driven by the worker's alarm
// tick.
func NetTimerRegister(name string, interval time.Duration, handler func()) error {
	timers = append(timers, &netTimer{
		name:     name,
		interval: interval,
		last:     time.Now(),
		handler:  handler,
	})
	log.Printf("timer registered: %s, interval=%s", name, interval)
	return nil
}

func netTimerHandler() {
	now := time.Now()
	for _, timer := range timers {
		if now.Sub(timer.last) >= timer.interval {
			timer.handler()
			timer.last = now
		}
	}
}

/*
 * Events
 */

var eventSubscribers []func()

// NetEventSubscribe registers a handler for the stack-wide cancellation
// broadcast raised by RaiseEvent.
func NetEventSubscribe(handler func()) {
	eventSubscribers = append(eventSubscribers, handler)
}

func netEventHandler() {
	for _, handler := range eventSubscribers {
		handler()
	}
}

/*
 * Lifecycle
 */

// NetRun starts the worker and opens every registered device.
func NetRun() error {
	if err := intrRun(); err != nil {
		return fmt.Errorf("intr run: %w", err)
	}
	for _, dev := range devices {
		if err := netDeviceOpen(dev); err != nil {
			log.Println("net run:", err)
		}
	}
	log.Println("net running...")
	return nil
}

// NetShutdown closes every device and stops the worker.
func NetShutdown() {
	for _, dev := range devices {
		if err := netDeviceClose(dev); err != nil {
			log.Println("net shutdown:", err)
		}
	}
	intrShutdown()
	log.Println("net shutting down")
}

// NetInit initializes the runtime and registers the built-in protocols.
// Call once at startup, before any driver init.
func NetInit() error {
	if err := intrInit(); err != nil {
		return fmt.Errorf("intr init: %w", err)
	}
	netPoolInit()
	if err := arpInit(); err != nil {
		return fmt.Errorf("arp init: %w", err)
	}
	if err := ipInit(); err != nil {
		return fmt.Errorf("ip init: %w", err)
	}
	if err := icmpInit(); err != nil {
		return fmt.Errorf("icmp init: %w", err)
	}
	if err := udpInit(); err != nil {
		return fmt.Errorf("udp init: %w", err)
	}
	if err := tcpInit(); err != nil {
		return fmt.Errorf("tcp init: %w", err)
	}
	log.Println("net initialized")
	return nil
}
