package lib

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
)

const (
	IPVersionIPv4 = 4

	IPHdrSizeMin = 20
	IPHdrSizeMax = 60

	IPTotalSizeMax   = 65535
	IPPayloadSizeMax = IPTotalSizeMax - IPHdrSizeMin
)

const (
	IPProtocolICMP uint8 = 1
	IPProtocolTCP  uint8 = 6
	IPProtocolUDP  uint8 = 17
)

// IPAddr is an IPv4 address held as its big-endian 32-bit value, so
// netmask comparisons and prefix matches work numerically.
type IPAddr uint32

const (
	IPAddrAny       IPAddr = 0x00000000 // 0.0.0.0
	IPAddrBroadcast IPAddr = 0xffffffff // 255.255.255.255
)

// ParseIPAddr parses a dotted-quad IPv4 address.
func ParseIPAddr(s string) (IPAddr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("malformed IP address %q: %w", s, ErrInvalidArgument)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("%q is not an IPv4 address: %w", s, ErrInvalidArgument)
	}
	return IPAddr(binary.BigEndian.Uint32(v4)), nil
}

func (a IPAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// IPEndpoint is an (address, port) pair.
type IPEndpoint struct {
	Addr IPAddr
	Port uint16
}

// ParseIPEndpoint parses "addr:port".
func ParseIPEndpoint(s string) (IPEndpoint, error) {
	sep := strings.LastIndex(s, ":")
	if sep < 0 {
		return IPEndpoint{}, fmt.Errorf("malformed endpoint %q: %w", s, ErrInvalidArgument)
	}
	addr, err := ParseIPAddr(s[:sep])
	if err != nil {
		return IPEndpoint{}, err
	}
	port, err := strconv.ParseUint(s[sep+1:], 10, 16)
	if err != nil {
		return IPEndpoint{}, fmt.Errorf("malformed port in %q: %w", s, ErrInvalidArgument)
	}
	return IPEndpoint{Addr: addr, Port: uint16(port)}, nil
}

func (e IPEndpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

/*
 * Interfaces
 */

// IPIface is an IPv4 interface bound to a device.
type IPIface struct {
	dev       *Device
	unicast   IPAddr
	netmask   IPAddr
	broadcast IPAddr
}

// NewIPIface builds an interface from dotted-quad unicast and netmask
// strings; the directed broadcast address is derived from them.
func NewIPIface(unicast, netmask string) (*IPIface, error) {
	u, err := ParseIPAddr(unicast)
	if err != nil {
		return nil, fmt.Errorf("unicast: %w", err)
	}
	m, err := ParseIPAddr(netmask)
	if err != nil {
		return nil, fmt.Errorf("netmask: %w", err)
	}
	return &IPIface{
		unicast:   u,
		netmask:   m,
		broadcast: u&m | ^m,
	}, nil
}

func (i *IPIface) Family() IfaceFamily { return IfaceFamilyIP }
func (i *IPIface) Device() *Device     { return i.dev }
func (i *IPIface) setDevice(dev *Device) {
	i.dev = dev
}

func (i *IPIface) Unicast() IPAddr { return i.unicast }

var ifaces []*IPIface

// IPIfaceRegister attaches the interface to the device and installs the
// connected (on-link) route for its network.
func IPIfaceRegister(dev *Device, iface *IPIface) error {
	if err := NetDeviceAddIface(dev, iface); err != nil {
		return err
	}
	IPRouteAdd(iface.unicast&iface.netmask, iface.netmask, IPAddrAny, iface)
	ifaces = append(ifaces, iface)
	log.Printf("iface registered: dev=%s, unicast=%s, netmask=%s, broadcast=%s", dev.Name, iface.unicast, iface.netmask, iface.broadcast)
	return nil
}

func ipIfaceSelect(addr IPAddr) *IPIface {
	for _, iface := range ifaces {
		if iface.unicast == addr {
			return iface
		}
	}
	return nil
}

/*
 * Routing
 */

// IPRoute is one routing table entry. nexthop == IPAddrAny means the
// destination is on-link and is its own nexthop.
type IPRoute struct {
	network IPAddr
	netmask IPAddr
	nexthop IPAddr
	iface   *IPIface
}

var routes []*IPRoute

// IPRouteAdd appends a route. The table is written during setup only.
func IPRouteAdd(network, netmask, nexthop IPAddr, iface *IPIface) *IPRoute {
	route := &IPRoute{
		network: network,
		netmask: netmask,
		nexthop: nexthop,
		iface:   iface,
	}
	routes = append(routes, route)
	log.Printf("route added: network=%s, netmask=%s, nexthop=%s, dev=%s", network, netmask, nexthop, iface.Device().Name)
	return route
}

// IPRouteSetDefaultGateway installs the 0/0 route via gateway.
func IPRouteSetDefaultGateway(iface *IPIface, gateway string) error {
	gw, err := ParseIPAddr(gateway)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	IPRouteAdd(IPAddrAny, IPAddrAny, gw, iface)
	return nil
}

// ipRouteLookup returns the matching route with the longest prefix;
// ties resolve to the most recently added route.
func ipRouteLookup(dst IPAddr) *IPRoute {
	var candidate *IPRoute
	for _, route := range routes {
		if dst&route.netmask != route.network {
			continue
		}
		if candidate == nil || route.netmask >= candidate.netmask {
			candidate = route
		}
	}
	return candidate
}

// IPRouteGetIface returns the interface the winning route for dst uses.
func IPRouteGetIface(dst IPAddr) *IPIface {
	route := ipRouteLookup(dst)
	if route == nil {
		return nil
	}
	return route.iface
}

/*
 * Protocol dispatch
 */

type ipProtocolHandler func(data []byte, src, dst IPAddr, iface *IPIface)

type ipProtocol struct {
	number  uint8
	name    string
	handler ipProtocolHandler
}

var ipProtocols []*ipProtocol

// IPProtocolRegister adds a transport-layer handler keyed by IP
// protocol number.
func IPProtocolRegister(name string, number uint8, handler ipProtocolHandler) error {
	for _, proto := range ipProtocols {
		if proto.number == number {
			return fmt.Errorf("ip protocol %d already registered: %w", number, ErrInvalidArgument)
		}
	}
	ipProtocols = append(ipProtocols, &ipProtocol{
		number:  number,
		name:    name,
		handler: handler,
	})
	log.Printf("ip protocol registered, protocol=%d (%s)", number, name)
	return nil
}

/*
 * Input
 */

func ipInput(data []byte, dev *Device) {
	if len(data) < IPHdrSizeMin {
		log.Printf("ip: too short (%d), dev=%s", len(data), dev.Name)
		return
	}
	if data[0]>>4 != IPVersionIPv4 {
		log.Printf("ip: unsupported version %d, dev=%s", data[0]>>4, dev.Name)
		return
	}
	hlen := int(data[0]&0x0f) << 2
	if hlen < IPHdrSizeMin || len(data) < hlen {
		log.Printf("ip: bad header length %d (len=%d), dev=%s", hlen, len(data), dev.Name)
		return
	}
	total := int(binary.BigEndian.Uint16(data[2:4]))
	if total < hlen || len(data) < total {
		log.Printf("ip: bad total length %d (hlen=%d, len=%d), dev=%s", total, hlen, len(data), dev.Name)
		return
	}
	if CalculateChecksum(data[:hlen]) != 0 {
		log.Printf("ip: checksum error, dev=%s", dev.Name)
		return
	}
	offset := binary.BigEndian.Uint16(data[6:8])
	if offset&0x2000 != 0 || offset&0x1fff != 0 {
		log.Printf("ip: fragments are not supported, dev=%s", dev.Name)
		return
	}
	iface, _ := NetDeviceGetIface(dev, IfaceFamilyIP).(*IPIface)
	if iface == nil {
		// no IP interface on the receiving device
		return
	}
	src := IPAddr(binary.BigEndian.Uint32(data[12:16]))
	dst := IPAddr(binary.BigEndian.Uint32(data[16:20]))
	if dst != iface.unicast && dst != IPAddrBroadcast && dst != iface.broadcast {
		// for other host
		return
	}
	protocol := data[9]
	if Debug {
		log.Printf("ip: dev=%s, iface=%s, protocol=%d, total=%d", dev.Name, iface.unicast, protocol, total)
	}
	for _, proto := range ipProtocols {
		if proto.number == protocol {
			proto.handler(data[hlen:total], src, dst, iface)
			return
		}
	}
	// unsupported protocol
}

/*
 * Output
 */

var (
	ipIDMutex   sync.Mutex
	ipIDCounter uint16 = 128
)

func ipGenerateID() uint16 {
	ipIDMutex.Lock()
	id := ipIDCounter
	ipIDCounter++
	ipIDMutex.Unlock()
	return id
}

// ipOutputDevice resolves the nexthop hardware address and emits the
// datagram. An in-flight ARP resolution surfaces as ErrInProgress: the
// datagram is not transmitted and the caller decides whether to retry.
func ipOutputDevice(iface *IPIface, data []byte, dst IPAddr) error {
	var hwaddr []byte
	if iface.Device().Flags&DeviceFlagNeedARP != 0 {
		if dst == iface.broadcast || dst == IPAddrBroadcast {
			hwaddr = iface.Device().Broadcast[:iface.Device().AddrLen]
		} else {
			ha, err := arpResolve(iface, dst)
			if err != nil {
				return err
			}
			hwaddr = ha[:]
		}
	}
	return NetDeviceOutput(iface.Device(), EtherTypeIP, data, hwaddr)
}

// IPOutput routes, frames and emits one IP datagram carrying data.
func IPOutput(protocol uint8, data []byte, src, dst IPAddr) error {
	route := ipRouteLookup(dst)
	if route == nil {
		return fmt.Errorf("no route to %s: %w", dst, ErrNotRouted)
	}
	iface := route.iface
	if src != IPAddrAny && src != iface.unicast {
		return fmt.Errorf("source %s does not belong to the routed interface %s: %w", src, iface.unicast, ErrInvalidArgument)
	}
	if src == IPAddrAny {
		src = iface.unicast
	}
	nexthop := route.nexthop
	if nexthop == IPAddrAny {
		nexthop = dst
	}
	if IPHdrSizeMin+len(data) > iface.Device().MTU {
		return fmt.Errorf("too long, dev=%s, mtu=%d, len=%d: %w", iface.Device().Name, iface.Device().MTU, IPHdrSizeMin+len(data), ErrTooLong)
	}
	total := IPHdrSizeMin + len(data)
	packet := make([]byte, total)
	packet[0] = IPVersionIPv4<<4 | IPHdrSizeMin>>2
	packet[1] = 0 // tos
	binary.BigEndian.PutUint16(packet[2:4], uint16(total))
	binary.BigEndian.PutUint16(packet[4:6], ipGenerateID())
	binary.BigEndian.PutUint16(packet[6:8], 0) // flags/offset: never fragmented
	packet[8] = 255                            // ttl
	packet[9] = protocol
	binary.BigEndian.PutUint32(packet[12:16], uint32(src))
	binary.BigEndian.PutUint32(packet[16:20], uint32(dst))
	binary.BigEndian.PutUint16(packet[10:12], CalculateChecksum(packet[:IPHdrSizeMin]))
	copy(packet[IPHdrSizeMin:], data)
	if Debug {
		log.Printf("ip: %s => %s, protocol=%d, len=%d, dev=%s", src, dst, protocol, total, iface.Device().Name)
	}
	return ipOutputDevice(iface, packet, nexthop)
}

func ipInit() error {
	return NetProtocolRegister(EtherTypeIP, "ip", ipInput)
}
