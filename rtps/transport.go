package rtps

import (
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
)

// PacketInfo is the send-side contract for the transport collaborator:
// source port, destination address/port, and the bytes to put on the
// wire.
type PacketInfo struct {
	SrcPort  uint16
	DestAddr net.IP
	DestPort uint16
	Data     []byte
}

// NetworkDriver is the pluggable collaborator transport sends go through:
// a capability interface over the driver, resolved at instantiation time.
// No runtime dynamic dispatch is required. SendPacket failures are
// non-fatal: the caller logs and moves on, relying on the next
// HEARTBEAT/ACKNACK cycle to retry.
type NetworkDriver interface {
	SendPacket(info PacketInfo) error
	// Close releases any sockets the driver opened.
	Close() error
}

// UDPDriver is the stdlib-backed NetworkDriver. It stays on net.UDPConn
// behind the NetworkDriver interface so tests can substitute a fake.
type UDPDriver struct {
	iface       *net.Interface
	unicastAddr net.IP
	conns       []*net.UDPConn
	sendConn    *net.UDPConn
	scratchSize int
}

// NewUDPDriver picks a multicast-capable interface, binds the unicast and
// multicast listeners needed (builtin + user, unicast + multicast), and
// starts delivering incoming datagrams to onPacket.
func NewUDPDriver(cfg Config, onPacket func([]byte)) (*UDPDriver, error) {
	iface, err := defaultInterface()
	if err != nil {
		return nil, errors.Wrap(err, "rtps: no usable network interface")
	}
	ip, err := defaultIP(iface)
	if err != nil {
		return nil, errors.Wrap(err, "rtps: no usable IPv4 address")
	}

	scratchSize := cfg.ScratchBufferSize
	if scratchSize <= 0 {
		scratchSize = 2048
	}
	d := &UDPDriver{iface: iface, unicastAddr: ip, scratchSize: scratchSize}

	mcastGroup := net.ParseIP(cfg.MulticastGroup)
	addrs := []string{
		fmt.Sprintf("%s:%d", mcastGroup.String(), cfg.mcastBuiltinPort()),
		fmt.Sprintf("%s:%d", mcastGroup.String(), cfg.mcastUserPort()),
	}
	for _, a := range addrs {
		if err := d.listenMulticast(a, onPacket); err != nil {
			return nil, err
		}
	}

	ucastAddrs := []string{
		fmt.Sprintf("%s:%d", ip.String(), cfg.ucastBuiltinPort()),
		fmt.Sprintf("%s:%d", ip.String(), cfg.ucastUserPort()),
	}
	for _, a := range ucastAddrs {
		if err := d.listenUnicast(a, onPacket); err != nil {
			return nil, err
		}
	}

	if len(d.conns) > 0 {
		d.sendConn = d.conns[0]
	}
	return d, nil
}

func (d *UDPDriver) LocalIP() net.IP { return d.unicastAddr }

func (d *UDPDriver) Interface() *net.Interface { return d.iface }

func (d *UDPDriver) listenUnicast(addr string, onPacket func([]byte)) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "rtps: resolving %q", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(err, "rtps: listening on %q", addr)
	}
	glog.V(vProtocol).Infof("rtps: listening unicast on %s", addr)
	d.conns = append(d.conns, conn)
	go d.receiveLoop(conn, onPacket)
	return nil
}

func (d *UDPDriver) listenMulticast(addr string, onPacket func([]byte)) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "rtps: resolving %q", addr)
	}
	conn, err := net.ListenMulticastUDP("udp", d.iface, udpAddr)
	if err != nil {
		return errors.Wrapf(err, "rtps: joining multicast group %q", addr)
	}
	glog.V(vProtocol).Infof("rtps: listening multicast on %s", addr)
	d.conns = append(d.conns, conn)
	go d.receiveLoop(conn, onPacket)
	return nil
}

// receiveLoop reads into a per-connection scratch buffer sized by
// Config.ScratchBufferSize, copying only the bytes actually received
// before handing them to onPacket so the scratch buffer can be reused for
// the next datagram.
func (d *UDPDriver) receiveLoop(conn *net.UDPConn, onPacket func([]byte)) {
	buf := make([]byte, d.scratchSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if glog.V(vProtocol) {
				glog.Infof("rtps: udp receive loop exiting on %s: %v", conn.LocalAddr(), err)
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		onPacket(pkt)
	}
}

func (d *UDPDriver) SendPacket(info PacketInfo) error {
	if d.sendConn == nil {
		return errors.New("rtps: no live sockets")
	}
	dest := &net.UDPAddr{IP: info.DestAddr, Port: int(info.DestPort)}
	_, err := d.sendConn.WriteToUDP(info.Data, dest)
	return err
}

func (d *UDPDriver) Close() error {
	var first error
	for _, c := range d.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func defaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	mask := net.FlagUp | net.FlagBroadcast | net.FlagMulticast
	for _, ifi := range ifaces {
		if ifi.Flags&mask == mask {
			iface := ifi
			return &iface, nil
		}
	}
	return nil, errors.New("rtps: couldn't find a multicast-capable interface")
}

func defaultIP(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ifa, ok := addr.(*net.IPNet); ok {
			if v4 := ifa.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, errors.New("rtps: couldn't find an IPv4 address on interface")
}
