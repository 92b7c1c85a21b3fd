package tun

import (
	"fmt"
	"os"
	"time"

	"github.com/mazdakn/uswitch/pkg/packet"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

const (
	defaultName = "uswitch0"
	defaultMTU  = 1500
)

// TunDevice feeds the switch with the packets the host routes into a TUN
// interface.
type TunDevice struct {
	name    string
	file    *os.File
	mtu     int
	address string
	dev     *netlink.Tuntap
}

func New(opts ...Option) *TunDevice {
	t := &TunDevice{
		name: defaultName,
		mtu:  defaultMTU,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TunDevice) Start() error {
	logrus.Infof("Creating tun device %v (address: %v, mtu: %v)", t.name, t.address, t.mtu)
	return t.create()
}

func (t *TunDevice) create() error {
	la := netlink.NewLinkAttrs()
	la.Name = t.name
	la.MTU = t.mtu
	tunDev := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TUN,
		Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_MULTI_QUEUE_DEFAULTS,
		Queues:    1,
	}
	err := netlink.LinkAdd(tunDev)
	if err != nil {
		return fmt.Errorf("failed to create tun device - err: %w", err)
	}
	t.dev = tunDev

	if t.address != "" {
		addr, err := netlink.ParseAddr(t.address)
		if err != nil {
			return fmt.Errorf("invaid address %v - err: %w", t.address, err)
		}
		err = netlink.AddrAdd(tunDev, addr)
		if err != nil {
			return fmt.Errorf("failed to set address %v to tun device - err: %w", t.address, err)
		}
	}

	err = netlink.LinkSetUp(tunDev)
	if err != nil {
		return fmt.Errorf("failed to set tun device up - err: %w", err)
	}

	if len(tunDev.Fds) == 0 {
		return fmt.Errorf("no valid queue available for tun device")
	}
	t.file = tunDev.Fds[0]
	return nil
}

func (t *TunDevice) Name() string {
	return fmt.Sprintf("tun %v", t.name)
}

func (t *TunDevice) MTU() int {
	return t.mtu
}

func (t *TunDevice) Read(pkt *packet.Packet, deadline time.Time) (int, error) {
	err := t.file.SetReadDeadline(deadline)
	if err != nil {
		return 0, err
	}
	return t.file.Read(pkt.Bytes)
}

// Stop deletes the interface if Start created it.
func (t *TunDevice) Stop() error {
	if t.dev == nil {
		return nil
	}
	if t.file != nil {
		t.file.Close()
	}
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("failed to find tun device %v - err: %w", t.name, err)
	}
	err = netlink.LinkDel(link)
	if err != nil {
		return fmt.Errorf("failed to delete tun device %v - err: %w", t.name, err)
	}
	t.dev = nil
	return nil
}
