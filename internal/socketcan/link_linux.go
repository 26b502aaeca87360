//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canmw/internal/bittiming"
)

const canLinkType = "can"

// Link programs a CAN network interface over rtnetlink. Bit timing can only
// be changed while the link is down, so Configure cycles it.
type Link struct {
	iface string
	index int32
}

func NewLink(iface string) (*Link, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	return &Link{iface: iface, index: int32(ifi.Index)}, nil
}

// Configure takes the link down, applies the solved timing (and the FD
// control mode when a data phase is present) and brings it back up.
func (l *Link) Configure(r bittiming.Result, clockHz uint32) error {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{})
	if err != nil {
		return fmt.Errorf("couldn't dial netlink socket: %w", err)
	}
	defer c.Close()

	if err := l.execute(c, 0, unix.IFF_UP, nil); err != nil {
		return fmt.Errorf("%s down: %w", l.iface, err)
	}
	info, err := encodeLinkInfo(r, clockHz)
	if err != nil {
		return fmt.Errorf("couldn't encode link info: %w", err)
	}
	if err := l.execute(c, 0, 0, info); err != nil {
		return fmt.Errorf("%s bit timing: %w", l.iface, err)
	}
	if err := l.execute(c, unix.IFF_UP, unix.IFF_UP, nil); err != nil {
		return fmt.Errorf("%s up: %w", l.iface, err)
	}
	return nil
}

func (l *Link) execute(c *netlink.Conn, flags, change uint32, attrs []byte) error {
	req := netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_NEWLINK,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: append(ifInfoMsg(l.index, flags, change), attrs...),
	}
	res, err := c.Execute(req)
	if err != nil {
		return err
	}
	if len(res) > 1 {
		return fmt.Errorf("expected 1 message, got %d", len(res))
	}
	return nil
}

// ifInfoMsg encodes struct ifinfomsg for AF_UNSPEC.
func ifInfoMsg(index int32, flags, change uint32) []byte {
	buf := make([]byte, 4, unix.SizeofIfInfomsg)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(index))
	buf = binary.LittleEndian.AppendUint32(buf, flags)
	buf = binary.LittleEndian.AppendUint32(buf, change)
	return buf
}

// encodeLinkInfo builds IFLA_LINKINFO{kind "can", data{BITTIMING,
// DATA_BITTIMING, CTRLMODE}}. Timing is given as segments with bitrate 0 so
// the kernel derives the prescaler from tq instead of running its own solver.
func encodeLinkInfo(r bittiming.Result, clockHz uint32) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Nested(unix.IFLA_LINKINFO, func(li *netlink.AttributeEncoder) error {
		li.String(unix.IFLA_INFO_KIND, canLinkType)
		li.Nested(unix.IFLA_INFO_DATA, func(d *netlink.AttributeEncoder) error {
			d.Bytes(unix.IFLA_CAN_BITTIMING, marshalBitTiming(r.Nominal, clockHz))
			mode := unix.CANCtrlMode{Mask: unix.CAN_CTRLMODE_FD}
			if r.FD() {
				d.Bytes(unix.IFLA_CAN_DATA_BITTIMING, marshalBitTiming(r.Data, clockHz))
				mode.Flags = unix.CAN_CTRLMODE_FD
			}
			d.Bytes(unix.IFLA_CAN_CTRLMODE, marshalCtrlMode(mode))
			return nil
		})
		return nil
	})
	return ae.Encode()
}

// marshalBitTiming encodes struct can_bittiming.
func marshalBitTiming(p bittiming.Params, clockHz uint32) []byte {
	buf := make([]byte, 32)
	nlenc.PutUint32(buf[0:4], 0) // bitrate: derived from tq
	nlenc.PutUint32(buf[4:8], uint32(p.SamplePoint*10+0.5))
	nlenc.PutUint32(buf[8:12], p.TQ(clockHz))
	nlenc.PutUint32(buf[12:16], p.PropSeg)
	nlenc.PutUint32(buf[16:20], p.PhaseSeg1)
	nlenc.PutUint32(buf[20:24], p.PhaseSeg2)
	nlenc.PutUint32(buf[24:28], p.SJW)
	nlenc.PutUint32(buf[28:32], p.Prescaler)
	return buf
}

func marshalCtrlMode(m unix.CANCtrlMode) []byte {
	buf := make([]byte, 8)
	nlenc.PutUint32(buf[0:4], m.Mask)
	nlenc.PutUint32(buf[4:8], m.Flags)
	return buf
}
