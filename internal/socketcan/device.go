//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canmw/internal/can"
)

// canfdMTU is CANFD_MTU from linux/can.h (sizeof(struct canfd_frame));
// golang.org/x/sys/unix does not export it.
const canfdMTU = 72

// Device is a raw CAN socket bound to one interface.
type Device struct {
	fd    int
	iface string
	canFD bool
}

// Open binds a raw socket to iface. With fd set the socket also carries
// CAN FD frames; the interface must then be FD capable.
func Open(iface string, fd bool) (*Device, error) {
	sock, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	on := 0
	if fd {
		on = 1
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, on); err != nil {
		// Older kernels may not know this option; that is fine unless FD was asked for.
		if fd || err != unix.ENOPROTOOPT {
			_ = unix.Close(sock)
			return nil, fmt.Errorf("CAN_RAW_FD_FRAMES=%d: %w", on, err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(sock, sa); err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: sock, iface: iface, canFD: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// Interface returns the bound interface name.
func (d *Device) Interface() string { return d.iface }

// SetFilters installs CAN_RAW_FILTER. An empty list receives nothing.
func (d *Device) SetFilters(fs []can.Filter) error {
	kf := make([]unix.CanFilter, len(fs))
	for i, f := range fs {
		kf[i] = unix.CanFilter{Id: f.ID, Mask: f.Mask}
	}
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf); err != nil {
		return fmt.Errorf("CAN_RAW_FILTER on %s: %w", d.iface, err)
	}
	return nil
}

// ReadFrame reads one classic or FD frame from the socket.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [canfdMTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	return decodeFrame(buf[:n], fr)
}

// WriteFrame writes fr using the classic layout when it fits, FD otherwise.
func (d *Device) WriteFrame(fr can.Frame) error {
	if fr.FD() && !d.canFD {
		return fmt.Errorf("%s: %w", d.iface, can.ErrNotClassic)
	}
	var buf [canfdMTU]byte
	n := encodeFrame(buf[:], &fr)
	_, err := unix.Write(d.fd, buf[:n])
	return err
}

// struct can_frame / canfd_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	len     u8    [4]
//	flags   u8    [5]    (canfd_frame only)
//	res     2B    [6:8]
//	data    [8:16] classic, [8:72] FD
//
// The kernel uses host byte order; common Linux targets are little-endian.
func decodeFrame(b []byte, fr *can.Frame) error {
	switch len(b) {
	case unix.CAN_MTU, canfdMTU:
	default:
		return fmt.Errorf("short read: %d", len(b))
	}
	fr.CANID = binary.LittleEndian.Uint32(b[0:4])
	n := b[4]
	fr.Flags = 0
	if len(b) == canfdMTU {
		if n > can.MaxFDLen {
			n = can.MaxFDLen
		}
		fr.Flags = b[5] | can.FlagFD
	} else if n > can.MaxClassicLen {
		n = can.MaxClassicLen
	}
	fr.Len = n
	fr.Data = [64]byte{}
	copy(fr.Data[:], b[8:8+int(n)])
	return nil
}

func encodeFrame(b []byte, fr *can.Frame) int {
	binary.LittleEndian.PutUint32(b[0:4], fr.CANID)
	b[4] = fr.Len
	copy(b[8:], fr.Payload())
	if fr.FD() {
		b[5] = fr.Flags &^ can.FlagFD
		return canfdMTU
	}
	return unix.CAN_MTU
}
