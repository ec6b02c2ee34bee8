//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/Kalycito-open-automation/openSAFETY-DEMO-sub000/internal/netstack"
	"golang.org/x/sys/unix"
)

const (
	rxFrameSize = 1536
	rxFrames    = 32
)

// packetLink is an AF_PACKET socket bound to one interface.
type packetLink struct {
	log   *slog.Logger
	fd    int
	iface *net.Interface

	// free holds receive buffers not currently owned by the stack.
	free chan []byte
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

func openLink(name string, promisc bool, log *slog.Logger) (linkDriver, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface: %w", err)
	}
	if len(iface.HardwareAddr) != 6 {
		return nil, fmt.Errorf("interface %s has no Ethernet address", name)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("open packet socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind packet socket to %s: %w", name, err)
	}
	// A receive timeout lets Run notice cancellation.
	tv := unix.NsecToTimeval(100 * 1000 * 1000)
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}
	if promisc {
		mreq := unix.PacketMreq{Ifindex: int32(iface.Index), Type: unix.PACKET_MR_PROMISC}
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("enable promiscuous mode: %w", err)
		}
	}

	l := &packetLink{log: log, fd: fd, iface: iface, free: make(chan []byte, rxFrames)}
	for range rxFrames {
		l.free <- make([]byte, rxFrameSize)
	}
	log.Debug("packet link open", "iface", name, "index", iface.Index, "mac", iface.HardwareAddr)
	return l, nil
}

func (l *packetLink) HardwareAddr() net.HardwareAddr { return l.iface.HardwareAddr }

// SendFrame writes one frame. A full socket buffer reports 0 so the stack
// retries on its next poll.
func (l *packetLink) SendFrame(frame []byte) int {
	n, err := unix.Write(l.fd, frame)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.ENOBUFS) {
			l.log.Warn("packet link write", "error", err)
		}
		return 0
	}
	return n
}

// ReleaseFrame takes a receive buffer back from the stack.
func (l *packetLink) ReleaseFrame(frame []byte) {
	l.free <- frame[:cap(frame)]
}

func (l *packetLink) Run(ctx context.Context, ns *netstack.Stack) error {
	for ctx.Err() == nil {
		var buf []byte
		select {
		case buf = <-l.free:
		case <-ctx.Done():
			return nil
		}

		n, from, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			l.free <- buf
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}
		// The socket also sees our own transmissions.
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			l.free <- buf
			continue
		}
		if err := ns.DeliverFrame(buf[:n], l); err != nil {
			// Not taken; the buffer is still ours.
			l.free <- buf
		}
	}
	return nil
}

func (l *packetLink) Close() error {
	return unix.Close(l.fd)
}
