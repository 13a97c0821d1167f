// SPDX-License-Identifier: Apache-2.0

package uevent

import (
	"github.com/efficientgo/core/errors"
	"github.com/pilebones/go-udev/netlink"
	"golang.org/x/sys/unix"
)

// Source delivers raw uevent datagrams. Fd must become readable whenever a
// datagram is pending; ReadMsg then returns exactly one datagram.
type Source interface {
	Fd() int
	ReadMsg() ([]byte, error)
	Close() error
}

// OpenFunc opens a fresh Source for every monitoring session.
type OpenFunc func() (Source, error)

type kernelSource struct {
	conn *netlink.UEventConn
}

// OpenKernelSource subscribes to the kernel uevent multicast group.
func OpenKernelSource() (Source, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.KernelEvent); err != nil {
		return nil, errors.Wrap(err, "failed to connect to kernel uevent socket")
	}
	return &kernelSource{conn: conn}, nil
}

func (s *kernelSource) Fd() int { return s.conn.Fd }

func (s *kernelSource) ReadMsg() ([]byte, error) {
	return readKernelMsg(s.conn.Fd)
}

// readKernelMsg receives one datagram from fd. Datagrams that were not sent
// by the kernel are consumed and reported as empty. Oversized datagrams are
// returned truncated to MaxMessageSize bytes.
func readKernelMsg(fd int) ([]byte, error) {
	buf := make([]byte, MaxMessageSize)
	n, from, err := unix.Recvfrom(fd, buf, unix.MSG_TRUNC)
	if err != nil {
		return nil, err
	}
	if !fromKernel(from) {
		return nil, nil
	}
	return buf[:min(n, len(buf))], nil
}

// fromKernel reports whether from is the kernel's netlink address. Userspace
// senders on the uevent group carry their own port id.
func fromKernel(from unix.Sockaddr) bool {
	sa, ok := from.(*unix.SockaddrNetlink)
	return ok && sa.Pid == 0
}

func (s *kernelSource) Close() error {
	return s.conn.Close()
}
