package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// controlSocketMode matches the original's CSOCK_MODE: any local user may
// connect, since authentication happens per-connection via peer EUID.
const controlSocketMode = 0666

// ControlSocket is the SEQPACKET listener clients connect to (C2). The
// socket file is recreated on startup.
type ControlSocket struct {
	fd   int
	path string
}

// NewControlSocket creates, binds, and listens on a SEQPACKET socket at
// path, mode 0666, non-blocking and close-on-exec (sock_new).
func NewControlSocket(path string) (*ControlSocket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create: %w", err)
	}

	os.Remove(path)
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: bind %s: %w", path, err)
	}
	if err := os.Chmod(path, controlSocketMode); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("socket: chmod %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("socket: listen %s: %w", path, err)
	}
	return &ControlSocket{fd: fd, path: path}, nil
}

// FD returns the raw listening descriptor, for inclusion in the poll set.
func (c *ControlSocket) FD() int {
	return c.fd
}

// AcceptAll accepts every pending connection in a non-blocking loop until
// EAGAIN (sock_handle_conn), returning the accepted descriptors.
func (c *ControlSocket) AcceptAll() []int {
	var conns []int
	for {
		afd, _, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			break
		}
		conns = append(conns, afd)
	}
	return conns
}

// PeerEUID returns the effective UID of the process on the other end of
// fd, via SO_PEERCRED (get_peer_euid). Linux-only, matching the Non-goal
// excluding portability to systems without this mechanism.
func PeerEUID(fd int) (uint32, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return 0, fmt.Errorf("socket: peer credentials: %w", err)
	}
	return cred.Uid, nil
}

// Close shuts down the listener and removes the socket file.
func (c *ControlSocket) Close() error {
	err := unix.Close(c.fd)
	os.Remove(c.path)
	return err
}
