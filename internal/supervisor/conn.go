package supervisor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// sendMessage writes a single 32-bit protocol word to fd (msg_send).
func sendMessage(fd int, word uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	if err := unix.Send(fd, buf[:], 0); err != nil {
		return fmt.Errorf("conn: send to %d: %w", fd, err)
	}
	return nil
}

// recvMessage reads a single 32-bit protocol word from fd (the recv half
// of handle_read). ok is false on EAGAIN (nothing to read yet, not an
// error); err is non-nil on any other failure or short read.
func recvMessage(fd int) (word uint32, ok bool, err error) {
	var buf [4]byte
	n, rerr := unix.Read(fd, buf[:])
	if rerr == unix.EAGAIN {
		return 0, false, nil
	}
	if rerr != nil {
		return 0, false, fmt.Errorf("conn: recv from %d: %w", fd, rerr)
	}
	if n != 4 {
		return 0, false, fmt.Errorf("conn: short read from %d: got %d bytes", fd, n)
	}
	return binary.LittleEndian.Uint32(buf[:]), true, nil
}

// connNotifier implements login.Notifier against real connection
// descriptors tracked in the poll set.
type connNotifier struct {
	sup *Server
}

func (n connNotifier) Notify(fd int, word uint32) error {
	return sendMessage(fd, word)
}

func (n connNotifier) CloseConn(fd int) {
	n.sup.closeConnFD(fd)
}
