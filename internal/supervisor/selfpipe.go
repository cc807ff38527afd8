package supervisor

import (
	"encoding/binary"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// sigRecord is the fixed-size record written to the self-pipe: a signal
// number, and for the synthetic alarmSignal only, the UID key of the
// login whose timer fired. This is the memory-safe replacement for the
// original's {signo, Login *} sigevent payload (spec §9): the kernel
// never needs to carry a pointer, only an integer the registry can look
// up again on the synchronous side.
type sigRecord struct {
	Signal int32
	UID    uint32
}

const sigRecordSize = 8

// alarmSignal is a value distinct from any real syscall.Signal, used to
// multiplex timer fires onto the same self-pipe as OS signals.
const alarmSignal int32 = -1

// SelfPipe converts asynchronous signal delivery and timer fires into a
// single pollable byte stream (C1). Its read end is always the first
// descriptor in the poll set.
type SelfPipe struct {
	readFD  int
	writeFD int
	sigCh   chan os.Signal
}

// NewSelfPipe creates the self-pipe and starts relaying SIGTERM, SIGINT,
// and SIGCHLD onto it. Go's runtime already delivers signals through a
// channel rather than an async-signal-unsafe handler; the relay goroutine
// here exists only to converge that channel onto the same fd the poll
// loop already watches, preserving the single-poll architecture.
func NewSelfPipe() (*SelfPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	sp := &SelfPipe{
		readFD:  fds[0],
		writeFD: fds[1],
		sigCh:   make(chan os.Signal, 16),
	}
	signal.Notify(sp.sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD)
	go sp.relay()
	return sp, nil
}

func (sp *SelfPipe) relay() {
	for sig := range sp.sigCh {
		var signo int32
		switch sig {
		case syscall.SIGTERM:
			signo = int32(syscall.SIGTERM)
		case syscall.SIGINT:
			signo = int32(syscall.SIGINT)
		case syscall.SIGCHLD:
			signo = int32(syscall.SIGCHLD)
		default:
			continue
		}
		sp.write(signo, 0)
	}
}

// WriteAlarm enqueues a timer-fired record for uid. Safe to call from any
// goroutine, including a time.AfterFunc callback: writes under
// PIPE_BUF are atomic, so concurrent writers never interleave a record.
func (sp *SelfPipe) WriteAlarm(uid uint32) {
	sp.write(alarmSignal, uid)
}

func (sp *SelfPipe) write(signo int32, uid uint32) {
	var buf [sigRecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(signo))
	binary.LittleEndian.PutUint32(buf[4:8], uid)
	_, _ = unix.Write(sp.writeFD, buf[:])
}

// FD returns the read end, for inclusion in the poll set.
func (sp *SelfPipe) FD() int {
	return sp.readFD
}

// Drain reads every complete record currently buffered and returns them.
func (sp *SelfPipe) Drain() []sigRecord {
	var records []sigRecord
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(sp.readFD, buf)
		if n <= 0 || err != nil {
			break
		}
		for off := 0; off+sigRecordSize <= n; off += sigRecordSize {
			records = append(records, sigRecord{
				Signal: int32(binary.LittleEndian.Uint32(buf[off : off+4])),
				UID:    binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			})
		}
	}
	return records
}

// Close stops signal relaying and closes both pipe ends.
func (sp *SelfPipe) Close() {
	signal.Stop(sp.sigCh)
	close(sp.sigCh)
	unix.Close(sp.readFD)
	unix.Close(sp.writeFD)
}
