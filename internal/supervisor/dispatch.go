package supervisor

import (
	"log/slog"

	"github.com/turnstiled/turnstiled/internal/config"
	"github.com/turnstiled/turnstiled/internal/login"
	"github.com/turnstiled/turnstiled/internal/protocol"
)

// dispatch decodes a single protocol word received on fd and drives the
// manager accordingly (handle_read). It reports whether the connection
// must be closed afterward.
func dispatch(mgr *login.Manager, log *slog.Logger, fd int, word uint32) (closeConn bool) {
	msg := protocol.Decode(word)

	switch msg.Tag {
	case protocol.MsgStart:
		return dispatchStart(mgr, log, fd, msg.Aux)
	case protocol.MsgReqRlen:
		return dispatchReqLen(mgr, log, fd)
	case protocol.MsgReqRdata:
		return dispatchReqData(mgr, log, fd, msg.Aux)
	case protocol.MsgOKWait, protocol.MsgOKDone, protocol.MsgData, protocol.MsgErr:
		log.Warn("client sent a server-to-client tag", "fd", fd, "tag", msg.Tag)
		_ = sendMessage(fd, protocol.EncodeAux(0, protocol.MsgErr))
		return true
	default:
		log.Warn("unexpected message tag from client", "fd", fd, "tag", msg.Tag)
		_ = sendMessage(fd, protocol.EncodeAux(0, protocol.MsgErr))
		return true
	}
}

// dispatchStart handles MSG_START(uid): the peer's effective UID must
// equal the requested uid, or the peer must be root, matching the
// boundary check in spec §4.4/§8 (conn_handle/MSG_START).
func dispatchStart(mgr *login.Manager, log *slog.Logger, fd int, uid uint32) bool {
	peerEUID, err := PeerEUID(fd)
	if err != nil {
		log.Warn("cannot read peer credentials", "fd", fd, "error", err)
		_ = sendMessage(fd, protocol.EncodeAux(0, protocol.MsgErr))
		return true
	}
	if peerEUID != 0 && peerEUID != uid {
		log.Warn("rejecting MSG_START: peer euid does not match requested uid",
			"fd", fd, "peer_euid", peerEUID, "requested_uid", uid)
		_ = sendMessage(fd, protocol.EncodeAux(0, protocol.MsgErr))
		return true
	}

	word, err := mgr.HandleStart(fd, uid)
	if err != nil {
		log.Warn("start failed", "fd", fd, "uid", uid, "error", err)
		_ = sendMessage(fd, protocol.EncodeAux(0, protocol.MsgErr))
		return true
	}
	if err := sendMessage(fd, word); err != nil {
		log.Warn("notify failed", "fd", fd, "error", err)
		return true
	}
	return false
}

// dispatchReqLen handles MSG_REQ_RLEN: the client asks for the byte
// length of its login's rundir path, the first step of the chunked
// MSG_DATA transfer used once a long rundir path would not fit in a
// single 32-bit word (spec §4.5).
func dispatchReqLen(mgr *login.Manager, log *slog.Logger, fd int) bool {
	lgn := mgr.Registry.BySessionFD(fd)
	if lgn == nil {
		log.Warn("MSG_REQ_RLEN on fd with no session", "fd", fd)
		_ = sendMessage(fd, protocol.EncodeAux(0, protocol.MsgErr))
		return true
	}
	remaining := uint32(len(lgn.Rundir))
	if lgn.ManageRdir {
		remaining += config.DirLenMax
	}
	if err := sendMessage(fd, protocol.Encode(remaining)); err != nil {
		log.Warn("notify failed", "fd", fd, "error", err)
		return true
	}
	return false
}

// dispatchReqData handles MSG_REQ_RDATA(remaining): the client states how
// many bytes of its login's rundir path are still outstanding, and the
// server replies with the next up-to-MaxDataBytes chunk, counting back
// from the end of the path (spec §4.5's chunked MSG_DATA transfer).
func dispatchReqData(mgr *login.Manager, log *slog.Logger, fd int, remaining uint32) bool {
	lgn := mgr.Registry.BySessionFD(fd)
	if lgn == nil {
		log.Warn("MSG_REQ_RDATA on fd with no session", "fd", fd)
		_ = sendMessage(fd, protocol.EncodeAux(0, protocol.MsgErr))
		return true
	}
	word, err := protocol.PackChunk([]byte(lgn.Rundir), remaining)
	if err != nil {
		log.Warn("pack rundir chunk failed", "fd", fd, "remaining", remaining, "error", err)
		_ = sendMessage(fd, protocol.EncodeAux(0, protocol.MsgErr))
		return true
	}
	if err := sendMessage(fd, protocol.Encode(word)); err != nil {
		log.Warn("notify failed", "fd", fd, "error", err)
		return true
	}
	return false
}
