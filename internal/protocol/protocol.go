// Package protocol implements the fixed 32-bit tagged message codec
// exchanged between turnstiled and its clients over the control socket.
package protocol

import "fmt"

// Tag identifies a message's type. It occupies the low TypeBits bits of a
// 32-bit word; the remaining high bits carry the auxiliary payload.
type Tag uint32

const (
	// MsgStart is sent client to server: begin/attach a session for a UID.
	MsgStart Tag = iota
	// MsgOKWait is sent server to client: the service manager is coming up.
	MsgOKWait
	// MsgOKDone is sent server to client: ready, carries a 1-bit DBus flag.
	MsgOKDone
	// MsgReqRlen is sent client to server: request the length of rundir.
	MsgReqRlen
	// MsgReqRdata is sent client to server: request up to 3 bytes of rundir,
	// carrying the remaining length R in the aux payload.
	MsgReqRdata
	// MsgData is sent server to client: a length reply or up to 3 packed
	// rundir bytes.
	MsgData
	// MsgErr is sent server to client: fatal for this connection.
	MsgErr
)

// TypeBits is the width of the tag field in a message word.
const TypeBits = 3

// TypeMask isolates the tag bits of a message word.
const TypeMask uint32 = (1 << TypeBits) - 1

// MaxDataBytes is the number of rundir bytes a single MsgData reply can
// carry: the aux field has 32-TypeBits bits, but only 3 bytes (24 bits)
// are ever packed so the encoded value never needs the top bit of the
// 29-bit aux field, matching the table in the protocol description.
const MaxDataBytes = 3

func (t Tag) String() string {
	switch t {
	case MsgStart:
		return "MSG_START"
	case MsgOKWait:
		return "MSG_OK_WAIT"
	case MsgOKDone:
		return "MSG_OK_DONE"
	case MsgReqRlen:
		return "MSG_REQ_RLEN"
	case MsgReqRdata:
		return "MSG_REQ_RDATA"
	case MsgData:
		return "MSG_DATA"
	case MsgErr:
		return "MSG_ERR"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

// Message is a decoded 32-bit protocol word.
type Message struct {
	Tag Tag
	Aux uint32
}

// Encode packs aux into the payload of an MsgData word, the default tag
// used for length and chunked-data replies.
func Encode(aux uint32) uint32 {
	return EncodeAux(aux, MsgData)
}

// EncodeAux packs aux into the payload bits above tag's low TypeBits bits.
func EncodeAux(aux uint32, tag Tag) uint32 {
	return (aux << TypeBits) | uint32(tag)
}

// Decode splits a raw 32-bit message word into its tag and aux payload.
func Decode(word uint32) Message {
	return Message{
		Tag: Tag(word & TypeMask),
		Aux: word >> TypeBits,
	}
}

// SBytes returns the number of rundir bytes that should be packed into a
// single MsgData reply to an MsgReqRdata(remaining) request: up to
// MaxDataBytes at a time.
func SBytes(remaining uint32) int {
	if remaining > MaxDataBytes {
		return MaxDataBytes
	}
	return int(remaining)
}

// PackChunk reads up to MaxDataBytes bytes from data ending at offset
// len(data)-remaining, little-endian packed into the low bytes of a
// uint32, as transferred by a single MsgReqRdata(remaining)/MsgData
// exchange.
func PackChunk(data []byte, remaining uint32) (uint32, error) {
	total := uint32(len(data))
	if remaining == 0 || remaining > total {
		return 0, fmt.Errorf("protocol: remaining %d out of range for data of length %d", remaining, total)
	}
	n := SBytes(remaining)
	start := int(total) - int(remaining)
	var v uint32
	for i := 0; i < n; i++ {
		v |= uint32(data[start+i]) << (8 * uint(i))
	}
	return v, nil
}
