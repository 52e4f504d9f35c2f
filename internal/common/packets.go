package common

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedPacket is wrapped by every decode failure that is not a
// peer-sent ERROR packet.
var ErrMalformedPacket = errors.New("malformed packet")

// Error is a TFTP ERROR, either received from a peer (PacketFromBytes
// returns it for opcode 5) or returned by a server handler to choose the
// code of the rejection sent back to the client.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tftp: %s (code %d)", e.Message, e.Code)
}

// Packet is one decoded TFTP message. Which fields are meaningful depends
// on Op: Filename/Mode for requests, Block for DATA and ACK, Block/Payload
// for DATA, Code/Message for ERROR.
type Packet struct {
	Op       Opcode
	Filename string
	Mode     string
	Block    uint16
	Payload  []byte
	Code     ErrorCode
	Message  string
}

func NewRequest(op Opcode, filename, mode string) *Packet {
	return &Packet{Op: op, Filename: filename, Mode: mode}
}

func NewData(block uint16, payload []byte) *Packet {
	return &Packet{Op: OpData, Block: block, Payload: payload}
}

func NewAck(block uint16) *Packet {
	return &Packet{Op: OpAck, Block: block}
}

func NewError(code ErrorCode, message string) *Packet {
	return &Packet{Op: OpError, Code: code, Message: message}
}

// ToBytes encodes the packet into its wire form. Callers are responsible
// for keeping filenames and messages free of NUL bytes and DATA payloads
// at or below BlockSize.
func (pck *Packet) ToBytes() []byte {
	switch pck.Op {
	case OpRRQ, OpWRQ:
		arr := make([]byte, 0, HeaderSize+len(pck.Filename)+len(pck.Mode)+2)
		arr = binary.BigEndian.AppendUint16(arr, uint16(pck.Op))
		arr = append(arr, pck.Filename...)
		arr = append(arr, 0)
		arr = append(arr, pck.Mode...)
		return append(arr, 0)
	case OpData:
		arr := make([]byte, HeaderSize+len(pck.Payload))
		binary.BigEndian.PutUint16(arr[0:2], uint16(pck.Op))
		binary.BigEndian.PutUint16(arr[2:4], pck.Block)
		copy(arr[HeaderSize:], pck.Payload)
		return arr
	case OpAck:
		arr := make([]byte, HeaderSize)
		binary.BigEndian.PutUint16(arr[0:2], uint16(pck.Op))
		binary.BigEndian.PutUint16(arr[2:4], pck.Block)
		return arr
	case OpError:
		arr := make([]byte, 0, HeaderSize+len(pck.Message)+1)
		arr = binary.BigEndian.AppendUint16(arr, uint16(pck.Op))
		arr = binary.BigEndian.AppendUint16(arr, uint16(pck.Code))
		arr = append(arr, pck.Message...)
		return append(arr, 0)
	default:
		panic(fmt.Sprintf("encoding packet with invalid opcode %d", pck.Op))
	}
}

// PacketFromBytes decodes one UDP payload. An ERROR packet never decodes
// successfully: it comes back as *Error carrying the embedded message, or
// the canned message for its code when the text is empty. All other
// failures wrap ErrMalformedPacket.
func PacketFromBytes(buf []byte) (Packet, error) {
	if len(buf) < MinPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes is below the minimum of %d", ErrMalformedPacket, len(buf), MinPacketSize)
	}
	if len(buf) > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes exceeds the maximum of %d", ErrMalformedPacket, len(buf), MaxPacketSize)
	}

	op := Opcode(binary.BigEndian.Uint16(buf[0:2]))
	switch op {
	case OpRRQ, OpWRQ:
		filename, rest, err := nulString(buf[2:])
		if err != nil || filename == "" {
			return Packet{}, fmt.Errorf("%w: %s without a filename", ErrMalformedPacket, op)
		}
		mode, _, err := nulString(rest)
		if err != nil || !ValidMode(mode) {
			return Packet{}, fmt.Errorf("%w: %s with invalid mode %q", ErrMalformedPacket, op, mode)
		}
		return Packet{Op: op, Filename: filename, Mode: mode}, nil
	case OpData:
		pck := Packet{Op: op, Block: binary.BigEndian.Uint16(buf[2:4])}
		if len(buf) > HeaderSize {
			pck.Payload = buf[HeaderSize:]
		}
		return pck, nil
	case OpAck:
		if len(buf) != HeaderSize {
			return Packet{}, fmt.Errorf("%w: ACK with %d trailing bytes", ErrMalformedPacket, len(buf)-HeaderSize)
		}
		return Packet{Op: op, Block: binary.BigEndian.Uint16(buf[2:4])}, nil
	case OpError:
		code := ErrorCode(binary.BigEndian.Uint16(buf[2:4]))
		msg, _, err := nulString(buf[4:])
		if err != nil || msg == "" {
			msg = code.Message()
		}
		return Packet{}, &Error{Code: code, Message: msg}
	default:
		return Packet{}, fmt.Errorf("%w: unknown opcode %d", ErrMalformedPacket, uint16(op))
	}
}

func nulString(buf []byte) (string, []byte, error) {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return "", nil, errors.New("string is not NUL-terminated")
	}
	return string(buf[:i]), buf[i+1:], nil
}
