package common

import "strings"

// BlockSize is the fixed DATA payload size from RFC 1350. A payload
// shorter than this marks the final block of a transfer.
const BlockSize = 512

const (
	HeaderSize    int = 2 + 2
	MinPacketSize int = 4
	MaxPacketSize int = HeaderSize + BlockSize
)

// DefaultPort is the well-known TFTP server port.
const DefaultPort = 69

type Opcode uint16

const (
	OpRRQ Opcode = iota + 1
	OpWRQ
	OpData
	OpAck
	OpError
)

func (op Opcode) String() string {
	switch op {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrNotDefined ErrorCode = iota
	ErrFileNotFound
	ErrAccessViolation
	ErrDiskFull
	ErrIllegalOperation
	ErrUnknownTransferID
	ErrFileExists
	ErrNoSuchUser
)

var errorMessages = map[ErrorCode]string{
	ErrNotDefined:        "Not defined",
	ErrFileNotFound:      "File not found",
	ErrAccessViolation:   "Access violation",
	ErrDiskFull:          "Disk full or allocation exceeded",
	ErrIllegalOperation:  "Illegal TFTP operation",
	ErrUnknownTransferID: "Unknown transfer ID",
	ErrFileExists:        "File already exists",
	ErrNoSuchUser:        "No such user",
}

// Message returns the canned English text for an error code, used when a
// peer sends an ERROR packet with an empty message field.
func (code ErrorCode) Message() string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Unknown error"
}

const (
	ModeOctet    = "octet"
	ModeNetascii = "netascii"
	ModeMail     = "mail"
)

// ValidMode reports whether mode is one of the three RFC 1350 transfer
// modes. Comparison is case-insensitive per the RFC.
func ValidMode(mode string) bool {
	switch strings.ToLower(mode) {
	case ModeOctet, ModeNetascii, ModeMail:
		return true
	}
	return false
}
