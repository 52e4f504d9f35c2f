// Package session implements the TFTP transfer engine: the per-transfer
// state machines for the four transfer roles, the retransmission schedule
// and the dedicated UDP socket each transfer runs on. It never touches the
// filesystem; file content flows in and out as byte buffers through the
// Sink callbacks.
package session

import (
	"errors"
	"fmt"

	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
)

// MaxFileSize is the largest buffer a sending role can transmit before the
// 16-bit block numbering of RFC 1350 would wrap around.
const MaxFileSize = common.BlockSize*65535 - 1

// ErrFileTooLarge is returned when a transfer is initiated with more data
// than MaxFileSize.
var ErrFileTooLarge = errors.New("file exceeds the 16-bit block number limit")

// Sink receives the events of one transfer. OnBlock is called once per
// non-empty received DATA block, in order. Exactly one of OnComplete or
// OnFailed fires per transfer, never both, never twice.
type Sink interface {
	OnBlock(payload []byte)
	OnComplete()
	OnFailed(msg string)
}

// session is the role-independent view the Socket event loop drives. All
// methods are called from the loop goroutine only.
type session interface {
	start()
	handle(pck *common.Packet)
	timeout()
	fail(msg string)
	done() bool
}

type base struct {
	send     func(p []byte)
	sink     Sink
	rt       *retransmitter
	terminal bool
	log      *log.Entry
}

// sendPacket transmits pck and arms the retransmit timer on it. ERROR
// packets are never armed: RFC 1350 defines no acknowledgment for them, so
// retransmitting would loop forever.
func (b *base) sendPacket(pck *common.Packet) {
	buf := pck.ToBytes()
	b.send(buf)
	if pck.Op != common.OpError {
		b.rt.arm(buf)
	}
}

// sendUnarmed transmits pck without a retransmit obligation. Used for the
// final ACK of a download, which a receiver need not retransmit.
func (b *base) sendUnarmed(pck *common.Packet) {
	b.send(pck.ToBytes())
}

// abort sends one ERROR packet to the peer and marks the transfer failed.
func (b *base) abort(code common.ErrorCode, msg string) {
	if b.terminal {
		return
	}
	b.rt.disarm()
	b.send(common.NewError(code, msg).ToBytes())
	b.terminal = true
	b.log.WithField("Reason", msg).Warn("Transfer aborted")
	b.sink.OnFailed(msg)
}

// fail marks the transfer failed without notifying the peer. Used for
// inbound ERROR packets, decode failures and timeout exhaustion.
func (b *base) fail(msg string) {
	if b.terminal {
		return
	}
	b.rt.disarm()
	b.terminal = true
	b.log.WithField("Reason", msg).Warn("Transfer failed")
	b.sink.OnFailed(msg)
}

func (b *base) finish() {
	b.rt.disarm()
	b.terminal = true
	b.log.Info("Transfer complete")
	b.sink.OnComplete()
}

func (b *base) timeout() {
	if b.terminal {
		return
	}
	payload, ok := b.rt.next()
	if !ok {
		b.fail("transfer timed out")
		return
	}
	b.log.WithField("Next Timeout", b.rt.current).Debug("Retransmitting last packet")
	b.send(payload)
}

func (b *base) done() bool {
	return b.terminal
}

// sender drives the two uploading roles. A server upload starts pushing
// DATA immediately (the RRQ was already accepted); a client upload first
// sends its WRQ and waits for ACK(0).
type sender struct {
	base
	data      []byte
	cursor    int
	block     uint16
	handshake bool
	final     bool
	request   *common.Packet
}

func newSender(b base, data []byte, request *common.Packet) (*sender, error) {
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return &sender{
		base:      b,
		data:      data,
		handshake: request != nil,
		request:   request,
	}, nil
}

func (s *sender) start() {
	if s.request != nil {
		s.sendPacket(s.request)
		return
	}
	s.sendNext()
}

func (s *sender) handle(pck *common.Packet) {
	if s.terminal {
		return
	}
	if pck.Op != common.OpAck {
		s.abort(common.ErrIllegalOperation, fmt.Sprintf("unexpected %v packet while sending", pck.Op))
		return
	}

	if s.handshake {
		if pck.Block != 0 {
			s.log.WithField("Block", pck.Block).Debug("Ignoring ACK before handshake completed")
			return
		}
		s.handshake = false
		s.rt.disarm()
		s.sendNext()
		return
	}

	if pck.Block != s.block {
		s.log.WithFields(log.Fields{
			"Expected": s.block,
			"Received": pck.Block,
		}).Debug("Ignoring stale ACK")
		return
	}

	s.rt.disarm()
	if s.final {
		s.finish()
		return
	}
	s.sendNext()
}

// sendNext slices and transmits the next block. A block strictly shorter
// than BlockSize ends the transfer, which is why a buffer that is an exact
// multiple of BlockSize is followed by an empty DATA block. The final block
// stays on the retransmit schedule until its ACK arrives.
func (s *sender) sendNext() {
	s.block++
	end := s.cursor + common.BlockSize
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.cursor:end]
	s.cursor = end
	if len(chunk) < common.BlockSize {
		s.final = true
	}

	s.log.WithFields(log.Fields{
		"Block": s.block,
		"Size":  len(chunk),
	}).Debug("Sending DATA block")
	s.sendPacket(common.NewData(s.block, chunk))
}

// receiver drives the two downloading roles. A server download opens with
// an unsolicited ACK(0); a client download opens with its RRQ and accepts
// DATA starting at block 1.
type receiver struct {
	base
	expected  uint16
	request   *common.Packet
	delivered bitmap.Bitmap
}

func newReceiver(b base, request *common.Packet) *receiver {
	return &receiver{base: b, expected: 1, request: request}
}

func (r *receiver) start() {
	if r.request != nil {
		r.sendPacket(r.request)
		return
	}
	r.sendPacket(common.NewAck(0))
}

func (r *receiver) handle(pck *common.Packet) {
	if r.terminal {
		return
	}
	if pck.Op != common.OpData {
		r.abort(common.ErrIllegalOperation, fmt.Sprintf("unexpected %v packet while receiving", pck.Op))
		return
	}

	if pck.Block != r.expected {
		if r.delivered.Contains(uint32(pck.Block)) {
			// The peer retransmitted a block we already accepted, so our
			// ACK for it got lost. Re-ACK right away instead of letting the
			// peer sit out its timeout. The block is not delivered again
			// and the retransmit schedule is left untouched.
			r.log.WithField("Block", pck.Block).Debug("Re-acknowledging duplicate DATA block")
			r.sendUnarmed(common.NewAck(pck.Block))
		} else {
			r.log.WithFields(log.Fields{
				"Expected": r.expected,
				"Received": pck.Block,
			}).Debug("Ignoring out-of-order DATA block")
		}
		return
	}

	r.rt.disarm()
	r.delivered.Set(uint32(pck.Block))
	if len(pck.Payload) > 0 {
		r.sink.OnBlock(pck.Payload)
	}

	if len(pck.Payload) < common.BlockSize {
		// Last block. The final ACK is fire-and-forget.
		r.sendUnarmed(common.NewAck(r.expected))
		r.finish()
		return
	}

	r.sendPacket(common.NewAck(r.expected))
	r.expected++
}
