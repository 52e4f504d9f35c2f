package session

import (
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
)

type datagram struct {
	buf  []byte
	addr *net.UDPAddr
}

// Socket is the dedicated UDP endpoint of exactly one transfer. It is
// bound to an ephemeral port for the transfer's lifetime and closed exactly
// once on termination. The port pair doubles as the transfer ID required by
// RFC 1350: datagrams whose source does not match the recorded peer are
// dropped before they can touch session state.
type Socket struct {
	conn *net.UDPConn
	sess session
	rt   *retransmitter

	// Peer identity. The port stays unresolved for client roles until the
	// server's first reply reveals its ephemeral port; until then sends go
	// to the well-known request port.
	peerIP   net.IP
	peerPort int
	resolved bool

	datagrams chan datagram
	closeOnce sync.Once
	doneCh    chan struct{}
	log       *log.Entry
}

// ServeRead starts a server-upload transfer pushing data to peer. The first
// DATA block goes out immediately: the accepted RRQ was the handshake.
func ServeRead(peer *net.UDPAddr, data []byte, sink Sink, cfg Config) (*Socket, error) {
	sock, err := newSocket(peer, true, cfg, "server-upload")
	if err != nil {
		return nil, err
	}
	sess, err := newSender(sock.newBase(sink), data, nil)
	if err != nil {
		sock.close()
		return nil, err
	}
	sock.launch(sess)
	return sock, nil
}

// ServeWrite starts a server-download transfer accepting data from peer,
// opening with the unsolicited ACK(0) of the WRQ handshake.
func ServeWrite(peer *net.UDPAddr, sink Sink, cfg Config) (*Socket, error) {
	sock, err := newSocket(peer, true, cfg, "server-download")
	if err != nil {
		return nil, err
	}
	sock.launch(newReceiver(sock.newBase(sink), nil))
	return sock, nil
}

// RequestRead starts a client-download transfer: it sends RRQ to the
// server's well-known port and resolves the peer's reply port from the
// first inbound datagram.
func RequestRead(server *net.UDPAddr, filename, mode string, sink Sink, cfg Config) (*Socket, error) {
	sock, err := newSocket(server, false, cfg, "client-download")
	if err != nil {
		return nil, err
	}
	sock.launch(newReceiver(sock.newBase(sink), common.NewRequest(common.OpRRQ, filename, mode)))
	return sock, nil
}

// RequestWrite starts a client-upload transfer: it sends WRQ and holds all
// DATA until the server answers with ACK(0).
func RequestWrite(server *net.UDPAddr, filename, mode string, data []byte, sink Sink, cfg Config) (*Socket, error) {
	sock, err := newSocket(server, false, cfg, "client-upload")
	if err != nil {
		return nil, err
	}
	sess, err := newSender(sock.newBase(sink), data, common.NewRequest(common.OpWRQ, filename, mode))
	if err != nil {
		sock.close()
		return nil, err
	}
	sock.launch(sess)
	return sock, nil
}

func newSocket(peer *net.UDPAddr, resolved bool, cfg Config, role string) (*Socket, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return &Socket{
		conn:      conn,
		rt:        newRetransmitter(cfg.withDefaults()),
		peerIP:    peer.IP,
		peerPort:  peer.Port,
		resolved:  resolved,
		datagrams: make(chan datagram, 16),
		doneCh:    make(chan struct{}),
		log: log.WithFields(log.Fields{
			"Role": role,
			"Peer": peer.String(),
		}),
	}, nil
}

func (s *Socket) newBase(sink Sink) base {
	return base{send: s.write, sink: sink, rt: s.rt, log: s.log}
}

func (s *Socket) launch(sess session) {
	s.sess = sess
	go s.readLoop()
	go s.run()
}

// Wait blocks until the transfer reaches a terminal state and the socket
// is closed.
func (s *Socket) Wait() {
	<-s.doneCh
}

// Close tears the socket down. A transfer still in flight fails with a
// local error; a finished one is unaffected.
func (s *Socket) Close() error {
	s.close()
	return nil
}

func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Socket) close() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.log.WithError(err).Error("Could not close transfer socket")
		}
	})
}

// run is the event loop. It is the only goroutine that touches the session
// and the retransmitter, so callbacks never overlap and no locking is
// needed. The timer channel is nil while disarmed, which parks that select
// arm.
func (s *Socket) run() {
	defer close(s.doneCh)
	defer s.close()

	s.sess.start()
	for !s.sess.done() {
		select {
		case dg, ok := <-s.datagrams:
			if !ok {
				s.sess.fail("transfer socket closed")
				return
			}
			s.inbound(dg)
		case <-s.rt.C():
			s.sess.timeout()
		}
	}
}

func (s *Socket) readLoop() {
	defer close(s.datagrams)
	for {
		// One byte above the maximum so oversized datagrams are detectable
		// after the kernel truncates them.
		buf := make([]byte, common.MaxPacketSize+1)
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		select {
		case s.datagrams <- datagram{buf: buf[:n], addr: addr}:
		case <-s.doneCh:
			return
		}
	}
}

func (s *Socket) inbound(dg datagram) {
	pck, err := common.PacketFromBytes(dg.buf)
	if err != nil {
		// An ERROR from the peer is authoritative; garbage on a transfer
		// socket is equally fatal. Neither is ever retried.
		var terr *common.Error
		if errors.As(err, &terr) {
			s.sess.fail(terr.Message)
		} else {
			s.sess.fail(err.Error())
		}
		return
	}

	if !dg.addr.IP.Equal(s.peerIP) {
		s.log.WithField("Sender", dg.addr.String()).Warn("Dropping datagram from foreign address")
		return
	}
	if s.resolved && dg.addr.Port != s.peerPort {
		s.log.WithFields(log.Fields{
			"Sender":   dg.addr.String(),
			"Expected": s.peerPort,
		}).Warn("Dropping datagram with wrong transfer ID")
		return
	}
	if !s.resolved {
		s.peerPort = dg.addr.Port
		s.resolved = true
		s.log.WithField("Peer Port", s.peerPort).Debug("Resolved peer transfer ID")
	}

	s.sess.handle(&pck)
}

// write sends p to the current peer endpoint. Called from the run goroutine
// only.
func (s *Socket) write(p []byte) {
	addr := &net.UDPAddr{IP: s.peerIP, Port: s.peerPort}
	if _, err := s.conn.WriteToUDP(p, addr); err != nil {
		s.log.WithError(err).Error("Could not write packet to UDP")
	}
}
