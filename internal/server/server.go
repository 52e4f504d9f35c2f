package server

import (
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/session"
)

// Handler decides whether inbound requests are served. ReadFile returns the
// full content to send for an accepted RRQ plus a Sink observing the
// transfer outcome (nil when the handler does not care); WriteFile returns
// the Sink that consumes an accepted WRQ. Every accepted transfer gets
// exactly one OnComplete or OnFailed on its Sink. Rejections are errors:
// return *common.Error to choose the TFTP error code sent back, any other
// error maps to code 0.
type Handler interface {
	ReadFile(peer *net.UDPAddr, filename string) ([]byte, session.Sink, error)
	WriteFile(peer *net.UDPAddr, filename string) (session.Sink, error)
}

// MalformedReporter is optionally implemented by handlers that want to see
// undecodable datagrams arriving on the request port. They are reported and
// then dropped; they never take the dispatcher down.
type MalformedReporter interface {
	MalformedRequest(peer *net.UDPAddr, err error)
}

// Server is the listening dispatcher on the well-known port. It only ever
// sees request packets: every accepted transfer moves to its own ephemeral
// socket and never routes through here again.
type Server struct {
	options *Options
	handler Handler
	conn    *net.UDPConn

	mu     sync.Mutex
	active int
	closed bool
}

func New(handler Handler, opts ...func(*Options)) (*Server, error) {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%v:%v", options.Address, options.Port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	return &Server{
		options: options,
		handler: handler,
		conn:    conn,
	}, nil
}

// Addr returns the bound request address, useful when Port 0 let the OS
// pick one.
func (server *Server) Addr() *net.UDPAddr {
	return server.conn.LocalAddr().(*net.UDPAddr)
}

// ActiveTransfers returns the number of transfers currently in flight.
func (server *Server) ActiveTransfers() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.active
}

// Serve reads requests until Close is called. Nothing that arrives here may
// crash the loop.
func (server *Server) Serve() error {
	log.WithField("Address", server.Addr().String()).Info("Started listening")

	for {
		buf := make([]byte, common.MaxPacketSize+1)
		n, addr, err := server.conn.ReadFromUDP(buf)
		if err != nil {
			if server.isClosed() {
				log.Info("Server stopped listening")
				return nil
			}
			log.WithError(err).Error("Could not retrieve UDP packet")
			continue
		}
		server.handleDatagram(addr, buf[:n])
	}
}

// Close stops the dispatcher. Transfers already in flight run to
// completion on their own sockets.
func (server *Server) Close() error {
	server.mu.Lock()
	if server.closed {
		server.mu.Unlock()
		return nil
	}
	server.closed = true
	server.mu.Unlock()
	return server.conn.Close()
}

func (server *Server) isClosed() bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.closed
}

func (server *Server) handleDatagram(addr *net.UDPAddr, buf []byte) {
	pck, err := common.PacketFromBytes(buf)
	if err != nil {
		if reporter, ok := server.handler.(MalformedReporter); ok {
			reporter.MalformedRequest(addr, err)
		}
		log.WithError(err).WithField("Sender", addr.String()).Warn("Received invalid packet")
		return
	}

	switch pck.Op {
	case common.OpRRQ:
		server.handleRead(addr, &pck)
	case common.OpWRQ:
		server.handleWrite(addr, &pck)
	case common.OpData:
		// DATA on the request port belongs to no transfer.
		server.sendError(addr, common.ErrUnknownTransferID, common.ErrUnknownTransferID.Message())
	case common.OpAck:
		// Some clients probe with speculative ACKs; answering would only
		// add noise.
		log.WithField("Sender", addr.String()).Debug("Dropping unsolicited ACK")
	}
}

func (server *Server) handleRead(addr *net.UDPAddr, pck *common.Packet) {
	logger := log.WithFields(log.Fields{
		"Sender": addr.String(),
		"File":   pck.Filename,
	})

	data, sink, err := server.handler.ReadFile(addr, pck.Filename)
	if err != nil {
		logger.WithError(err).Warn("Rejecting read request")
		server.reject(addr, err)
		return
	}
	if sink == nil {
		sink = nopSink{}
	}

	// Counted before launch: a transfer on the loopback can reach its
	// terminal callback before ServeRead even returns.
	server.transferStarted()
	sock, err := session.ServeRead(addr, data, server.track(sink), server.sessionConfig())
	if err != nil {
		server.transferDone()
		logger.WithError(err).Error("Could not start transfer")
		server.reject(addr, err)
		return
	}
	logger.WithField("Transfer ID", sock.LocalAddr().String()).Info("Accepted read request")
}

func (server *Server) handleWrite(addr *net.UDPAddr, pck *common.Packet) {
	logger := log.WithFields(log.Fields{
		"Sender": addr.String(),
		"File":   pck.Filename,
	})

	sink, err := server.handler.WriteFile(addr, pck.Filename)
	if err != nil {
		logger.WithError(err).Warn("Rejecting write request")
		server.reject(addr, err)
		return
	}

	server.transferStarted()
	sock, err := session.ServeWrite(addr, server.track(sink), server.sessionConfig())
	if err != nil {
		server.transferDone()
		logger.WithError(err).Error("Could not start transfer")
		server.reject(addr, err)
		return
	}
	logger.WithField("Transfer ID", sock.LocalAddr().String()).Info("Accepted write request")
}

// reject answers a refused request with exactly one ERROR packet. No
// session exists and nothing is retried.
func (server *Server) reject(addr *net.UDPAddr, err error) {
	var terr *common.Error
	if errors.As(err, &terr) {
		server.sendError(addr, terr.Code, terr.Message)
		return
	}
	server.sendError(addr, common.ErrNotDefined, err.Error())
}

func (server *Server) sendError(addr *net.UDPAddr, code common.ErrorCode, msg string) {
	if _, err := server.conn.WriteToUDP(common.NewError(code, msg).ToBytes(), addr); err != nil {
		log.WithError(err).Error("Could not write packet to UDP")
	}
}

func (server *Server) sessionConfig() session.Config {
	return session.Config{
		Timeout: server.options.Timeout,
		Ceiling: server.options.TimeoutCeiling,
	}
}

func (server *Server) transferStarted() {
	server.mu.Lock()
	server.active++
	server.mu.Unlock()
}

func (server *Server) transferDone() {
	server.mu.Lock()
	server.active--
	server.mu.Unlock()
}

func (server *Server) track(sink session.Sink) session.Sink {
	return &trackedSink{Sink: sink, server: server}
}

// trackedSink keeps the active-transfer count honest. The session
// guarantees exactly one terminal callback, so no extra guard is needed.
type trackedSink struct {
	session.Sink
	server *Server
}

func (t *trackedSink) OnComplete() {
	t.server.transferDone()
	t.Sink.OnComplete()
}

func (t *trackedSink) OnFailed(msg string) {
	t.server.transferDone()
	t.Sink.OnFailed(msg)
}

// nopSink stands in when a handler returns a nil Sink for a read transfer,
// leaving only the session lifecycle logging.
type nopSink struct{}

func (nopSink) OnBlock([]byte)  {}
func (nopSink) OnComplete()     {}
func (nopSink) OnFailed(string) {}
