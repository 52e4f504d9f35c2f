package server

import (
	"bytes"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pablu23/tftp/internal/client"
	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/session"
)

type memSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	complete bool
	failMsg  string
}

func (s *memSink) OnBlock(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(payload)
}

func (s *memSink) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
}

func (s *memSink) OnFailed(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMsg = msg
}

func (s *memSink) snapshot() ([]byte, bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...), s.complete, s.failMsg
}

type memHandler struct {
	mu        sync.Mutex
	files     map[string][]byte
	reads     map[string]*memSink
	puts      map[string]*memSink
	malformed int
}

func newMemHandler() *memHandler {
	return &memHandler{
		files: make(map[string][]byte),
		reads: make(map[string]*memSink),
		puts:  make(map[string]*memSink),
	}
}

func (h *memHandler) addFile(filename string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[filename] = data
}

func (h *memHandler) ReadFile(peer *net.UDPAddr, filename string) ([]byte, session.Sink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if data, ok := h.files[filename]; ok {
		sink := &memSink{}
		h.reads[filename] = sink
		return data, sink, nil
	}
	return nil, nil, &common.Error{Code: common.ErrFileNotFound, Message: common.ErrFileNotFound.Message()}
}

func (h *memHandler) readSink(filename string) *memSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads[filename]
}

func (h *memHandler) WriteFile(peer *net.UDPAddr, filename string) (session.Sink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.files[filename]; ok {
		return nil, &common.Error{Code: common.ErrFileExists, Message: common.ErrFileExists.Message()}
	}
	sink := &memSink{}
	h.puts[filename] = sink
	return sink, nil
}

func (h *memHandler) MalformedRequest(peer *net.UDPAddr, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.malformed++
}

func (h *memHandler) malformedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.malformed
}

func fastOptions(o *Options) {
	o.Address = "127.0.0.1"
	o.Port = 0
	o.Timeout = 50 * time.Millisecond
	o.TimeoutCeiling = 400 * time.Millisecond
}

func fastClient(o *client.Options) {
	o.Timeout = 50 * time.Millisecond
	o.TimeoutCeiling = 400 * time.Millisecond
}

func newTestServer(t *testing.T) (*Server, *memHandler, string) {
	t.Helper()
	handler := newMemHandler()
	srv, err := New(handler, fastOptions)
	require.NoError(t, err)
	go func() {
		if err := srv.Serve(); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() { _ = srv.Close() })
	return srv, handler, srv.Addr().String()
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(buf)
	return buf
}

func TestGetFile(t *testing.T) {
	_, handler, addr := newTestServer(t)
	want := randomBytes(1324)
	handler.addFile("blob.bin", want)

	got, err := client.Get(addr, "blob.bin", fastClient)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetExactBlockMultiple(t *testing.T) {
	_, handler, addr := newTestServer(t)
	want := randomBytes(1024)
	handler.addFile("even.bin", want)

	got, err := client.Get(addr, "even.bin", fastClient)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetEmptyFile(t *testing.T) {
	_, handler, addr := newTestServer(t)
	handler.addFile("empty", nil)

	got, err := client.Get(addr, "empty", fastClient)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetRejectedUnknownFile(t *testing.T) {
	_, _, addr := newTestServer(t)

	_, err := client.Get(addr, "missing.bin", fastClient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File not found")
}

func TestPutFile(t *testing.T) {
	_, handler, addr := newTestServer(t)
	want := randomBytes(700)

	require.NoError(t, client.Put(addr, "upload.bin", want, fastClient))

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		sink, ok := handler.puts["upload.bin"]
		handler.mu.Unlock()
		if !ok {
			return false
		}
		_, complete, _ := sink.snapshot()
		return complete
	}, time.Second, 5*time.Millisecond)

	got, _, failMsg := handler.puts["upload.bin"].snapshot()
	assert.Empty(t, failMsg)
	assert.Equal(t, want, got)
}

func TestPutRejectedExistingFile(t *testing.T) {
	_, handler, addr := newTestServer(t)
	handler.addFile("taken", []byte("already here"))

	err := client.Put(addr, "taken", []byte("new content"), fastClient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File already exists")
}

func TestReadOutcomeReachesHandler(t *testing.T) {
	_, handler, addr := newTestServer(t)
	handler.addFile("watched.bin", randomBytes(900))

	_, err := client.Get(addr, "watched.bin", fastClient)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sink := handler.readSink("watched.bin")
		if sink == nil {
			return false
		}
		_, complete, _ := sink.snapshot()
		return complete
	}, time.Second, 5*time.Millisecond)
	_, _, failMsg := handler.readSink("watched.bin").snapshot()
	assert.Empty(t, failMsg)
}

func TestAbandonedReadReportsFailure(t *testing.T) {
	_, handler, addr := newTestServer(t)
	handler.addFile("stalled.bin", randomBytes(900))

	raddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	// Send the request and then go silent: the server retransmits DATA(1)
	// until its schedule runs out and must tell the handler it failed.
	_, err = conn.Write(common.NewRequest(common.OpRRQ, "stalled.bin", common.ModeOctet).ToBytes())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sink := handler.readSink("stalled.bin")
		if sink == nil {
			return false
		}
		_, _, failMsg := sink.snapshot()
		return failMsg != ""
	}, 3*time.Second, 10*time.Millisecond)
	_, complete, failMsg := handler.readSink("stalled.bin").snapshot()
	assert.False(t, complete)
	assert.Contains(t, failMsg, "timed out")
}

func TestActiveTransfersSettlesToZero(t *testing.T) {
	srv, handler, addr := newTestServer(t)
	handler.addFile("counted.bin", randomBytes(700))

	_, err := client.Get(addr, "counted.bin", fastClient)
	require.NoError(t, err)

	// The count is incremented before the transfer socket launches, so it
	// never dips below zero even when the transfer outruns the dispatcher.
	assert.GreaterOrEqual(t, srv.ActiveTransfers(), 0)
	require.Eventually(t, func() bool {
		return srv.ActiveTransfers() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStrayDataAnswersUnknownTransferID(t *testing.T) {
	_, _, addr := newTestServer(t)

	raddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(common.NewData(5, []byte("lost")).ToBytes())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, common.MaxPacketSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	_, derr := common.PacketFromBytes(buf[:n])
	var terr *common.Error
	require.ErrorAs(t, derr, &terr)
	assert.Equal(t, common.ErrUnknownTransferID, terr.Code)
}

func TestMalformedRequestIsReportedAndSurvived(t *testing.T) {
	_, handler, addr := newTestServer(t)
	handler.addFile("after", []byte("still serving"))

	raddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handler.malformedCount() == 1
	}, time.Second, 5*time.Millisecond)

	got, err := client.Get(addr, "after", fastClient)
	require.NoError(t, err)
	assert.Equal(t, []byte("still serving"), got)
}

func TestStrayAckIsDropped(t *testing.T) {
	_, handler, addr := newTestServer(t)

	raddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(common.NewAck(1).ToBytes())
	require.NoError(t, err)

	// No reply and no malformed report: the ACK simply disappears.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, common.MaxPacketSize)
	_, err = conn.Read(buf)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
	assert.Zero(t, handler.malformedCount())
}
