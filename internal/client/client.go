// Package client implements the two TFTP client operations, Get and Put,
// as synchronous wrappers around the transfer engine.
package client

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/session"
)

type Options struct {
	Mode           string
	Timeout        time.Duration
	TimeoutCeiling time.Duration
}

func NewDefaultOptions() *Options {
	return &Options{
		Mode:           common.ModeOctet,
		Timeout:        session.DefaultTimeout,
		TimeoutCeiling: session.DefaultCeiling,
	}
}

func (o *Options) sessionConfig() session.Config {
	return session.Config{Timeout: o.Timeout, Ceiling: o.TimeoutCeiling}
}

// Get downloads filename from the server at address ("host" or
// "host:port"; the port defaults to 69) and returns its content. It blocks
// until the transfer reaches a terminal state.
func Get(address, filename string, opts ...func(*Options)) ([]byte, error) {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	raddr, err := resolve(address)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"Server": raddr.String(),
		"File":   filename,
	}).Info("Requesting file")

	result := &collector{}
	sock, err := session.RequestRead(raddr, filename, options.Mode, result, options.sessionConfig())
	if err != nil {
		return nil, err
	}
	sock.Wait()

	if result.err != nil {
		return nil, result.err
	}
	return result.buf.Bytes(), nil
}

// Put uploads data as filename to the server at address. It blocks until
// the transfer reaches a terminal state.
func Put(address, filename string, data []byte, opts ...func(*Options)) error {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	raddr, err := resolve(address)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"Server": raddr.String(),
		"File":   filename,
		"Size":   len(data),
	}).Info("Sending file")

	result := &collector{}
	sock, err := session.RequestWrite(raddr, filename, options.Mode, data, result, options.sessionConfig())
	if err != nil {
		return err
	}
	sock.Wait()

	return result.err
}

// resolve parses address, defaulting to the well-known TFTP port when none
// is given.
func resolve(address string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(common.DefaultPort))
	}
	return net.ResolveUDPAddr("udp", address)
}

// collector assembles the transfer result. It is only touched from the
// socket's event loop; Wait establishes the ordering that makes reading it
// afterwards safe.
type collector struct {
	buf bytes.Buffer
	err error
}

func (c *collector) OnBlock(payload []byte) {
	c.buf.Write(payload)
}

func (c *collector) OnComplete() {}

func (c *collector) OnFailed(msg string) {
	c.err = errors.New(msg)
}
