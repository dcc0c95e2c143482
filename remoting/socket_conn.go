package remoting

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
)

// SocketConn wraps an io.ReadWriteCloser (a net.Conn for the default raw-TCP
// transport, or a websocket connection adapter for the transport_ws.go
// variant) as a StreamConn.
type SocketConn struct {
	BasicStreamConn
	rwc io.ReadWriteCloser
}

// NewSocketConn wraps an already-connected net.Conn.
func NewSocketConn(logger Logger, netConn net.Conn) *SocketConn {
	c := &SocketConn{rwc: netConn}
	c.InitBasicStreamConn(logger, c, "SocketConn(%s)", netConn.RemoteAddr())
	return c
}

// NewSocketConnOverReadWriteCloser wraps any io.ReadWriteCloser (used by the
// websocket transport variant, which has no net.Conn to name).
func NewSocketConnOverReadWriteCloser(logger Logger, rwc io.ReadWriteCloser) *SocketConn {
	c := &SocketConn{rwc: rwc}
	c.InitBasicStreamConn(logger, c, "SocketConn(%T)", rwc)
	return c
}

// CloseWrite shuts down the write half, if the underlying stream supports it.
func (c *SocketConn) CloseWrite() error {
	whc, ok := c.rwc.(WriteHalfCloser)
	if !ok {
		c.DLogf("CloseWrite ignored: not implemented by %T", c.rwc)
		return nil
	}
	if err := whc.CloseWrite(); err != nil {
		return c.Errorf("CloseWrite failed: %s", err)
	}
	return nil
}

// HandleOnceShutdown closes the underlying stream.
func (c *SocketConn) HandleOnceShutdown(completionErr error) error {
	err := c.rwc.Close()
	if err != nil {
		err = fmt.Errorf("%s: %w", c.Prefix(), err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// WaitForClose blocks until Close has completed.
func (c *SocketConn) WaitForClose() error {
	return c.WaitShutdown()
}

func (c *SocketConn) Read(p []byte) (n int, err error) {
	n, err = c.rwc.Read(p)
	atomic.AddInt64(&c.numBytesRead, int64(n))
	return n, err
}

func (c *SocketConn) Write(p []byte) (n int, err error) {
	n, err = c.rwc.Write(p)
	atomic.AddInt64(&c.numBytesWritten, int64(n))
	return n, err
}
