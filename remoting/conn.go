package remoting

import (
	"fmt"
	"io"
	"sync/atomic"
)

// StreamConn is a byte-counted, cleanly-shutdownable bidirectional stream:
// the primary or reverse TCP socket of a bootstrap session (see bootstrap.go),
// or the in-memory pipe a test substitutes for one (see testpipe.go). The wire
// codec (wire.go) is written entirely against this interface so it never knows
// whether it is talking to a real socket or a test double.
type StreamConn interface {
	io.ReadWriteCloser
	WriteHalfCloser
	AsyncShutdowner

	// WaitForClose blocks until Close has been called and has completed.
	WaitForClose() error

	// NumBytesRead returns the number of bytes read so far.
	NumBytesRead() int64
	// NumBytesWritten returns the number of bytes written so far.
	NumBytesWritten() int64
}

var nextStreamConnID int32

// allocStreamConnID allocates a unique StreamConn id, for logging purposes.
func allocStreamConnID() int32 {
	return atomic.AddInt32(&nextStreamConnID, 1)
}

// BasicStreamConn is the common byte-counting, lifecycle-managed base for
// StreamConn implementations.
type BasicStreamConn struct {
	ShutdownHelper
	id              int32
	name            string
	numBytesRead    int64
	numBytesWritten int64
}

// InitBasicStreamConn initializes the BasicStreamConn portion of a new
// connection object.
func (c *BasicStreamConn) InitBasicStreamConn(logger Logger, shutdownHandler OnceShutdownHandler, namef string, args ...interface{}) {
	c.id = allocStreamConnID()
	c.name = fmt.Sprintf("[%d]", c.id) + fmt.Sprintf(namef, args...)
	c.InitShutdownHelper(logger.Fork("%s", c.name), shutdownHandler)
}

func (c *BasicStreamConn) NumBytesRead() int64    { return atomic.LoadInt64(&c.numBytesRead) }
func (c *BasicStreamConn) NumBytesWritten() int64 { return atomic.LoadInt64(&c.numBytesWritten) }

func (c *BasicStreamConn) String() string { return c.name }
