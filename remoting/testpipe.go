package remoting

import (
	"github.com/prep/socketpair"
)

// NewConnectedStreamConnPair returns two StreamConn endpoints of a connected
// byte pipe, for use in tests that exercise the interceptor/dispatcher pair
// without a real listening port. Built on an actual unix socketpair rather
// than net.Pipe: net.Pipe's unbuffered, lock-step reads/writes mask reordering
// bugs that the distributed-GC and out-of-order-reply tests are specifically
// trying to catch (a Write on one end of net.Pipe blocks until the other end
// issues a matching Read, which serializes traffic the real transport would
// happily interleave).
func NewConnectedStreamConnPair(logger Logger) (a, b StreamConn, err error) {
	connA, connB, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, err
	}
	return NewSocketConn(logger.Fork("testpipe-a"), connA), NewSocketConn(logger.Fork("testpipe-b"), connB), nil
}
