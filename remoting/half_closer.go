package remoting

// WriteHalfCloser is implemented by bidirectional streams that support
// half-closing the write side (net.TCPConn.CloseWrite and friends).
// SocketConn forwards CloseWrite to its underlying stream when that stream
// supports it, and Pipe uses it to signal end of data to each destination.
type WriteHalfCloser interface {
	CloseWrite() error
}
