package remoting

import (
	"bufio"
	"encoding/binary"
	"io"
	"unicode/utf16"
)

// Function identifies the kind of a Header on the wire.
type Function int32

const (
	FuncMethodCall Function = iota
	FuncMethodReply
	FuncCreateInstance
	FuncCreateInstanceWithDefaultCtor
	FuncRequestServiceReference
	FuncExceptionReturn
	FuncOpenReverseChannel
	FuncClientDisconnecting
	FuncGcCleanup
	FuncLoadClientAssemblyIntoServer
	FuncServerShuttingDown
	FuncShutdownServer
)

func (f Function) String() string {
	names := [...]string{
		"MethodCall", "MethodReply", "CreateInstance", "CreateInstanceWithDefaultCtor",
		"RequestServiceReference", "ExceptionReturn", "OpenReverseChannel",
		"ClientDisconnecting", "GcCleanup", "LoadClientAssemblyIntoServer",
		"ServerShuttingDown", "ShutdownServer",
	}
	if f < 0 || int(f) >= len(names) {
		return "Function(?)"
	}
	return names[f]
}

// IsControl reports whether f is handled inline by the dispatcher's reader
// goroutine rather than dispatched to a worker (spec §4.5 step 1).
func (f Function) IsControl() bool {
	switch f {
	case FuncOpenReverseChannel, FuncClientDisconnecting, FuncLoadClientAssemblyIntoServer,
		FuncGcCleanup, FuncShutdownServer:
		return true
	default:
		return false
	}
}

// Header is the fixed leading pair of every frame.
type Header struct {
	Function Function
	Sequence uint32
}

// RefType tags a marshalled argument's wire representation — the 10-rule
// classification from the message handler lands in exactly one of these.
type RefType int32

const (
	RefNullPointer RefType = iota
	RefSerializedItem
	RefRemoteReference
	RefInstanceOfSystemType
	RefArrayOfSystemType
	RefContainerType
	RefIpAddress
	RefMethodPointer
)

func (t RefType) String() string {
	names := [...]string{
		"NullPointer", "SerializedItem", "RemoteReference", "InstanceOfSystemType",
		"ArrayOfSystemType", "ContainerType", "IpAddress", "MethodPointer",
	}
	if t < 0 || int(t) >= len(names) {
		return "RefType(?)"
	}
	return names[t]
}

// FrameWriter serializes primitives onto an underlying byte stream. Built on
// a bufio.Writer over the connection's StreamConn, grounded on
// socket_conn.go's byte-counted net.Conn wrapper: the stream itself counts
// bytes, FrameWriter only knows how to lay them out.
type FrameWriter struct {
	w *bufio.Writer
}

// NewFrameWriter wraps w for frame writing. Callers must call Flush after a
// complete frame (the client interceptor and server dispatcher do this while
// still holding the stream's writer mutex, per spec §5's "frames on the wire
// are never interleaved").
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

func (fw *FrameWriter) Flush() error {
	return fw.w.Flush()
}

func (fw *FrameWriter) WriteInt32(v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	_, err := fw.w.Write(b[:])
	return err
}

func (fw *FrameWriter) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := fw.w.Write(b[:])
	return err
}

func (fw *FrameWriter) WriteInt64(v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := fw.w.Write(b[:])
	return err
}

func (fw *FrameWriter) WriteBytes(b []byte) error {
	if err := fw.WriteInt32(int32(len(b))); err != nil {
		return err
	}
	_, err := fw.w.Write(b)
	return err
}

// WriteString writes a length-prefixed UTF-16LE string, per spec §4.1/§6.
func (fw *FrameWriter) WriteString(s string) error {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return fw.WriteBytes(buf)
}

func (fw *FrameWriter) WriteHeader(h Header) error {
	if err := fw.WriteInt32(int32(h.Function)); err != nil {
		return err
	}
	return fw.WriteUint32(h.Sequence)
}

// FrameReader is FrameWriter's dual.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

func (fr *FrameReader) ReadInt32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(fr.r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func (fr *FrameReader) ReadUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(fr.r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (fr *FrameReader) ReadInt64() (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(fr.r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func (fr *FrameReader) ReadBytes() ([]byte, error) {
	n, err := fr.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, newErr(ProtocolError, nil, "negative length prefix %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fr *FrameReader) ReadString() (string, error) {
	buf, err := fr.ReadBytes()
	if err != nil {
		return "", err
	}
	if len(buf)%2 != 0 {
		return "", newErr(ProtocolError, nil, "odd-length UTF-16 byte blob (%d bytes)", len(buf))
	}
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

func (fr *FrameReader) ReadHeader() (Header, error) {
	fn, err := fr.ReadInt32()
	if err != nil {
		return Header{}, err
	}
	seq, err := fr.ReadUint32()
	if err != nil {
		return Header{}, err
	}
	return Header{Function: Function(fn), Sequence: seq}, nil
}

func (fr *FrameReader) ReadRefType() (RefType, error) {
	v, err := fr.ReadInt32()
	if err != nil {
		return 0, err
	}
	if v < 0 || v > int32(RefMethodPointer) {
		return 0, newErr(ProtocolError, nil, "tag byte %d outside RemotingReferenceType range", v)
	}
	return RefType(v), nil
}
