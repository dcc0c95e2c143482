package remoting

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// authTokenSize is the fixed size of the opaque pre-handshake blob (spec
// §4.6/§6): byte 0 is the channel role, bytes 1..4 are the little-endian
// connectionIdentifier, the rest is reserved. The "authentication" here is
// exactly the spec's already-opaque placeholder, not a real auth system
// (Non-goals: transport security).
const authTokenSize = 100

const (
	roleByte uint8 = iota
	rolePrimary
	roleReverse
)

// authenticationSucceededToken is the int32 the acceptor writes back on the
// primary channel once it has accepted the connection (spec §6).
const authenticationSucceededToken int32 = 0x41535300 // arbitrary fixed marker, "ASS\0"

func buildAuthToken(role uint8, connIdent uint32) []byte {
	b := make([]byte, authTokenSize)
	b[0] = role
	binary.LittleEndian.PutUint32(b[1:5], connIdent)
	return b
}

func parseAuthToken(b []byte) (role uint8, connIdent uint32, ok bool) {
	if len(b) != authTokenSize {
		return 0, 0, false
	}
	return b[0], binary.LittleEndian.Uint32(b[1:5]), true
}

// ClientConfig configures the initiator side of a bootstrap session,
// grounded on share/client.go's Config (host/port, retry policy, log
// level).
type ClientConfig struct {
	Host string
	Port int

	MaxRetryCount    int           // -1 = unlimited, matching the teacher's convention
	MaxRetryInterval time.Duration

	LogLevel LogLevel

	// ExitOnPrimaryLoss causes the process to call os.Exit if the primary
	// channel is lost (spec §7's "optional flag").
	ExitOnPrimaryLoss bool

	// Types, if set, lets this side's reverse-channel dispatcher (the
	// callback path, spec §4.6 step 7) resolve CreateInstance/
	// CreateInstanceWithDefaultCtor requests from the peer, and lets proxies
	// decoded on this side classify their shape (spec §4.3/§9).
	Types *TypeRegistry

	// Services, if set, lets this side's reverse-channel dispatcher resolve
	// RequestServiceReference requests from the peer.
	Services *ServiceContainer

	// KeepAliveInterval, if positive, starts a background zero-length
	// GcCleanup probe on the primary channel at that cadence (spec §5's
	// long-lived idle connections). Zero disables it.
	KeepAliveInterval time.Duration
}

// ServerConfig configures the acceptor side, grounded on share/server.go's
// ProxyServerConfig.
type ServerConfig struct {
	BindAddr string

	LogLevel LogLevel

	ExitOnPrimaryLoss bool

	// ReverseChannelTimeout bounds how long OpenReverseChannel will wait for
	// its matching pre-accepted reverse socket before failing with
	// ConnectionLost, resolving the spec's Open Question in favor of a
	// bounded deadline over the source's infinite wait. Zero means no
	// timeout (the original's documented behavior).
	ReverseChannelTimeout time.Duration

	// Types, if set, lets the primary dispatcher resolve CreateInstance/
	// CreateInstanceWithDefaultCtor requests from clients, and lets proxies
	// decoded on this side classify their shape (spec §4.3/§9).
	Types *TypeRegistry

	// Services, if set, lets the primary dispatcher resolve
	// RequestServiceReference requests from clients.
	Services *ServiceContainer

	// KeepAliveInterval, if positive, starts a background zero-length
	// GcCleanup probe on the reverse channel at that cadence once it is
	// established. Zero disables it.
	KeepAliveInterval time.Duration
}

// Session is an established bootstrap session: a primary stream carrying
// normal calls plus a reverse stream carrying callbacks, each with its own
// ClientInterceptor/ServerDispatcher pair per spec §4.6 steps 6-7.
type Session struct {
	Logger

	Own  InstanceIdentifier
	Peer InstanceIdentifier

	IM *InstanceManager

	Primary        StreamConn
	PrimaryDialer  *ClientInterceptor // outbound calls FROM this side TO the peer
	PrimaryReceive *ServerDispatcher  // inbound calls FROM the peer, on a server

	Reverse        StreamConn
	ReverseDialer  *ClientInterceptor // outbound calls toward the peer over the reverse stream (server's callback path)
	ReverseReceive *ServerDispatcher  // inbound calls over the reverse stream (client's callback path)
}

// DialClient performs the initiator side of spec §4.6: opens the primary
// stream, exchanges instance identifiers, opens the reverse stream, and
// requests the peer open its end of the reverse channel. im is shared with
// the caller so locally-created objects already registered there can be
// marshalled across this session.
func DialClient(ctx context.Context, logger Logger, cfg ClientConfig, im *InstanceManager) (*Session, error) {
	addr := net.JoinHostPort(cfg.Host, portString(cfg.Port))

	var primaryNetConn net.Conn
	var lastErr error
	b := &backoff.Backoff{Max: cfg.MaxRetryInterval}
	for attempt := 0; ; attempt++ {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			primaryNetConn = conn
			break
		}
		lastErr = err
		if cfg.MaxRetryCount >= 0 && attempt >= cfg.MaxRetryCount {
			return nil, newErr(ConnectionLost, lastErr, "dial %s failed after %d attempts", addr, attempt+1)
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, newErr(ConnectionLost, ctx.Err(), "dial %s cancelled", addr)
		}
	}

	ownID := OwnInstanceIdentifier()
	connIdent := connectionIdentifierUint32(string(ownID))

	primary := NewSocketConn(logger.Fork("primary"), primaryNetConn)
	fw := NewFrameWriter(primary)
	fr := NewFrameReader(primary)

	if _, err := primary.Write(buildAuthToken(rolePrimary, connIdent)); err != nil {
		return nil, newErr(ConnectionLost, err, "writing primary auth token")
	}
	if err := fw.WriteString(string(ownID)); err != nil {
		return nil, newErr(ConnectionLost, err, "writing initiator instance id")
	}
	if err := fw.Flush(); err != nil {
		return nil, newErr(ConnectionLost, err, "flushing primary handshake")
	}
	succeeded, err := fr.ReadInt32()
	if err != nil {
		return nil, newErr(ConnectionLost, err, "reading authentication reply")
	}
	if succeeded != authenticationSucceededToken {
		return nil, newErr(ProtocolError, nil, "unexpected authentication reply token %d", succeeded)
	}
	peerIDStr, err := fr.ReadString()
	if err != nil {
		return nil, newErr(ConnectionLost, err, "reading peer instance id")
	}
	peerID := InstanceIdentifier(peerIDStr)

	var reverseNetConn net.Conn
	var dialer net.Dialer
	reverseNetConn, err = dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newErr(ConnectionLost, err, "dialing reverse channel")
	}
	reverse := NewSocketConn(logger.Fork("reverse"), reverseNetConn)
	if _, err := reverse.Write(buildAuthToken(roleReverse, connIdent)); err != nil {
		return nil, newErr(ConnectionLost, err, "writing reverse auth token")
	}

	localAddr := primaryNetConn.LocalAddr().(*net.TCPAddr)
	if err := sendOpenReverseChannel(fw, localAddr.IP.String(), localAddr.Port, string(ownID), connIdent); err != nil {
		return nil, err
	}

	sess := &Session{
		Logger:  logger.Fork("Session"),
		Own:     ownID,
		Peer:    peerID,
		IM:      im,
		Primary: primary,
		Reverse: reverse,
	}
	sess.PrimaryDialer = NewClientInterceptor(logger, primary, im)
	sess.PrimaryDialer.Types = cfg.Types
	sess.PrimaryDialer.StartKeepAlive(cfg.KeepAliveInterval)
	if cfg.ExitOnPrimaryLoss {
		go func() {
			<-sess.PrimaryDialer.ShutdownDoneChan()
			os.Exit(1)
		}()
	}
	sess.ReverseReceive = NewServerDispatcher(logger, reverse, im)
	sess.ReverseReceive.Types = cfg.Types
	sess.ReverseReceive.Services = cfg.Services
	// Objects the server passes back to the client inside a reverse-channel
	// request (a callback-of-a-callback) need a bound interceptor of their
	// own to be invocable; the only outgoing path back to the server from
	// this side is the primary channel, so bind that directly rather than
	// waiting on a second reverse channel the protocol never opens.
	sess.ReverseReceive.setCallbackInterceptor(sess.PrimaryDialer)
	return sess, nil
}

func sendOpenReverseChannel(fw *FrameWriter, ip string, port int, instanceID string, connIdent uint32) error {
	if err := fw.WriteHeader(Header{Function: FuncOpenReverseChannel}); err != nil {
		return err
	}
	if err := fw.WriteString(ip); err != nil {
		return err
	}
	if err := fw.WriteString(portString(port)); err != nil {
		return err
	}
	if err := fw.WriteString(instanceID); err != nil {
		return err
	}
	if err := fw.WriteUint32(connIdent); err != nil {
		return err
	}
	return fw.Flush()
}

func portString(port int) string {
	return strconv.Itoa(port)
}

// Listener is the acceptor side of spec §4.6: accepts both primary and
// reverse sockets on one bound address, routing each to the right session
// by connectionIdentifier.
type Listener struct {
	Logger

	ln  net.Listener
	cfg ServerConfig
	im  *InstanceManager

	pendingLock sync.Mutex
	pending     map[uint32]net.Conn

	// OnPrimarySession is called for every accepted primary connection, once
	// the handshake has completed and its Session is ready.
	OnPrimarySession func(*Session)
}

// Listen binds cfg.BindAddr and begins accepting both primary and reverse
// sockets.
func Listen(logger Logger, cfg ServerConfig, im *InstanceManager) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, newErr(ConnectionLost, err, "listen %s failed", cfg.BindAddr)
	}
	l := &Listener{
		Logger:  logger.Fork("Listener"),
		ln:      ln,
		cfg:     cfg,
		im:      im,
		pending: map[uint32]net.Conn{},
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.ELogf("accept failed, stopping: %s", err)
			return
		}
		go l.handleAccepted(conn)
	}
}

func (l *Listener) handleAccepted(netConn net.Conn) {
	tokenBuf := make([]byte, authTokenSize)
	if _, err := io.ReadFull(netConn, tokenBuf); err != nil {
		l.ELogf("reading auth token: %s", err)
		netConn.Close()
		return
	}
	role, connIdent, ok := parseAuthToken(tokenBuf)
	if !ok {
		l.ELogf("malformed auth token")
		netConn.Close()
		return
	}

	switch role {
	case rolePrimary:
		l.handlePrimary(netConn, connIdent)
	case roleReverse:
		l.pendingLock.Lock()
		l.pending[connIdent] = netConn
		l.pendingLock.Unlock()
	default:
		l.ELogf("unknown channel role %d", role)
		netConn.Close()
	}
}

func (l *Listener) handlePrimary(netConn net.Conn, connIdent uint32) {
	conn := NewSocketConn(l.Logger.Fork("primary"), netConn)
	fr := NewFrameReader(conn)
	fw := NewFrameWriter(conn)

	initiatorIDStr, err := fr.ReadString()
	if err != nil {
		l.ELogf("reading initiator instance id: %s", err)
		conn.Close()
		return
	}

	if err := fw.WriteInt32(authenticationSucceededToken); err != nil {
		l.ELogf("writing auth success: %s", err)
		conn.Close()
		return
	}
	if err := fw.WriteString(string(OwnInstanceIdentifier())); err != nil {
		l.ELogf("writing own instance id: %s", err)
		conn.Close()
		return
	}
	if err := fw.Flush(); err != nil {
		l.ELogf("flushing handshake reply: %s", err)
		conn.Close()
		return
	}

	sess := &Session{
		Logger:  l.Logger.Fork("Session(%s)", initiatorIDStr),
		Own:     OwnInstanceIdentifier(),
		Peer:    InstanceIdentifier(initiatorIDStr),
		IM:      l.im,
		Primary: conn,
	}
	sess.PrimaryReceive = NewServerDispatcher(l.Logger, conn, l.im)
	sess.PrimaryReceive.Types = l.cfg.Types
	sess.PrimaryReceive.Services = l.cfg.Services
	sess.PrimaryReceive.ReverseChannelWaiter = &reverseChannelWaiter{listener: l, session: sess}
	if l.cfg.ExitOnPrimaryLoss {
		go func() {
			<-sess.PrimaryReceive.ShutdownDoneChan()
			os.Exit(1)
		}()
	}

	if l.OnPrimarySession != nil {
		l.OnPrimarySession(sess)
	}
}

// reverseChannelWaiter adapts Listener's pending-socket map to the
// dispatcher.ReverseChannelWaiter interface, binding the resulting
// ClientInterceptor into sess once matched.
type reverseChannelWaiter struct {
	listener *Listener
	session  *Session
}

func (w *reverseChannelWaiter) WaitReverseChannel(connIdent uint32) (*ClientInterceptor, error) {
	deadline := time.Time{}
	if w.listener.cfg.ReverseChannelTimeout > 0 {
		deadline = time.Now().Add(w.listener.cfg.ReverseChannelTimeout)
	}
	for {
		w.listener.pendingLock.Lock()
		netConn, ok := w.listener.pending[connIdent]
		if ok {
			delete(w.listener.pending, connIdent)
		}
		w.listener.pendingLock.Unlock()
		if ok {
			conn := NewSocketConn(w.listener.Logger.Fork("reverse"), netConn)
			w.session.Reverse = conn
			w.session.ReverseDialer = NewClientInterceptor(w.listener.Logger, conn, w.listener.im)
			w.session.ReverseDialer.Types = w.listener.cfg.Types
			w.session.ReverseDialer.StartKeepAlive(w.listener.cfg.KeepAliveInterval)
			return w.session.ReverseDialer, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, newErr(ConnectionLost, nil, "timed out waiting for reverse channel %d", connIdent)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
