package remoting

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to io.ReadWriteCloser, so the wire codec
// (wire.go) can run over a websocket transport exactly as it runs over a raw
// net.Conn — it never needs to know which one it has. Grounded on the
// teacher's own websocket-tunnelled transport (share/client.go,
// share/server.go), minus the SSH layer the teacher multiplexes on top of
// it: here the websocket carries the remoting wire format directly.
type wsConn struct {
	ws   *websocket.Conn
	read bytes.Reader
	buf  []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for c.read.Len() == 0 {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = msg
		c.read.Reset(c.buf)
	}
	return c.read.Read(p)
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// DialWS opens a websocket to addr's path and wraps it as a StreamConn, for
// deployments that want the remoting protocol tunnelled through an HTTP(S)
// front end rather than spoken over a bare TCP socket.
func DialWS(logger Logger, url string) (StreamConn, error) {
	d := websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	ws, _, err := d.Dial(url, nil)
	if err != nil {
		return nil, newErr(ConnectionLost, err, "websocket dial %s failed", url)
	}
	return NewSocketConnOverReadWriteCloser(logger, newWSConn(ws)), nil
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// UpgradeWS upgrades an inbound HTTP request to a websocket and wraps it as
// a StreamConn, for the acceptor side of the websocket transport variant.
func UpgradeWS(logger Logger, w http.ResponseWriter, r *http.Request) (StreamConn, error) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, newErr(ConnectionLost, err, "websocket upgrade failed")
	}
	return NewSocketConnOverReadWriteCloser(logger, newWSConn(ws)), nil
}
