package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// WebSocket transport constants.
const (
	wsPath        = "/chat"
	wsSubprotocol = "glasschat/1"
	wsReadLimit   = 1 << 20
)

// wsListener serves a WebSocket endpoint and surfaces each upgraded
// connection as a net.Conn carrying the framed protocol.
type wsListener struct {
	ln     net.Listener
	server *http.Server
	conns  chan net.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func listenWebSocket(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws listen on %s: %w", addr, err)
	}

	l := &wsListener{
		ln:    ln,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.handleUpgrade)
	l.server = &http.Server{Handler: mux}

	go l.server.Serve(ln)

	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	c.SetReadLimit(wsReadLimit)

	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *wsListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return l.server.Close()
}

func dialWebSocket(ctx context.Context, addr string) (net.Conn, error) {
	url := fmt.Sprintf("ws://%s%s", addr, wsPath)
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	c.SetReadLimit(wsReadLimit)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}
