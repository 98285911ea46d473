package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bastionmp/bastion/pkg/log"
	"github.com/bastionmp/bastion/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsTransport adapts a websocket connection to the Transport interface.
// Writes are serialized by a per-connection mutex; reads happen on a single
// pump goroutine per connection.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) WriteMessage(m *protocol.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, m.Encode())
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func readPump(t *wsTransport, p *Peer) {
	defer p.Close()
	stop := make(chan struct{})
	defer close(stop)
	go pingLoop(t, pingPeriod, stop)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			continue
		}
		m, err := protocol.DecodeMessage(data)
		if err != nil {
			logger := log.WithComponent("channel")
			logger.Warn().
				Err(err).
				Str("remote", t.RemoteAddr()).
				Msg("Dropping peer: malformed frame")
			return
		}
		p.Deliver(m)
	}
}

// pingLoop pings the remote ahead of its pongWait read deadline so idle
// connections stay registered. Control frames may be written concurrently
// with data frames, so the transport write mutex is not needed here.
func pingLoop(t *wsTransport, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Dial connects to a websocket endpoint and returns the connected peer.
func Dial(ctx context.Context, url string, router *Router) (*Peer, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	t := &wsTransport{conn: conn}
	peer := NewPeer(t, router)
	go readPump(t, peer)
	return peer, nil
}

// Server accepts websocket peers on an HTTP listener.
type Server struct {
	httpServer *http.Server
	router     *Router
	onPeer     func(*Peer)
	upgrader   websocket.Upgrader
}

// NewServer builds a websocket server that dispatches every accepted peer
// through router and announces it via onPeer before the read pump starts.
func NewServer(addr, path string, router *Router, onPeer func(*Peer)) *Server {
	s := &Server{
		router: router,
		onPeer: onPeer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleUpgrade)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("channel")
		logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	t := &wsTransport{conn: conn}
	peer := NewPeer(t, s.router)
	if s.onPeer != nil {
		s.onPeer(peer)
	}
	go readPump(t, peer)
}

// ListenAndServe blocks serving connections until Shutdown or a listener
// error.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains the HTTP listener.
// Existing peers are closed by their read pumps as connections drop.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
