// Package clientbus is the websocket-based bus client processes speak:
// bluechictl and bluechi-proxy connect to the Controller's public
// fleet API over it, and pkg/client's Monitor connects to either the
// Controller or an Agent's local host-client bus the same way.
// Grounded on server/session.go's Session: a *websocket.Conn paired
// with a buffered, timeout-guarded send channel and two pump
// goroutines (read loop feeding a dispatcher, write loop draining the
// send channel), wrapped by gorilla/handlers' logging middleware the
// way the teacher's go.mod pulls it in for its own HTTP server.
package clientbus

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/bluechi-go/bluechi/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	queueSendDelay = 50 * time.Millisecond
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one client's websocket connection to a bus. Its Handle
// callback is invoked once per inbound message on the read pump's
// goroutine, mirroring Session.dispatchRaw.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	// Handle is called with each decoded inbound frame. Set before
	// starting the pumps.
	Handle func(raw []byte)
	// OnClose is called once, when the read pump exits, after the
	// connection has been closed.
	OnClose func()

	log *logging.Logger
}

func newConn(ws *websocket.Conn, log *logging.Logger) *Conn {
	return &Conn{ws: ws, send: make(chan []byte, sendBufferSize), log: log}
}

// Send enqueues a message for the write pump, matching
// Session.queueOutBytes's bounded-wait-then-drop semantics: a slow or
// wedged client must never block the sender (Controller's single
// event loop goroutine) indefinitely.
func (c *Conn) Send(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Printf("marshal outbound message: %v", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-time.After(queueSendDelay):
		c.log.Printf("send queue full, dropping message")
		return false
	}
}

// Close closes the underlying websocket; idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.Close()
}

func (c *Conn) readPump() {
	defer func() {
		c.Close()
		if c.OnClose != nil {
			c.OnClose()
		}
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if c.Handle != nil {
			c.Handle(raw)
		}
	}
}

func (c *Conn) writePump() {
	defer c.Close()
	for data := range c.send {
		c.ws.SetWriteDeadline(timeNow().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// timeNow is indirected only so a future test can stub it; production
// always uses the real wall clock for websocket deadlines, which don't
// take a clock abstraction upstream.
var timeNow = time.Now

// Server accepts websocket upgrades on a single HTTP path and hands
// each accepted Conn to OnConnect.
type Server struct {
	log       *logging.Logger
	OnConnect func(*Conn)

	httpSrv *http.Server
}

// NewServer builds a Server listening on addr, serving the bus on path.
func NewServer(addr, path string, log *logging.Logger) *Server {
	s := &Server{log: log}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.serveWS)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: handlers.LoggingHandler(log.Writer(), mux),
	}
	return s
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("websocket upgrade failed: %v", err)
		return
	}
	conn := newConn(ws, s.log)
	if s.OnConnect != nil {
		s.OnConnect(conn)
	}
	go conn.writePump()
	conn.readPump()
}

// ListenAndServe starts serving; blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Serve runs the server on an already-open listener, for the Agent's
// unix-domain local client bus (transport.ListenUnix's stale-socket
// cleanup applies there, unlike the TCP addr ListenAndServe dials itself).
func (s *Server) Serve(ln net.Listener) error {
	return s.httpSrv.Serve(ln)
}

// Handler returns the server's http.Handler, for use with a test
// server or an externally managed http.Server/listener.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Close gracefully stops the HTTP listener.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}

// DialClient connects to a bus server as a client, used by pkg/client.
func DialClient(url string, log *logging.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newClientConn(ws, log), nil
}

// DialUnixClient connects to a bus server listening on a unix-domain
// socket (the Agent's local API, spec §4.3 connection (b)) -- gorilla's
// default dialer only knows TCP hosts, so this points it at socketPath
// instead, the same way transport.ListenUnix stands in for the TCP
// listener on the server side.
func DialUnixClient(socketPath, urlPath string, log *logging.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) {
			return net.Dial("unix", socketPath)
		},
	}
	ws, _, err := dialer.Dial("ws://unix"+urlPath, nil)
	if err != nil {
		return nil, err
	}
	return newClientConn(ws, log), nil
}

func newClientConn(ws *websocket.Conn, log *logging.Logger) *Conn {
	conn := newConn(ws, log)
	go conn.writePump()
	go conn.readPump()
	return conn
}
