package transport

import (
	"net"
	"os"
	"time"
)

// KeepAliveListener wraps a *net.TCPListener to tune keepalive on
// every accepted connection, a parameterized copy of
// server/shutdown.go's tcpGracefulListener (itself copied from
// net/http.tcpKeepAliveListener to gain access to TCPListener.Close).
type KeepAliveListener struct {
	*net.TCPListener
	Period time.Duration
}

// Accept accepts the next connection and enables TCP keepalive on it.
func (ln KeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(ln.Period)
	return tc, nil
}

// ListenTCP opens a KeepAliveListener on addr.
func ListenTCP(addr string, keepAlive time.Duration) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return KeepAliveListener{TCPListener: ln.(*net.TCPListener), Period: keepAlive}, nil
}

// ListenUnix opens a unix-domain socket listener at path, removing any
// stale socket file left behind by a previous, uncleanly-terminated run.
func ListenUnix(path string) (net.Listener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	return net.Listen("unix", path)
}

func removeStaleSocket(path string) error {
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close()
		return nil // another process is actually listening; let Listen fail naturally
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil // nothing there to clean up
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return nil
}
