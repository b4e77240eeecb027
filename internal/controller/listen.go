package controller

import (
	"context"
	"net"

	"github.com/bluechi-go/bluechi/internal/transport"
)

// Serve runs the Controller's Agent-facing listeners (TCP and/or UDS,
// spec §4.1 "Three concurrent acceptors") until ctx is cancelled. Each
// accepted connection becomes an anonymous NodeHandle via AcceptConn.
func (c *ControllerCore) Serve(ctx context.Context) error {
	var listeners []net.Listener

	if c.cfg.ListenTCP != "" {
		ln, err := transport.ListenTCP(c.cfg.ListenTCP, c.cfg.TCPKeepAlive)
		if err != nil {
			return err
		}
		listeners = append(listeners, ln)
	}
	if c.cfg.ListenUDS != "" {
		ln, err := transport.ListenUnix(c.cfg.ListenUDS)
		if err != nil {
			closeAll(listeners)
			return err
		}
		listeners = append(listeners, ln)
	}

	for _, ln := range listeners {
		go c.acceptLoop(ctx, ln)
	}

	clientErrCh := make(chan error, 1)
	go func() { clientErrCh <- c.clientAPI.ListenAndServe() }()

	select {
	case <-ctx.Done():
		closeAll(listeners)
		c.clientAPI.Close()
		return ctx.Err()
	case err := <-clientErrCh:
		closeAll(listeners)
		return err
	}
}

func (c *ControllerCore) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				c.log.Printf("accept on %s failed: %v", ln.Addr(), err)
				return
			}
		}
		peer := transport.NewAcceptedPeer(conn, c.log)
		c.AcceptConn(peer, remoteIP(conn))
	}
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func closeAll(lns []net.Listener) {
	for _, ln := range lns {
		ln.Close()
	}
}
