package agent

import (
	"context"

	"github.com/bluechi-go/bluechi/internal/transport"
)

// Serve starts the Agent's host-local client bus listener (spec §4.3
// connection (b)) if configured, and blocks until ctx is cancelled.
// Call alongside Run, which owns the peer-connection and systemd
// plumbing; this only owns the local API's accept loop.
func (a *AgentCore) Serve(ctx context.Context) error {
	if a.cfg.ClientListenUDS == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ln, err := transport.ListenUnix(a.cfg.ClientListenUDS)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.localAPI.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		ln.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
