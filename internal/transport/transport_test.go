package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluechi-go/bluechi/internal/clock"
	"github.com/bluechi-go/bluechi/internal/logging"
	"github.com/bluechi-go/bluechi/internal/wire"
)

func TestDialingPeerConnectsOnFirstTry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	fc := clock.NewFake()
	log := logging.New("test")
	peer, connected := NewDialingPeer("tcp", ln.Addr().String(), 10*time.Millisecond, time.Second, fc, log)
	defer peer.Close()

	select {
	case codec := <-connected:
		assert.NotNil(t, codec)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}

	conn := <-accepted
	conn.Close()
	assert.Equal(t, StateConnected, peer.State())
}

func TestPeerSendAfterCloseFails(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	peer := NewAcceptedPeer(client, logging.New("test"))
	peer.MarkDisconnected()

	err := peer.Send(nil, wire.NewSignal(wire.KindHeartbeat, nil))
	assert.Error(t, err)
}
