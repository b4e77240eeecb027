package clientbus

import (
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluechi-go/bluechi/internal/logging"
)

func TestServerEchoesToClient(t *testing.T) {
	log := logging.New("test")

	var mu sync.Mutex
	var serverConn *Conn
	connected := make(chan struct{})

	srv := NewServer("", "/bus", log)
	srv.OnConnect = func(c *Conn) {
		mu.Lock()
		serverConn = c
		mu.Unlock()
		close(connected)
		c.Handle = func(raw []byte) {
			c.Send(map[string]string{"echo": string(raw)})
		}
	}

	mux := httptest.NewServer(srv.Handler())
	defer mux.Close()

	wsURL := "ws" + strings.TrimPrefix(mux.URL, "http") + "/bus"
	client, err := DialClient(wsURL, log)
	require.NoError(t, err)
	defer client.Close()

	received := make(chan string, 1)
	client.Handle = func(raw []byte) { received <- string(raw) }

	ok := client.Send(map[string]string{"hello": "world"})
	assert.True(t, ok)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw connection")
	}

	select {
	case msg := <-received:
		assert.Contains(t, msg, "echo")
	case <-time.After(2 * time.Second):
		t.Fatal("client never received echo")
	}
}

func TestDialUnixClientEchoes(t *testing.T) {
	log := logging.New("test")

	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	connected := make(chan struct{})
	srv := NewServer("", "/bluechi/agent", log)
	srv.OnConnect = func(c *Conn) {
		close(connected)
		c.Handle = func(raw []byte) {
			c.Send(map[string]string{"echo": string(raw)})
		}
	}
	go srv.Serve(ln)
	defer srv.Close()

	client, err := DialUnixClient(socketPath, "/bluechi/agent", log)
	require.NoError(t, err)
	defer client.Close()

	received := make(chan string, 1)
	client.Handle = func(raw []byte) { received <- string(raw) }

	ok := client.Send(map[string]string{"hello": "world"})
	assert.True(t, ok)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw connection")
	}

	select {
	case msg := <-received:
		assert.Contains(t, msg, "echo")
	case <-time.After(2 * time.Second):
		t.Fatal("client never received echo over unix socket")
	}
}
