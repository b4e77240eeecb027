package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientCodec := NewCodec(client)
	serverCodec := NewCodec(server)

	sent := NewRequest(KindRegister, 1, &RegisterArgs{Name: "node1"})

	done := make(chan error, 1)
	go func() { done <- clientCodec.WriteEnvelope(sent) }()

	got, err := serverCodec.ReadEnvelope()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, KindRegister, got.Kind)
	assert.Equal(t, uint64(1), got.ID)
	assert.True(t, got.IsRequest())

	var args RegisterArgs
	require.NoError(t, got.Decode(&args))
	assert.Equal(t, "node1", args.Name)
}

func TestCodecReplyWithError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientCodec := NewCodec(client)
	serverCodec := NewCodec(server)

	reply := NewReply(7, nil, NewError(ErrServiceUnknown, "node %q not configured", "ghost"))

	done := make(chan error, 1)
	go func() { done <- serverCodec.WriteEnvelope(reply) }()

	got, err := clientCodec.ReadEnvelope()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.True(t, got.IsReply())
	require.NotNil(t, got.Err)
	assert.Equal(t, ErrServiceUnknown, got.Err.Code)
}

func TestCodecOversizedFrameRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serverCodec := NewCodec(server)

	go func() {
		hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF}
		client.Write(hdr)
	}()

	_, err := serverCodec.ReadEnvelope()
	assert.Error(t, err)
}
