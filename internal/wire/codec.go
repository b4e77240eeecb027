package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxFrameSize bounds a single envelope, guarding against a peer that
// sends a bogus length prefix and would otherwise make Decode try to
// allocate an unbounded buffer.
const maxFrameSize = 16 << 20

// Codec frames Envelopes as a 4-byte big-endian length prefix followed
// by the JSON-encoded envelope, over any net.Conn. Grounded on
// server/cluster.go's ClusterNode, which speaks gob-over-net/rpc but
// owns its conn the same single-reader/single-writer way; framing here
// is explicit instead of net/rpc's because the same conn must also
// carry half-duplex signals outside of call/reply pairs.
type Codec struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

// NewCodec wraps conn. The caller retains ownership of conn and must
// Close it; Codec.Close is a convenience that does the same.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn, r: bufio.NewReader(conn)}
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Codec) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WriteEnvelope serializes and frames env. Safe for concurrent use by
// multiple goroutines (the Agent's heartbeat ticker and its reply
// writer both write on the same conn).
func (c *Codec) WriteEnvelope(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("wire: envelope too large: %d bytes", len(body))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadEnvelope blocks until the next full frame arrives, or returns an
// error (including io.EOF on orderly close) if the conn is broken.
// Single-reader use only -- the Controller/Agent core loop owns the
// read side exclusively, the way Session.readLoop is the lone reader
// of its websocket conn.
func (c *Codec) ReadEnvelope() (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return &env, nil
}
