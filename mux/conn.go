package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// maxFrameSize bounds a single length-prefixed frame.
const maxFrameSize = 64 * 1024 * 1024 // 64MB

// ErrFrameTooLarge is returned for frames exceeding maxFrameSize.
var ErrFrameTooLarge = errors.New("mux: frame exceeds size limit")

// ConnTransport carries envelopes over a net.Conn as 4-byte big-endian
// length-prefixed frames.
type ConnTransport struct {
	conn    net.Conn
	writeMu sync.Mutex
	header  [4]byte
	closed  atomic.Bool
}

// NewConnTransport wraps an established connection.
func NewConnTransport(conn net.Conn) *ConnTransport {
	return &ConnTransport{conn: conn}
}

// Dial connects to a listening peer over TCP.
func Dial(ctx context.Context, addr string) (*ConnTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mux: dial %s: %w", addr, err)
	}
	return NewConnTransport(conn), nil
}

// Send writes one length-prefixed frame.
func (t *ConnTransport) Send(data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(data) > maxFrameSize {
		return ErrFrameTooLarge
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := t.conn.Write(header[:]); err != nil {
		return fmt.Errorf("mux: write header: %w", err)
	}
	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("mux: write frame: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed frame.
func (t *ConnTransport) Recv() ([]byte, error) {
	if _, err := io.ReadFull(t.conn, t.header[:]); err != nil {
		if t.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("mux: read header: %w", err)
	}
	size := binary.BigEndian.Uint32(t.header[:])
	if size == 0 || size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(t.conn, data); err != nil {
		return nil, fmt.Errorf("mux: read frame: %w", err)
	}
	return data, nil
}

// Close closes the underlying connection. Idempotent.
func (t *ConnTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
