package mux

import (
	"bytes"
	"net"
	"testing"
)

func TestConnTransport_Framing(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewConnTransport(c1)
	b := NewConnTransport(c2)
	defer a.Close()
	defer b.Close()

	payloads := [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 70000), // larger than one prefix byte can express
	}

	go func() {
		for _, p := range payloads {
			if err := a.Send(p); err != nil {
				return
			}
		}
	}()

	for i, want := range payloads {
		got, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestConnTransport_RecvAfterClose(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewConnTransport(c1)
	b := NewConnTransport(c2)

	a.Close()
	if _, err := b.Recv(); err == nil {
		t.Error("Recv on a closed peer should fail")
	}
	b.Close()
}

func TestPipeTransport_RoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("got %q, want ping", got)
	}

	if err := b.Send([]byte("pong")); err != nil {
		t.Fatalf("Send back: %v", err)
	}
	back, err := a.Recv()
	if err != nil {
		t.Fatalf("Recv back: %v", err)
	}
	if string(back) != "pong" {
		t.Errorf("got %q, want pong", back)
	}
}

func TestPipeTransport_CloseUnblocksRecv(t *testing.T) {
	a, b := Pipe()

	errc := make(chan error, 1)
	go func() {
		_, err := b.Recv()
		errc <- err
	}()

	a.Close()
	if err := <-errc; err == nil {
		t.Error("Recv should fail once the peer closes")
	}
	b.Close()
}
