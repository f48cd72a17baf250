package mux

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// The gRPC transport carries envelopes over one bidirectional stream. The
// service is registered by hand with a passthrough codec: envelopes are
// already CBOR, so there is no protobuf message layer to generate.

// rawFrame is the unit the passthrough codec moves.
type rawFrame struct {
	data []byte
}

// rawCodec passes frame bytes through unmodified.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("mux: raw codec cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("mux: raw codec cannot unmarshal into %T", v)
	}
	f.data = data
	return nil
}

func (rawCodec) Name() string { return "farlink-raw" }

const linkMethod = "/farlink.Tunnel/Link"

var linkStreamDesc = grpc.StreamDesc{
	StreamName:    "Link",
	Handler:       linkHandler,
	ServerStreams: true,
	ClientStreams: true,
}

// linkService is the registration target for the hand-built service desc.
type linkService struct {
	accept chan *GRPCTransport
}

var tunnelServiceDesc = grpc.ServiceDesc{
	ServiceName: "farlink.Tunnel",
	HandlerType: (*linkService)(nil),
	Streams:     []grpc.StreamDesc{linkStreamDesc},
	Metadata:    "farlink",
}

// grpcStream is the send/recv surface shared by client and server streams.
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// GRPCTransport adapts one bidirectional gRPC stream to the Transport
// interface.
type GRPCTransport struct {
	stream grpcStream
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// Send writes one envelope frame onto the stream.
func (t *GRPCTransport) Send(data []byte) error {
	if err := t.stream.SendMsg(&rawFrame{data: data}); err != nil {
		return fmt.Errorf("mux: grpc send: %w", err)
	}
	return nil
}

// Recv reads the next envelope frame from the stream.
func (t *GRPCTransport) Recv() ([]byte, error) {
	var f rawFrame
	if err := t.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.data, nil
}

// Close tears the stream down. Idempotent. On the server side this
// releases the handler goroutine.
func (t *GRPCTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	close(t.done)
	return nil
}

// DialGRPC opens a tunnel stream to a listening peer.
func DialGRPC(ctx context.Context, addr string) (*GRPCTransport, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("mux: grpc dial %s: %w", addr, err)
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &linkStreamDesc, linkMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("mux: grpc stream: %w", err)
	}
	t := &GRPCTransport{
		stream: stream,
		done:   make(chan struct{}),
	}
	t.cancel = func() {
		cancel()
		conn.Close()
	}
	return t, nil
}

// GRPCServer accepts tunnel streams from dialing peers.
type GRPCServer struct {
	srv     *grpc.Server
	service *linkService
}

// ServeGRPC starts a tunnel server on the listener. Each peer stream is
// delivered on Accept.
func ServeGRPC(lis net.Listener) *GRPCServer {
	service := &linkService{accept: make(chan *GRPCTransport, 16)}
	srv := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	srv.RegisterService(&tunnelServiceDesc, service)
	go srv.Serve(lis)
	return &GRPCServer{srv: srv, service: service}
}

// Accept yields one transport per connected peer.
func (s *GRPCServer) Accept() <-chan *GRPCTransport {
	return s.service.accept
}

// Stop shuts the server down.
func (s *GRPCServer) Stop() {
	s.srv.Stop()
	close(s.service.accept)
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	service, ok := srv.(*linkService)
	if !ok {
		return fmt.Errorf("mux: unexpected service type %T", srv)
	}
	t := &GRPCTransport{
		stream: stream,
		done:   make(chan struct{}),
	}
	service.accept <- t
	// Returning ends the stream, so hold the handler open until the
	// transport is closed or the peer goes away.
	select {
	case <-t.done:
	case <-stream.Context().Done():
	}
	return nil
}
