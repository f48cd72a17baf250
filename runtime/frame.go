package runtime

import (
	"errors"
	"fmt"

	"github.com/farlink/farlink/mux"
	"github.com/farlink/farlink/wire"
)

// Frame is one call-scope activation. It bundles a frame context with an
// encoder, decoder, dispatcher, and RPC handler, and is keyed by a
// wire-visible frame id. Serving frames additionally remember the logical
// channel of the conversation that created them, so calls they issue back
// into the caller reuse that channel.
type Frame struct {
	id       int64
	parent   *Frame
	children map[int64]*Frame

	ctx     *Context
	enc     *Encoder
	dec     *Decoder
	disp    *Dispatcher
	virt    *Virtualizer
	handler *Handler
	rt      *Runtime

	depth int

	// Conversation channel for serving frames; zero on caller-side frames,
	// which open a fresh channel per outstanding request.
	chanPid int64
	chanSid int64

	// Local-name table populated by ingestion and exports.
	names map[string]wire.UID
}

// ID returns the frame's wire-visible id.
func (f *Frame) ID() int64 { return f.id }

// Context returns the frame's context chain head.
func (f *Frame) Context() *Context { return f.ctx }

// Encode converts a live value to a message, returning any definitions the
// conversion newly minted.
func (f *Frame) Encode(v any) (*wire.Message, []*wire.Message, error) {
	var defs []*wire.Message
	m, err := f.enc.Encode(v, f.depth, nil, &defs)
	if err != nil {
		return nil, nil, err
	}
	return m, defs, nil
}

// Decode converts a message back to a live value.
func (f *Frame) Decode(m *wire.Message, hint *wire.Message) (any, error) {
	return f.dec.Decode(m, hint)
}

// PassRemoteDefs accepts definitions pushed by the peer. The peer marks
// them sent exactly once and may reference them from any later
// conversation, so they register in the root context, which every frame's
// chain reaches. They enter the per-peer sent set too and are never echoed
// back. A pushed class whose name matches a locally registered class binds
// to that registration, which is what lets foreign exceptions reconstruct
// as real values.
func (f *Frame) PassRemoteDefs(defs []*wire.Message) error {
	for _, def := range defs {
		if !def.IsDefinition() {
			return fmt.Errorf("%w: pushed non-definition %s", ErrProtocol, def.Kind)
		}
		var value any
		if def.Kind == wire.KindClass && def.Name != "" {
			if nc, ok := f.rt.nativeClass(def.Name); ok {
				value = nc
			}
		}
		f.rt.root.ctx.Register(def, value)
		f.rt.markSent(def.UID)
	}
	return nil
}

// Lookup resolves a resource the peer has exported under a name, returning
// its local stand-in.
func (f *Frame) Lookup(name string) (any, error) {
	return f.disp.Call(SysUID(sysLookup), []any{name}, nil)
}

// ServeChildOnce serves exactly one inbound item on a named channel. It is
// the hook for driving a response-wait loop from outside the handler: pop
// one envelope, dispatch it if it is a request, fail on anything else. The
// channel carries one request, so the claim is dropped once it is served.
func (f *Frame) ServeChildOnce(key string) error {
	q := f.rt.m.Claim(key)
	defer f.rt.m.Release(key)
	env, err := q.Pop(f.rt.ctx)
	if err != nil {
		if errors.Is(err, mux.ErrClosed) {
			return fmt.Errorf("%w: channel %s", ErrTransportLoss, key)
		}
		return err
	}
	if env.Req == nil {
		return fmt.Errorf("%w: expected request on %s", ErrProtocol, key)
	}
	return f.rt.serveInbound(env, f)
}

// pop removes the frame from the tree, promoting definitions introduced in
// its context into the parent so the caller can keep using them.
func (f *Frame) pop() {
	if f.parent != nil {
		f.ctx.PromoteTo(f.parent.ctx)
	}
	f.rt.removeFrame(f.id)
}
