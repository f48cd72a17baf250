// Package runtime implements the bidirectional recursive RPC core: frame
// contexts and identity allocation, term encode/decode with definition
// caching, virtualization of remote resources, and the request/response
// state machine that services counter-requests while a call of its own is
// still pending. Two runtimes, one per side, share a single multiplexed
// transport.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/farlink/farlink/mux"
	"github.com/farlink/farlink/wire"
)

// Runtime is the top-level owner of one side: the frame tree, the
// id-to-frame mappings, the per-peer already-sent definition set, and the
// channel multiplexer. Frame state is mutated only by the logical thread
// driving each conversation; the maps guarding cross-conversation
// bookkeeping carry their own locks.
type Runtime struct {
	world int32
	alloc *Allocator
	m     *mux.Mux
	log   commonlog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	depth int

	frameSeq atomic.Int64

	mu     sync.Mutex
	frames map[int64]*Frame
	root   *Frame

	sentMu sync.Mutex
	sent   map[wire.UID]bool

	exportMu sync.Mutex
	exports  map[string]any
}

// Option configures a runtime.
type Option func(*Runtime)

// WithDepthBudget sets the encoder recursion budget.
func WithDepthBudget(depth int) Option {
	return func(rt *Runtime) { rt.depth = depth }
}

// defaultDepthBudget bounds structural recursion during encode.
const defaultDepthBudget = 32

// New creates a runtime for one side. world must be 1 or 2: frame ids are
// parity-split between the worlds so the two sides' counters can never
// mint the same id.
func New(world int32, m *mux.Mux, opts ...Option) (*Runtime, error) {
	if world != 1 && world != 2 {
		return nil, fmt.Errorf("runtime: world must be 1 or 2, got %d", world)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		world:   world,
		alloc:   NewAllocator(world),
		m:       m,
		log:     commonlog.GetLogger("farlink.runtime"),
		ctx:     ctx,
		cancel:  cancel,
		depth:   defaultDepthBudget,
		frames:  make(map[int64]*Frame),
		sent:    make(map[wire.UID]bool),
		exports: make(map[string]any),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.frameSeq.Store(int64(world))
	rt.root = rt.newFrame(int64(world), nil, 0, 0)
	return rt, nil
}

// Start launches the multiplexer and the accept loop that drives
// conversations initiated by the peer.
func (rt *Runtime) Start() {
	rt.m.Start()
	go rt.acceptLoop()
}

// Close tears the transport down, failing every pending request on every
// logical channel.
func (rt *Runtime) Close() error {
	rt.cancel()
	return rt.m.Close()
}

// Done is closed when the underlying transport is gone.
func (rt *Runtime) Done() <-chan struct{} { return rt.m.Done() }

// World returns this side's world number.
func (rt *Runtime) World() int32 { return rt.world }

// Root returns the root frame.
func (rt *Runtime) Root() *Frame { return rt.root }

// Export publishes a resource under a name the peer can resolve with
// Lookup. The definition is minted lazily, on the first lookup that
// reaches it.
func (rt *Runtime) Export(name string, v any) {
	rt.exportMu.Lock()
	defer rt.exportMu.Unlock()
	rt.exports[name] = v
}

// RegisterClass registers a constructible class on the root frame and
// exports it under its name. The class definition is minted eagerly so
// instances of the type encode as resources from the start.
func (rt *Runtime) RegisterClass(nc *NativeClass) error {
	if nc.Type == nil {
		return fmt.Errorf("runtime: class %s has no Go type", nc.Name)
	}
	if _, ok := structElem(nc.Type); !ok && !nc.Indexed {
		return fmt.Errorf("runtime: class %s must wrap a struct type", nc.Name)
	}
	var defs []*wire.Message
	if _, err := rt.root.enc.Encode(nc, rt.depth, nil, &defs); err != nil {
		return err
	}
	rt.Export(nc.Name, nc)
	return nil
}

func (rt *Runtime) export(name string) (any, bool) {
	rt.exportMu.Lock()
	defer rt.exportMu.Unlock()
	v, ok := rt.exports[name]
	return v, ok
}

// nativeClass returns the constructible class registered under name, if
// any.
func (rt *Runtime) nativeClass(name string) (*NativeClass, bool) {
	v, ok := rt.export(name)
	if !ok {
		return nil, false
	}
	nc, ok := v.(*NativeClass)
	return nc, ok
}

// nextFrameID mints a frame id in this side's parity class.
func (rt *Runtime) nextFrameID() int64 {
	return rt.frameSeq.Add(2)
}

// newFrame wires a frame with its encoder, decoder, dispatcher, handler,
// and context, and registers it in the id map.
func (rt *Runtime) newFrame(id int64, parent *Frame, chanPid, chanSid int64) *Frame {
	var parentCtx *Context
	if parent != nil {
		parentCtx = parent.ctx
	} else {
		parentCtx = SystemCatalogue()
	}

	f := &Frame{
		id:       id,
		parent:   parent,
		children: make(map[int64]*Frame),
		ctx:      NewContext(parentCtx),
		rt:       rt,
		depth:    rt.depth,
		chanPid:  chanPid,
		chanSid:  chanSid,
		names:    make(map[string]wire.UID),
	}
	f.enc = NewEncoder(f.ctx, rt.alloc)
	f.disp = NewDispatcher(f)
	f.virt = NewVirtualizer(f.disp)
	f.dec = NewDecoder(f.ctx, f.virt, rt.world)
	f.handler = NewHandler(f)

	rt.mu.Lock()
	if parent != nil {
		parent.children[id] = f
	}
	rt.frames[id] = f
	rt.mu.Unlock()
	return f
}

// NewFrame creates a child frame under the root for an embedding
// application that wants its own call scope.
func (rt *Runtime) NewFrame() *Frame {
	return rt.newFrame(rt.nextFrameID(), rt.root, 0, 0)
}

func (rt *Runtime) removeFrame(id int64) {
	rt.mu.Lock()
	if f, ok := rt.frames[id]; ok && f.parent != nil {
		delete(f.parent.children, id)
	}
	delete(rt.frames, id)
	rt.mu.Unlock()
}

// filterSent drops definitions the peer already holds and marks the rest
// as sent. Across any number of calls referencing the same class, its
// definition appears in at most one outgoing envelope. The peer may
// reference a sent definition from any later conversation, so the kept
// ones are pinned in the root context before the frame that minted them
// pops.
func (rt *Runtime) filterSent(ctx *Context, defs []*wire.Message) []*wire.Message {
	if len(defs) == 0 {
		return nil
	}
	rt.sentMu.Lock()
	out := make([]*wire.Message, 0, len(defs))
	for _, def := range defs {
		if rt.sent[def.UID] {
			continue
		}
		rt.sent[def.UID] = true
		out = append(out, def)
	}
	rt.sentMu.Unlock()

	for _, def := range out {
		var value any
		if e, ok := ctx.Resolve(def.UID); ok {
			value = e.value
		}
		rt.root.ctx.Register(def, value)
	}
	return out
}

// markSent records that the peer holds a definition (because it sent it to
// us).
func (rt *Runtime) markSent(uid wire.UID) {
	rt.sentMu.Lock()
	rt.sent[uid] = true
	rt.sentMu.Unlock()
}

// attachDefs collects the definitions the peer needs to resolve every
// reference reachable from the given messages: the referenced definitions
// themselves plus, transitively, everything their schemas reference.
// System refs are never attached; both sides carry the catalogue.
func (rt *Runtime) attachDefs(ctx *Context, msgs ...*wire.Message) []*wire.Message {
	var out []*wire.Message
	seen := make(map[wire.UID]bool)

	var walk func(*wire.Message)
	need := func(uid wire.UID) {
		if uid.IsZero() || uid.IsSystem() || seen[uid] {
			return
		}
		seen[uid] = true
		if def, ok := ctx.Definition(uid); ok {
			out = append(out, def)
			walk(def)
		}
	}
	walk = func(m *wire.Message) {
		if m == nil {
			return
		}
		if m.IsRef() {
			need(m.UID)
			return
		}
		for _, sub := range m.Items {
			walk(sub)
		}
		for _, sub := range m.Keys {
			walk(sub)
		}
		for _, sub := range m.Values {
			walk(sub)
		}
		walk(m.ElemClass)
		walk(m.KeyClass)
		walk(m.ValClass)
		for i := range m.Fields {
			walk(m.Fields[i].Type)
			walk(m.Fields[i].Default)
		}
		for i := range m.Methods {
			walk(m.Methods[i].Func)
		}
		for _, sub := range m.Bases {
			walk(sub)
		}
		for _, sub := range m.TypeArgs {
			walk(sub)
		}
		for i := range m.CtorArgs {
			walk(m.CtorArgs[i].Type)
			walk(m.CtorArgs[i].Default)
		}
		for i := range m.Args {
			walk(m.Args[i].Type)
			walk(m.Args[i].Default)
		}
		walk(m.Return)
		walk(m.Class)
		for _, sub := range m.Members {
			walk(sub)
		}
		for _, sub := range m.ExcArgs {
			walk(sub)
		}
		walk(m.Literal)
	}

	for _, m := range msgs {
		walk(m)
	}
	return out
}

// acceptLoop drives conversations the peer initiates: each channel key
// announced by the mux carries exactly one top-level request.
func (rt *Runtime) acceptLoop() {
	for key := range rt.m.Accept() {
		go rt.drive(key)
	}
}

func (rt *Runtime) drive(key string) {
	q := rt.m.Claim(key)
	defer rt.m.Release(key)

	env, err := q.Pop(rt.ctx)
	if err != nil {
		return
	}
	if env.Req == nil {
		rt.log.Errorf("channel %s opened without a request", key)
		return
	}
	// Fresh conversations serve under the root.
	if err := rt.serveInbound(env, rt.root); err != nil {
		rt.log.Errorf("serving %s: %v", key, err)
	}
}

// serveInbound pushes a serving frame under parent, responds to the
// request, and pops the frame, promoting any definitions its context
// gained into the parent. The parent is decided at the pop site: the root
// for fresh conversations, the awaiting frame for counter-requests.
func (rt *Runtime) serveInbound(env *wire.Envelope, parent *Frame) error {
	child := rt.newFrame(env.Frame, parent, env.Pid, env.Sid)
	defer child.pop()

	resp := NewResponder(child).Respond(env.Req)
	out := &wire.Envelope{Pid: env.Pid, Sid: env.Sid, Frame: env.Frame, Resp: resp}
	if err := rt.m.Send(out); err != nil {
		return fmt.Errorf("runtime: sending response on %s: %w", env.Key(), err)
	}
	return nil
}
