package runtime

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/farlink/farlink/mux"
	"github.com/farlink/farlink/wire"
)

// Counter is the native class the serving-side tests export.
type Counter struct {
	Name  string
	Value int64
}

// Add increments the counter and returns the new value.
func (c *Counter) Add(n int64) int64 {
	c.Value += n
	return c.Value
}

// Describe reports the counter state.
func (c *Counter) Describe() string {
	return c.Name
}

func newTestPair(t *testing.T) (*Runtime, *Runtime) {
	t.Helper()
	ta, tb := mux.Pipe()
	a, err := New(1, mux.New(ta))
	if err != nil {
		t.Fatalf("New world 1: %v", err)
	}
	b, err := New(2, mux.New(tb))
	if err != nil {
		t.Fatalf("New world 2: %v", err)
	}
	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func lookupFunc(t *testing.T, rt *Runtime, name string) *RemoteFunc {
	t.Helper()
	v, err := rt.Root().Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", name, err)
	}
	f, ok := v.(*RemoteFunc)
	if !ok {
		t.Fatalf("Lookup(%s): got %T, want *RemoteFunc", name, v)
	}
	return f
}

func lookupClass(t *testing.T, rt *Runtime, name string) *RemoteClass {
	t.Helper()
	v, err := rt.Root().Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", name, err)
	}
	c, ok := v.(*RemoteClass)
	if !ok {
		t.Fatalf("Lookup(%s): got %T, want *RemoteClass", name, v)
	}
	return c
}

func TestRPC_LookupAndCall(t *testing.T) {
	a, b := newTestPair(t)
	b.Export("add", func(x, y int64) int64 { return x + y })

	add := lookupFunc(t, a, "add")
	got, err := add.Invoke(int64(40), int64(2))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != int64(42) {
		t.Errorf("add(40,2) = %v, want 42", got)
	}
}

func TestRPC_LookupUnknownName(t *testing.T) {
	a, _ := newTestPair(t)
	_, err := a.Root().Lookup("nope")
	var re *RemoteError
	if !errors.As(err, &re) || re.ClassName != "NameNotFoundError" {
		t.Fatalf("got %v, want NameNotFoundError", err)
	}
}

func TestRPC_ConstructAndCallMethod(t *testing.T) {
	a, b := newTestPair(t)
	if err := b.RegisterClass(&NativeClass{
		Name: "Counter",
		Type: reflect.TypeOf(&Counter{}),
	}); err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}

	counter := lookupClass(t, a, "Counter")
	inst, err := counter.Construct("c1")
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	obj, ok := inst.(*RemoteObject)
	if !ok {
		t.Fatalf("Construct: got %T, want *RemoteObject", inst)
	}

	if got, err := obj.Call("Add", int64(5)); err != nil || got != int64(5) {
		t.Fatalf("Add(5): %v %v", got, err)
	}
	// State lives on the peer: a second call sees the first.
	if got, err := obj.Call("Add", int64(3)); err != nil || got != int64(8) {
		t.Fatalf("Add(3): %v %v", got, err)
	}
	if got, err := obj.Call("Describe"); err != nil || got != "c1" {
		t.Fatalf("Describe: %v %v", got, err)
	}
}

func TestRPC_MethodNotFound(t *testing.T) {
	a, b := newTestPair(t)
	b.RegisterClass(&NativeClass{Name: "Counter", Type: reflect.TypeOf(&Counter{})})

	obj, err := lookupClass(t, a, "Counter").Construct("c")
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	_, err = obj.(*RemoteObject).Call("Vanish")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if re.ClassName != "MethodNotFoundError" {
		t.Errorf("class: %q", re.ClassName)
	}
	if len(re.Args) < 1 || re.Args[0] != "Method not found" {
		t.Errorf("args: %v", re.Args)
	}
}

func TestRPC_Attributes(t *testing.T) {
	a, b := newTestPair(t)
	b.RegisterClass(&NativeClass{Name: "Counter", Type: reflect.TypeOf(&Counter{})})

	inst, err := lookupClass(t, a, "Counter").Construct("orig")
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	obj := inst.(*RemoteObject)

	if got, err := obj.Get("Name"); err != nil || got != "orig" {
		t.Fatalf("Get(Name): %v %v", got, err)
	}
	if err := obj.Set("Name", "renamed"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := obj.Get("Name"); got != "renamed" {
		t.Errorf("after Set: %v", got)
	}

	if has, err := obj.Has("Value"); err != nil || !has {
		t.Errorf("Has(Value): %v %v", has, err)
	}
	if has, _ := obj.Has("Missing"); has {
		t.Error("Has(Missing) = true")
	}

	// Fixed-shape absence maps to the attribute error, typed.
	_, err = obj.Get("Missing")
	var anf *AttrNotFoundError
	if !errors.As(err, &anf) || anf.Name != "Missing" {
		t.Fatalf("Get(Missing): %v", err)
	}
	if anf.Owner != "Counter" {
		t.Errorf("owner: %q", anf.Owner)
	}
	if err := obj.Delete("Name"); !errors.As(err, &anf) {
		t.Errorf("Delete on fixed shape: %v", err)
	}
}

func TestRPC_IndexedResourceUsesKeyErrors(t *testing.T) {
	a, b := newTestPair(t)
	if err := b.RegisterClass(&NativeClass{
		Name:    "Table",
		Type:    reflect.TypeOf(map[string]int64{}),
		Indexed: true,
	}); err != nil {
		t.Fatalf("RegisterClass: %v", err)
	}
	b.Export("table", map[string]int64{"x": 1})

	v, err := a.Root().Lookup("table")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	obj, ok := v.(*RemoteObject)
	if !ok {
		t.Fatalf("table: got %T", v)
	}

	if got, err := obj.Get("x"); err != nil || got != int64(1) {
		t.Fatalf("Get(x): %v %v", got, err)
	}
	if err := obj.Set("y", int64(2)); err != nil {
		t.Fatalf("Set(y): %v", err)
	}
	if got, _ := obj.Get("y"); got != int64(2) {
		t.Errorf("Get(y): %v", got)
	}

	// Dynamic-index absence maps to the key error, not the attribute one.
	_, err = obj.Get("z")
	var knf *KeyNotFoundError
	if !errors.As(err, &knf) || knf.Key != "z" {
		t.Fatalf("Get(z): %v", err)
	}
	if err := obj.Delete("y"); err != nil {
		t.Fatalf("Delete(y): %v", err)
	}
	if err := obj.Delete("y"); !errors.As(err, &knf) {
		t.Errorf("second Delete(y): %v", err)
	}
}

func TestRPC_CallbackReentrancy(t *testing.T) {
	a, b := newTestPair(t)
	b.Export("apply", func(f func(int64) (int64, error), v int64) (int64, error) {
		// Invoking the argument issues a counter-request back to the
		// caller while this call is still being served.
		doubled, err := f(v)
		if err != nil {
			return 0, err
		}
		return doubled + 1, nil
	})

	var callbackRan atomic.Bool
	apply := lookupFunc(t, a, "apply")
	got, err := apply.Invoke(func(v int64) (int64, error) {
		callbackRan.Store(true)
		return v * 2, nil
	}, int64(21))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != int64(43) {
		t.Errorf("apply = %v, want 43", got)
	}
	if !callbackRan.Load() {
		t.Error("callback never ran on the calling side")
	}
}

func TestRPC_NestedCallbackDepth(t *testing.T) {
	a, b := newTestPair(t)
	// Each level calls back across the boundary; the recursion alternates
	// sides until n reaches zero.
	b.Export("countdown", func(step func(int64) (int64, error), n int64) (int64, error) {
		if n <= 0 {
			return 0, nil
		}
		rest, err := step(n - 1)
		if err != nil {
			return 0, err
		}
		return rest + 1, nil
	})

	countdown := lookupFunc(t, a, "countdown")
	var step func(int64) (int64, error)
	step = func(n int64) (int64, error) {
		v, err := countdown.Invoke(step, n)
		if err != nil {
			return 0, err
		}
		return v.(int64), nil
	}

	got, err := step(5)
	if err != nil {
		t.Fatalf("countdown: %v", err)
	}
	if got != 5 {
		t.Errorf("countdown(5) = %d, want 5", got)
	}
}

func TestRPC_CallbackErrorPropagates(t *testing.T) {
	a, b := newTestPair(t)
	b.Export("apply", func(f func(int64) (int64, error), v int64) (int64, error) {
		return f(v)
	})

	apply := lookupFunc(t, a, "apply")
	_, err := apply.Invoke(func(v int64) (int64, error) {
		return 0, errors.New("callback refused")
	}, int64(1))
	if err == nil {
		t.Fatal("expected the callback failure to propagate")
	}
	if !strings.Contains(err.Error(), "callback refused") {
		t.Errorf("error lost its message: %v", err)
	}
}

func TestRPC_DefinitionSentOnce(t *testing.T) {
	a, b := newTestPair(t)
	b.Export("echo", func(v any) any { return v })

	echo := lookupFunc(t, a, "echo")
	w := &widget{Label: "w"}
	if _, err := echo.Invoke(w); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}

	a.sentMu.Lock()
	sentAfterFirst := len(a.sent)
	a.sentMu.Unlock()

	if _, err := echo.Invoke(w); err != nil {
		t.Fatalf("second Invoke: %v", err)
	}

	a.sentMu.Lock()
	sentAfterSecond := len(a.sent)
	a.sentMu.Unlock()

	if sentAfterFirst == 0 {
		t.Fatal("first call sent no definitions")
	}
	if sentAfterSecond != sentAfterFirst {
		t.Errorf("second call grew the sent set: %d -> %d", sentAfterFirst, sentAfterSecond)
	}
}

func TestRPC_ExportedResourceRoundTripsAsRef(t *testing.T) {
	a, b := newTestPair(t)
	counter := &Counter{Name: "shared"}
	b.Export("counter", counter)
	b.Export("same", func(c *Counter) bool { return c == counter })

	v, err := a.Root().Lookup("counter")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	same := lookupFunc(t, a, "same")
	got, err := same.Invoke(v)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	// The stand-in travels back as a reference and resolves to the very
	// same live object on its home side.
	if got != true {
		t.Error("returned stand-in did not resolve to the original resource")
	}
}

func TestRPC_InstanceOf(t *testing.T) {
	a, b := newTestPair(t)
	b.RegisterClass(&NativeClass{Name: "Counter", Type: reflect.TypeOf(&Counter{})})
	b.Export("Other", &NativeClass{Name: "Other", Type: reflect.TypeOf(&widget{})})

	counterClass := lookupClass(t, a, "Counter")
	otherClass := lookupClass(t, a, "Other")

	inst, err := counterClass.Construct("c")
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	obj := inst.(*RemoteObject)

	if is, err := obj.InstanceOf(counterClass); err != nil || !is {
		t.Errorf("InstanceOf(Counter): %v %v", is, err)
	}
	if is, err := obj.InstanceOf(otherClass); err != nil || is {
		t.Errorf("InstanceOf(Other): %v %v", is, err)
	}
}

func TestRPC_ClassStaticsMiss(t *testing.T) {
	a, b := newTestPair(t)
	b.RegisterClass(&NativeClass{Name: "Counter", Type: reflect.TypeOf(&Counter{})})

	class := lookupClass(t, a, "Counter")
	if has, err := class.Has("anything"); err != nil || has {
		t.Errorf("Has on class: %v %v", has, err)
	}
	_, err := class.Get("anything")
	var anf *AttrNotFoundError
	if !errors.As(err, &anf) {
		t.Errorf("Get on class: %v", err)
	}
}

func TestRPC_PanicBecomesInternalError(t *testing.T) {
	a, b := newTestPair(t)
	b.Export("explode", func() { panic("kaboom") })

	explode := lookupFunc(t, a, "explode")
	_, err := explode.Invoke()
	var re *RemoteError
	if !errors.As(err, &re) || !re.Internal {
		t.Fatalf("got %v, want internal RemoteError", err)
	}
	if len(re.Args) == 0 || !strings.Contains(re.Args[0], "kaboom") {
		t.Errorf("panic message lost: %v", re.Args)
	}
}

func TestRPC_TransportLossFailsPending(t *testing.T) {
	a, b := newTestPair(t)
	release := make(chan struct{})
	b.Export("hang", func() {
		<-release
	})

	hang := lookupFunc(t, a, "hang")

	errc := make(chan error, 1)
	go func() {
		_, err := hang.Invoke()
		errc <- err
	}()

	// Let the request land, then sever the link with the call pending.
	time.Sleep(50 * time.Millisecond)
	b.Close()
	close(release)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTransportLoss) {
			t.Errorf("got %v, want ErrTransportLoss", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}
}

func TestRPC_PushedDefsOutliveTheirConversation(t *testing.T) {
	a, _ := newTestPair(t)

	// Defs arrive on one conversation's serving frame, but the sender marks
	// them sent once for the whole link, so any later conversation may
	// reference them.
	serving := a.newFrame(a.nextFrameID(), a.Root(), 3, 5)
	def := &wire.Message{Kind: wire.KindFunction, UID: wire.UID{World: 2, Local: 2}, Name: "cb"}
	if err := serving.PassRemoteDefs([]*wire.Message{def}); err != nil {
		t.Fatalf("PassRemoteDefs: %v", err)
	}

	sibling := a.newFrame(a.nextFrameID(), a.Root(), 0, 0)
	if _, ok := sibling.Context().Definition(def.UID); !ok {
		t.Fatal("definition pushed on one conversation is invisible to a sibling")
	}
}

// vaultError is a native error class both sides register, so it travels as
// a reconstructible foreign exception.
type vaultError struct {
	Reason string
}

func (e *vaultError) Error() string { return "vault: " + e.Reason }

func vaultErrorClass() *NativeClass {
	return &NativeClass{
		Name: "VaultError",
		Type: reflect.TypeOf(&vaultError{}),
		New: func(args []any) (any, error) {
			e := &vaultError{}
			if len(args) > 0 {
				if s, ok := args[0].(string); ok {
					e.Reason = s
				}
			}
			return e, nil
		},
	}
}

func TestRPC_ForeignErrorReconstructs(t *testing.T) {
	a, b := newTestPair(t)
	if err := a.RegisterClass(vaultErrorClass()); err != nil {
		t.Fatalf("RegisterClass on caller side: %v", err)
	}
	if err := b.RegisterClass(vaultErrorClass()); err != nil {
		t.Fatalf("RegisterClass on serving side: %v", err)
	}
	b.Export("withdraw", func(n int64) (int64, error) {
		return 0, &vaultError{Reason: "insufficient funds"}
	})

	withdraw := lookupFunc(t, a, "withdraw")
	_, err := withdraw.Invoke(int64(100))
	var ve *vaultError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v (%T), want *vaultError", err, err)
	}
	if ve.Reason != "insufficient funds" {
		t.Errorf("reason: %q", ve.Reason)
	}
}

func TestRPC_StaticFlagAddressesClassSide(t *testing.T) {
	a, b := newTestPair(t)
	b.RegisterClass(&NativeClass{Name: "Counter", Type: reflect.TypeOf(&Counter{})})

	inst, err := lookupClass(t, a, "Counter").Construct("c")
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	obj := inst.(*RemoteObject)

	if got, err := obj.Get("Name"); err != nil || got != "c" {
		t.Fatalf("Get(Name): %v %v", got, err)
	}

	// The same name misses when the request addresses the class side.
	var anf *AttrNotFoundError
	if _, err := obj.disp.GetAttr(obj.def.UID, "Name", true, nil); !errors.As(err, &anf) {
		t.Fatalf("static Get(Name): %v", err)
	}
	if err := obj.disp.SetAttr(obj.def.UID, "Name", "x", true); !errors.As(err, &anf) {
		t.Errorf("static Set(Name): %v", err)
	}
	if has, err := obj.disp.HasAttr(obj.def.UID, "Name", true); err != nil || has {
		t.Errorf("static Has(Name): %v %v", has, err)
	}
	if err := obj.disp.DelAttr(obj.def.UID, "Name", true); !errors.As(err, &anf) {
		t.Errorf("static Del(Name): %v", err)
	}
}

func TestFrame_ServeChildOnceReleasesChannel(t *testing.T) {
	ta, tb := mux.Pipe()
	ma, mb := mux.New(ta), mux.New(tb)
	a, err := New(1, ma)
	if err != nil {
		t.Fatalf("New world 1: %v", err)
	}
	b, err := New(2, mb)
	if err != nil {
		t.Fatalf("New world 2: %v", err)
	}
	// Only the transports run, not the accept loops, so this test owns b's
	// Accept feed.
	ma.Start()
	mb.Start()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	b.Export("ping", func() int64 { return 1 })

	key := wire.ChannelKey(1, 5)
	send := func() {
		env := &wire.Envelope{Pid: 1, Sid: 5, Frame: 5, Req: &wire.Request{
			Kind:   wire.ReqCall,
			Target: SysUID(sysLookup),
			Args:   []*wire.Message{wire.Str("ping")},
		}}
		if err := ma.Send(env); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	send()
	select {
	case got := <-mb.Accept():
		if got != key {
			t.Fatalf("announced %s, want %s", got, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request never announced")
	}

	qa := ma.Claim(key)
	if err := b.Root().ServeChildOnce(key); err != nil {
		t.Fatalf("ServeChildOnce: %v", err)
	}
	if env, err := qa.Pop(context.Background()); err != nil || env.Resp == nil {
		t.Fatalf("response: %v %v", env, err)
	}

	// Serving dropped the claim: the same key opens a fresh channel again
	// and gets re-announced rather than piling onto a leaked queue.
	send()
	select {
	case got := <-mb.Accept():
		if got != key {
			t.Errorf("announced %s, want %s", got, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel entry leaked; second request never announced")
	}
}

// recordingTransport keeps a copy of every envelope sent through it.
type recordingTransport struct {
	mux.Transport

	mu   sync.Mutex
	sent []*wire.Envelope
}

func (r *recordingTransport) Send(data []byte) error {
	if env, err := wire.UnmarshalEnvelope(data); err == nil {
		r.mu.Lock()
		r.sent = append(r.sent, env)
		r.mu.Unlock()
	}
	return r.Transport.Send(data)
}

func (r *recordingTransport) requests() []*wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*wire.Envelope
	for _, env := range r.sent {
		if env.Req != nil {
			out = append(out, env)
		}
	}
	return out
}

func TestRPC_CounterRequestParentNamesAwaitedFrame(t *testing.T) {
	ta, tb := mux.Pipe()
	ra := &recordingTransport{Transport: ta}
	rb := &recordingTransport{Transport: tb}
	a, err := New(1, mux.New(ra))
	if err != nil {
		t.Fatalf("New world 1: %v", err)
	}
	b, err := New(2, mux.New(rb))
	if err != nil {
		t.Fatalf("New world 2: %v", err)
	}
	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	b.Export("apply", func(f func(int64) (int64, error), v int64) (int64, error) {
		return f(v)
	})
	apply := lookupFunc(t, a, "apply")
	if _, err := apply.Invoke(func(v int64) (int64, error) { return v + 1, nil }, int64(1)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	counters := rb.requests()
	if len(counters) != 1 {
		t.Fatalf("serving side sent %d requests, want 1", len(counters))
	}
	counter := counters[0]

	// The counter-request's Parent is the frame id the caller minted for
	// the call it is still awaiting, on the same logical channel.
	var awaited *wire.Envelope
	for _, env := range ra.requests() {
		if env.Frame == counter.Parent {
			awaited = env
		}
	}
	if awaited == nil {
		t.Fatalf("counter-request parent %d names no frame the caller minted", counter.Parent)
	}
	if awaited.Pid != counter.Pid || awaited.Sid != counter.Sid {
		t.Errorf("counter-request crossed channels: %d_%d vs %d_%d",
			counter.Pid, counter.Sid, awaited.Pid, awaited.Sid)
	}
}

func TestRPC_ConcurrentConversations(t *testing.T) {
	a, b := newTestPair(t)
	b.Export("add", func(x, y int64) int64 { return x + y })

	add := lookupFunc(t, a, "add")
	done := make(chan error, 8)
	for i := int64(0); i < 8; i++ {
		go func(n int64) {
			got, err := add.Invoke(n, n)
			if err == nil && got != n*2 {
				err = errors.New("wrong sum")
			}
			done <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("conversation %d: %v", i, err)
		}
	}
}
