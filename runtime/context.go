package runtime

import (
	"reflect"
	"sync"

	"github.com/farlink/farlink/wire"
)

// entry pairs a definition message with the live local resource backing it,
// when one exists. Virtualized resources store their stand-in as the value.
// Entries are immutable once published; upgrading a value replaces the
// entry.
type entry struct {
	def   *wire.Message
	value any
}

// registry is one UID-keyed definition table with a reverse index from
// live-resource identity to UID. The reverse index uses stable handles
// (pointer words and reflect types), not collector-dependent identity.
type registry struct {
	byUID    map[wire.UID]*entry
	byHandle map[uintptr]wire.UID
	byType   map[reflect.Type]wire.UID
}

func newRegistry() registry {
	return registry{
		byUID:    make(map[wire.UID]*entry),
		byHandle: make(map[uintptr]wire.UID),
		byType:   make(map[reflect.Type]wire.UID),
	}
}

// identityHandle returns a stable handle for a live resource, or false if
// the value has no pointer identity (scalars, plain structs).
func identityHandle(v any) (uintptr, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return rv.Pointer(), true
	case reflect.Slice:
		if rv.Cap() > 0 {
			return rv.Pointer(), true
		}
	}
	return 0, false
}

func (r *registry) put(uid wire.UID, def *wire.Message, value any) {
	r.byUID[uid] = &entry{def: def, value: value}
	if h, ok := identityHandle(value); ok {
		r.byHandle[h] = uid
	}
	switch tv := value.(type) {
	case reflect.Type:
		r.byType[tv] = uid
	case *NativeClass:
		if tv.Type != nil {
			r.byType[tv.Type] = uid
		}
	}
}

// Context is the parent-chained registry of definitions and live resources
// visible inside a frame. Lookups check the local maps first, then delegate
// to the parent, terminating at the system catalogue. Child creation is
// O(1): fresh empty maps plus a parent pointer. A context's maps may be
// read by concurrent conversations once frame promotion has published its
// entries, so access goes through a per-context lock.
type Context struct {
	parent *Context

	mu          sync.RWMutex
	objects     registry
	classes     registry
	functions   registry
	annotations registry
}

// NewContext creates a child context delegating to parent. A nil parent is
// only used for the system catalogue itself.
func NewContext(parent *Context) *Context {
	return &Context{
		parent:      parent,
		objects:     newRegistry(),
		classes:     newRegistry(),
		functions:   newRegistry(),
		annotations: newRegistry(),
	}
}

func (c *Context) registryFor(kind wire.Kind) *registry {
	switch kind {
	case wire.KindClass:
		return &c.classes
	case wire.KindFunction:
		return &c.functions
	case wire.KindObject:
		return &c.objects
	case wire.KindUnion, wire.KindIntersection, wire.KindInterface, wire.KindMemberSig:
		return &c.annotations
	default:
		return nil
	}
}

// Register stores a definition and its live resource under the
// definition's UID. Registering an already-known UID is a no-op except
// that a nil stored value is upgraded; definition metadata stays immutable
// once attached.
func (c *Context) Register(def *wire.Message, value any) {
	r := c.registryFor(def.Kind)
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := r.byUID[def.UID]; ok {
		if existing.value == nil && value != nil {
			r.put(def.UID, existing.def, value)
		}
		return
	}
	r.put(def.UID, def, value)
}

// resolveLocal checks only this context's own maps.
func (c *Context) resolveLocal(uid wire.UID) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range []*registry{&c.objects, &c.classes, &c.functions, &c.annotations} {
		if e, ok := r.byUID[uid]; ok {
			return e, true
		}
	}
	return nil, false
}

// Resolve walks the context chain looking up a UID.
func (c *Context) Resolve(uid wire.UID) (*entry, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		if e, ok := cur.resolveLocal(uid); ok {
			return e, true
		}
	}
	return nil, false
}

// Definition returns the definition message for a UID, if registered
// anywhere in the chain.
func (c *Context) Definition(uid wire.UID) (*wire.Message, bool) {
	e, ok := c.Resolve(uid)
	if !ok {
		return nil, false
	}
	return e.def, true
}

// Value returns the live resource for a UID, if one is attached anywhere
// in the chain.
func (c *Context) Value(uid wire.UID) (any, bool) {
	e, ok := c.Resolve(uid)
	if !ok || e.value == nil {
		return nil, false
	}
	return e.value, true
}

// UIDForValue reverse-looks-up the UID under which a live resource was
// registered, by identity first, then by structural type.
func (c *Context) UIDForValue(v any) (wire.UID, bool) {
	h, hok := identityHandle(v)
	var t reflect.Type
	if rt, ok := v.(reflect.Type); ok {
		t = rt
	}
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		for _, r := range []*registry{&cur.objects, &cur.classes, &cur.functions, &cur.annotations} {
			if hok {
				if uid, ok := r.byHandle[h]; ok {
					cur.mu.RUnlock()
					return uid, true
				}
			}
			if t != nil {
				if uid, ok := r.byType[t]; ok {
					cur.mu.RUnlock()
					return uid, true
				}
			}
		}
		cur.mu.RUnlock()
	}
	return wire.UID{}, false
}

// UIDForType reverse-looks-up the class UID registered for a Go type.
func (c *Context) UIDForType(t reflect.Type) (wire.UID, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		uid, ok := cur.classes.byType[t]
		cur.mu.RUnlock()
		if ok {
			return uid, true
		}
	}
	return wire.UID{}, false
}

// PromoteTo moves every definition registered directly in this context
// into dst, so resources introduced inside a frame survive the frame being
// popped. Entries already present in dst keep their metadata. Promotion
// always runs child to parent, so lock order is fixed.
func (c *Context) PromoteTo(dst *Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	for _, pair := range []struct{ src, dst *registry }{
		{&c.objects, &dst.objects},
		{&c.classes, &dst.classes},
		{&c.functions, &dst.functions},
		{&c.annotations, &dst.annotations},
	} {
		for uid, e := range pair.src.byUID {
			if _, ok := pair.dst.byUID[uid]; !ok {
				pair.dst.put(uid, e.def, e.value)
			}
		}
	}
}

// Parent returns the parent context.
func (c *Context) Parent() *Context {
	return c.parent
}
