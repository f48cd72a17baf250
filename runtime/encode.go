package runtime

import (
	"fmt"
	"reflect"

	"github.com/tliron/commonlog"

	"github.com/farlink/farlink/wire"
)

// Encoder converts live values into wire messages, consulting and
// populating a frame context. One encoder belongs to one frame and is used
// only by that frame's logical thread.
type Encoder struct {
	ctx   *Context
	alloc *Allocator
	log   commonlog.Logger
}

// NewEncoder creates an encoder over a frame context.
func NewEncoder(ctx *Context, alloc *Allocator) *Encoder {
	return &Encoder{
		ctx:   ctx,
		alloc: alloc,
		log:   commonlog.GetLogger("farlink.encode"),
	}
}

// Encode converts v into a message. depth is the remaining recursion
// budget: when it runs out the encoder truncates with a reference or an
// opaque object marker instead of expanding further; truncation is a
// policy, not an error. hint is an optional expected-class message (a ref
// or definition). Every newly minted definition is appended to defs so the
// caller can attach it to the envelope being built.
func (e *Encoder) Encode(v any, depth int, hint *wire.Message, defs *[]*wire.Message) (*wire.Message, error) {
	if v == nil {
		return wire.None(), nil
	}

	// Known resource identity wins over everything: a second encounter
	// must yield a reference, which is what keeps cyclic graphs finite.
	if uid, ok := e.ctx.UIDForValue(v); ok {
		if def, dok := e.ctx.Definition(uid); dok {
			return wire.RefTo(def), nil
		}
	}

	if hint != nil {
		h, ok := e.resolveHint(hint)
		if ok {
			if h.Enum {
				return e.encodeEnum(v, h)
			}
			// Never trust a primitive or any/object hint for structural
			// recursion.
			if isSystemPrimitive(h.UID) {
				hint = nil
			}
		}
	}

	switch val := v.(type) {
	case bool:
		return wire.Bool(val), nil
	case int:
		return wire.Int(int64(val)), nil
	case int8:
		return wire.Int(int64(val)), nil
	case int16:
		return wire.Int(int64(val)), nil
	case int32:
		return wire.Int(int64(val)), nil
	case int64:
		return wire.Int(val), nil
	case uint:
		return wire.Int(int64(val)), nil
	case uint8:
		return wire.Int(int64(val)), nil
	case uint16:
		return wire.Int(int64(val)), nil
	case uint32:
		return wire.Int(int64(val)), nil
	case uint64:
		return wire.Int(int64(val)), nil
	case float32:
		return wire.Float(float64(val)), nil
	case float64:
		return wire.Float(val), nil
	case string:
		return wire.Str(val), nil
	}

	if res, ok := v.(Resourcer); ok {
		return e.encodeResourcer(res, defs)
	}

	if nc, ok := v.(*NativeClass); ok {
		return e.encodeNativeClass(nc, defs)
	}

	if err, ok := v.(error); ok {
		// Plain errors become display-only generic exceptions unless an
		// explicit class hint said otherwise above.
		return wire.GenericExc(reflect.TypeOf(err).String(), []string{err.Error()}, nil), nil
	}

	if r, ok := v.(remote); ok {
		// A stand-in for a peer resource goes back as a plain reference.
		return wire.RefTo(r.remoteDef()), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return e.encodeFunc(rv, defs)
	case reflect.Slice, reflect.Array:
		return e.encodeList(rv, depth, hint, defs)
	case reflect.Map:
		// A map type registered as an indexed class is a resource, not a
		// container value: it travels by reference and is operated on via
		// attribute requests.
		if uid, ok := e.ctx.UIDForType(rv.Type()); ok {
			return e.encodeIndexed(v, uid, defs)
		}
		return e.encodeMap(rv, depth, hint, defs)
	case reflect.Pointer, reflect.Struct:
		return e.encodeObject(v, rv, depth, defs)
	}

	return nil, fmt.Errorf("runtime: cannot encode value of type %T", v)
}

// resolveHint normalizes a hint to its class definition when one is
// registered.
func (e *Encoder) resolveHint(hint *wire.Message) (*wire.Message, bool) {
	if hint.IsRef() {
		if def, ok := e.ctx.Definition(hint.UID); ok {
			return def, true
		}
		return hint, true
	}
	if hint.IsDefinition() {
		return hint, true
	}
	return nil, false
}

func (e *Encoder) encodeEnum(v any, class *wire.Message) (*wire.Message, error) {
	var literal *wire.Message
	switch val := v.(type) {
	case string:
		literal = wire.Str(val)
	case int:
		literal = wire.Int(int64(val))
	case int64:
		literal = wire.Int(val)
	default:
		return nil, fmt.Errorf("runtime: enum literal must be a string or integer, got %T", v)
	}
	return wire.EnumVal(literal, wire.RefTo(class)), nil
}

func (e *Encoder) encodeResourcer(res Resourcer, defs *[]*wire.Message) (*wire.Message, error) {
	def := res.ResourceDef()
	def.UID = e.alloc.Next()
	e.ctx.Register(def, res)
	*defs = append(*defs, def)
	return wire.RefTo(def), nil
}

func (e *Encoder) encodeNativeClass(nc *NativeClass, defs *[]*wire.Message) (*wire.Message, error) {
	def := &wire.Message{
		Kind:    wire.KindClass,
		UID:     e.alloc.Next(),
		Name:    nc.Name,
		Doc:     nc.Doc,
		Enum:    nc.Enum,
		Indexed: nc.Indexed,
	}
	if st, ok := structElem(nc.Type); ok {
		def.Fields = structFields(st)
		def.Methods = e.typeMethods(nc.Type, defs)
		def.CtorArgs = ctorArgsFor(st)
	}
	e.ctx.Register(def, nc)
	*defs = append(*defs, def)
	return wire.RefTo(def), nil
}

func (e *Encoder) encodeFunc(rv reflect.Value, defs *[]*wire.Message) (*wire.Message, error) {
	args, ret := funcSchema(rv.Type())
	def := &wire.Message{
		Kind:   wire.KindFunction,
		UID:    e.alloc.Next(),
		Name:   "func",
		Args:   args,
		Return: ret,
	}
	e.ctx.Register(def, rv.Interface())
	*defs = append(*defs, def)
	return wire.RefTo(def), nil
}

// encodeIndexed emits an object definition for a map backed by a
// registered indexed class.
func (e *Encoder) encodeIndexed(v any, classUID wire.UID, defs *[]*wire.Message) (*wire.Message, error) {
	classDef, ok := e.ctx.Definition(classUID)
	if !ok {
		return nil, &MissingDefError{UID: classUID}
	}
	def := &wire.Message{
		Kind:  wire.KindObject,
		UID:   e.alloc.Next(),
		Name:  classDef.Name,
		Class: wire.RefTo(classDef),
	}
	e.ctx.Register(def, v)
	*defs = append(*defs, def)
	return wire.RefTo(def), nil
}

func (e *Encoder) encodeList(rv reflect.Value, depth int, hint *wire.Message, defs *[]*wire.Message) (*wire.Message, error) {
	if depth <= 0 {
		return SysRef(sysObject), nil
	}
	kind := wire.KindArray
	if hint != nil {
		if h, ok := e.resolveHint(hint); ok {
			// A class hint confirming the container kind re-types the
			// recursion; anything else falls through to a bare array.
			if k, ck := containerKindFor(h.UID); ck && k != wire.KindMap {
				kind = k
			}
		}
	}
	items := make([]*wire.Message, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item, err := e.Encode(valueInterface(rv.Index(i)), depth-1, nil, defs)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return &wire.Message{Kind: kind, Items: items}, nil
}

func (e *Encoder) encodeMap(rv reflect.Value, depth int, hint *wire.Message, defs *[]*wire.Message) (*wire.Message, error) {
	if depth <= 0 {
		return SysRef(sysObject), nil
	}
	keys := make([]*wire.Message, 0, rv.Len())
	values := make([]*wire.Message, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := e.Encode(valueInterface(iter.Key()), depth-1, nil, defs)
		if err != nil {
			return nil, err
		}
		v, err := e.Encode(valueInterface(iter.Value()), depth-1, nil, defs)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		values = append(values, v)
	}
	return wire.MapOf(keys, values), nil
}

// encodeObject emits an object definition for a struct or pointer-to-struct
// value. The owning class definition is located through the context (for
// registered native classes) or synthesized reflectively as a fallback.
func (e *Encoder) encodeObject(v any, rv reflect.Value, depth int, defs *[]*wire.Message) (*wire.Message, error) {
	st, ok := structElem(rv.Type())
	if !ok {
		return nil, fmt.Errorf("runtime: cannot encode value of type %T", v)
	}
	if depth <= 0 {
		return SysRef(sysObject), nil
	}

	classRef, err := e.classRefFor(rv.Type(), st, defs)
	if err != nil {
		return nil, err
	}

	def := &wire.Message{
		Kind:    wire.KindObject,
		UID:     e.alloc.Next(),
		Name:    st.Name(),
		Class:   classRef,
		OwnKeys: fieldNames(st),
	}
	e.ctx.Register(def, v)
	*defs = append(*defs, def)
	return wire.RefTo(def), nil
}

// classRefFor returns a reference to the class definition governing a Go
// type, minting a reflective class definition when none is registered.
// The reflective path loses type fidelity and is logged as such.
func (e *Encoder) classRefFor(t reflect.Type, st reflect.Type, defs *[]*wire.Message) (*wire.Message, error) {
	if uid, ok := e.ctx.UIDForType(t); ok {
		if def, dok := e.ctx.Definition(uid); dok {
			return wire.RefTo(def), nil
		}
	}

	e.log.Warningf("no registered class for %s; falling back to reflective schema (type fidelity is lost)", t)
	def := &wire.Message{
		Kind:     wire.KindClass,
		UID:      e.alloc.Next(),
		Name:     st.Name(),
		Fields:   structFields(st),
		Methods:  e.typeMethods(t, defs),
		CtorArgs: ctorArgsFor(st),
	}
	e.ctx.Register(def, t)
	*defs = append(*defs, def)
	return wire.RefTo(def), nil
}

// typeMethods enumerates the exported methods of a type as member entries,
// minting a function definition for each.
func (e *Encoder) typeMethods(t reflect.Type, defs *[]*wire.Message) []wire.Method {
	var methods []wire.Method
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() {
			continue
		}
		args, ret := funcSchema(m.Type)
		// Drop the receiver argument from the declared schema.
		if len(args) > 0 {
			args = args[1:]
		}
		fdef := &wire.Message{
			Kind:   wire.KindFunction,
			UID:    e.alloc.Next(),
			Name:   m.Name,
			Args:   args,
			Return: ret,
		}
		e.ctx.Register(fdef, nil)
		*defs = append(*defs, fdef)
		methods = append(methods, wire.Method{Name: m.Name, Func: wire.RefTo(fdef)})
	}
	return methods
}

func ctorArgsFor(st reflect.Type) []wire.Arg {
	var args []wire.Arg
	for _, f := range structFields(st) {
		args = append(args, wire.Arg{Name: f.Name, Type: f.Type, Optional: true})
	}
	return args
}

func fieldNames(st reflect.Type) []string {
	var names []string
	for i := 0; i < st.NumField(); i++ {
		if st.Field(i).IsExported() {
			names = append(names, st.Field(i).Name)
		}
	}
	return names
}

// valueInterface unwraps a reflect value to any, handling interface
// elements.
func valueInterface(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}
