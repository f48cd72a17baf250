package runtime

import (
	"fmt"
	"reflect"

	"github.com/farlink/farlink/wire"
)

// Responder produces responses on the serving side. Arguments decode
// positionally against the target's declared schema (a rest parameter
// absorbs all trailing positionals), the local operation runs, and the
// result encodes against the statically known return or field type when
// one resolves. Local failures inside the operation become Err responses,
// never transport faults.
type Responder struct {
	frame *Frame
}

// NewResponder creates a responder for a serving frame.
func NewResponder(frame *Frame) *Responder {
	return &Responder{frame: frame}
}

// Respond services one request and always yields a response.
func (r *Responder) Respond(req *wire.Request) (resp *wire.Response) {
	defer func() {
		if p := recover(); p != nil {
			resp = &wire.Response{
				Kind:   wire.RespErr,
				Result: wire.InternalExc(fmt.Sprintf("panic serving %s: %v", req.Kind, p)),
			}
		}
	}()

	if err := r.frame.PassRemoteDefs(req.Defs); err != nil {
		return r.errResponse(err)
	}

	if req.Kind == wire.ReqCall && req.Target == SysUID(sysLookup) {
		return r.respondLookup(req)
	}

	e, ok := r.frame.ctx.Resolve(req.Target)
	if !ok {
		return r.errResponse(&MissingDefError{UID: req.Target})
	}
	if e.value == nil {
		return r.errResponse(&MissingDefError{UID: req.Target})
	}

	switch req.Kind {
	case wire.ReqNew:
		return r.respondNew(e, req)
	case wire.ReqCall:
		return r.respondCall(e, req)
	case wire.ReqCallMethod:
		return r.respondCallMethod(e, req)
	case wire.ReqGetAttr:
		return r.respondGetAttr(e, req)
	case wire.ReqSetAttr:
		return r.respondSetAttr(e, req)
	case wire.ReqHasAttr:
		return r.respondHasAttr(e, req)
	case wire.ReqDelAttr:
		return r.respondDelAttr(e, req)
	case wire.ReqInstanceOf:
		return r.respondInstanceOf(e, req)
	default:
		return r.errResponse(fmt.Errorf("%w: request kind %s", ErrProtocol, req.Kind))
	}
}

func (r *Responder) errResponse(err error) *wire.Response {
	if m, ok := r.foreignExc(err); ok {
		rt := r.frame.rt
		return &wire.Response{Kind: wire.RespErr, Result: m, Defs: rt.filterSent(r.frame.ctx, rt.attachDefs(r.frame.ctx, m))}
	}
	return &wire.Response{Kind: wire.RespErr, Result: encodeError(err)}
}

// foreignExc encodes an error whose concrete type is a registered class as
// a reconstructible foreign exception: a class ref plus the constructor
// arguments read off the value in schema order. Errors of unregistered
// types report ok false and fall back to the shadow encoding.
func (r *Responder) foreignExc(err error) (*wire.Message, bool) {
	uid, ok := r.frame.ctx.UIDForType(reflect.TypeOf(err))
	if !ok {
		return nil, false
	}
	def, ok := r.frame.ctx.Definition(uid)
	if !ok || def.Kind != wire.KindClass {
		return nil, false
	}
	args := make([]*wire.Message, 0, len(def.CtorArgs))
	for _, ca := range def.CtorArgs {
		fv, ferr := getAttr(err, ca.Name, def.Name)
		if ferr != nil {
			return nil, false
		}
		var defs []*wire.Message
		am, eerr := r.frame.enc.Encode(fv, r.frame.depth, ca.Type, &defs)
		if eerr != nil {
			return nil, false
		}
		args = append(args, am)
	}
	return wire.ForeignExc(wire.Ref(wire.KindClass, uid, uid.IsSystem()), args), true
}

// resultResponse encodes a value against an optional type hint and wraps
// it with its newly minted definitions.
func (r *Responder) resultResponse(v any, hint *wire.Message) *wire.Response {
	if v == nil {
		return &wire.Response{Kind: wire.RespOk}
	}
	var defs []*wire.Message
	m, err := r.frame.enc.Encode(v, r.frame.depth, hint, &defs)
	if err != nil {
		return r.errResponse(err)
	}
	rt := r.frame.rt
	return &wire.Response{Kind: wire.RespRes, Result: m, Defs: rt.filterSent(r.frame.ctx, rt.attachDefs(r.frame.ctx, m))}
}

func (r *Responder) okResponse() *wire.Response {
	return &wire.Response{Kind: wire.RespOk}
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func (r *Responder) respondLookup(req *wire.Request) *wire.Response {
	if len(req.Args) != 1 {
		return r.errResponse(fmt.Errorf("%w: lookup takes one argument", ErrProtocol))
	}
	name, err := r.frame.dec.Decode(req.Args[0], SysRef(sysStr))
	if err != nil {
		return r.errResponse(err)
	}
	nameStr, ok := name.(string)
	if !ok {
		return r.errResponse(fmt.Errorf("%w: lookup name is %T", ErrProtocol, name))
	}
	v, ok := r.frame.rt.export(nameStr)
	if !ok {
		return r.errResponse(&RemoteError{ClassName: "NameNotFoundError", Args: []string{nameStr}})
	}
	return r.resultResponse(v, nil)
}

func (r *Responder) respondNew(e *entry, req *wire.Request) *wire.Response {
	args, err := r.decodeArgs(e.def.CtorArgs, req.Args)
	if err != nil {
		return r.errResponse(err)
	}

	switch target := e.value.(type) {
	case *NativeClass:
		if target.New != nil {
			inst, err := target.New(args)
			if err != nil {
				return r.errResponse(err)
			}
			return r.resultResponse(inst, nil)
		}
		inst, err := constructStruct(target.Type, e.def.CtorArgs, args)
		if err != nil {
			return r.errResponse(err)
		}
		return r.resultResponse(inst, nil)
	case reflect.Type:
		inst, err := constructStruct(target, e.def.CtorArgs, args)
		if err != nil {
			return r.errResponse(err)
		}
		return r.resultResponse(inst, nil)
	case Capability:
		inst, err := target.Construct(args...)
		if err != nil {
			return r.errResponse(err)
		}
		return r.resultResponse(inst, nil)
	default:
		return r.errResponse(fmt.Errorf("runtime: %s is not constructible", e.def.Name))
	}
}

func (r *Responder) respondCall(e *entry, req *wire.Request) *wire.Response {
	args, err := r.decodeArgs(e.def.Args, req.Args)
	if err != nil {
		return r.errResponse(err)
	}

	if inv, ok := e.value.(invoker); ok {
		res, err := inv.Invoke(args...)
		if err != nil {
			return r.errResponse(err)
		}
		return r.resultResponse(res, e.def.Return)
	}

	fn := reflect.ValueOf(e.value)
	if fn.Kind() != reflect.Func {
		return r.errResponse(fmt.Errorf("runtime: %s is not callable", e.def.Name))
	}
	res, err := callFunc(fn, args)
	if err != nil {
		return r.errResponse(err)
	}
	return r.resultResponse(res, e.def.Return)
}

func (r *Responder) respondCallMethod(e *entry, req *wire.Request) *wire.Response {
	schema := r.methodSchema(e, req.Member)
	var schemaArgs []wire.Arg
	var retHint *wire.Message
	if schema != nil {
		schemaArgs = schema.Args
		retHint = schema.Return
	}
	args, err := r.decodeArgs(schemaArgs, req.Args)
	if err != nil {
		return r.errResponse(err)
	}

	// Relayed stand-ins forward the call onward to their own peer.
	if obj, ok := e.value.(*RemoteObject); ok {
		res, err := obj.Call(req.Member, args...)
		if err != nil {
			return r.errResponse(err)
		}
		return r.resultResponse(res, retHint)
	}

	m := reflect.ValueOf(e.value).MethodByName(req.Member)
	if !m.IsValid() {
		return r.errResponse(&RemoteError{
			ClassName: "MethodNotFoundError",
			Args:      []string{"Method not found", req.Member},
		})
	}
	res, err := callFunc(m, args)
	if err != nil {
		return r.errResponse(err)
	}
	return r.resultResponse(res, retHint)
}

func (r *Responder) respondGetAttr(e *entry, req *wire.Request) *wire.Response {
	if c, ok := e.value.(Capability); ok {
		v, err := c.Get(req.Member)
		if err != nil {
			return r.errResponse(err)
		}
		return r.resultResponse(v, r.fieldHint(e, req.Member))
	}
	if req.Static || isClassValue(e.value) {
		// Static addressing targets the class side, and Go classes carry
		// no mutable statics; every static read misses.
		return r.errResponse(&AttrNotFoundError{Name: req.Member, Owner: r.ownerName(e)})
	}
	v, err := getAttr(e.value, req.Member, r.ownerName(e))
	if err != nil {
		return r.errResponse(err)
	}
	return r.resultResponse(v, r.fieldHint(e, req.Member))
}

func (r *Responder) respondSetAttr(e *entry, req *wire.Request) *wire.Response {
	if len(req.Args) != 1 {
		return r.errResponse(fmt.Errorf("%w: SetAttr takes one argument", ErrProtocol))
	}
	v, err := r.frame.dec.Decode(req.Args[0], r.fieldHint(e, req.Member))
	if err != nil {
		return r.errResponse(err)
	}
	if c, ok := e.value.(Capability); ok {
		if err := c.Set(req.Member, v); err != nil {
			return r.errResponse(err)
		}
		return r.okResponse()
	}
	if req.Static || isClassValue(e.value) {
		return r.errResponse(&AttrNotFoundError{Name: req.Member, Owner: r.ownerName(e)})
	}
	if err := setAttr(e.value, req.Member, v, r.ownerName(e)); err != nil {
		return r.errResponse(err)
	}
	return r.okResponse()
}

func (r *Responder) respondHasAttr(e *entry, req *wire.Request) *wire.Response {
	if c, ok := e.value.(Capability); ok {
		has, err := c.Has(req.Member)
		if err != nil {
			return r.errResponse(err)
		}
		return r.resultResponse(has, SysRef(sysBool))
	}
	if req.Static || isClassValue(e.value) {
		return r.resultResponse(false, SysRef(sysBool))
	}
	return r.resultResponse(hasAttr(e.value, req.Member), SysRef(sysBool))
}

func (r *Responder) respondDelAttr(e *entry, req *wire.Request) *wire.Response {
	if c, ok := e.value.(Capability); ok {
		if err := c.Delete(req.Member); err != nil {
			return r.errResponse(err)
		}
		return r.okResponse()
	}
	if req.Static || isClassValue(e.value) {
		return r.errResponse(&AttrNotFoundError{Name: req.Member, Owner: r.ownerName(e)})
	}
	if err := delAttr(e.value, req.Member, r.ownerName(e)); err != nil {
		return r.errResponse(err)
	}
	return r.okResponse()
}

// isClassValue reports whether a resolved target is a class registration
// rather than an instance.
func isClassValue(v any) bool {
	switch v.(type) {
	case *NativeClass, reflect.Type:
		return true
	}
	return false
}

func (r *Responder) respondInstanceOf(e *entry, req *wire.Request) *wire.Response {
	if len(req.Args) != 1 {
		return r.errResponse(fmt.Errorf("%w: InstanceOf takes one argument", ErrProtocol))
	}
	classUID := req.Args[0].TargetUID()
	classEntry, ok := r.frame.ctx.Resolve(classUID)
	if !ok {
		return r.errResponse(&MissingDefError{UID: classUID})
	}

	vt := reflect.TypeOf(e.value)
	var is bool
	switch class := classEntry.value.(type) {
	case *NativeClass:
		is = vt != nil && (vt == class.Type || vt.AssignableTo(class.Type))
	case reflect.Type:
		is = vt != nil && (vt == class || vt.AssignableTo(class))
	default:
		// Stand-in instances compare by declared class identity.
		if obj, ook := e.value.(*RemoteObject); ook && obj.class != nil {
			is = obj.class.UID == classUID
		}
	}
	return r.resultResponse(is, SysRef(sysBool))
}

// ---------------------------------------------------------------------------
// Schema plumbing
// ---------------------------------------------------------------------------

// ownerClass resolves the class definition owning an object entry.
func (r *Responder) ownerClass(e *entry) *wire.Message {
	if e.def == nil {
		return nil
	}
	if e.def.Kind == wire.KindClass {
		return e.def
	}
	if e.def.Kind == wire.KindObject && e.def.Class != nil {
		if def, ok := r.frame.ctx.Definition(e.def.Class.TargetUID()); ok {
			return def
		}
	}
	return nil
}

func (r *Responder) ownerName(e *entry) string {
	if class := r.ownerClass(e); class != nil {
		return class.Name
	}
	if e.def != nil {
		return e.def.Name
	}
	return ""
}

// methodSchema resolves a member's function definition for positional
// decode and return typing.
func (r *Responder) methodSchema(e *entry, member string) *wire.Message {
	class := r.ownerClass(e)
	if class == nil {
		return nil
	}
	m := class.MethodNamed(member)
	if m == nil || m.Func == nil {
		return nil
	}
	if m.Func.IsRef() {
		if def, ok := r.frame.ctx.Definition(m.Func.UID); ok {
			return def
		}
		return nil
	}
	return m.Func
}

func (r *Responder) fieldHint(e *entry, member string) *wire.Message {
	if class := r.ownerClass(e); class != nil {
		if f := class.FieldNamed(member); f != nil {
			return f.Type
		}
	}
	return nil
}

// decodeArgs decodes request arguments positionally against a declared
// schema. A rest parameter's element type applies to every trailing
// positional. Without a schema the arguments decode untyped.
func (r *Responder) decodeArgs(schema []wire.Arg, args []*wire.Message) ([]any, error) {
	out := make([]any, 0, len(args))
	for i, am := range args {
		var hint *wire.Message
		switch {
		case i < len(schema):
			hint = schema[i].Type
		case len(schema) > 0 && schema[len(schema)-1].Rest:
			hint = schema[len(schema)-1].Type
		}
		v, err := r.frame.dec.Decode(am, hint)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
