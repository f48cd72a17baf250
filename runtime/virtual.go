package runtime

import (
	"fmt"

	"github.com/farlink/farlink/wire"
)

// Capability is the explicit operation surface of a virtualized resource.
// Stand-ins implement it by forwarding every operation to the dispatcher;
// nothing is performed locally, and inconsistencies (including missing
// definitions) surface as response errors from the peer.
type Capability interface {
	Get(name string) (any, error)
	Set(name string, v any) error
	Has(name string) (bool, error)
	Delete(name string) error
	Invoke(args ...any) (any, error)
	Construct(args ...any) (any, error)
}

// remote is implemented by every stand-in so the encoder can turn one back
// into a plain reference when it crosses the boundary again.
type remote interface {
	remoteDef() *wire.Message
}

// Virtualizer builds local stand-ins for resources that live on the remote
// side.
type Virtualizer struct {
	disp *Dispatcher
}

// NewVirtualizer creates a virtualizer bound to a dispatcher.
func NewVirtualizer(disp *Dispatcher) *Virtualizer {
	return &Virtualizer{disp: disp}
}

// Materialize builds the stand-in for a resource definition. ctx resolves
// the owning class of object definitions.
func (vz *Virtualizer) Materialize(def *wire.Message, ctx *Context) (any, error) {
	switch def.Kind {
	case wire.KindClass:
		return &RemoteClass{def: def, disp: vz.disp}, nil
	case wire.KindFunction:
		return &RemoteFunc{def: def, disp: vz.disp}, nil
	case wire.KindObject:
		obj := &RemoteObject{def: def, disp: vz.disp}
		if def.Class != nil {
			if class, ok := ctx.Definition(def.Class.TargetUID()); ok {
				obj.class = class
			}
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("runtime: cannot virtualize %s", def.Kind)
	}
}

// ---------------------------------------------------------------------------
// RemoteClass
// ---------------------------------------------------------------------------

// RemoteClass is a constructible stand-in for a class on the peer.
// Attribute operations address the class side (statics).
type RemoteClass struct {
	def  *wire.Message
	disp *Dispatcher
}

func (c *RemoteClass) remoteDef() *wire.Message { return c.def }

// Name returns the declared class name.
func (c *RemoteClass) Name() string { return c.def.Name }

// UID returns the definition identity.
func (c *RemoteClass) UID() wire.UID { return c.def.UID }

// Construct asks the peer to instantiate the class.
func (c *RemoteClass) Construct(args ...any) (any, error) {
	return c.disp.Construct(c.def.UID, wire.RefTo(c.def), args)
}

// Get reads a static attribute.
func (c *RemoteClass) Get(name string) (any, error) {
	return c.disp.GetAttr(c.def.UID, name, true, c.fieldHint(name))
}

// Set writes a static attribute.
func (c *RemoteClass) Set(name string, v any) error {
	return c.disp.SetAttr(c.def.UID, name, v, true)
}

// Has reports whether the class declares the attribute.
func (c *RemoteClass) Has(name string) (bool, error) {
	return c.disp.HasAttr(c.def.UID, name, true)
}

// Delete removes a static attribute.
func (c *RemoteClass) Delete(name string) error {
	return c.disp.DelAttr(c.def.UID, name, true)
}

// Invoke is not a class operation.
func (c *RemoteClass) Invoke(args ...any) (any, error) {
	return nil, fmt.Errorf("runtime: class %s is not invocable", c.def.Name)
}

func (c *RemoteClass) fieldHint(name string) *wire.Message {
	if f := c.def.FieldNamed(name); f != nil {
		return f.Type
	}
	return nil
}

// ---------------------------------------------------------------------------
// RemoteFunc
// ---------------------------------------------------------------------------

// RemoteFunc is a callable stand-in for a function on the peer.
type RemoteFunc struct {
	def  *wire.Message
	disp *Dispatcher
}

func (f *RemoteFunc) remoteDef() *wire.Message { return f.def }

// Name returns the declared function name.
func (f *RemoteFunc) Name() string { return f.def.Name }

// UID returns the definition identity.
func (f *RemoteFunc) UID() wire.UID { return f.def.UID }

// Invoke calls the function on the peer, decoding the result against the
// declared return type.
func (f *RemoteFunc) Invoke(args ...any) (any, error) {
	return f.disp.Call(f.def.UID, args, f.def.Return)
}

func (f *RemoteFunc) Get(name string) (any, error) {
	return nil, &AttrNotFoundError{Name: name, Owner: f.def.Name}
}

func (f *RemoteFunc) Set(name string, v any) error {
	return &AttrNotFoundError{Name: name, Owner: f.def.Name}
}

func (f *RemoteFunc) Has(name string) (bool, error) { return false, nil }

func (f *RemoteFunc) Delete(name string) error {
	return &AttrNotFoundError{Name: name, Owner: f.def.Name}
}

func (f *RemoteFunc) Construct(args ...any) (any, error) {
	return nil, fmt.Errorf("runtime: function %s is not constructible", f.def.Name)
}

// ---------------------------------------------------------------------------
// RemoteObject
// ---------------------------------------------------------------------------

// RemoteObject is a stand-in for a live object on the peer. Access is
// split by the owning class's declared field and method name sets: methods
// materialize as bound RemoteMethod handles, everything else forwards as an
// attribute operation and lets the peer decide whether the name exists.
type RemoteObject struct {
	def   *wire.Message
	class *wire.Message // owning class definition, when resolvable
	disp  *Dispatcher
}

func (o *RemoteObject) remoteDef() *wire.Message { return o.def }

// UID returns the definition identity.
func (o *RemoteObject) UID() wire.UID { return o.def.UID }

// Class returns the owning class definition, or nil when only an
// interface ref was supplied.
func (o *RemoteObject) Class() *wire.Message { return o.class }

// Get reads a field, or returns a bound method handle when the owning
// class declares the name as a method.
func (o *RemoteObject) Get(name string) (any, error) {
	if o.class != nil {
		if m := o.class.MethodNamed(name); m != nil {
			return &RemoteMethod{owner: o, name: name, disp: o.disp}, nil
		}
	}
	return o.disp.GetAttr(o.def.UID, name, false, o.fieldHint(name))
}

// Set writes a field.
func (o *RemoteObject) Set(name string, v any) error {
	return o.disp.SetAttr(o.def.UID, name, v, false)
}

// Has reports whether the object carries the attribute.
func (o *RemoteObject) Has(name string) (bool, error) {
	return o.disp.HasAttr(o.def.UID, name, false)
}

// Delete removes an attribute or key.
func (o *RemoteObject) Delete(name string) error {
	return o.disp.DelAttr(o.def.UID, name, false)
}

// Call invokes a method by name.
func (o *RemoteObject) Call(name string, args ...any) (any, error) {
	return o.disp.CallMethod(o.def.UID, name, args, o.returnHint(name))
}

// InstanceOf asks the peer whether the object is an instance of the given
// class (a RemoteClass or a class ref).
func (o *RemoteObject) InstanceOf(class *RemoteClass) (bool, error) {
	return o.disp.InstanceOf(o.def.UID, wire.RefTo(class.def))
}

// Invoke is not an object operation.
func (o *RemoteObject) Invoke(args ...any) (any, error) {
	return nil, fmt.Errorf("runtime: object %s is not invocable", o.def.UID)
}

// Construct is not an object operation.
func (o *RemoteObject) Construct(args ...any) (any, error) {
	return nil, fmt.Errorf("runtime: object %s is not constructible", o.def.UID)
}

func (o *RemoteObject) fieldHint(name string) *wire.Message {
	if o.class != nil {
		if f := o.class.FieldNamed(name); f != nil {
			return f.Type
		}
	}
	return nil
}

func (o *RemoteObject) returnHint(name string) *wire.Message {
	if o.class == nil {
		return nil
	}
	m := o.class.MethodNamed(name)
	if m == nil || m.Func == nil {
		return nil
	}
	// The method entry may be a ref; resolve to the function definition
	// for its declared return type.
	fdef := m.Func
	if fdef.IsRef() {
		if def, ok := o.disp.frame.ctx.Definition(fdef.UID); ok {
			fdef = def
		}
	}
	return fdef.Return
}

// RemoteMethod is a bound method handle on a remote object.
type RemoteMethod struct {
	owner *RemoteObject
	name  string
	disp  *Dispatcher
}

// Name returns the bound method name.
func (m *RemoteMethod) Name() string { return m.name }

// Invoke calls the method on the peer.
func (m *RemoteMethod) Invoke(args ...any) (any, error) {
	return m.owner.Call(m.name, args...)
}
