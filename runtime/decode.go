package runtime

import (
	"fmt"
	"reflect"

	"github.com/tliron/commonlog"

	"github.com/farlink/farlink/wire"
)

// Decoder converts wire messages back into live values, consulting and
// populating a frame context. Resources with no local backing materialize
// through the virtualizer.
type Decoder struct {
	ctx   *Context
	virt  *Virtualizer
	world int32
	log   commonlog.Logger
}

// NewDecoder creates a decoder over a frame context. world is this side's
// world number, used to recognize definitions that describe local
// resources.
func NewDecoder(ctx *Context, virt *Virtualizer, world int32) *Decoder {
	return &Decoder{
		ctx:   ctx,
		virt:  virt,
		world: world,
		log:   commonlog.GetLogger("farlink.decode"),
	}
}

// Decode converts a message into a value. hint is an optional expected
// class that may reclassify an ambiguous atom into an enum value or
// re-type a container. Annotations are recorded as schema and decode to no
// value. A reference whose UID is unknown anywhere in the context chain is
// a hard MissingDefError, never a silent nil.
func (d *Decoder) Decode(m *wire.Message, hint *wire.Message) (any, error) {
	if m == nil {
		return nil, nil
	}

	if m.IsAtom() && hint != nil {
		if h, ok := d.resolveHint(hint); ok && h.Enum {
			// The expected class says this atom is an enum literal.
			return d.atomValue(m)
		}
	}

	switch m.Kind {
	case wire.KindNone, wire.KindBool, wire.KindInt, wire.KindFloat, wire.KindStr:
		return d.atomValue(m)

	case wire.KindEnumVal:
		if m.Literal == nil {
			return nil, fmt.Errorf("%w: enum value without literal", ErrProtocol)
		}
		return d.atomValue(m.Literal)

	case wire.KindArray, wire.KindTuple:
		return d.decodeList(m)

	case wire.KindSet:
		return d.decodeSet(m)

	case wire.KindMap:
		return d.decodeMap(m)

	case wire.KindRef:
		return d.resolveRef(m)

	case wire.KindClass, wire.KindFunction, wire.KindObject:
		return d.materializeDef(m)

	case wire.KindUnion, wire.KindIntersection, wire.KindInterface, wire.KindMemberSig:
		// Schema, not data: record and produce no value.
		d.ctx.Register(m, nil)
		return nil, nil

	case wire.KindForeignExc, wire.KindGenericExc, wire.KindInternalExc:
		return d.DecodeException(m), nil

	default:
		return nil, fmt.Errorf("%w: message kind %s", ErrProtocol, m.Kind)
	}
}

func (d *Decoder) atomValue(m *wire.Message) (any, error) {
	switch m.Kind {
	case wire.KindNone:
		return nil, nil
	case wire.KindBool:
		return m.Bool, nil
	case wire.KindInt:
		return m.Int, nil
	case wire.KindFloat:
		return m.Float, nil
	case wire.KindStr:
		return m.Str, nil
	default:
		return nil, fmt.Errorf("%w: expected atom, got %s", ErrProtocol, m.Kind)
	}
}

func (d *Decoder) resolveHint(hint *wire.Message) (*wire.Message, bool) {
	if hint.IsRef() {
		if def, ok := d.ctx.Definition(hint.UID); ok {
			return def, true
		}
		return hint, true
	}
	if hint.IsDefinition() {
		return hint, true
	}
	return nil, false
}

func (d *Decoder) decodeList(m *wire.Message) (any, error) {
	elemHint := m.ElemClass
	out := make([]any, 0, len(m.Items))
	for _, item := range m.Items {
		v, err := d.Decode(item, elemHint)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *Decoder) decodeSet(m *wire.Message) (any, error) {
	out := make(map[any]struct{}, len(m.Items))
	for _, item := range m.Items {
		v, err := d.Decode(item, m.ElemClass)
		if err != nil {
			return nil, err
		}
		if !isHashable(v) {
			return nil, fmt.Errorf("runtime: unhashable set element of type %T", v)
		}
		out[v] = struct{}{}
	}
	return out, nil
}

func (d *Decoder) decodeMap(m *wire.Message) (any, error) {
	if len(m.Keys) != len(m.Values) {
		return nil, fmt.Errorf("%w: map key/value length mismatch", ErrProtocol)
	}
	out := make(map[any]any, len(m.Keys))
	for i := range m.Keys {
		k, err := d.Decode(m.Keys[i], m.KeyClass)
		if err != nil {
			return nil, err
		}
		if !isHashable(k) {
			return nil, fmt.Errorf("runtime: unhashable map key of type %T", k)
		}
		v, err := d.Decode(m.Values[i], m.ValClass)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (d *Decoder) resolveRef(m *wire.Message) (any, error) {
	e, ok := d.ctx.Resolve(m.UID)
	if !ok {
		return nil, &MissingDefError{UID: m.UID}
	}
	if e.value != nil {
		return e.value, nil
	}
	if m.UID.IsSystem() {
		// Catalogue classes have no live backing; the definition itself is
		// the value of a system reference.
		return e.def, nil
	}
	return d.materializeDef(e.def)
}

// materializeDef caches a definition into the context and turns it into a
// value: the registered local resource when one exists, otherwise a
// virtualized stand-in. Repeated decodes of one UID are idempotent.
func (d *Decoder) materializeDef(def *wire.Message) (any, error) {
	d.ctx.Register(def, nil)
	e, ok := d.ctx.Resolve(def.UID)
	if !ok {
		return nil, &MissingDefError{UID: def.UID}
	}
	if e.value != nil {
		return e.value, nil
	}
	if def.UID.World == d.world {
		// A definition claiming to describe one of our own resources must
		// already have a live backing; the sides have diverged otherwise.
		return nil, &MissingDefError{UID: def.UID}
	}
	standIn, err := d.virt.Materialize(e.def, d.ctx)
	if err != nil {
		return nil, err
	}
	d.ctx.Register(e.def, standIn)
	return standIn, nil
}

// DecodeException turns an exception term into a Go error. Foreign
// exceptions reconstruct the original exception class when its constructor
// is locally known; generic exceptions become display-only shadows;
// internal exceptions stay opaque.
func (d *Decoder) DecodeException(m *wire.Message) error {
	if m.Kind != wire.KindForeignExc {
		return decodeException(m)
	}
	if m.Class == nil {
		return fmt.Errorf("%w: foreign exception without class", ErrProtocol)
	}
	classUID := m.Class.TargetUID()
	className := ""
	if def, ok := d.ctx.Definition(classUID); ok {
		className = def.Name
	}

	args := make([]any, 0, len(m.ExcArgs))
	strArgs := make([]string, 0, len(m.ExcArgs))
	for _, am := range m.ExcArgs {
		v, err := d.Decode(am, nil)
		if err != nil {
			return err
		}
		args = append(args, v)
		strArgs = append(strArgs, fmt.Sprintf("%v", v))
	}

	if v, ok := d.ctx.Value(classUID); ok {
		if nc, ncok := v.(*NativeClass); ncok && nc.New != nil {
			rebuilt, err := nc.New(args)
			if err == nil {
				if rerr, isErr := rebuilt.(error); isErr {
					return rerr
				}
				return &RemoteError{ClassName: className, Args: strArgs, Value: rebuilt}
			}
		}
	}
	return &RemoteError{ClassName: className, Args: strArgs}
}

func isHashable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}
