package runtime

import (
	"fmt"
	"reflect"

	"github.com/farlink/farlink/wire"
)

// invoker is the call surface shared by remote function and method
// stand-ins; the responder and argument bridging treat anything that
// implements it as callable.
type invoker interface {
	Invoke(args ...any) (any, error)
}

// callFunc invokes a Go function reflectively with loosely typed
// arguments. Missing trailing arguments fill with zero values (they were
// declared optional by the schema or the call is underspecified either
// way); a variadic final parameter absorbs the remaining arguments. A
// trailing error result is split off and returned as the error.
func callFunc(fn reflect.Value, args []any) (any, error) {
	ft := fn.Type()
	numIn := ft.NumIn()

	var in []reflect.Value
	if ft.IsVariadic() {
		fixed := numIn - 1
		for i := 0; i < fixed; i++ {
			v, err := bridgeValue(argAt(args, i), ft.In(i))
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}
		elem := ft.In(numIn - 1).Elem()
		for i := fixed; i < len(args); i++ {
			v, err := bridgeValue(args[i], elem)
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}
	} else {
		for i := 0; i < numIn; i++ {
			v, err := bridgeValue(argAt(args, i), ft.In(i))
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}
	}

	out := fn.Call(in)

	var result any
	for i, ov := range out {
		if ft.Out(i) == errType {
			if !ov.IsNil() {
				return nil, ov.Interface().(error)
			}
			continue
		}
		if result == nil {
			result = ov.Interface()
		}
	}
	return result, nil
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// bridgeValue adapts a decoded argument to a parameter type. Numeric
// widths convert; a remote callable bridges into a native func type via
// reflect.MakeFunc, which is what turns a callback argument into a
// counter-request when the serving side calls it.
func bridgeValue(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == t || rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) && convertSafe(rv.Kind(), t.Kind()) {
		return rv.Convert(t), nil
	}
	if t.Kind() == reflect.Func {
		if inv, ok := v.(invoker); ok {
			return bridgeFunc(inv, t), nil
		}
	}
	if t.Kind() == reflect.Slice && rv.Kind() == reflect.Slice {
		return bridgeSlice(rv, t)
	}
	return reflect.Value{}, fmt.Errorf("runtime: cannot use %T as %s", v, t)
}

// convertSafe restricts reflect conversions to ones that do not reinterpret
// the value (no int-to-string and similar surprises).
func convertSafe(from, to reflect.Kind) bool {
	numeric := func(k reflect.Kind) bool {
		return k >= reflect.Int && k <= reflect.Float64
	}
	if numeric(from) && numeric(to) {
		return true
	}
	return from == to
}

// bridgeFunc wraps a remote callable in a native func value of type t.
func bridgeFunc(inv invoker, t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := make([]any, len(in))
		for i, iv := range in {
			args[i] = iv.Interface()
		}
		res, err := inv.Invoke(args...)

		out := make([]reflect.Value, t.NumOut())
		errIdx := -1
		for i := 0; i < t.NumOut(); i++ {
			if t.Out(i) == errType {
				errIdx = i
				out[i] = reflect.Zero(errType)
				continue
			}
			bridged, berr := bridgeValue(res, t.Out(i))
			if berr != nil && err == nil {
				err = berr
			}
			if berr != nil {
				out[i] = reflect.Zero(t.Out(i))
			} else {
				out[i] = bridged
			}
		}
		if err != nil {
			if errIdx >= 0 {
				out[errIdx] = reflect.ValueOf(&err).Elem()
			} else {
				panic(err)
			}
		}
		return out
	})
}

func bridgeSlice(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.MakeSlice(t, rv.Len(), rv.Len())
	for i := 0; i < rv.Len(); i++ {
		ev, err := bridgeValue(valueInterface(rv.Index(i)), t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out.Index(i).Set(ev)
	}
	return out, nil
}

// constructStruct builds an instance of a registered struct class,
// assigning constructor arguments to fields in schema order.
func constructStruct(t reflect.Type, schema []wire.Arg, args []any) (any, error) {
	st, ok := structElem(t)
	if !ok {
		return nil, fmt.Errorf("runtime: %s is not a struct class", t)
	}
	inst := reflect.New(st)
	for i, arg := range args {
		if i >= len(schema) {
			break
		}
		field := inst.Elem().FieldByName(schema[i].Name)
		if !field.IsValid() || !field.CanSet() {
			continue
		}
		v, err := bridgeValue(arg, field.Type())
		if err != nil {
			return nil, err
		}
		field.Set(v)
	}
	return inst.Interface(), nil
}

// ---------------------------------------------------------------------------
// Attribute access
// ---------------------------------------------------------------------------

// getAttr reads a named attribute. Fixed-shape resources (structs) report
// absence as an attribute-not-found error; resources with a dynamic index
// signature (maps) report key-not-found instead.
func getAttr(target any, name, owner string) (any, error) {
	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Map {
		kv, err := mapKey(rv, name)
		if err != nil {
			return nil, err
		}
		got := rv.MapIndex(kv)
		if !got.IsValid() {
			return nil, &KeyNotFoundError{Key: name}
		}
		return valueInterface(got), nil
	}

	elem := rv
	if elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}
	if elem.Kind() != reflect.Struct {
		return nil, &AttrNotFoundError{Name: name, Owner: owner}
	}
	field := elem.FieldByName(name)
	if !field.IsValid() {
		return nil, &AttrNotFoundError{Name: name, Owner: owner}
	}
	return valueInterface(field), nil
}

// setAttr writes a named attribute.
func setAttr(target any, name string, v any, owner string) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Map {
		kv, err := mapKey(rv, name)
		if err != nil {
			return err
		}
		vv, err := bridgeValue(v, rv.Type().Elem())
		if err != nil {
			return err
		}
		rv.SetMapIndex(kv, vv)
		return nil
	}

	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return &AttrNotFoundError{Name: name, Owner: owner}
	}
	field := rv.Elem().FieldByName(name)
	if !field.IsValid() || !field.CanSet() {
		return &AttrNotFoundError{Name: name, Owner: owner}
	}
	vv, err := bridgeValue(v, field.Type())
	if err != nil {
		return err
	}
	field.Set(vv)
	return nil
}

// hasAttr reports attribute presence: a map key, a struct field, or a
// method.
func hasAttr(target any, name string) bool {
	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Map {
		kv, err := mapKey(rv, name)
		if err != nil {
			return false
		}
		return rv.MapIndex(kv).IsValid()
	}
	if rv.MethodByName(name).IsValid() {
		return true
	}
	elem := rv
	if elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}
	if elem.Kind() == reflect.Struct {
		return elem.FieldByName(name).IsValid()
	}
	return false
}

// delAttr removes a key from an index-signature resource. Fixed-shape
// resources have no removable attributes.
func delAttr(target any, name, owner string) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Map {
		return &AttrNotFoundError{Name: name, Owner: owner}
	}
	kv, err := mapKey(rv, name)
	if err != nil {
		return err
	}
	if !rv.MapIndex(kv).IsValid() {
		return &KeyNotFoundError{Key: name}
	}
	rv.SetMapIndex(kv, reflect.Value{})
	return nil
}

func mapKey(rv reflect.Value, name string) (reflect.Value, error) {
	kt := rv.Type().Key()
	if kt.Kind() != reflect.String && kt.Kind() != reflect.Interface {
		return reflect.Value{}, fmt.Errorf("runtime: map key type %s is not addressable by name", kt)
	}
	if kt.Kind() == reflect.Interface {
		return reflect.ValueOf(any(name)), nil
	}
	return reflect.ValueOf(name).Convert(kt), nil
}
