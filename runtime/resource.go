package runtime

import (
	"reflect"
	"strconv"

	"github.com/farlink/farlink/wire"
)

// Resourcer is the explicit serialization trait. A value that implements
// it supplies its own definition schema, so the encoder never has to fall
// back to reflective enumeration for it. The returned definition carries no
// UID; the encoder assigns one on first registration.
type Resourcer interface {
	ResourceDef() *wire.Message
}

// NativeClass registers a Go type as a constructible class. Instances are
// values of Type (a pointer-to-struct type unless the class is Indexed, in
// which case any map type works).
type NativeClass struct {
	Name    string
	Type    reflect.Type
	New     func(args []any) (any, error) // optional explicit constructor
	Indexed bool                          // dynamic index signature
	Enum    bool
	Doc     string
}

// goTypeRef maps a Go type to a system-catalogue type reference. Types
// with no primitive mapping are typed Any; the caller may substitute a
// registered class ref when it knows one.
func goTypeRef(t reflect.Type) *wire.Message {
	if t == nil {
		return SysRef(sysAny)
	}
	switch t.Kind() {
	case reflect.Bool:
		return SysRef(sysBool)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return SysRef(sysInt)
	case reflect.Float32, reflect.Float64:
		return SysRef(sysFloat)
	case reflect.String:
		return SysRef(sysStr)
	case reflect.Slice, reflect.Array:
		return SysRef(sysArray)
	case reflect.Map:
		return SysRef(sysMap)
	case reflect.Func:
		return SysRef(sysFunction)
	default:
		return SysRef(sysAny)
	}
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// funcSchema builds the argument list and return ref for a Go function
// type. Names are positional; a variadic final parameter becomes a rest
// argument. A trailing error result is dropped from the schema: it travels
// as an Err response, not a return value.
func funcSchema(t reflect.Type) (args []wire.Arg, ret *wire.Message) {
	for i := 0; i < t.NumIn(); i++ {
		arg := wire.Arg{
			Name: argName(i),
			Type: goTypeRef(t.In(i)),
		}
		if t.IsVariadic() && i == t.NumIn()-1 {
			arg.Rest = true
			arg.Type = goTypeRef(t.In(i).Elem())
		}
		args = append(args, arg)
	}
	for i := 0; i < t.NumOut(); i++ {
		if t.Out(i) == errType {
			continue
		}
		ret = goTypeRef(t.Out(i))
		break
	}
	if ret == nil {
		ret = SysRef(sysNone)
	}
	return args, ret
}

func argName(i int) string {
	return "arg" + strconv.Itoa(i)
}

// structFields enumerates the exported fields of a struct type as class
// fields. This is the reflective path; type fidelity for non-primitive
// field types is reduced to Any.
func structFields(t reflect.Type) []wire.Field {
	var fields []wire.Field
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fields = append(fields, wire.Field{
			Name: f.Name,
			Type: goTypeRef(f.Type),
		})
	}
	return fields
}

// structElem unwraps a pointer type to its struct element, if that is what
// it is.
func structElem(t reflect.Type) (reflect.Type, bool) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Struct {
		return t, true
	}
	return nil, false
}
