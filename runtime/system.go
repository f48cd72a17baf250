package runtime

import (
	"sync"

	"github.com/farlink/farlink/wire"
)

// The system catalogue holds the well-known built-in classes both sides
// assume without ever transmitting them. Identifiers are fixed negative
// locals in world 0; references to them travel with the system flag set.

const (
	sysNone      int64 = -1
	sysBool      int64 = -2
	sysInt       int64 = -3
	sysFloat     int64 = -4
	sysStr       int64 = -5
	sysArray     int64 = -6
	sysSet       int64 = -7
	sysTuple     int64 = -8
	sysMap       int64 = -9
	sysObject    int64 = -10
	sysFunction  int64 = -11
	sysException int64 = -12
	sysAny       int64 = -13
	sysFuture    int64 = -14

	// sysLookup is the well-known export-lookup function, the one entry
	// point a peer can call before it has learned any definitions.
	sysLookup int64 = -20
)

// SysUID returns the catalogue UID for a fixed system id.
func SysUID(local int64) wire.UID {
	return wire.UID{World: 0, Local: local}
}

// SysRef returns a system-flagged reference to a catalogue class.
func SysRef(local int64) *wire.Message {
	return wire.Ref(wire.KindClass, SysUID(local), true)
}

var (
	systemOnce sync.Once
	systemCtx  *Context
)

// SystemCatalogue returns the immutable root context shared by every frame
// on this side. Built once at first use and never mutated afterwards; both
// sides construct an identical copy, which is why it is never transmitted.
func SystemCatalogue() *Context {
	systemOnce.Do(buildSystemCatalogue)
	return systemCtx
}

func buildSystemCatalogue() {
	ctx := NewContext(nil)

	class := func(local int64, name string) {
		ctx.Register(&wire.Message{
			Kind: wire.KindClass,
			UID:  SysUID(local),
			Name: name,
		}, nil)
	}

	class(sysNone, "None")
	class(sysBool, "Bool")
	class(sysInt, "Int")
	class(sysFloat, "Float")
	class(sysStr, "Str")
	class(sysArray, "Array")
	class(sysSet, "Set")
	class(sysTuple, "Tuple")
	class(sysMap, "Map")
	class(sysObject, "Object")
	class(sysFunction, "Function")
	class(sysException, "Exception")
	class(sysAny, "Any")
	class(sysFuture, "Future")

	ctx.Register(&wire.Message{
		Kind:   wire.KindFunction,
		UID:    SysUID(sysLookup),
		Name:   "lookup",
		Doc:    "Resolve an exported resource by name.",
		Args:   []wire.Arg{{Name: "name", Type: SysRef(sysStr)}},
		Return: SysRef(sysAny),
	}, nil)

	systemCtx = ctx
}

// isSystemPrimitive reports whether a UID names a catalogue class whose
// hint must never drive structural recursion (primitives, Any, Object).
func isSystemPrimitive(uid wire.UID) bool {
	if !uid.IsSystem() || uid.World != 0 {
		return false
	}
	switch uid.Local {
	case sysNone, sysBool, sysInt, sysFloat, sysStr, sysObject, sysAny:
		return true
	}
	return false
}

// containerKindFor maps a catalogue container class to its message kind.
func containerKindFor(uid wire.UID) (wire.Kind, bool) {
	if uid.World != 0 {
		return 0, false
	}
	switch uid.Local {
	case sysArray:
		return wire.KindArray, true
	case sysSet:
		return wire.KindSet, true
	case sysTuple:
		return wire.KindTuple, true
	case sysMap:
		return wire.KindMap, true
	}
	return 0, false
}
