// Package wire defines the concept message model: the tagged-variant
// representation of every value, definition, and reference that can cross
// the boundary between two peers. Messages are encoded as canonical CBOR
// with integer struct keys.
package wire

import "fmt"

// Kind discriminates the variants of a Message.
type Kind uint8

const (
	// Atoms carry an inline scalar and are never definitions.
	KindNone  Kind = 1
	KindBool  Kind = 2
	KindInt   Kind = 3
	KindFloat Kind = 4
	KindStr   Kind = 5

	// Containers hold nested terms or references.
	KindArray Kind = 10
	KindSet   Kind = 11
	KindTuple Kind = 12
	KindMap   Kind = 13

	// Resource definitions. Each carries a UID and is registered at most
	// once per context chain.
	KindClass    Kind = 20
	KindFunction Kind = 21
	KindObject   Kind = 22

	// Annotation definitions: type-only schema, never instantiated.
	KindUnion        Kind = 30
	KindIntersection Kind = 31
	KindInterface    Kind = 32
	KindMemberSig    Kind = 33

	// KindRef stands in for a definition already known to both sides.
	KindRef Kind = 40

	// Exceptions.
	KindForeignExc  Kind = 50
	KindGenericExc  Kind = 51
	KindInternalExc Kind = 52

	// KindEnumVal is a literal atom tagged with its owning enum class.
	KindEnumVal Kind = 60
)

// String returns the kind name for diagnostics.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindStr:
		return "Str"
	case KindArray:
		return "Array"
	case KindSet:
		return "Set"
	case KindTuple:
		return "Tuple"
	case KindMap:
		return "Map"
	case KindClass:
		return "Class"
	case KindFunction:
		return "Function"
	case KindObject:
		return "Object"
	case KindUnion:
		return "Union"
	case KindIntersection:
		return "Intersection"
	case KindInterface:
		return "Interface"
	case KindMemberSig:
		return "MemberSig"
	case KindRef:
		return "Ref"
	case KindForeignExc:
		return "ForeignExc"
	case KindGenericExc:
		return "GenericExc"
	case KindInternalExc:
		return "InternalExc"
	case KindEnumVal:
		return "EnumVal"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// UID identifies a definition globally. World partitions the two sides'
// identifier spaces so they never collide; negative Local ids are reserved
// for the shared system catalogue and are never transmitted as definitions.
type UID struct {
	World int32 `cbor:"1,keyasint"`
	Local int64 `cbor:"2,keyasint"`
}

// IsZero reports whether the UID is unset.
func (u UID) IsZero() bool {
	return u.World == 0 && u.Local == 0
}

// IsSystem reports whether the UID belongs to the system catalogue.
func (u UID) IsSystem() bool {
	return u.Local < 0
}

// String returns the canonical map-key form of the UID.
func (u UID) String() string {
	return fmt.Sprintf("w%d:%d", u.World, u.Local)
}

// Field describes one declared field of a class or interface.
type Field struct {
	Name     string   `cbor:"1,keyasint"`
	Type     *Message `cbor:"2,keyasint,omitempty"` // type ref
	Default  *Message `cbor:"3,keyasint,omitempty"`
	Optional bool     `cbor:"4,keyasint,omitempty"`
	Static   bool     `cbor:"5,keyasint,omitempty"`
	Private  bool     `cbor:"6,keyasint,omitempty"`
}

// Method maps a member name to a function definition or reference.
type Method struct {
	Name    string   `cbor:"1,keyasint"`
	Func    *Message `cbor:"2,keyasint"` // function ref or definition
	Static  bool     `cbor:"3,keyasint,omitempty"`
	Private bool     `cbor:"4,keyasint,omitempty"`
}

// Arg describes one declared argument of a function.
type Arg struct {
	Name     string   `cbor:"1,keyasint"`
	Type     *Message `cbor:"2,keyasint,omitempty"` // type ref
	Optional bool     `cbor:"3,keyasint,omitempty"`
	Default  *Message `cbor:"4,keyasint,omitempty"`
	Rest     bool     `cbor:"5,keyasint,omitempty"` // absorbs trailing positionals
}

// Message is the wire representation of a term. It is a tagged union: Kind
// selects the variant and only that variant's fields are populated. A single
// struct keeps CBOR encoding flat and mirrors how chunks carry
// variant-specific payloads on one envelope type.
type Message struct {
	Kind Kind `cbor:"1,keyasint"`

	// Atom payloads.
	Bool  bool    `cbor:"2,keyasint,omitempty"`
	Int   int64   `cbor:"3,keyasint,omitempty"`
	Float float64 `cbor:"4,keyasint,omitempty"`
	Str   string  `cbor:"5,keyasint,omitempty"`

	// Container payloads. Map uses the parallel Keys/Values lists; the
	// optional class refs disambiguate decode.
	Items     []*Message `cbor:"6,keyasint,omitempty"`
	Keys      []*Message `cbor:"7,keyasint,omitempty"`
	Values    []*Message `cbor:"8,keyasint,omitempty"`
	ElemClass *Message   `cbor:"9,keyasint,omitempty"`
	KeyClass  *Message   `cbor:"10,keyasint,omitempty"`
	ValClass  *Message   `cbor:"11,keyasint,omitempty"`

	// Definition identity and metadata.
	UID  UID    `cbor:"12,keyasint,omitempty"`
	Name string `cbor:"13,keyasint,omitempty"`
	Doc  string `cbor:"14,keyasint,omitempty"`

	// Class payload.
	Fields   []Field    `cbor:"15,keyasint,omitempty"`
	Methods  []Method   `cbor:"16,keyasint,omitempty"`
	Bases    []*Message `cbor:"17,keyasint,omitempty"` // base-class refs
	Generic  string     `cbor:"18,keyasint,omitempty"` // instantiated-from-generic marker
	TypeArgs []*Message `cbor:"19,keyasint,omitempty"` // supplied type arguments
	CtorArgs []Arg      `cbor:"20,keyasint,omitempty"` // constructor-argument schema
	Enum     bool       `cbor:"21,keyasint,omitempty"` // class is an enum
	Indexed  bool       `cbor:"22,keyasint,omitempty"` // dynamic index signature

	// Function payload.
	Args   []Arg    `cbor:"23,keyasint,omitempty"`
	Return *Message `cbor:"24,keyasint,omitempty"` // return type ref

	// Object payload: class-or-interface ref plus own key names.
	Class   *Message `cbor:"25,keyasint,omitempty"`
	OwnKeys []string `cbor:"26,keyasint,omitempty"`

	// Annotation payloads. Members holds union/intersection member refs;
	// interfaces reuse the class payload fields. MemberSig reuses the
	// function payload plus Owner.
	Members     []*Message `cbor:"27,keyasint,omitempty"`
	Owner       UID        `cbor:"28,keyasint,omitempty"`
	OwnerStatic bool       `cbor:"29,keyasint,omitempty"`

	// Reference payload: the referenced definition's kind and UID.
	// References never embed a payload.
	RefKind Kind `cbor:"30,keyasint,omitempty"`
	System  bool `cbor:"31,keyasint,omitempty"`

	// Exception payloads. ForeignExc uses Class + ExcArgs; GenericExc uses
	// Name + StrArgs + Stack; InternalExc uses Str.
	ExcArgs []*Message `cbor:"32,keyasint,omitempty"`
	StrArgs []string   `cbor:"33,keyasint,omitempty"`
	Stack   []string   `cbor:"34,keyasint,omitempty"`

	// EnumVal payload: the literal atom plus the owning enum class ref.
	Literal *Message `cbor:"35,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// None returns the None atom.
func None() *Message {
	return &Message{Kind: KindNone}
}

// Bool returns a Bool atom.
func Bool(b bool) *Message {
	return &Message{Kind: KindBool, Bool: b}
}

// Int returns an Int atom.
func Int(n int64) *Message {
	return &Message{Kind: KindInt, Int: n}
}

// Float returns a Float atom.
func Float(f float64) *Message {
	return &Message{Kind: KindFloat, Float: f}
}

// Str returns a Str atom.
func Str(s string) *Message {
	return &Message{Kind: KindStr, Str: s}
}

// Ref returns a payload-free reference to the definition identified by uid.
func Ref(kind Kind, uid UID, system bool) *Message {
	return &Message{Kind: KindRef, RefKind: kind, UID: uid, System: system}
}

// RefTo returns a reference standing in for an existing definition message.
func RefTo(def *Message) *Message {
	return Ref(def.Kind, def.UID, def.UID.IsSystem())
}

// Array returns an Array container over the given items.
func Array(items ...*Message) *Message {
	return &Message{Kind: KindArray, Items: items}
}

// Tuple returns a Tuple container over the given items.
func Tuple(items ...*Message) *Message {
	return &Message{Kind: KindTuple, Items: items}
}

// Set returns a Set container over the given items.
func Set(items ...*Message) *Message {
	return &Message{Kind: KindSet, Items: items}
}

// MapOf returns a Map container over parallel key/value lists.
// Panics if the lists differ in length.
func MapOf(keys, values []*Message) *Message {
	if len(keys) != len(values) {
		panic("wire.MapOf: key/value length mismatch")
	}
	return &Message{Kind: KindMap, Keys: keys, Values: values}
}

// ForeignExc returns a reconstructible exception: a ref to its class plus
// the constructor arguments of the original value.
func ForeignExc(classRef *Message, args []*Message) *Message {
	return &Message{Kind: KindForeignExc, Class: classRef, ExcArgs: args}
}

// GenericExc returns a display-only shadow exception.
func GenericExc(className string, args []string, stack []string) *Message {
	return &Message{Kind: KindGenericExc, Name: className, StrArgs: args, Stack: stack}
}

// InternalExc returns an opaque internal-error exception.
func InternalExc(msg string) *Message {
	return &Message{Kind: KindInternalExc, Str: msg}
}

// EnumVal returns a literal tagged with its owning enum class ref.
func EnumVal(literal, owner *Message) *Message {
	return &Message{Kind: KindEnumVal, Literal: literal, Class: owner}
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

// IsAtom reports whether m is an inline scalar.
func (m *Message) IsAtom() bool {
	return m.Kind >= KindNone && m.Kind <= KindStr
}

// IsContainer reports whether m is an Array, Set, Tuple, or Map.
func (m *Message) IsContainer() bool {
	return m.Kind >= KindArray && m.Kind <= KindMap
}

// IsResource reports whether m is a resource definition (Class, Function,
// Object).
func (m *Message) IsResource() bool {
	return m.Kind >= KindClass && m.Kind <= KindObject
}

// IsAnnotation reports whether m is a type-only annotation definition.
func (m *Message) IsAnnotation() bool {
	return m.Kind >= KindUnion && m.Kind <= KindMemberSig
}

// IsDefinition reports whether m is registered under a UID (resource or
// annotation).
func (m *Message) IsDefinition() bool {
	return m.IsResource() || m.IsAnnotation()
}

// IsRef reports whether m is a reference.
func (m *Message) IsRef() bool {
	return m.Kind == KindRef
}

// IsException reports whether m is any exception variant.
func (m *Message) IsException() bool {
	return m.Kind >= KindForeignExc && m.Kind <= KindInternalExc
}

// TargetUID returns the definition UID a message points at: its own UID for
// definitions, the referenced UID for refs, and the zero UID otherwise.
func (m *Message) TargetUID() UID {
	if m.IsDefinition() || m.IsRef() {
		return m.UID
	}
	return UID{}
}

// MethodNamed returns the method entry with the given name, or nil.
func (m *Message) MethodNamed(name string) *Method {
	for i := range m.Methods {
		if m.Methods[i].Name == name {
			return &m.Methods[i]
		}
	}
	return nil
}

// FieldNamed returns the field entry with the given name, or nil.
func (m *Message) FieldNamed(name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}
