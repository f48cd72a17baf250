package runtime

import (
	"reflect"
	"testing"

	"github.com/farlink/farlink/wire"
)

type widget struct {
	Label string
}

func classDef(world int32, local int64, name string) *wire.Message {
	return &wire.Message{Kind: wire.KindClass, UID: wire.UID{World: world, Local: local}, Name: name}
}

func TestContext_RegisterAndResolve(t *testing.T) {
	ctx := NewContext(nil)
	def := classDef(1, 1, "Widget")
	ctx.Register(def, nil)

	got, ok := ctx.Definition(def.UID)
	if !ok {
		t.Fatal("Definition: not found")
	}
	if got.Name != "Widget" {
		t.Errorf("Name: got %q, want Widget", got.Name)
	}
	if _, ok := ctx.Value(def.UID); ok {
		t.Error("Value: none was registered")
	}
}

func TestContext_ValueUpgrade(t *testing.T) {
	ctx := NewContext(nil)
	def := &wire.Message{Kind: wire.KindObject, UID: wire.UID{World: 1, Local: 2}}
	ctx.Register(def, nil)

	w := &widget{Label: "a"}
	ctx.Register(def, w)

	v, ok := ctx.Value(def.UID)
	if !ok || v != any(w) {
		t.Fatal("value upgrade did not take")
	}

	// A later registration must not replace the attached value.
	ctx.Register(def, &widget{Label: "b"})
	v, _ = ctx.Value(def.UID)
	if v.(*widget).Label != "a" {
		t.Error("value was replaced after attachment")
	}
}

func TestContext_ChainResolve(t *testing.T) {
	parent := NewContext(nil)
	parent.Register(classDef(1, 3, "Base"), nil)

	child := NewContext(parent)
	if _, ok := child.Definition(wire.UID{World: 1, Local: 3}); !ok {
		t.Error("child should resolve through parent")
	}
	if _, ok := child.resolveLocal(wire.UID{World: 1, Local: 3}); ok {
		t.Error("resolveLocal should only see own maps")
	}
}

func TestContext_IdentityIndex(t *testing.T) {
	ctx := NewContext(nil)
	w := &widget{Label: "x"}
	def := &wire.Message{Kind: wire.KindObject, UID: wire.UID{World: 1, Local: 4}}
	ctx.Register(def, w)

	uid, ok := ctx.UIDForValue(w)
	if !ok || uid != def.UID {
		t.Fatalf("UIDForValue: got %v %v", uid, ok)
	}
	if _, ok := ctx.UIDForValue(&widget{Label: "x"}); ok {
		t.Error("a distinct pointer must not share identity")
	}
}

func TestContext_TypeIndexForNativeClass(t *testing.T) {
	ctx := NewContext(nil)
	nc := &NativeClass{Name: "Widget", Type: reflect.TypeOf(&widget{})}
	def := classDef(1, 5, "Widget")
	ctx.Register(def, nc)

	uid, ok := ctx.UIDForType(reflect.TypeOf(&widget{}))
	if !ok || uid != def.UID {
		t.Fatalf("UIDForType: got %v %v", uid, ok)
	}
}

func TestContext_PromoteTo(t *testing.T) {
	parent := NewContext(nil)
	child := NewContext(parent)
	def := classDef(2, 6, "Promoted")
	child.Register(def, nil)

	if _, ok := parent.Definition(def.UID); ok {
		t.Fatal("parent should not see the def before promotion")
	}
	child.PromoteTo(parent)
	if _, ok := parent.Definition(def.UID); !ok {
		t.Error("promotion did not publish the def")
	}
}

func TestIdentityHandle(t *testing.T) {
	if _, ok := identityHandle(42); ok {
		t.Error("scalars have no identity")
	}
	if _, ok := identityHandle(widget{}); ok {
		t.Error("plain structs have no identity")
	}
	if _, ok := identityHandle(&widget{}); !ok {
		t.Error("pointers have identity")
	}
	if _, ok := identityHandle(map[string]int{}); !ok {
		t.Error("maps have identity")
	}
	if _, ok := identityHandle([]int{1}); !ok {
		t.Error("non-empty slices have identity")
	}
}

func TestAllocator(t *testing.T) {
	a := NewAllocator(1)
	u1 := a.Next()
	u2 := a.Next()
	if u1.World != 1 || u1.Local != 1 || u2.Local != 2 {
		t.Fatalf("Next: got %v then %v", u1, u2)
	}
	a.Reserve(10)
	if got := a.Next(); got.Local != 11 {
		t.Errorf("after Reserve(10): got local %d, want 11", got.Local)
	}
	a.Reserve(5) // behind the counter, no effect
	if got := a.Next(); got.Local != 12 {
		t.Errorf("after no-op reserve: got local %d, want 12", got.Local)
	}
}
