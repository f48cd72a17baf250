package runtime

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/farlink/farlink/wire"
)

// CompiledEntry is one pre-resolved local supplied to a frame at creation:
// a named definition together with the live value it denotes on this side.
// System entries describe catalogue resources and carry no value of their
// own. DeclOnly entries are forward declarations; their definitions are
// registered but the entry never yields a resolvable value.
type CompiledEntry struct {
	Name     string
	Def      *wire.Message
	Value    any
	System   bool
	DeclOnly bool
}

// IngestCompiled populates the frame's context from an externally compiled
// set of locals, keyed by decimal-string local id. Entries are registered
// in dependency order: classes and annotations first, then functions, then
// objects, so that an object's class definition is always resolvable by
// the time the object lands. The identity allocator is advanced past every
// ingested own-world id so later minting cannot collide.
func (f *Frame) IngestCompiled(entries map[string]CompiledEntry) error {
	type keyed struct {
		local int64
		e     CompiledEntry
	}
	var all []keyed
	for k, e := range entries {
		local, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return fmt.Errorf("runtime: ingest key %q is not a decimal id: %w", k, err)
		}
		if e.Def == nil {
			return fmt.Errorf("runtime: ingest entry %q has no definition", k)
		}
		all = append(all, keyed{local, e})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].local < all[j].local })

	for _, k := range all {
		if !k.e.System && k.e.Def.UID.World == f.rt.world {
			f.rt.alloc.Reserve(k.local)
		}
	}

	pass := func(want func(*wire.Message) bool) error {
		for _, k := range all {
			if !want(k.e.Def) {
				continue
			}
			if err := f.ingestOne(k.e); err != nil {
				return err
			}
		}
		return nil
	}

	if err := pass(func(m *wire.Message) bool {
		return m.Kind == wire.KindClass || m.IsAnnotation()
	}); err != nil {
		return err
	}
	if err := pass(func(m *wire.Message) bool { return m.Kind == wire.KindFunction }); err != nil {
		return err
	}
	return pass(func(m *wire.Message) bool { return m.Kind == wire.KindObject })
}

func (f *Frame) ingestOne(e CompiledEntry) error {
	def := e.Def

	// Objects whose class turns out to be a function or annotation were
	// mis-shaped by the external compiler; re-encode them from the live
	// value so they land in the right registry with a fresh id.
	if def.Kind == wire.KindObject && e.Value != nil && def.Class != nil {
		if cls, ok := f.ctx.Definition(def.Class.TargetUID()); ok {
			if cls.Kind == wire.KindFunction || cls.IsAnnotation() {
				m, _, err := f.Encode(e.Value)
				if err != nil {
					return fmt.Errorf("runtime: re-encoding ingested %q: %w", e.Name, err)
				}
				if m.Kind == wire.KindRef {
					if e.Name != "" {
						f.names[e.Name] = m.UID
					}
					return nil
				}
				def = m
			}
		}
	}

	var value any
	if !e.DeclOnly {
		value = e.Value
	}
	f.ctx.Register(def, value)
	if e.Name != "" {
		f.names[e.Name] = def.UID
	}
	return nil
}
