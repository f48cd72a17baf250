package runtime

import (
	"sync/atomic"

	"github.com/farlink/farlink/wire"
)

// Allocator mints unique resource identifiers for one side. The world
// number partitions the two sides' identifier spaces so they never collide.
// One allocator is shared by every frame on a side; concurrent
// conversations mint through it, so the counter is atomic.
type Allocator struct {
	world int32
	next  atomic.Int64
}

// NewAllocator creates an allocator for the given world. Local ids start
// at 1; negative ids belong to the system catalogue.
func NewAllocator(world int32) *Allocator {
	a := &Allocator{world: world}
	a.next.Store(1)
	return a
}

// World returns the allocator's world number.
func (a *Allocator) World() int32 {
	return a.world
}

// Next mints a fresh UID.
func (a *Allocator) Next() wire.UID {
	return wire.UID{World: a.world, Local: a.next.Add(1) - 1}
}

// Reserve advances the counter past an externally assigned id, so that ids
// ingested from a compiled concept context cannot collide with ones minted
// later.
func (a *Allocator) Reserve(local int64) {
	for {
		cur := a.next.Load()
		if local < cur {
			return
		}
		if a.next.CompareAndSwap(cur, local+1) {
			return
		}
	}
}
