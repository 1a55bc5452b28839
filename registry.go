package detour

import (
	"slices"
	"sync"
)

// relatedDetourBag holds the detours of one source method. An invalid bag
// has been removed from the registry and accepts no more boxes.
type relatedDetourBag struct {
	mu      sync.Mutex
	boxes   []*managedDetourBox
	invalid bool
}

// detourRegistry maps source methods to the detours watching them.
type detourRegistry struct {
	bags sync.Map // *Method -> *relatedDetourBag
}

func (r *detourRegistry) add(m *Method, box *managedDetourBox) {
	for {
		v, ok := r.bags.Load(m)
		if !ok {
			v, _ = r.bags.LoadOrStore(m, &relatedDetourBag{})
		}
		bag := v.(*relatedDetourBag)

		bag.mu.Lock()
		if bag.invalid {
			bag.mu.Unlock()
			// Help the remover along and try a fresh bag.
			r.bags.CompareAndDelete(m, bag)
			continue
		}
		bag.boxes = append(bag.boxes, box)
		bag.mu.Unlock()
		return
	}
}

func (r *detourRegistry) remove(m *Method, box *managedDetourBox) {
	v, ok := r.bags.Load(m)
	if !ok {
		return
	}
	bag := v.(*relatedDetourBag)

	bag.mu.Lock()
	defer bag.mu.Unlock()

	if i := slices.Index(bag.boxes, box); i >= 0 {
		bag.boxes = slices.Delete(bag.boxes, i, i+1)
	}
	if len(bag.boxes) == 0 && !bag.invalid {
		bag.invalid = true
		r.bags.CompareAndDelete(m, bag)
	}
}

// related returns the boxes watching m in registration order.
func (r *detourRegistry) related(m *Method) []*managedDetourBox {
	v, ok := r.bags.Load(m)
	if !ok {
		return nil
	}
	bag := v.(*relatedDetourBag)

	bag.mu.Lock()
	defer bag.mu.Unlock()
	return slices.Clone(bag.boxes)
}
