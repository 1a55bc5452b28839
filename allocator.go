package detour

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// arenaAllocator hands out executable memory from a malloc arena. The arena
// is read+execute except inside mutate.
type arenaAllocator struct {
	mu        sync.Mutex
	arena     *malloc.Arena
	protect   func(int) error
	startSize int
}

func newArenaAllocator(startSize int) *arenaAllocator {
	return &arenaAllocator{startSize: startSize}
}

func (a *arenaAllocator) init() error {
	if a.arena != nil {
		return nil
	}

	be := arenaBackend()
	if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
		a.protect = protBE.Protect
	} else {
		a.protect = func(int) error {
			return nil
		}
	}

	a.arena = malloc.NewArena(uint64(a.startSize), malloc.Backend(be))
	if a.arena == nil {
		return errors.New("unable to initialize arena")
	}
	return nil
}

// mutate runs fn with the arena writable.
func (a *arenaAllocator) mutate(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return fmt.Errorf("error initializing allocator: %w", err)
	}
	if err := a.protect(protRWX); err != nil {
		return fmt.Errorf("unable to make arena writable: %w", err)
	}

	err := fn()
	return errors.Join(err, a.protect(protRX))
}

func (a *arenaAllocator) Allocate(code []byte) (Allocation, error) {
	if len(code) == 0 {
		return nil, errors.New("empty allocation")
	}

	var buf []byte
	err := a.mutate(func() error {
		var err error
		buf, err = malloc.MallocSlice[byte](a.arena, len(code))
		if err != nil {
			return err
		}
		copy(buf, code)
		cacheflush(buf)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &arenaAllocation{
		owner: a,
		buf:   buf,
		base:  uintptr(unsafe.Pointer(unsafe.SliceData(buf))),
	}, nil
}

func (a *arenaAllocator) Write(alloc Allocation, offset int, data []byte) error {
	aa, ok := alloc.(*arenaAllocation)
	if !ok || aa.owner != a {
		return errors.New("allocation does not belong to this allocator")
	}
	if offset < 0 || offset+len(data) > aa.Size() {
		return fmt.Errorf("write of %d bytes at offset %d overflows a %d byte allocation", len(data), offset, aa.Size())
	}

	return a.mutate(func() error {
		if aa.buf == nil {
			return ErrClosed
		}
		patchBytes(aa.base+uintptr(offset), data)
		cacheflush(aa.buf[offset : offset+len(data)])
		return nil
	})
}

func (a *arenaAllocator) free(aa *arenaAllocation) error {
	return a.mutate(func() error {
		if aa.buf == nil {
			return nil
		}
		malloc.FreeSlice(a.arena, aa.buf)
		aa.buf = nil
		return nil
	})
}

// arenaAllocation is one block of an arenaAllocator. buf is nil once the
// block is freed.
type arenaAllocation struct {
	owner *arenaAllocator
	buf   []byte
	base  uintptr
}

func (aa *arenaAllocation) Base() uintptr {
	return aa.base
}

func (aa *arenaAllocation) Size() int {
	aa.owner.mu.Lock()
	defer aa.owner.mu.Unlock()
	return len(aa.buf)
}

func (aa *arenaAllocation) Close() error {
	return aa.owner.free(aa)
}
