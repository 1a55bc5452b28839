package detour

import (
	"reflect"
	"unsafe"
)

// funcval is the runtime's representation of a func value.
type funcval struct {
	fn uintptr
}

// Original returns a function with the same behavior as the original version
// of the function. If the function has not been redefined the passed function
// will be returned.
//
// If the original function cannot be found for any reason Original returns nil.
// The returned function keeps working after fn is restored or redefined
// again; the code behind it is never freed.
//
// Technically, this calls the start of the original that was relocated, which
// then jumps back into the rest of it. If the original needs to grow the stack
// it will be restarted from the top, which runs the redefinition instead.
func Original[T any](fn T) T {
	var zero T

	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return zero
	}

	mu.RLock()
	d, ok := redefined[fnv.Pointer()]
	mu.RUnlock()
	if !ok {
		return fn
	}

	code, err := d.box.originalFunc()
	if err != nil || code == 0 {
		return zero
	}

	fv := &funcval{fn: code}
	return *(*T)(unsafe.Pointer(&fv))
}
