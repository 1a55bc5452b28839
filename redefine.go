package detour

import (
	"fmt"
	"reflect"
	"sync"
)

var (
	mu        sync.RWMutex
	redefined = map[uintptr]*Detour{}
)

// Func redefines fn with newFn. An error will be returned if fn or newFn are
// not functions or if their signatures do not match.
//
// Note that if fn has been inlined this will silently fail. If possible, add a
// noinline directive to work-around this problem:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func Func(fn, newFn any) error {
	fnv, newFnv, err := funcValues(fn, newFn)
	if err != nil {
		return err
	}

	if err := diffFuncs(fnv.Type(), newFnv.Type()).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}

	return redefine(fn, newFn, false)
}

// Method redefines a method with newFn. Both are method expressions, such
// as (*T).Method, so the receiver is the first argument. The receivers may
// be different pointer types, but the rest of the signature must match.
func Method(fn, newFn any) error {
	fnv, newFnv, err := funcValues(fn, newFn)
	if err != nil {
		return err
	}

	ft, nt := fnv.Type(), newFnv.Type()
	if ft.NumIn() == 0 || nt.NumIn() == 0 {
		return fmt.Errorf("%w: method expressions need a receiver argument", ErrSignatureMismatch)
	}

	diff := diffFuncs(ft, nt)
	if receiversCompatible(ft.In(0), nt.In(0)) {
		diff.In[0] = nil
	}
	if err := diff.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}

	return redefine(fn, newFn, true)
}

func funcValues(fn, newFn any) (reflect.Value, reflect.Value, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return fnv, reflect.Value{}, fmt.Errorf("%w, kind: %v", ErrNotAFunction, fnv.Kind())
	}
	newFnv := reflect.ValueOf(newFn)
	if newFnv.Kind() != reflect.Func {
		return fnv, newFnv, fmt.Errorf("%w, kind: %v", ErrNotAFunction, newFnv.Kind())
	}
	if fnv.IsNil() || newFnv.IsNil() {
		return fnv, newFnv, fmt.Errorf("%w: nil function", ErrNilArgument)
	}
	return fnv, newFnv, nil
}

func redefine(fn, newFn any, instance bool) error {
	t, err := Current()
	if err != nil {
		return err
	}

	src, err := newMethod(fn, instance)
	if err != nil {
		return err
	}
	dst, err := newMethod(newFn, instance)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	// Redefining again replaces the previous definition.
	if d, ok := redefined[src.Entry()]; ok {
		delete(redefined, src.Entry())
		if err := d.Close(); err != nil {
			return err
		}
	}

	d, err := t.NewDetour(src, dst, true)
	if err != nil {
		return err
	}
	redefined[src.Entry()] = d
	return nil
}

// Restore undoes Func or Method for fn.
func Restore(fn any) error {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return fmt.Errorf("%w, kind: %v", ErrNotAFunction, fnv.Kind())
	}

	mu.Lock()
	defer mu.Unlock()

	d, ok := redefined[fnv.Pointer()]
	if !ok {
		return fmt.Errorf("%w: function was not redefined", ErrNotApplied)
	}
	delete(redefined, fnv.Pointer())
	return d.Close()
}
