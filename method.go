package detour

import (
	"fmt"
	"reflect"
	"runtime"
	"unsafe"
)

// Method is a function the engine can redirect, or redirect to.
//
// Methods built from Go values with FuncOf or MethodOf carry the function's
// code pointer and closure context. Methods for other runtimes are built with
// NewMethod and resolved entirely through that Runtime.
type Method struct {
	name     string
	typ      reflect.Type
	fn       reflect.Value
	instance bool
	entry    uintptr
	context  unsafe.Pointer
}

// FuncOf describes the function fn.
func FuncOf(fn any) (*Method, error) {
	return newMethod(fn, false)
}

// MethodOf describes a method expression such as (*T).Method. The receiver is
// the first parameter.
func MethodOf(fn any) (*Method, error) {
	m, err := newMethod(fn, true)
	if err != nil {
		return nil, err
	}
	if m.typ.NumIn() == 0 {
		return nil, fmt.Errorf("method %s has no receiver parameter", m.name)
	}
	return m, nil
}

// NewMethod describes a method that exists only inside a Runtime. typ is
// the signature with the receiver, if any, as the first parameter.
func NewMethod(name string, typ reflect.Type, instance bool) *Method {
	return &Method{name: name, typ: typ, instance: instance}
}

func newMethod(fn any, instance bool) (*Method, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotAFunction, v.Kind())
	}
	if v.IsNil() {
		return nil, fmt.Errorf("%w: nil function", ErrNilArgument)
	}

	entry := v.Pointer()
	name := "<unknown>"
	if f := runtime.FuncForPC(entry); f != nil {
		name = f.Name()
	}

	return &Method{
		name:     name,
		typ:      v.Type(),
		fn:       v,
		instance: instance,
		entry:    entry,
		context:  funcContext(fn),
	}, nil
}

// funcContext returns the closure pointer of a func value stored in an
// interface. Func values are pointer-shaped, so it's the data word.
func funcContext(fn any) unsafe.Pointer {
	return (*[2]unsafe.Pointer)(unsafe.Pointer(&fn))[1]
}

func (m *Method) Name() string {
	return m.name
}

// Type returns the signature, receiver first for instance methods.
func (m *Method) Type() reflect.Type {
	return m.typ
}

func (m *Method) IsInstance() bool {
	return m.instance
}

// Func returns the Go function value, or an invalid Value for methods built
// with NewMethod.
func (m *Method) Func() reflect.Value {
	return m.fn
}

// Entry returns the code pointer of a Go function, or 0.
func (m *Method) Entry() uintptr {
	return m.entry
}

func (m *Method) String() string {
	return m.name
}

func sameMethod(a, b *Method) bool {
	if a == b {
		return true
	}
	return a.fn.IsValid() && b.fn.IsValid() && a.entry == b.entry && a.context == b.context
}

// returnType returns the single result type, or nil.
func (m *Method) returnType() reflect.Type {
	if m.typ == nil || m.typ.NumOut() != 1 {
		return nil
	}
	return m.typ.Out(0)
}
