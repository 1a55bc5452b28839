package detour

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// MethodCompiledEvent reports that a method has new native code.
type MethodCompiledEvent struct {
	Method    *Method
	CodeStart uintptr
	CodeSize  int
}

// Runtime is the language runtime side of a Triple. It owns method
// compilation and knows where a method's code lives.
type Runtime interface {
	Name() string
	Features() RuntimeFeature

	// Abi returns the calling convention of compiled methods, if known.
	Abi() (Abi, bool)

	// GetMethodEntryPoint returns the address a call to m jumps to. It may
	// be a thunk.
	GetMethodEntryPoint(m *Method) (uintptr, error)
	// GetIdentifiable returns the canonical handle for m, so different
	// handles to the same method compare equal.
	GetIdentifiable(m *Method) *Method
	// Compile makes sure m has native code.
	Compile(m *Method) error
	DisableInlining(m *Method) error
	// PinMethod keeps m's code from moving until unpin is called.
	PinMethod(m *Method) (unpin func(), err error)
	// OnMethodCompiled registers h for every (re)compilation. Calling
	// remove unregisters it.
	OnMethodCompiled(h func(MethodCompiledEvent)) (remove func())
}

// PrestubProvider is implemented by runtimes that send methods without code
// through a shared stub. Reaching the stub while resolving a method body
// means the method must be compiled first.
type PrestubProvider interface {
	PrestubAddress() (uintptr, error)
}

// MethodCompiler is implemented by runtimes that report
// RuntimeRequiresCustomMethodCompile. CompileMethod compiles m and returns
// where its new code starts.
type MethodCompiler interface {
	CompileMethod(m *Method) (uintptr, error)
}

// CodeSizer is implemented by runtimes that know how many bytes of code
// start at an entry point. It bounds how much a detour may overwrite.
type CodeSizer interface {
	CodeSize(entry uintptr) int
}

// IdentityReleaser is implemented by runtimes whose GetIdentifiable keeps
// state. Every handle returned by GetIdentifiable is released once.
type IdentityReleaser interface {
	ReleaseIdentifiable(m *Method)
}

type methodKey struct {
	entry   uintptr
	context unsafe.Pointer
}

// goRuntime is the Runtime for Go functions in this process. Go code is
// compiled ahead of time and never moves, so there is nothing to compile,
// pin or watch.
type goRuntime struct {
	arch ArchitectureKind

	mu         sync.Mutex
	identities map[methodKey]*identity
}

// identity is the canonical handle for a methodKey and how many callers
// hold it.
type identity struct {
	m    *Method
	refs int
}

func newGoRuntime(arch ArchitectureKind) *goRuntime {
	return &goRuntime{arch: arch, identities: map[methodKey]*identity{}}
}

func (r *goRuntime) Name() string {
	return "go " + runtime.Version()
}

func (r *goRuntime) Features() RuntimeFeature {
	return RuntimePreciseGC | RuntimeRequiresMethodIdentification | RuntimeHasKnownABI
}

func (r *goRuntime) Abi() (Abi, bool) {
	return GoAbi(r.arch), true
}

func (r *goRuntime) GetMethodEntryPoint(m *Method) (uintptr, error) {
	if m.Entry() == 0 {
		return 0, fmt.Errorf("%s is not a Go function", m)
	}
	return m.Entry(), nil
}

// GetIdentifiable maps every handle for the same code and closure to the
// first handle seen that is still held.
func (r *goRuntime) GetIdentifiable(m *Method) *Method {
	if m.Entry() == 0 {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := methodKey{m.entry, m.context}
	id, ok := r.identities[key]
	if !ok {
		id = &identity{m: m}
		r.identities[key] = id
	}
	id.refs++
	return id.m
}

func (r *goRuntime) ReleaseIdentifiable(m *Method) {
	if m.Entry() == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := methodKey{m.entry, m.context}
	id, ok := r.identities[key]
	if !ok {
		return
	}
	id.refs--
	if id.refs <= 0 {
		delete(r.identities, key)
	}
}

func (r *goRuntime) Compile(*Method) error {
	return nil
}

// DisableInlining can't undo inlining the compiler already did. Use a
// //go:noinline directive instead.
func (r *goRuntime) DisableInlining(*Method) error {
	return errors.ErrUnsupported
}

func (r *goRuntime) PinMethod(*Method) (func(), error) {
	return func() {}, nil
}

func (r *goRuntime) OnMethodCompiled(func(MethodCompiledEvent)) func() {
	return func() {}
}

func (r *goRuntime) CodeSize(entry uintptr) int {
	return funcBodySize(entry)
}
