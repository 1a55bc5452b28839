package detour

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func init() {
	commonlog.Configure(0, nil)
}

// codeBuffer is Go heap memory standing in for a function body. The fakes
// never execute it.
type codeBuffer struct {
	buf []byte
}

func newCodeBuffer(t *testing.T, size int) *codeBuffer {
	t.Helper()
	cb := &codeBuffer{buf: bytes.Repeat([]byte{opcodeINT3}, size)}
	t.Cleanup(func() {
		runtime.KeepAlive(cb.buf)
	})
	return cb
}

func (cb *codeBuffer) addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(cb.buf)))
}

func (cb *codeBuffer) snapshot() []byte {
	return bytes.Clone(cb.buf)
}

type fakeAllocation struct {
	buf    []byte
	closed bool
}

func (a *fakeAllocation) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.buf)))
}

func (a *fakeAllocation) Size() int {
	return len(a.buf)
}

func (a *fakeAllocation) Close() error {
	if a.closed {
		return errors.New("allocation closed twice")
	}
	a.closed = true
	return nil
}

// fakeAllocator hands out Go heap memory.
type fakeAllocator struct {
	mu     sync.Mutex
	allocs []*fakeAllocation
	fail   error
}

func (f *fakeAllocator) Allocate(code []byte) (Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return nil, f.fail
	}
	// Over-allocate so the block starts on an 8 byte boundary like the
	// arena's.
	buf := make([]byte, len(code), len(code)+8)
	copy(buf, code)
	a := &fakeAllocation{buf: buf}
	f.allocs = append(f.allocs, a)
	return a, nil
}

func (f *fakeAllocator) Write(alloc Allocation, offset int, data []byte) error {
	a, ok := alloc.(*fakeAllocation)
	if !ok {
		return errors.New("foreign allocation")
	}
	if a.closed {
		return ErrClosed
	}
	copy(a.buf[offset:], data)
	return nil
}

// live returns the allocations that haven't been closed.
func (f *fakeAllocator) live() []*fakeAllocation {
	f.mu.Lock()
	defer f.mu.Unlock()

	var live []*fakeAllocation
	for _, a := range f.allocs {
		if !a.closed {
			live = append(live, a)
		}
	}
	return live
}

type patchCall struct {
	Kind PatchTargetKind
	Addr uintptr
	Data []byte
}

// fakeSystem writes to Go heap memory and records every patch.
type fakeSystem struct {
	alloc *fakeAllocator

	mu      sync.Mutex
	patches []patchCall
	fail    error
	// protectFail is returned after a complete write.
	protectFail error
	// readable caps GetSizeOfReadableMemory when set.
	readable int
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{alloc: &fakeAllocator{}}
}

func (s *fakeSystem) Target() OSKind {
	return currentOS()
}

func (s *fakeSystem) Features() SystemFeature {
	return SystemRWXPages | SystemRXPages
}

func (s *fakeSystem) PatchData(kind PatchTargetKind, addr uintptr, data, backup []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}
	s.patches = append(s.patches, patchCall{Kind: kind, Addr: addr, Data: bytes.Clone(data)})

	target := memoryAt(addr, len(data))
	if backup != nil {
		copy(backup, target)
	}
	copy(target, data)

	if s.protectFail != nil {
		return fmt.Errorf("%w: %w", ErrProtectionNotRestored, s.protectFail)
	}
	return nil
}

func (s *fakeSystem) GetSizeOfReadableMemory(addr uintptr, max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readable > 0 {
		return min(max, s.readable)
	}
	return max
}

func (s *fakeSystem) Allocator() ExecutableAllocator {
	return s.alloc
}

func (s *fakeSystem) calls() []patchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]patchCall(nil), s.patches...)
}

// fakeRuntime simulates a JIT: methods start at an entry point and Compile
// may move them somewhere else.
type fakeRuntime struct {
	features RuntimeFeature
	abi      Abi
	prestub  uintptr

	mu        sync.Mutex
	entries   map[*Method]uintptr
	compiled  map[*Method]uintptr
	compiles  map[*Method]int
	pins      map[*Method]int
	idents    map[*Method]int
	handlers  map[int]func(MethodCompiledEvent)
	nextID    int
	noinline  []*Method
	onCompile func(m *Method)
}

func newFakeRuntime(features RuntimeFeature) *fakeRuntime {
	return &fakeRuntime{
		features: features,
		abi:      SystemVAbi(),
		entries:  map[*Method]uintptr{},
		compiled: map[*Method]uintptr{},
		compiles: map[*Method]int{},
		pins:     map[*Method]int{},
		idents:   map[*Method]int{},
		handlers: map[int]func(MethodCompiledEvent){},
	}
}

func (r *fakeRuntime) Name() string {
	return "fake"
}

func (r *fakeRuntime) Features() RuntimeFeature {
	return r.features
}

func (r *fakeRuntime) Abi() (Abi, bool) {
	return r.abi, true
}

func (r *fakeRuntime) setEntry(m *Method, addr uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[m] = addr
}

// compilesTo makes Compile move m to addr.
func (r *fakeRuntime) compilesTo(m *Method, addr uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled[m] = addr
}

func (r *fakeRuntime) GetMethodEntryPoint(m *Method) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr, ok := r.entries[m]
	if !ok {
		if m.Entry() != 0 {
			return m.Entry(), nil
		}
		return 0, fmt.Errorf("unknown method %s", m)
	}
	return addr, nil
}

func (r *fakeRuntime) GetIdentifiable(m *Method) *Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idents[m]++
	return m
}

func (r *fakeRuntime) ReleaseIdentifiable(m *Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idents[m]--
	if r.idents[m] == 0 {
		delete(r.idents, m)
	}
}

// heldIdentities returns how many GetIdentifiable results weren't released.
func (r *fakeRuntime) heldIdentities() map[*Method]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.idents)
}

func (r *fakeRuntime) Compile(m *Method) error {
	r.mu.Lock()
	r.compiles[m]++
	addr, moved := r.compiled[m]
	if moved {
		r.entries[m] = addr
	}
	hook := r.onCompile
	r.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return nil
}

func (r *fakeRuntime) compileCount(m *Method) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compiles[m]
}

func (r *fakeRuntime) DisableInlining(m *Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noinline = append(r.noinline, m)
	return errors.New("inlining is fixed")
}

func (r *fakeRuntime) PinMethod(m *Method) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins[m]++
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.pins[m]--
	}, nil
}

func (r *fakeRuntime) pinCount(m *Method) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pins[m]
}

func (r *fakeRuntime) OnMethodCompiled(h func(MethodCompiledEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, id)
	}
}

// fire raises a compilation event synchronously.
func (r *fakeRuntime) fire(ev MethodCompiledEvent) {
	r.mu.Lock()
	handlers := make([]func(MethodCompiledEvent), 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (r *fakeRuntime) PrestubAddress() (uintptr, error) {
	return r.prestub, nil
}

// newFakeTriple builds an amd64 Triple on the fakes.
func newFakeTriple(t *testing.T, rt Runtime) (*Triple, *fakeSystem) {
	t.Helper()

	sys := newFakeSystem()
	triple, err := NewTriple(newArchAMD64(sys.alloc, DefaultConfig()), sys, rt)
	require.NoError(t, err)
	return triple, sys
}

var testMethodType = reflect.TypeOf(func(int) int { return 0 })
