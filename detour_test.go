package detour

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type detourFixture struct {
	rt     *fakeRuntime
	triple *Triple
	sys    *fakeSystem

	srcCode, dstCode *codeBuffer
	src, dst         *Method
}

func newDetourFixture(t *testing.T, features RuntimeFeature) *detourFixture {
	t.Helper()

	f := &detourFixture{rt: newFakeRuntime(features)}
	f.triple, f.sys = newFakeTriple(t, f.rt)

	// Buffers this size are never within rel8 range of each other.
	f.srcCode = newCodeBuffer(t, 256)
	// sub rsp, 0x18; nop
	copy(f.srcCode.buf, []byte{0x48, 0x83, 0xec, 0x18, 0x90})
	f.dstCode = newCodeBuffer(t, 256)

	f.src = NewMethod("Src", testMethodType, false)
	f.dst = NewMethod("Dst", testMethodType, false)
	f.rt.setEntry(f.src, f.srcCode.addr())
	f.rt.setEntry(f.dst, f.dstCode.addr())
	return f
}

func (f *detourFixture) newDetour(t *testing.T, applyNow bool) *Detour {
	t.Helper()

	d, err := f.triple.NewDetour(f.src, f.dst, applyNow)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, d.Close())
	})
	return d
}

func TestDetour_ApplyUndo(t *testing.T) {
	f := newDetourFixture(t, 0)
	original := f.srcCode.snapshot()

	d := f.newDetour(t, false)
	assert.False(t, d.IsApplied())
	assert.Zero(t, d.OriginalEntry())
	assert.Same(t, f.src, d.Source())
	assert.Same(t, f.dst, d.Target())

	require.NoError(t, d.Apply())
	assert.True(t, d.IsApplied())
	assert.NotEqual(t, original, f.srcCode.snapshot())

	calls := f.sys.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, PatchExecutable, calls[0].Kind)
	assert.Equal(t, f.srcCode.addr(), calls[0].Addr)

	alt := d.OriginalEntry()
	require.NotZero(t, alt)
	// The relocated prologue starts with the instructions that were
	// overwritten.
	assert.Equal(t, original[:4], memoryAt(alt, 4))

	require.NoError(t, d.Undo())
	assert.False(t, d.IsApplied())
	assert.Zero(t, d.OriginalEntry())
	assert.Equal(t, original, f.srcCode.snapshot())
	assert.Empty(t, f.sys.alloc.live())
	assert.Empty(t, f.triple.registry.related(f.src))
}

func TestDetour_StateErrors(t *testing.T) {
	f := newDetourFixture(t, 0)
	d := f.newDetour(t, false)

	assert.ErrorIs(t, d.Undo(), ErrNotApplied)

	require.NoError(t, d.Apply())
	assert.ErrorIs(t, d.Apply(), ErrAlreadyApplied)
	assert.Len(t, f.sys.calls(), 1)

	require.NoError(t, d.Close())
	assert.False(t, d.IsApplied())
	assert.NoError(t, d.Close())

	assert.ErrorIs(t, d.Apply(), ErrClosed)
	assert.ErrorIs(t, d.Undo(), ErrClosed)
}

func TestDetour_ApplyNow(t *testing.T) {
	f := newDetourFixture(t, 0)
	original := f.srcCode.snapshot()

	d := f.newDetour(t, true)
	assert.True(t, d.IsApplied())

	require.NoError(t, d.Close())
	assert.Equal(t, original, f.srcCode.snapshot())
}

func TestDetour_Self(t *testing.T) {
	f := newDetourFixture(t, 0)

	_, err := f.triple.NewDetour(f.src, f.src, true)
	assert.ErrorIs(t, err, ErrSelfDetour)

	_, err = f.triple.NewDetour(f.src, nil, true)
	assert.ErrorIs(t, err, ErrNilArgument)

	t.Run("shared code", func(t *testing.T) {
		alias := NewMethod("Alias", testMethodType, false)
		f.rt.setEntry(alias, f.srcCode.addr())

		_, err := f.triple.NewDetour(f.src, alias, true)
		assert.ErrorIs(t, err, ErrSelfDetour)
		assert.Empty(t, f.triple.registry.related(f.src))
	})

	assert.Empty(t, f.sys.calls())
}

func TestDetour_Recompiled(t *testing.T) {
	f := newDetourFixture(t, RuntimeCompileMethodHook)
	original := f.srcCode.snapshot()

	d := f.newDetour(t, true)
	oldAlt := d.OriginalEntry()
	require.NotZero(t, oldAlt)

	moved := newCodeBuffer(t, 256)
	copy(moved.buf, original)
	movedOriginal := moved.snapshot()

	f.rt.fire(MethodCompiledEvent{Method: f.src, CodeStart: moved.addr(), CodeSize: 256})

	calls := f.sys.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, f.srcCode.addr(), calls[0].Addr)
	// The new location is patched before the old one is restored.
	assert.Equal(t, moved.addr(), calls[1].Addr)
	assert.Equal(t, f.srcCode.addr(), calls[2].Addr)

	assert.Equal(t, original, f.srcCode.snapshot())
	assert.NotEqual(t, movedOriginal, moved.snapshot())
	assert.True(t, d.IsApplied())
	assert.NotZero(t, d.OriginalEntry())
	assert.NotEqual(t, oldAlt, d.OriginalEntry())

	require.NoError(t, d.Undo())
	assert.Equal(t, movedOriginal, moved.snapshot())
	assert.Empty(t, f.sys.alloc.live())
}

func TestDetour_OriginalOutlivesUndo(t *testing.T) {
	f := newDetourFixture(t, RuntimeCompileMethodHook)
	original := f.srcCode.snapshot()
	d := f.newDetour(t, true)

	code, err := d.box.originalFunc()
	require.NoError(t, err)
	require.NotZero(t, code)

	moved := newCodeBuffer(t, 256)
	copy(moved.buf, original)
	f.rt.fire(MethodCompiledEvent{Method: f.src, CodeStart: moved.addr(), CodeSize: 256})
	assert.Len(t, f.sys.alloc.live(), 2, "old and new alternate entries")

	require.NoError(t, d.Undo())
	live := f.sys.alloc.live()
	require.Len(t, live, 1)
	assert.Equal(t, code, live[0].Base())
	assert.Equal(t, original[:4], memoryAt(code, 4))

	// Nothing handed out this time, so nothing more is kept.
	require.NoError(t, d.Apply())
	require.NoError(t, d.Undo())
	assert.Len(t, f.sys.alloc.live(), 1)
}

func TestDetour_OriginalOfClosureOutlivesUndo(t *testing.T) {
	f := newDetourFixture(t, 0)

	n := 2
	src, err := FuncOf(func(x int) int { return x + n })
	require.NoError(t, err)
	require.NotNil(t, src.context)
	f.rt.setEntry(src, f.srcCode.addr())

	d, err := f.triple.NewDetour(src, f.dst, true)
	require.NoError(t, err)
	defer d.Close()

	code, err := d.box.originalFunc()
	require.NoError(t, err)
	assert.NotEqual(t, d.OriginalEntry(), code, "closures get a context stub")

	again, err := d.box.originalFunc()
	require.NoError(t, err)
	assert.Equal(t, code, again)

	require.NoError(t, d.Close())
	// The alternate entry and the stub in front of it.
	assert.Len(t, f.sys.alloc.live(), 2)
	assert.Len(t, f.triple.kept, 2)
}

func TestDetour_ReleasesIdentities(t *testing.T) {
	f := newDetourFixture(t, RuntimeRequiresMethodIdentification|RuntimeCompileMethodHook)

	d, err := f.triple.NewDetour(f.src, f.dst, true)
	require.NoError(t, err)
	assert.Equal(t, map[*Method]int{f.src: 1, f.dst: 1}, f.rt.heldIdentities())

	f.rt.fire(MethodCompiledEvent{Method: f.src, CodeStart: f.srcCode.addr()})
	assert.Equal(t, map[*Method]int{f.src: 1, f.dst: 1}, f.rt.heldIdentities())

	require.NoError(t, d.Undo())
	assert.Len(t, f.rt.heldIdentities(), 2, "held until closed")
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Empty(t, f.rt.heldIdentities())

	_, err = f.triple.NewDetour(f.src, f.src, true)
	assert.ErrorIs(t, err, ErrSelfDetour)
	assert.Empty(t, f.rt.heldIdentities())
}

func TestDetour_UndoFailure(t *testing.T) {
	f := newDetourFixture(t, RuntimeRequiresMethodPinning)
	d := f.newDetour(t, true)

	f.sys.fail = errors.New("locked")
	assert.ErrorContains(t, d.Undo(), "locked")
	assert.False(t, d.IsApplied())
	assert.Empty(t, f.triple.registry.related(f.src))
	assert.Zero(t, f.rt.pinCount(f.src))
	assert.Zero(t, f.rt.pinCount(f.dst))
	assert.ErrorIs(t, d.Undo(), ErrNotApplied)

	f.sys.fail = nil
	assert.NoError(t, d.Close())
	assert.ErrorIs(t, d.Apply(), ErrClosed)
}

func TestDetour_CloseFailure(t *testing.T) {
	f := newDetourFixture(t, 0)
	d, err := f.triple.NewDetour(f.src, f.dst, true)
	require.NoError(t, err)

	f.sys.fail = errors.New("locked")
	assert.ErrorContains(t, d.Close(), "locked")
	assert.False(t, d.IsApplied())
	assert.NoError(t, d.Close())
	assert.ErrorIs(t, d.Apply(), ErrClosed)
}

func TestDetour_RecompiledShared(t *testing.T) {
	f := newDetourFixture(t, RuntimeCompileMethodHook)
	original := f.srcCode.snapshot()

	dst2Code := newCodeBuffer(t, 256)
	dst2 := NewMethod("Dst2", testMethodType, false)
	f.rt.setEntry(dst2, dst2Code.addr())

	first := f.newDetour(t, true)
	second, err := f.triple.NewDetour(f.src, dst2, true)
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, []*managedDetourBox{first.box, second.box}, f.triple.registry.related(f.src))

	moved := newCodeBuffer(t, 256)
	copy(moved.buf, original)
	movedOriginal := moved.snapshot()
	f.rt.fire(MethodCompiledEvent{Method: f.src, CodeStart: moved.addr(), CodeSize: 256})

	var addrs []uintptr
	for _, c := range f.sys.calls() {
		addrs = append(addrs, c.Addr)
	}
	// Each detour moves its own patch, in the order they were applied.
	assert.Equal(t, []uintptr{
		f.srcCode.addr(), f.srcCode.addr(),
		moved.addr(), f.srcCode.addr(),
		moved.addr(), f.srcCode.addr(),
	}, addrs)

	assert.Equal(t, moved.addr(), first.box.patch.Simple.From())
	assert.Equal(t, moved.addr(), second.box.patch.Simple.From())
	assert.Equal(t, dst2Code.addr(), second.box.patch.Simple.To())

	// The last detour applied is the one that runs.
	require.Equal(t, byte(opcodeJMPrel32), moved.buf[0])
	rel := int32(binary.LittleEndian.Uint32(moved.buf[1:5]))
	assert.Equal(t, dst2Code.addr(), uintptr(int64(moved.addr())+5+int64(rel)))

	require.NoError(t, second.Undo())
	require.NoError(t, first.Undo())
	assert.Equal(t, movedOriginal, moved.snapshot())
}

func TestDetour_RecompiledTarget(t *testing.T) {
	f := newDetourFixture(t, RuntimeCompileMethodHook)
	d := f.newDetour(t, true)

	// Nothing moved.
	f.rt.fire(MethodCompiledEvent{Method: f.src, CodeStart: f.srcCode.addr()})
	assert.Len(t, f.sys.calls(), 1)

	dst2 := newCodeBuffer(t, 256)
	f.rt.setEntry(f.dst, dst2.addr())
	f.rt.fire(MethodCompiledEvent{Method: f.src})

	calls := f.sys.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, f.srcCode.addr(), calls[1].Addr)
	assert.Equal(t, dst2.addr(), d.box.patch.Simple.To())
}

func TestDetour_EventsAfterUndo(t *testing.T) {
	f := newDetourFixture(t, RuntimeCompileMethodHook)
	d := f.newDetour(t, true)
	require.NoError(t, d.Undo())

	moved := newCodeBuffer(t, 256)
	f.rt.fire(MethodCompiledEvent{Method: f.src, CodeStart: moved.addr()})

	assert.Len(t, f.sys.calls(), 2)
	assert.Empty(t, f.triple.registry.related(f.src))
}

func TestDetour_CompileDuringApply(t *testing.T) {
	f := newDetourFixture(t, RuntimeCompileMethodHook|RuntimeRequiresBodyThunkWalking)

	precode := newCodeBuffer(t, 256)
	precode.putPrecode(0, precode.addr()+32)
	f.rt.setEntry(f.src, precode.addr())
	f.rt.compilesTo(f.src, f.srcCode.addr())

	fired := 0
	f.rt.onCompile = func(m *Method) {
		fired++
		f.rt.fire(MethodCompiledEvent{Method: m, CodeStart: f.srcCode.addr()})
	}

	d := f.newDetour(t, true)
	assert.True(t, d.IsApplied())
	assert.Equal(t, 1, fired)

	calls := f.sys.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, f.srcCode.addr(), calls[0].Addr)
}

func TestDetour_NoAltEntry(t *testing.T) {
	f := newDetourFixture(t, 0)
	// jrcxz can't be relocated.
	copy(f.srcCode.buf, []byte{0xe3, 0x05})
	original := f.srcCode.snapshot()

	d := f.newDetour(t, true)
	assert.True(t, d.IsApplied())
	assert.Zero(t, d.OriginalEntry())
	assert.Empty(t, f.sys.alloc.live())

	require.NoError(t, d.Undo())
	assert.Equal(t, original, f.srcCode.snapshot())
}

func TestDetour_UnreadableAltEntry(t *testing.T) {
	f := newDetourFixture(t, 0)
	// Less than the 5 byte jump is readable, so the prologue can't be copied.
	f.sys.readable = 4
	original := f.srcCode.snapshot()

	d := f.newDetour(t, true)
	assert.True(t, d.IsApplied())
	assert.Zero(t, d.OriginalEntry())
	assert.Empty(t, f.sys.alloc.live())

	require.NoError(t, d.Undo())
	assert.Equal(t, original, f.srcCode.snapshot())
}

func TestDetour_PatchFailure(t *testing.T) {
	f := newDetourFixture(t, RuntimeRequiresMethodPinning)
	f.sys.fail = errors.New("read-only")
	original := f.srcCode.snapshot()

	d := f.newDetour(t, false)
	assert.ErrorContains(t, d.Apply(), "read-only")
	assert.False(t, d.IsApplied())
	assert.Equal(t, original, f.srcCode.snapshot())
	assert.Empty(t, f.sys.alloc.live())
	assert.Empty(t, f.triple.registry.related(f.src))
	assert.Zero(t, f.rt.pinCount(f.src))
	assert.Zero(t, f.rt.pinCount(f.dst))

	f.sys.fail = nil
	require.NoError(t, d.Apply())
	assert.True(t, d.IsApplied())
}

func TestDetour_Pinning(t *testing.T) {
	f := newDetourFixture(t, RuntimeRequiresMethodPinning|RuntimeDisableInlining)
	d := f.newDetour(t, true)

	assert.Equal(t, 1, f.rt.pinCount(f.src))
	assert.Equal(t, 1, f.rt.pinCount(f.dst))
	// DisableInlining fails in the fake, which is only a warning.
	assert.Equal(t, []*Method{f.src, f.dst}, f.rt.noinline)

	require.NoError(t, d.Undo())
	assert.Zero(t, f.rt.pinCount(f.src))
	assert.Zero(t, f.rt.pinCount(f.dst))
}

func TestDetour_ClosureTarget(t *testing.T) {
	f := newDetourFixture(t, 0)

	n := 3
	dst, err := FuncOf(func(x int) int { return x * n })
	require.NoError(t, err)
	require.NotNil(t, dst.context)

	d, err := f.triple.NewDetour(f.src, dst, true)
	require.NoError(t, err)
	defer d.Close()

	stub := d.box.targetStub
	require.NotNil(t, stub)
	assert.Equal(t, stub.Base(), d.box.patch.Simple.To())
	// mov rdx, <context>
	assert.Equal(t, []byte{0x48, 0xba}, memoryAt(stub.Base(), 2))

	require.NoError(t, d.Undo())
	assert.Nil(t, d.box.targetStub)
	assert.Empty(t, f.sys.alloc.live())
}

type bigResult struct {
	A, B, C, D int64
}

type receiver struct {
	base int64
}

func TestDetour_ReturnBufferAdapter(t *testing.T) {
	f := newDetourFixture(t, RuntimeHasKnownABI)

	src := NewMethod("Receiver.Make", reflect.TypeFor[func(*receiver, int64) bigResult](), true)
	f.rt.setEntry(src, f.srcCode.addr())

	dst, err := FuncOf(func(r *receiver, x int64) bigResult {
		return bigResult{A: r.base, D: x}
	})
	require.NoError(t, err)

	d, err := f.triple.NewDetour(src, dst, true)
	require.NoError(t, err)
	defer d.Close()

	glue := d.box.glue
	require.True(t, glue.IsValid())
	assert.NotNil(t, d.box.targetStub)
	// System V puts the return buffer before this.
	assert.Equal(t, reflect.TypeFor[func(*bigResult, *receiver, int64) *bigResult](), glue.Type())
}

func TestNativeDetour_UndoFailure(t *testing.T) {
	f := newDetourFixture(t, 0)

	d, err := f.triple.NewNativeDetour(f.srcCode.addr(), f.dstCode.addr(), true)
	require.NoError(t, err)

	f.sys.fail = errors.New("locked")
	assert.ErrorContains(t, d.Undo(), "locked")
	assert.False(t, d.IsApplied())
	assert.Zero(t, d.OriginalEntry())
	assert.ErrorIs(t, d.Undo(), ErrNotApplied)

	f.sys.fail = nil
	assert.NoError(t, d.Close())
	assert.ErrorIs(t, d.Apply(), ErrClosed)
}

func TestNativeDetour_ApplyNowFailure(t *testing.T) {
	f := newDetourFixture(t, 0)
	f.sys.fail = errors.New("locked")

	d, err := f.triple.NewNativeDetour(f.srcCode.addr(), f.dstCode.addr(), true)
	assert.ErrorContains(t, err, "locked")
	assert.Nil(t, d)
	assert.Empty(t, f.sys.alloc.live())
}

func TestNativeDetour(t *testing.T) {
	f := newDetourFixture(t, 0)
	original := f.srcCode.snapshot()

	_, err := f.triple.NewNativeDetour(f.srcCode.addr(), f.srcCode.addr(), true)
	assert.ErrorIs(t, err, ErrSelfDetour)
	_, err = f.triple.NewNativeDetour(0, f.dstCode.addr(), true)
	assert.ErrorIs(t, err, ErrNilArgument)
	assert.Empty(t, f.sys.calls())

	d, err := f.triple.NewNativeDetour(f.srcCode.addr(), f.dstCode.addr(), false)
	require.NoError(t, err)
	assert.False(t, d.IsApplied())
	assert.ErrorIs(t, d.Undo(), ErrNotApplied)

	require.NoError(t, d.Apply())
	assert.True(t, d.IsApplied())
	assert.NotZero(t, d.OriginalEntry())
	assert.ErrorIs(t, d.Apply(), ErrAlreadyApplied)

	require.NoError(t, d.Undo())
	assert.Equal(t, original, f.srcCode.snapshot())

	require.NoError(t, d.Apply())
	require.NoError(t, d.Close())
	assert.Equal(t, original, f.srcCode.snapshot())
	assert.ErrorIs(t, d.Apply(), ErrClosed)
	assert.Empty(t, f.sys.alloc.live())
}
