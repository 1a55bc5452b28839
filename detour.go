package detour

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
)

// Handle is an installed or installable detour.
type Handle interface {
	Apply() error
	Undo() error
	IsApplied() bool
	Close() error
}

// Detour redirects calls of one method to another. It follows the source
// method when the runtime recompiles it.
//
// A Detour that is garbage collected without Close is undone, but callers
// shouldn't rely on that.
type Detour struct {
	box     *managedDetourBox
	cleanup runtime.Cleanup
}

var _ Handle = (*Detour)(nil)

// NewDetour detours src to dst on the current Triple. Each may be a *Method
// or a Go function value.
func NewDetour(src, dst any, applyNow bool) (*Detour, error) {
	t, err := Current()
	if err != nil {
		return nil, err
	}

	srcMethod, err := asMethod(src)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	dstMethod, err := asMethod(dst)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	return t.NewDetour(srcMethod, dstMethod, applyNow)
}

func asMethod(v any) (*Method, error) {
	switch v := v.(type) {
	case nil:
		return nil, ErrNilArgument
	case *Method:
		if v == nil {
			return nil, ErrNilArgument
		}
		return v, nil
	}
	return FuncOf(v)
}

// NewDetour detours src to dst.
func (t *Triple) NewDetour(src, dst *Method, applyNow bool) (*Detour, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("%w: method", ErrNilArgument)
	}

	src, dst = t.identifiable(src), t.identifiable(dst)
	if sameMethod(src, dst) {
		t.releaseIdentifiable(src, dst)
		return nil, fmt.Errorf("%w: %s", ErrSelfDetour, src)
	}

	t.subscribe()

	box := &managedDetourBox{triple: t, src: src, dst: dst}
	d := &Detour{box: box}
	d.cleanup = runtime.AddCleanup(d, func(b *managedDetourBox) {
		if err := b.close(); err != nil {
			log.Errorf("unable to clean up detour of %s: %s", b.src, err)
		}
	}, box)

	if applyNow {
		if err := d.Apply(); err != nil {
			return nil, errors.Join(err, d.Close())
		}
	}
	return d, nil
}

func (d *Detour) Source() *Method {
	return d.box.src
}

func (d *Detour) Target() *Method {
	return d.box.dst
}

func (d *Detour) Apply() error {
	return d.box.apply()
}

func (d *Detour) Undo() error {
	return d.box.undo()
}

func (d *Detour) IsApplied() bool {
	return d.box.applied.Load()
}

// Close undoes the detour if needed and releases it. It's safe to call more
// than once.
func (d *Detour) Close() error {
	d.cleanup.Stop()
	return d.box.close()
}

// OriginalEntry returns the entry point of the source method's original
// code, or 0 if the detour isn't applied or it couldn't be preserved.
func (d *Detour) OriginalEntry() uintptr {
	d.box.mu.Lock()
	defer d.box.mu.Unlock()
	if d.box.patch == nil {
		return 0
	}
	return d.box.patch.AltEntry
}

// managedDetourBox is the mutable state of a Detour. mu orders apply, undo
// and reinstalls. applying is also read without mu so recompilation events
// raised from inside an apply or undo are dropped instead of deadlocking.
type managedDetourBox struct {
	triple   *Triple
	src, dst *Method

	mu       sync.Mutex
	applied  atomic.Bool
	applying atomic.Bool
	closed   bool

	patch      *InstalledPatch
	target     uintptr
	targetStub Allocation
	glue       reflect.Value
	original   Allocation
	unpin      []func()

	// originalTaken is set once Original handed out the current patch's
	// alternate entry. Its code is kept instead of freed.
	originalTaken bool
}

func (b *managedDetourBox) apply() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.applied.Load() {
		return ErrAlreadyApplied
	}

	b.applying.Store(true)
	defer b.applying.Store(false)
	b.applied.Store(true)

	b.triple.registry.add(b.src, b)
	if err := b.install(); err != nil {
		b.triple.registry.remove(b.src, b)
		b.releaseTarget()
		b.unpinAll()
		b.applied.Store(false)
		return err
	}
	return nil
}

func (b *managedDetourBox) install() error {
	t := b.triple

	for _, m := range []*Method{b.src, b.dst} {
		if err := b.prepare(m); err != nil {
			return err
		}
	}

	from, err := t.GetNativeMethodBody(b.src, true)
	if err != nil {
		return err
	}

	to, err := b.resolveTarget()
	if err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("%w: %s and %s share code at %#x", ErrSelfDetour, b.src, b.dst, from)
	}

	patch, err := t.CreateNativeDetour(from, to, t.maxPatchSize(from), true)
	if err != nil {
		return err
	}
	b.patch = patch
	return nil
}

// prepare pins m and stops the runtime from inlining it, where the runtime
// needs that.
func (b *managedDetourBox) prepare(m *Method) error {
	t := b.triple

	if t.features.Runtime.Has(RuntimeRequiresMethodPinning) {
		unpin, err := t.rt.PinMethod(m)
		if err != nil {
			return fmt.Errorf("unable to pin %s: %w", m, err)
		}
		b.unpin = append(b.unpin, unpin)
	}

	if t.features.Runtime.Has(RuntimeDisableInlining) {
		if err := t.rt.DisableInlining(m); err != nil {
			log.Warningf("unable to disable inlining of %s, detour may be bypassed: %s", m, err)
		}
	}
	return nil
}

// resolveTarget returns the address the patch jumps to. Go function values
// get a stub that loads their closure context. Instance and static methods
// that disagree on the return buffer get an adapter.
func (b *managedDetourBox) resolveTarget() (uintptr, error) {
	t := b.triple

	dst := b.dst
	if abi, ok := t.Abi(); ok && abi.needsReturnBufferAdapter(b.src, b.dst) {
		if !b.dst.Func().IsValid() {
			return 0, fmt.Errorf("cannot adapt the return buffer of %s, it is not a Go function", b.dst)
		}
		glue, err := abi.buildReturnBufferAdapter(b.src.IsInstance(), b.dst.Func())
		if err != nil {
			return 0, err
		}
		if dst, err = FuncOf(glue.Interface()); err != nil {
			return 0, err
		}
		b.glue = glue
	}

	entry, err := t.GetNativeMethodBody(dst, true)
	if err != nil {
		return 0, err
	}

	if dst.context == nil {
		b.target = entry
		return entry, nil
	}

	stub, err := t.arch.CreateSpecialEntryStub(entry, uintptr(dst.context))
	if err != nil {
		return 0, fmt.Errorf("unable to create entry stub for %s: %w", dst, err)
	}
	b.targetStub = stub
	b.target = stub.Base()
	return b.target, nil
}

func (b *managedDetourBox) undo() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if !b.applied.Load() {
		return ErrNotApplied
	}
	return b.uninstall()
}

// uninstall removes the patch. The flags are cleared even if restoring the
// original bytes fails. b.mu must be held.
func (b *managedDetourBox) uninstall() error {
	b.applying.Store(true)
	defer b.applying.Store(false)
	defer b.applied.Store(false)

	b.triple.registry.remove(b.src, b)
	defer b.unpinAll()

	patch := b.patch
	b.patch = nil
	if patch == nil {
		return nil
	}

	if err := patch.Simple.Close(); err != nil {
		// The target stub may still be jumped to, so it's leaked.
		return err
	}
	return errors.Join(b.releaseOriginal(patch), b.releaseTarget())
}

// releaseOriginal frees the alternate entry of patch and the stub that
// calls it, unless Original handed them out. b.mu must be held.
func (b *managedDetourBox) releaseOriginal(patch *InstalledPatch) error {
	alt, orig := patch.takeAltEntry(), b.original
	b.original = nil

	if b.originalTaken {
		b.originalTaken = false
		b.triple.keep(alt, orig)
		return nil
	}
	return errors.Join(closeAllocation(alt), closeAllocation(orig))
}

func (b *managedDetourBox) releaseTarget() error {
	stub := b.targetStub
	b.targetStub, b.target, b.glue = nil, 0, reflect.Value{}
	return closeAllocation(stub)
}

func (b *managedDetourBox) unpinAll() {
	for _, unpin := range b.unpin {
		unpin()
	}
	b.unpin = nil
}

func (b *managedDetourBox) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	defer b.triple.releaseIdentifiable(b.src, b.dst)

	if !b.applied.Load() {
		return nil
	}
	return b.uninstall()
}

// onCompiled moves the patch after the runtime recompiled the source
// method.
func (b *managedDetourBox) onCompiled(ev MethodCompiledEvent) {
	if b.applying.Load() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.applying.Load() || !b.applied.Load() || b.patch == nil {
		return
	}

	b.applying.Store(true)
	defer b.applying.Store(false)

	if err := b.reinstall(ev); err != nil {
		log.Errorf("unable to reinstall detour of %s after recompilation: %s", b.src, err)
	}
}

func (b *managedDetourBox) reinstall(ev MethodCompiledEvent) error {
	t := b.triple

	from := ev.CodeStart
	if from == 0 {
		var err error
		if from, err = t.GetNativeMethodBody(b.src, false); err != nil {
			return err
		}
	}

	to := b.target
	if b.targetStub == nil {
		var err error
		if to, err = t.GetNativeMethodBody(b.dst, false); err != nil {
			return err
		}
		b.target = to
	}

	old := b.patch
	if from == old.Simple.From() {
		return old.Simple.ChangeTarget(to)
	}

	maxSize := t.maxPatchSize(from)
	if ev.CodeSize > 0 {
		maxSize = ev.CodeSize
	}

	// Install at the new address before the old one is restored.
	patch, err := t.CreateNativeDetour(from, to, maxSize, true)
	if err != nil {
		return err
	}
	b.patch = patch

	if err := old.Simple.Close(); err != nil {
		return err
	}
	log.Debugf("moved detour of %s from %#x to %#x", b.src, old.Simple.From(), from)
	return b.releaseOriginal(old)
}

// originalFunc returns the code pointer of a callable that runs the source
// method's original code with its closure context, or 0. The code stays
// valid after the detour is undone.
func (b *managedDetourBox) originalFunc() (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.patch == nil || b.patch.AltEntry == 0 {
		return 0, nil
	}
	if b.src.context == nil {
		b.originalTaken = true
		return b.patch.AltEntry, nil
	}
	if b.original == nil {
		stub, err := b.triple.arch.CreateSpecialEntryStub(b.patch.AltEntry, uintptr(b.src.context))
		if err != nil {
			return 0, err
		}
		b.original = stub
	}
	b.originalTaken = true
	return b.original.Base(), nil
}
