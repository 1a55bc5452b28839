package detour

import (
	"errors"
	"runtime"
	"sync"
)

// NativeDetour redirects one code address to another. Unlike Detour it
// doesn't track recompilation.
type NativeDetour struct {
	box     *nativeDetourBox
	cleanup runtime.Cleanup
}

var _ Handle = (*NativeDetour)(nil)

// NewNativeDetour detours from to to on the current Triple.
func NewNativeDetour(from, to uintptr, applyNow bool) (*NativeDetour, error) {
	t, err := Current()
	if err != nil {
		return nil, err
	}
	return t.NewNativeDetour(from, to, applyNow)
}

// NewNativeDetour detours from to to. Nothing is written before the
// addresses are checked.
func (t *Triple) NewNativeDetour(from, to uintptr, applyNow bool) (*NativeDetour, error) {
	if err := checkAddresses(from, to); err != nil {
		return nil, err
	}

	box := &nativeDetourBox{triple: t, from: from, to: to}
	d := &NativeDetour{box: box}
	d.cleanup = runtime.AddCleanup(d, func(b *nativeDetourBox) {
		if err := b.close(); err != nil {
			log.Errorf("unable to clean up detour of %#x: %s", b.from, err)
		}
	}, box)

	if applyNow {
		if err := d.Apply(); err != nil {
			return nil, errors.Join(err, d.Close())
		}
	}
	return d, nil
}

func (d *NativeDetour) Apply() error {
	return d.box.apply()
}

func (d *NativeDetour) Undo() error {
	return d.box.undo()
}

func (d *NativeDetour) IsApplied() bool {
	d.box.mu.Lock()
	defer d.box.mu.Unlock()
	return d.box.applied
}

func (d *NativeDetour) Close() error {
	d.cleanup.Stop()
	return d.box.close()
}

// OriginalEntry returns the address of the code the detour overwrote,
// relocated so it can still be called, or 0 if that wasn't possible.
func (d *NativeDetour) OriginalEntry() uintptr {
	d.box.mu.Lock()
	defer d.box.mu.Unlock()
	if d.box.patch == nil {
		return 0
	}
	return d.box.patch.AltEntry
}

type nativeDetourBox struct {
	triple   *Triple
	from, to uintptr

	mu      sync.Mutex
	applied bool
	closed  bool
	patch   *InstalledPatch
}

func (b *nativeDetourBox) apply() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.applied {
		return ErrAlreadyApplied
	}

	t := b.triple
	patch, err := t.CreateNativeDetour(b.from, b.to, t.maxPatchSize(b.from), true)
	if err != nil {
		return err
	}
	b.patch = patch
	b.applied = true
	return nil
}

func (b *nativeDetourBox) undo() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if !b.applied {
		return ErrNotApplied
	}
	return b.uninstall()
}

// uninstall clears applied even if restoring fails. b.mu must be held.
func (b *nativeDetourBox) uninstall() error {
	defer func() {
		b.applied = false
	}()

	patch := b.patch
	b.patch = nil
	return patch.Close()
}

func (b *nativeDetourBox) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if !b.applied {
		return nil
	}
	return b.uninstall()
}
