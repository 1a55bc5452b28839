package detour

import (
	"errors"
	"fmt"
	"sync"
)

// SimpleNativeDetour is one installed patch. It keeps the bytes it
// replaced so it can be undone.
type SimpleNativeDetour struct {
	triple *Triple

	mu     sync.Mutex
	info   NativeDetourInfo
	backup []byte
	alloc  Allocation
	undone bool
}

func (d *SimpleNativeDetour) From() uintptr {
	return d.info.From
}

func (d *SimpleNativeDetour) To() uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.To
}

func (d *SimpleNativeDetour) Kind() DetourKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.Kind
}

// Backup returns a copy of the bytes the patch replaced.
func (d *SimpleNativeDetour) Backup() []byte {
	return append([]byte(nil), d.backup...)
}

func (d *SimpleNativeDetour) IsApplied() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.undone
}

// Undo writes the original bytes back and frees the relay stub, if any.
func (d *SimpleNativeDetour) Undo() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.undone {
		return ErrNotApplied
	}

	if err := patchCode(d.triple.sys, d.info.From, d.backup, nil); err != nil {
		return fmt.Errorf("unable to restore %#x: %w", d.info.From, err)
	}
	d.undone = true
	log.Debugf("removed detour %#x -> %#x", d.info.From, d.info.To)

	alloc := d.alloc
	d.alloc = nil
	return closeAllocation(alloc)
}

// Close undoes the patch if it's still applied.
func (d *SimpleNativeDetour) Close() error {
	err := d.Undo()
	if errors.Is(err, ErrNotApplied) {
		return nil
	}
	return err
}

// ChangeTarget points the installed patch at to without restoring the
// original bytes in between.
func (d *SimpleNativeDetour) ChangeTarget(to uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.undone {
		return ErrNotApplied
	}
	if err := checkAddresses(d.info.From, to); err != nil {
		return err
	}
	if to == d.info.To {
		return nil
	}

	arch := d.triple.arch
	retarget, err := arch.ComputeRetargetInfo(d.info, to, len(d.backup))
	if err != nil {
		return err
	}

	buf := make([]byte, retarget.Size())
	res, err := arch.GetRetargetBytes(d.info, retarget, buf, d.alloc)
	if err != nil {
		return err
	}

	if res.Written > 0 {
		if err := patchCode(d.triple.sys, d.info.From, buf[:res.Written], nil); err != nil {
			return errors.Join(err, closeAllocation(res.Allocation))
		}
	}

	var errs []error
	if res.DisposeOldAllocation {
		errs = append(errs, closeAllocation(d.alloc))
		d.alloc = nil
	}
	if res.Allocation != nil {
		d.alloc = res.Allocation
	}

	log.Debugf("retargeted detour %#x from %#x to %#x", d.info.From, d.info.To, to)
	d.info = retarget
	return errors.Join(errs...)
}
