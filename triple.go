package detour

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Triple composes the Architecture, System and Runtime the process runs on.
// It's immutable after construction and safe for concurrent use.
type Triple struct {
	arch     Architecture
	sys      System
	rt       Runtime
	features FeatureFlags
	abi      Abi
	hasAbi   bool

	prestubOnce sync.Once
	prestub     uintptr

	hookOnce sync.Once
	registry detourRegistry

	// kept holds code that func values from Original may still run. It's
	// never freed.
	keptMu sync.Mutex
	kept   []Allocation
}

// NewTriple composes a Triple from explicit parts.
func NewTriple(arch Architecture, sys System, rt Runtime) (*Triple, error) {
	switch {
	case arch == nil:
		return nil, fmt.Errorf("%w: architecture", ErrNilArgument)
	case sys == nil:
		return nil, fmt.Errorf("%w: system", ErrNilArgument)
	case rt == nil:
		return nil, fmt.Errorf("%w: runtime", ErrNilArgument)
	}

	if rb, ok := arch.(readBounder); ok {
		rb.boundReads(sys.GetSizeOfReadableMemory)
	}

	t := &Triple{
		arch: arch,
		sys:  sys,
		rt:   rt,
		features: FeatureFlags{
			Architecture: arch.Features(),
			System:       sys.Features(),
			Runtime:      rt.Features(),
		},
	}
	if t.features.Runtime.Has(RuntimeHasKnownABI) {
		t.abi, t.hasAbi = rt.Abi()
	}
	return t, nil
}

// CreateCurrent builds a Triple for the running process without touching
// the one returned by Current.
func CreateCurrent(cfg Config) (*Triple, error) {
	kind := architectureKindOf(runtime.GOARCH)
	if kind == ArchitectureUnknown {
		return nil, fmt.Errorf("%w: architecture %s", ErrUnsupportedPlatform, runtime.GOARCH)
	}

	sys, err := newNativeSystem(cfg)
	if err != nil {
		return nil, err
	}

	arch, err := newArchitecture(kind, sys.Allocator(), cfg)
	if err != nil {
		return nil, err
	}

	return NewTriple(arch, sys, newGoRuntime(kind))
}

var (
	current   atomic.Pointer[Triple]
	currentMu sync.Mutex
)

// Current returns the process-wide Triple, creating it on first use with
// the configuration from ConfigFromEnv.
func Current() (*Triple, error) {
	if t := current.Load(); t != nil {
		return t, nil
	}

	currentMu.Lock()
	defer currentMu.Unlock()

	if t := current.Load(); t != nil {
		return t, nil
	}

	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	t, err := CreateCurrent(cfg)
	if err != nil {
		return nil, err
	}
	current.Store(t)
	return t, nil
}

// SetCurrent installs t as the process-wide Triple. It fails with
// ErrAlreadyInitialized once a Triple exists.
func SetCurrent(t *Triple) error {
	if t == nil {
		return fmt.Errorf("%w: triple", ErrNilArgument)
	}

	currentMu.Lock()
	defer currentMu.Unlock()

	if current.Load() != nil {
		return ErrAlreadyInitialized
	}
	current.Store(t)
	return nil
}

func (t *Triple) Architecture() Architecture {
	return t.arch
}

func (t *Triple) System() System {
	return t.sys
}

func (t *Triple) Runtime() Runtime {
	return t.rt
}

func (t *Triple) Features() FeatureFlags {
	return t.features
}

// Abi returns the runtime's calling convention, if it has a known one.
func (t *Triple) Abi() (Abi, bool) {
	return t.abi, t.hasAbi
}

func (t *Triple) String() string {
	return fmt.Sprintf("%s/%s/%s", t.arch.Target(), t.sys.Target(), t.rt.Name())
}

// prestubAddress returns the runtime's shared not-yet-compiled stub, or 0.
func (t *Triple) prestubAddress() uintptr {
	t.prestubOnce.Do(func() {
		p, ok := t.rt.(PrestubProvider)
		if !ok {
			return
		}
		addr, err := p.PrestubAddress()
		if err != nil {
			log.Warningf("unable to find the prestub of %s: %s", t.rt.Name(), err)
			return
		}
		t.prestub = addr
	})
	return t.prestub
}

// maxPatchSize returns how many bytes may be overwritten at entry, or -1 if
// the runtime can't tell.
func (t *Triple) maxPatchSize(entry uintptr) int {
	if cs, ok := t.rt.(CodeSizer); ok {
		if n := cs.CodeSize(entry); n > 0 {
			return n
		}
	}
	return -1
}

// CreateSimpleNativeDetour patches from to jump to to.
func (t *Triple) CreateSimpleNativeDetour(from, to uintptr, maxSize int) (*SimpleNativeDetour, error) {
	if err := checkAddresses(from, to); err != nil {
		return nil, err
	}

	info, err := t.arch.ComputeDetourInfo(from, to, maxSize)
	if err != nil {
		return nil, err
	}
	return t.installDetour(info)
}

func (t *Triple) installDetour(info NativeDetourInfo) (*SimpleNativeDetour, error) {
	buf := make([]byte, info.Size())
	n, alloc, err := t.arch.GetDetourBytes(info, buf)
	if err != nil {
		return nil, err
	}

	backup := make([]byte, n)
	if err := patchCode(t.sys, info.From, buf[:n], backup); err != nil {
		return nil, errors.Join(err, closeAllocation(alloc))
	}

	log.Debugf("installed %v detour %#x -> %#x", info.Kind, info.From, info.To)
	return &SimpleNativeDetour{
		triple: t,
		info:   info,
		backup: backup,
		alloc:  alloc,
	}, nil
}

// InstalledPatch is a SimpleNativeDetour plus the stub, if any, that still
// runs the code it overwrote.
type InstalledPatch struct {
	Simple *SimpleNativeDetour
	// AltEntry is the address of the preserved original code, or 0.
	AltEntry uintptr

	altEntry Allocation
}

// Close undoes the patch, then frees the alternate entry stub.
func (p *InstalledPatch) Close() error {
	if err := p.Simple.Close(); err != nil {
		return err
	}
	return closeAllocation(p.takeAltEntry())
}

// takeAltEntry detaches the alternate entry stub so Close won't free it.
func (p *InstalledPatch) takeAltEntry() Allocation {
	a := p.altEntry
	p.altEntry, p.AltEntry = nil, 0
	return a
}

// CreateNativeDetour patches from to jump to to. With altEntry set it also
// tries to preserve the overwritten code. Failing to do that is only
// logged.
func (t *Triple) CreateNativeDetour(from, to uintptr, maxSize int, altEntry bool) (*InstalledPatch, error) {
	if err := checkAddresses(from, to); err != nil {
		return nil, err
	}

	info, err := t.arch.ComputeDetourInfo(from, to, maxSize)
	if err != nil {
		return nil, err
	}

	patch := &InstalledPatch{}
	if altEntry {
		patch.AltEntry, patch.altEntry = t.createAltEntry(from, info.Size())
	}

	patch.Simple, err = t.installDetour(info)
	if err != nil {
		return nil, errors.Join(err, closeAllocation(patch.altEntry))
	}
	return patch, nil
}

func (t *Triple) createAltEntry(from uintptr, size int) (uintptr, Allocation) {
	factory := t.arch.AltEntryFactory()
	if factory == nil || !t.features.Architecture.Has(ArchCreateAltEntryPoint) {
		log.Warningf("%s cannot create alternate entry points, original of %#x is unavailable", t.arch.Target(), from)
		return 0, nil
	}

	entry, alloc, err := factory.CreateAlternateEntrypoint(from, size)
	if err != nil {
		log.Warningf("unable to create alternate entry point for %#x, original is unavailable: %s", from, err)
		return 0, nil
	}
	return entry, alloc
}

// keep retains allocations for the life of the Triple.
func (t *Triple) keep(allocs ...Allocation) {
	t.keptMu.Lock()
	defer t.keptMu.Unlock()
	for _, a := range allocs {
		if a != nil {
			t.kept = append(t.kept, a)
		}
	}
}

func checkAddresses(from, to uintptr) error {
	if from == to {
		return fmt.Errorf("%w: %#x", ErrSelfDetour, from)
	}
	if from == 0 || to == 0 {
		return fmt.Errorf("%w: detour address", ErrNilArgument)
	}
	return nil
}

// subscribe registers for recompilation events the first time a managed
// detour is created.
func (t *Triple) subscribe() {
	if !t.features.Runtime.Has(RuntimeCompileMethodHook) {
		return
	}
	t.hookOnce.Do(func() {
		t.rt.OnMethodCompiled(t.onMethodCompiled)
	})
}

func (t *Triple) onMethodCompiled(ev MethodCompiledEvent) {
	if ev.Method == nil {
		return
	}
	m := t.identifiable(ev.Method)
	defer t.releaseIdentifiable(m)
	for _, box := range t.registry.related(m) {
		box.onCompiled(ev)
	}
}

// identifiable returns the canonical handle for m. Each call is paired with
// releaseIdentifiable.
func (t *Triple) identifiable(m *Method) *Method {
	if t.features.Runtime.Has(RuntimeRequiresMethodIdentification) {
		return t.rt.GetIdentifiable(m)
	}
	return m
}

func (t *Triple) releaseIdentifiable(ms ...*Method) {
	if !t.features.Runtime.Has(RuntimeRequiresMethodIdentification) {
		return
	}
	r, ok := t.rt.(IdentityReleaser)
	if !ok {
		return
	}
	for _, m := range ms {
		r.ReleaseIdentifiable(m)
	}
}
