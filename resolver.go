package detour

import "fmt"

// maxThunkIterations bounds thunk walking, including restarts after
// compiling the method.
const maxThunkIterations = 20

// GetNativeMethodBody returns the address of the first instruction that
// runs when m is called. When reload is set, a method found to be
// uncompiled is compiled and resolved again.
func (t *Triple) GetNativeMethodBody(m *Method, reload bool) (uintptr, error) {
	if m == nil {
		return 0, fmt.Errorf("%w: method", ErrNilArgument)
	}

	if !t.features.Runtime.Has(RuntimeRequiresBodyThunkWalking) {
		return t.rt.GetMethodEntryPoint(m)
	}
	return t.walkThunks(m, reload)
}

func (t *Triple) walkThunks(m *Method, reload bool) (uintptr, error) {
	thunks := t.arch.KnownMethodThunks()
	prestub := t.prestubAddress()

	current, err := t.rt.GetMethodEntryPoint(m)
	if err != nil {
		return 0, err
	}

	var previous uintptr
	for i := 0; ; i++ {
		if i >= maxThunkIterations {
			return 0, &ThunkLoopError{
				Method:     m.Name(),
				Current:    current,
				Previous:   previous,
				Iterations: i,
			}
		}

		if reload && prestub != 0 && current == prestub {
			next, err := t.recompile(m)
			if err != nil {
				return 0, err
			}
			previous, current = current, next
			continue
		}

		n := t.sys.GetSizeOfReadableMemory(current, thunks.MaxLength())
		if n <= 0 {
			return current, nil
		}

		pattern, raw, ok := thunks.TryMatchAt(memoryAt(current, n))
		if !ok {
			return current, nil
		}

		if pattern.Meaning.PrecodeFixup && reload {
			next, err := t.recompile(m)
			if err != nil {
				return 0, err
			}
			previous, current = current, next
			continue
		}

		previous, current = current, pattern.ProcessAddress(current, raw)
	}
}

// recompile compiles m and returns its new entry point, where walking
// restarts.
func (t *Triple) recompile(m *Method) (uintptr, error) {
	if t.features.Runtime.Has(RuntimeRequiresCustomMethodCompile) {
		c, ok := t.rt.(MethodCompiler)
		if !ok {
			return 0, fmt.Errorf("%w: %s needs a custom compile it doesn't provide", ErrUnsupportedPlatform, t.rt.Name())
		}
		entry, err := c.CompileMethod(m)
		if err != nil {
			return 0, fmt.Errorf("unable to compile %s: %w", m, err)
		}
		return entry, nil
	}

	if err := t.rt.Compile(m); err != nil {
		return 0, fmt.Errorf("unable to compile %s: %w", m, err)
	}
	return t.rt.GetMethodEntryPoint(m)
}
