package detour

import (
	"fmt"
	"reflect"
	"strings"
)

// SpecialArgumentKind is an argument whose position is fixed by the calling
// convention.
type SpecialArgumentKind int

const (
	ThisPointer SpecialArgumentKind = iota
	ReturnBuffer
	UserArguments
)

func (k SpecialArgumentKind) String() string {
	switch k {
	case ThisPointer:
		return "ThisPointer"
	case ReturnBuffer:
		return "ReturnBuffer"
	case UserArguments:
		return "UserArguments"
	}
	return fmt.Sprintf("SpecialArgumentKind(%d)", int(k))
}

// TypeClassification says how a value crosses a call boundary.
type TypeClassification int

const (
	InRegister TypeClassification = iota
	// ByReference values are passed in memory. Returned ByReference values
	// go through a caller-allocated return buffer if the ABI has one.
	ByReference
)

func (c TypeClassification) String() string {
	if c == ByReference {
		return "ByReference"
	}
	return "InRegister"
}

// Classifier classifies value types for one calling convention.
type Classifier func(t reflect.Type, isReturn bool) TypeClassification

// Abi describes a calling convention. It is immutable.
type Abi struct {
	order               []SpecialArgumentKind
	classifier          Classifier
	returnsReturnBuffer bool
}

// NewAbi creates an Abi. Each special argument kind may appear at most once
// in order.
func NewAbi(order []SpecialArgumentKind, classifier Classifier, returnsReturnBuffer bool) (Abi, error) {
	if classifier == nil {
		return Abi{}, fmt.Errorf("%w: classifier", ErrNilArgument)
	}

	seen := map[SpecialArgumentKind]bool{}
	for _, k := range order {
		if k < ThisPointer || k > UserArguments {
			return Abi{}, fmt.Errorf("invalid argument kind %v", k)
		}
		if seen[k] {
			return Abi{}, fmt.Errorf("argument kind %v appears more than once", k)
		}
		seen[k] = true
	}

	return Abi{
		order:               append([]SpecialArgumentKind(nil), order...),
		classifier:          classifier,
		returnsReturnBuffer: returnsReturnBuffer,
	}, nil
}

func mustAbi(order []SpecialArgumentKind, classifier Classifier, returnsReturnBuffer bool) Abi {
	abi, err := NewAbi(order, classifier, returnsReturnBuffer)
	if err != nil {
		panic(err)
	}
	return abi
}

// ArgumentOrder returns the order of the special arguments.
func (a Abi) ArgumentOrder() []SpecialArgumentKind {
	return append([]SpecialArgumentKind(nil), a.order...)
}

// ReturnsReturnBuffer reports whether a function returning through a return
// buffer also returns the buffer's address.
func (a Abi) ReturnsReturnBuffer() bool {
	return a.returnsReturnBuffer
}

func (a Abi) Has(kind SpecialArgumentKind) bool {
	for _, k := range a.order {
		if k == kind {
			return true
		}
	}
	return false
}

// Classify returns how t is passed, or returned when isReturn is set. A nil
// type is void.
func (a Abi) Classify(t reflect.Type, isReturn bool) TypeClassification {
	if t == nil {
		return InRegister
	}
	switch t.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan, reflect.Func:
		return InRegister
	}
	return a.classifier(t, isReturn)
}

func (a Abi) String() string {
	names := make([]string, len(a.order))
	for i, k := range a.order {
		names[i] = k.String()
	}
	return fmt.Sprintf("order=[%s] returnsReturnBuffer=%v", strings.Join(names, " "), a.returnsReturnBuffer)
}

// GoAbi describes Go's internal register ABI. Go has no hidden return
// buffer: results that don't fit in registers are written to stack slots the
// caller reserves, so receivers are plain first arguments and instance and
// static functions share a convention.
func GoAbi(arch ArchitectureKind) Abi {
	ints, floats := 9, 15
	if arch == ArchitectureARM64 {
		ints, floats = 16, 16
	}

	return mustAbi(
		[]SpecialArgumentKind{ThisPointer, UserArguments},
		func(t reflect.Type, isReturn bool) TypeClassification {
			regs := registerAssignment{ints: ints, floats: floats}
			if regs.assign(t) {
				return InRegister
			}
			return ByReference
		},
		false,
	)
}

// SystemVAbi describes the System V x86-64 C convention.
func SystemVAbi() Abi {
	return mustAbi(
		[]SpecialArgumentKind{ReturnBuffer, ThisPointer, UserArguments},
		func(t reflect.Type, isReturn bool) TypeClassification {
			if t.Size() > 16 {
				return ByReference
			}
			return InRegister
		},
		true,
	)
}

// WindowsX64Abi describes the Microsoft x64 C++ convention, where the this
// pointer comes before the return buffer.
func WindowsX64Abi() Abi {
	return mustAbi(
		[]SpecialArgumentKind{ThisPointer, ReturnBuffer, UserArguments},
		func(t reflect.Type, isReturn bool) TypeClassification {
			switch t.Size() {
			case 1, 2, 4, 8:
				return InRegister
			}
			return ByReference
		},
		true,
	)
}

// registerAssignment follows the register assignment algorithm of Go's
// internal ABI for a single value.
type registerAssignment struct {
	ints, floats int
}

func (r *registerAssignment) takeInts(n int) bool {
	r.ints -= n
	return r.ints >= 0
}

func (r *registerAssignment) takeFloats(n int) bool {
	r.floats -= n
	return r.floats >= 0
}

func (r *registerAssignment) assign(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan, reflect.Func:
		return r.takeInts(1)
	case reflect.Float32, reflect.Float64:
		return r.takeFloats(1)
	case reflect.Complex64, reflect.Complex128:
		return r.takeFloats(2)
	case reflect.String, reflect.Interface:
		return r.takeInts(2)
	case reflect.Slice:
		return r.takeInts(3)
	case reflect.Array:
		switch t.Len() {
		case 0:
			return true
		case 1:
			return r.assign(t.Elem())
		}
		return false
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !r.assign(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}
