package detour

import (
	"fmt"
	"reflect"
)

// needsReturnBufferAdapter reports whether src and dst disagree on where the
// return buffer goes. That only happens when one has a this pointer and the
// other doesn't, and the result is returned through a buffer.
func (a Abi) needsReturnBufferAdapter(src, dst *Method) bool {
	if src.IsInstance() == dst.IsInstance() {
		return false
	}
	if !a.Has(ReturnBuffer) {
		return false
	}
	ret := src.returnType()
	if ret == nil {
		return false
	}
	return a.Classify(ret, true) == ByReference
}

// buildReturnBufferAdapter generates a function with the parameters of the
// source convention, in the order the ABI puts them, that calls target and
// stores the result through the return buffer.
//
// target takes the this value, if any, as its first parameter.
func (a Abi) buildReturnBufferAdapter(sourceHasThis bool, target reflect.Value) (reflect.Value, error) {
	if target.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w, kind: %v", ErrNotAFunction, target.Kind())
	}

	tt := target.Type()
	if tt.NumOut() != 1 {
		return reflect.Value{}, fmt.Errorf("adapter target must have one result, has %d", tt.NumOut())
	}
	if sourceHasThis && tt.NumIn() == 0 {
		return reflect.Value{}, fmt.Errorf("adapter target %v has no parameter for the this pointer", tt)
	}

	ret := tt.Out(0)
	bufType := reflect.PointerTo(ret)

	userStart := 0
	if sourceHasThis {
		userStart = 1
	}

	var (
		in                     []reflect.Type
		thisIndex, bufferIndex = -1, -1
		userIndex              = -1
	)
	for _, k := range a.order {
		switch k {
		case ThisPointer:
			if sourceHasThis {
				thisIndex = len(in)
				in = append(in, tt.In(0))
			}
		case ReturnBuffer:
			bufferIndex = len(in)
			in = append(in, bufType)
		case UserArguments:
			userIndex = len(in)
			for i := userStart; i < tt.NumIn(); i++ {
				in = append(in, tt.In(i))
			}
		}
	}
	if bufferIndex < 0 || userIndex < 0 || (sourceHasThis && thisIndex < 0) {
		return reflect.Value{}, fmt.Errorf("ABI %v cannot place the adapter arguments", a)
	}
	userCount := tt.NumIn() - userStart

	var out []reflect.Type
	if a.returnsReturnBuffer {
		out = []reflect.Type{bufType}
	}

	fnType := reflect.FuncOf(in, out, false)
	returnsBuffer := a.returnsReturnBuffer
	variadic := tt.IsVariadic()

	adapter := reflect.MakeFunc(fnType, func(args []reflect.Value) []reflect.Value {
		callArgs := make([]reflect.Value, 0, tt.NumIn())
		if thisIndex >= 0 {
			callArgs = append(callArgs, args[thisIndex])
		}
		callArgs = append(callArgs, args[userIndex:userIndex+userCount]...)

		var results []reflect.Value
		if variadic {
			results = target.CallSlice(callArgs)
		} else {
			results = target.Call(callArgs)
		}

		buf := args[bufferIndex]
		buf.Elem().Set(results[0])

		if returnsBuffer {
			return []reflect.Value{buf}
		}
		return nil
	})

	return adapter, nil
}
