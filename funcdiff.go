package detour

import (
	"errors"
	"fmt"
	"reflect"
)

// argDifference is a parameter or result whose type differs. A nil type
// means the function doesn't have it.
type argDifference struct {
	A reflect.Type
	B reflect.Type
}

type funcDifferences struct {
	In  []*argDifference
	Out []*argDifference
}

// Err describes every difference, or returns nil if there are none.
func (d *funcDifferences) Err() error {
	var errs []error
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}
	return errors.Join(errs...)
}

func diffFuncs(at, bt reflect.Type) *funcDifferences {
	diff := &funcDifferences{
		In:  diffTypes(at.NumIn(), bt.NumIn(), at.In, bt.In),
		Out: diffTypes(at.NumOut(), bt.NumOut(), at.Out, bt.Out),
	}
	if at.IsVariadic() != bt.IsVariadic() && at.NumIn() > 0 && diff.In[at.NumIn()-1] == nil {
		diff.In[at.NumIn()-1] = &argDifference{A: at.In(at.NumIn() - 1), B: bt.In(bt.NumIn() - 1)}
	}
	return diff
}

func diffTypes(na, nb int, a, b func(int) reflect.Type) []*argDifference {
	diffs := make([]*argDifference, max(na, nb))
	for i := range diffs {
		var ta, tb reflect.Type
		if i < na {
			ta = a(i)
		}
		if i < nb {
			tb = b(i)
		}
		if ta != tb {
			diffs[i] = &argDifference{A: ta, B: tb}
		}
	}
	return diffs
}

// receiversCompatible reports whether the receivers of two method
// expressions can be swapped: both pointers, or the same type.
func receiversCompatible(a, b reflect.Type) bool {
	if a == b {
		return true
	}
	return a.Kind() == reflect.Pointer && b.Kind() == reflect.Pointer
}
