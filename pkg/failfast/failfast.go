// Package failfast holds guards for programmer errors. They panic instead of
// returning an error: a nil collaborator or a broken offset invariant cannot be
// recovered from by the caller.
package failfast

import (
	"fmt"
	"reflect"
)

// NotNil panics if v is nil, including typed nil pointers, maps, funcs,
// channels, slices and interfaces.
func NotNil(v interface{}, name string) {
	if isNil(v) {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
}

// Contiguous panics unless next starts exactly where prev ends. Used where a
// gap or overlap in the offset space would corrupt a range.
func Contiguous(prevEnd, nextStart uint64, what string) {
	if prevEnd != nextStart {
		panic(fmt.Errorf("fail-fast: %s not contiguous: previous end %d, next start %d", what, prevEnd, nextStart))
	}
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
