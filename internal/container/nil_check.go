package container

import "reflect"

// reflectIsNil reports whether v holds a nil pointer, interface, map, slice,
// chan, or func. Generic type parameters erase to interface{} at the call
// site in isNilValue, so this reflect-based check is the only general way to
// detect "the caller handed us a nil" across all instantiations of T.
func reflectIsNil[T any](v T) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
