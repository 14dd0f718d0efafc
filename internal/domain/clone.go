package domain

import "reflect"

// Payload values nested deeper than this are shared rather than copied. The
// inspector's CBOR decoder refuses such nesting anyway.
const maxCloneDepth = 32

// cloneData copies data and every map, slice, array and pointer reachable
// from it, so a queued record no longer shares memory with the caller.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneThrowable(t Throwable) Throwable {
	head := t
	cur := &head
	for depth := 0; cur.Cause != nil && depth < maxCloneDepth; depth++ {
		cause := *cur.Cause
		cur.Cause = &cause
		cur = cur.Cause
	}
	return head
}

func cloneValue(v any) any {
	if v == nil {
		return nil
	}

	return deepCopy(reflect.ValueOf(v), 0).Interface()
}

func deepCopy(v reflect.Value, depth int) reflect.Value {
	if depth > maxCloneDepth {
		return v
	}

	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value(), depth+1))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(deepCopy(v.Index(i), depth+1))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			out.Index(i).Set(deepCopy(v.Index(i), depth+1))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(deepCopy(v.Elem(), depth+1))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(deepCopy(v.Elem(), depth+1))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := range v.NumField() {
			if f := out.Field(i); f.CanSet() {
				f.Set(deepCopy(v.Field(i), depth+1))
			}
		}
		return out
	default:
		return v
	}
}
