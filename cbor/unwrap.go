// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package cbor

import "fmt"

// The As helpers narrow an Item to a concrete type, naming the field being
// unwrapped so that mismatches produce a useful error. The codec itself does
// no semantic validation; these are for the layer interpreting the items.

// AsArray returns item as an Array.
func AsArray(item Item, what string) (Array, error) {
	arr, ok := item.(Array)
	if !ok {
		return nil, typeError(what, "array", item)
	}
	return arr, nil
}

// AsMap returns item as a *Map.
func AsMap(item Item, what string) (*Map, error) {
	m, ok := item.(*Map)
	if !ok {
		return nil, typeError(what, "map", item)
	}
	return m, nil
}

// AsBstr returns item as a Bstr.
func AsBstr(item Item, what string) ([]byte, error) {
	b, ok := item.(Bstr)
	if !ok {
		return nil, typeError(what, "byte string", item)
	}
	return b, nil
}

// AsTstr returns item as a Tstr.
func AsTstr(item Item, what string) (string, error) {
	t, ok := item.(Tstr)
	if !ok {
		return "", typeError(what, "text string", item)
	}
	return string(t), nil
}

// AsUint returns item as a Uint.
func AsUint(item Item, what string) (uint64, error) {
	u, ok := item.(Uint)
	if !ok {
		return 0, typeError(what, "unsigned integer", item)
	}
	return uint64(u), nil
}

func typeError(what, want string, got Item) error {
	return fmt.Errorf("%s: expected %s, got %s", what, want, typeName(got))
}

func typeName(item Item) string {
	switch item.(type) {
	case Uint:
		return "unsigned integer"
	case Int:
		return "negative integer"
	case Bstr:
		return "byte string"
	case Tstr:
		return "text string"
	case Array:
		return "array"
	case *Map:
		return "map"
	case nil:
		return "nothing"
	default:
		return fmt.Sprintf("%T", item)
	}
}
