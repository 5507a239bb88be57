// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// Package cbor implements the restricted subset of RFC 8949 Concise Binary
// Object Representation used by the remote provisioning wire protocol:
// unsigned and negative integers, byte strings, text strings, arrays, and
// maps, all of definite length.
//
// Decoding reads exactly the first top-level item from a buffer; trailing
// bytes are ignored. Encoding is deterministic for a given item tree and
// preserves map keys in insertion order rather than canonicalizing them, so
// that re-encoding a decoded item is bit-exact.
//
// No semantic validation happens at this layer. Callers that expect a
// particular item type must check for it themselves; see the As* helpers.
package cbor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxDecodeLength limits the declared size of an array, map (where each
// key-value pair counts as two items), byte string, or text string.
const MaxDecodeLength = 100_000

// Major types (high 3 bits)
const (
	unsignedIntMajorType byte = 0x00
	negativeIntMajorType byte = 0x01
	byteStringMajorType  byte = 0x02
	textStringMajorType  byte = 0x03
	arrayMajorType       byte = 0x04
	mapMajorType         byte = 0x05
	tagMajorType         byte = 0x06
	simpleMajorType      byte = 0x07
)

// Additional info (low 5 bits)
const (
	oneByteAdditional    byte = 0x18
	twoBytesAdditional   byte = 0x19
	fourBytesAdditional  byte = 0x1a
	eightBytesAdditional byte = 0x1b
	indefiniteAdditional byte = 0x1f
)

const (
	threeBitMask byte = 0x07
	fiveBitMask  byte = 0x1f
)

// DecodeError indicates malformed or truncated CBOR input. It is always
// fatal to the protocol round being processed; the same bytes will never
// decode successfully on retry.
type DecodeError struct {
	Offset int
	msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cbor: %s at offset %d", e.msg, e.Offset)
}

// Item is a single CBOR data item.
type Item interface {
	appendTo(buf []byte) []byte
}

// Uint is an unsigned integer item (major type 0).
type Uint uint64

// Int is a negative integer item (major type 1). Its value must be negative.
type Int int64

// Bstr is a byte string item (major type 2).
type Bstr []byte

// Tstr is a text string item (major type 3).
type Tstr string

// Array is an array item (major type 4).
type Array []Item

// Map is a map item (major type 5). Entries keep their insertion order.
type Map struct {
	pairs []Pair
}

// Pair is a single map entry.
type Pair struct {
	Key   Item
	Value Item
}

// NewMap creates an empty map item.
func NewMap() *Map { return &Map{} }

// Put appends or replaces the entry for key, returning the map for chaining.
// Replacement keeps the key's original position.
func (m *Map) Put(key, value Item) *Map {
	for i, p := range m.pairs {
		if equal(p.Key, key) {
			m.pairs[i].Value = value
			return m
		}
	}
	m.pairs = append(m.pairs, Pair{Key: key, Value: value})
	return m
}

// Get returns the value for key, or nil if the key is absent.
func (m *Map) Get(key Item) Item {
	for _, p := range m.pairs {
		if equal(p.Key, key) {
			return p.Value
		}
	}
	return nil
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.pairs) }

// Entries returns the map entries in insertion order. The returned slice is
// shared with the map and must not be modified.
func (m *Map) Entries() []Pair { return m.pairs }

func equal(a, b Item) bool {
	ab, bb := Marshal(a), Marshal(b)
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

// Marshal encodes an item tree to its CBOR representation. Encoding is
// deterministic: the same tree always produces the same bytes.
func Marshal(item Item) []byte { return item.appendTo(nil) }

// Unmarshal decodes exactly the first top-level item from data. Trailing
// bytes after the first item are not an error and are ignored.
func Unmarshal(data []byte) (Item, error) {
	d := &decoder{data: data}
	return d.item(0)
}

func appendHead(buf []byte, major byte, arg uint64) []byte {
	mt := major << 5
	switch {
	case arg < uint64(oneByteAdditional):
		return append(buf, mt|byte(arg))
	case arg <= math.MaxUint8:
		return append(buf, mt|oneByteAdditional, byte(arg))
	case arg <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(append(buf, mt|twoBytesAdditional), uint16(arg))
	case arg <= math.MaxUint32:
		return binary.BigEndian.AppendUint32(append(buf, mt|fourBytesAdditional), uint32(arg))
	default:
		return binary.BigEndian.AppendUint64(append(buf, mt|eightBytesAdditional), arg)
	}
}

func (u Uint) appendTo(buf []byte) []byte {
	return appendHead(buf, unsignedIntMajorType, uint64(u))
}

func (i Int) appendTo(buf []byte) []byte {
	// Negative integer n encodes as -1 - n
	return appendHead(buf, negativeIntMajorType, uint64(-1-int64(i)))
}

func (b Bstr) appendTo(buf []byte) []byte {
	return append(appendHead(buf, byteStringMajorType, uint64(len(b))), b...)
}

func (t Tstr) appendTo(buf []byte) []byte {
	return append(appendHead(buf, textStringMajorType, uint64(len(t))), t...)
}

func (a Array) appendTo(buf []byte) []byte {
	buf = appendHead(buf, arrayMajorType, uint64(len(a)))
	for _, item := range a {
		buf = item.appendTo(buf)
	}
	return buf
}

func (m *Map) appendTo(buf []byte) []byte {
	buf = appendHead(buf, mapMajorType, uint64(len(m.pairs)))
	for _, p := range m.pairs {
		buf = p.Key.appendTo(buf)
		buf = p.Value.appendTo(buf)
	}
	return buf
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) errorf(format string, a ...any) *DecodeError {
	return &DecodeError{Offset: d.off, msg: fmt.Sprintf(format, a...)}
}

func (d *decoder) head() (major byte, arg uint64, err error) {
	if d.off >= len(d.data) {
		return 0, 0, d.errorf("unexpected end of input")
	}
	first := d.data[d.off]
	major = first >> 5 & threeBitMask
	additional := first & fiveBitMask
	d.off++

	var n int
	switch {
	case additional < oneByteAdditional:
		return major, uint64(additional), nil
	case additional == oneByteAdditional:
		n = 1
	case additional == twoBytesAdditional:
		n = 2
	case additional == fourBytesAdditional:
		n = 4
	case additional == eightBytesAdditional:
		n = 8
	case additional == indefiniteAdditional:
		return 0, 0, d.errorf("indefinite length items are not supported")
	default:
		return 0, 0, d.errorf("reserved additional info %d", additional)
	}
	if d.off+n > len(d.data) {
		return 0, 0, d.errorf("truncated argument")
	}
	for _, b := range d.data[d.off : d.off+n] {
		arg = arg<<8 | uint64(b)
	}
	d.off += n
	return major, arg, nil
}

func (d *decoder) bytes(n uint64) ([]byte, error) {
	if n > MaxDecodeLength {
		return nil, d.errorf("length %d exceeds limit", n)
	}
	if d.off+int(n) > len(d.data) {
		return nil, d.errorf("truncated string of length %d", n)
	}
	b := d.data[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *decoder) item(depth int) (Item, error) {
	if depth > 32 {
		return nil, d.errorf("nesting too deep")
	}
	major, arg, err := d.head()
	if err != nil {
		return nil, err
	}
	switch major {
	case unsignedIntMajorType:
		return Uint(arg), nil
	case negativeIntMajorType:
		if arg > math.MaxInt64 {
			return nil, d.errorf("negative integer overflows int64")
		}
		return Int(-1 - int64(arg)), nil
	case byteStringMajorType:
		b, err := d.bytes(arg)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return Bstr(out), nil
	case textStringMajorType:
		b, err := d.bytes(arg)
		if err != nil {
			return nil, err
		}
		return Tstr(b), nil
	case arrayMajorType:
		if arg > MaxDecodeLength {
			return nil, d.errorf("array length %d exceeds limit", arg)
		}
		arr := make(Array, 0, arg)
		for i := uint64(0); i < arg; i++ {
			item, err := d.item(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case mapMajorType:
		if arg > MaxDecodeLength/2 {
			return nil, d.errorf("map length %d exceeds limit", arg)
		}
		m := NewMap()
		for i := uint64(0); i < arg; i++ {
			key, err := d.item(depth + 1)
			if err != nil {
				return nil, err
			}
			val, err := d.item(depth + 1)
			if err != nil {
				return nil, err
			}
			m.pairs = append(m.pairs, Pair{Key: key, Value: val})
		}
		return m, nil
	case tagMajorType:
		return nil, d.errorf("tagged items are not supported")
	default:
		return nil, d.errorf("simple and float items are not supported")
	}
}
