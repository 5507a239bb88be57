// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

package cbor_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/remote-provisioning/go-rkp/cbor"
)

func TestMarshal(t *testing.T) {
	for _, test := range []struct {
		name   string
		item   cbor.Item
		expect []byte
	}{
		{name: "zero", item: cbor.Uint(0), expect: []byte{0x00}},
		{name: "small uint", item: cbor.Uint(23), expect: []byte{0x17}},
		{name: "one byte uint", item: cbor.Uint(24), expect: []byte{0x18, 0x18}},
		{name: "two byte uint", item: cbor.Uint(500), expect: []byte{0x19, 0x01, 0xf4}},
		{name: "negative one", item: cbor.Int(-1), expect: []byte{0x20}},
		{name: "negative seven", item: cbor.Int(-7), expect: []byte{0x26}},
		{name: "bstr", item: cbor.Bstr{0x01, 0x02, 0x03}, expect: []byte{0x43, 0x01, 0x02, 0x03}},
		{name: "empty bstr", item: cbor.Bstr{}, expect: []byte{0x40}},
		{name: "tstr", item: cbor.Tstr("abc"), expect: []byte{0x63, 'a', 'b', 'c'}},
		{name: "array", item: cbor.Array{cbor.Uint(1), cbor.Uint(2)}, expect: []byte{0x82, 0x01, 0x02}},
		{
			name:   "map",
			item:   cbor.NewMap().Put(cbor.Uint(1), cbor.Uint(5)),
			expect: []byte{0xa1, 0x01, 0x05},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := cbor.Marshal(test.item); !bytes.Equal(got, test.expect) {
				t.Errorf("marshal %#v: got % x, expected % x", test.item, got, test.expect)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	items := []cbor.Item{
		cbor.Uint(0),
		cbor.Uint(1<<40 + 3),
		cbor.Int(-500),
		cbor.Bstr{0xde, 0xad},
		cbor.Tstr("fingerprint"),
		cbor.Array{cbor.Uint(1), cbor.Array{cbor.Tstr("x")}, cbor.Bstr{}},
		cbor.NewMap().
			Put(cbor.Tstr("b"), cbor.Uint(2)).
			Put(cbor.Tstr("a"), cbor.Uint(1)).
			Put(cbor.Int(-2), cbor.Bstr{0x01}),
	}
	for _, item := range items {
		data := cbor.Marshal(item)
		decoded, err := cbor.Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal % x: %v", data, err)
		}
		if got := cbor.Marshal(decoded); !bytes.Equal(got, data) {
			t.Errorf("re-encoding % x produced % x", data, got)
		}
	}
}

// Map keys must keep insertion order rather than being canonicalized, so a
// decoded message re-encodes to exactly the bytes received.
func TestMapOrder(t *testing.T) {
	m := cbor.NewMap().
		Put(cbor.Tstr("zz"), cbor.Uint(1)).
		Put(cbor.Tstr("a"), cbor.Uint(2))
	data := cbor.Marshal(m)
	if data[1] != 0x62 { // two-char key "zz" first
		t.Fatalf("first key was reordered: % x", data)
	}

	// Replacement keeps the original position.
	m.Put(cbor.Tstr("zz"), cbor.Uint(9))
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
	if got, _ := cbor.AsUint(m.Get(cbor.Tstr("zz")), "zz"); got != 9 {
		t.Errorf("expected replaced value 9, got %d", got)
	}
	if got := cbor.Marshal(m)[1]; got != 0x62 {
		t.Errorf("replacement moved the key: % x", cbor.Marshal(m))
	}
}

func TestTrailingBytesIgnored(t *testing.T) {
	data := append(cbor.Marshal(cbor.Uint(7)), 0xff, 0xff)
	item, err := cbor.Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := cbor.AsUint(item, "item"); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated argument", data: []byte{0x19, 0x01}},
		{name: "truncated string", data: []byte{0x45, 0x01}},
		{name: "truncated array", data: []byte{0x82, 0x01}},
		{name: "indefinite length", data: []byte{0x5f}},
		{name: "tag", data: []byte{0xc0, 0x00}},
		{name: "float", data: []byte{0xf9, 0x3c, 0x00}},
		{name: "huge length", data: []byte{0x5b, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := cbor.Unmarshal(test.data)
			var decodeErr *cbor.DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}
}

func TestDepthLimit(t *testing.T) {
	data := bytes.Repeat([]byte{0x81}, 40) // 40 nested single-element arrays
	data = append(data, 0x00)
	if _, err := cbor.Unmarshal(data); err == nil {
		t.Fatal("expected a depth error")
	}
}
