// Package value implements CoreDB's tagged-union Value type: the scalar and
// container kinds that can occupy a cell, with a stable binary encoding and a
// total order across every variant.
package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/kolibridb/coredb/corerr"
)

// Kind tags a Value's variant. The numeric order IS the cross-variant sort
// order: a Boolean always sorts before any Int32, regardless of value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBoolean
	KindInt32
	KindInt64
	KindFloat64
	KindText
	KindBlob
	KindUUID
	KindTimestamp
	KindList
	KindSet
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindUUID:
		return "uuid"
	case KindTimestamp:
		return "timestamp"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged union over CoreDB's scalar and container kinds. The zero
// Value is Null.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	list  []Value
	m     map[string]Value
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBoolean, b: b} }
func Int32(i int32) Value         { return Value{kind: KindInt32, i: int64(i)} }
func Int64(i int64) Value         { return Value{kind: KindInt64, i: i} }
func Float64(f float64) Value     { return Value{kind: KindFloat64, f: f} }
func Text(s string) Value         { return Value{kind: KindText, s: s} }
func Blob(b []byte) Value         { return Value{kind: KindBlob, bytes: append([]byte(nil), b...)} }
func TimestampMicros(t int64) Value { return Value{kind: KindTimestamp, i: t} }

// UUID takes a raw 16-byte identifier; CoreDB does not validate RFC 4122
// version/variant bits, it only orders and round-trips the 16 bytes.
func UUID(id [16]byte) Value {
	return Value{kind: KindUUID, bytes: append([]byte(nil), id[:]...)}
}

func List(items []Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), items...)}
}

func Set(items []Value) Value {
	return Value{kind: KindSet, list: append([]Value(nil), items...)}
}

func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) BoolValue() (bool, bool)       { return v.b, v.kind == KindBoolean }
func (v Value) Int32Value() (int32, bool)     { return int32(v.i), v.kind == KindInt32 }
func (v Value) Int64Value() (int64, bool)     { return v.i, v.kind == KindInt64 }
func (v Value) Float64Value() (float64, bool) { return v.f, v.kind == KindFloat64 }
func (v Value) TextValue() (string, bool)     { return v.s, v.kind == KindText }
func (v Value) BlobValue() ([]byte, bool)     { return v.bytes, v.kind == KindBlob }
func (v Value) TimestampValue() (int64, bool) { return v.i, v.kind == KindTimestamp }

func (v Value) UUIDValue() ([16]byte, bool) {
	var out [16]byte
	if v.kind != KindUUID || len(v.bytes) != 16 {
		return out, false
	}
	copy(out[:], v.bytes)
	return out, true
}

func (v Value) ListValue() ([]Value, bool) { return v.list, v.kind == KindList }
func (v Value) SetValue() ([]Value, bool)  { return v.list, v.kind == KindSet }
func (v Value) MapValue() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Equal reports whether two Values compare equal under Compare.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Compare defines the total order across every Value variant: the tag byte
// dominates, then a variant-specific comparison breaks ties within a kind.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}

	switch a.kind {
	case KindNull:
		return 0
	case KindBoolean:
		return compareBool(a.b, b.b)
	case KindInt32:
		return compareInt64(int64(int32(a.i)), int64(int32(b.i)))
	case KindInt64, KindTimestamp:
		return compareInt64(a.i, b.i)
	case KindFloat64:
		return compareFloat64(a.f, b.f)
	case KindText:
		return bytes.Compare([]byte(a.s), []byte(b.s))
	case KindBlob, KindUUID:
		return bytes.Compare(a.bytes, b.bytes)
	case KindList, KindSet:
		return compareList(a.list, b.list)
	case KindMap:
		return compareMap(a.m, b.m)
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareFloat64 sorts NaN last, consistently, so Float64 has a total order.
func compareFloat64(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareList(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInt64(int64(len(a)), int64(len(b)))
}

func compareMap(a, b map[string]Value) int {
	ak := sortedKeys(a)
	bk := sortedKeys(b)
	n := len(ak)
	if len(bk) < n {
		n = len(bk)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare([]byte(ak[i]), []byte(bk[i])); c != 0 {
			return c
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return compareInt64(int64(len(ak)), int64(len(bk)))
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode writes the stable binary form: a leading tag byte followed by a
// variant-specific payload (fixed width for numerics, length-prefixed for
// variable-length variants).
func Encode(w io.Writer, v Value) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(v.kind)); err != nil {
		return err
	}

	switch v.kind {
	case KindNull:
		return nil
	case KindBoolean:
		var b uint8
		if v.b {
			b = 1
		}
		return binary.Write(w, binary.LittleEndian, b)
	case KindInt32:
		return binary.Write(w, binary.LittleEndian, int32(v.i))
	case KindInt64, KindTimestamp:
		return binary.Write(w, binary.LittleEndian, v.i)
	case KindFloat64:
		return binary.Write(w, binary.LittleEndian, math.Float64bits(v.f))
	case KindText:
		return writeLenPrefixed(w, []byte(v.s))
	case KindBlob:
		return writeLenPrefixed(w, v.bytes)
	case KindUUID:
		if len(v.bytes) != 16 {
			return fmt.Errorf("value: uuid payload must be 16 bytes, got %d", len(v.bytes))
		}
		_, err := w.Write(v.bytes)
		return err
	case KindList, KindSet:
		if err := binary.Write(w, binary.LittleEndian, uint32(len(v.list))); err != nil {
			return err
		}
		for _, item := range v.list {
			if err := Encode(w, item); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		keys := sortedKeys(v.m)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(keys))); err != nil {
			return err
		}
		for _, k := range keys {
			if err := writeLenPrefixed(w, []byte(k)); err != nil {
				return err
			}
			if err := Encode(w, v.m[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// Decode reads one Value written by Encode. Truncated payloads and unknown
// tags are reported as corerr.KindCorruption.
func Decode(r io.Reader) (Value, error) {
	var tag uint8
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return Value{}, wrapReadErr(err)
	}

	kind := Kind(tag)
	switch kind {
	case KindNull:
		return Null(), nil
	case KindBoolean:
		var b uint8
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return Value{}, wrapReadErr(err)
		}
		return Bool(b != 0), nil
	case KindInt32:
		var i int32
		if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
			return Value{}, wrapReadErr(err)
		}
		return Int32(i), nil
	case KindInt64:
		var i int64
		if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
			return Value{}, wrapReadErr(err)
		}
		return Int64(i), nil
	case KindTimestamp:
		var i int64
		if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
			return Value{}, wrapReadErr(err)
		}
		return TimestampMicros(i), nil
	case KindFloat64:
		var bits uint64
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return Value{}, wrapReadErr(err)
		}
		return Float64(math.Float64frombits(bits)), nil
	case KindText:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Text(string(b)), nil
	case KindBlob:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Blob(b), nil
	case KindUUID:
		var id [16]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return Value{}, wrapReadErr(err)
		}
		return UUID(id), nil
	case KindList, KindSet:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Value{}, wrapReadErr(err)
		}
		items := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := Decode(r)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		if kind == KindList {
			return List(items), nil
		}
		return Set(items), nil
	case KindMap:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Value{}, wrapReadErr(err)
		}
		m := make(map[string]Value, n)
		for i := uint32(0); i < n; i++ {
			kb, err := readLenPrefixed(r)
			if err != nil {
				return Value{}, err
			}
			v, err := Decode(r)
			if err != nil {
				return Value{}, err
			}
			m[string(kb)] = v
		}
		return Map(m), nil
	default:
		return Value{}, corerr.New(corerr.KindCorruption, fmt.Sprintf("value: unknown tag byte %d", tag))
	}
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, wrapReadErr(err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, wrapReadErr(err)
	}
	return b, nil
}

func wrapReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return corerr.Wrap(corerr.KindCorruption, "value: truncated payload", err)
	}
	return err
}

// EncodeBytes is a convenience wrapper returning the encoded form directly.
func EncodeBytes(v Value) []byte {
	var buf bytes.Buffer
	_ = Encode(&buf, v)
	return buf.Bytes()
}

// DecodeBytes is a convenience wrapper decoding from a byte slice.
func DecodeBytes(b []byte) (Value, error) {
	return Decode(bytes.NewReader(b))
}
