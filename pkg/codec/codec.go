// Copyright 2025 Takhin Data, Inc.

// Package codec implements the L1 encoding layer: typed keys (primary-key
// tuple + column tuple, with an optional composite suffix of field, score,
// index, or member) and typed values (type tag + expiration timestamp +
// payload), encoded into the byte strings the L0 store persists.
//
// Encoding is deterministic and round-trips for every legal input; decoding
// fails with a *status.Error carrying status.RSCorruption on truncated
// input or a wrong shape byte, and status.RSInvalidArgument when a value's
// stored type tag differs from the requested one. The DEFAULT prefix of any COMPOSITE key is
// always a byte-prefix of the encoded composite key, which is what lets L3
// iterate a root's children with a single prefix scan.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/takhin-data/laser/pkg/cityhash"
	"github.com/takhin-data/laser/pkg/status"
)

// KeyShape is the leading byte of every encoded key.
type KeyShape byte

const (
	ShapeDefault  KeyShape = 1
	ShapeComposite KeyShape = 2
	ShapeTTLSort  KeyShape = 3
)

// ValueType is the type tag carried by every encoded value.
type ValueType byte

const (
	ValueRawString ValueType = 1
	ValueCounter   ValueType = 2
	ValueMap       ValueType = 3
	ValueList      ValueType = 4
	ValueSet       ValueType = 5
	ValueZSet      ValueType = 6
)

func (t ValueType) String() string {
	switch t {
	case ValueRawString:
		return "RAW_STRING"
	case ValueCounter:
		return "COUNTER"
	case ValueMap:
		return "MAP"
	case ValueList:
		return "LIST"
	case ValueSet:
		return "SET"
	case ValueZSet:
		return "ZSET"
	default:
		return fmt.Sprintf("ValueType(%d)", byte(t))
	}
}

func corrupt(format string, args ...any) error {
	return status.New(status.RSCorruption, format, args...)
}

func putLenPrefixed(buf []byte, s []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func readLenPrefixed(b []byte) (value []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, corrupt("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, corrupt("truncated value: want %d bytes, have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}

// EncodeDefaultKey builds a DEFAULT key from a primary-key tuple and a
// column tuple.
func EncodeDefaultKey(primaryKeys, columns []string) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(ShapeDefault))
	buf = appendStringTuple(buf, primaryKeys)
	buf = appendStringTuple(buf, columns)
	return buf
}

func appendStringTuple(buf []byte, tuple []string) []byte {
	var nBuf [4]byte
	binary.LittleEndian.PutUint32(nBuf[:], uint32(len(tuple)))
	buf = append(buf, nBuf[:]...)
	for _, s := range tuple {
		buf = putLenPrefixed(buf, []byte(s))
	}
	return buf
}

func readStringTuple(b []byte) (tuple []string, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, corrupt("truncated tuple count")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	tuple = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		var item []byte
		item, b, err = readLenPrefixed(b)
		if err != nil {
			return nil, nil, err
		}
		tuple = append(tuple, string(item))
	}
	return tuple, b, nil
}

// DecodedDefaultKey is the parsed form of a DEFAULT key.
type DecodedDefaultKey struct {
	PrimaryKeys []string
	Columns     []string
}

// DecodeDefaultKey parses a DEFAULT key, returning the number of bytes it
// consumed so callers decoding a COMPOSITE key know where the suffix
// begins.
func DecodeDefaultKey(b []byte) (*DecodedDefaultKey, int, error) {
	if len(b) < 1 || KeyShape(b[0]) != ShapeDefault {
		return nil, 0, corrupt("not a DEFAULT key")
	}
	rest := b[1:]
	pk, rest, err := readStringTuple(rest)
	if err != nil {
		return nil, 0, err
	}
	cols, rest, err := readStringTuple(rest)
	if err != nil {
		return nil, 0, err
	}
	consumed := len(b) - len(rest)
	return &DecodedDefaultKey{PrimaryKeys: pk, Columns: cols}, consumed, nil
}

// KeyHash returns the stable routing hash of a primary-key tuple.
func KeyHash(primaryKeys []string) uint64 {
	return cityhash.KeyHash(primaryKeys)
}

// A COMPOSITE key is literally the encoded DEFAULT key's bytes (shape byte
// included) with a type-specific suffix appended -- not a distinct shape
// byte of its own. That is what makes the DEFAULT key a true byte-prefix
// of every one of its COMPOSITE descendants, which L3's prefix iteration
// depends on. ShapeComposite exists to name the concept; it is never
// written as a leading byte.
func compositeBase(defaultKey []byte) []byte {
	return append([]byte(nil), defaultKey...)
}

// EncodeFieldKey builds a COMPOSITE key for a MAP field or SET member: the
// suffix shape is identical for both (length-prefixed bytes).
func EncodeFieldKey(defaultKey []byte, field []byte) []byte {
	buf := compositeBase(defaultKey)
	return putLenPrefixed(buf, field)
}

// DecodeFieldKey extracts the field/member suffix appended by
// EncodeFieldKey, given the number of bytes consumed by the DEFAULT prefix.
func DecodeFieldKey(compositeKey []byte, prefixLen int) ([]byte, error) {
	if len(compositeKey) < prefixLen {
		return nil, corrupt("composite key shorter than its DEFAULT prefix")
	}
	field, rest, err := readLenPrefixed(compositeKey[prefixLen:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, corrupt("trailing bytes after field suffix")
	}
	return field, nil
}

// EncodeIndexKey builds a COMPOSITE key for a LIST element; the index is a
// signed 64-bit big-endian integer, so lexicographic key order matches
// numeric order among indices of the same sign. Negative indices have the
// top bit set and sort after every non-negative index.
func EncodeIndexKey(defaultKey []byte, index int64) []byte {
	buf := compositeBase(defaultKey)
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], uint64(index))
	return append(buf, idxBuf[:]...)
}

// DecodeIndexKey extracts the big-endian index suffix.
func DecodeIndexKey(compositeKey []byte, prefixLen int) (int64, error) {
	if len(compositeKey) != prefixLen+8 {
		return 0, corrupt("malformed list index suffix")
	}
	return int64(binary.BigEndian.Uint64(compositeKey[prefixLen:])), nil
}

// EncodeScoreKey builds a COMPOSITE key for a ZSET score bucket; the score
// is a signed 64-bit big-endian integer, with the same ordering as list
// indices (negative scores sort after non-negative ones).
func EncodeScoreKey(defaultKey []byte, score int64) []byte {
	buf := compositeBase(defaultKey)
	var scoreBuf [8]byte
	binary.BigEndian.PutUint64(scoreBuf[:], uint64(score))
	return append(buf, scoreBuf[:]...)
}

// DecodeScoreKey extracts the big-endian score suffix.
func DecodeScoreKey(compositeKey []byte, prefixLen int) (int64, error) {
	if len(compositeKey) != prefixLen+8 {
		return 0, corrupt("malformed zset score suffix")
	}
	return int64(binary.BigEndian.Uint64(compositeKey[prefixLen:])), nil
}

// EncodeTTLSortKey builds a TTL_SORT key: an ASCII-decimal timestamp
// followed by the full encoded DEFAULT key, reserved for a TTL index.
func EncodeTTLSortKey(timestampMs int64, encodedDefaultKey []byte) []byte {
	buf := make([]byte, 0, 16+len(encodedDefaultKey))
	buf = append(buf, byte(ShapeTTLSort))
	buf = putLenPrefixed(buf, []byte(fmt.Sprintf("%020d", timestampMs)))
	buf = putLenPrefixed(buf, encodedDefaultKey)
	return buf
}

// DecodeTTLSortKey parses a TTL_SORT key.
func DecodeTTLSortKey(b []byte) (timestampMs int64, encodedDefaultKey []byte, err error) {
	if len(b) < 1 || KeyShape(b[0]) != ShapeTTLSort {
		return 0, nil, corrupt("not a TTL_SORT key")
	}
	rest := b[1:]
	tsBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return 0, nil, err
	}
	var ts int64
	if _, err := fmt.Sscanf(string(tsBytes), "%d", &ts); err != nil {
		return 0, nil, corrupt("malformed ttl sort timestamp: %v", err)
	}
	key, rest, err := readLenPrefixed(rest)
	if err != nil {
		return 0, nil, err
	}
	if len(rest) != 0 {
		return 0, nil, corrupt("trailing bytes after TTL_SORT key")
	}
	return ts, key, nil
}

// Shape returns the leading shape byte of an encoded key, or an error if
// the key is empty.
func Shape(encodedKey []byte) (KeyShape, error) {
	if len(encodedKey) == 0 {
		return 0, corrupt("empty key")
	}
	return KeyShape(encodedKey[0]), nil
}

// EncodeValue wraps a payload with its type tag and expiration timestamp.
// expireMs == 0 means the value never expires.
func EncodeValue(vt ValueType, expireMs int64, payload []byte) []byte {
	buf := make([]byte, 0, 9+len(payload))
	buf = append(buf, byte(vt))
	var expireBuf [8]byte
	binary.LittleEndian.PutUint64(expireBuf[:], uint64(expireMs))
	buf = append(buf, expireBuf[:]...)
	buf = append(buf, payload...)
	return buf
}

// DecodeValue unwraps the type tag, expiration timestamp, and payload of an
// encoded value. wantType, if non-zero, is checked against the stored tag.
func DecodeValue(b []byte, wantType ValueType) (vt ValueType, expireMs int64, payload []byte, err error) {
	if len(b) < 9 {
		return 0, 0, nil, corrupt("truncated value header")
	}
	vt = ValueType(b[0])
	if wantType != 0 && vt != wantType {
		return 0, 0, nil, status.New(status.RSInvalidArgument, "value type mismatch: want %s, have %s", wantType, vt)
	}
	expireMs = int64(binary.LittleEndian.Uint64(b[1:9]))
	payload = b[9:]
	return vt, expireMs, payload, nil
}

// EncodeRawString encodes a RAW_STRING payload.
func EncodeRawString(s []byte) []byte {
	return putLenPrefixed(nil, s)
}

// DecodeRawString decodes a RAW_STRING payload.
func DecodeRawString(payload []byte) ([]byte, error) {
	s, rest, err := readLenPrefixed(payload)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, corrupt("trailing bytes after raw string payload")
	}
	return s, nil
}

// EncodeCounter encodes a COUNTER payload (little-endian i64).
func EncodeCounter(v int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

// DecodeCounter decodes a COUNTER payload.
func DecodeCounter(payload []byte) (int64, error) {
	if len(payload) != 8 {
		return 0, corrupt("malformed counter payload")
	}
	return int64(binary.LittleEndian.Uint64(payload)), nil
}

// EncodeSize encodes a uint32 live-count meta payload, shared by MAP, SET,
// and ZSET meta values.
func EncodeSize(size uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], size)
	return buf[:]
}

// DecodeSize decodes a uint32 live-count meta payload.
func DecodeSize(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, corrupt("malformed size meta payload")
	}
	return binary.LittleEndian.Uint32(payload), nil
}

// EncodeListMeta encodes a LIST meta payload.
func EncodeListMeta(start, end int64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(start))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(end))
	return buf
}

// DecodeListMeta decodes a LIST meta payload.
func DecodeListMeta(payload []byte) (start, end int64, err error) {
	if len(payload) != 16 {
		return 0, 0, corrupt("malformed list meta payload")
	}
	start = int64(binary.LittleEndian.Uint64(payload[0:8]))
	end = int64(binary.LittleEndian.Uint64(payload[8:16]))
	return start, end, nil
}

// EncodeZSetBucket encodes the set of members sharing one score.
func EncodeZSetBucket(members [][]byte) []byte {
	var nBuf [4]byte
	binary.LittleEndian.PutUint32(nBuf[:], uint32(len(members)))
	buf := append([]byte{}, nBuf[:]...)
	for _, m := range members {
		buf = putLenPrefixed(buf, m)
	}
	return buf
}

// DecodeZSetBucket decodes a ZSET score-bucket payload.
func DecodeZSetBucket(payload []byte) ([][]byte, error) {
	if len(payload) < 4 {
		return nil, corrupt("truncated zset bucket count")
	}
	n := binary.LittleEndian.Uint32(payload[:4])
	rest := payload[4:]
	members := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		var m []byte
		var err error
		m, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if len(rest) != 0 {
		return nil, corrupt("trailing bytes after zset bucket")
	}
	return members, nil
}
