// Package bcodec provides the primitive byte-layout helpers shared by the
// macho and elf packages: fixed-width integer reads/writes at an explicit
// offset and endianness, NUL-terminated byte-string handling, and the
// command/segment alignment helpers used when laying out load commands and
// program headers.
//
// Grounded on the teacher's own style of writing fixed-layout records
// directly into byte slices at computed offsets (see
// types.FileHeader.Put and *Segment.Put32/Put64 in the teacher's cmds.go).
package bcodec

import (
	"encoding/binary"
	"fmt"
)

// ErrShortBuffer is returned whenever a read or write would run past the
// end of the supplied byte slice.
type ErrShortBuffer struct {
	Op       string
	Offset   int
	Need     int
	HaveSize int
}

func (e *ErrShortBuffer) Error() string {
	return fmt.Sprintf("bcodec: %s at offset %d needs %d bytes, buffer has %d", e.Op, e.Offset, e.Need, e.HaveSize)
}

func need(op string, b []byte, off, n int) error {
	if off < 0 || n < 0 || off+n > len(b) {
		return &ErrShortBuffer{Op: op, Offset: off, Need: n, HaveSize: len(b)}
	}
	return nil
}

// ReadU16 reads a uint16 at offset off using byte order o.
func ReadU16(b []byte, off int, o binary.ByteOrder) (uint16, error) {
	if err := need("ReadU16", b, off, 2); err != nil {
		return 0, err
	}
	return o.Uint16(b[off:]), nil
}

// ReadU32 reads a uint32 at offset off using byte order o.
func ReadU32(b []byte, off int, o binary.ByteOrder) (uint32, error) {
	if err := need("ReadU32", b, off, 4); err != nil {
		return 0, err
	}
	return o.Uint32(b[off:]), nil
}

// ReadU64 reads a uint64 at offset off using byte order o.
func ReadU64(b []byte, off int, o binary.ByteOrder) (uint64, error) {
	if err := need("ReadU64", b, off, 8); err != nil {
		return 0, err
	}
	return o.Uint64(b[off:]), nil
}

// WriteU16 writes v at offset off using byte order o.
func WriteU16(b []byte, off int, o binary.ByteOrder, v uint16) error {
	if err := need("WriteU16", b, off, 2); err != nil {
		return err
	}
	o.PutUint16(b[off:], v)
	return nil
}

// WriteU32 writes v at offset off using byte order o.
func WriteU32(b []byte, off int, o binary.ByteOrder, v uint32) error {
	if err := need("WriteU32", b, off, 4); err != nil {
		return err
	}
	o.PutUint32(b[off:], v)
	return nil
}

// WriteU64 writes v at offset off using byte order o.
func WriteU64(b []byte, off int, o binary.ByteOrder, v uint64) error {
	if err := need("WriteU64", b, off, 8); err != nil {
		return err
	}
	o.PutUint64(b[off:], v)
	return nil
}

// ReadCString returns the NUL-terminated byte string starting at off, not
// including the terminator. Strings are treated as opaque byte sequences,
// never assumed to be UTF-8 (paths on disk are not necessarily valid text).
func ReadCString(b []byte, off int) ([]byte, error) {
	if off < 0 || off > len(b) {
		return nil, &ErrShortBuffer{Op: "ReadCString", Offset: off, Need: 1, HaveSize: len(b)}
	}
	end := off
	for end < len(b) && b[end] != 0 {
		end++
	}
	if end >= len(b) {
		return nil, &ErrShortBuffer{Op: "ReadCString", Offset: off, Need: end - off + 1, HaveSize: len(b)}
	}
	out := make([]byte, end-off)
	copy(out, b[off:end])
	return out, nil
}

// MustCString is ReadCString for string-table lookups where a malformed
// or out-of-range offset should degrade to an empty string rather than
// fail the whole parse (e.g. decorative section names).
func MustCString(b []byte, off int) string {
	s, err := ReadCString(b, off)
	if err != nil {
		return ""
	}
	return string(s)
}

// AppendCString appends s followed by a NUL terminator to dst.
func AppendCString(dst []byte, s []byte) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// Pad4 rounds n up to the next value such that a trailing NUL-terminated
// string starting at n would end 4-byte aligned: pad4(n) = ceil((n+1)/4)*4.
// Used for 32-bit Mach-O load-command string padding.
func Pad4(n int) int {
	return ((n + 1 + 3) / 4) * 4
}

// Pad8 is Pad4's 8-byte-aligned counterpart, used for 64-bit Mach-O load
// commands.
func Pad8(n int) int {
	return ((n + 1 + 7) / 8) * 8
}

// PadFor dispatches to Pad4 or Pad8 based on the containing structure's
// architecture word size (4 for 32-bit, 8 for 64-bit).
func PadFor(wordSize int, n int) int {
	if wordSize == 8 {
		return Pad8(n)
	}
	return Pad4(n)
}

// AlignUp rounds n up to the nearest multiple of align, which must be a
// power of two.
func AlignUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a power of two (n > 0).
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}
