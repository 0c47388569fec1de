// Package types holds the Mach-O wire-layout constants and fixed-size
// structs: magic numbers, the file header, CPU types, load-command tags,
// and the ad-hoc code-signing SuperBlob layout. Field names and constant
// values follow Apple's <mach-o/loader.h> and <mach-o/fat.h>; the Go
// shapes and the Put/String conventions are carried over from the
// teacher's types/header.go and types/cpu.go.
package types

import (
	"fmt"
)

// Magic identifies a Mach-O (or fat Mach-O) file.
type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
	// CigamXXX are the byte-swapped forms seen when a thin slice's
	// endianness is the opposite of the host reading it.
	Cigam32 Magic = 0xcefaedfe
	Cigam64 Magic = 0xcffaedfe
	CigamFat Magic = 0xbebafeca
)

func (m Magic) String() string {
	switch m {
	case Magic32, Cigam32:
		return "32-bit MachO"
	case Magic64, Cigam64:
		return "64-bit MachO"
	case MagicFat, CigamFat:
		return "Fat MachO"
	default:
		return fmt.Sprintf("unknown magic 0x%x", uint32(m))
	}
}

// Is64 reports whether m identifies a 64-bit thin Mach-O.
func (m Magic) Is64() bool { return m == Magic64 || m == Cigam64 }

// IsFat reports whether m identifies a fat (multi-architecture) container.
func (m Magic) IsFat() bool { return m == MagicFat || m == CigamFat }

// IsBigEndian reports whether m is the byte-swapped ("cigam") form,
// meaning the file's native byte order is the opposite of m's own
// constant encoding (big-endian, since the un-swapped constants above are
// conventionally little-endian).
func (m Magic) IsBigEndian() bool {
	return m == Cigam32 || m == Cigam64 || m == CigamFat
}

// FileHeader is the fixed 28/32-byte Mach-O header that precedes the load
// commands.
type FileHeader struct {
	Magic        Magic
	CPU          CPU
	SubCPU       CPUSubtype
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        HeaderFlag
	Reserved     uint32 // only present when Magic == Magic64
}

// Size returns the on-disk size of the header: 28 bytes for a 32-bit
// image, 32 for 64-bit (the extra reserved word).
func (h *FileHeader) Size() int {
	if h.Magic.Is64() {
		return FileHeaderSize64
	}
	return FileHeaderSize32
}

const (
	FileHeaderSize32 = 7 * 4
	FileHeaderSize64 = 8 * 4
)

// HeaderFileType is the Mach-O file type (executable, dylib, bundle, ...).
type HeaderFileType uint32

const (
	MH_OBJECT      HeaderFileType = 0x1
	MH_EXECUTE     HeaderFileType = 0x2
	MH_FVMLIB      HeaderFileType = 0x3
	MH_CORE        HeaderFileType = 0x4
	MH_PRELOAD     HeaderFileType = 0x5
	MH_DYLIB       HeaderFileType = 0x6
	MH_DYLINKER    HeaderFileType = 0x7
	MH_BUNDLE      HeaderFileType = 0x8
	MH_DYLIB_STUB  HeaderFileType = 0x9
	MH_DSYM        HeaderFileType = 0xa
	MH_KEXT_BUNDLE HeaderFileType = 0xb
	MH_FILESET     HeaderFileType = 0xc
)

func (t HeaderFileType) String() string {
	switch t {
	case MH_OBJECT:
		return "OBJECT"
	case MH_EXECUTE:
		return "EXECUTE"
	case MH_FVMLIB:
		return "FVMLIB"
	case MH_CORE:
		return "CORE"
	case MH_PRELOAD:
		return "PRELOAD"
	case MH_DYLIB:
		return "DYLIB"
	case MH_DYLINKER:
		return "DYLINKER"
	case MH_BUNDLE:
		return "BUNDLE"
	case MH_DYLIB_STUB:
		return "DYLIB_STUB"
	case MH_DSYM:
		return "DSYM"
	case MH_KEXT_BUNDLE:
		return "KEXT_BUNDLE"
	case MH_FILESET:
		return "FILESET"
	default:
		return fmt.Sprintf("HeaderFileType(0x%x)", uint32(t))
	}
}

// HeaderFlag holds the Mach-O header's bit flags.
type HeaderFlag uint32

const (
	NoUndefs              HeaderFlag = 0x1
	DyldLink              HeaderFlag = 0x4
	TwoLevel              HeaderFlag = 0x80
	WeakDefines           HeaderFlag = 0x8000
	AllowStackExecution   HeaderFlag = 0x20000
	PIE                   HeaderFlag = 0x200000
	HasTLVDescriptors     HeaderFlag = 0x800000
	NoHeapExecution       HeaderFlag = 0x1000000
	AppExtensionSafe      HeaderFlag = 0x2000000
)

func (f HeaderFlag) Has(bit HeaderFlag) bool { return f&bit != 0 }

func (h FileHeader) String() string {
	return fmt.Sprintf("Magic=%s Type=%s CPU=%s Commands=%d (size %d) Flags=0x%x",
		h.Magic, h.Type, h.CPU, h.NCommands, h.SizeCommands, uint32(h.Flags))
}

// FatMagic identifies a fat (universal) Mach-O container. It shares the
// constant value with Magic.MagicFat but is kept as a distinct type so the
// fat-arch table code reads unambiguously.
type FatMagic = Magic

// FatArch describes one architecture slice inside a fat container.
type FatArch struct {
	CPU     CPU
	SubCPU  CPUSubtype
	Offset  uint32
	Size    uint32
	Align   uint32 // log2 alignment
}

const FatArchSize = 20 // 5 * uint32
const FatHeaderSize = 8 // magic + nfat_arch
