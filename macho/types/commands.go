package types

import "fmt"

// LoadCmd is the load command tag (the first uint32 of every command).
// Values are carried over verbatim from <mach-o/loader.h> via the
// teacher's types/commands.go; only the subset of commands this patcher
// reads, rewrites, or must preserve opaquely is named here.
type LoadCmd uint32

// reqDyld marks commands the dynamic linker must not skip even if it does
// not recognize them.
const reqDyld LoadCmd = 0x80000000

const (
	LcSegment        LoadCmd = 0x1
	LcSymtab         LoadCmd = 0x2
	LcDysymtab       LoadCmd = 0xb
	LcLoadDylib      LoadCmd = 0xc
	LcIdDylib        LoadCmd = 0xd
	LcLoadDylinker   LoadCmd = 0xe
	LcIdDylinker     LoadCmd = 0xf
	LcSegment64      LoadCmd = 0x19
	LcUUID           LoadCmd = 0x1b
	LcRpath          LoadCmd = 0x1c | reqDyld
	LcCodeSignature  LoadCmd = 0x1d
	LcReExportDylib  LoadCmd = 0x1f | reqDyld
	LcLoadWeakDylib  LoadCmd = 0x18 | reqDyld
	LcLazyLoadDylib  LoadCmd = 0x20
	LcDyldInfo       LoadCmd = 0x22
	LcDyldInfoOnly   LoadCmd = 0x22 | reqDyld
	LcVersionMinMacOS LoadCmd = 0x24
	LcFunctionStarts LoadCmd = 0x26
	LcMain           LoadCmd = 0x28 | reqDyld
	LcDataInCode     LoadCmd = 0x29
	LcSourceVersion  LoadCmd = 0x2a
	LcLinkerOption   LoadCmd = 0x2d
	LcBuildVersion   LoadCmd = 0x32
	LcDyldExportsTrie LoadCmd = 0x33 | reqDyld
	LcDyldChainedFixups LoadCmd = 0x34 | reqDyld
	LcLoadUpwardDylib LoadCmd = 0x23 | reqDyld
	LcNote           LoadCmd = 0x31
	LcFilesetEntry   LoadCmd = 0x35 | reqDyld
)

var loadCmdNames = map[LoadCmd]string{
	LcSegment:          "LC_SEGMENT",
	LcSymtab:           "LC_SYMTAB",
	LcDysymtab:         "LC_DYSYMTAB",
	LcLoadDylib:        "LC_LOAD_DYLIB",
	LcIdDylib:          "LC_ID_DYLIB",
	LcLoadDylinker:     "LC_LOAD_DYLINKER",
	LcIdDylinker:       "LC_ID_DYLINKER",
	LcSegment64:        "LC_SEGMENT_64",
	LcUUID:             "LC_UUID",
	LcRpath:            "LC_RPATH",
	LcCodeSignature:    "LC_CODE_SIGNATURE",
	LcReExportDylib:    "LC_REEXPORT_DYLIB",
	LcLoadWeakDylib:    "LC_LOAD_WEAK_DYLIB",
	LcLazyLoadDylib:    "LC_LAZY_LOAD_DYLIB",
	LcDyldInfo:         "LC_DYLD_INFO",
	LcDyldInfoOnly:     "LC_DYLD_INFO_ONLY",
	LcVersionMinMacOS:  "LC_VERSION_MIN_MACOSX",
	LcFunctionStarts:   "LC_FUNCTION_STARTS",
	LcMain:             "LC_MAIN",
	LcDataInCode:       "LC_DATA_IN_CODE",
	LcSourceVersion:    "LC_SOURCE_VERSION",
	LcLinkerOption:     "LC_LINKER_OPTION",
	LcBuildVersion:     "LC_BUILD_VERSION",
	LcDyldExportsTrie:  "LC_DYLD_EXPORTS_TRIE",
	LcDyldChainedFixups: "LC_DYLD_CHAINED_FIXUPS",
	LcLoadUpwardDylib:  "LC_LOAD_UPWARD_DYLIB",
	LcNote:             "LC_NOTE",
	LcFilesetEntry:     "LC_FILESET_ENTRY",
}

func (c LoadCmd) String() string {
	if s, ok := loadCmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("LoadCmd(0x%x)", uint32(c))
}

func (c LoadCmd) GoString() string { return c.String() }

// CmdHeader is the two-word (tag, size) prefix common to every load
// command.
type CmdHeader struct {
	Cmd    LoadCmd
	CmdSize uint32
}

const CmdHeaderSize = 8

// Version is a packed X.Y.Z version number as stored in DylibCmd's
// CurrentVersion/CompatVersion fields (8 bits fraction, 8 bits minor,
// 16 bits major).
type Version uint32

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v>>16, (v>>8)&0xff, v&0xff)
}

// DylibCmd backs LC_LOAD_DYLIB, LC_ID_DYLIB, LC_LOAD_WEAK_DYLIB,
// LC_REEXPORT_DYLIB, LC_LAZY_LOAD_DYLIB, and LC_LOAD_UPWARD_DYLIB — they
// share one on-disk shape, differing only in the Cmd tag.
type DylibCmd struct {
	CmdHeader
	NameOffset     uint32 // offset of the name string from the start of the command
	Timestamp      uint32
	CurrentVersion Version
	CompatVersion  Version
}

const DylibCmdSize = CmdHeaderSize + 16

// RpathCmd backs LC_RPATH.
type RpathCmd struct {
	CmdHeader
	PathOffset uint32
}

const RpathCmdSize = CmdHeaderSize + 4

// DylinkerCmd backs LC_LOAD_DYLINKER and LC_ID_DYLINKER.
type DylinkerCmd struct {
	CmdHeader
	NameOffset uint32
}

const DylinkerCmdSize = CmdHeaderSize + 4

// LinkEditDataCmd backs every load command that just points at a region
// inside __LINKEDIT: LC_CODE_SIGNATURE, LC_SEGMENT_SPLIT_INFO,
// LC_FUNCTION_STARTS, LC_DATA_IN_CODE, LC_DYLIB_CODE_SIGN_DRS,
// LC_LINKER_OPTIMIZATION_HINT, LC_DYLD_EXPORTS_TRIE,
// LC_DYLD_CHAINED_FIXUPS.
type LinkEditDataCmd struct {
	CmdHeader
	DataOffset uint32
	DataSize   uint32
}

const LinkEditDataCmdSize = CmdHeaderSize + 8

// Segment64 is the 64-bit LC_SEGMENT_64 command header (the section array
// that follows it is opaque payload to this patcher and is preserved
// byte-for-byte).
type Segment64 struct {
	CmdHeader
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

const Segment64Size = CmdHeaderSize + 16 + 32 + 16

// Segment32 is the 32-bit LC_SEGMENT counterpart.
type Segment32 struct {
	CmdHeader
	SegName  [16]byte
	VMAddr   uint32
	VMSize   uint32
	FileOff  uint32
	FileSize uint32
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

const Segment32Size = CmdHeaderSize + 16 + 32

// SegName renders a fixed 16-byte segment name as a Go string, stopping at
// the first NUL.
func SegName(b [16]byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b[:])
}

// PutSegName copies s into a fixed 16-byte segment name field, truncating
// or NUL-padding as needed.
func PutSegName(s string) [16]byte {
	var out [16]byte
	copy(out[:], s)
	return out
}
