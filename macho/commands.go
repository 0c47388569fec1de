package macho

import (
	"encoding/binary"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/internal/bcodec"
	"github.com/nichmor/arwen-go/macho/types"
)

// Command is one parsed Mach-O load command. Every concrete command knows
// how to re-encode itself at its original size class, so the rewriter can
// always produce a fresh byte buffer for a command it just mutated rather
// than patch bytes in place.
type Command interface {
	// Tag returns the load command's on-disk type tag.
	Tag() types.LoadCmd
	// Offset is this command's byte offset from the start of the
	// container (header included).
	Offset() int
	// Size is this command's encoded size in bytes, including its
	// 8-byte (tag, size) header.
	Size() uint32
	// Encode renders the command to its on-disk byte form using order o.
	Encode(o binary.ByteOrder) ([]byte, error)
}

type cmdBase struct {
	tag    types.LoadCmd
	offset int
	size   uint32
}

func (c cmdBase) Tag() types.LoadCmd { return c.tag }
func (c cmdBase) Offset() int        { return c.offset }
func (c cmdBase) Size() uint32       { return c.size }

// RpathCommand models LC_RPATH.
type RpathCommand struct {
	cmdBase
	Path string
}

func (c *RpathCommand) Encode(o binary.ByteOrder) ([]byte, error) {
	return encodeCStringCommand(c.tag, c.Path, o)
}

// DylibCommand models LC_LOAD_DYLIB, LC_ID_DYLIB, LC_LOAD_WEAK_DYLIB,
// LC_REEXPORT_DYLIB, LC_LAZY_LOAD_DYLIB, and LC_LOAD_UPWARD_DYLIB.
type DylibCommand struct {
	cmdBase
	Name           string
	Timestamp      uint32
	CurrentVersion types.Version
	CompatVersion  types.Version
}

func (c *DylibCommand) Encode(o binary.ByteOrder) ([]byte, error) {
	const fixed = 8 + 4 + 4 + 4 + 4 // header + nameoff + timestamp + current + compat
	size := bcodec.Pad4(fixed + len(c.Name))
	buf := make([]byte, size)
	if err := bcodec.WriteU32(buf, 0, o, uint32(c.tag)); err != nil {
		return nil, err
	}
	if err := bcodec.WriteU32(buf, 4, o, uint32(size)); err != nil {
		return nil, err
	}
	if err := bcodec.WriteU32(buf, 8, o, fixed); err != nil {
		return nil, err
	}
	if err := bcodec.WriteU32(buf, 12, o, c.Timestamp); err != nil {
		return nil, err
	}
	if err := bcodec.WriteU32(buf, 16, o, uint32(c.CurrentVersion)); err != nil {
		return nil, err
	}
	if err := bcodec.WriteU32(buf, 20, o, uint32(c.CompatVersion)); err != nil {
		return nil, err
	}
	copy(buf[fixed:], c.Name)
	return buf, nil
}

// CodeSignatureCommand models LC_CODE_SIGNATURE and the other
// LinkEditDataCmd-shaped commands (LC_FUNCTION_STARTS, LC_DATA_IN_CODE,
// ...), which this patcher relocates but never edits the content of.
type CodeSignatureCommand struct {
	cmdBase
	DataOffset uint32
	DataSize   uint32
}

func (c *CodeSignatureCommand) Encode(o binary.ByteOrder) ([]byte, error) {
	buf := make([]byte, types.LinkEditDataCmdSize)
	bcodec.WriteU32(buf, 0, o, uint32(c.tag))
	bcodec.WriteU32(buf, 4, o, types.LinkEditDataCmdSize)
	bcodec.WriteU32(buf, 8, o, c.DataOffset)
	bcodec.WriteU32(buf, 12, o, c.DataSize)
	return buf, nil
}

// SegmentCommand models LC_SEGMENT_64 (32-bit LC_SEGMENT is left as an
// UnknownCommand — this patcher's code-signing support only targets
// modern 64-bit images). Its section table is kept as opaque trailing
// bytes: this patcher never adds, removes, or resizes sections, only
// reads and rewrites the segment's own FileOff/FileSize/VMSize to track
// __LINKEDIT growth.
type SegmentCommand struct {
	cmdBase
	Name      string
	VMAddr    uint64
	VMSize    uint64
	FileOff   uint64
	FileSize  uint64
	MaxProt   uint32
	InitProt  uint32
	NSects    uint32
	Flags     uint32
	sectsData []byte // raw section array, passed through unmodified
}

func (c *SegmentCommand) Encode(o binary.ByteOrder) ([]byte, error) {
	buf := make([]byte, types.Segment64Size+len(c.sectsData))
	bcodec.WriteU32(buf, 0, o, uint32(c.tag))
	bcodec.WriteU32(buf, 4, o, uint32(len(buf)))
	copy(buf[8:24], types.PutSegName(c.Name)[:])
	bcodec.WriteU64(buf, 24, o, c.VMAddr)
	bcodec.WriteU64(buf, 32, o, c.VMSize)
	bcodec.WriteU64(buf, 40, o, c.FileOff)
	bcodec.WriteU64(buf, 48, o, c.FileSize)
	bcodec.WriteU32(buf, 56, o, c.MaxProt)
	bcodec.WriteU32(buf, 60, o, c.InitProt)
	bcodec.WriteU32(buf, 64, o, c.NSects)
	bcodec.WriteU32(buf, 68, o, c.Flags)
	copy(buf[types.Segment64Size:], c.sectsData)
	return buf, nil
}

// UnknownCommand preserves any command this patcher does not model
// specially: its raw bytes are carried through untouched.
type UnknownCommand struct {
	cmdBase
	Raw []byte
}

func (c *UnknownCommand) Encode(o binary.ByteOrder) ([]byte, error) {
	out := make([]byte, len(c.Raw))
	copy(out, c.Raw)
	return out, nil
}

// encodeCStringCommand renders the common (header, string-offset, cstring)
// shape shared by LC_RPATH, LC_LOAD_DYLINKER, and LC_ID_DYLINKER.
func encodeCStringCommand(tag types.LoadCmd, s string, o binary.ByteOrder) ([]byte, error) {
	const fixed = 8 + 4
	size := bcodec.Pad4(fixed + len(s))
	buf := make([]byte, size)
	if err := bcodec.WriteU32(buf, 0, o, uint32(tag)); err != nil {
		return nil, err
	}
	if err := bcodec.WriteU32(buf, 4, o, uint32(size)); err != nil {
		return nil, err
	}
	if err := bcodec.WriteU32(buf, 8, o, fixed); err != nil {
		return nil, err
	}
	copy(buf[fixed:], s)
	return buf, nil
}

// decodeCommand parses one load command out of buf (which starts at the
// command's own (tag, size) header) at the given container offset.
func decodeCommand(buf []byte, offset int, o binary.ByteOrder) (Command, error) {
	if len(buf) < 8 {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand", &bcodec.ErrShortBuffer{Op: "decodeCommand", Offset: offset, Need: 8, HaveSize: len(buf)})
	}
	tag := types.LoadCmd(o.Uint32(buf[0:]))
	size := o.Uint32(buf[4:])
	if int(size) > len(buf) {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand", &bcodec.ErrShortBuffer{Op: "decodeCommand body", Offset: offset, Need: int(size), HaveSize: len(buf)})
	}
	base := cmdBase{tag: tag, offset: offset, size: size}

	switch tag {
	case types.LcRpath:
		pathOff, err := bcodec.ReadU32(buf, 8, o)
		if err != nil {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand(rpath)", err)
		}
		path, err := bcodec.ReadCString(buf[:size], int(pathOff))
		if err != nil {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand(rpath)", err)
		}
		return &RpathCommand{cmdBase: base, Path: string(path)}, nil

	case types.LcLoadDylib, types.LcIdDylib, types.LcLoadWeakDylib,
		types.LcReExportDylib, types.LcLazyLoadDylib, types.LcLoadUpwardDylib:
		nameOff, err := bcodec.ReadU32(buf, 8, o)
		if err != nil {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand(dylib)", err)
		}
		ts, _ := bcodec.ReadU32(buf, 12, o)
		cur, _ := bcodec.ReadU32(buf, 16, o)
		compat, _ := bcodec.ReadU32(buf, 20, o)
		name, err := bcodec.ReadCString(buf[:size], int(nameOff))
		if err != nil {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand(dylib)", err)
		}
		return &DylibCommand{
			cmdBase:        base,
			Name:           string(name),
			Timestamp:      ts,
			CurrentVersion: types.Version(cur),
			CompatVersion:  types.Version(compat),
		}, nil

	case types.LcSegment64:
		if len(buf) < int(types.Segment64Size) {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand(segment64)", &bcodec.ErrShortBuffer{Op: "segment64", Offset: offset, Need: types.Segment64Size, HaveSize: len(buf)})
		}
		var name [16]byte
		copy(name[:], buf[8:24])
		vmaddr, _ := bcodec.ReadU64(buf, 24, o)
		vmsize, _ := bcodec.ReadU64(buf, 32, o)
		fileoff, _ := bcodec.ReadU64(buf, 40, o)
		filesize, _ := bcodec.ReadU64(buf, 48, o)
		maxprot, _ := bcodec.ReadU32(buf, 56, o)
		initprot, _ := bcodec.ReadU32(buf, 60, o)
		nsects, _ := bcodec.ReadU32(buf, 64, o)
		segflags, _ := bcodec.ReadU32(buf, 68, o)
		sects := make([]byte, int(size)-types.Segment64Size)
		copy(sects, buf[types.Segment64Size:size])
		return &SegmentCommand{
			cmdBase: base, Name: types.SegName(name),
			VMAddr: vmaddr, VMSize: vmsize, FileOff: fileoff, FileSize: filesize,
			MaxProt: maxprot, InitProt: initprot, NSects: nsects, Flags: segflags,
			sectsData: sects,
		}, nil

	case types.LcCodeSignature, types.LcFunctionStarts, types.LcDataInCode:
		dataOff, err := bcodec.ReadU32(buf, 8, o)
		if err != nil {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand(linkedit)", err)
		}
		dataSize, err := bcodec.ReadU32(buf, 12, o)
		if err != nil {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.decodeCommand(linkedit)", err)
		}
		return &CodeSignatureCommand{cmdBase: base, DataOffset: dataOff, DataSize: dataSize}, nil

	default:
		raw := make([]byte, size)
		copy(raw, buf[:size])
		return &UnknownCommand{cmdBase: base, Raw: raw}, nil
	}
}
