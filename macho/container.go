// Package macho parses and rewrites Mach-O binaries: rpaths, dylib load
// commands, and the install-name/install-id dylib identity, plus ad-hoc
// code re-signing after a rewrite invalidates an existing signature (see
// the macho/codesign subpackage). Fat (universal) binaries are supported
// by rewriting each architecture slice independently and re-splicing the
// results back into the fat container.
//
// Grounded on the teacher's file.go/macho.go header-then-load-commands
// parse loop, generalized from the teacher's full symbol/dyld-info model
// down to the load-command-only model this patcher needs.
package macho

import (
	"encoding/binary"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/internal/bcodec"
	"github.com/nichmor/arwen-go/macho/types"
)

// Container is one parsed, thin (single-architecture) Mach-O image.
type Container struct {
	Header   types.FileHeader
	Commands []Command
	Order    binary.ByteOrder

	// Data holds the full image, including every edit applied so far.
	// ParseThin copies its input, so the caller's own buffer is never
	// modified.
	Data []byte
}

// FatArch is one architecture slice of a FatContainer: the parsed
// Container plus the fat header's original (offset, size, align) so the
// slice can be re-spliced back at its original position.
type FatArchEntry struct {
	Container *Container
	Arch      types.FatArch
}

// FatContainer is a universal ("fat") Mach-O: several thin Mach-O images
// concatenated and indexed by a fat header.
type FatContainer struct {
	Archs []FatArchEntry
	Data  []byte
}

// unixArchiveMagic is the ar(1) format's leading 8 bytes, seen at the
// front of a static-library fat member instead of a nested Mach-O header.
const unixArchiveMagic = "!<arch>\n"

// byteOrderFor returns the decoding order implied by magic. Callers must
// have already confirmed magic is one of the known thin Mach-O magics.
func byteOrderFor(magic types.Magic) binary.ByteOrder {
	if magic.IsBigEndian() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func isKnownThinMagic(magic types.Magic) bool {
	switch magic {
	case types.Magic32, types.Cigam32, types.Magic64, types.Cigam64:
		return true
	default:
		return false
	}
}

// Parse detects whether data is a thin or fat Mach-O and parses it
// accordingly. The returned value is either a *Container or a
// *FatContainer.
func Parse(data []byte) (interface{}, error) {
	if len(data) < 4 {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.Parse", &bcodec.ErrShortBuffer{Op: "Parse", Offset: 0, Need: 4, HaveSize: len(data)})
	}
	magic := types.Magic(binary.LittleEndian.Uint32(data))
	switch magic {
	case types.MagicFat, types.CigamFat:
		return parseFat(data)
	case types.Magic32, types.Cigam32, types.Magic64, types.Cigam64:
		return ParseThin(data)
	default:
		return nil, arwenerr.New(arwenerr.UnknownMagic, "macho.Parse")
	}
}

// ParseThin parses a single-architecture Mach-O image.
func ParseThin(data []byte) (*Container, error) {
	if len(data) < 4 {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.ParseThin", &bcodec.ErrShortBuffer{Op: "ParseThin", Offset: 0, Need: 4, HaveSize: len(data)})
	}
	magic := types.Magic(binary.LittleEndian.Uint32(data))
	if !isKnownThinMagic(magic) {
		return nil, arwenerr.New(arwenerr.UnknownMagic, "macho.ParseThin")
	}
	o := byteOrderFor(magic)

	var hdr types.FileHeader
	hdr.Magic = types.Magic(o.Uint32(data))
	cpu, err := bcodec.ReadU32(data, 4, o)
	if err != nil {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.ParseThin(header)", err)
	}
	hdr.CPU = types.CPU(cpu)
	subcpu, err := bcodec.ReadU32(data, 8, o)
	if err != nil {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.ParseThin(header)", err)
	}
	hdr.SubCPU = types.CPUSubtype(subcpu)
	ftype, _ := bcodec.ReadU32(data, 12, o)
	hdr.Type = types.HeaderFileType(ftype)
	hdr.NCommands, err = bcodec.ReadU32(data, 16, o)
	if err != nil {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.ParseThin(header)", err)
	}
	hdr.SizeCommands, err = bcodec.ReadU32(data, 20, o)
	if err != nil {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.ParseThin(header)", err)
	}
	flags, _ := bcodec.ReadU32(data, 24, o)
	hdr.Flags = types.HeaderFlag(flags)

	headerSize := types.FileHeaderSize32
	if magic.Is64() {
		headerSize = types.FileHeaderSize64
		hdr.Reserved, _ = bcodec.ReadU32(data, 28, o)
	}

	commands := make([]Command, 0, hdr.NCommands)
	off := headerSize
	for i := uint32(0); i < hdr.NCommands; i++ {
		if off+8 > len(data) {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.ParseThin(commands)", &bcodec.ErrShortBuffer{Op: "command header", Offset: off, Need: 8, HaveSize: len(data)})
		}
		size := o.Uint32(data[off+4:])
		if size < 8 || off+int(size) > len(data) {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.ParseThin(commands)", &bcodec.ErrShortBuffer{Op: "command body", Offset: off, Need: int(size), HaveSize: len(data)})
		}
		cmd, err := decodeCommand(data[off:off+int(size)], off, o)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
		off += int(size)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	return &Container{Header: hdr, Commands: commands, Order: o, Data: buf}, nil
}

func parseFat(data []byte) (*FatContainer, error) {
	o := binary.BigEndian // fat headers are always big-endian on disk
	nArch, err := bcodec.ReadU32(data, 4, o)
	if err != nil {
		return nil, arwenerr.Wrap(arwenerr.Parse, "macho.parseFat", err)
	}

	entries := make([]FatArchEntry, 0, nArch)
	off := types.FatHeaderSize
	for i := uint32(0); i < nArch; i++ {
		if off+types.FatArchSize > len(data) {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.parseFat", &bcodec.ErrShortBuffer{Op: "fat_arch", Offset: off, Need: types.FatArchSize, HaveSize: len(data)})
		}
		cpu, _ := bcodec.ReadU32(data, off, o)
		subcpu, _ := bcodec.ReadU32(data, off+4, o)
		fileOff, _ := bcodec.ReadU32(data, off+8, o)
		size, _ := bcodec.ReadU32(data, off+12, o)
		align, _ := bcodec.ReadU32(data, off+16, o)

		arch := types.FatArch{CPU: types.CPU(cpu), SubCPU: types.CPUSubtype(subcpu), Offset: fileOff, Size: size, Align: align}

		if int(fileOff)+int(size) > len(data) {
			return nil, arwenerr.Wrap(arwenerr.Parse, "macho.parseFat", &bcodec.ErrShortBuffer{Op: "fat slice", Offset: int(fileOff), Need: int(size), HaveSize: len(data)})
		}
		slice := data[fileOff : fileOff+size]
		if len(slice) >= len(unixArchiveMagic) && string(slice[:len(unixArchiveMagic)]) == unixArchiveMagic {
			return nil, arwenerr.New(arwenerr.UnsupportedFatMember, "macho.parseFat: static-library (ar) member")
		}
		thin, err := ParseThin(slice)
		if err != nil {
			return nil, err
		}
		entries = append(entries, FatArchEntry{Container: thin, Arch: arch})
		off += types.FatArchSize
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	return &FatContainer{Archs: entries, Data: buf}, nil
}
