// Package elf parses and rewrites ELF binaries and shared libraries:
// the dynamic section (runpath/rpath, needed libraries, soname, flags),
// program headers (interpreter, OS/ABI, executable-stack flag, page-size
// alignment), and dynamic symbol versions. Edits that grow a section
// beyond its original footprint are relocated by the section-move planner
// in planner.go before the file is re-serialized.
//
// Grounded on the teacher's (macho package's) header-then-table parse
// loop, generalized to ELF's section/segment/dynamic-entry model; the
// operation surface mirrors the original Rust implementation's
// ElfContainer (elf_add_runpath, elf_set_soname, and so on).
package elf

import (
	"encoding/binary"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/elf/types"
	"github.com/nichmor/arwen-go/internal/bcodec"
)

// Container is a parsed ELF file: its header, section and program header
// tables, and a decoded view of the dynamic section (if any).
type Container struct {
	Header   types.FileHeader
	Sections []types.SectionHeader
	Segments []types.ProgramHeader
	Dynamic  []types.DynamicEntry

	// DynSection is the index into Sections of the SHT_DYNAMIC section
	// whose contents Dynamic was decoded from, or -1 if the file carries
	// no dynamic section (a static binary).
	DynSection int
	// DynStrSection is the index into Sections of the .dynstr section
	// the Dynamic string-valued entries reference.
	DynStrSection int

	Order binary.ByteOrder
	Data  []byte

	// pendingInterp holds a not-yet-serialized PT_INTERP rewrite; see
	// SetInterpreter in segments.go.
	pendingInterp pendingInterp

	// pendingSymbolRenames holds not-yet-serialized .dynsym name
	// rewrites; see RenameDynamicSymbols in symbols.go.
	pendingSymbolRenames map[string]string
}

func byteOrder(d types.Data) binary.ByteOrder {
	if d == types.DataBig {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Parse decodes an ELF file's header, section table, program header
// table, and (if present) dynamic section.
func Parse(data []byte) (*Container, error) {
	if len(data) < types.Ident || string(data[:4]) != "\x7fELF" {
		return nil, arwenerr.New(arwenerr.UnknownMagic, "elf.Parse")
	}
	class := types.Class(data[4])
	endian := types.Data(data[5])
	if endian != types.DataLittle && endian != types.DataBig {
		return nil, arwenerr.New(arwenerr.UnknownEndian, "elf.Parse")
	}
	o := byteOrder(endian)

	var hdr types.FileHeader
	hdr.Class = class
	hdr.Data = endian
	hdr.OSABI = types.OSABI(data[7])

	is64 := class == types.Class64
	var off int
	if is64 {
		hdr.Type, _ = readU16(data, 16, o)
		hdr.Machine, _ = readU16(data, 18, o)
		hdr.Version, _ = readU32(data, 20, o)
		hdr.Entry, _ = bcodec.ReadU64(data, 24, o)
		hdr.PhOff, _ = bcodec.ReadU64(data, 32, o)
		hdr.ShOff, _ = bcodec.ReadU64(data, 40, o)
		hdr.Flags, _ = readU32(data, 48, o)
		hdr.EhSize, _ = readU16(data, 52, o)
		hdr.PhEntSize, _ = readU16(data, 54, o)
		hdr.PhNum, _ = readU16(data, 56, o)
		hdr.ShEntSize, _ = readU16(data, 58, o)
		hdr.ShNum, _ = readU16(data, 60, o)
		hdr.ShStrNdx, _ = readU16(data, 62, o)
		off = types.FileHeaderSize64
	} else {
		hdr.Type, _ = readU16(data, 16, o)
		hdr.Machine, _ = readU16(data, 18, o)
		hdr.Version, _ = readU32(data, 20, o)
		entry32, _ := readU32(data, 24, o)
		phoff32, _ := readU32(data, 28, o)
		shoff32, _ := readU32(data, 32, o)
		hdr.Entry = uint64(entry32)
		hdr.PhOff = uint64(phoff32)
		hdr.ShOff = uint64(shoff32)
		hdr.Flags, _ = readU32(data, 36, o)
		hdr.EhSize, _ = readU16(data, 40, o)
		hdr.PhEntSize, _ = readU16(data, 42, o)
		hdr.PhNum, _ = readU16(data, 44, o)
		hdr.ShEntSize, _ = readU16(data, 46, o)
		hdr.ShNum, _ = readU16(data, 48, o)
		hdr.ShStrNdx, _ = readU16(data, 50, o)
		off = types.FileHeaderSize32
	}
	_ = off

	segments, err := parseProgramHeaders(data, hdr, o, is64)
	if err != nil {
		return nil, err
	}
	sections, err := parseSectionHeaders(data, hdr, o, is64)
	if err != nil {
		return nil, err
	}
	if int(hdr.ShStrNdx) < len(sections) {
		shstrtab := sliceAt(data, sections[hdr.ShStrNdx].Offset, sections[hdr.ShStrNdx].Size)
		for i := range sections {
			sections[i].Name = bcodec.MustCString(shstrtab, int(sections[i].NameOff))
		}
	}

	c := &Container{
		Header: hdr, Sections: sections, Segments: segments,
		DynSection: -1, DynStrSection: -1,
		Order: o, Data: append([]byte(nil), data...),
	}

	for i, s := range sections {
		if s.Type == types.SHT_DYNAMIC {
			c.DynSection = i
		}
		if s.Name == ".dynstr" {
			c.DynStrSection = i
		}
	}
	if c.DynSection >= 0 {
		dyn, err := parseDynamic(data, sections[c.DynSection], is64, o)
		if err != nil {
			return nil, err
		}
		c.Dynamic = dyn
		if c.DynStrSection >= 0 {
			dynstr := sliceAt(data, sections[c.DynStrSection].Offset, sections[c.DynStrSection].Size)
			for i := range c.Dynamic {
				if c.Dynamic[i].Tag.IsString() {
					c.Dynamic[i].Str = bcodec.MustCString(dynstr, int(c.Dynamic[i].Val))
				}
			}
		}
	}

	return c, nil
}

func sliceAt(data []byte, off, size uint64) []byte {
	if off+size > uint64(len(data)) {
		return nil
	}
	return data[off : off+size]
}

func readU16(b []byte, off int, o binary.ByteOrder) (uint16, error) { return bcodec.ReadU16(b, off, o) }
func readU32(b []byte, off int, o binary.ByteOrder) (uint32, error) { return bcodec.ReadU32(b, off, o) }

func parseProgramHeaders(data []byte, hdr types.FileHeader, o binary.ByteOrder, is64 bool) ([]types.ProgramHeader, error) {
	out := make([]types.ProgramHeader, 0, hdr.PhNum)
	entSize := int(hdr.PhEntSize)
	base := int(hdr.PhOff)
	for i := 0; i < int(hdr.PhNum); i++ {
		off := base + i*entSize
		if off+entSize > len(data) {
			return nil, arwenerr.Wrap(arwenerr.Parse, "elf.parseProgramHeaders", &bcodec.ErrShortBuffer{Op: "phdr", Offset: off, Need: entSize, HaveSize: len(data)})
		}
		var p types.ProgramHeader
		if is64 {
			typ, _ := readU32(data, off, o)
			flags, _ := readU32(data, off+4, o)
			offset, _ := bcodec.ReadU64(data, off+8, o)
			vaddr, _ := bcodec.ReadU64(data, off+16, o)
			paddr, _ := bcodec.ReadU64(data, off+24, o)
			filesz, _ := bcodec.ReadU64(data, off+32, o)
			memsz, _ := bcodec.ReadU64(data, off+40, o)
			align, _ := bcodec.ReadU64(data, off+48, o)
			p = types.ProgramHeader{Type: typ, Flags: flags, Offset: offset, VAddr: vaddr, PAddr: paddr, FileSz: filesz, MemSz: memsz, Align: align}
		} else {
			typ, _ := readU32(data, off, o)
			offset32, _ := readU32(data, off+4, o)
			vaddr32, _ := readU32(data, off+8, o)
			paddr32, _ := readU32(data, off+12, o)
			filesz32, _ := readU32(data, off+16, o)
			memsz32, _ := readU32(data, off+20, o)
			flags, _ := readU32(data, off+24, o)
			align32, _ := readU32(data, off+28, o)
			p = types.ProgramHeader{Type: typ, Flags: flags, Offset: uint64(offset32), VAddr: uint64(vaddr32), PAddr: uint64(paddr32), FileSz: uint64(filesz32), MemSz: uint64(memsz32), Align: uint64(align32)}
		}
		out = append(out, p)
	}
	return out, nil
}

func parseSectionHeaders(data []byte, hdr types.FileHeader, o binary.ByteOrder, is64 bool) ([]types.SectionHeader, error) {
	out := make([]types.SectionHeader, 0, hdr.ShNum)
	entSize := int(hdr.ShEntSize)
	base := int(hdr.ShOff)
	for i := 0; i < int(hdr.ShNum); i++ {
		off := base + i*entSize
		if off+entSize > len(data) {
			return nil, arwenerr.Wrap(arwenerr.Parse, "elf.parseSectionHeaders", &bcodec.ErrShortBuffer{Op: "shdr", Offset: off, Need: entSize, HaveSize: len(data)})
		}
		var s types.SectionHeader
		if is64 {
			nameOff, _ := readU32(data, off, o)
			typ, _ := readU32(data, off+4, o)
			flags, _ := bcodec.ReadU64(data, off+8, o)
			addr, _ := bcodec.ReadU64(data, off+16, o)
			offset, _ := bcodec.ReadU64(data, off+24, o)
			size, _ := bcodec.ReadU64(data, off+32, o)
			link, _ := readU32(data, off+40, o)
			info, _ := readU32(data, off+44, o)
			align, _ := bcodec.ReadU64(data, off+48, o)
			entsize, _ := bcodec.ReadU64(data, off+56, o)
			s = types.SectionHeader{NameOff: nameOff, Type: typ, Flags: flags, Addr: addr, Offset: offset, Size: size, Link: link, Info: info, AddrAlign: align, EntSize: entsize}
		} else {
			nameOff, _ := readU32(data, off, o)
			typ, _ := readU32(data, off+4, o)
			flags32, _ := readU32(data, off+8, o)
			addr32, _ := readU32(data, off+12, o)
			offset32, _ := readU32(data, off+16, o)
			size32, _ := readU32(data, off+20, o)
			link, _ := readU32(data, off+24, o)
			info, _ := readU32(data, off+28, o)
			align32, _ := readU32(data, off+32, o)
			entsize32, _ := readU32(data, off+36, o)
			s = types.SectionHeader{NameOff: nameOff, Type: typ, Flags: uint64(flags32), Addr: uint64(addr32), Offset: uint64(offset32), Size: uint64(size32), Link: link, Info: info, AddrAlign: uint64(align32), EntSize: uint64(entsize32)}
		}
		out = append(out, s)
	}
	return out, nil
}

func parseDynamic(data []byte, sec types.SectionHeader, is64 bool, o binary.ByteOrder) ([]types.DynamicEntry, error) {
	entSize := 16
	if !is64 {
		entSize = 8
	}
	var out []types.DynamicEntry
	base := int(sec.Offset)
	n := int(sec.Size) / entSize
	for i := 0; i < n; i++ {
		off := base + i*entSize
		var tag int64
		var val uint64
		if is64 {
			t, _ := bcodec.ReadU64(data, off, o)
			v, _ := bcodec.ReadU64(data, off+8, o)
			tag, val = int64(t), v
		} else {
			t, _ := readU32(data, off, o)
			v, _ := readU32(data, off+4, o)
			tag, val = int64(int32(t)), uint64(v)
		}
		if types.DynTag(tag) == types.DT_NULL {
			out = append(out, types.DynamicEntry{Tag: types.DT_NULL})
			break
		}
		out = append(out, types.DynamicEntry{Tag: types.DynTag(tag), Val: val})
	}
	return out, nil
}
