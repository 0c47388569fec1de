package elf

import (
	"encoding/binary"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/elf/types"
	"github.com/nichmor/arwen-go/internal/bcodec"
)

// Bytes serializes the container back to a complete ELF file, flushing
// every pending edit (string-table growth, symbol renames, the dynamic
// entry list) and, if any of those pushed a section past its original
// footprint, the relocations planner.plan decided on.
//
// Tables that can only grow in place (.dynamic itself; see
// movePriority in planner.go) fail with OverlappingImmovableSections
// if the edit made them bigger than their original section size — this
// patcher does not attempt to relocate the dynamic section or anything
// that would require rewriting code that takes its address directly.
func (c *Container) Bytes() ([]byte, error) {
	is64 := c.Header.Class == types.Class64

	dynstrExtra, strOffsets := c.pendingDynstrAdditions()

	var grows []growth
	newDynstrSize := -1
	if len(dynstrExtra) > 0 && c.DynStrSection >= 0 {
		orig := c.Sections[c.DynStrSection]
		merged := append(append([]byte(nil), sliceAt(c.Data, orig.Offset, orig.Size)...), dynstrExtra...)
		newDynstrSize = len(merged)
		if uint64(newDynstrSize) > orig.Size {
			grows = append(grows, growth{index: c.DynStrSection, newData: merged})
		}
	}

	interpBytes, interpChanged := c.pendingInterpBytes()
	interpSection := -1
	if interpChanged {
		if i := c.findSegment(types.PT_INTERP); i >= 0 {
			for si, sec := range c.Sections {
				if sec.Offset == c.Segments[i].Offset {
					interpSection = si
					break
				}
			}
		}
		if interpSection >= 0 && uint64(len(interpBytes)) > c.Sections[interpSection].Size {
			grows = append(grows, growth{index: interpSection, newData: interpBytes})
		}
	}

	plan, err := c.plan(grows)
	if err != nil {
		return nil, err
	}

	// Apply relocations to the working copies of Sections/Segments so
	// the rest of this function only has one layout to reason about.
	sections := append([]types.SectionHeader(nil), c.Sections...)
	segments := append([]types.ProgramHeader(nil), c.Segments...)
	relocData := map[int][]byte{}
	for _, r := range plan.Relocations {
		sections[r.index].Offset = r.offset
		sections[r.index].Addr = r.addr
		switch r.index {
		case c.DynStrSection:
			relocData[r.index] = relocatedPayload(plan, r.index, grows)
			sections[r.index].Size = uint64(len(relocData[r.index]))
		case interpSection:
			relocData[r.index] = relocatedPayload(plan, r.index, grows)
			sections[r.index].Size = uint64(len(relocData[r.index]))
		}
	}
	segments = append(segments, plan.NewSegments...)

	if interpChanged {
		if i := c.findSegment(types.PT_INTERP); i >= 0 {
			if interpSection >= 0 && sections[interpSection].Offset != c.Sections[interpSection].Offset {
				segments[i].Offset = sections[interpSection].Offset
				segments[i].VAddr = sections[interpSection].Addr
				segments[i].PAddr = sections[interpSection].Addr
			}
			segments[i].FileSz = uint64(len(interpBytes))
			segments[i].MemSz = uint64(len(interpBytes))
		}
	}

	dynstrRelocated := relocData[c.DynStrSection] != nil
	if newDynstrSize >= 0 {
		sections[c.DynStrSection].Size = uint64(newDynstrSize)
		if !dynstrRelocated {
			// Grew in place (fit within original slack): the merged
			// bytes are exactly what must be written at its existing
			// offset.
			merged := append(append([]byte(nil), sliceAt(c.Data, c.Sections[c.DynStrSection].Offset, c.Sections[c.DynStrSection].Size)...), dynstrExtra...)
			relocData[c.DynStrSection] = merged
		}
	}

	dynamic := c.resolvedDynamic(strOffsets)
	dynBytes, err := encodeDynamic(dynamic, is64, c.Order)
	if err != nil {
		return nil, err
	}
	if c.DynSection >= 0 && uint64(len(dynBytes)) > c.Sections[c.DynSection].Size {
		return nil, arwenerr.New(arwenerr.OverlappingImmovableSections, "elf.Bytes: dynamic section grew past its original size and cannot be relocated")
	}

	// PT_PHDR and the section header table themselves may need to grow
	// (a new PT_LOAD/PT_GNU_STACK segment, or a relocated section,
	// both add/alter entries). They're always placed in a freshly
	// appended, page-aligned, read-only segment at the very end of the
	// file so AT_PHDR always resolves inside mapped memory, regardless
	// of whether anything else moved.
	phEntSize := 56
	shEntSize := 64
	if !is64 {
		phEntSize, shEntSize = 32, 40
	}

	// Build the body: original file contents (patched in place for
	// sections whose bytes changed but didn't need to move), followed
	// by relocated section payloads, in plan segment order.
	body := append([]byte(nil), c.Data...)
	if c.DynSection >= 0 {
		patch(body, c.Sections[c.DynSection].Offset, dynBytes)
	}
	if newDynstrSize >= 0 && !dynstrRelocated {
		patch(body, c.Sections[c.DynStrSection].Offset, relocData[c.DynStrSection])
	}
	if interpChanged && interpSection >= 0 && sections[interpSection].Offset == c.Sections[interpSection].Offset {
		patch(body, c.Sections[interpSection].Offset, interpBytes)
	}
	if len(c.pendingSymbolRenames) > 0 {
		if err := c.patchDynsymNames(body, strOffsets); err != nil {
			return nil, err
		}
	}

	for _, r := range plan.Relocations {
		data := relocData[r.index]
		if data == nil {
			continue
		}
		end := r.offset + uint64(len(data))
		if end > uint64(len(body)) {
			grown := make([]byte, end)
			copy(grown, body)
			body = grown
		}
		copy(body[r.offset:end], data)
	}

	phdrOffset := bcodec.AlignUp(uint64(len(body)), 8)
	phdrSize := (len(segments) + 1) * phEntSize // +1 for the headers PT_LOAD itself
	shdrOffset := phdrOffset + uint64(phdrSize)
	shdrSize := len(sections) * shEntSize

	loadAlign := uint64(0x1000)
	for _, s := range segments {
		if s.Type == types.PT_LOAD && s.Align != 0 {
			loadAlign = s.Align
			break
		}
	}
	phdrOffset = bcodec.AlignUp(phdrOffset, loadAlign)
	vaddrEnd := uint64(0)
	for _, s := range segments {
		if s.Type == types.PT_LOAD && s.VAddr+s.MemSz > vaddrEnd {
			vaddrEnd = s.VAddr + s.MemSz
		}
	}
	headersSeg := types.ProgramHeader{
		Type: types.PT_LOAD, Flags: types.PF_R,
		Offset: phdrOffset, VAddr: bcodec.AlignUp(vaddrEnd, loadAlign),
		FileSz: uint64(phdrSize) + uint64(shdrSize),
		MemSz:  uint64(phdrSize) + uint64(shdrSize),
		Align:  loadAlign,
	}
	headersSeg.PAddr = headersSeg.VAddr
	segments = append(segments, headersSeg)
	phdrSize = len(segments) * phEntSize
	shdrOffset = phdrOffset + uint64(phdrSize)
	for i := range segments {
		if segments[i].Type == types.PT_PHDR {
			segments[i].Offset = phdrOffset
			segments[i].VAddr = headersSeg.VAddr
			segments[i].PAddr = headersSeg.VAddr
			segments[i].FileSz = uint64(phdrSize)
			segments[i].MemSz = uint64(phdrSize)
		}
	}

	total := int(shdrOffset) + shdrSize
	if total > len(body) {
		grown := make([]byte, total)
		copy(grown, body)
		body = grown
	}

	hdr := c.Header
	hdr.PhOff = phdrOffset
	hdr.ShOff = shdrOffset
	hdr.PhNum = uint16(len(segments))
	hdr.ShNum = uint16(len(sections))
	hdr.PhEntSize = uint16(phEntSize)
	hdr.ShEntSize = uint16(shEntSize)

	if err := encodeFileHeader(body, hdr, c.Order, is64); err != nil {
		return nil, err
	}
	for i, s := range segments {
		encodeProgramHeader(body[int(phdrOffset)+i*phEntSize:], s, c.Order, is64)
	}
	for i, s := range sections {
		encodeSectionHeader(body[int(shdrOffset)+i*shEntSize:], s, c.Order, is64)
	}

	return body, nil
}

func relocatedPayload(plan *Plan, index int, grows []growth) []byte {
	for _, g := range grows {
		if g.index == index {
			return g.newData
		}
	}
	return nil
}

func patch(body []byte, offset uint64, data []byte) {
	copy(body[offset:offset+uint64(len(data))], data)
}


// pendingDynstrAdditions returns the NUL-terminated bytes that must be
// appended to .dynstr for every new or changed string-valued Dynamic
// entry and every pending symbol rename, plus the offsets (relative to
// the start of the appended region) each string landed at.
func (c *Container) pendingDynstrAdditions() ([]byte, map[string]int) {
	offsets := map[string]int{}
	var out []byte
	add := func(s string) {
		if _, ok := offsets[s]; ok {
			return
		}
		if c.stringAlreadyInterned(s) {
			return
		}
		offsets[s] = len(out)
		out = append(out, append([]byte(s), 0)...)
	}
	for _, e := range c.Dynamic {
		if e.Tag.IsString() {
			add(e.Str)
		}
	}
	for _, newName := range c.pendingSymbolRenames {
		add(newName)
	}
	return out, offsets
}

// stringAlreadyInterned reports whether s already appears verbatim in
// the original .dynstr contents, so unchanged entries don't get a
// duplicate appended copy.
func (c *Container) stringAlreadyInterned(s string) bool {
	if c.DynStrSection < 0 {
		return false
	}
	sec := c.Sections[c.DynStrSection]
	tab := sliceAt(c.Data, sec.Offset, sec.Size)
	needle := append([]byte(s), 0)
	for i := 0; i+len(needle) <= len(tab); i++ {
		if string(tab[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}

// resolvedDynamic returns c.Dynamic with every string-valued entry's Val
// pointed at its (possibly newly appended) .dynstr offset.
func (c *Container) resolvedDynamic(appended map[string]int) []types.DynamicEntry {
	out := append([]types.DynamicEntry(nil), c.Dynamic...)
	baseLen := uint64(0)
	if c.DynStrSection >= 0 {
		baseLen = c.Sections[c.DynStrSection].Size
	}
	for i, e := range out {
		if !e.Tag.IsString() {
			continue
		}
		if off, ok := appended[e.Str]; ok {
			out[i].Val = baseLen + uint64(off)
			continue
		}
		if c.DynStrSection >= 0 {
			tab := sliceAt(c.Data, c.Sections[c.DynStrSection].Offset, c.Sections[c.DynStrSection].Size)
			out[i].Val = uint64(findCString(tab, e.Str))
		}
	}
	return out
}

func findCString(tab []byte, s string) int {
	needle := append([]byte(s), 0)
	for i := 0; i+len(needle) <= len(tab); i++ {
		if string(tab[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return 0
}

func (c *Container) pendingInterpBytes() ([]byte, bool) {
	if !c.pendingInterp.set {
		return nil, false
	}
	return append([]byte(c.pendingInterp.value), 0), true
}

func (c *Container) patchDynsymNames(body []byte, appended map[string]int) error {
	si := c.dynsymSection()
	if si < 0 {
		return nil
	}
	sec := c.Sections[si]
	is64 := c.Header.Class == types.Class64
	entSize := 16
	if is64 {
		entSize = 24
	}
	syms, err := c.DynamicSymbols()
	if err != nil {
		return err
	}
	baseLen := uint64(0)
	if c.DynStrSection >= 0 {
		baseLen = c.Sections[c.DynStrSection].Size
	}
	for i, sym := range syms {
		newName, ok := c.pendingSymbolRenames[sym.Name]
		if !ok {
			continue
		}
		off, ok := appended[newName]
		if !ok {
			continue
		}
		nameOff := baseLen + uint64(off)
		entOff := int(sec.Offset) + i*entSize
		if is64 {
			c.Order.PutUint32(body[entOff:], uint32(nameOff))
		} else {
			c.Order.PutUint32(body[entOff:], uint32(nameOff))
		}
	}
	return nil
}

func encodeDynamic(entries []types.DynamicEntry, is64 bool, o binary.ByteOrder) ([]byte, error) {
	entSize := 16
	if !is64 {
		entSize = 8
	}
	out := make([]byte, len(entries)*entSize)
	for i, e := range entries {
		off := i * entSize
		if is64 {
			o.PutUint64(out[off:], uint64(e.Tag))
			o.PutUint64(out[off+8:], e.Val)
		} else {
			o.PutUint32(out[off:], uint32(int32(e.Tag)))
			o.PutUint32(out[off+4:], uint32(e.Val))
		}
	}
	return out, nil
}

func encodeFileHeader(body []byte, hdr types.FileHeader, o binary.ByteOrder, is64 bool) error {
	if len(body) < types.Ident {
		return arwenerr.New(arwenerr.Io, "elf.encodeFileHeader")
	}
	body[4] = byte(hdr.Class)
	body[5] = byte(hdr.Data)
	body[7] = byte(hdr.OSABI)
	o.PutUint16(body[16:], hdr.Type)
	o.PutUint16(body[18:], hdr.Machine)
	o.PutUint32(body[20:], hdr.Version)
	if is64 {
		o.PutUint64(body[24:], hdr.Entry)
		o.PutUint64(body[32:], hdr.PhOff)
		o.PutUint64(body[40:], hdr.ShOff)
		o.PutUint32(body[48:], hdr.Flags)
		o.PutUint16(body[52:], hdr.EhSize)
		o.PutUint16(body[54:], hdr.PhEntSize)
		o.PutUint16(body[56:], hdr.PhNum)
		o.PutUint16(body[58:], hdr.ShEntSize)
		o.PutUint16(body[60:], hdr.ShNum)
		o.PutUint16(body[62:], hdr.ShStrNdx)
	} else {
		o.PutUint32(body[24:], uint32(hdr.Entry))
		o.PutUint32(body[28:], uint32(hdr.PhOff))
		o.PutUint32(body[32:], uint32(hdr.ShOff))
		o.PutUint32(body[36:], hdr.Flags)
		o.PutUint16(body[40:], hdr.EhSize)
		o.PutUint16(body[42:], hdr.PhEntSize)
		o.PutUint16(body[44:], hdr.PhNum)
		o.PutUint16(body[46:], hdr.ShEntSize)
		o.PutUint16(body[48:], hdr.ShNum)
		o.PutUint16(body[50:], hdr.ShStrNdx)
	}
	return nil
}

func encodeProgramHeader(b []byte, p types.ProgramHeader, o binary.ByteOrder, is64 bool) {
	if is64 {
		o.PutUint32(b[0:], p.Type)
		o.PutUint32(b[4:], p.Flags)
		o.PutUint64(b[8:], p.Offset)
		o.PutUint64(b[16:], p.VAddr)
		o.PutUint64(b[24:], p.PAddr)
		o.PutUint64(b[32:], p.FileSz)
		o.PutUint64(b[40:], p.MemSz)
		o.PutUint64(b[48:], p.Align)
	} else {
		o.PutUint32(b[0:], p.Type)
		o.PutUint32(b[4:], uint32(p.Offset))
		o.PutUint32(b[8:], uint32(p.VAddr))
		o.PutUint32(b[12:], uint32(p.PAddr))
		o.PutUint32(b[16:], uint32(p.FileSz))
		o.PutUint32(b[20:], uint32(p.MemSz))
		o.PutUint32(b[24:], p.Flags)
		o.PutUint32(b[28:], uint32(p.Align))
	}
}

func encodeSectionHeader(b []byte, s types.SectionHeader, o binary.ByteOrder, is64 bool) {
	if is64 {
		o.PutUint32(b[0:], s.NameOff)
		o.PutUint32(b[4:], s.Type)
		o.PutUint64(b[8:], s.Flags)
		o.PutUint64(b[16:], s.Addr)
		o.PutUint64(b[24:], s.Offset)
		o.PutUint64(b[32:], s.Size)
		o.PutUint32(b[40:], s.Link)
		o.PutUint32(b[44:], s.Info)
		o.PutUint64(b[48:], s.AddrAlign)
		o.PutUint64(b[56:], s.EntSize)
	} else {
		o.PutUint32(b[0:], s.NameOff)
		o.PutUint32(b[4:], s.Type)
		o.PutUint32(b[8:], uint32(s.Flags))
		o.PutUint32(b[12:], uint32(s.Addr))
		o.PutUint32(b[16:], uint32(s.Offset))
		o.PutUint32(b[20:], uint32(s.Size))
		o.PutUint32(b[24:], s.Link)
		o.PutUint32(b[28:], s.Info)
		o.PutUint32(b[32:], uint32(s.AddrAlign))
		o.PutUint32(b[36:], uint32(s.EntSize))
	}
}
