package macho

import (
	"bytes"
	"encoding/binary"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/internal/bcodec"
	"github.com/nichmor/arwen-go/macho/types"
)

// headerSize returns the on-disk size of c's file header (28 or 32 bytes).
func (c *Container) headerSize() int {
	if c.Header.Magic.Is64() {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

// encodeHeader renders c.Header back to its on-disk form.
func encodeHeader(h types.FileHeader, o binary.ByteOrder) []byte {
	size := types.FileHeaderSize32
	if h.Magic.Is64() {
		size = types.FileHeaderSize64
	}
	buf := make([]byte, size)
	bcodec.WriteU32(buf, 0, o, uint32(h.Magic))
	bcodec.WriteU32(buf, 4, o, uint32(h.CPU))
	bcodec.WriteU32(buf, 8, o, uint32(h.SubCPU))
	bcodec.WriteU32(buf, 12, o, uint32(h.Type))
	bcodec.WriteU32(buf, 16, o, h.NCommands)
	bcodec.WriteU32(buf, 20, o, h.SizeCommands)
	bcodec.WriteU32(buf, 24, o, uint32(h.Flags))
	if h.Magic.Is64() {
		bcodec.WriteU32(buf, 28, o, h.Reserved)
	}
	return buf
}

func spliceRemove(data []byte, start, end int) []byte {
	out := make([]byte, 0, len(data)-(end-start))
	out = append(out, data[:start]...)
	out = append(out, data[end:]...)
	return out
}

func spliceInsert(data []byte, at int, ins []byte) []byte {
	out := make([]byte, 0, len(data)+len(ins))
	out = append(out, data[:at]...)
	out = append(out, ins...)
	out = append(out, data[at:]...)
	return out
}

// removeCommandAt removes the load command at byte offset cmdOffset
// (size cmdSize) from data, decrements ncmds/sizeofcmds in hdr, and
// re-inserts that many zero bytes immediately after the remaining
// commands so the __LINKEDIT-relative offsets of everything past the
// load-command area do not shift. Mirrors the teacher's original
// remove_load_command (drain the command, then re-pad).
func removeCommandAt(data []byte, hdr *types.FileHeader, headerSize, cmdOffset int, cmdSize uint32, o binary.ByteOrder) []byte {
	data = spliceRemove(data, cmdOffset, cmdOffset+int(cmdSize))

	hdr.NCommands--
	hdr.SizeCommands -= cmdSize

	padOffset := headerSize + int(hdr.SizeCommands)
	padSize := int(cmdSize)
	if padOffset+padSize > len(data) {
		grown := make([]byte, padOffset+padSize)
		copy(grown, data)
		data = grown
	}
	data = spliceInsert(data, padOffset, make([]byte, padSize))

	copy(data[:headerSize], encodeHeader(*hdr, o))
	return data
}

// insertCommandAt inserts cmdBytes at byte offset offset, increments
// ncmds/sizeofcmds in hdr, and drains the equivalent amount of trailing
// header pad so the load-command region's total footprint (including any
// -headerpad_max_install_names slack) stays the same size. Mirrors the
// teacher's original insert_command.
func insertCommandAt(data []byte, hdr *types.FileHeader, headerSize, offset int, cmdBytes []byte, o binary.ByteOrder) []byte {
	data = spliceInsert(data, offset, cmdBytes)

	hdr.NCommands++
	hdr.SizeCommands += uint32(len(cmdBytes))

	drainStart := headerSize + int(hdr.SizeCommands)
	drainEnd := drainStart + len(cmdBytes)
	if drainEnd <= len(data) {
		data = spliceRemove(data, drainStart, drainEnd)
	}

	copy(data[:headerSize], encodeHeader(*hdr, o))
	return data
}

// rpaths returns the container's LC_RPATH commands in on-disk order.
func (c *Container) rpaths() []*RpathCommand {
	var out []*RpathCommand
	for _, cmd := range c.Commands {
		if r, ok := cmd.(*RpathCommand); ok {
			out = append(out, r)
		}
	}
	return out
}

// dylibRefs returns the container's non-identity dylib load commands
// (LC_LOAD_DYLIB and its weak/upward/lazy/reexport variants), in on-disk
// order, skipping LC_ID_DYLIB.
func (c *Container) dylibRefs() []*DylibCommand {
	var out []*DylibCommand
	for _, cmd := range c.Commands {
		if d, ok := cmd.(*DylibCommand); ok && d.Tag() != types.LcIdDylib {
			out = append(out, d)
		}
	}
	return out
}

func (c *Container) dylibID() *DylibCommand {
	for _, cmd := range c.Commands {
		if d, ok := cmd.(*DylibCommand); ok && d.Tag() == types.LcIdDylib {
			return d
		}
	}
	return nil
}

// reparse refreshes c.Header/c.Commands from c.Data after a byte-level
// splice. Re-parsing rather than patching the model incrementally keeps
// the rewriter's bookkeeping identical to a fresh Parse of the result.
func (c *Container) reparse() error {
	fresh, err := ParseThin(c.Data)
	if err != nil {
		return err
	}
	c.Header = fresh.Header
	c.Commands = fresh.Commands
	c.Order = fresh.Order
	return nil
}

// AddRpath appends a new LC_RPATH carrying newRpath to the end of the
// load commands.
func (c *Container) AddRpath(newRpath string) error {
	cmd, err := encodeCStringCommand(types.LcRpath, newRpath, c.Order)
	if err != nil {
		return arwenerr.Wrap(arwenerr.Io, "macho.AddRpath", err)
	}
	hdr := c.Header
	offset := c.headerSize() + int(hdr.SizeCommands)
	c.Data = insertCommandAt(c.Data, &hdr, c.headerSize(), offset, cmd, c.Order)
	return c.reparse()
}

// ChangeRpath replaces the first LC_RPATH whose path equals oldRpath with
// a freshly built LC_RPATH carrying newRpath, preserving its position.
func (c *Container) ChangeRpath(oldRpath, newRpath string) error {
	target, err := c.findRpath(oldRpath)
	if err != nil {
		return err
	}
	hdr := c.Header
	c.Data = removeCommandAt(c.Data, &hdr, c.headerSize(), target.Offset(), target.Size(), c.Order)

	cmd, err := encodeCStringCommand(types.LcRpath, newRpath, c.Order)
	if err != nil {
		return arwenerr.Wrap(arwenerr.Io, "macho.ChangeRpath", err)
	}
	c.Data = insertCommandAt(c.Data, &hdr, c.headerSize(), target.Offset(), cmd, c.Order)
	return c.reparse()
}

// RemoveRpath deletes the first LC_RPATH whose path equals oldRpath.
func (c *Container) RemoveRpath(oldRpath string) error {
	target, err := c.findRpath(oldRpath)
	if err != nil {
		return err
	}
	hdr := c.Header
	c.Data = removeCommandAt(c.Data, &hdr, c.headerSize(), target.Offset(), target.Size(), c.Order)
	return c.reparse()
}

func (c *Container) findRpath(path string) (*RpathCommand, error) {
	for _, r := range c.rpaths() {
		if r.Path == path {
			return r, nil
		}
	}
	return nil, arwenerr.New(arwenerr.RpathMissing, "macho.findRpath")
}

// ChangeInstallID rewrites the LC_ID_DYLIB command (a shared library's own
// install name) to newID. Returns DylibIDMissing if the file carries no
// LC_ID_DYLIB (i.e. is not a shared library).
func (c *Container) ChangeInstallID(newID string) error {
	old := c.dylibID()
	if old == nil {
		return arwenerr.New(arwenerr.DylibIDMissing, "macho.ChangeInstallID")
	}
	return c.replaceDylibCommand(old, newID)
}

// ChangeInstallName rewrites the LC_LOAD_DYLIB (or weak/upward/reexport/
// lazy variant) command whose name equals oldName to carry newName
// instead. Per the invariant pinned in the design notes, oldName must
// name a dependency, not the file's own install ID — use ChangeInstallID
// for that case.
func (c *Container) ChangeInstallName(oldName, newName string) error {
	refs := c.dylibRefs()
	for _, d := range refs {
		if d.Name == oldName {
			return c.replaceDylibCommand(d, newName)
		}
	}
	if id := c.dylibID(); id != nil && id.Name == oldName {
		return arwenerr.New(arwenerr.InvalidOperation, "macho.ChangeInstallName")
	}
	return arwenerr.New(arwenerr.DylibNameMissing, "macho.ChangeInstallName")
}

func (c *Container) replaceDylibCommand(old *DylibCommand, newName string) error {
	hdr := c.Header
	c.Data = removeCommandAt(c.Data, &hdr, c.headerSize(), old.Offset(), old.Size(), c.Order)

	repl := &DylibCommand{
		cmdBase:        cmdBase{tag: old.Tag()},
		Name:           newName,
		Timestamp:      old.Timestamp,
		CurrentVersion: old.CurrentVersion,
		CompatVersion:  old.CompatVersion,
	}
	cmd, err := repl.Encode(c.Order)
	if err != nil {
		return arwenerr.Wrap(arwenerr.Io, "macho.replaceDylibCommand", err)
	}
	c.Data = insertCommandAt(c.Data, &hdr, c.headerSize(), old.Offset(), cmd, c.Order)
	return c.reparse()
}

// Bytes returns the container's current serialized form.
func (c *Container) Bytes() []byte {
	out := make([]byte, len(c.Data))
	copy(out, c.Data)
	return out
}

// --- FatContainer wrappers: apply the same edit to every architecture
// slice and splice each result back into the fat image at its original
// (possibly now-incorrect-length) offset+size window. ---

func (f *FatContainer) eachSlice(apply func(*Container) error) error {
	for i := range f.Archs {
		entry := &f.Archs[i]
		if err := apply(entry.Container); err != nil {
			return err
		}
		newData := entry.Container.Bytes()
		old := f.Data
		start, end := int(entry.Arch.Offset), int(entry.Arch.Offset)+int(entry.Arch.Size)
		f.Data = append(append(append([]byte{}, old[:start]...), newData...), old[end:]...)
		entry.Arch.Size = uint32(len(newData))
	}
	return nil
}

func (f *FatContainer) AddRpath(newRpath string) error {
	return f.eachSlice(func(c *Container) error { return c.AddRpath(newRpath) })
}

func (f *FatContainer) ChangeRpath(oldRpath, newRpath string) error {
	return f.eachSlice(func(c *Container) error { return c.ChangeRpath(oldRpath, newRpath) })
}

func (f *FatContainer) RemoveRpath(oldRpath string) error {
	return f.eachSlice(func(c *Container) error { return c.RemoveRpath(oldRpath) })
}

func (f *FatContainer) ChangeInstallID(newID string) error {
	return f.eachSlice(func(c *Container) error { return c.ChangeInstallID(newID) })
}

func (f *FatContainer) ChangeInstallName(oldName, newName string) error {
	return f.eachSlice(func(c *Container) error { return c.ChangeInstallName(oldName, newName) })
}

// Bytes returns the fat container's current serialized form. Note this
// does not rewrite the fat_arch table's Offset/Size/Align fields in
// f.Data's header region after a size-changing edit; callers that need a
// byte-exact fat header after such an edit should use Rebuild instead.
func (f *FatContainer) Bytes() []byte {
	out := make([]byte, len(f.Data))
	copy(out, f.Data)
	return out
}

// Rebuild re-lays out every architecture slice back-to-back, recomputing
// the fat header's per-arch Offset fields to keep each slice aligned to
// its Align (log2) boundary, and rewrites the fat_arch table in place.
// Needed whenever a per-slice edit changes that slice's length, since the
// naive in-place splice in eachSlice leaves the original fat_arch table's
// Offset/Size stale relative to its neighbors.
func (f *FatContainer) Rebuild() []byte {
	var buf bytes.Buffer
	headerAndTable := types.FatHeaderSize + len(f.Archs)*types.FatArchSize
	buf.Write(make([]byte, headerAndTable))

	type slot struct {
		offset, size uint32
	}
	slots := make([]slot, len(f.Archs))

	for i, entry := range f.Archs {
		data := entry.Container.Bytes()
		align := uint64(1) << entry.Arch.Align
		pad := bcodec.AlignUp(uint64(buf.Len()), align) - uint64(buf.Len())
		buf.Write(make([]byte, pad))
		slots[i] = slot{offset: uint32(buf.Len()), size: uint32(len(data))}
		buf.Write(data)
	}

	out := buf.Bytes()
	bcodec.WriteU32(out, 0, binary.BigEndian, uint32(types.MagicFat))
	bcodec.WriteU32(out, 4, binary.BigEndian, uint32(len(f.Archs)))
	off := types.FatHeaderSize
	for i, entry := range f.Archs {
		bcodec.WriteU32(out, off, binary.BigEndian, uint32(entry.Arch.CPU))
		bcodec.WriteU32(out, off+4, binary.BigEndian, uint32(entry.Arch.SubCPU))
		bcodec.WriteU32(out, off+8, binary.BigEndian, slots[i].offset)
		bcodec.WriteU32(out, off+12, binary.BigEndian, slots[i].size)
		bcodec.WriteU32(out, off+16, binary.BigEndian, entry.Arch.Align)
		off += types.FatArchSize
	}

	f.Data = out
	return out
}
