package elf

import (
	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/elf/types"
	"github.com/nichmor/arwen-go/internal/bcodec"
)

// Symbol is one parsed .dynsym entry.
type Symbol struct {
	Name    string
	nameOff uint32
	Info    uint8
	Other   uint8
	Shndx   uint16
	Value   uint64
	Size    uint64
}

func (c *Container) dynsymSection() int {
	for i, s := range c.Sections {
		if s.Name == ".dynsym" {
			return i
		}
	}
	return -1
}

func (c *Container) versymSection() int {
	for i, s := range c.Sections {
		if s.Type == types.SHT_GNU_VERSYM {
			return i
		}
	}
	return -1
}

// DynamicSymbols decodes the .dynsym table.
func (c *Container) DynamicSymbols() ([]Symbol, error) {
	si := c.dynsymSection()
	if si < 0 {
		return nil, nil
	}
	sec := c.Sections[si]
	strSec := c.Sections[c.Sections[si].Link]
	dynstr := sliceAt(c.Data, strSec.Offset, strSec.Size)

	is64 := c.Header.Class == types.Class64
	entSize := 24
	if !is64 {
		entSize = 16
	}
	n := int(sec.Size) / entSize
	out := make([]Symbol, 0, n)
	base := int(sec.Offset)
	for i := 0; i < n; i++ {
		off := base + i*entSize
		var sym Symbol
		if is64 {
			nameOff, _ := readU32(c.Data, off, c.Order)
			info := c.Data[off+4]
			other := c.Data[off+5]
			shndx, _ := readU16(c.Data, off+6, c.Order)
			value, _ := bcodec.ReadU64(c.Data, off+8, c.Order)
			size, _ := bcodec.ReadU64(c.Data, off+16, c.Order)
			sym = Symbol{nameOff: nameOff, Info: info, Other: other, Shndx: shndx, Value: value, Size: size}
		} else {
			nameOff, _ := readU32(c.Data, off, c.Order)
			value32, _ := readU32(c.Data, off+4, c.Order)
			size32, _ := readU32(c.Data, off+8, c.Order)
			info := c.Data[off+12]
			other := c.Data[off+13]
			shndx, _ := readU16(c.Data, off+14, c.Order)
			sym = Symbol{nameOff: nameOff, Info: info, Other: other, Shndx: shndx, Value: uint64(value32), Size: uint64(size32)}
		}
		sym.Name = mustCStringLocal(dynstr, int(sym.nameOff))
		out = append(out, sym)
	}
	return out, nil
}

func mustCStringLocal(b []byte, off int) string {
	if off < 0 || off >= len(b) {
		return ""
	}
	end := off
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

// RenameDynamicSymbols records symbol renames pending until Bytes: renaming a
// dynamic symbol means rewriting its .dynstr entry, which this container
// defers to the writer the same way it defers PT_INTERP and dynamic
// string edits, so every string-table growth goes through one planner
// pass.
func (c *Container) RenameDynamicSymbols(renames map[string]string) error {
	if len(renames) == 0 {
		return nil
	}
	if c.dynsymSection() < 0 {
		return arwenerr.New(arwenerr.InvalidOperation, "elf.RenameDynamicSymbols: file has no .dynsym section")
	}
	if c.pendingSymbolRenames == nil {
		c.pendingSymbolRenames = map[string]string{}
	}
	for k, v := range renames {
		c.pendingSymbolRenames[k] = v
	}
	return nil
}

// ClearSymbolVersion removes symbol's entry from .gnu.version (sets its
// version index to VER_NDX_GLOBAL, i.e. "no specific version"), letting
// the symbol resolve against any version of the library that defines it.
func (c *Container) ClearSymbolVersion(symbol string) error {
	vi := c.versymSection()
	if vi < 0 {
		return arwenerr.New(arwenerr.InvalidOperation, "elf.ClearSymbolVersion: file has no .gnu.version section")
	}
	syms, err := c.DynamicSymbols()
	if err != nil {
		return err
	}
	idx := -1
	for i, s := range syms {
		if s.Name == symbol {
			idx = i
			break
		}
	}
	if idx < 0 {
		return arwenerr.New(arwenerr.InvalidOperation, "elf.ClearSymbolVersion: symbol not found: "+symbol)
	}
	sec := c.Sections[vi]
	off := int(sec.Offset) + idx*2
	const VER_NDX_GLOBAL = 1
	c.Order.PutUint16(c.Data[off:], VER_NDX_GLOBAL)
	return nil
}
