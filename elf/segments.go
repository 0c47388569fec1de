package elf

import (
	"golang.org/x/sys/unix"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/elf/types"
)

// DefaultPageSize returns the running system's page size, the value the
// set-page-size CLI command falls back to when the caller passes "auto"
// instead of an explicit byte count.
func DefaultPageSize() uint64 {
	return uint64(unix.Getpagesize())
}

func (c *Container) findSegment(ptype uint32) int {
	for i, s := range c.Segments {
		if s.Type == ptype {
			return i
		}
	}
	return -1
}

// Interpreter returns the dynamic loader path named by PT_INTERP, or ""
// if the file has no interpreter segment (e.g. a shared library, or a
// statically linked executable).
func (c *Container) Interpreter() string {
	i := c.findSegment(types.PT_INTERP)
	if i < 0 {
		return ""
	}
	return bcMustCString(c.Data, c.Segments[i].Offset, c.Segments[i].FileSz)
}

func bcMustCString(data []byte, off, size uint64) string {
	if off+size > uint64(len(data)) {
		return ""
	}
	region := data[off : off+size]
	end := 0
	for end < len(region) && region[end] != 0 {
		end++
	}
	return string(region[:end])
}

// pendingInterp is recorded separately from the PT_INTERP segment's raw
// bytes so SetInterpreter can grow it without touching c.Data directly;
// the writer re-renders it (NUL-terminated) when serializing.
type pendingInterp struct {
	value string
	set   bool
}

// SetInterpreter rewrites PT_INTERP's target string. If interp grows
// past the segment's original file size, the writer relocates the
// .interp section via the planner.
func (c *Container) SetInterpreter(interp string) error {
	i := c.findSegment(types.PT_INTERP)
	if i < 0 {
		return arwenerr.New(arwenerr.InvalidOperation, "elf.SetInterpreter: file has no PT_INTERP segment")
	}
	c.pendingInterp = pendingInterp{value: interp, set: true}
	return nil
}

// SetOSABI rewrites EI_OSABI (e_ident[7]).
func (c *Container) SetOSABI(name string) error {
	abi, ok := types.ParseOSABI(name)
	if !ok {
		return arwenerr.New(arwenerr.InvalidOsAbi, "elf.SetOSABI: "+name)
	}
	c.Header.OSABI = abi
	return nil
}

// ClearExecStack clears PT_GNU_STACK's PF_X bit, marking the stack
// non-executable. Adds a PT_GNU_STACK segment (memsz 0, rw-) if the file
// has none, matching modern linkers' default when -z noexecstack is in
// effect.
func (c *Container) ClearExecStack() error {
	i := c.findSegment(types.PT_GNU_STACK)
	if i < 0 {
		c.Segments = append(c.Segments, types.ProgramHeader{Type: types.PT_GNU_STACK, Flags: types.PF_R | types.PF_W, Align: 16})
		return nil
	}
	c.Segments[i].Flags &^= types.PF_X
	return nil
}

// SetExecStack sets PT_GNU_STACK's PF_X bit, marking the stack
// executable (the legacy, pre-NX default).
func (c *Container) SetExecStack() error {
	i := c.findSegment(types.PT_GNU_STACK)
	if i < 0 {
		c.Segments = append(c.Segments, types.ProgramHeader{Type: types.PT_GNU_STACK, Flags: types.PF_R | types.PF_W | types.PF_X, Align: 16})
		return nil
	}
	c.Segments[i].Flags |= types.PF_X
	return nil
}

// SetPageSize rewrites the alignment of every PT_LOAD segment to
// pageSize, which must be a power of two no smaller than 1024. Used to
// relax a binary built for a 16K-page target back down to the
// conventional 4K, or vice versa.
//
// Changing a PT_LOAD's Align alone would leave a segment whose VAddr and
// Offset satisfied the old alignment's congruence but not the new one's
// (p_vaddr ≡ p_offset mod p_align must hold for the loader to map the
// segment correctly). The writer never relocates a PT_LOAD's file
// offset — doing so would mean moving its entire byte range, the same
// expensive whole-segment relocation the planner avoids elsewhere — so
// SetPageSize restores the congruence by shifting VAddr (and PAddr with
// it) up to the nearest value satisfying it under the new alignment.
func (c *Container) SetPageSize(pageSize uint64) error {
	if pageSize < 1024 || pageSize&(pageSize-1) != 0 {
		return arwenerr.New(arwenerr.InvalidPageSize, "elf.SetPageSize")
	}
	for i, s := range c.Segments {
		if s.Type != types.PT_LOAD {
			continue
		}
		c.Segments[i].Align = pageSize
		want := s.Offset % pageSize
		have := s.VAddr % pageSize
		if have != want {
			delta := (want + pageSize - have) % pageSize
			c.Segments[i].VAddr += delta
			c.Segments[i].PAddr += delta
		}
	}
	return nil
}
