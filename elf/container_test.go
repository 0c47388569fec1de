package elf

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/elf/types"
)

// writeFakeLib drops a minimal ELF file at dir/name carrying just enough
// header bytes (e_ident + e_machine) for probeMachine to read back —
// ShrinkRunpath's directory probe never looks past those fields.
func writeFakeLib(t *testing.T, dir, name string, machine uint16) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	ident := make([]byte, 20)
	copy(ident, "\x7fELF")
	ident[4] = byte(types.Class64)
	ident[5] = byte(types.DataLittle)
	ident[6] = 1
	binary.LittleEndian.PutUint16(ident[18:], machine)
	if err := os.WriteFile(filepath.Join(dir, name), ident, 0o644); err != nil {
		t.Fatal(err)
	}
}

// fixture is a minimal little-endian, 64-bit ELF shared object: an
// ELF header, one PT_LOAD and one PT_DYNAMIC program header, a
// .dynstr/.dynamic/.shstrtab section triple, and a section header
// table. Just enough for the dynamic-entry and segment operations to
// round-trip through Parse/Bytes.
type fixture struct {
	strtab  []byte // .dynstr contents
	dynents []types.DynamicEntry
}

func strtabOffset(strtab []byte, s string) uint32 {
	needle := append([]byte(s), 0)
	for i := 0; i+len(needle) <= len(strtab); i++ {
		if string(strtab[i:i+len(needle)]) == string(needle) {
			return uint32(i)
		}
	}
	panic("string not in strtab: " + s)
}

func buildFixture(t *testing.T, soname, needed, runpath string) []byte {
	t.Helper()
	o := binary.LittleEndian

	var strtab []byte
	strtab = append(strtab, 0) // index 0 is always the empty string
	sonameOff := len(strtab)
	strtab = append(strtab, append([]byte(soname), 0)...)
	neededOff := len(strtab)
	strtab = append(strtab, append([]byte(needed), 0)...)
	runpathOff := len(strtab)
	strtab = append(strtab, append([]byte(runpath), 0)...)
	for len(strtab)%8 != 0 {
		strtab = append(strtab, 0)
	}

	dynents := []types.DynamicEntry{
		{Tag: types.DT_NEEDED, Val: uint64(neededOff)},
		{Tag: types.DT_SONAME, Val: uint64(sonameOff)},
		{Tag: types.DT_RUNPATH, Val: uint64(runpathOff)},
		{Tag: types.DT_NULL},
	}
	dynBytes := make([]byte, len(dynents)*16)
	// leave generous in-place growth slack for AddNeeded/SetSoname tests
	dynBytes = append(dynBytes, make([]byte, 16*8)...)
	for i, e := range dynents {
		o.PutUint64(dynBytes[i*16:], uint64(e.Tag))
		o.PutUint64(dynBytes[i*16+8:], e.Val)
	}
	// re-terminate past the padding
	lastNull := (len(dynents) - 1) * 16
	for i := lastNull; i < len(dynBytes); i += 16 {
		o.PutUint64(dynBytes[i:], uint64(types.DT_NULL))
	}

	shstrtab := []byte{0}
	nameOff := func(s string) uint32 {
		off := len(shstrtab)
		shstrtab = append(shstrtab, append([]byte(s), 0)...)
		return uint32(off)
	}
	dynstrNameOff := nameOff(".dynstr")
	dynamicNameOff := nameOff(".dynamic")
	shstrtabNameOff := nameOff(".shstrtab")

	const ehsize = 64
	const phentsize = 56
	const phnum = 2
	phoff := ehsize
	dataStart := phoff + phnum*phentsize

	dynstrOff := dataStart
	for dynstrOff%8 != 0 {
		dynstrOff++
	}
	dynamicOff := dynstrOff + len(strtab)
	for dynamicOff%8 != 0 {
		dynamicOff++
	}
	shstrtabOff := dynamicOff + len(dynBytes)

	fileLen := shstrtabOff + len(shstrtab)
	for fileLen%8 != 0 {
		fileLen++
	}
	shoff := fileLen
	const shentsize = 64
	const shnum = 4 // NULL, .dynstr, .dynamic, .shstrtab
	fileLen = shoff + shnum*shentsize

	buf := make([]byte, fileLen)
	copy(buf[0:], "\x7fELF")
	buf[4] = byte(types.Class64)
	buf[5] = byte(types.DataLittle)
	buf[6] = 1
	buf[7] = byte(types.OSABI_SYSV)
	o.PutUint16(buf[16:], 3) // ET_DYN
	o.PutUint16(buf[18:], 0x3e)
	o.PutUint32(buf[20:], 1)
	o.PutUint64(buf[32:], uint64(phoff))
	o.PutUint64(buf[40:], uint64(shoff))
	o.PutUint16(buf[52:], ehsize)
	o.PutUint16(buf[54:], phentsize)
	o.PutUint16(buf[56:], phnum)
	o.PutUint16(buf[58:], shentsize)
	o.PutUint16(buf[60:], shnum)
	o.PutUint16(buf[62:], 3) // shstrndx

	putPhdr := func(i int, p types.ProgramHeader) {
		b := buf[phoff+i*phentsize:]
		o.PutUint32(b[0:], p.Type)
		o.PutUint32(b[4:], p.Flags)
		o.PutUint64(b[8:], p.Offset)
		o.PutUint64(b[16:], p.VAddr)
		o.PutUint64(b[24:], p.PAddr)
		o.PutUint64(b[32:], p.FileSz)
		o.PutUint64(b[40:], p.MemSz)
		o.PutUint64(b[48:], p.Align)
	}
	putPhdr(0, types.ProgramHeader{Type: types.PT_LOAD, Flags: types.PF_R | types.PF_W, Offset: 0, VAddr: 0, FileSz: uint64(fileLen), MemSz: uint64(fileLen), Align: 0x1000})
	putPhdr(1, types.ProgramHeader{Type: types.PT_DYNAMIC, Flags: types.PF_R | types.PF_W, Offset: uint64(dynamicOff), VAddr: uint64(dynamicOff), FileSz: uint64(len(dynBytes)), MemSz: uint64(len(dynBytes)), Align: 8})

	copy(buf[dynstrOff:], strtab)
	copy(buf[dynamicOff:], dynBytes)
	copy(buf[shstrtabOff:], shstrtab)

	putShdr := func(i int, s types.SectionHeader) {
		b := buf[shoff+i*shentsize:]
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
	}
	putShdr(0, types.SectionHeader{})
	putShdr(1, types.SectionHeader{NameOff: dynstrNameOff, Type: types.SHT_STRTAB, Flags: types.SHF_ALLOC, Offset: uint64(dynstrOff), Size: uint64(len(strtab)), AddrAlign: 1})
	putShdr(2, types.SectionHeader{NameOff: dynamicNameOff, Type: types.SHT_DYNAMIC, Flags: types.SHF_ALLOC | types.SHF_WRITE, Addr: uint64(dynamicOff), Offset: uint64(dynamicOff), Size: uint64(len(dynBytes)), Link: 1, AddrAlign: 8, EntSize: 16})
	putShdr(3, types.SectionHeader{NameOff: shstrtabNameOff, Type: types.SHT_STRTAB, Offset: uint64(shstrtabOff), Size: uint64(len(shstrtab)), AddrAlign: 1})

	return buf
}

func TestParseRoundTrip(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.DynSection < 0 {
		t.Fatal("expected a dynamic section")
	}
	var soname, needed, runpath string
	for _, e := range c.Dynamic {
		switch e.Tag {
		case types.DT_SONAME:
			soname = e.Str
		case types.DT_NEEDED:
			needed = e.Str
		case types.DT_RUNPATH:
			runpath = e.Str
		}
	}
	if soname != "libfoo.so.1" || needed != "libbar.so" || runpath != "/opt/lib" {
		t.Fatalf("got soname=%q needed=%q runpath=%q", soname, needed, runpath)
	}
}

func TestSetSonameAndWrite(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.SetSoname("libfoo.so.2"); err != nil {
		t.Fatalf("SetSoname: %v", err)
	}
	out, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	c2, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	for _, e := range c2.Dynamic {
		if e.Tag == types.DT_SONAME && e.Str != "libfoo.so.2" {
			t.Fatalf("soname not updated, got %q", e.Str)
		}
	}
}

func TestAddNeededAndWrite(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.AddNeeded([]string{"libbaz.so"}); err != nil {
		t.Fatalf("AddNeeded: %v", err)
	}
	out, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	c2, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	found := false
	for _, e := range c2.Dynamic {
		if e.Tag == types.DT_NEEDED && e.Str == "libbaz.so" {
			found = true
		}
	}
	if !found {
		t.Fatal("libbaz.so not found in rewritten DT_NEEDED entries")
	}
}

func TestShrinkRunpathCollapsesToEmpty(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib:/usr/local/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.ShrinkRunpath([]string{"/nonexistent"}); err != nil {
		t.Fatalf("ShrinkRunpath: %v", err)
	}
	_, i := c.runpathTag()
	if c.Dynamic[i].Str != "" {
		t.Fatalf("expected collapsed runpath, got %q", c.Dynamic[i].Str)
	}
}

func TestShrinkRunpathKeepsDirectoryResolvingNeeded(t *testing.T) {
	libDir := t.TempDir()
	writeFakeLib(t, libDir, "libbar.so", 0x3e) // EM_X86_64, matches the fixture's own e_machine
	data := buildFixture(t, "libfoo.so.1", "libbar.so", libDir+":/usr/local/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.ShrinkRunpath([]string{libDir}); err != nil {
		t.Fatalf("ShrinkRunpath: %v", err)
	}
	_, i := c.runpathTag()
	if diff := cmp.Diff(libDir, c.Dynamic[i].Str); diff != "" {
		t.Fatalf("runpath mismatch (-want +got):\n%s", diff)
	}
}

func TestShrinkRunpathDropsDirectoryMissingNeeded(t *testing.T) {
	libDir := t.TempDir() // allowed by prefix, but never gets libbar.so written into it
	data := buildFixture(t, "libfoo.so.1", "libbar.so", libDir)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// An empty allowedPrefixes list must mean "no restriction", not "drop
	// everything" — the directory is still dropped here, but because the
	// probe can't resolve libbar.so in it, not because of the prefix list.
	if err := c.ShrinkRunpath(nil); err != nil {
		t.Fatalf("ShrinkRunpath: %v", err)
	}
	_, i := c.runpathTag()
	if c.Dynamic[i].Str != "" {
		t.Fatalf("expected directory without a resolvable library to be dropped, got %q", c.Dynamic[i].Str)
	}
}

func TestShrinkRunpathKeepsOriginRelativeUnconditionally(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "$ORIGIN/../lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// $ORIGIN-relative entries resolve against the binary's own location
	// at load time, never against allowedPrefixes or the filesystem, so
	// they survive even when nothing on disk could satisfy them.
	if err := c.ShrinkRunpath([]string{"/opt"}); err != nil {
		t.Fatalf("ShrinkRunpath: %v", err)
	}
	_, i := c.runpathTag()
	if diff := cmp.Diff("$ORIGIN/../lib", c.Dynamic[i].Str); diff != "" {
		t.Fatalf("runpath mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveRunpathMissing(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.RemoveRunpath(); err != nil {
		t.Fatalf("RemoveRunpath: %v", err)
	}
	if err := c.RemoveRunpath(); !arwenerr.Is(err, arwenerr.RpathMissing) {
		t.Fatalf("expected RpathMissing, got %v", err)
	}
}

func TestNoDefaultLibSetsFlag(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.NoDefaultLib(); err != nil {
		t.Fatalf("NoDefaultLib: %v", err)
	}
	i := c.findDyn(types.DT_FLAGS_1)
	if i < 0 || c.Dynamic[i].Val&types.DF_1_NODEFLIB == 0 {
		t.Fatal("DF_1_NODEFLIB not set")
	}
}

func TestSetOSABIUnknownName(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.SetOSABI("plan9"); !arwenerr.Is(err, arwenerr.InvalidOsAbi) {
		t.Fatalf("expected InvalidOsAbi, got %v", err)
	}
}

func TestClearAndSetExecStackAddsSegment(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.ClearExecStack(); err != nil {
		t.Fatalf("ClearExecStack: %v", err)
	}
	i := c.findSegment(types.PT_GNU_STACK)
	if i < 0 {
		t.Fatal("expected PT_GNU_STACK to be added")
	}
	if c.Segments[i].Flags&types.PF_X != 0 {
		t.Fatal("expected PF_X cleared")
	}
	if err := c.SetExecStack(); err != nil {
		t.Fatalf("SetExecStack: %v", err)
	}
	if c.Segments[i].Flags&types.PF_X == 0 {
		t.Fatal("expected PF_X set")
	}
}

func TestSetPageSizeRejectsNonPowerOfTwo(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.SetPageSize(3000); !arwenerr.Is(err, arwenerr.InvalidPageSize) {
		t.Fatalf("expected InvalidPageSize, got %v", err)
	}
	if err := c.SetPageSize(16384); err != nil {
		t.Fatalf("SetPageSize: %v", err)
	}
	for _, s := range c.Segments {
		if s.Type == types.PT_LOAD && s.Align != 16384 {
			t.Fatalf("PT_LOAD align not updated, got %d", s.Align)
		}
	}
}

func TestSetPageSizeRejectsBelowMinimum(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.SetPageSize(512); !arwenerr.Is(err, arwenerr.InvalidPageSize) {
		t.Fatalf("expected InvalidPageSize for a sub-1024 page size, got %v", err)
	}
}

func TestSetPageSizeRestoresAlignmentCongruence(t *testing.T) {
	data := buildFixture(t, "libfoo.so.1", "libbar.so", "/opt/lib")
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Give the PT_LOAD a VAddr/Offset pair that is only valid under the
	// original 4K alignment, to exercise the re-layout path.
	for i, s := range c.Segments {
		if s.Type == types.PT_LOAD {
			c.Segments[i].Offset = s.Offset + 0x100
			c.Segments[i].VAddr = s.VAddr + 0x1100
		}
	}
	if err := c.SetPageSize(16384); err != nil {
		t.Fatalf("SetPageSize: %v", err)
	}
	for _, s := range c.Segments {
		if s.Type != types.PT_LOAD {
			continue
		}
		if s.VAddr%s.Align != s.Offset%s.Align {
			t.Fatalf("alignment congruence broken: VAddr=%#x Offset=%#x Align=%#x", s.VAddr, s.Offset, s.Align)
		}
	}
}
