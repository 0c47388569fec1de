package macho

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/internal/bcodec"
	"github.com/nichmor/arwen-go/macho/types"
)

// buildThin assembles a minimal but well-formed little-endian 64-bit
// Mach-O image carrying only the load commands given, for use as a test
// fixture. It is not a runnable binary — there is no __TEXT segment or
// entry point — only enough structure for the rewriter to operate on.
func buildThin(t *testing.T, cmds [][]byte) []byte {
	t.Helper()
	o := binary.LittleEndian
	var body []byte
	for _, c := range cmds {
		body = append(body, c...)
	}
	hdr := make([]byte, types.FileHeaderSize64)
	bcodec.WriteU32(hdr, 0, o, uint32(types.Magic64))
	bcodec.WriteU32(hdr, 4, o, uint32(types.CPUAmd64))
	bcodec.WriteU32(hdr, 8, o, uint32(types.CPUSubtypeX8664All))
	bcodec.WriteU32(hdr, 12, o, uint32(types.MH_DYLIB))
	bcodec.WriteU32(hdr, 16, o, uint32(len(cmds)))
	bcodec.WriteU32(hdr, 20, o, uint32(len(body)))
	bcodec.WriteU32(hdr, 24, o, 0)
	bcodec.WriteU32(hdr, 28, o, 0)
	return append(hdr, body...)
}

func rpathCmd(t *testing.T, path string) []byte {
	t.Helper()
	b, err := encodeCStringCommand(types.LcRpath, path, binary.LittleEndian)
	if err != nil {
		t.Fatalf("encode rpath: %v", err)
	}
	return b
}

func dylibCmd(t *testing.T, tag types.LoadCmd, name string) []byte {
	t.Helper()
	d := &DylibCommand{cmdBase: cmdBase{tag: tag}, Name: name, CurrentVersion: 0x10000, CompatVersion: 0x10000}
	b, err := d.Encode(binary.LittleEndian)
	if err != nil {
		t.Fatalf("encode dylib: %v", err)
	}
	return b
}

func TestParseThinRoundTrip(t *testing.T) {
	data := buildThin(t, [][]byte{
		dylibCmd(t, types.LcIdDylib, "libfoo.dylib"),
		rpathCmd(t, "@loader_path/../lib"),
		dylibCmd(t, types.LcLoadDylib, "/usr/lib/libSystem.B.dylib"),
	})

	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	if c.Header.NCommands != 3 {
		t.Fatalf("NCommands = %d, want 3", c.Header.NCommands)
	}
	if got := c.dylibID(); got == nil || got.Name != "libfoo.dylib" {
		t.Fatalf("dylibID = %+v", got)
	}
	if rp := c.rpaths(); len(rp) != 1 || rp[0].Path != "@loader_path/../lib" {
		t.Fatalf("rpaths = %+v", rp)
	}
}

func TestAddRpath(t *testing.T) {
	data := buildThin(t, [][]byte{dylibCmd(t, types.LcIdDylib, "libfoo.dylib")})
	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	if err := c.AddRpath("@executable_path/../Frameworks"); err != nil {
		t.Fatalf("AddRpath: %v", err)
	}
	if c.Header.NCommands != 2 {
		t.Fatalf("NCommands = %d, want 2", c.Header.NCommands)
	}
	rp := c.rpaths()
	if len(rp) != 1 || rp[0].Path != "@executable_path/../Frameworks" {
		t.Fatalf("rpaths = %+v", rp)
	}
	// header bookkeeping must stay consistent with the encoded buffer
	reread, err := ParseThin(c.Data)
	if err != nil {
		t.Fatalf("re-parse after AddRpath: %v", err)
	}
	if reread.Header.SizeCommands != c.Header.SizeCommands {
		t.Fatalf("SizeCommands drifted: %d vs %d", reread.Header.SizeCommands, c.Header.SizeCommands)
	}
}

func TestChangeRpath(t *testing.T) {
	data := buildThin(t, [][]byte{
		dylibCmd(t, types.LcIdDylib, "libfoo.dylib"),
		rpathCmd(t, "/old/path"),
	})
	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	if err := c.ChangeRpath("/old/path", "/new/path"); err != nil {
		t.Fatalf("ChangeRpath: %v", err)
	}
	rp := c.rpaths()
	if len(rp) != 1 || rp[0].Path != "/new/path" {
		t.Fatalf("rpaths after change = %+v", rp)
	}
	if err := c.ChangeRpath("/does/not/exist", "/x"); !arwenerr.Is(err, arwenerr.RpathMissing) {
		t.Fatalf("expected RpathMissing, got %v", err)
	}
}

func TestRemoveRpath(t *testing.T) {
	data := buildThin(t, [][]byte{
		dylibCmd(t, types.LcIdDylib, "libfoo.dylib"),
		rpathCmd(t, "/to/remove"),
		dylibCmd(t, types.LcLoadDylib, "/usr/lib/libSystem.B.dylib"),
	})
	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	if err := c.RemoveRpath("/to/remove"); err != nil {
		t.Fatalf("RemoveRpath: %v", err)
	}
	if len(c.rpaths()) != 0 {
		t.Fatalf("expected no rpaths left, got %+v", c.rpaths())
	}
	if c.Header.NCommands != 2 {
		t.Fatalf("NCommands = %d, want 2", c.Header.NCommands)
	}
	if len(c.dylibRefs()) != 1 || c.dylibRefs()[0].Name != "/usr/lib/libSystem.B.dylib" {
		t.Fatalf("dylibRefs = %+v", c.dylibRefs())
	}
}

func TestChangeInstallID(t *testing.T) {
	data := buildThin(t, [][]byte{dylibCmd(t, types.LcIdDylib, "libfoo.dylib")})
	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	if err := c.ChangeInstallID("@rpath/libfoo.dylib"); err != nil {
		t.Fatalf("ChangeInstallID: %v", err)
	}
	if got := c.dylibID(); got == nil || got.Name != "@rpath/libfoo.dylib" {
		t.Fatalf("dylibID after change = %+v", got)
	}

	data2 := buildThin(t, [][]byte{dylibCmd(t, types.LcLoadDylib, "/usr/lib/libSystem.B.dylib")})
	c2, err := ParseThin(data2)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	if err := c2.ChangeInstallID("x"); !arwenerr.Is(err, arwenerr.DylibIDMissing) {
		t.Fatalf("expected DylibIDMissing, got %v", err)
	}
}

func TestChangeInstallNameRejectsOwnID(t *testing.T) {
	data := buildThin(t, [][]byte{dylibCmd(t, types.LcIdDylib, "libfoo.dylib")})
	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	err = c.ChangeInstallName("libfoo.dylib", "libbar.dylib")
	if !arwenerr.Is(err, arwenerr.InvalidOperation) {
		t.Fatalf("expected InvalidOperation when targeting the file's own install ID, got %v", err)
	}
}

func TestChangeInstallNameOnDependency(t *testing.T) {
	data := buildThin(t, [][]byte{
		dylibCmd(t, types.LcIdDylib, "libfoo.dylib"),
		dylibCmd(t, types.LcLoadDylib, "/old/libbar.dylib"),
	})
	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	if err := c.ChangeInstallName("/old/libbar.dylib", "/new/libbar.dylib"); err != nil {
		t.Fatalf("ChangeInstallName: %v", err)
	}
	refs := c.dylibRefs()
	if len(refs) != 1 || refs[0].Name != "/new/libbar.dylib" {
		t.Fatalf("dylibRefs after change = %+v", refs)
	}
}

func TestIdempotentReparse(t *testing.T) {
	data := buildThin(t, [][]byte{
		dylibCmd(t, types.LcIdDylib, "libfoo.dylib"),
		rpathCmd(t, "/a"),
		rpathCmd(t, "/b"),
	})
	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}
	first := c.Bytes()
	reread, err := ParseThin(first)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	second := reread.Bytes()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("re-serialization drifted (-first +second):\n%s", diff)
	}
}

func TestParseThinRejectsUnknownMagic(t *testing.T) {
	data := make([]byte, types.FileHeaderSize64)
	bcodec.WriteU32(data, 0, binary.LittleEndian, 0x12345678)
	_, err := ParseThin(data)
	if !arwenerr.Is(err, arwenerr.UnknownMagic) {
		t.Fatalf("expected UnknownMagic, got %v", err)
	}
}

func TestParseRejectsUnknownMagic(t *testing.T) {
	data := make([]byte, types.FileHeaderSize64)
	bcodec.WriteU32(data, 0, binary.LittleEndian, 0x12345678)
	_, err := Parse(data)
	if !arwenerr.Is(err, arwenerr.UnknownMagic) {
		t.Fatalf("expected UnknownMagic, got %v", err)
	}
}

func TestParseFatRejectsArchiveMember(t *testing.T) {
	o := binary.BigEndian
	thin := buildThin(t, [][]byte{dylibCmd(t, types.LcIdDylib, "libfoo.dylib")})

	archMember := make([]byte, len(thin))
	copy(archMember, unixArchiveMagic)

	fat := make([]byte, types.FatHeaderSize+types.FatArchSize)
	bcodec.WriteU32(fat, 0, o, uint32(types.MagicFat))
	bcodec.WriteU32(fat, 4, o, 1)
	archOff := types.FatHeaderSize + types.FatArchSize
	bcodec.WriteU32(fat, types.FatHeaderSize, o, uint32(types.CPUAmd64))
	bcodec.WriteU32(fat, types.FatHeaderSize+4, o, uint32(types.CPUSubtypeX8664All))
	bcodec.WriteU32(fat, types.FatHeaderSize+8, o, uint32(archOff))
	bcodec.WriteU32(fat, types.FatHeaderSize+12, o, uint32(len(archMember)))
	bcodec.WriteU32(fat, types.FatHeaderSize+16, o, 0)
	fat = append(fat, archMember...)

	_, err := Parse(fat)
	if !arwenerr.Is(err, arwenerr.UnsupportedFatMember) {
		t.Fatalf("expected UnsupportedFatMember for an ar(1) fat slice, got %v", err)
	}
}
