package elf

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/elf/types"
)

func (c *Container) requireDynamic(op string) error {
	if c.DynSection < 0 {
		return arwenerr.New(arwenerr.InvalidOperation, op+": file carries no SHT_DYNAMIC section")
	}
	return nil
}

// findDyn returns the index of the first dynamic entry with the given
// tag, or -1.
func (c *Container) findDyn(tag types.DynTag) int {
	for i, e := range c.Dynamic {
		if e.Tag == tag {
			return i
		}
	}
	return -1
}

// nullIndex returns the index of the terminating DT_NULL entry, inserting
// one at the end if somehow missing.
func (c *Container) nullIndex() int {
	for i, e := range c.Dynamic {
		if e.Tag == types.DT_NULL {
			return i
		}
	}
	c.Dynamic = append(c.Dynamic, types.DynamicEntry{Tag: types.DT_NULL})
	return len(c.Dynamic) - 1
}

func (c *Container) insertBeforeNull(e types.DynamicEntry) {
	i := c.nullIndex()
	c.Dynamic = append(c.Dynamic[:i], append([]types.DynamicEntry{e}, c.Dynamic[i:]...)...)
}

func (c *Container) runpathTag() (types.DynTag, int) {
	if i := c.findDyn(types.DT_RUNPATH); i >= 0 {
		return types.DT_RUNPATH, i
	}
	if i := c.findDyn(types.DT_RPATH); i >= 0 {
		return types.DT_RPATH, i
	}
	return 0, -1
}

// SetRunpath replaces the DT_RUNPATH (or DT_RPATH, whichever the file
// already carries) value wholesale, creating a DT_RUNPATH entry if the
// file had neither.
func (c *Container) SetRunpath(path string) error {
	if err := c.requireDynamic("elf.SetRunpath"); err != nil {
		return err
	}
	tag, i := c.runpathTag()
	if i < 0 {
		c.insertBeforeNull(types.DynamicEntry{Tag: types.DT_RUNPATH, Str: path})
		return nil
	}
	c.Dynamic[i] = types.DynamicEntry{Tag: tag, Str: path}
	return nil
}

// AddRunpath appends path to the existing runpath (or rpath), joined by
// ':', matching the dynamic linker's own search-path convention.
// Creates a DT_RUNPATH entry if the file has neither.
func (c *Container) AddRunpath(path string) error {
	if err := c.requireDynamic("elf.AddRunpath"); err != nil {
		return err
	}
	tag, i := c.runpathTag()
	if i < 0 {
		c.insertBeforeNull(types.DynamicEntry{Tag: types.DT_RUNPATH, Str: path})
		return nil
	}
	existing := c.Dynamic[i].Str
	if existing == "" {
		c.Dynamic[i].Str = path
	} else {
		c.Dynamic[i].Str = existing + ":" + path
	}
	c.Dynamic[i].Tag = tag
	return nil
}

// RemoveRunpath deletes the DT_RUNPATH/DT_RPATH entry entirely.
func (c *Container) RemoveRunpath() error {
	if err := c.requireDynamic("elf.RemoveRunpath"); err != nil {
		return err
	}
	_, i := c.runpathTag()
	if i < 0 {
		return arwenerr.New(arwenerr.RpathMissing, "elf.RemoveRunpath")
	}
	c.Dynamic = append(c.Dynamic[:i], c.Dynamic[i+1:]...)
	return nil
}

// UseRpath retags an existing DT_RUNPATH entry as DT_RPATH, forcing the
// legacy (pre-DT_RUNPATH) search-order semantics some loaders use for
// resolving transitive dependencies.
func (c *Container) UseRpath() error {
	if err := c.requireDynamic("elf.UseRpath"); err != nil {
		return err
	}
	i := c.findDyn(types.DT_RUNPATH)
	if i < 0 {
		return arwenerr.New(arwenerr.RpathMissing, "elf.UseRpath")
	}
	c.Dynamic[i].Tag = types.DT_RPATH
	return nil
}

// ShrinkRunpath drops every absolute runpath directory that either falls
// outside allowedPrefixes or does not resolve any DT_NEEDED library on the
// local filesystem, and rejoins the remainder with ':'. A directory that isn't
// absolute (e.g. "$ORIGIN" or "$ORIGIN/../lib") is always kept: it's
// resolved relative to the binary's own location at load time, never
// against a filesystem prefix, so no prefix or probe can rule it out. An
// empty allowedPrefixes means "no restriction" — every absolute directory
// is still subject to the DT_NEEDED probe below, but none is rejected by
// prefix alone.
func (c *Container) ShrinkRunpath(allowedPrefixes []string) error {
	if err := c.requireDynamic("elf.ShrinkRunpath"); err != nil {
		return err
	}
	tag, i := c.runpathTag()
	if i < 0 {
		return arwenerr.New(arwenerr.RpathMissing, "elf.ShrinkRunpath")
	}

	needed := make(map[string]bool)
	for _, e := range c.Dynamic {
		if e.Tag == types.DT_NEEDED {
			needed[e.Str] = true
		}
	}

	var kept []string
	for _, dir := range splitPath(c.Dynamic[i].Str) {
		if !strings.HasPrefix(dir, "/") {
			kept = append(kept, dir)
			continue
		}

		if len(allowedPrefixes) > 0 {
			allowed := false
			for _, prefix := range allowedPrefixes {
				if strings.HasPrefix(dir, prefix) {
					allowed = true
					break
				}
			}
			if !allowed {
				continue
			}
		}

		if dirSatisfiesNeeded(dir, needed, c.Header.Machine) {
			kept = append(kept, dir)
		}
	}

	c.Dynamic[i] = types.DynamicEntry{Tag: tag, Str: strings.Join(kept, ":")}
	return nil
}

// dirSatisfiesNeeded reports whether dir, probed on the local filesystem,
// contains at least one DT_NEEDED library built for the same e_machine as
// the binary being patched. This is the same test elf_shrink_rpath runs
// in the original rewriter before keeping a directory: an rpath entry
// pointing at a directory that resolves none of the binary's needed
// libraries for its own architecture is dead weight.
func dirSatisfiesNeeded(dir string, needed map[string]bool, machine uint16) bool {
	for lib := range needed {
		m, ok := probeMachine(filepath.Join(dir, lib))
		if ok && m == machine {
			return true
		}
	}
	return false
}

// probeMachine reads just enough of path's ELF header to return its
// e_machine field, without parsing the rest of the file. Returns ok=false
// if path doesn't exist or isn't an ELF file — both are expected outcomes
// when probing candidate rpath directories, not errors.
func probeMachine(path string) (machine uint16, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var ident [20]byte
	if _, err := io.ReadFull(f, ident[:]); err != nil {
		return 0, false
	}
	if ident[0] != 0x7f || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return 0, false
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if ident[5] == 2 { // ELFDATA2MSB
		order = binary.BigEndian
	}
	return order.Uint16(ident[18:20]), true
}

func splitPath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ":")
}

// AddNeeded appends a DT_NEEDED entry for each name not already present.
func (c *Container) AddNeeded(names []string) error {
	if err := c.requireDynamic("elf.AddNeeded"); err != nil {
		return err
	}
	existing := map[string]bool{}
	for _, e := range c.Dynamic {
		if e.Tag == types.DT_NEEDED {
			existing[e.Str] = true
		}
	}
	for _, n := range names {
		if existing[n] {
			continue
		}
		c.insertBeforeNull(types.DynamicEntry{Tag: types.DT_NEEDED, Str: n})
		existing[n] = true
	}
	return nil
}

// RemoveNeeded deletes every DT_NEEDED entry whose name is in names.
func (c *Container) RemoveNeeded(names []string) error {
	if err := c.requireDynamic("elf.RemoveNeeded"); err != nil {
		return err
	}
	drop := map[string]bool{}
	for _, n := range names {
		drop[n] = true
	}
	out := c.Dynamic[:0]
	for _, e := range c.Dynamic {
		if e.Tag == types.DT_NEEDED && drop[e.Str] {
			continue
		}
		out = append(out, e)
	}
	c.Dynamic = out
	return nil
}

// ReplaceNeeded renames every DT_NEEDED entry matching a key in renames
// to its corresponding value.
func (c *Container) ReplaceNeeded(renames map[string]string) error {
	if err := c.requireDynamic("elf.ReplaceNeeded"); err != nil {
		return err
	}
	for i, e := range c.Dynamic {
		if e.Tag != types.DT_NEEDED {
			continue
		}
		if newName, ok := renames[e.Str]; ok {
			c.Dynamic[i].Str = newName
		}
	}
	return nil
}

// SetSoname sets (creating if absent) the DT_SONAME entry.
func (c *Container) SetSoname(soname string) error {
	if err := c.requireDynamic("elf.SetSoname"); err != nil {
		return err
	}
	if i := c.findDyn(types.DT_SONAME); i >= 0 {
		c.Dynamic[i].Str = soname
		return nil
	}
	c.insertBeforeNull(types.DynamicEntry{Tag: types.DT_SONAME, Str: soname})
	return nil
}

// NoDefaultLib sets the DF_1_NODEFLIB bit of DT_FLAGS_1, telling the
// dynamic linker to ignore its default library search paths for this
// object.
func (c *Container) NoDefaultLib() error {
	if err := c.requireDynamic("elf.NoDefaultLib"); err != nil {
		return err
	}
	if i := c.findDyn(types.DT_FLAGS_1); i >= 0 {
		c.Dynamic[i].Val |= types.DF_1_NODEFLIB
		return nil
	}
	c.insertBeforeNull(types.DynamicEntry{Tag: types.DT_FLAGS_1, Val: types.DF_1_NODEFLIB})
	return nil
}

// AddDynamicDebug inserts a DT_DEBUG entry (val 0, filled in by the
// dynamic linker at load time) if one is not already present; this is
// what lets a debugger on Linux locate the link_map without consulting
// the auxiliary vector.
func (c *Container) AddDynamicDebug() error {
	if err := c.requireDynamic("elf.AddDynamicDebug"); err != nil {
		return err
	}
	if c.findDyn(types.DT_DEBUG) >= 0 {
		return nil
	}
	c.insertBeforeNull(types.DynamicEntry{Tag: types.DT_DEBUG})
	return nil
}
