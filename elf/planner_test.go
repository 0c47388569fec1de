package elf

import (
	"testing"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/elf/types"
)

func TestPlanEmptyGrowsReturnsEmptyPlan(t *testing.T) {
	c := &Container{Data: make([]byte, 0x1000)}
	plan, err := c.plan(nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Relocations) != 0 || len(plan.NewSegments) != 0 {
		t.Fatalf("expected an empty Plan, got %+v", plan)
	}
}

func TestPlanRelocatesGrownSection(t *testing.T) {
	c := &Container{
		Data: make([]byte, 0x2000),
		Segments: []types.ProgramHeader{
			{Type: types.PT_LOAD, Offset: 0, VAddr: 0, FileSz: 0x2000, MemSz: 0x2000, Align: 0x1000},
		},
		Sections: []types.SectionHeader{
			{Type: types.SHT_STRTAB, Flags: types.SHF_ALLOC | types.SHF_WRITE, Offset: 0x100, Addr: 0x100, Size: 8, AddrAlign: 1},
		},
	}
	plan, err := c.plan([]growth{{index: 0, newData: make([]byte, 64)}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Relocations) != 1 {
		t.Fatalf("Relocations = %+v, want 1 entry", plan.Relocations)
	}
	reloc := plan.Relocations[0]
	if reloc.index != 0 {
		t.Fatalf("relocated index = %d, want 0", reloc.index)
	}
	if reloc.offset < uint64(len(c.Data)) {
		t.Fatalf("relocated offset %#x falls inside the original file (len %#x)", reloc.offset, len(c.Data))
	}
	if len(plan.NewSegments) != 1 {
		t.Fatalf("NewSegments = %+v, want 1", plan.NewSegments)
	}
	seg := plan.NewSegments[0]
	if seg.Flags != types.PF_R|types.PF_W {
		t.Fatalf("new segment flags = %#x, want R|W", seg.Flags)
	}
	if seg.Offset%seg.Align != 0 {
		t.Fatalf("new segment offset %#x not aligned to %#x", seg.Offset, seg.Align)
	}
	if seg.VAddr%seg.Align != 0 {
		t.Fatalf("new segment vaddr %#x not aligned to %#x", seg.VAddr, seg.Align)
	}
}

func TestPlanGroupsSectionsByPermissionFlags(t *testing.T) {
	c := &Container{
		Data: make([]byte, 0x3000),
		Segments: []types.ProgramHeader{
			{Type: types.PT_LOAD, Offset: 0, VAddr: 0, FileSz: 0x3000, MemSz: 0x3000, Align: 0x1000},
		},
		Sections: []types.SectionHeader{
			{Type: types.SHT_STRTAB, Flags: types.SHF_ALLOC, Offset: 0x100, Addr: 0x100, Size: 8, AddrAlign: 1},                      // read-only
			{Type: types.SHT_STRTAB, Flags: types.SHF_ALLOC | types.SHF_WRITE, Offset: 0x200, Addr: 0x200, Size: 8, AddrAlign: 1},    // read-write
		},
	}
	plan, err := c.plan([]growth{
		{index: 0, newData: make([]byte, 32)},
		{index: 1, newData: make([]byte, 32)},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.NewSegments) != 2 {
		t.Fatalf("expected two new segments (one per permission group), got %d: %+v", len(plan.NewSegments), plan.NewSegments)
	}
	seenFlags := map[uint32]bool{}
	for _, seg := range plan.NewSegments {
		seenFlags[seg.Flags] = true
	}
	if !seenFlags[types.PF_R] || !seenFlags[types.PF_R|types.PF_W] {
		t.Fatalf("expected one R-only and one R|W segment, got flag sets %+v", seenFlags)
	}
	// Every relocation must point into one of the two new segments, and
	// no two relocated sections may land at the same (offset, segment).
	seenOffsets := map[uint64]bool{}
	for _, r := range plan.Relocations {
		if r.newSegment < 0 || r.newSegment >= len(plan.NewSegments) {
			t.Fatalf("relocation %+v references out-of-range segment", r)
		}
		if seenOffsets[r.offset] {
			t.Fatalf("two relocations collided at offset %#x", r.offset)
		}
		seenOffsets[r.offset] = true
	}
}

func TestPlanRejectsImmovableSection(t *testing.T) {
	c := &Container{
		Data: make([]byte, 0x1000),
		Segments: []types.ProgramHeader{
			{Type: types.PT_LOAD, Offset: 0, VAddr: 0, FileSz: 0x1000, MemSz: 0x1000, Align: 0x1000},
		},
		Sections: []types.SectionHeader{
			{Type: types.SHT_DYNAMIC, Flags: types.SHF_ALLOC | types.SHF_WRITE, Offset: 0x100, Addr: 0x100, Size: 16, AddrAlign: 8},
		},
	}
	_, err := c.plan([]growth{{index: 0, newData: make([]byte, 32)}})
	if !arwenerr.Is(err, arwenerr.OverlappingImmovableSections) {
		t.Fatalf("expected OverlappingImmovableSections, got %v", err)
	}
}

func TestPlanMultipleGrowthsAppendContiguously(t *testing.T) {
	c := &Container{
		Data: make([]byte, 0x1000),
		Segments: []types.ProgramHeader{
			{Type: types.PT_LOAD, Offset: 0, VAddr: 0, FileSz: 0x1000, MemSz: 0x1000, Align: 0x1000},
		},
		Sections: []types.SectionHeader{
			{Type: types.SHT_STRTAB, Flags: types.SHF_ALLOC | types.SHF_WRITE, Offset: 0x100, Addr: 0x100, Size: 8, AddrAlign: 1},
			{Type: types.SHT_STRTAB, Flags: types.SHF_ALLOC | types.SHF_WRITE, Offset: 0x200, Addr: 0x200, Size: 8, AddrAlign: 1},
		},
	}
	plan, err := c.plan([]growth{
		{index: 0, newData: make([]byte, 40)},
		{index: 1, newData: make([]byte, 24)},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.NewSegments) != 1 {
		t.Fatalf("expected a single shared R|W segment, got %d", len(plan.NewSegments))
	}
	if len(plan.Relocations) != 2 {
		t.Fatalf("expected two relocations, got %d", len(plan.Relocations))
	}
	// Sorted by section index, so section 0's 40 bytes land before
	// section 1's, back-to-back within the new segment.
	var r0, r1 relocation
	for _, r := range plan.Relocations {
		switch r.index {
		case 0:
			r0 = r
		case 1:
			r1 = r
		}
	}
	if r1.offset != r0.offset+40 {
		t.Fatalf("second section not packed immediately after the first: r0=%+v r1=%+v", r0, r1)
	}
	seg := plan.NewSegments[0]
	if seg.FileSz != 40+24 {
		t.Fatalf("new segment FileSz = %d, want %d", seg.FileSz, 40+24)
	}
}
