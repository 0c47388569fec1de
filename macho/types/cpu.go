package types

import "fmt"

// CPU is the Mach-O cpu_type_t. Only the architectures actually seen in
// shipping binaries are named; anything else prints numerically.
type CPU uint32

const (
	CPUArchMask CPU = 0xff000000
	CPUArch64   CPU = 0x01000000
	CPUArch3264 CPU = 0x02000000

	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | CPUArch64
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | CPUArch64
	CPUPpc   CPU = 18
	CPUPpc64 CPU = CPUPpc | CPUArch64
)

var cpuStrings = map[CPU]string{
	CPU386:   "386",
	CPUAmd64: "amd64",
	CPUArm:   "arm",
	CPUArm64: "arm64",
	CPUPpc:   "ppc",
	CPUPpc64: "ppc64",
}

func (c CPU) String() string {
	if s, ok := cpuStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("CPU(0x%x)", uint32(c))
}

func (c CPU) GoString() string { return c.String() }

// CPUSubtype is the cpu_subtype_t paired with a CPU. Subtypes are
// architecture-specific; only the constants the patcher needs to print are
// named, the rest fall back to the numeric form.
type CPUSubtype uint32

const (
	CPUSubtypeX86All   CPUSubtype = 3
	CPUSubtypeX8664All CPUSubtype = 3
	CPUSubtypeArmAll   CPUSubtype = 0
	CPUSubtypeArm64All CPUSubtype = 0
	CPUSubtypeArm64E   CPUSubtype = 2

	// CPUSubtypeLib64 is a capability bit overlaid onto the subtype field
	// for 64-bit ABI selection, mirrored from <mach/machine.h>.
	CPUSubtypeLib64 CPUSubtype = 0x80000000
)

func (s CPUSubtype) String(cpu CPU) string {
	switch cpu {
	case CPUAmd64, CPU386:
		if s&^CPUSubtypeLib64 == CPUSubtypeX86All {
			return "x86_all"
		}
	case CPUArm64:
		switch s &^ CPUSubtypeLib64 {
		case CPUSubtypeArm64All:
			return "arm64_all"
		case CPUSubtypeArm64E:
			return "arm64e"
		}
	case CPUArm:
		if s == CPUSubtypeArmAll {
			return "arm_all"
		}
	}
	return fmt.Sprintf("CPUSubtype(0x%x)", uint32(s))
}

// IntName maps a bit or enum value to a symbolic name using the (value,
// name) table names, optionally rendering unmatched bits in Go syntax.
// Carried over from the teacher's types.IntName/StringName helper, kept
// under its original exported spelling so table-driven flag printing stays
// consistent between packages.
type IntName struct {
	I uint32
	S string
}

// StringName returns the name of the entry in names whose value equals i
// exactly; combined flag bits are not split into their individual names.
// When nothing matches, goSyntax renders i as a Go hex literal instead of
// a decimal number.
func StringName(i uint32, names []IntName, goSyntax bool) string {
	for _, n := range names {
		if n.I == i {
			return n.S
		}
	}
	if goSyntax {
		return fmt.Sprintf("0x%x", i)
	}
	return fmt.Sprintf("%d", i)
}
