// Package arwenerr defines the typed error kinds shared by the macho and
// elf packages (spec §7) and the chain-printing helper the CLI uses to
// report them.
//
// Kinds are deliberately a closed, small enum rather than per-call sentinel
// values, because the CLI and the Python/other bindings only ever need to
// branch on "what kind of failure was this", not on which specific call
// site produced it — the wrapped error and the Op string carry that detail.
package arwenerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error kinds named in spec.md §7.
type Kind int

const (
	Unknown Kind = iota
	Io
	Parse
	UnknownMagic
	UnsupportedFatMember
	UnknownEndian
	RpathMissing
	DylibNameMissing
	DylibIDMissing
	InvalidOperation
	InvalidOsAbi
	InvalidPageSize
	OverlappingImmovableSections
	CodesignMissing
	LinkeditNotTrailing
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Parse:
		return "parse"
	case UnknownMagic:
		return "unknown magic"
	case UnsupportedFatMember:
		return "unsupported fat member"
	case UnknownEndian:
		return "unknown endian"
	case RpathMissing:
		return "rpath missing"
	case DylibNameMissing:
		return "dylib name missing"
	case DylibIDMissing:
		return "dylib id missing"
	case InvalidOperation:
		return "invalid operation"
	case InvalidOsAbi:
		return "invalid os abi"
	case InvalidPageSize:
		return "invalid page size"
	case OverlappingImmovableSections:
		return "overlapping immovable sections"
	case CodesignMissing:
		return "codesign missing"
	case LinkeditNotTrailing:
		return "__LINKEDIT not trailing"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by every exported operation in
// the macho and elf packages. Op names the failing operation
// (e.g. "macho.ChangeRpath"); Err is the proximate cause, possibly itself
// wrapped with github.com/pkg/errors so that Chain can walk further back.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap lets errors.Is / errors.As and github.com/pkg/errors.Cause see
// through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no further cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error around an existing cause, adding a stack via
// github.com/pkg/errors so that Chain has something to report beyond the
// immediate message.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return New(kind, op)
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(cause)}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Chain walks err's cause chain and returns one line per link, head error
// first, matching spec.md §7's "head error then caused-by chain, one per
// line" CLI output contract.
func Chain(err error) []string {
	var lines []string
	for err != nil {
		lines = append(lines, singleLine(err))
		err = errors.Unwrap(err)
	}
	return lines
}

func singleLine(err error) string {
	if e, ok := err.(*Error); ok {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return err.Error()
}
