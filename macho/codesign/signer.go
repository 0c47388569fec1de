package codesign

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/internal/bcodec"
)

// Options configures an ad-hoc signing pass. There is no Team/Authority
// field because ad-hoc signatures (codesign's "-s -") carry no identity —
// CMSSignature is always left empty.
type Options struct {
	Identifier string

	// HardenedRuntime sets CS_RUNTIME, mirroring `codesign --options runtime`.
	HardenedRuntime bool

	// LinkerSigned marks the signature as produced by a linker rather
	// than a standalone signing tool; some re-signing tools set this
	// when replacing a linker-built ad-hoc signature in place.
	LinkerSigned bool

	// Entitlements, if non-nil, is embedded as an entitlements blob
	// (CSSLOT_ENTITLEMENTS) alongside the CodeDirectory.
	Entitlements []byte

	// ExecSegBase/ExecSegLimit locate the executable segment (__TEXT)
	// within the file, recorded in the CodeDirectory's exec-seg fields.
	ExecSegBase  uint64
	ExecSegLimit uint64
	MainBinary   bool
}

// Unsigned is the input to the signing pipeline: the complete file
// contents up to (but not including) where the signature blob will be
// appended, plus the page size to hash at.
type Unsigned struct {
	CodeData []byte
	PageSize int
}

// Prepared holds the fixed-size portions of the blobs to build, before
// page hashing runs.
type Prepared struct {
	Unsigned
	Options Options
}

// Prepare validates options and returns a Prepared value ready for
// (*Prepared).Hash.
func Prepare(codeData []byte, pageSize int, opts Options) (*Prepared, error) {
	if opts.Identifier == "" {
		return nil, arwenerr.New(arwenerr.InvalidOperation, "codesign.Prepare: identifier must not be empty")
	}
	if pageSize <= 0 {
		pageSize = types_CS_PAGE_SIZE
	}
	return &Prepared{Unsigned: Unsigned{CodeData: codeData, PageSize: pageSize}, Options: opts}, nil
}

const types_CS_PAGE_SIZE = 4096

// DefaultPageSize is the page size almost every ad-hoc signature hashes
// against; callers with an unusual segment alignment may override it via
// Prepare's pageSize argument.
const DefaultPageSize = types_CS_PAGE_SIZE

// Hashed is a Prepared signature after page hashing has run.
type Hashed struct {
	Prepared
	PageHashes       [][]byte
	IdentityHash     []byte // the "special slot" hash of the identifier, unused by ad-hoc signing but kept for parity
}

// Hash computes the SHA-256 page-hash table over p.CodeData.
func (p *Prepared) Hash() *Hashed {
	return &Hashed{
		Prepared:   *p,
		PageHashes: pageHashesFor(p.CodeData, p.PageSize),
	}
}

// Signed is the final built SuperBlob, ready to be written into a Mach-O
// file's __LINKEDIT region and pointed to by LC_CODE_SIGNATURE.
type Signed struct {
	SuperBlob []byte
	CDHash    []byte
}

// Sign builds the ad-hoc embedded-signature SuperBlob: a CodeDirectory
// blob (with the page-hash table computed in Hash), an optional
// entitlements blob, and the index that ties them together. No
// CMSSignature blob is produced — ad-hoc signatures are unsigned by
// definition.
func (h *Hashed) Sign() (*Signed, error) {
	o := binary.BigEndian

	identBytes := append([]byte(h.Options.Identifier), 0)
	const cdFixedSize = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 1 + 1 + 1 + 1 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8
	identOffset := cdFixedSize
	hashSize := 32 // SHA-256

	// Special slots occupy fixed ordinals (CSSLOT_REQUIREMENTS = 2,
	// CSSLOT_ENTITLEMENTS = 5, ...) regardless of which ones this
	// signature actually populates: embedding an entitlements blob means
	// reserving slots 1-4 as zero hashes so slot 5 lands at its correct,
	// fixed offset before hashOffset.
	nSpecialSlots := 0
	if h.Options.Entitlements != nil {
		nSpecialSlots = 5 // CSSLOT_ENTITLEMENTS
	}
	specialSlotsSize := nSpecialSlots * hashSize
	hashOffset := identOffset + len(identBytes) + specialSlotsSize
	cdLength := hashOffset + hashSize*len(h.PageHashes)

	cd := make([]byte, cdLength)
	bcodec.WriteU32(cd, 0, o, 0xfade0c02) // CSMAGIC_CODEDIRECTORY
	bcodec.WriteU32(cd, 4, o, uint32(cdLength))
	bcodec.WriteU32(cd, 8, o, 0x20400) // CS_SUPPORTS_EXECSEG
	flags := uint32(0x2)               // CS_ADHOC
	if h.Options.HardenedRuntime {
		flags |= 0x10000 // CS_RUNTIME
	}
	if h.Options.LinkerSigned {
		flags |= 0x20000 // CS_LINKER_SIGNED
	}
	bcodec.WriteU32(cd, 12, o, flags)
	bcodec.WriteU32(cd, 16, o, uint32(hashOffset))
	bcodec.WriteU32(cd, 20, o, uint32(identOffset))
	bcodec.WriteU32(cd, 24, o, uint32(nSpecialSlots))
	bcodec.WriteU32(cd, 28, o, uint32(len(h.PageHashes)))
	bcodec.WriteU32(cd, 32, o, uint32(len(h.CodeData)))
	cd[36] = byte(hashSize)
	cd[37] = 2 // CS_HASHTYPE_SHA256
	cd[38] = 0 // platform
	cd[39] = byte(bits.TrailingZeros(uint(h.PageSize)))
	bcodec.WriteU32(cd, 40, o, 0) // spare2
	bcodec.WriteU32(cd, 44, o, 0) // scatterOffset
	bcodec.WriteU32(cd, 48, o, 0) // teamOffset
	bcodec.WriteU32(cd, 52, o, 0) // spare3
	bcodec.WriteU64(cd, 56, o, uint64(len(h.CodeData)))
	bcodec.WriteU64(cd, 64, o, h.Options.ExecSegBase)
	bcodec.WriteU64(cd, 72, o, h.Options.ExecSegLimit)
	var execFlags uint64
	if h.Options.MainBinary {
		execFlags |= 0x1 // CS_EXECSEG_MAIN_BINARY
	}
	bcodec.WriteU64(cd, 80, o, execFlags)

	copy(cd[identOffset:], identBytes)

	// Special slots: zeroed by default (cd is already zero-initialized),
	// slot N's hash at cd[hashOffset-N*hashSize : hashOffset-(N-1)*hashSize].
	if h.Options.Entitlements != nil {
		entHash := sha256.Sum256(h.Options.Entitlements)
		const entitlementsSlot = 5
		start := hashOffset - entitlementsSlot*hashSize
		copy(cd[start:start+hashSize], entHash[:])
	}

	for i, hash := range h.PageHashes {
		copy(cd[hashOffset+i*hashSize:], hash)
	}

	blobs := [][]byte{cd}
	slots := []uint32{0} // CSSLOT_CODEDIRECTORY
	if h.Options.Entitlements != nil {
		ent := buildBlob(0xfade7171, h.Options.Entitlements)
		blobs = append(blobs, ent)
		slots = append(slots, 5) // CSSLOT_ENTITLEMENTS
	}

	count := len(blobs)
	indexSize := count * 8
	headerSize := 12
	offset := headerSize + indexSize
	offsets := make([]uint32, count)
	for i, b := range blobs {
		offsets[i] = uint32(offset)
		offset += len(b)
	}
	total := offset

	out := make([]byte, total)
	bcodec.WriteU32(out, 0, o, 0xfade0cc0) // CSMAGIC_EMBEDDED_SIGNATURE
	bcodec.WriteU32(out, 4, o, uint32(total))
	bcodec.WriteU32(out, 8, o, uint32(count))
	idxOff := headerSize
	for i := range blobs {
		bcodec.WriteU32(out, idxOff, o, slots[i])
		bcodec.WriteU32(out, idxOff+4, o, offsets[i])
		idxOff += 8
	}
	for i, b := range blobs {
		copy(out[offsets[i]:], b)
	}

	return &Signed{SuperBlob: out, CDHash: cdHash(cd)}, nil
}

func buildBlob(magic uint32, payload []byte) []byte {
	o := binary.BigEndian
	out := make([]byte, 8+len(payload))
	bcodec.WriteU32(out, 0, o, magic)
	bcodec.WriteU32(out, 4, o, uint32(len(out)))
	copy(out[8:], payload)
	return out
}

// cdHash returns the CodeDirectory's identifying hash (the "cdhash" shown
// by `codesign -d`): the SHA-256 of the CodeDirectory blob, truncated to
// CS_CDHASH_LEN (20 bytes).
func cdHash(cd []byte) []byte {
	full := sha256.Sum256(cd)
	return full[:20]
}
