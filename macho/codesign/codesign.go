// Package codesign builds and parses ad-hoc Mach-O code signatures: the
// embedded-signature SuperBlob, its CodeDirectory (with SHA-256 page
// hashes over the signed region), and an optional entitlements blob.
// Real-identity signing (a CMS signature blob backed by a certificate) is
// out of scope — every signature this package produces is unsigned/ad-hoc,
// matching codesign's own "-s -" convention.
//
// Grounded on the teacher's codesign.go (ParseCodeSignature's SuperBlob /
// BlobIndex decode loop) and types/codesign.go's struct layout, extended
// with a builder side the teacher's read-only package never needed.
package codesign

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/internal/bcodec"
	"github.com/nichmor/arwen-go/macho/types"
)

// Signature is a parsed embedded-signature SuperBlob.
type Signature struct {
	CodeDirectory *CodeDirectory
	Requirements  []byte
	Entitlements  []byte
	CMSSignature  []byte
}

// CodeDirectory is a parsed CsCodeDirectory plus its identifier string and
// page-hash table.
type CodeDirectory struct {
	Header     types.CsCodeDirectory
	Identifier string
	PageHashes [][]byte

	// SpecialSlotHashes holds the hashes stored immediately before
	// HashOffset, one per populated special slot: index 0 is slot 1
	// (info.plist), ..., index len-1 is slot Header.NSpecialSlots. A
	// slot whose blob is absent (e.g. no requirements) is still present
	// here as an all-zero hash, matching the fixed-position layout
	// Apple's special slots use.
	SpecialSlotHashes [][]byte
}

// Parse decodes an embedded-signature SuperBlob (the data pointed to by an
// LC_CODE_SIGNATURE command). Byte order is always big-endian: code
// signing blobs are defined network-byte-order regardless of the Mach-O's
// own endianness.
func Parse(data []byte) (*Signature, error) {
	o := binary.BigEndian
	if len(data) < types.CsSuperBlobSize {
		return nil, arwenerr.Wrap(arwenerr.Parse, "codesign.Parse", &bcodec.ErrShortBuffer{Op: "SuperBlob", Offset: 0, Need: types.CsSuperBlobSize, HaveSize: len(data)})
	}
	magic, _ := bcodec.ReadU32(data, 0, o)
	if types.CsMagic(magic) != types.CSMAGIC_EMBEDDED_SIGNATURE {
		return nil, arwenerr.New(arwenerr.Parse, "codesign.Parse: not an embedded signature blob")
	}
	count, err := bcodec.ReadU32(data, 8, o)
	if err != nil {
		return nil, arwenerr.Wrap(arwenerr.Parse, "codesign.Parse", err)
	}

	sig := &Signature{}
	r := bufio.NewReader(bytes.NewReader(data[types.CsSuperBlobSize:]))
	for i := uint32(0); i < count; i++ {
		var idx [types.CsBlobIndexSize]byte
		if _, err := r.Read(idx[:]); err != nil {
			return nil, arwenerr.Wrap(arwenerr.Parse, "codesign.Parse(index)", err)
		}
		slot := types.CsSlotType(o.Uint32(idx[0:]))
		off := o.Uint32(idx[4:])
		if int(off) >= len(data) {
			return nil, arwenerr.New(arwenerr.Parse, fmt.Sprintf("codesign.Parse: slot %s offset out of range", slot))
		}
		blob := data[off:]

		switch slot {
		case types.CSSLOT_CODEDIRECTORY:
			cd, err := parseCodeDirectory(blob)
			if err != nil {
				return nil, err
			}
			sig.CodeDirectory = cd
		case types.CSSLOT_REQUIREMENTS:
			sig.Requirements = cloneBlob(blob)
		case types.CSSLOT_ENTITLEMENTS:
			sig.Entitlements = cloneBlob(blob)
		case types.CSSLOT_CMS_SIGNATURE:
			sig.CMSSignature = cloneBlob(blob)
		}
	}
	return sig, nil
}

func cloneBlob(b []byte) []byte {
	o := binary.BigEndian
	length := o.Uint32(b[4:8])
	out := make([]byte, length)
	copy(out, b[:length])
	return out
}

func parseCodeDirectory(b []byte) (*CodeDirectory, error) {
	o := binary.BigEndian
	var h types.CsCodeDirectory
	magic, _ := bcodec.ReadU32(b, 0, o)
	h.Magic = types.CsMagic(magic)
	length, _ := bcodec.ReadU32(b, 4, o)
	h.Length = length
	version, _ := bcodec.ReadU32(b, 8, o)
	h.Version = types.CDVersion(version)
	flags, _ := bcodec.ReadU32(b, 12, o)
	h.Flags = types.CsCodeDirectoryFlag(flags)
	h.HashOffset, _ = bcodec.ReadU32(b, 16, o)
	h.IdentOffset, _ = bcodec.ReadU32(b, 20, o)
	h.NSpecialSlots, _ = bcodec.ReadU32(b, 24, o)
	h.NCodeSlots, _ = bcodec.ReadU32(b, 28, o)
	h.CodeLimit, _ = bcodec.ReadU32(b, 32, o)
	h.HashSize = b[36]
	h.HashType = types.CsHashType(b[37])
	h.Platform = b[38]
	h.PageSize = b[39]

	ident, err := bcodec.ReadCString(b, int(h.IdentOffset))
	if err != nil {
		return nil, arwenerr.Wrap(arwenerr.Parse, "codesign.parseCodeDirectory(identifier)", err)
	}

	hashes := make([][]byte, 0, h.NCodeSlots)
	hashSize := int(h.HashSize)
	base := int(h.HashOffset)
	for i := uint32(0); i < h.NCodeSlots; i++ {
		start := base + int(i)*hashSize
		if start+hashSize > len(b) {
			break
		}
		hash := make([]byte, hashSize)
		copy(hash, b[start:start+hashSize])
		hashes = append(hashes, hash)
	}

	special := make([][]byte, 0, h.NSpecialSlots)
	for slot := 1; slot <= int(h.NSpecialSlots); slot++ {
		start := base - slot*hashSize
		if start < 0 || start+hashSize > len(b) {
			break
		}
		hash := make([]byte, hashSize)
		copy(hash, b[start:start+hashSize])
		special = append(special, hash)
	}

	return &CodeDirectory{Header: h, Identifier: string(ident), PageHashes: hashes, SpecialSlotHashes: special}, nil
}

// identifierFromIdent strips any trailing NUL padding a caller-supplied
// identifier might carry, mirroring strings.TrimRight use elsewhere in the
// teacher's string-table handling.
func identifierFromIdent(s string) string {
	return strings.TrimRight(s, "\x00")
}

func pageHashesFor(data []byte, pageSize int) [][]byte {
	var hashes [][]byte
	for off := 0; off < len(data); off += pageSize {
		end := off + pageSize
		if end > len(data) {
			end = len(data)
		}
		sum := sha256.Sum256(data[off:end])
		hashes = append(hashes, sum[:])
	}
	return hashes
}
