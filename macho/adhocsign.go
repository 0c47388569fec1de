package macho

import (
	"github.com/nichmor/arwen-go/arwenerr"
	"github.com/nichmor/arwen-go/internal/bcodec"
	"github.com/nichmor/arwen-go/macho/codesign"
	"github.com/nichmor/arwen-go/macho/types"
)

func (c *Container) segment(name string) *SegmentCommand {
	for _, cmd := range c.Commands {
		if s, ok := cmd.(*SegmentCommand); ok && s.Name == name {
			return s
		}
	}
	return nil
}

func (c *Container) codeSignatureCommand() *CodeSignatureCommand {
	for _, cmd := range c.Commands {
		if s, ok := cmd.(*CodeSignatureCommand); ok && s.Tag() == types.LcCodeSignature {
			return s
		}
	}
	return nil
}

// Sign computes and embeds an ad-hoc code signature covering the
// container's current contents, replacing any existing LC_CODE_SIGNATURE
// and the __LINKEDIT bytes it pointed at. __LINKEDIT must be the
// trailing segment — signing a container whose __LINKEDIT is not last is
// rejected, matching the invariant real Mach-O loaders and codesign
// itself enforce (see spec's LinkeditNotTrailing).
func (c *Container) Sign(opts codesign.Options) error {
	linkedit := c.segment("__LINKEDIT")
	if linkedit == nil {
		return arwenerr.New(arwenerr.CodesignMissing, "macho.Sign: no __LINKEDIT segment")
	}
	if int(linkedit.FileOff+linkedit.FileSize) != len(c.Data) {
		existing := c.codeSignatureCommand()
		if existing == nil || int(linkedit.FileOff+linkedit.FileSize) < len(c.Data) {
			return arwenerr.New(arwenerr.LinkeditNotTrailing, "macho.Sign")
		}
	}

	existing := c.codeSignatureCommand()
	codeLimit := len(c.Data)
	if existing != nil {
		codeLimit = int(existing.DataOffset)
	}
	codeLimit = int(bcodec.AlignUp(uint64(codeLimit), 16))

	codeData := make([]byte, codeLimit)
	copy(codeData, c.Data[:codeLimit])

	if text := c.segment("__TEXT"); text != nil {
		opts.ExecSegBase = text.FileOff
		opts.ExecSegLimit = text.FileSize
	}
	opts.MainBinary = c.Header.Type == types.MH_EXECUTE

	prep, err := codesign.Prepare(codeData, codesign.DefaultPageSize, opts)
	if err != nil {
		return arwenerr.Wrap(arwenerr.InvalidOperation, "macho.Sign", err)
	}
	signed, err := prep.Hash().Sign()
	if err != nil {
		return arwenerr.Wrap(arwenerr.Io, "macho.Sign", err)
	}

	newData := make([]byte, codeLimit, codeLimit+len(signed.SuperBlob))
	copy(newData, c.Data[:codeLimit])
	newData = append(newData, signed.SuperBlob...)

	linkedit.FileSize = uint64(len(newData)) - linkedit.FileOff
	linkedit.VMSize = bcodec.AlignUp(linkedit.FileSize, 0x1000)
	segBytes, err := linkedit.Encode(c.Order)
	if err != nil {
		return arwenerr.Wrap(arwenerr.Io, "macho.Sign", err)
	}
	copy(newData[linkedit.Offset():linkedit.Offset()+int(linkedit.Size())], segBytes)

	if existing != nil {
		existing.DataOffset = uint32(codeLimit)
		existing.DataSize = uint32(len(signed.SuperBlob))
		cmdBytes, err := existing.Encode(c.Order)
		if err != nil {
			return arwenerr.Wrap(arwenerr.Io, "macho.Sign", err)
		}
		copy(newData[existing.Offset():existing.Offset()+int(existing.Size())], cmdBytes)
		c.Data = newData
	} else {
		hdr := c.Header
		cmd := &CodeSignatureCommand{
			cmdBase:    cmdBase{tag: types.LcCodeSignature},
			DataOffset: uint32(codeLimit),
			DataSize:   uint32(len(signed.SuperBlob)),
		}
		encoded, err := cmd.Encode(c.Order)
		if err != nil {
			return arwenerr.Wrap(arwenerr.Io, "macho.Sign", err)
		}
		insertOffset := c.headerSize() + int(hdr.SizeCommands)
		c.Data = insertCommandAt(newData, &hdr, c.headerSize(), insertOffset, encoded, c.Order)
	}

	return c.reparse()
}

// Signature returns the container's currently embedded signature, or
// CodesignMissing if it carries none.
func (c *Container) Signature() (*codesign.Signature, error) {
	existing := c.codeSignatureCommand()
	if existing == nil {
		return nil, arwenerr.New(arwenerr.CodesignMissing, "macho.Signature")
	}
	blob := c.Data[existing.DataOffset : existing.DataOffset+existing.DataSize]
	return codesign.Parse(blob)
}
