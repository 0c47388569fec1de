package macho

import (
	"encoding/binary"
	"testing"

	"github.com/nichmor/arwen-go/macho/codesign"
	"github.com/nichmor/arwen-go/macho/types"
)

func segCmd(t *testing.T, name string, fileOff, fileSize uint64) []byte {
	t.Helper()
	s := &SegmentCommand{cmdBase: cmdBase{tag: types.LcSegment64}, Name: name, FileOff: fileOff, FileSize: fileSize, VMAddr: fileOff, VMSize: fileSize}
	b, err := s.Encode(binary.LittleEndian)
	if err != nil {
		t.Fatalf("encode segment: %v", err)
	}
	return b
}

func TestSignEmbedsSuperBlob(t *testing.T) {
	const textSize = 4096
	cmds := [][]byte{
		segCmd(t, "__TEXT", 0, textSize),
		segCmd(t, "__LINKEDIT", textSize, 0),
	}
	data := buildThin(t, cmds)
	// pad the file out to where __LINKEDIT begins, as a real binary would.
	if len(data) < textSize {
		grown := make([]byte, textSize)
		copy(grown, data)
		data = grown
	}

	c, err := ParseThin(data)
	if err != nil {
		t.Fatalf("ParseThin: %v", err)
	}

	if err := c.Sign(codesign.Options{Identifier: "com.example.tool"}); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	sigCmd := c.codeSignatureCommand()
	if sigCmd == nil {
		t.Fatal("expected an LC_CODE_SIGNATURE command after signing")
	}
	if int(sigCmd.DataOffset) != len(c.Data)-int(sigCmd.DataSize) {
		t.Fatalf("DataOffset %d inconsistent with file length %d and DataSize %d", sigCmd.DataOffset, len(c.Data), sigCmd.DataSize)
	}

	sig, err := c.Signature()
	if err != nil {
		t.Fatalf("Signature: %v", err)
	}
	if sig.CodeDirectory == nil || sig.CodeDirectory.Identifier != "com.example.tool" {
		t.Fatalf("unexpected CodeDirectory: %+v", sig.CodeDirectory)
	}

	linkedit := c.segment("__LINKEDIT")
	if linkedit.FileSize == 0 {
		t.Fatal("expected __LINKEDIT to grow to cover the signature")
	}
	if int(linkedit.FileOff+linkedit.FileSize) != len(c.Data) {
		t.Fatalf("__LINKEDIT no longer covers the trailing signature: off=%d size=%d total=%d", linkedit.FileOff, linkedit.FileSize, len(c.Data))
	}

	// re-signing an already-signed container must replace, not append,
	// the previous signature.
	lenAfterFirst := len(c.Data)
	if err := c.Sign(codesign.Options{Identifier: "com.example.tool"}); err != nil {
		t.Fatalf("re-Sign: %v", err)
	}
	if len(c.Data) != lenAfterFirst {
		t.Fatalf("re-signing with identical inputs changed file length: %d vs %d", len(c.Data), lenAfterFirst)
	}
}
