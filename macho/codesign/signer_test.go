package codesign

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

// These tests assert the SuperBlob's own internal structure is
// self-consistent (magic numbers, blob count, page-hash count matching
// the code data length) — they do not shell out to `codesign -v`, since
// this patcher only ever produces ad-hoc, unsigned signatures and has no
// way to invoke Apple's verifier in a sandboxed test run.
func TestSignBuildsParsableSuperBlob(t *testing.T) {
	code := bytes.Repeat([]byte{0xAB}, 4096*3+17)
	p, err := Prepare(code, 4096, Options{Identifier: "com.example.tool", MainBinary: true, ExecSegLimit: uint64(len(code))})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	signed, err := p.Hash().Sign()
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	sig, err := Parse(signed.SuperBlob)
	if err != nil {
		t.Fatalf("Parse(signed SuperBlob): %v", err)
	}
	if sig.CodeDirectory == nil {
		t.Fatal("parsed signature has no CodeDirectory")
	}
	if sig.CodeDirectory.Identifier != "com.example.tool" {
		t.Fatalf("Identifier = %q", sig.CodeDirectory.Identifier)
	}
	wantSlots := 4 // 3 full pages + 1 partial
	if got := len(sig.CodeDirectory.PageHashes); got != wantSlots {
		t.Fatalf("NCodeSlots = %d, want %d", got, wantSlots)
	}
	if len(signed.CDHash) != 20 {
		t.Fatalf("CDHash length = %d, want 20", len(signed.CDHash))
	}
}

func TestSignRejectsEmptyIdentifier(t *testing.T) {
	if _, err := Prepare([]byte("x"), 4096, Options{}); err == nil {
		t.Fatal("expected an error for an empty identifier")
	}
}

func TestSignWithEntitlements(t *testing.T) {
	code := []byte("hello world")
	ents := []byte(`<?xml version="1.0"?><plist></plist>`)
	p, err := Prepare(code, 4096, Options{Identifier: "com.example.app", Entitlements: ents})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	signed, err := p.Hash().Sign()
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig, err := Parse(signed.SuperBlob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Contains(sig.Entitlements, ents) {
		t.Fatalf("entitlements blob does not contain original payload")
	}

	if got := sig.CodeDirectory.Header.NSpecialSlots; got != 5 {
		t.Fatalf("NSpecialSlots = %d, want 5 (CSSLOT_ENTITLEMENTS)", got)
	}
	if len(sig.CodeDirectory.SpecialSlotHashes) != 5 {
		t.Fatalf("SpecialSlotHashes has %d entries, want 5", len(sig.CodeDirectory.SpecialSlotHashes))
	}
	want := sha256.Sum256(ents)
	got := sig.CodeDirectory.SpecialSlotHashes[4] // index 4 = slot 5 (CSSLOT_ENTITLEMENTS)
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("entitlements special-slot hash mismatch: got %x, want %x", got, want)
	}
	for i, h := range sig.CodeDirectory.SpecialSlotHashes[:4] {
		if !bytes.Equal(h, make([]byte, 32)) {
			t.Fatalf("special slot %d expected to be zero (unpopulated), got %x", i+1, h)
		}
	}
}

func TestSignWithoutEntitlementsHasNoSpecialSlots(t *testing.T) {
	code := []byte("hello world")
	p, err := Prepare(code, 4096, Options{Identifier: "com.example.app"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	signed, err := p.Hash().Sign()
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig, err := Parse(signed.SuperBlob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := sig.CodeDirectory.Header.NSpecialSlots; got != 0 {
		t.Fatalf("NSpecialSlots = %d, want 0", got)
	}
}
