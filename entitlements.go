package macho

import (
	"encoding/binary"
	"fmt"
)

// Code signature blob magics, <Security/CSCommon.h>. Only the superblob
// index and the entitlement blob are interpreted; everything else in
// the signature is opaque to this library.
const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicEntitlements      = 0xfade7171
)

// EntitlementsXML returns the embedded entitlements plist, or nil when
// the binary is unsigned or carries no entitlements. The code
// signature is located through LC_CODE_SIGNATURE only; no further
// signature validation is attempted.
func (f *File) EntitlementsXML() ([]byte, error) {
	if f.codeSig == nil || f.codeSig.Size == 0 {
		return nil, nil
	}

	blob := make([]byte, f.codeSig.Size)
	if err := f.ReadAtOffset(blob, int64(f.codeSig.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read code signature: %w", err)
	}

	// Signature blobs are big-endian regardless of slice endianness.
	if len(blob) < 12 || binary.BigEndian.Uint32(blob) != csMagicEmbeddedSignature {
		return nil, &FormatError{int64(f.codeSig.Offset), "missing embedded signature superblob", nil}
	}
	count := binary.BigEndian.Uint32(blob[8:])

	for i := uint32(0); i < count; i++ {
		entry := 12 + 8*i
		if uint64(entry)+8 > uint64(len(blob)) {
			return nil, &FormatError{int64(f.codeSig.Offset), "signature superblob index truncated", nil}
		}
		offset := binary.BigEndian.Uint32(blob[entry+4:])
		if uint64(offset)+8 > uint64(len(blob)) {
			continue
		}
		if binary.BigEndian.Uint32(blob[offset:]) != csMagicEntitlements {
			continue
		}
		length := binary.BigEndian.Uint32(blob[offset+4:])
		if length < 8 || uint64(offset)+uint64(length) > uint64(len(blob)) {
			return nil, &FormatError{int64(f.codeSig.Offset), "entitlements blob truncated", nil}
		}
		return blob[offset+8 : uint64(offset)+uint64(length)], nil
	}

	return nil, nil
}
