// Package bootfooter locates and validates the firmware footer trailer
// appended to a staged update in the Download slot: it scans a slot
// backward for the magic trailer, hashes the payload, and verifies the
// ECDSA signature over that hash.
package bootfooter

import (
	"encoding/binary"
	"errors"

	"openenterprise/securebootloader/bootcrypto"
	"openenterprise/securebootloader/platform"
)

// FooterMagic is the ASCII "END!" trailer marker.
const FooterMagic uint32 = 0x454E4421

// FooterSize is sizeof(fw_footer_t): version(4) + size(4) + signature(64) + magic(4).
const FooterSize = 4 + 4 + 64 + 4

// Status is the outcome of Validate.
type Status int

const (
	Ok Status = iota
	FooterNotFound
	FooterBad
	ImageSizeBad
	VectorBad
	HashFail
	SigFail
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case FooterNotFound:
		return "FooterNotFound"
	case FooterBad:
		return "FooterBad"
	case ImageSizeBad:
		return "ImageSizeBad"
	case VectorBad:
		return "VectorBad"
	case HashFail:
		return "HashFail"
	case SigFail:
		return "SigFail"
	default:
		return "Unknown"
	}
}

// Sentinel errors mirroring Status, for callers that prefer errors.Is.
var (
	ErrFooterNotFound = errors.New("bootfooter: footer not found")
	ErrFooterBad      = errors.New("bootfooter: footer malformed")
	ErrImageSizeBad   = errors.New("bootfooter: image size exceeds slot")
	ErrVectorBad      = errors.New("bootfooter: vector table out of range")
	ErrHashFail       = errors.New("bootfooter: hash computation failed")
	ErrSigFail        = errors.New("bootfooter: signature verification failed")
)

func (s Status) Err() error {
	switch s {
	case Ok:
		return nil
	case FooterNotFound:
		return ErrFooterNotFound
	case FooterBad:
		return ErrFooterBad
	case ImageSizeBad:
		return ErrImageSizeBad
	case VectorBad:
		return ErrVectorBad
	case HashFail:
		return ErrHashFail
	case SigFail:
		return ErrSigFail
	default:
		return ErrFooterBad
	}
}

// Footer is the trailer appended after the encrypted firmware payload.
type Footer struct {
	Version   uint32
	Size      uint32 // bytes of IV‖ciphertext
	Signature [64]byte
	Magic     uint32
}

// UnmarshalBinary decodes a Footer from its little-endian on-flash
// layout. buf must be at least FooterSize bytes.
func (f *Footer) UnmarshalBinary(buf []byte) error {
	if len(buf) < FooterSize {
		return ErrFooterBad
	}
	f.Version = binary.LittleEndian.Uint32(buf[0:4])
	f.Size = binary.LittleEndian.Uint32(buf[4:8])
	copy(f.Signature[:], buf[8:72])
	f.Magic = binary.LittleEndian.Uint32(buf[72:76])
	return nil
}

// MarshalBinary encodes a Footer to its little-endian on-flash layout.
func (f Footer) MarshalBinary() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.Version)
	binary.LittleEndian.PutUint32(buf[4:8], f.Size)
	copy(buf[8:72], f.Signature[:])
	binary.LittleEndian.PutUint32(buf[72:76], f.Magic)
	return buf
}

// Locate scans a slot backward from slotBase+slotSize-4 toward slotBase in
// 4-byte strides looking for FooterMagic, returning the address of the
// first match (scanning from the end) whose implied footer start still
// fits within the slot. It returns false if no match is found.
//
// The scan walks an offset-from-slotBase counter, never a raw address, so
// it cannot underflow past slotBase the way a direct `addr >= slotBase`
// comparison on the absolute address can when slotBase is small.
func Locate(reader FlashReader, slotBase, slotSize uint32) (footerAddr uint32, ok bool) {
	if slotSize < 4 {
		return 0, false
	}
	var word [4]byte
	for off := slotSize - 4; ; off -= 4 {
		if err := reader.Read(slotBase+off, word[:]); err != nil {
			return 0, false
		}
		if binary.LittleEndian.Uint32(word[:]) == FooterMagic {
			// off is the offset of the magic word; the footer's base is
			// sizeof(Footer)-4 bytes earlier (the magic is the footer's
			// last field).
			if off+4 >= FooterSize {
				candidate := slotBase + off + 4 - FooterSize
				// The candidate footer must fit entirely within the
				// slot ahead of the magic word; true by construction
				// here, but guards against a truncated slot fixture
				// in tests.
				if candidate >= slotBase {
					return candidate, true
				}
			}
		}
		if off < 4 {
			break
		}
	}
	return 0, false
}

// FlashReader is the minimal read contract Locate/Validate need; it is
// satisfied by platform.Flash and by any read-only view over a slot.
type FlashReader interface {
	Read(addr uint32, buf []byte) error
}

// Validate locates the footer in [slotBase, slotBase+slotSize), checks its
// declared size against the slot, hashes the payload, and verifies the
// ECDSA signature embedded in the footer against pubXY.
func Validate(reader FlashReader, slotBase, slotSize uint32, crypto *bootcrypto.Facade, pubXY [64]byte) Status {
	footerAddr, ok := Locate(reader, slotBase, slotSize)
	if !ok {
		return FooterNotFound
	}
	raw := make([]byte, FooterSize)
	if err := reader.Read(footerAddr, raw); err != nil {
		return FooterNotFound
	}
	var footer Footer
	if err := footer.UnmarshalBinary(raw); err != nil {
		return FooterBad
	}
	if footer.Magic != FooterMagic {
		return FooterBad
	}
	if footer.Size > slotSize {
		return ImageSizeBad
	}

	payload := make([]byte, footer.Size)
	if err := reader.Read(slotBase, payload); err != nil {
		return HashFail
	}
	digest, err := crypto.SHA256(payload)
	if err != nil {
		return HashFail
	}

	if err := crypto.VerifyECDSAP256(pubXY, digest, footer.Signature); err != nil {
		return SigFail
	}
	return Ok
}

// ReadFooterAt reads and decodes the footer at a known address, for
// callers (bootswap) that have already located it via Validate's
// companion Locate call and need the decoded fields (Version, Size).
func ReadFooterAt(reader FlashReader, footerAddr uint32) (Footer, error) {
	raw := make([]byte, FooterSize)
	if err := reader.Read(footerAddr, raw); err != nil {
		return Footer{}, err
	}
	var f Footer
	if err := f.UnmarshalBinary(raw); err != nil {
		return Footer{}, err
	}
	return f, nil
}

// ensure platform.Flash satisfies FlashReader without an import cycle
// (platform does not depend on bootfooter).
var _ FlashReader = platform.Flash(nil)
