// Package bootcrypto binds the platform's raw block/hash/verify
// primitives (platform.CryptoOps) to the byte-slice CBC/ECB operations the
// Footer Validator and Swap Engine need.
//
// AES key-schedule caching lives in the CryptoOps backend, not here: the
// backend owns the schedule, so it is the layer that can reuse it across
// calls with bitwise-equal key material (see bootcrypto/swcrypto). The
// cache is an optimisation, not a contract: every Facade method must
// produce identical output whether or not the backend's cache is primed,
// and bootcrypto_test.go's cold-vs-warm equivalence check enforces that.
package bootcrypto

import (
	"fmt"

	"openenterprise/securebootloader/platform"
)

const blockSize = 16

// Facade composes a platform.CryptoOps into the byte-slice operations the
// rest of the core uses. It holds no state of its own; callers that want
// the "single process-wide instance" shape of the embedded deployment can
// share one Facade value; tests use independent values per case.
type Facade struct {
	ops platform.CryptoOps
}

// New wraps ops in a Facade.
func New(ops platform.CryptoOps) *Facade {
	return &Facade{ops: ops}
}

// EncryptCBC AES-128-CBC encrypts plaintext under key with the given IV.
// len(plaintext) must be a multiple of the AES block size.
func (f *Facade) EncryptCBC(key, iv [16]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext)%blockSize != 0 {
		return nil, fmt.Errorf("bootcrypto: plaintext length %d is not block-aligned", len(plaintext))
	}
	out := make([]byte, len(plaintext))
	prev := iv
	for i := 0; i < len(plaintext); i += blockSize {
		var block [16]byte
		copy(block[:], plaintext[i:i+blockSize])
		xorBlock(&block, &prev)
		enc, err := f.ops.AES128EncryptBlock(key, block)
		if err != nil {
			return nil, err
		}
		copy(out[i:i+blockSize], enc[:])
		prev = enc
	}
	return out, nil
}

// DecryptCBC is the inverse of EncryptCBC: AES-128-CBC decrypts ciphertext
// under key with the given IV.
func (f *Facade) DecryptCBC(key, iv [16]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("bootcrypto: ciphertext length %d is not block-aligned", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	prev := iv
	for i := 0; i < len(ciphertext); i += blockSize {
		var block [16]byte
		copy(block[:], ciphertext[i:i+blockSize])
		dec, err := f.ops.AES128DecryptBlock(key, block)
		if err != nil {
			return nil, err
		}
		xorBlock(&dec, &prev)
		copy(out[i:i+blockSize], dec[:])
		prev = block
	}
	return out, nil
}

// EncryptECB AES-128-ECB encrypts plaintext block-by-block under key. Used
// only for the Active-to-Download whole-slot backup: deterministic and
// IV-free because the backup never leaves the device.
func (f *Facade) EncryptECB(key [16]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext)%blockSize != 0 {
		return nil, fmt.Errorf("bootcrypto: plaintext length %d is not block-aligned", len(plaintext))
	}
	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += blockSize {
		var block [16]byte
		copy(block[:], plaintext[i:i+blockSize])
		enc, err := f.ops.AES128EncryptBlock(key, block)
		if err != nil {
			return nil, err
		}
		copy(out[i:i+blockSize], enc[:])
	}
	return out, nil
}

// DecryptECB is the inverse of EncryptECB.
func (f *Facade) DecryptECB(key [16]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("bootcrypto: ciphertext length %d is not block-aligned", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += blockSize {
		var block [16]byte
		copy(block[:], ciphertext[i:i+blockSize])
		dec, err := f.ops.AES128DecryptBlock(key, block)
		if err != nil {
			return nil, err
		}
		copy(out[i:i+blockSize], dec[:])
	}
	return out, nil
}

// SHA256 hashes data through the platform's crypto ops.
func (f *Facade) SHA256(data []byte) ([32]byte, error) {
	return f.ops.SHA256(data)
}

// VerifyECDSAP256 verifies an ECDSA P-256 signature over digest.
func (f *Facade) VerifyECDSAP256(pubXY [64]byte, digest [32]byte, sig [64]byte) error {
	return f.ops.ECDSAVerifyP256(pubXY, digest, sig)
}

func xorBlock(dst, src *[16]byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
