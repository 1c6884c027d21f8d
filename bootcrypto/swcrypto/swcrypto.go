// Package swcrypto is a software platform.CryptoOps backend built on Go's
// standard crypto packages: platform-independent, so any target can use
// it as a baseline, and targets with hardware accelerators can replace
// individual ops. platform/simulator and cmd/bootsim both use it.
package swcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
)

// ErrVerifyFailed is returned by ECDSAVerifyP256 when the signature does
// not validate.
var ErrVerifyFailed = errors.New("swcrypto: ecdsa signature verification failed")

// Backend implements platform.CryptoOps using crypto/aes, crypto/sha256
// and crypto/ecdsa.
//
// The AES key schedule is cached so that repeated calls with the same key
// (thousands of blocks during a slot decrypt) do not re-expand the key on
// every block. The cache is keyed on bitwise-equal key material and is an
// optimisation only; output is identical either way.
type Backend struct {
	schedKey [16]byte
	sched    cipher.Block
}

// New returns a software CryptoOps backend with a cold key-schedule cache.
func New() *Backend { return &Backend{} }

func (b *Backend) schedule(key [16]byte) (cipher.Block, error) {
	if b.sched != nil && b.schedKey == key {
		return b.sched, nil
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	b.schedKey = key
	b.sched = block
	return block, nil
}

// AES128EncryptBlock encrypts a single 16-byte block under key.
func (b *Backend) AES128EncryptBlock(key, in [16]byte) (out [16]byte, err error) {
	block, err := b.schedule(key)
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], in[:])
	return out, nil
}

// AES128DecryptBlock decrypts a single 16-byte block under key.
func (b *Backend) AES128DecryptBlock(key, in [16]byte) (out [16]byte, err error) {
	block, err := b.schedule(key)
	if err != nil {
		return out, err
	}
	block.Decrypt(out[:], in[:])
	return out, nil
}

// SHA256 hashes data in one shot.
func (b *Backend) SHA256(data []byte) (digest [32]byte, err error) {
	return sha256.Sum256(data), nil
}

// ECDSAVerifyP256 verifies an ECDSA P-256 signature over hash, where pubXY
// is the big-endian x‖y public key and sig is the big-endian r‖s
// signature, both 64 bytes as laid out in the firmware footer.
func (b *Backend) ECDSAVerifyP256(pubXY [64]byte, hash [32]byte, sig [64]byte) error {
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(pubXY[:32])
	y := new(big.Int).SetBytes(pubXY[32:])
	if !curve.IsOnCurve(x, y) {
		return ErrVerifyFailed
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, hash[:], r, s) {
		return ErrVerifyFailed
	}
	return nil
}

// SignP256 produces a big-endian r‖s signature over hash using priv. Used
// only by tests and cmd/bootsim to build fixtures/staged images; the core
// never signs anything.
func SignP256(priv *ecdsa.PrivateKey, hash [32]byte) (sig [64]byte, err error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		return sig, err
	}
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}
