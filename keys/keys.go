// Package keys holds the bootloader's compile-time key material: the
// ECDSA P-256 public key used to verify staged firmware, and the AES-128
// secret used to decrypt a staged update and to encrypt/decrypt the Active
// backup. The real values are provisioned once at build/manufacturing
// time and never change at runtime.
//
// The Default* material below is a development placeholder, not a
// shipped secret. Production builds must supply their own key material
// (e.g. via a build-tag-gated file not checked into the open part of the
// tree).
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
)

// DefaultSymmetric is a fixed, publicly-known AES-128 key used only by
// tests and the cmd/bootsim demo tool. It must never be used to protect a
// real device.
var DefaultSymmetric = [16]byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
}

// PublicKeyXY holds the big-endian x‖y coordinates of an ECDSA P-256 public
// key, exactly the 64-byte layout firmware footers are signed against.
type PublicKeyXY [64]byte

// KeyPair is a development signing keypair: the private key used by
// cmd/bootsim to sign a staged image, and the embedded public key the
// bootloader core verifies against.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Public  PublicKeyXY
}

// GenerateDevelopmentKeyPair mints a throwaway P-256 keypair. It exists so
// tests and the demo tool can sign fixtures without a production key
// provisioning service (explicitly out of scope for the core); it is
// never the shipped key.
func GenerateDevelopmentKeyPair() (KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: PublicKeyXYFromPoint(priv.X, priv.Y)}, nil
}

// PublicKeyXYFromPoint packs a P-256 public point into the 32-byte x‖32-byte
// y layout used on the wire.
func PublicKeyXYFromPoint(x, y *big.Int) PublicKeyXY {
	var out PublicKeyXY
	x.FillBytes(out[:32])
	y.FillBytes(out[32:])
	return out
}
