package bootfooter_test

import (
	"testing"

	"openenterprise/securebootloader/bootcrypto"
	"openenterprise/securebootloader/bootcrypto/swcrypto"
	"openenterprise/securebootloader/bootfooter"
	"openenterprise/securebootloader/keys"
	"openenterprise/securebootloader/platform"
	"openenterprise/securebootloader/platform/simulator"
)

func defaultTestMap() platform.MemoryMap {
	return platform.MemoryMap{
		FlashBase:       0x08000000,
		ConfigAddr:      0x08010000,
		AppActiveAddr:   0x08040000,
		AppDownloadAddr: 0x08080000,
		ScratchAddr:     0x080C0000,
		SlotSize:        0x00040000,
		RAMBase:         0x20000000,
		EraseUnit:       0x00020000,
	}
}

type fixture struct {
	sim     *simulator.Simulator
	crypto  *bootcrypto.Facade
	pub     keys.PublicKeyXY
	payload []byte // IV‖ciphertext, as staged at slot base
}

// buildSignedDownload stages a validly-signed payload of payloadSize bytes
// (a multiple of 16) into the Download slot and returns everything a test
// needs to mutate and re-validate it.
func buildSignedDownload(t *testing.T, payloadSize int) fixture {
	t.Helper()
	mm := defaultTestMap()
	sim, err := simulator.New(mm)
	if err != nil {
		t.Fatalf("simulator.New: %v", err)
	}
	t.Cleanup(func() { sim.Close() })

	kp, err := keys.GenerateDevelopmentKeyPair()
	if err != nil {
		t.Fatalf("GenerateDevelopmentKeyPair: %v", err)
	}
	crypto := bootcrypto.New(swcrypto.New())

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	digest, err := crypto.SHA256(payload)
	if err != nil {
		t.Fatalf("SHA256: %v", err)
	}
	sig, err := swcrypto.SignP256(kp.Private, digest)
	if err != nil {
		t.Fatalf("SignP256: %v", err)
	}

	footer := bootfooter.Footer{
		Version:   2,
		Size:      uint32(payloadSize),
		Signature: sig,
		Magic:     bootfooter.FooterMagic,
	}
	blob := append(append([]byte{}, payload...), footer.MarshalBinary()...)
	if err := sim.SeedFlash(mm.AppDownloadAddr, blob); err != nil {
		t.Fatalf("SeedFlash: %v", err)
	}

	return fixture{sim: sim, crypto: crypto, pub: kp.Public, payload: payload}
}

func TestValidateOk(t *testing.T) {
	f := buildSignedDownload(t, 256)
	mm := defaultTestMap()
	status := bootfooter.Validate(f.sim, mm.AppDownloadAddr, mm.SlotSize, f.crypto, [64]byte(f.pub))
	if status != bootfooter.Ok {
		t.Fatalf("Validate = %s, want Ok", status)
	}
}

func TestValidateFooterNotFound(t *testing.T) {
	mm := defaultTestMap()
	sim, err := simulator.New(mm)
	if err != nil {
		t.Fatalf("simulator.New: %v", err)
	}
	defer sim.Close()
	crypto := bootcrypto.New(swcrypto.New())
	var pub [64]byte
	status := bootfooter.Validate(sim, mm.AppDownloadAddr, mm.SlotSize, crypto, pub)
	if status != bootfooter.FooterNotFound {
		t.Fatalf("Validate on erased slot = %s, want FooterNotFound", status)
	}
}

// TestValidateMutations: a single-bit mutation of the payload or footer
// (excluding the version field, whose bytes are not covered by the
// signed digest) causes Validate to report a failure status, never Ok.
func TestValidateMutations(t *testing.T) {
	const payloadSize = 256
	mm := defaultTestMap()

	// payloadSize..payloadSize+3 is the footer's version field, excluded
	// per P2 (mutating it alone does not change the signed digest).
	offsets := []int{0, 1, payloadSize - 1, payloadSize + 4, payloadSize + 8, payloadSize + 71, payloadSize + 72}
	// a fixed, hand-picked sample of interior payload bytes
	for _, seedOffset := range []int{13, 57, 101, 150, 201, 240} {
		offsets = append(offsets, seedOffset)
	}

	for _, off := range offsets {
		f := buildSignedDownload(t, payloadSize)
		blob := make([]byte, payloadSize+bootfooter.FooterSize)
		if err := f.sim.Read(mm.AppDownloadAddr, blob); err != nil {
			t.Fatalf("Read fixture: %v", err)
		}
		blob[off] ^= 0x01
		if err := f.sim.SeedFlash(mm.AppDownloadAddr, blob); err != nil {
			t.Fatalf("SeedFlash mutated blob: %v", err)
		}

		status := bootfooter.Validate(f.sim, mm.AppDownloadAddr, mm.SlotSize, f.crypto, [64]byte(f.pub))
		if status == bootfooter.Ok {
			t.Errorf("mutating byte offset %d still validated as Ok", off)
		}
	}
}

func TestLocateFindsMaximalAddress(t *testing.T) {
	f := buildSignedDownload(t, 64)
	mm := defaultTestMap()
	addr, ok := bootfooter.Locate(f.sim, mm.AppDownloadAddr, mm.SlotSize)
	if !ok {
		t.Fatal("Locate did not find the footer")
	}
	want := mm.AppDownloadAddr + 64
	if addr != want {
		t.Fatalf("Locate = 0x%x, want 0x%x", addr, want)
	}
}

func TestLocateNotFoundOnErasedSlot(t *testing.T) {
	mm := defaultTestMap()
	sim, err := simulator.New(mm)
	if err != nil {
		t.Fatalf("simulator.New: %v", err)
	}
	defer sim.Close()
	if _, ok := bootfooter.Locate(sim, mm.ScratchAddr, mm.SlotSize); ok {
		t.Fatal("Locate reported a match on an erased slot")
	}
}

func TestFooterMarshalRoundTrip(t *testing.T) {
	want := bootfooter.Footer{Version: 9, Size: 1024, Magic: bootfooter.FooterMagic}
	for i := range want.Signature {
		want.Signature[i] = byte(i)
	}
	var got bootfooter.Footer
	if err := got.UnmarshalBinary(want.MarshalBinary()); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}
