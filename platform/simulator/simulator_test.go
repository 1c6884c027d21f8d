package simulator_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"openenterprise/securebootloader/platform"
	"openenterprise/securebootloader/platform/simulator"
)

func testMap() platform.MemoryMap {
	return platform.MemoryMap{
		FlashBase:       0x08000000,
		ConfigAddr:      0x08000000,
		AppActiveAddr:   0x08001000,
		AppDownloadAddr: 0x08002000,
		ScratchAddr:     0x08003000,
		SlotSize:        0x1000,
		RAMBase:         0x20000000,
		EraseUnit:       0x400,
	}
}

func newSim(t *testing.T) (*simulator.Simulator, platform.MemoryMap) {
	t.Helper()
	mm := testMap()
	sim, err := simulator.New(mm)
	if err != nil {
		t.Fatalf("simulator.New: %v", err)
	}
	t.Cleanup(func() { sim.Close() })
	return sim, mm
}

func TestStartsErased(t *testing.T) {
	sim, mm := newSim(t)
	buf := make([]byte, mm.SlotSize)
	if err := sim.Read(mm.AppActiveAddr, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("fresh flash byte %d = %#x, want 0xFF", i, b)
		}
	}
}

func TestWriteRequiresUnlock(t *testing.T) {
	sim, mm := newSim(t)
	if err := sim.Write(mm.ScratchAddr, []byte{1}); err != platform.ErrFlashLocked {
		t.Fatalf("Write while locked = %v, want ErrFlashLocked", err)
	}
	if err := sim.Erase(mm.ScratchAddr, 16); err != platform.ErrFlashLocked {
		t.Fatalf("Erase while locked = %v, want ErrFlashLocked", err)
	}
}

// TestWriteRequiresErasedRegion models NOR flash: programming over
// already-programmed bytes fails and leaves the region untouched.
func TestWriteRequiresErasedRegion(t *testing.T) {
	sim, mm := newSim(t)
	if err := sim.Unlock(); err != nil {
		t.Fatal(err)
	}
	first := []byte{0x11, 0x22, 0x33, 0x44}
	if err := sim.Write(mm.ScratchAddr, first); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := sim.Write(mm.ScratchAddr, []byte{0x55, 0x66, 0x77, 0x88}); err != platform.ErrFlashWrite {
		t.Fatalf("overwrite = %v, want ErrFlashWrite", err)
	}
	got := make([]byte, 4)
	if err := sim.Read(mm.ScratchAddr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, first) {
		t.Fatal("failed overwrite modified the region")
	}
}

// TestEraseRoundsToEraseUnit checks Erase clears every erase unit that
// intersects the requested range, not just the range itself.
func TestEraseRoundsToEraseUnit(t *testing.T) {
	sim, mm := newSim(t)
	if err := sim.Unlock(); err != nil {
		t.Fatal(err)
	}
	// Program a byte below and a byte above the requested erase range,
	// both within the same erase units the range intersects.
	if err := sim.Write(mm.AppActiveAddr, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if err := sim.Write(mm.AppActiveAddr+mm.EraseUnit-1, []byte{0x02}); err != nil {
		t.Fatal(err)
	}
	if err := sim.Erase(mm.AppActiveAddr+16, 16); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	got := make([]byte, 1)
	if err := sim.Read(mm.AppActiveAddr, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xFF {
		t.Fatal("byte below the erase range in the same unit survived")
	}
	if err := sim.Read(mm.AppActiveAddr+mm.EraseUnit-1, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xFF {
		t.Fatal("byte above the erase range in the same unit survived")
	}
}

func TestReadOutOfRange(t *testing.T) {
	sim, mm := newSim(t)
	buf := make([]byte, 4)
	if err := sim.Read(mm.FlashBase-4, buf); err != platform.ErrFlashParam {
		t.Fatalf("Read below flash base = %v, want ErrFlashParam", err)
	}
	if err := sim.Read(mm.ScratchAddr+mm.SlotSize, buf); err != platform.ErrFlashParam {
		t.Fatalf("Read past end = %v, want ErrFlashParam", err)
	}
}

func TestMaskIRQBalance(t *testing.T) {
	sim, _ := newSim(t)
	unmask := sim.MaskIRQ()
	if sim.IRQBalanced() {
		t.Fatal("IRQBalanced true while masked")
	}
	unmask()
	if !sim.IRQBalanced() {
		t.Fatal("IRQBalanced false after unmask")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("double unmask did not panic")
		}
	}()
	unmask()
}

func TestJumpToAppValidatesStackPointer(t *testing.T) {
	sim, mm := newSim(t)

	// Initial SP below RAM base: the trampoline must refuse.
	bad := make([]byte, 4)
	if err := sim.SeedFlash(mm.AppActiveAddr, bad); err != nil {
		t.Fatal(err)
	}
	if err := sim.JumpToApp(); err != platform.ErrInvalidStackPointer {
		t.Fatalf("JumpToApp with bad SP = %v, want ErrInvalidStackPointer", err)
	}
	if sim.Jumped() {
		t.Fatal("Jumped reported true after a rejected jump")
	}

	good := []byte{0x00, 0x10, 0x00, 0x20} // 0x20001000, little-endian
	if err := sim.SeedFlash(mm.AppActiveAddr, good); err != nil {
		t.Fatal(err)
	}
	if err := sim.JumpToApp(); err != nil {
		t.Fatalf("JumpToApp with valid SP: %v", err)
	}
	if !sim.Jumped() {
		t.Fatal("Jumped reported false after a valid jump")
	}
}

// TestOpenFilePersists covers the cmd/bootsim usage: contents written
// through one Simulator survive into a second one opened on the same
// image file.
func TestOpenFilePersists(t *testing.T) {
	mm := testMap()
	path := filepath.Join(t.TempDir(), "flash.bin")

	sim, err := simulator.OpenFile(mm, path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := sim.SeedFlash(mm.AppDownloadAddr, []byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	if err := sim.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("image file removed by Close: %v", err)
	}

	again, err := simulator.OpenFile(mm, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	got := make([]byte, 2)
	if err := again.Read(mm.AppDownloadAddr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Fatal("seeded bytes did not survive a close/reopen cycle")
	}
}
