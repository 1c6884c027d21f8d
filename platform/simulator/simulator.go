// Package simulator is a host-testable platform.Interface implementation:
// a memory-mapped flat file stands in for flash, with erase-unit
// semantics and write-needs-erase enforcement so tests exercise the same
// failure shapes real NOR flash would produce. Mapping the file keeps
// staged device images on disk between cmd/bootsim invocations without a
// read/modify/write-back cycle. Runs under plain `go test` with no
// hardware and no build tags.
package simulator

import (
	"os"
	"time"

	mmap "github.com/edsrzf/mmap-go"

	"openenterprise/securebootloader/bootcrypto/swcrypto"
	"openenterprise/securebootloader/platform"
)

// Simulator implements platform.Interface, platform.Flash and
// platform.GPIO over an mmap'd temp file plus in-process bookkeeping.
type Simulator struct {
	mm     platform.MemoryMap
	crypto platform.CryptoOps

	file          *os.File
	mem           mmap.MMap
	removeOnClose bool

	locked      bool
	initialized bool

	maskDepth int

	triggerButton bool
	ledToggles    int

	resets  int
	ticks   uint32
	delays  []time.Duration
	halted  bool
	jumped  bool
	jumpErr error
}

// New creates a Simulator whose backing file covers the config sector and
// all three application slots described by mm, initialized to the erased
// state (all 0xFF). The file is removed when Close is called.
func New(mm platform.MemoryMap) (*Simulator, error) {
	if err := mm.Validate(); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp("", "bootsim-flash-*.bin")
	if err != nil {
		return nil, err
	}
	s, err := open(mm, f, true)
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	s.removeOnClose = true
	return s, nil
}

// OpenFile opens (creating if absent) a flash image file at path, mmaps it,
// and returns a Simulator over it. Unlike New, Close leaves the file on
// disk; this is how cmd/bootsim persists a device image across separate
// "stage" and "run" invocations.
func OpenFile(mm platform.MemoryMap, path string) (*Simulator, error) {
	if err := mm.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	erase := info.Size() == 0
	return open(mm, f, erase)
}

func open(mm platform.MemoryMap, f *os.File, eraseFirst bool) (*Simulator, error) {
	size := simulatedFlashSize(mm)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	if eraseFirst {
		for i := range m {
			m[i] = 0xFF
		}
	}

	return &Simulator{
		mm:     mm,
		crypto: swcrypto.New(),
		file:   f,
		mem:    m,
		locked: true,
	}, nil
}

func simulatedFlashSize(mm platform.MemoryMap) uint32 {
	end := mm.ConfigAddr + mm.EraseUnit
	for _, base := range [3]uint32{mm.AppActiveAddr, mm.AppDownloadAddr, mm.ScratchAddr} {
		if e := base + mm.SlotSize; e > end {
			end = e
		}
	}
	return end - mm.FlashBase
}

// Close unmaps the backing file, removing it if it was created by New.
// Tests and cmd/bootsim should defer it.
func (s *Simulator) Close() error {
	err := s.mem.Unmap()
	s.file.Close()
	if s.removeOnClose {
		os.Remove(s.file.Name())
	}
	return err
}

func (s *Simulator) offset(addr uint32) (uint32, bool) {
	if addr < s.mm.FlashBase {
		return 0, false
	}
	off := addr - s.mm.FlashBase
	return off, true
}

// --- platform.Flash ---

func (s *Simulator) Read(addr uint32, buf []byte) error {
	off, ok := s.offset(addr)
	if !ok || uint64(off)+uint64(len(buf)) > uint64(len(s.mem)) {
		return platform.ErrFlashParam
	}
	copy(buf, s.mem[off:off+uint32(len(buf))])
	return nil
}

// Erase sets every erase unit intersecting [addr, addr+length) to 0xFF.
func (s *Simulator) Erase(addr, length uint32) error {
	if s.locked {
		return platform.ErrFlashLocked
	}
	if length == 0 {
		return platform.ErrFlashParam
	}
	unit := s.mm.EraseUnit
	start := addr - addr%unit
	end := addr + length
	if r := end % unit; r != 0 {
		end += unit - r
	}
	startOff, ok1 := s.offset(start)
	endOff, ok2 := s.offset(end)
	if !ok1 || !ok2 || endOff > uint32(len(s.mem)) || startOff > endOff {
		return platform.ErrFlashParam
	}
	for i := startOff; i < endOff; i++ {
		s.mem[i] = 0xFF
	}
	return nil
}

// Write programs data at addr. It requires the target region to be fully
// erased (all 0xFF) first, matching NOR flash's inability to set a bit
// back to 1 without an erase; a region that is not fully erased is left
// untouched and ErrFlashWrite is returned.
func (s *Simulator) Write(addr uint32, data []byte) error {
	if s.locked {
		return platform.ErrFlashLocked
	}
	off, ok := s.offset(addr)
	if !ok || uint64(off)+uint64(len(data)) > uint64(len(s.mem)) {
		return platform.ErrFlashParam
	}
	for i := uint32(0); i < uint32(len(data)); i++ {
		if s.mem[off+i] != 0xFF {
			return platform.ErrFlashWrite
		}
	}
	copy(s.mem[off:off+uint32(len(data))], data)
	return nil
}

func (s *Simulator) Unlock() error {
	s.locked = false
	return nil
}

func (s *Simulator) Lock() error {
	s.locked = true
	return nil
}

// SeedFlash writes data directly into the backing file, bypassing the
// lock/erased-region checks Write enforces. Test fixtures and cmd/bootsim
// use it to stage Active/Download/Scratch contents, the way a programmer
// or factory image would have provisioned the device before shipping.
func (s *Simulator) SeedFlash(addr uint32, data []byte) error {
	off, ok := s.offset(addr)
	if !ok || uint64(off)+uint64(len(data)) > uint64(len(s.mem)) {
		return platform.ErrFlashParam
	}
	copy(s.mem[off:off+uint32(len(data))], data)
	return nil
}

// --- platform.GPIO ---

func (s *Simulator) ReadTriggerButton() bool { return s.triggerButton }
func (s *Simulator) ToggleStatusLED()        { s.ledToggles++ }

// SetTriggerButton lets a test simulate the trigger button being held at
// boot.
func (s *Simulator) SetTriggerButton(pressed bool) { s.triggerButton = pressed }

// LEDToggleCount reports how many times ToggleStatusLED has been called.
func (s *Simulator) LEDToggleCount() int { return s.ledToggles }

// --- platform.Interface ---

// Init records that the platform was brought up; the simulated peripherals
// need no actual setup.
func (s *Simulator) Init() error {
	s.initialized = true
	return nil
}

// Initialized reports whether Init has been called.
func (s *Simulator) Initialized() bool { return s.initialized }

func (s *Simulator) MemoryMap() platform.MemoryMap { return s.mm }
func (s *Simulator) Crypto() platform.CryptoOps    { return s.crypto }
func (s *Simulator) Flash() platform.Flash         { return s }
func (s *Simulator) GPIO() platform.GPIO           { return s }

func (s *Simulator) Reset() { s.resets++ }

// ResetCount reports how many times Reset has been called.
func (s *Simulator) ResetCount() int { return s.resets }

func (s *Simulator) Delay(d time.Duration) { s.delays = append(s.delays, d) }

func (s *Simulator) Tick() uint32 {
	s.ticks++
	return s.ticks
}

// MaskIRQ increments a depth counter and returns a closure that
// decrements it; the closure panics if called with depth already zero,
// catching a double-unmask. IRQBalanced reports whether every mask has
// been matched by an unmask, so tests can require that interrupts are
// re-enabled on every exit path.
func (s *Simulator) MaskIRQ() func() {
	s.maskDepth++
	unmasked := false
	return func() {
		if unmasked {
			panic("simulator: unmask called twice for the same MaskIRQ")
		}
		unmasked = true
		s.maskDepth--
	}
}

// IRQBalanced reports whether all outstanding MaskIRQ calls have been
// unmasked. Tests call it after every transition under test.
func (s *Simulator) IRQBalanced() bool { return s.maskDepth == 0 }

// JumpToApp validates the Active slot's initial SP lies at or above RAM
// base, then records the jump. Unlike real hardware it returns instead of
// transferring control, so tests can observe that the jump happened; call
// Jumped() to check.
func (s *Simulator) JumpToApp() error {
	var sp [4]byte
	if err := s.Read(s.mm.AppActiveAddr, sp[:]); err != nil {
		return err
	}
	initialSP := uint32(sp[0]) | uint32(sp[1])<<8 | uint32(sp[2])<<16 | uint32(sp[3])<<24
	if initialSP < s.mm.RAMBase {
		s.jumpErr = platform.ErrInvalidStackPointer
		return platform.ErrInvalidStackPointer
	}
	s.jumped = true
	return nil
}

// Jumped reports whether JumpToApp has successfully validated and jumped.
func (s *Simulator) Jumped() bool { return s.jumped }

// ErrorHandler masks IRQs (without unmasking; the real handler never
// returns) and records that the device halted.
func (s *Simulator) ErrorHandler() {
	s.maskDepth++
	s.halted = true
}

// Halted reports whether ErrorHandler has been invoked.
func (s *Simulator) Halted() bool { return s.halted }

var _ platform.Interface = (*Simulator)(nil)
