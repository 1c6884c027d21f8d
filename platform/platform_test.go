package platform_test

import (
	"errors"
	"testing"

	"openenterprise/securebootloader/platform"
)

func validMap() platform.MemoryMap {
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

func TestMemoryMapValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*platform.MemoryMap)
		wantOK bool
	}{
		{"reference layout", func(*platform.MemoryMap) {}, true},
		{"zero slot size", func(m *platform.MemoryMap) { m.SlotSize = 0 }, false},
		{"zero erase unit", func(m *platform.MemoryMap) { m.EraseUnit = 0 }, false},
		{"slot smaller than erase unit", func(m *platform.MemoryMap) { m.SlotSize = m.EraseUnit - 1 }, false},
		{"active overlaps download", func(m *platform.MemoryMap) { m.AppDownloadAddr = m.AppActiveAddr + m.SlotSize/2 }, false},
		{"download overlaps scratch", func(m *platform.MemoryMap) { m.ScratchAddr = m.AppDownloadAddr }, false},
		{"adjacent slots are fine", func(m *platform.MemoryMap) {
			m.AppDownloadAddr = m.AppActiveAddr + m.SlotSize
			m.ScratchAddr = m.AppDownloadAddr + m.SlotSize
		}, true},
	}

	for _, tc := range tests {
		m := validMap()
		tc.mutate(&m)
		err := m.Validate()
		if tc.wantOK && err != nil {
			t.Errorf("%s: Validate = %v, want nil", tc.name, err)
		}
		if !tc.wantOK && !errors.Is(err, platform.ErrBadMemoryMap) {
			t.Errorf("%s: Validate = %v, want ErrBadMemoryMap", tc.name, err)
		}
	}
}
