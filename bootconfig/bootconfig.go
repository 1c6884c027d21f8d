// Package bootconfig reads and writes the persistent boot-config record
// stored in the Config sector: the magic number that marks it valid, the
// system status driving the orchestrator's dispatch, and the currently
// running firmware version.
package bootconfig

import (
	"encoding/binary"
	"errors"

	"openenterprise/securebootloader/platform"
)

// Magic marks a config record as provisioned. A sector that has been erased
// (all 0xFF) or never written will not match it.
const Magic uint32 = 0xDEADBEEF

// RecordSize is the packed on-flash size: magic(4) + status(4) + version(4).
const RecordSize = 4 + 4 + 4

// Status is the orchestrator's dispatch key.
type Status uint32

const (
	StatusNormal    Status = 4
	StatusUpdateReq Status = 5
	StatusRollback  Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusUpdateReq:
		return "UpdateRequested"
	case StatusRollback:
		return "Rollback"
	default:
		return "Unknown"
	}
}

// ErrNotProvisioned is returned by Read when the config sector's magic
// number does not match, meaning the sector is erased or corrupt and the
// orchestrator must install a fresh default record.
var ErrNotProvisioned = errors.New("bootconfig: config sector not provisioned")

// Record is the decoded boot-config record.
type Record struct {
	Status         Status
	CurrentVersion uint32
}

// Read loads and validates the config record at m.ConfigAddr. It returns
// ErrNotProvisioned if the magic number does not match; callers must not
// trust Status/CurrentVersion in that case.
func Read(flash platform.Flash, m platform.MemoryMap) (Record, error) {
	buf := make([]byte, RecordSize)
	if err := flash.Read(m.ConfigAddr, buf); err != nil {
		return Record{}, err
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Record{}, ErrNotProvisioned
	}
	return Record{
		Status:         Status(binary.LittleEndian.Uint32(buf[4:8])),
		CurrentVersion: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// Write erases the config sector's erase unit and programs a fresh record
// with the valid magic number. It does not mask interrupts, and neither
// do its callers in this module. A reset mid-erase leaves the sector
// looking unprovisioned, which the defaults path recovers from; a reset
// mid-program could leave a record with a matching magic and garbage
// status/version.
func Write(flash platform.Flash, m platform.MemoryMap, rec Record) error {
	if err := flash.Unlock(); err != nil {
		return err
	}
	defer flash.Lock()

	if err := flash.Erase(m.ConfigAddr, m.EraseUnit); err != nil {
		return err
	}

	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(rec.Status))
	binary.LittleEndian.PutUint32(buf[8:12], rec.CurrentVersion)

	return flash.Write(m.ConfigAddr, buf)
}

// Provision writes a fresh record with StatusNormal and the given
// activeVersion.
func Provision(flash platform.Flash, m platform.MemoryMap, activeVersion uint32) error {
	return Write(flash, m, Record{Status: StatusNormal, CurrentVersion: activeVersion})
}
