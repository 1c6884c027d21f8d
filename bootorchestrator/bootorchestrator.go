// Package bootorchestrator is the top-level boot state machine: a
// single-shot procedure run once per reset that reads the persistent
// config record, samples the trigger button, dispatches to the swap
// engine, and either jumps to the application, requests a reset, or
// halts.
package bootorchestrator

import (
	"encoding/binary"
	"log/slog"

	"openenterprise/securebootloader/bootconfig"
	"openenterprise/securebootloader/bootcrypto"
	"openenterprise/securebootloader/bootfooter"
	"openenterprise/securebootloader/bootswap"
	"openenterprise/securebootloader/keys"
	"openenterprise/securebootloader/platform"
)

// Outcome reports which terminal branch a Run call took. On real hardware
// most branches end in Reset() or JumpToApp(), neither of which return;
// the simulator's versions do return so tests can observe Outcome
// directly. Halted is returned whenever Run calls ErrorHandler: Active
// invalid and Download not validating, the platform failing to come up,
// the Active reset vector being unreadable, the jump being rejected, or
// the auto-provisioning config write failing.
type Outcome int

const (
	OutcomeBooted Outcome = iota
	OutcomeUpdateApplied
	OutcomeUpdateAborted
	OutcomeRollbackApplied
	OutcomeRollbackAborted
	OutcomeProvisioned
	OutcomeHalted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBooted:
		return "Booted"
	case OutcomeUpdateApplied:
		return "UpdateApplied"
	case OutcomeUpdateAborted:
		return "UpdateAborted"
	case OutcomeRollbackApplied:
		return "RollbackApplied"
	case OutcomeRollbackAborted:
		return "RollbackAborted"
	case OutcomeProvisioned:
		return "Provisioned"
	case OutcomeHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// Run executes one full boot cycle against iface, verifying staged images
// against pub and decrypting/encrypting with symKey.
func Run(iface platform.Interface, log *slog.Logger, pub keys.PublicKeyXY, symKey [16]byte) Outcome {
	if err := iface.Init(); err != nil {
		log.Error("platform init failed", "error", err)
		iface.ErrorHandler()
		return OutcomeHalted
	}
	log.Info("bootloader starting")

	m := iface.MemoryMap()
	flash := iface.Flash()
	crypto := bootcrypto.New(iface.Crypto())

	cfg, err := bootconfig.Read(flash, m)
	if err != nil {
		log.Warn("config sector not provisioned, installing defaults")
		cfg = bootconfig.Record{Status: bootconfig.StatusNormal, CurrentVersion: 0}
		if werr := bootconfig.Write(flash, m, cfg); werr != nil {
			// Carry on with the in-memory defaults; the sector still
			// reads as unprovisioned next boot and gets retried then.
			log.Error("failed to install default config", "error", werr)
		}
	}

	status := cfg.Status
	if iface.GPIO().ReadTriggerButton() {
		switch classifyDownload(flash, crypto, m, pub) {
		case downloadValid:
			log.Info("trigger button held, download validates: requesting update")
			status = bootconfig.StatusUpdateReq
		case downloadErased:
			log.Info("trigger button held, download erased: forcing normal boot")
			status = bootconfig.StatusNormal
		case downloadPresentUnsigned:
			log.Info("trigger button held, download unsigned: requesting rollback")
			status = bootconfig.StatusRollback
		}
	}

	switch status {
	case bootconfig.StatusUpdateReq:
		outcome, err := bootswap.Update(iface, crypto, log, m, pub, symKey, cfg)
		if err != nil {
			// A flash failure mid-transition is not fatal: the swap
			// engine has already attempted the config revert, so reset
			// and let the next boot recover (an intact Active boots; a
			// damaged one auto-provisions if Download still validates).
			log.Error("update transition failed, resetting", "error", err)
			iface.Reset()
			return OutcomeUpdateAborted
		}
		if outcome == bootswap.OutcomeCommitted {
			iface.Reset()
			return OutcomeUpdateApplied
		}
		// A handled Update failure reverts state and rewrites config
		// but does not itself request a reset.
		return OutcomeUpdateAborted

	case bootconfig.StatusRollback:
		outcome, err := bootswap.Rollback(iface, crypto, log, m, symKey, cfg)
		if err != nil {
			log.Error("rollback transition failed, resetting", "error", err)
			iface.Reset()
			return OutcomeRollbackAborted
		}
		// A handled Rollback failure still resets, unlike Update.
		iface.Reset()
		if outcome == bootswap.OutcomeCommitted {
			return OutcomeRollbackApplied
		}
		return OutcomeRollbackAborted

	default: // bootconfig.StatusNormal, and any unrecognized value
		return runNormal(iface, flash, crypto, log, m, pub, cfg)
	}
}

// runNormal is the default branch of the dispatch: boot the resident
// application if its reset vector looks sane, otherwise auto-provision an
// update from a valid Download image, otherwise halt.
//
// Run's ROLLBACK case always returns, so runNormal is never reached after
// a rollback dispatch of the same call.
func runNormal(iface platform.Interface, flash platform.Flash, crypto *bootcrypto.Facade, log *slog.Logger, m platform.MemoryMap, pub keys.PublicKeyXY, cfg bootconfig.Record) Outcome {
	var vec [4]byte
	if err := flash.Read(m.AppActiveAddr+4, vec[:]); err != nil {
		log.Error("failed to read active reset vector", "error", err)
		iface.ErrorHandler()
		return OutcomeHalted
	}
	resetVector := binary.LittleEndian.Uint32(vec[:])

	if resetVector > m.AppActiveAddr && resetVector < m.AppActiveAddr+m.SlotSize {
		log.Info("active slot valid, jumping to application", "resetVector", resetVector)
		if err := iface.JumpToApp(); err != nil {
			log.Error("jump to application rejected", "error", err)
			iface.ErrorHandler()
			return OutcomeHalted
		}
		return OutcomeBooted
	}

	log.Warn("active slot reset vector out of range", "resetVector", resetVector)
	if bootfooter.Validate(flash, m.AppDownloadAddr, m.SlotSize, crypto, [64]byte(pub)) == bootfooter.Ok {
		log.Info("download slot valid, auto-provisioning an update")
		cfg.Status = bootconfig.StatusUpdateReq
		if err := bootconfig.Write(flash, m, cfg); err != nil {
			log.Error("failed to write auto-provisioning config", "error", err)
			iface.ErrorHandler()
			return OutcomeHalted
		}
		iface.Reset()
		return OutcomeProvisioned
	}

	log.Error("active invalid and download does not validate, halting")
	iface.ErrorHandler()
	return OutcomeHalted
}

type downloadState int

const (
	downloadValid downloadState = iota
	downloadErased
	downloadPresentUnsigned
)

// classifyDownload is the three-way trigger-button override
// classification.
func classifyDownload(flash platform.Flash, crypto *bootcrypto.Facade, m platform.MemoryMap, pub keys.PublicKeyXY) downloadState {
	if bootfooter.Validate(flash, m.AppDownloadAddr, m.SlotSize, crypto, [64]byte(pub)) == bootfooter.Ok {
		return downloadValid
	}
	var word [4]byte
	if err := flash.Read(m.AppDownloadAddr, word[:]); err == nil && binary.LittleEndian.Uint32(word[:]) == 0xFFFFFFFF {
		return downloadErased
	}
	return downloadPresentUnsigned
}
