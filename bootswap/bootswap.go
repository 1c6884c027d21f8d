// Package bootswap is the A/B/scratch swap engine: the primitives that
// move data between the Active, Download and Scratch slots, and the two
// transitions (Update, Rollback) that compose them. Every primitive
// erases its destination before programming it.
package bootswap

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"openenterprise/securebootloader/bootconfig"
	"openenterprise/securebootloader/bootcrypto"
	"openenterprise/securebootloader/bootfooter"
	"openenterprise/securebootloader/keys"
	"openenterprise/securebootloader/platform"
)

// transformChunkBlocks bounds how much plaintext/ciphertext the chunked
// primitives hold in RAM at once, in AES blocks. 64 blocks (1KiB) keeps a
// transform well within a microcontroller's working RAM regardless of
// slot size.
const transformChunkBlocks = 64
const chunkBytes = transformChunkBlocks * 16

// Outcome reports which branch of a transition fired, so callers (the
// orchestrator, tests) can assert behavior without scraping log output.
type Outcome int

const (
	// OutcomeCommitted means Active was replaced and the config record now
	// reflects the post-transition state; the caller should reset.
	OutcomeCommitted Outcome = iota
	// OutcomeAbortedFooterMissing means Update found no footer in Download;
	// config was reverted to Normal with no erase and no reset.
	OutcomeAbortedFooterMissing
	// OutcomeAbortedInvalidSignature means Update's footer validation
	// failed; Download was erased, config reverted to Normal, no reset.
	OutcomeAbortedInvalidSignature
	// OutcomeAbortedInvalidBackup means Rollback's decrypted candidate
	// failed the reset-vector sanity check; Active was never touched and
	// config was reverted to Normal. Rollback itself does not reset; the
	// orchestrator resets after every rollback dispatch.
	OutcomeAbortedInvalidBackup
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "Committed"
	case OutcomeAbortedFooterMissing:
		return "AbortedFooterMissing"
	case OutcomeAbortedInvalidSignature:
		return "AbortedInvalidSignature"
	case OutcomeAbortedInvalidBackup:
		return "AbortedInvalidBackup"
	default:
		return "Unknown"
	}
}

// RawCopy erases [dst, dst+length) then programs length bytes copied from
// src, chunkBytes at a time. Used to install a plaintext image from
// Scratch into Active.
func RawCopy(flash platform.Flash, src, dst, length uint32) error {
	if err := flash.Unlock(); err != nil {
		return err
	}
	defer flash.Lock()
	if err := flash.Erase(dst, length); err != nil {
		return fmt.Errorf("bootswap: erase copy destination: %w", err)
	}
	for off := uint32(0); off < length; off += chunkBytes {
		n := uint32(chunkBytes)
		if remaining := length - off; remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if err := flash.Read(src+off, buf); err != nil {
			return err
		}
		if err := flash.Write(dst+off, buf); err != nil {
			return fmt.Errorf("bootswap: program copy destination: %w", err)
		}
	}
	return nil
}

// DecryptUpdateImage treats src as IV(16)‖ciphertext(payloadSize-16) and
// AES-128-CBC decrypts it into dst, chunkBytes of ciphertext at a time.
// Chaining state (the previous chunk's last ciphertext block) is carried
// across chunks explicitly, so output is identical regardless of chunk
// size.
func DecryptUpdateImage(iface platform.Interface, crypto *bootcrypto.Facade, key [16]byte, src, dst, payloadSize uint32) error {
	if payloadSize < 16 {
		return fmt.Errorf("bootswap: payload size %d smaller than IV", payloadSize)
	}
	cipherLen := payloadSize - 16
	flash := iface.Flash()

	if err := flash.Unlock(); err != nil {
		return err
	}
	defer flash.Lock()
	if err := flash.Erase(dst, cipherLen); err != nil {
		return fmt.Errorf("bootswap: erase decrypt destination: %w", err)
	}

	var iv [16]byte
	if err := flash.Read(src, iv[:]); err != nil {
		return err
	}

	prevCipher := iv
	cipherBase := src + 16
	for off := uint32(0); off < cipherLen; off += chunkBytes {
		n := uint32(chunkBytes)
		if remaining := cipherLen - off; remaining < n {
			n = remaining
		}
		chunk := make([]byte, n)
		if err := flash.Read(cipherBase+off, chunk); err != nil {
			return err
		}
		var nextPrevCipher [16]byte
		copy(nextPrevCipher[:], chunk[n-16:n])

		plain, err := crypto.DecryptCBC(key, prevCipher, chunk)
		if err != nil {
			return err
		}
		if err := flash.Write(dst+off, plain); err != nil {
			return fmt.Errorf("bootswap: program decrypt destination: %w", err)
		}
		prevCipher = nextPrevCipher
	}
	return nil
}

// EncryptBackup AES-128-ECB encrypts the slotSize bytes at src (the
// currently-running Active image) into dst, chunkBytes at a time, with
// IRQs masked for the duration: src may be mapped into the interrupt
// vector execution path while dst is being written.
func EncryptBackup(iface platform.Interface, crypto *bootcrypto.Facade, key [16]byte, src, dst, slotSize uint32) error {
	unmask := iface.MaskIRQ()
	defer unmask()
	return transformECB(iface.Flash(), crypto.EncryptECB, key, src, dst, slotSize)
}

// DecryptBackupImage is the inverse of EncryptBackup, also IRQ-masked.
func DecryptBackupImage(iface platform.Interface, crypto *bootcrypto.Facade, key [16]byte, src, dst, slotSize uint32) error {
	unmask := iface.MaskIRQ()
	defer unmask()
	return transformECB(iface.Flash(), crypto.DecryptECB, key, src, dst, slotSize)
}

func transformECB(flash platform.Flash, op func(key [16]byte, in []byte) ([]byte, error), key [16]byte, src, dst, slotSize uint32) error {
	if err := flash.Unlock(); err != nil {
		return err
	}
	defer flash.Lock()
	if err := flash.Erase(dst, slotSize); err != nil {
		return fmt.Errorf("bootswap: erase ecb destination: %w", err)
	}
	for off := uint32(0); off < slotSize; off += chunkBytes {
		n := uint32(chunkBytes)
		if remaining := slotSize - off; remaining < n {
			n = remaining
		}
		chunk := make([]byte, n)
		if err := flash.Read(src+off, chunk); err != nil {
			return err
		}
		out, err := op(key, chunk)
		if err != nil {
			return err
		}
		if err := flash.Write(dst+off, out); err != nil {
			return fmt.Errorf("bootswap: program ecb destination: %w", err)
		}
	}
	return nil
}

// revertToNormal makes a best-effort attempt to write the config record
// back with StatusNormal so the next boot dispatches cleanly instead of
// re-entering a failed transition. A failing revert write is logged, not
// propagated: the caller is already on an error path, and an
// unprovisioned-looking or stale record is recovered by the defaults /
// auto-provisioning logic on the next boot.
func revertToNormal(flash platform.Flash, log *slog.Logger, m platform.MemoryMap, cfg bootconfig.Record) {
	cfg.Status = bootconfig.StatusNormal
	if err := bootconfig.Write(flash, m, cfg); err != nil {
		log.Error("failed to revert config to normal", "error", err)
	}
}

// Update carries out the update transition: validate the
// staged image in Download, back up Active into Download, install the
// decrypted image into Active, and persist the new config. Every failure
// path attempts to revert cfg.Status to Normal and write it back before
// returning; only OutcomeCommitted implies the caller should reset. A
// non-nil error means a flash primitive failed mid-transition: the config
// revert has already been attempted, and the caller should reset so the
// next boot can recover (a still-intact Active boots normally; a damaged
// Active auto-provisions if Download still validates).
func Update(iface platform.Interface, crypto *bootcrypto.Facade, log *slog.Logger, m platform.MemoryMap, pub keys.PublicKeyXY, symKey [16]byte, cfg bootconfig.Record) (Outcome, error) {
	flash := iface.Flash()

	footerAddr, found := bootfooter.Locate(flash, m.AppDownloadAddr, m.SlotSize)
	if !found {
		log.Warn("update: no footer found in download slot, reverting to normal")
		cfg.Status = bootconfig.StatusNormal
		if err := bootconfig.Write(flash, m, cfg); err != nil {
			return 0, fmt.Errorf("bootswap: revert config after missing footer: %w", err)
		}
		return OutcomeAbortedFooterMissing, nil
	}

	if status := bootfooter.Validate(flash, m.AppDownloadAddr, m.SlotSize, crypto, [64]byte(pub)); status != bootfooter.Ok {
		log.Warn("update: download slot failed validation", "status", status.String())
		if err := flash.Unlock(); err != nil {
			revertToNormal(flash, log, m, cfg)
			return 0, err
		}
		eraseErr := flash.Erase(m.AppDownloadAddr, m.SlotSize)
		flash.Lock()
		if eraseErr != nil {
			revertToNormal(flash, log, m, cfg)
			return 0, fmt.Errorf("bootswap: erase invalid download slot: %w", eraseErr)
		}
		cfg.Status = bootconfig.StatusNormal
		if err := bootconfig.Write(flash, m, cfg); err != nil {
			return 0, fmt.Errorf("bootswap: revert config after invalid signature: %w", err)
		}
		return OutcomeAbortedInvalidSignature, nil
	}

	footer, err := bootfooter.ReadFooterAt(flash, footerAddr)
	if err != nil {
		revertToNormal(flash, log, m, cfg)
		return 0, fmt.Errorf("bootswap: re-read validated footer: %w", err)
	}

	if err := DecryptUpdateImage(iface, crypto, symKey, m.AppDownloadAddr, m.ScratchAddr, footer.Size); err != nil {
		revertToNormal(flash, log, m, cfg)
		return 0, fmt.Errorf("bootswap: decrypt staged update: %w", err)
	}

	// Commit point: once the backup below overwrites Download, the staged
	// update is gone. A power loss before this line leaves Active intact
	// and Download still holding the original staged update.
	if err := EncryptBackup(iface, crypto, symKey, m.AppActiveAddr, m.AppDownloadAddr, m.SlotSize); err != nil {
		revertToNormal(flash, log, m, cfg)
		return 0, fmt.Errorf("bootswap: back up active before install: %w", err)
	}

	plainSize := footer.Size - 16
	if err := RawCopy(flash, m.ScratchAddr, m.AppActiveAddr, plainSize); err != nil {
		revertToNormal(flash, log, m, cfg)
		return 0, fmt.Errorf("bootswap: install decrypted image into active: %w", err)
	}

	cfg.Status = bootconfig.StatusNormal
	cfg.CurrentVersion = footer.Version
	if err := bootconfig.Write(flash, m, cfg); err != nil {
		return 0, fmt.Errorf("bootswap: write post-update config: %w", err)
	}
	log.Info("update: committed", "version", footer.Version)
	return OutcomeCommitted, nil
}

// Rollback carries out the rollback transition: decrypt Download's
// whole-slot backup into Scratch, sanity-check its reset vector, then
// swap it into Active the same way Update does. cfg's CurrentVersion is
// deliberately left untouched on a committed rollback; the restored
// image's version is unknowable without per-backup metadata. As with
// Update, a non-nil error means a flash primitive failed mid-transition
// after a best-effort config revert to Normal; the caller should reset.
func Rollback(iface platform.Interface, crypto *bootcrypto.Facade, log *slog.Logger, m platform.MemoryMap, symKey [16]byte, cfg bootconfig.Record) (Outcome, error) {
	flash := iface.Flash()

	if err := DecryptBackupImage(iface, crypto, symKey, m.AppDownloadAddr, m.ScratchAddr, m.SlotSize); err != nil {
		revertToNormal(flash, log, m, cfg)
		return 0, fmt.Errorf("bootswap: decrypt backup image: %w", err)
	}

	var vectorWord [4]byte
	if err := flash.Read(m.ScratchAddr+4, vectorWord[:]); err != nil {
		revertToNormal(flash, log, m, cfg)
		return 0, fmt.Errorf("bootswap: read candidate reset vector: %w", err)
	}
	resetVector := binary.LittleEndian.Uint32(vectorWord[:])
	if resetVector&0xFF000000 != m.FlashBase&0xFF000000 {
		log.Warn("rollback: candidate backup failed reset-vector sanity check", "vector", resetVector)
		cfg.Status = bootconfig.StatusNormal
		if err := bootconfig.Write(flash, m, cfg); err != nil {
			return 0, fmt.Errorf("bootswap: revert config after invalid backup: %w", err)
		}
		return OutcomeAbortedInvalidBackup, nil
	}

	// Commit point: Download's only valid backup copy is overwritten next.
	if err := EncryptBackup(iface, crypto, symKey, m.AppActiveAddr, m.AppDownloadAddr, m.SlotSize); err != nil {
		revertToNormal(flash, log, m, cfg)
		return 0, fmt.Errorf("bootswap: back up active before install: %w", err)
	}

	if err := RawCopy(flash, m.ScratchAddr, m.AppActiveAddr, m.SlotSize); err != nil {
		revertToNormal(flash, log, m, cfg)
		return 0, fmt.Errorf("bootswap: install decrypted backup into active: %w", err)
	}

	cfg.Status = bootconfig.StatusNormal
	if err := bootconfig.Write(flash, m, cfg); err != nil {
		return 0, fmt.Errorf("bootswap: write post-rollback config: %w", err)
	}
	log.Info("rollback: committed")
	return OutcomeCommitted, nil
}
