// Command bootsim is the host-side companion to the bootloader core: it
// mints a development signing keypair, stages a signed update blob into a
// simulated flash image, drives one orchestrator boot cycle against that
// image, and inspects its resulting state. None of this runs on the
// device; it exists so the core can be exercised end-to-end without
// real hardware.
package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"openenterprise/securebootloader/bootconfig"
	"openenterprise/securebootloader/bootcrypto"
	"openenterprise/securebootloader/bootcrypto/swcrypto"
	"openenterprise/securebootloader/bootfooter"
	"openenterprise/securebootloader/bootlog"
	"openenterprise/securebootloader/bootorchestrator"
	"openenterprise/securebootloader/keys"
	"openenterprise/securebootloader/platform"
	"openenterprise/securebootloader/platform/simulator"
	"openenterprise/securebootloader/version"
)

func orDev(s string) string {
	if s == "" {
		return "dev"
	}
	return s
}

// defaultMemoryMap is an STM32F746-style layout: a config sector in a
// 128KiB erase unit below three 256KiB application slots.
func defaultMemoryMap() platform.MemoryMap {
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

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "stage":
		err = runStage(os.Args[2:])
	case "run":
		err = runBoot(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "version":
		fmt.Printf("bootsim %s (%s, built %s, core %s)\n",
			orDev(version.Version), orDev(version.GitSHA), orDev(version.BuildDate), version.BuildMarker)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootsim: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bootsim <command> [flags]

commands:
  keygen   -out <privkey.pem> -pub <pubkey.hex>     mint a development signing keypair
  stage    -image <flash.bin> -plaintext <app.bin> -key <privkey.pem> -version N
  run      -image <flash.bin> -pub <pubkey.hex> [-trigger]
  inspect  -image <flash.bin> -pub <pubkey.hex>
  version  print build information`)
}

// --- keygen ---

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "bootsim.key", "private key output path")
	pubOut := fs.String("pub", "bootsim.pub", "public key output path (hex)")
	encrypt := fs.Bool("passphrase", false, "encrypt the private key with a passphrase")
	fs.Parse(args)

	kp, err := keys.GenerateDevelopmentKeyPair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if *encrypt {
		passphrase, err := promptPassphrase("Passphrase to encrypt the private key: ")
		if err != nil {
			return err
		}
		der, err = encryptWithPassphrase(der, passphrase)
		if err != nil {
			return fmt.Errorf("encrypt private key: %w", err)
		}
	}

	block := &pem.Block{Type: "BOOTSIM DEVELOPMENT PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(*out, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*pubOut, []byte(hex.EncodeToString(kp.Public[:])+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Printf("wrote %s and %s\npublic key: %x\n", *out, *pubOut, kp.Public)
	return nil
}

func promptPassphrase(prompt string) ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("stdin is not a terminal, cannot prompt for a passphrase")
	}
	fmt.Print(prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	return pass, err
}

func encryptWithPassphrase(plaintext, passphrase []byte) ([]byte, error) {
	key := sha256.Sum256(passphrase)
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return append(iv, out...), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(padLen)
	}
	return append(append([]byte{}, data...), pad...)
}

// --- stage ---

func runStage(args []string) error {
	fs := flag.NewFlagSet("stage", flag.ExitOnError)
	image := fs.String("image", "flash.bin", "flash image path")
	plaintextPath := fs.String("plaintext", "", "plaintext application image to stage")
	keyPath := fs.String("key", "", "signing private key PEM path")
	version := fs.Uint("version", 1, "version number to embed in the footer")
	fs.Parse(args)

	if *plaintextPath == "" || *keyPath == "" {
		return fmt.Errorf("-plaintext and -key are required")
	}

	plaintext, err := os.ReadFile(*plaintextPath)
	if err != nil {
		return fmt.Errorf("read plaintext image: %w", err)
	}
	plaintext = pkcs7Pad(plaintext, 16)

	keyPEM, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("no PEM block found in %s", *keyPath)
	}
	der := block.Bytes
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		passphrase, perr := promptPassphrase("Passphrase to decrypt the private key: ")
		if perr != nil {
			return fmt.Errorf("parse private key: %w", err)
		}
		plainDER, derr := decryptWithPassphrase(der, passphrase)
		if derr != nil {
			return fmt.Errorf("decrypt private key: %w", derr)
		}
		priv, err = x509.ParseECPrivateKey(plainDER)
		if err != nil {
			return fmt.Errorf("parse decrypted private key: %w", err)
		}
	}

	mm := defaultMemoryMap()
	sim, err := simulator.OpenFile(mm, *image)
	if err != nil {
		return fmt.Errorf("open flash image: %w", err)
	}
	defer sim.Close()

	facade := bootcrypto.New(swcrypto.New())

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return err
	}
	var ivArr, keyArr [16]byte
	copy(ivArr[:], iv)
	keyArr = keys.DefaultSymmetric

	ciphertext, err := facade.EncryptCBC(keyArr, ivArr, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt staged payload: %w", err)
	}
	payload := append(append([]byte{}, iv...), ciphertext...)

	digest, err := facade.SHA256(payload)
	if err != nil {
		return fmt.Errorf("hash staged payload: %w", err)
	}
	sig, err := swcrypto.SignP256(priv, digest)
	if err != nil {
		return fmt.Errorf("sign staged payload: %w", err)
	}

	footer := bootfooter.Footer{
		Version:   uint32(*version),
		Size:      uint32(len(payload)),
		Signature: sig,
		Magic:     bootfooter.FooterMagic,
	}

	blob := append(append([]byte{}, payload...), footer.MarshalBinary()...)
	if uint32(len(blob)) > mm.SlotSize {
		return fmt.Errorf("staged blob (%s) exceeds slot size (%s)",
			humanize.Bytes(uint64(len(blob))), humanize.Bytes(uint64(mm.SlotSize)))
	}
	if err := sim.SeedFlash(mm.AppDownloadAddr, blob); err != nil {
		return fmt.Errorf("seed download slot: %w", err)
	}

	cfg, err := bootconfig.Read(sim, mm)
	if err != nil {
		cfg = bootconfig.Record{}
	}
	cfg.Status = bootconfig.StatusUpdateReq
	if err := bootconfig.Write(sim, mm, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("staged %s payload (version %d) into download slot of %s\n",
		humanize.Bytes(uint64(len(blob))), *version, *image)
	return nil
}

func decryptWithPassphrase(data, passphrase []byte) ([]byte, error) {
	if len(data) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	key := sha256.Sum256(passphrase)
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	if len(out) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padLen := int(out[len(out)-1])
	if padLen == 0 || padLen > len(out) {
		return nil, fmt.Errorf("bad padding")
	}
	return out[:len(out)-padLen], nil
}

// --- run ---

func runBoot(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	image := fs.String("image", "flash.bin", "flash image path")
	pubPath := fs.String("pub", "", "public key hex file written by keygen")
	trigger := fs.Bool("trigger", false, "simulate the trigger button held at boot")
	fs.Parse(args)

	pub, err := readPubKey(*pubPath)
	if err != nil {
		return err
	}

	mm := defaultMemoryMap()
	sim, err := simulator.OpenFile(mm, *image)
	if err != nil {
		return fmt.Errorf("open flash image: %w", err)
	}
	defer sim.Close()
	sim.SetTriggerButton(*trigger)

	log := bootlog.NewLogger(os.Stdout, slog.LevelInfo)
	outcome := bootorchestrator.Run(sim, log, pub, keys.DefaultSymmetric)
	fmt.Printf("outcome: %s (resets=%d, halted=%v, jumped=%v)\n",
		outcome, sim.ResetCount(), sim.Halted(), sim.Jumped())
	return nil
}

func readPubKey(path string) (keys.PublicKeyXY, error) {
	var pub keys.PublicKeyXY
	if path == "" {
		return pub, fmt.Errorf("-pub is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return pub, fmt.Errorf("read public key: %w", err)
	}
	decoded, err := hex.DecodeString(trimNewline(string(raw)))
	if err != nil {
		return pub, fmt.Errorf("decode public key hex: %w", err)
	}
	if len(decoded) != len(pub) {
		return pub, fmt.Errorf("public key must be %d bytes, got %d", len(pub), len(decoded))
	}
	copy(pub[:], decoded)
	return pub, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// --- inspect ---

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	image := fs.String("image", "flash.bin", "flash image path")
	pubPath := fs.String("pub", "", "public key hex file written by keygen")
	fs.Parse(args)

	mm := defaultMemoryMap()
	sim, err := simulator.OpenFile(mm, *image)
	if err != nil {
		return fmt.Errorf("open flash image: %w", err)
	}
	defer sim.Close()

	cfg, err := bootconfig.Read(sim, mm)
	if err != nil {
		fmt.Println("config: not provisioned")
	} else {
		fmt.Printf("config: status=%s version=%d\n", cfg.Status, cfg.CurrentVersion)
	}

	if *pubPath != "" {
		pub, err := readPubKey(*pubPath)
		if err != nil {
			return err
		}
		facade := bootcrypto.New(swcrypto.New())
		status := bootfooter.Validate(sim, mm.AppDownloadAddr, mm.SlotSize, facade, [64]byte(pub))
		fmt.Printf("download slot: %s\n", status)
	}

	fmt.Printf("slot size: %s, config sector: 0x%08x, active: 0x%08x, download: 0x%08x, scratch: 0x%08x\n",
		humanize.Bytes(uint64(mm.SlotSize)), mm.ConfigAddr, mm.AppActiveAddr, mm.AppDownloadAddr, mm.ScratchAddr)
	return nil
}
