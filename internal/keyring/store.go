package keyring

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gezibash/clan/pkg/identity"
	"github.com/gezibash/clan/pkg/identity/ed25519"
)

// On-disk layout under the keyring directory:
//
//	keyring.json        aliases and the default alias
//	keys/<hex>.key      32-byte ed25519 seed, mode 0600
//	keys/<hex>.json     Metadata
const (
	keyringFileName = "keyring.json"
	keysDirName     = "keys"
	seedSuffix      = ".key"
	metaSuffix      = ".json"
	keyringVersion  = 1
)

// ErrInsecureKeyFile is returned for a seed that group or other users can
// read. The seed signs every governance call made as this device.
var ErrInsecureKeyFile = errors.New("key file is readable by other users")

type keyringFile struct {
	Version int               `json:"version"`
	Default string            `json:"default,omitempty"`
	Aliases map[string]string `json:"aliases"`
}

func newKeyringFile() *keyringFile {
	return &keyringFile{Version: keyringVersion, Aliases: make(map[string]string)}
}

func (kr *Keyring) keysDir() string { return filepath.Join(kr.dir, keysDirName) }

func (kr *Keyring) keyringFilePath() string { return filepath.Join(kr.dir, keyringFileName) }

func (kr *Keyring) keyPath(pkHex string) string {
	return filepath.Join(kr.keysDir(), normalize(pkHex)+seedSuffix)
}

func (kr *Keyring) metaPath(pkHex string) string {
	return filepath.Join(kr.keysDir(), normalize(pkHex)+metaSuffix)
}

func (kr *Keyring) keyExists(pkHex string) bool {
	_, err := os.Stat(kr.keyPath(pkHex))
	return err == nil
}

// saveKey writes the seed before its metadata; a seed without metadata still
// loads, metadata without a seed is never listed.
func (kr *Keyring) saveKey(kp *ed25519.Keypair, pkHex string, meta *Metadata) error {
	pkHex = normalize(pkHex)
	if err := os.MkdirAll(kr.keysDir(), 0o700); err != nil {
		return fmt.Errorf("create keys directory: %w", err)
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeFileAtomic(kr.keyPath(pkHex), kp.Seed()); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := writeFileAtomic(kr.metaPath(pkHex), metaJSON); err != nil {
		_ = os.Remove(kr.keyPath(pkHex))
		return fmt.Errorf("write metadata file: %w", err)
	}
	return nil
}

// loadKey reads a seed and checks it derives the public key its file is named
// after. Missing or older metadata is filled in from the key itself.
func (kr *Keyring) loadKey(pkHex string) (*ed25519.Keypair, *Metadata, error) {
	pkHex = normalize(pkHex)

	seed, err := readSeed(kr.keyPath(pkHex))
	if err != nil {
		return nil, nil, err
	}
	kp, err := ed25519.FromSeed(seed)
	if err != nil {
		return nil, nil, fmt.Errorf("create keypair from seed: %w", err)
	}
	pk := kp.PublicKey()
	if got := hex.EncodeToString(pk.Bytes); got != pkHex {
		return nil, nil, fmt.Errorf("key file %s holds key %s", pkHex, got)
	}

	meta := &Metadata{}
	metaJSON, err := os.ReadFile(kr.metaPath(pkHex))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, nil, fmt.Errorf("read metadata file: %w", err)
	default:
		if err := json.Unmarshal(metaJSON, meta); err != nil {
			return nil, nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	meta.PublicKey = pkHex
	if meta.Actor == "" {
		meta.Actor = identity.EncodePublicKey(pk)
	}
	return kp, meta, nil
}

func readSeed(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%s (mode %v): %w", filepath.Base(path), info.Mode().Perm(), ErrInsecureKeyFile)
	}
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return seed, nil
}

func (kr *Keyring) deleteKeyFiles(pkHex string) error {
	pkHex = normalize(pkHex)
	if err := os.Remove(kr.keyPath(pkHex)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete key file: %w", err)
	}
	_ = os.Remove(kr.metaPath(pkHex))
	return nil
}

// listKeyFiles returns the public key hex of every seed file. Names that are
// not a full ed25519 public key are ignored.
func (kr *Keyring) listKeyFiles() ([]string, error) {
	entries, err := os.ReadDir(kr.keysDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keys directory: %w", err)
	}

	var hexes []string
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), seedSuffix)
		if entry.IsDir() || !ok || len(name) != PublicKeyHexLength {
			continue
		}
		if _, err := hex.DecodeString(name); err != nil {
			continue
		}
		hexes = append(hexes, normalize(name))
	}
	return hexes, nil
}

func (kr *Keyring) loadKeyringFile() (*keyringFile, error) {
	data, err := os.ReadFile(kr.keyringFilePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring file: %w", err)
	}

	kf := newKeyringFile()
	if err := json.Unmarshal(data, kf); err != nil {
		return nil, fmt.Errorf("parse keyring file: %w", err)
	}
	if kf.Version > keyringVersion {
		return nil, fmt.Errorf("keyring file version %d is newer than supported version %d", kf.Version, keyringVersion)
	}
	if kf.Aliases == nil {
		kf.Aliases = make(map[string]string)
	}
	for alias, ref := range kf.Aliases {
		kf.Aliases[alias] = aliasTarget(ref)
	}
	return kf, nil
}

// aliasTarget accepts alias targets written as bare hex or as an actor
// string and stores them as hex.
func aliasTarget(ref string) string {
	if pk, ok := identity.TryDecodePublicKey(ref); ok {
		return hex.EncodeToString(pk.Bytes)
	}
	return normalize(ref)
}

func (kr *Keyring) saveKeyringFile(kf *keyringFile) error {
	if err := os.MkdirAll(kr.dir, 0o700); err != nil {
		return fmt.Errorf("create keyring directory: %w", err)
	}
	kf.Version = keyringVersion
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyring file: %w", err)
	}
	if err := writeFileAtomic(kr.keyringFilePath(), data); err != nil {
		return fmt.Errorf("write keyring file: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path with data, mode 0600, so a crash never
// leaves a truncated seed or alias file behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
