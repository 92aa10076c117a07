// Package keyring stores the device's ed25519 identities on disk and
// resolves aliases to them.
package keyring

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gezibash/clan/pkg/identity"
	"github.com/gezibash/clan/pkg/identity/ed25519"
)

const (
	DefaultAlias       = "default"
	PublicKeyHexLength = 64
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrAliasNotFound = errors.New("alias not found")
	ErrAlreadyExists = errors.New("key already exists")
	ErrNoDefault     = errors.New("no default key set")
)

// Keyring is a directory of seeds plus an alias file.
type Keyring struct {
	dir string
}

// Key is a loaded identity.
type Key struct {
	Keypair   *ed25519.Keypair
	PublicKey string // hex-encoded
	Actor     string // "ed25519:<hex>"
	Metadata  *Metadata
}

// Metadata is stored beside each seed.
type Metadata struct {
	PublicKey string    `json:"public_key"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type KeyInfo struct {
	PublicKey string    `json:"public_key"`
	Actor     string    `json:"actor"`
	Aliases   []string  `json:"aliases,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	IsDefault bool      `json:"is_default"`
}

func New(dir string) *Keyring {
	return &Keyring{dir: dir}
}

func newKey(kp *ed25519.Keypair, meta *Metadata) *Key {
	pk := kp.PublicKey()
	return &Key{
		Keypair:   kp,
		PublicKey: hex.EncodeToString(pk.Bytes),
		Actor:     identity.EncodePublicKey(pk),
		Metadata:  meta,
	}
}

// Generate creates a key, optionally aliased. The first key created in an
// empty keyring becomes the default.
func (kr *Keyring) Generate(_ context.Context, alias string) (*Key, error) {
	kp, err := ed25519.Generate()
	if err != nil {
		return nil, err
	}
	pkHex := hex.EncodeToString(kp.PublicKey().Bytes)
	if kr.keyExists(pkHex) {
		return nil, ErrAlreadyExists
	}
	return kr.store(kp, alias)
}

// Import stores a key derived from an existing 32-byte seed.
func (kr *Keyring) Import(_ context.Context, seed []byte, alias string) (*Key, error) {
	kp, err := ed25519.FromSeed(seed)
	if err != nil {
		return nil, err
	}
	return kr.store(kp, alias)
}

func (kr *Keyring) store(kp *ed25519.Keypair, alias string) (*Key, error) {
	pkHex := hex.EncodeToString(kp.PublicKey().Bytes)
	meta := &Metadata{PublicKey: pkHex, Actor: identity.EncodePublicKey(kp.PublicKey()), CreatedAt: time.Now().UTC()}

	if err := kr.saveKey(kp, pkHex, meta); err != nil {
		return nil, err
	}

	if alias != "" {
		if err := kr.SetAlias(alias, pkHex); err != nil {
			_ = kr.deleteKeyFiles(pkHex)
			return nil, err
		}
		if err := kr.defaultIfUnset(alias); err != nil {
			return nil, err
		}
	}
	return newKey(kp, meta), nil
}

func (kr *Keyring) defaultIfUnset(alias string) error {
	kf, err := kr.loadKeyringFile()
	if err != nil {
		return err
	}
	if kf.Default != "" {
		return nil
	}
	kf.Default = alias
	return kr.saveKeyringFile(kf)
}

// Load resolves an alias, public key hex or actor string to a key.
func (kr *Keyring) Load(_ context.Context, nameOrID string) (*Key, error) {
	pkHex, err := kr.Resolve(nameOrID)
	if err != nil {
		return nil, err
	}
	kp, meta, err := kr.loadKey(pkHex)
	if err != nil {
		return nil, err
	}
	return newKey(kp, meta), nil
}

// LoadDefault loads the key the default alias points at.
func (kr *Keyring) LoadDefault(ctx context.Context) (*Key, error) {
	kf, err := kr.loadKeyringFile()
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoDefault
	}
	if err != nil {
		return nil, err
	}
	if kf.Default == "" {
		return nil, ErrNoDefault
	}
	return kr.Load(ctx, kf.Default)
}

// LoadOrGenerate loads alias, generating it when it does not exist yet.
func (kr *Keyring) LoadOrGenerate(ctx context.Context, alias string) (*Key, error) {
	key, err := kr.Load(ctx, alias)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAliasNotFound) {
		return nil, err
	}
	return kr.Generate(ctx, alias)
}

// Provider adapts the keyring to identity.Provider for one alias.
func (kr *Keyring) Provider(alias string) identity.Provider {
	return identity.ProviderFunc(func(ctx context.Context) (identity.Signer, error) {
		key, err := kr.LoadOrGenerate(ctx, alias)
		if err != nil {
			return nil, err
		}
		return key.Keypair, nil
	})
}

// List returns every stored key with its aliases.
func (kr *Keyring) List(_ context.Context) ([]*KeyInfo, error) {
	kf, err := kr.loadKeyringFile()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	aliasMap := make(map[string][]string)
	var defaultHex string
	if kf != nil {
		for alias, pkHex := range kf.Aliases {
			aliasMap[pkHex] = append(aliasMap[pkHex], alias)
		}
		if kf.Default != "" {
			defaultHex, _ = kr.resolveAlias(kf.Default, kf)
		}
	}

	hexes, err := kr.listKeyFiles()
	if err != nil {
		return nil, err
	}

	infos := make([]*KeyInfo, 0, len(hexes))
	for _, pkHex := range hexes {
		_, meta, err := kr.loadKey(pkHex)
		if err != nil {
			continue
		}
		infos = append(infos, &KeyInfo{
			PublicKey: meta.PublicKey,
			Actor:     meta.Actor,
			Aliases:   aliasMap[pkHex],
			CreatedAt: meta.CreatedAt,
			IsDefault: defaultHex == pkHex,
		})
	}
	return infos, nil
}

// Delete removes a key together with its aliases.
func (kr *Keyring) Delete(_ context.Context, nameOrID string) error {
	pkHex, err := kr.Resolve(nameOrID)
	if err != nil {
		return err
	}

	kf, err := kr.loadKeyringFile()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if kf != nil {
		changed := false
		if kf.Default != "" {
			if h, _ := kr.resolveAlias(kf.Default, kf); h == pkHex {
				kf.Default = ""
				changed = true
			}
		}
		for alias, id := range kf.Aliases {
			if id == pkHex {
				delete(kf.Aliases, alias)
				changed = true
			}
		}
		if changed {
			if err := kr.saveKeyringFile(kf); err != nil {
				return err
			}
		}
	}
	return kr.deleteKeyFiles(pkHex)
}

// SetAlias points alias at an existing key.
func (kr *Keyring) SetAlias(alias, pkHex string) error {
	pkHex = normalize(pkHex)
	if !kr.keyExists(pkHex) {
		return ErrNotFound
	}

	kf, err := kr.loadKeyringFile()
	if errors.Is(err, ErrNotFound) {
		kf = newKeyringFile()
	} else if err != nil {
		return err
	}

	kf.Aliases[alias] = pkHex
	return kr.saveKeyringFile(kf)
}

// SetDefault makes alias the default key.
func (kr *Keyring) SetDefault(alias string) error {
	kf, err := kr.loadKeyringFile()
	if errors.Is(err, ErrNotFound) {
		return ErrAliasNotFound
	}
	if err != nil {
		return err
	}
	if _, ok := kf.Aliases[alias]; !ok {
		return ErrAliasNotFound
	}
	kf.Default = alias
	return kr.saveKeyringFile(kf)
}

// Resolve maps an alias, public key hex or actor string to public key hex.
func (kr *Keyring) Resolve(nameOrID string) (string, error) {
	if pk, ok := identity.TryDecodePublicKey(nameOrID); ok {
		pkHex := hex.EncodeToString(pk.Bytes)
		if kr.keyExists(pkHex) {
			return pkHex, nil
		}
		return "", ErrNotFound
	}

	kf, err := kr.loadKeyringFile()
	if errors.Is(err, ErrNotFound) {
		return "", ErrAliasNotFound
	}
	if err != nil {
		return "", err
	}
	return kr.resolveAlias(nameOrID, kf)
}

func (kr *Keyring) resolveAlias(alias string, kf *keyringFile) (string, error) {
	pkHex, ok := kf.Aliases[alias]
	if !ok {
		return "", ErrAliasNotFound
	}
	if !kr.keyExists(pkHex) {
		return "", ErrNotFound
	}
	return pkHex, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
