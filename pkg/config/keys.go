package config

import (
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ed25519"

	"github.com/sidkik/vaultsync/pkg/errors"
)

// GenerateKey creates a new signing key and writes its seed, hex encoded, to
// `path`.
func GenerateKey(path string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.WithContext(err, "generate")
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.WithContext(err, "make key dir")
	}

	seed := hex.EncodeToString(priv.Seed())
	if err := afero.WriteFile(fs, path, []byte(seed+"\n"), 0600); err != nil {
		return nil, errors.WithContext(err, "write")
	}
	return pub, nil
}

// LoadPrivateKey reads a key written by GenerateKey.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(contents)))
	if err != nil {
		return nil, errors.WithContext(err, "decode")
	}

	if len(seed) != ed25519.SeedSize {
		return nil, errors.NewFriendlyError("The private key at %q is "+
			"malformed. Expected a %d byte seed, but got %d bytes.",
			path, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
