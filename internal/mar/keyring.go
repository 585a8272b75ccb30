package mar

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Callek/balrogscript/internal/taskdef"
)

// keyringFilename is the manifest inside the keys directory mapping trust
// levels to PEM public key files.
const keyringFilename = "keyring.yaml"

// KeyRing holds the trusted RSA public keys per trust level. A level may
// carry several keys during rotations; a package verifies if any of them
// signed it.
type KeyRing map[taskdef.TrustLevel][]*rsa.PublicKey

// LoadKeyRing reads keyring.yaml from dir and loads every referenced PEM
// public key. Unknown trust levels and unparsable keys are startup errors.
func LoadKeyRing(dir string) (KeyRing, error) {
	contents, err := os.ReadFile(filepath.Join(dir, keyringFilename))
	if err != nil {
		return nil, fmt.Errorf("read keyring manifest: %w", err)
	}

	var manifest map[string][]string
	if err := yaml.Unmarshal(contents, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal keyring manifest: %w", err)
	}

	ring := make(KeyRing, len(manifest))

	for level, files := range manifest {
		trust := taskdef.TrustLevel(level)
		if !trust.Valid() {
			return nil, fmt.Errorf("keyring names unknown trust level %q", level)
		}

		for _, name := range files {
			key, err := loadPublicKey(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("load key %q for level %q: %w", name, level, err)
			}

			ring[trust] = append(ring[trust], key)
		}
	}

	return ring, nil
}

// KeysFor returns the trusted keys for a level. A level absent from the
// keyring cannot verify anything and is an error.
func (r KeyRing) KeysFor(level taskdef.TrustLevel) ([]*rsa.PublicKey, error) {
	keys, ok := r[level]
	if !ok || len(keys) == 0 {
		return nil, fmt.Errorf("keyring has no keys for trust level %q", level)
	}

	return keys, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(contents)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T, want RSA", parsed)
		}

		return key, nil
	}

	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return key, nil
}
