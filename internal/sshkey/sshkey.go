// Package sshkey manages the ed25519 keypair injected into every VM and
// collects additional operator-supplied public keys.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyName = "id_ed25519"
	publicKeyName  = "id_ed25519.pub"
	keyComment     = "vmspawn"
)

// KeyPair holds the on-disk paths of a private/public key pair.
type KeyPair struct {
	PrivatePath string
	PublicPath  string
}

// EnsureKeyPair generates an ed25519 keypair under dataDir/keys on first
// use and returns its paths. An existing pair is reused unchanged.
func EnsureKeyPair(dataDir string) (KeyPair, error) {
	keyDir := filepath.Join(dataDir, "keys")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return KeyPair{}, fmt.Errorf("failed to create key directory: %w", err)
	}

	pair := KeyPair{
		PrivatePath: filepath.Join(keyDir, privateKeyName),
		PublicPath:  filepath.Join(keyDir, publicKeyName),
	}

	if _, err := os.Stat(pair.PrivatePath); err == nil {
		return pair, nil
	} else if !os.IsNotExist(err) {
		return KeyPair{}, fmt.Errorf("failed to stat private key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(pair.PrivatePath, pem.EncodeToMemory(block), 0o600); err != nil {
		return KeyPair{}, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to convert public key: %w", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPub)
	// Keep the comment, ssh-keygen style.
	line := strings.TrimRight(string(authorized), "\n") + " " + keyComment + "\n"
	if err := os.WriteFile(pair.PublicPath, []byte(line), 0o644); err != nil {
		return KeyPair{}, fmt.Errorf("failed to write public key: %w", err)
	}

	return pair, nil
}

// PublicKey reads and validates the pair's public key in authorized_keys
// format, without trailing newline.
func (p KeyPair) PublicKey() (string, error) {
	return ReadPublicKey(p.PublicPath)
}

// ReadPublicKey reads one public key file and validates it parses as an
// authorized_keys entry.
func ReadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read public key %s: %w", path, err)
	}

	line := strings.TrimSpace(string(data))
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
		return "", fmt.Errorf("%s is not a valid public key: %w", path, err)
	}
	return line, nil
}

// CollectPublicKeys returns the generated key plus any extra public key
// files (from flags or SSH_PUBKEY_PATH), deduplicated, each validated.
func CollectPublicKeys(generated KeyPair, extraPaths ...string) ([]string, error) {
	var keys []string
	seen := map[string]bool{}

	add := func(path string) error {
		key, err := ReadPublicKey(path)
		if err != nil {
			return err
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		return nil
	}

	if err := add(generated.PublicPath); err != nil {
		return nil, err
	}
	for _, path := range extraPaths {
		if path == "" {
			continue
		}
		if err := add(path); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
