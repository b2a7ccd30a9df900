// Package identity manages the worker's ed25519 identity keypair, stored on
// disk in OpenSSH format. The scheduler peer signs a hello preamble with it
// when a stream is dialed, so a scheduler deployment can tell registered
// workers apart from strays without a second credential system.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Identity is a loaded worker keypair.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ssh.PublicKey
}

// LoadOrCreate reads the keypair at dir/worker_ed25519{,.pub}, generating
// and persisting a fresh one if the private key file is missing.
func LoadOrCreate(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: key dir: %w", err)
	}
	idPath := filepath.Join(dir, "worker_ed25519")

	if _, err := os.Stat(idPath); err == nil {
		return load(idPath)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: convert public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "fntnd worker key")
	if err != nil {
		return nil, fmt.Errorf("identity: marshal private key: %w", err)
	}
	if err := os.WriteFile(idPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write private key: %w", err)
	}
	if err := os.WriteFile(idPath+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write public key: %w", err)
	}

	return &Identity{priv: priv, pub: sshPub}, nil
}

func load(idPath string) (*Identity, error) {
	raw, err := os.ReadFile(idPath)
	if err != nil {
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}
	key, err := ssh.ParseRawPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key %s: %w", idPath, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity: %s holds a %T, want ed25519", idPath, key)
	}
	sshPub, err := ssh.NewPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("identity: convert public key: %w", err)
	}
	return &Identity{priv: priv, pub: sshPub}, nil
}

// Fingerprint returns the SHA256 fingerprint of the public key, usable as a
// stable worker name in scheduler-side logs.
func (id *Identity) Fingerprint() string {
	return ssh.FingerprintSHA256(id.pub)
}

// PublicKeyLine returns the public key as a single authorized_keys-format
// line.
func (id *Identity) PublicKeyLine() []byte {
	return ssh.MarshalAuthorizedKey(id.pub)
}

// Sign signs data with the private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.priv, data)
}

// Verify checks sig against data under the public key in pubLine
// (authorized_keys format), for the scheduler side of the hello preamble.
func Verify(pubLine, data, sig []byte) error {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubLine)
	if err != nil {
		return fmt.Errorf("identity: parse public key: %w", err)
	}
	cpub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return fmt.Errorf("identity: public key is not a crypto key")
	}
	edPub, ok := cpub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("identity: public key is not ed25519")
	}
	if !ed25519.Verify(edPub, data, sig) {
		return fmt.Errorf("identity: signature verification failed")
	}
	return nil
}
