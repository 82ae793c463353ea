// Package crypto implements the file-backed ed25519 key provider used to
// sign update metadata. The metadata manager is agnostic to the backend;
// this is the default selected by CHIRON_KEY_BACKEND=file.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyType = "ED25519 PRIVATE KEY"
	publicKeyType  = "ED25519 PUBLIC KEY"
)

// GenerateKeys writes a PEM keypair
func GenerateKeys(privateKeyPath, publicKeyPath string) error {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privateBlock := &pem.Block{
		Type:  privateKeyType,
		Bytes: privateKey,
	}
	privateFile, err := os.OpenFile(privateKeyPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create private key file: %w", err)
	}
	defer privateFile.Close()

	if err := pem.Encode(privateFile, privateBlock); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	publicBlock := &pem.Block{
		Type:  publicKeyType,
		Bytes: publicKey,
	}
	publicFile, err := os.Create(publicKeyPath)
	if err != nil {
		return fmt.Errorf("failed to create public key file: %w", err)
	}
	defer publicFile.Close()

	if err := pem.Encode(publicFile, publicBlock); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	return nil
}

// loadPrivate reads a PEM private key
func loadPrivate(path string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if block.Type != privateKeyType {
		return nil, fmt.Errorf("invalid key type: expected %s, got %s", privateKeyType, block.Type)
	}

	key := ed25519.PrivateKey(block.Bytes)
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size")
	}
	return key, nil
}

// loadPublic reads a PEM public key
func loadPublic(path string) (ed25519.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if block.Type != publicKeyType {
		return nil, fmt.Errorf("invalid key type: expected %s, got %s", publicKeyType, block.Type)
	}

	key := ed25519.PublicKey(block.Bytes)
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size")
	}
	return key, nil
}

// KeyID is the sha256 of the raw public key bytes, hex encoded
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// FileProvider signs with per-role PEM keypairs under Dir:
// <role>.key and <role>.pub.
type FileProvider struct {
	Dir string
}

// InitRole generates a keypair for a role if none exists
func (p *FileProvider) InitRole(role string) error {
	privatePath := filepath.Join(p.Dir, role+".key")
	if _, err := os.Stat(privatePath); err == nil {
		return nil
	}
	if err := os.MkdirAll(p.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	return GenerateKeys(privatePath, filepath.Join(p.Dir, role+".pub"))
}

// Sign produces (keyid, signature) over data with the role's key
func (p *FileProvider) Sign(role string, data []byte) (string, []byte, error) {
	private, err := loadPrivate(filepath.Join(p.Dir, role+".key"))
	if err != nil {
		return "", nil, err
	}
	public := private.Public().(ed25519.PublicKey)
	return KeyID(public), ed25519.Sign(private, data), nil
}

// PublicSet returns the role's public keys keyed by key id
func (p *FileProvider) PublicSet(role string) (map[string]ed25519.PublicKey, error) {
	public, err := loadPublic(filepath.Join(p.Dir, role+".pub"))
	if err != nil {
		return nil, err
	}
	return map[string]ed25519.PublicKey{KeyID(public): public}, nil
}
