package provision

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is an SSH credential for a new workspace.
type KeyPair struct {
	// PrivateKey is a PEM-encoded OpenSSH private key.
	PrivateKey []byte
	// PublicKey is an authorized_keys line.
	PublicKey string
}

// GenerateKeyPair creates an ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, &ProvisioningError{Operation: "key_generation", Err: err}
	}
	block, err := ssh.MarshalPrivateKey(priv, "relay-agent")
	if err != nil {
		return KeyPair{}, &ProvisioningError{Operation: "key_generation", Err: err}
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, &ProvisioningError{Operation: "key_generation", Err: err}
	}
	return KeyPair{
		PrivateKey: pem.EncodeToMemory(block),
		PublicKey:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
	}, nil
}
