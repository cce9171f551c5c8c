package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"k8s.io/klog/v2"
)

// KeyStore owns the process-wide admin keypair (spec §4.1). Generated once
// on first start at a canonical path; the private key is readable only by
// the process user.
type KeyStore struct {
	privatePath string
	publicPath  string
	signer      ssh.Signer
	comment     string
}

// NewKeyStore loads the keypair at privatePath, generating one (plus its
// .pub sibling) if absent. comment is embedded in the public key and used
// later to recognize MCP-managed authorized_keys lines (spec §4.1 step 5).
func NewKeyStore(privatePath, comment string) (*KeyStore, error) {
	ks := &KeyStore{
		privatePath: privatePath,
		publicPath:  privatePath + ".pub",
		comment:     comment,
	}
	if err := os.MkdirAll(filepath.Dir(privatePath), 0o700); err != nil {
		return nil, fmt.Errorf("create ssh key directory: %w", err)
	}

	if _, err := os.Stat(privatePath); os.IsNotExist(err) {
		klog.V(0).Infof("SSH admin keypair not found at %s, generating", privatePath)
		if err := ks.generate(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat ssh key %s: %w", privatePath, err)
	}

	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(ks.privatePath, pemBytes, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}
	authorized := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	line := fmt.Sprintf("%s %s\n", authorized, ks.comment)
	if err := os.WriteFile(ks.publicPath, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func (ks *KeyStore) load() error {
	raw, err := os.ReadFile(ks.privatePath)
	if err != nil {
		return fmt.Errorf("read private key %s: %w", ks.privatePath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return fmt.Errorf("parse private key %s: %w", ks.privatePath, err)
	}
	ks.signer = signer
	return nil
}

// Signer returns the admin key's ssh.Signer for use in client auth.
func (ks *KeyStore) Signer() ssh.Signer { return ks.signer }

// AuthorizedKeyLine returns the full "<type> <base64> <comment>" line to
// append to a remote authorized_keys file.
func (ks *KeyStore) AuthorizedKeyLine() string {
	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(ks.signer.PublicKey())), "\n")
	return fmt.Sprintf("%s %s", line, ks.comment)
}

// Comment is the "mcp_admin@<server-hostname>"-style marker used to
// recognize our own lines in a remote authorized_keys file.
func (ks *KeyStore) Comment() string { return ks.comment }
