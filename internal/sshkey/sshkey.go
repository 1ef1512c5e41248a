// Package sshkey provisions the local SSH credential the marketplace needs
// to grant per-instance access. Key generation and remote registration are
// both idempotent: an existing local key is reused, and a key already on the
// account is never uploaded twice.
package sshkey

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const keyComment = "muse-backend"

// Registrar is the slice of the marketplace API the provisioner needs:
// listing the account's SSH keys and attaching a new one.
type Registrar interface {
	ListSSHKeys(ctx context.Context) ([]string, error)
	RegisterSSHKey(ctx context.Context, publicKey string) error
}

// Provisioner manages the local keypair and its registration with the
// marketplace account.
type Provisioner struct {
	privatePath string
	logger      *zap.Logger
}

// NewProvisioner creates a provisioner for the keypair at privatePath; the
// public key lives alongside it with a .pub suffix.
func NewProvisioner(privatePath string, logger *zap.Logger) *Provisioner {
	return &Provisioner{privatePath: privatePath, logger: logger}
}

// EnsureKey returns the local public key in authorized_keys format,
// generating a fresh ed25519 keypair first if none exists. File permissions
// follow the usual SSH convention (0600 private, 0644 public).
func (p *Provisioner) EnsureKey() (string, error) {
	pubPath := p.privatePath + ".pub"

	if data, err := os.ReadFile(pubPath); err == nil {
		key := strings.TrimSpace(string(data))
		if key != "" {
			return key, nil
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to convert public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + keyComment

	if err := os.MkdirAll(filepath.Dir(p.privatePath), 0700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(p.privatePath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(authorized+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write public key: %w", err)
	}

	p.logger.Info("Generated new SSH keypair", zap.String("path", p.privatePath))
	return authorized, nil
}

// EnsureRegistered makes sure the local public key is attached to the
// marketplace account. It compares against the account's existing keys by
// exact public-key match or SHA-256 fingerprint before uploading, and a
// duplicate-key rejection from the upload itself counts as success.
func (p *Provisioner) EnsureRegistered(ctx context.Context, registrar Registrar) error {
	localKey, err := p.EnsureKey()
	if err != nil {
		return err
	}

	localFingerprint, err := fingerprint(localKey)
	if err != nil {
		return fmt.Errorf("local public key unparseable: %w", err)
	}

	remote, err := registrar.ListSSHKeys(ctx)
	if err != nil {
		p.logger.Warn("Could not list remote SSH keys, attempting upload anyway", zap.Error(err))
	} else {
		for _, remoteKey := range remote {
			if keyBody(remoteKey) == keyBody(localKey) {
				p.logger.Debug("SSH key already registered (exact match)")
				return nil
			}
			if fp, err := fingerprint(remoteKey); err == nil && fp == localFingerprint {
				p.logger.Debug("SSH key already registered (fingerprint match)",
					zap.String("fingerprint", fp))
				return nil
			}
		}
	}

	if err := registrar.RegisterSSHKey(ctx, localKey); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already") {
			p.logger.Debug("SSH key already present on account")
			return nil
		}
		return fmt.Errorf("failed to register SSH key: %w", err)
	}

	p.logger.Info("SSH key registered with marketplace account",
		zap.String("fingerprint", localFingerprint))
	return nil
}

// ConnectionString builds the ssh command line for an instance endpoint,
// used by ancillary provisioning flows and operator tooling.
func (p *Provisioner) ConnectionString(host string, port int) string {
	return fmt.Sprintf("ssh -i %s -p %d root@%s", p.privatePath, port, host)
}

// RunRemote executes a command on the instance over SSH and returns its
// combined output.
func (p *Provisioner) RunRemote(ctx context.Context, host string, port int, command string) (string, error) {
	signer, err := p.loadSigner()
	if err != nil {
		return "", err
	}

	config := &ssh.ClientConfig{
		User: "root",
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Marketplace hosts rotate constantly; there is no stable host key
		// to pin against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s failed: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session failed: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(command); err != nil {
		return out.String(), fmt.Errorf("remote command failed: %w", err)
	}
	return out.String(), nil
}

// SelfTest verifies the instance accepts our credential by running a no-op
// command.
func (p *Provisioner) SelfTest(ctx context.Context, host string, port int) error {
	_, err := p.RunRemote(ctx, host, port, "true")
	return err
}

func (p *Provisioner) loadSigner() (ssh.Signer, error) {
	data, err := os.ReadFile(p.privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// fingerprint returns the SHA-256 fingerprint of an authorized_keys-format
// public key.
func fingerprint(authorizedKey string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(pub), nil
}

// keyBody strips the comment field so two copies of the same key with
// different labels still compare equal.
func keyBody(authorizedKey string) string {
	fields := strings.Fields(authorizedKey)
	if len(fields) >= 2 {
		return fields[0] + " " + fields[1]
	}
	return strings.TrimSpace(authorizedKey)
}
