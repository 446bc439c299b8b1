// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadNodeKey reads an unencrypted OpenSSH ed25519 private key, the
// format ssh-keygen -t ed25519 writes. Node keys are provisioned like
// host keys, so the operator tooling for those applies unchanged.
func LoadNodeKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node key: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing node key %s: %w", path, err)
	}
	switch key := raw.(type) {
	case *ed25519.PrivateKey:
		return *key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("node key %s is %T, want ed25519", path, raw)
	}
}

// ParsePeerKey parses an authorized_keys line naming an ed25519 key.
func ParsePeerKey(line string) (ed25519.PublicKey, error) {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parsing peer key: %w", err)
	}
	cryptoKey, ok := parsed.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("peer key type %s has no crypto form", parsed.Type())
	}
	publicKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer key is %s, want ssh-ed25519", parsed.Type())
	}
	return publicKey, nil
}

// FormatPeerKey renders publicKey in authorized_keys form, the
// inverse of ParsePeerKey.
func FormatPeerKey(publicKey ed25519.PublicKey) (string, error) {
	sshKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return "", err
	}
	line := ssh.MarshalAuthorizedKey(sshKey)
	return string(line[:len(line)-1]), nil
}
