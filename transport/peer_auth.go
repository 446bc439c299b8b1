// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authSignatureSize is the size of an Ed25519 signature in bytes.
const authSignatureSize = 64

// PeerAuthenticator signs and verifies the handshake challenges that
// bind a connection to both nodes' identities.
//
// After the hello exchange both sides send a random 32-byte nonce,
// sign each other's nonce together with the challenger's peer ID, and
// verify the returned signature with the key the peer set holds for
// that peer. A node that can reach the listener but does not hold the
// claimed peer's private key cannot complete the exchange.
type PeerAuthenticator interface {
	// Sign signs message with the local node's Ed25519 private key.
	Sign(message []byte) []byte

	// VerifyPeer verifies that signature is a valid Ed25519 signature
	// of message by the node identified by peer.
	VerifyPeer(peer PeerID, message, signature []byte) error
}

// keyAuthenticator authenticates one connection: it signs with the
// local key and verifies against the single peer key the connection
// is supposed to reach.
type keyAuthenticator struct {
	privateKey ed25519.PrivateKey
	peer       PeerID
	publicKey  ed25519.PublicKey
}

var _ PeerAuthenticator = keyAuthenticator{}

func (a keyAuthenticator) Sign(message []byte) []byte {
	return ed25519.Sign(a.privateKey, message)
}

func (a keyAuthenticator) VerifyPeer(peer PeerID, message, signature []byte) error {
	if peer != a.peer {
		return fmt.Errorf("no key for peer %s", peer)
	}
	if !ed25519.Verify(a.publicKey, message, signature) {
		return errors.New("signature does not verify")
	}
	return nil
}

// runPeerAuth executes the mutual authentication protocol on a fresh
// connection. Both peers run this function simultaneously on the same
// connection. The protocol is:
//
//  1. Send a 32-byte random nonce
//  2. Read the peer's 32-byte nonce
//  3. Sign (peerNonce || peerID), binding the response to the
//     specific challenger's identity
//  4. Send the 64-byte Ed25519 signature
//  5. Read the peer's 64-byte signature
//  6. Verify it against (ownNonce || ownID) using the peer's key
//
// The identity binding in step 3 prevents a valid signature for peer A
// from being replayed to authenticate against peer B.
//
// Writes and reads are interleaved using a background writer goroutine
// to avoid deadlock on synchronous channels (such as net.Pipe), where
// Write blocks until the peer Reads. Without concurrent write/read,
// both sides would block on their initial Write simultaneously.
//
// A verification failure wraps ErrHandshakeFailure; I/O failures do
// not. The caller owns the connection.
func runPeerAuth(channel io.ReadWriter, authenticator PeerAuthenticator, self, peer PeerID) error {
	// Generate random nonce.
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating auth nonce: %w", err)
	}

	// writeErrors collects errors from the background writer goroutine.
	// The writer sends both the nonce and (later) the signature.
	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	// Background writer: sends our nonce, then waits for the signature
	// to be computed by the main goroutine, then sends the signature.
	go func() {
		if _, err := channel.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("sending auth nonce: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	// Main goroutine: read the peer's nonce.
	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(channel, peerNonce); err != nil {
		close(signatureToSend)
		return fmt.Errorf("reading peer nonce: %w", err)
	}

	// Sign (peerNonce || peer): "I am responding to this challenge
	// from the node that claims to be <peer>."
	signedMessage := make([]byte, 0, authNonceSize+len(peer))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peer...)
	signature := authenticator.Sign(signedMessage)

	// Hand the signature to the background writer.
	signatureToSend <- signature

	// Read the peer's signature.
	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return fmt.Errorf("reading peer signature: %w", err)
	}

	// Wait for the writer goroutine to finish.
	if err := <-writeErrors; err != nil {
		return err
	}

	// Verify: peer signed (nonce || self), i.e., the peer responded
	// to OUR challenge bound to OUR identity.
	verifyMessage := make([]byte, 0, authNonceSize+len(self))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, self...)
	if err := authenticator.VerifyPeer(peer, verifyMessage, peerSignature); err != nil {
		return fmt.Errorf("%w: peer %s failed authentication: %w", ErrHandshakeFailure, peer, err)
	}

	return nil
}
