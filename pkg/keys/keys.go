// Package keys implements the Key & Signature primitive (C5): RSA
// keypair generation, textual serialization suitable for a
// single-line transport, PSS signing/verification, and OAEP
// encryption/decryption.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/paasd/pkg/paaserr"
)

// DefaultKeySize is the RSA modulus size, in bits, used by Generate.
const DefaultKeySize = 2048

const publicKeyPrefix = "rsa-pub-"

// PrivateKey wraps an RSA private key.
type PrivateKey struct {
	key *rsa.PrivateKey
}

// PublicKey wraps an RSA public key.
type PublicKey struct {
	key *rsa.PublicKey
}

// Generate creates a new RSA keypair of DefaultKeySize bits.
func Generate() (*PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, DefaultKeySize)
	if err != nil {
		return nil, paaserr.New(paaserr.Integrity, "keys.Generate", err)
	}
	return &PrivateKey{key: key}, nil
}

// ToString serializes the private key as PKCS8 PEM, optionally
// encrypted with passphrase, with newlines replaced by underscores so
// the result fits in a single line (environment variable, CLI flag,
// single-row config value).
func (p *PrivateKey) ToString(passphrase string) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(p.key)
	if err != nil {
		return "", paaserr.New(paaserr.Integrity, "PrivateKey.ToString", err)
	}

	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if passphrase != "" {
		//lint:ignore SA1019 x509.EncryptPEMBlock is the only stdlib path to an
		// encrypted single-line-friendly PEM; no pack dependency offers a
		// drop-in replacement for PKCS8 passphrase encryption.
		encBlock, encErr := x509.EncryptPEMBlock( //nolint:staticcheck
			rand.Reader, block.Type, block.Bytes, []byte(passphrase), x509.PEMCipherAES256)
		if encErr != nil {
			return "", paaserr.New(paaserr.Integrity, "PrivateKey.ToString", encErr)
		}
		block = encBlock
	}

	s := string(pem.EncodeToMemory(block))
	return strings.ReplaceAll(s, "\n", "_"), nil
}

// PrivateKeyFromString parses a private key produced by ToString,
// decrypting with passphrase if the PEM block is encrypted.
func PrivateKeyFromString(s, passphrase string) (*PrivateKey, error) {
	pemText := strings.ReplaceAll(s, "_", "\n")
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, paaserr.New(paaserr.Auth, "PrivateKeyFromString", errors.New("not a PEM block"))
	}

	der := block.Bytes
	//lint:ignore SA1019 matches the encryption path in ToString above.
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		decrypted, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, paaserr.New(paaserr.Auth, "PrivateKeyFromString", err)
		}
		der = decrypted
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		rsaKey, err2 := x509.ParsePKCS1PrivateKey(der)
		if err2 != nil {
			return nil, paaserr.New(paaserr.Auth, "PrivateKeyFromString", err)
		}
		return &PrivateKey{key: rsaKey}, nil
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, paaserr.New(paaserr.Auth, "PrivateKeyFromString", errors.New("not an RSA key"))
	}
	return &PrivateKey{key: rsaKey}, nil
}

// PublicKey returns the public half of this keypair.
func (p *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: &p.key.PublicKey}
}

// ID returns the short identifier shared by this key and its public
// counterpart.
func (p *PrivateKey) ID() string {
	return p.PublicKey().ID()
}

// Sign signs data with PSS+SHA256 and returns a base64 signature.
func (p *PrivateKey) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, p.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", paaserr.New(paaserr.Integrity, "PrivateKey.Sign", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Decrypt decrypts data that was encrypted with the matching public
// key via OAEP+SHA256.
func (p *PrivateKey) Decrypt(data []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, p.key, data, nil)
	if err != nil {
		return nil, paaserr.New(paaserr.Auth, "PrivateKey.Decrypt", err)
	}
	return out, nil
}

// ToString serializes the public key as a prefixed, URL-safe,
// single-line string (PKCS1 DER, base64url).
func (pub *PublicKey) ToString() string {
	der := x509.MarshalPKCS1PublicKey(pub.key)
	return publicKeyPrefix + base64.URLEncoding.EncodeToString(der)
}

// PublicKeyFromString parses a public key produced by ToString.
func PublicKeyFromString(s string) (*PublicKey, error) {
	if !strings.HasPrefix(s, publicKeyPrefix) {
		return nil, paaserr.New(paaserr.Auth, "PublicKeyFromString", fmt.Errorf("missing %q prefix", publicKeyPrefix))
	}
	der, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(s, publicKeyPrefix))
	if err != nil {
		return nil, paaserr.New(paaserr.Auth, "PublicKeyFromString", err)
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, paaserr.New(paaserr.Auth, "PublicKeyFromString", err)
	}
	return &PublicKey{key: key}, nil
}

// ID returns a short identifier derived deterministically from the
// public key's string encoding: its last 10 characters.
func (pub *PublicKey) ID() string {
	s := strings.TrimSpace(pub.ToString())
	if len(s) <= 10 {
		return s
	}
	return s[len(s)-10:]
}

// Verify reports whether signature is a valid PSS+SHA256 signature of
// data by the matching private key. Never returns an error: any
// malformed signature or mismatch is reported as false.
func (pub *PublicKey) Verify(signature string, data []byte) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	err = rsa.VerifyPSS(pub.key, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

// Encrypt encrypts data via OAEP+SHA256 so only the matching private
// key can decrypt it.
func (pub *PublicKey) Encrypt(data []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub.key, data, nil)
	if err != nil {
		return nil, paaserr.New(paaserr.Integrity, "PublicKey.Encrypt", err)
	}
	return out, nil
}
