package security

import (
	"bytes"
	"encoding/base64"
	"io"

	"filippo.io/age"
)

// AgeIdentity decrypts secure values sealed to an age X25519 recipient.
// Ciphertexts are base64-encoded age files.
type AgeIdentity struct {
	identity *age.X25519Identity
}

func NewAgeIdentity(privateKey string) (*AgeIdentity, error) {
	identity, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, err
	}
	return &AgeIdentity{identity: identity}, nil
}

// Recipient returns the public key secrets should be sealed to.
func (ai *AgeIdentity) Recipient() string {
	return ai.identity.Recipient().String()
}

func (ai *AgeIdentity) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	r, err := age.Decrypt(bytes.NewReader(raw), ai.identity)
	if err != nil {
		return "", err
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptAge seals plaintext to an age public key, returning the base64
// form used in declarations. Used by the CLI's encrypt helper and tests.
func EncryptAge(publicKey, plaintext string) (string, error) {
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return "", err
	}
	buf := new(bytes.Buffer)
	w, err := age.Encrypt(buf, recipient)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
